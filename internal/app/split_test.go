package app

import (
	"testing"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountsOfTypes(types ...domain.AccountType) []domain.Account {
	accounts := make([]domain.Account, len(types))
	for i, t := range types {
		accounts[i] = domain.Account{Type: t}
	}
	return accounts
}

func TestEqualSplit(t *testing.T) {
	shares := EqualSplit{}.Split(1000, accountsOfTypes(domain.AccountTypeClothing, domain.AccountTypeEducation, domain.AccountTypeGroceries))
	require.Len(t, shares, 3)
	for _, s := range shares {
		assert.EqualValues(t, 333, s.Amount)
		assert.Equal(t, "33.33", s.Percentage.StringFixed(2))
	}

	assert.Nil(t, EqualSplit{}.Split(1000, nil))
}

func TestWeightedSplit_DefaultsUnlistedWeightsToOne(t *testing.T) {
	policy := WeightedSplit{Weights: map[domain.AccountType]int64{domain.AccountTypeGroceries: 2}}
	shares := policy.Split(1000, accountsOfTypes(domain.AccountTypeClothing, domain.AccountTypeGroceries))

	require.Len(t, shares, 2)
	assert.EqualValues(t, 333, shares[0].Amount)
	assert.Equal(t, "33.33", shares[0].Percentage.StringFixed(2))
	assert.EqualValues(t, 666, shares[1].Amount)
	assert.Equal(t, "66.67", shares[1].Percentage.StringFixed(2))
}

func TestWeightedSplit_AllZeroWeightsKeepEverythingInMain(t *testing.T) {
	policy := WeightedSplit{Weights: map[domain.AccountType]int64{
		domain.AccountTypeClothing:  0,
		domain.AccountTypeGroceries: 0,
	}}
	shares := policy.Split(1000, accountsOfTypes(domain.AccountTypeClothing, domain.AccountTypeGroceries))

	require.Len(t, shares, 2)
	for _, s := range shares {
		assert.EqualValues(t, 0, s.Amount)
	}
}

func TestParseSplitWeights(t *testing.T) {
	weights, err := ParseSplitWeights("Groceries=3, healthcare=2,,baby care=0")
	require.NoError(t, err)
	assert.Equal(t, map[domain.AccountType]int64{
		domain.AccountTypeGroceries:  3,
		domain.AccountTypeHealthcare: 2,
		domain.AccountTypeBabyCare:   0,
	}, weights)

	for _, raw := range []string{"Groceries", "Savings=1", "Main=2", "Groceries=-1", "Groceries=x"} {
		_, err := ParseSplitWeights(raw)
		assert.Error(t, err, raw)
	}
}

func TestNewSplitPolicy(t *testing.T) {
	policy, err := NewSplitPolicy("", "")
	require.NoError(t, err)
	assert.Equal(t, SplitPolicyEqual, policy.Name())

	policy, err = NewSplitPolicy("Weighted", "Groceries=3")
	require.NoError(t, err)
	assert.Equal(t, SplitPolicyWeighted, policy.Name())

	_, err = NewSplitPolicy("random", "")
	assert.Error(t, err)

	_, err = NewSplitPolicy("weighted", "Unknown=1")
	assert.Error(t, err)
}
