package app

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/shopspring/decimal"
)

// Split policy names accepted by NewSplitPolicy.
const (
	SplitPolicyEqual    = "equal"
	SplitPolicyWeighted = "weighted"
)

var hundred = decimal.NewFromInt(100)

// Share is one sub-account's portion of a deposit, in cents.
type Share struct {
	Amount     int64
	Percentage decimal.Decimal
}

// SplitPolicy decides how a deposit is divided across active sub-accounts. It must return
// one non-negative share per account, in the same order, summing to at most amount.
// Whatever is left over stays in the Main account.
type SplitPolicy interface {
	Name() string
	Split(amount int64, subs []domain.Account) []Share
}

// EqualSplit gives every sub-account floor(amount/N) cents.
type EqualSplit struct{}

func (EqualSplit) Name() string { return SplitPolicyEqual }

func (EqualSplit) Split(amount int64, subs []domain.Account) []Share {
	n := int64(len(subs))
	if n == 0 {
		return nil
	}
	per := amount / n
	pct := hundred.DivRound(decimal.NewFromInt(n), 2)

	shares := make([]Share, len(subs))
	for i := range subs {
		shares[i] = Share{Amount: per, Percentage: pct}
	}
	return shares
}

// WeightedSplit gives every sub-account floor(amount*w/sum(w)) cents. Categories with no
// configured weight count as 1; a zero weight receives nothing.
type WeightedSplit struct {
	Weights map[domain.AccountType]int64
}

func (WeightedSplit) Name() string { return SplitPolicyWeighted }

func (p WeightedSplit) weight(t domain.AccountType) int64 {
	if w, ok := p.Weights[t]; ok {
		return w
	}
	return 1
}

func (p WeightedSplit) Split(amount int64, subs []domain.Account) []Share {
	if len(subs) == 0 {
		return nil
	}
	var total int64
	for _, s := range subs {
		total += p.weight(s.Type)
	}

	shares := make([]Share, len(subs))
	if total <= 0 {
		for i := range shares {
			shares[i] = Share{Percentage: decimal.Zero}
		}
		return shares
	}

	amt := decimal.NewFromInt(amount)
	sum := decimal.NewFromInt(total)
	for i, s := range subs {
		w := decimal.NewFromInt(p.weight(s.Type))
		shares[i] = Share{
			Amount:     amt.Mul(w).Div(sum).Floor().IntPart(),
			Percentage: w.Mul(hundred).DivRound(sum, 2),
		}
	}
	return shares
}

// ParseSplitWeights parses "Groceries=3,Healthcare=2". Type names are case-insensitive.
func ParseSplitWeights(raw string) (map[domain.AccountType]int64, error) {
	weights := make(map[domain.AccountType]int64)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid split weight %q: expected Type=weight", pair)
		}
		t, err := domain.ParseAccountType(name)
		if err != nil {
			return nil, fmt.Errorf("invalid split weight %q: %w", pair, err)
		}
		if t.IsMain() {
			return nil, fmt.Errorf("invalid split weight %q: main account cannot be weighted", pair)
		}
		w, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil || w < 0 {
			return nil, fmt.Errorf("invalid split weight %q: weight must be a non-negative integer", pair)
		}
		weights[t] = w
	}
	return weights, nil
}

// NewSplitPolicy builds the policy named by name. An empty name selects EqualSplit.
func NewSplitPolicy(name, weights string) (SplitPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", SplitPolicyEqual:
		return EqualSplit{}, nil
	case SplitPolicyWeighted:
		parsed, err := ParseSplitWeights(weights)
		if err != nil {
			return nil, err
		}
		return WeightedSplit{Weights: parsed}, nil
	default:
		return nil, fmt.Errorf("unknown split policy %q", name)
	}
}
