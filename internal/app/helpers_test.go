package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/carefunds/funds-service/internal/domain"
	"github.com/carefunds/funds-service/internal/store"
	"github.com/carefunds/funds-service/pkg/chargeclient"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var errInjected = errors.New("injected failure")

type fixture struct {
	repo        *store.MemoryRepository
	funderID    uuid.UUID
	dependentID uuid.UUID
	caregiverID uuid.UUID
	source      domain.FundingSource
	main        domain.Account
	subs        []domain.Account
}

var accountNumberSeq int

func nextTestAccountNumber() string {
	accountNumberSeq++
	return fmt.Sprintf("62%08d", accountNumberSeq)
}

// newFixture seeds a funder with a card, a dependent with a Main account holding the
// given sub-accounts, and an active relationship between them.
func newFixture(t *testing.T, subTypes ...domain.AccountType) *fixture {
	t.Helper()

	repo := store.NewMemoryRepository()
	f := &fixture{
		repo:        repo,
		funderID:    uuid.New(),
		dependentID: uuid.New(),
		caregiverID: uuid.New(),
	}

	repo.AddUser(domain.User{ID: f.funderID, FullName: "Funder", Email: "funder@example.com", Role: domain.RoleFunder, Status: domain.StatusActive})
	repo.AddUser(domain.User{ID: f.dependentID, FullName: "Dependent", Email: "dependent@example.com", Role: domain.RoleDependent, Status: domain.StatusActive})
	repo.AddUser(domain.User{ID: f.caregiverID, FullName: "Caregiver", Email: "caregiver@example.com", Role: domain.RoleCaregiver, Status: domain.StatusActive})

	f.source = domain.FundingSource{
		ID:                uuid.New(),
		UserID:            f.funderID,
		AuthorizationCode: "AUTH_test",
		Email:             "funder@example.com",
		CardLast4:         "4081",
		CardBrand:         "visa",
		Status:            domain.StatusActive,
	}
	repo.AddFundingSource(f.source)
	repo.AddRelationship(domain.FunderDependent{FunderID: f.funderID, DependentID: f.dependentID, Status: domain.StatusActive})

	f.main = domain.Account{
		ID:            uuid.New(),
		AccountNumber: nextTestAccountNumber(),
		UserID:        f.dependentID,
		CaregiverID:   &f.caregiverID,
		Type:          domain.AccountTypeMain,
		Currency:      domain.CurrencyZAR,
		Status:        domain.AccountStatusActive,
		CreatedAt:     time.Now().UTC(),
	}
	repo.AddAccount(f.main)

	for _, st := range subTypes {
		f.addSub(st, domain.AccountStatusActive)
	}
	return f
}

func (f *fixture) addSub(t domain.AccountType, status string) domain.Account {
	sub := domain.Account{
		ID:              uuid.New(),
		AccountNumber:   nextTestAccountNumber(),
		UserID:          f.dependentID,
		CaregiverID:     f.main.CaregiverID,
		ParentAccountID: &f.main.ID,
		Type:            t,
		Currency:        domain.CurrencyZAR,
		Status:          status,
		CreatedAt:       time.Now().UTC(),
	}
	f.repo.AddAccount(sub)
	f.subs = append(f.subs, sub)
	return sub
}

func (f *fixture) balance(t *testing.T, accountID uuid.UUID) int64 {
	t.Helper()
	account, err := f.repo.FindAccountByID(context.Background(), accountID)
	require.NoError(t, err)
	return account.Balance
}

// treeBalance sums the Main balance and every sub-account balance.
func (f *fixture) treeBalance(t *testing.T) int64 {
	t.Helper()
	total := f.balance(t, f.main.ID)
	for _, sub := range f.subs {
		total += f.balance(t, sub.ID)
	}
	return total
}

// faultyRepo wraps the memory repository with failure injection.
type faultyRepo struct {
	*store.MemoryRepository

	// failLedgerWriteAt fails the n-th CreateLedgerEntry inside a unit of work (1-based).
	failLedgerWriteAt int
	createAttemptErr  error
	updateAttemptErr  error
}

func (r *faultyRepo) WithTx(ctx context.Context, fn func(tx store.Tx) error) error {
	return r.MemoryRepository.WithTx(ctx, func(tx store.Tx) error {
		return fn(&faultyTx{Tx: tx, failAt: r.failLedgerWriteAt})
	})
}

func (r *faultyRepo) CreateTransferAttempt(ctx context.Context, attempt *domain.TransferAttempt) error {
	if r.createAttemptErr != nil {
		return r.createAttemptErr
	}
	return r.MemoryRepository.CreateTransferAttempt(ctx, attempt)
}

func (r *faultyRepo) UpdateTransferAttempt(ctx context.Context, attemptID uuid.UUID, update store.TransferAttemptUpdate) error {
	if r.updateAttemptErr != nil {
		return r.updateAttemptErr
	}
	return r.MemoryRepository.UpdateTransferAttempt(ctx, attemptID, update)
}

type faultyTx struct {
	store.Tx
	failAt int
	writes int
}

func (t *faultyTx) CreateLedgerEntry(ctx context.Context, entry *domain.LedgerEntry) error {
	t.writes++
	if t.failAt > 0 && t.writes == t.failAt {
		return errInjected
	}
	return t.Tx.CreateLedgerEntry(ctx, entry)
}

type mockGateway struct {
	mock.Mock
}

func (m *mockGateway) Charge(ctx context.Context, req chargeclient.ChargeRequest) (*chargeclient.ChargeResult, error) {
	args := m.Called(ctx, req)
	result, _ := args.Get(0).(*chargeclient.ChargeResult)
	return result, args.Error(1)
}

func (m *mockGateway) Refund(ctx context.Context, chargeID, reason string) (*chargeclient.RefundResult, error) {
	args := m.Called(ctx, chargeID, reason)
	result, _ := args.Get(0).(*chargeclient.RefundResult)
	return result, args.Error(1)
}

type publishedEvent struct {
	exchange   string
	routingKey string
	body       interface{}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *recordingPublisher) Close() {}

func (p *recordingPublisher) byRoutingKey(key string) []publishedEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []publishedEvent
	for _, e := range p.events {
		if e.routingKey == key {
			out = append(out, e)
		}
	}
	return out
}

type stubThrottle struct {
	denied     bool
	retryAfter time.Duration
	err        error
	admitted   []uuid.UUID
	quota      TransferQuota
}

func (s *stubThrottle) Admit(ctx context.Context, funderID, transferID uuid.UUID, quota TransferQuota) (Admission, error) {
	s.admitted = append(s.admitted, transferID)
	s.quota = quota
	if s.err != nil {
		return Admission{}, s.err
	}
	return Admission{Allowed: !s.denied, Recent: len(s.admitted), RetryAfter: s.retryAfter}, nil
}
