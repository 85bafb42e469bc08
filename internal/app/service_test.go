package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/transfa/credit-ledger-service/internal/domain"
	"github.com/transfa/credit-ledger-service/internal/store"
)

// fakeLedgerRepo is an in-memory store.Repository. WithinTransaction snapshots
// state before running fn and restores it on error, so rollback behavior and
// scope release counts can be asserted without a database.
type fakeLedgerRepo struct {
	balances map[string]int64
	entries  []domain.Entry

	creditErr     error
	appendErr     error
	appendManyErr error
	bulkCreditErr error

	scopesOpened   int
	scopesReleased int
	commits        int
	rollbacks      int
}

func newFakeLedgerRepo() *fakeLedgerRepo {
	return &fakeLedgerRepo{balances: make(map[string]int64)}
}

func (f *fakeLedgerRepo) FindAccountByUserID(ctx context.Context, userID string) (*domain.Account, error) {
	balance, ok := f.balances[userID]
	if !ok {
		return nil, store.ErrAccountNotFound
	}
	return &domain.Account{UserID: userID, Balance: balance, UpdatedAt: time.Now().UTC()}, nil
}

func (f *fakeLedgerRepo) CreditBalance(ctx context.Context, userID string, amount int64) (int64, error) {
	if f.creditErr != nil {
		return 0, f.creditErr
	}
	f.balances[userID] += amount
	return f.balances[userID], nil
}

func (f *fakeLedgerRepo) DebitBalance(ctx context.Context, userID string, amount int64) (int64, error) {
	balance, ok := f.balances[userID]
	if !ok {
		return 0, store.ErrAccountNotFound
	}
	if balance < amount {
		return 0, store.ErrInsufficientCredits
	}
	f.balances[userID] = balance - amount
	return f.balances[userID], nil
}

func (f *fakeLedgerRepo) BulkCreditBalances(ctx context.Context, userIDs []string, amount int64) error {
	if f.bulkCreditErr != nil {
		return f.bulkCreditErr
	}
	for _, id := range userIDs {
		f.balances[id] += amount
	}
	return nil
}

func (f *fakeLedgerRepo) BulkDebitBalances(ctx context.Context, userIDs []string, amount int64) (int64, int64, error) {
	var modified int64
	for _, id := range userIDs {
		if balance, ok := f.balances[id]; ok && balance >= amount {
			f.balances[id] = balance - amount
			modified++
		}
	}
	return modified, modified, nil
}

func (f *fakeLedgerRepo) AppendEntry(ctx context.Context, entry *domain.Entry) error {
	if f.appendErr != nil {
		return f.appendErr
	}
	f.entries = append(f.entries, *entry)
	return nil
}

func (f *fakeLedgerRepo) AppendEntries(ctx context.Context, entries []domain.Entry) (int, error) {
	if f.appendManyErr != nil {
		return 0, f.appendManyErr
	}
	f.entries = append(f.entries, entries...)
	return len(entries), nil
}

func (f *fakeLedgerRepo) FindEntriesByUserID(ctx context.Context, userID string) ([]domain.Entry, error) {
	var out []domain.Entry
	for i := len(f.entries) - 1; i >= 0; i-- {
		if f.entries[i].UserID == userID {
			out = append(out, f.entries[i])
		}
	}
	return out, nil
}

func (f *fakeLedgerRepo) WithinTransaction(ctx context.Context, fn func(store.Repository) error) error {
	f.scopesOpened++
	defer func() { f.scopesReleased++ }()

	snapshotBalances := make(map[string]int64, len(f.balances))
	for k, v := range f.balances {
		snapshotBalances[k] = v
	}
	snapshotLen := len(f.entries)

	if err := fn(f); err != nil {
		f.balances = snapshotBalances
		f.entries = f.entries[:snapshotLen]
		f.rollbacks++
		return err
	}
	f.commits++
	return nil
}

func (f *fakeLedgerRepo) entriesFor(userID string) []domain.Entry {
	var out []domain.Entry
	for _, e := range f.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (f *fakeLedgerRepo) entrySum(userID string) int64 {
	var sum int64
	for _, e := range f.entries {
		if e.UserID == userID {
			sum += e.Amount
		}
	}
	return sum
}

func TestTopUpCreatesAccountAndEntry(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)

	balance, err := svc.TopUp(context.Background(), "user-1", 500, "pay_abc123")
	if err != nil {
		t.Fatalf("TopUp returned error: %v", err)
	}
	if balance != 500 {
		t.Fatalf("expected balance 500, got %d", balance)
	}

	entries := repo.entriesFor("user-1")
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Type != domain.EntryTypeTopUp {
		t.Fatalf("expected entry type %q, got %q", domain.EntryTypeTopUp, entry.Type)
	}
	if entry.Amount != 500 {
		t.Fatalf("expected entry amount 500, got %d", entry.Amount)
	}
	if entry.ReferenceID == nil || *entry.ReferenceID != "pay_abc123" {
		t.Fatalf("expected reference pay_abc123, got %v", entry.ReferenceID)
	}
	if entry.Description != "Top-up of 500 credits" {
		t.Fatalf("expected synthesized description, got %q", entry.Description)
	}
}

func TestTopUpAcceptsNegativeAmountAsCorrection(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)

	if _, err := svc.TopUp(context.Background(), "user-1", 500, ""); err != nil {
		t.Fatalf("TopUp returned error: %v", err)
	}
	balance, err := svc.TopUp(context.Background(), "user-1", -200, "")
	if err != nil {
		t.Fatalf("negative TopUp returned error: %v", err)
	}
	if balance != 300 {
		t.Fatalf("expected balance 300 after correction, got %d", balance)
	}
	if sum := repo.entrySum("user-1"); sum != 300 {
		t.Fatalf("expected entry sum 300, got %d", sum)
	}
}

func TestSpendDebitsAndLogs(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)

	if _, err := svc.TopUp(context.Background(), "user-1", 100, ""); err != nil {
		t.Fatalf("TopUp returned error: %v", err)
	}
	balance, err := svc.Spend(context.Background(), "user-1", 40, "song request")
	if err != nil {
		t.Fatalf("Spend returned error: %v", err)
	}
	if balance != 60 {
		t.Fatalf("expected balance 60, got %d", balance)
	}

	entries := repo.entriesFor("user-1")
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	spend := entries[1]
	if spend.Type != domain.EntryTypeSpend || spend.Amount != -40 {
		t.Fatalf("expected spend entry of -40, got type=%q amount=%d", spend.Type, spend.Amount)
	}
	if spend.Description != "song request" {
		t.Fatalf("expected caller description to win, got %q", spend.Description)
	}
}

func TestSpendInsufficientLeavesNoTrace(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)

	if _, err := svc.TopUp(context.Background(), "user-1", 100, ""); err != nil {
		t.Fatalf("TopUp returned error: %v", err)
	}

	_, err := svc.Spend(context.Background(), "user-1", 150, "")
	if !errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if repo.balances["user-1"] != 100 {
		t.Fatalf("expected balance unchanged at 100, got %d", repo.balances["user-1"])
	}
	if len(repo.entriesFor("user-1")) != 1 {
		t.Fatalf("expected no spend entry, got %d entries", len(repo.entriesFor("user-1")))
	}
}

func TestSpendUnknownAccount(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)

	_, err := svc.Spend(context.Background(), "ghost", 10, "")
	if !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestSequentialSpendsCannotOverdraw(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)

	if _, err := svc.TopUp(context.Background(), "user-1", 100, ""); err != nil {
		t.Fatalf("TopUp returned error: %v", err)
	}
	if _, err := svc.Spend(context.Background(), "user-1", 60, ""); err != nil {
		t.Fatalf("first Spend returned error: %v", err)
	}
	if _, err := svc.Spend(context.Background(), "user-1", 60, ""); !errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("expected second spend to fail with ErrInsufficientCredits, got %v", err)
	}
	if repo.balances["user-1"] != 40 {
		t.Fatalf("expected balance 40, got %d", repo.balances["user-1"])
	}
	if repo.balances["user-1"] < 0 {
		t.Fatalf("balance must never go negative, got %d", repo.balances["user-1"])
	}
}

func TestExpireUsesExpirationType(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)

	if _, err := svc.TopUp(context.Background(), "user-1", 80, ""); err != nil {
		t.Fatalf("TopUp returned error: %v", err)
	}
	balance, err := svc.Expire(context.Background(), "user-1", 30, "promo credits lapsed")
	if err != nil {
		t.Fatalf("Expire returned error: %v", err)
	}
	if balance != 50 {
		t.Fatalf("expected balance 50, got %d", balance)
	}

	entries := repo.entriesFor("user-1")
	last := entries[len(entries)-1]
	if last.Type != domain.EntryTypeExpiration || last.Amount != -30 {
		t.Fatalf("expected expiration entry of -30, got type=%q amount=%d", last.Type, last.Amount)
	}
	if last.Description != "promo credits lapsed" {
		t.Fatalf("expected reason as description, got %q", last.Description)
	}
}

func TestRefundSynthesizesDescription(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)

	balance, err := svc.Refund(context.Background(), "user-1", 25, "pay_abc123", "")
	if err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	if balance != 25 {
		t.Fatalf("expected balance 25, got %d", balance)
	}
	entries := repo.entriesFor("user-1")
	if len(entries) != 1 || entries[0].Type != domain.EntryTypeRefund {
		t.Fatalf("expected a single refund entry, got %+v", entries)
	}
	if entries[0].Description != "Refund of 25 credits" {
		t.Fatalf("expected synthesized description, got %q", entries[0].Description)
	}
}

func TestConservationInvariantAcrossOperations(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	if _, err := svc.TopUp(ctx, "user-1", 1000, "ref-1"); err != nil {
		t.Fatalf("TopUp returned error: %v", err)
	}
	if _, err := svc.Spend(ctx, "user-1", 250, ""); err != nil {
		t.Fatalf("Spend returned error: %v", err)
	}
	if _, err := svc.Refund(ctx, "user-1", 50, "ref-2", ""); err != nil {
		t.Fatalf("Refund returned error: %v", err)
	}
	if _, err := svc.Expire(ctx, "user-1", 100, ""); err != nil {
		t.Fatalf("Expire returned error: %v", err)
	}
	// A failed spend must not disturb the invariant.
	if _, err := svc.Spend(ctx, "user-1", 10000, ""); !errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}

	balance := repo.balances["user-1"]
	if balance != 700 {
		t.Fatalf("expected balance 700, got %d", balance)
	}
	if sum := repo.entrySum("user-1"); sum != balance {
		t.Fatalf("conservation violated: balance=%d, entry sum=%d", balance, sum)
	}
}

func TestSpendAppendFailureRollsBackDebit(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)

	if _, err := svc.TopUp(context.Background(), "user-1", 100, ""); err != nil {
		t.Fatalf("TopUp returned error: %v", err)
	}
	opened, released := repo.scopesOpened, repo.scopesReleased

	repo.appendErr = errors.New("log write refused")
	_, err := svc.Spend(context.Background(), "user-1", 40, "")
	if err == nil {
		t.Fatal("expected Spend to fail when the log append fails")
	}
	if repo.balances["user-1"] != 100 {
		t.Fatalf("expected debit rolled back to 100, got %d", repo.balances["user-1"])
	}
	if repo.scopesOpened != opened+1 || repo.scopesReleased != released+1 {
		t.Fatalf("expected exactly one scope opened and released, got opened=%d released=%d",
			repo.scopesOpened-opened, repo.scopesReleased-released)
	}
}

func TestValidationRejectsBeforeStore(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{
			name:    "empty user id on top-up",
			run:     func() error { _, err := svc.TopUp(ctx, "  ", 10, ""); return err },
			wantErr: ErrInvalidUserID,
		},
		{
			name:    "zero amount on spend",
			run:     func() error { _, err := svc.Spend(ctx, "user-1", 0, ""); return err },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "negative amount on expire",
			run:     func() error { _, err := svc.Expire(ctx, "user-1", -5, ""); return err },
			wantErr: ErrInvalidAmount,
		},
		{
			name:    "empty recipient on transfer",
			run:     func() error { _, err := svc.Transfer(ctx, "user-1", "", 10, ""); return err },
			wantErr: ErrInvalidUserID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}

	if repo.scopesOpened != 0 {
		t.Fatalf("validation failures must not reach the store, got %d scopes", repo.scopesOpened)
	}
	if len(repo.entries) != 0 {
		t.Fatalf("validation failures must not write entries, got %d", len(repo.entries))
	}
}

type fakeReferenceGuard struct {
	allow bool
	err   error
	calls int
}

func (g *fakeReferenceGuard) ClaimReference(ctx context.Context, operation, referenceID string) (bool, error) {
	g.calls++
	return g.allow, g.err
}

func TestDuplicateReferenceRejected(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)
	svc.SetReferenceGuard(&fakeReferenceGuard{allow: false})

	_, err := svc.TopUp(context.Background(), "user-1", 500, "pay_abc123")
	if !errors.Is(err, ErrDuplicateReference) {
		t.Fatalf("expected ErrDuplicateReference, got %v", err)
	}
	if len(repo.entries) != 0 {
		t.Fatalf("duplicate reference must not write entries, got %d", len(repo.entries))
	}
	if repo.balances["user-1"] != 0 {
		t.Fatalf("duplicate reference must not credit, got %d", repo.balances["user-1"])
	}
}

func TestReferenceGuardFailureAcceptsOperation(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)
	svc.SetReferenceGuard(&fakeReferenceGuard{allow: false, err: errors.New("redis down")})

	balance, err := svc.TopUp(context.Background(), "user-1", 500, "pay_abc123")
	if err != nil {
		t.Fatalf("expected guard failure to degrade open, got %v", err)
	}
	if balance != 500 {
		t.Fatalf("expected balance 500, got %d", balance)
	}
}

func TestReferenceGuardSkippedWithoutReference(t *testing.T) {
	repo := newFakeLedgerRepo()
	guard := &fakeReferenceGuard{allow: false}
	svc := NewService(repo, nil)
	svc.SetReferenceGuard(guard)

	if _, err := svc.TopUp(context.Background(), "user-1", 500, ""); err != nil {
		t.Fatalf("TopUp returned error: %v", err)
	}
	if guard.calls != 0 {
		t.Fatalf("guard must not be consulted without a reference, got %d calls", guard.calls)
	}
}

func TestGetBalanceAndListEntries(t *testing.T) {
	repo := newFakeLedgerRepo()
	svc := NewService(repo, nil)
	ctx := context.Background()

	if _, err := svc.TopUp(ctx, "user-1", 100, ""); err != nil {
		t.Fatalf("TopUp returned error: %v", err)
	}
	if _, err := svc.Spend(ctx, "user-1", 30, ""); err != nil {
		t.Fatalf("Spend returned error: %v", err)
	}

	balance, err := svc.GetBalance(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetBalance returned error: %v", err)
	}
	if balance != 70 {
		t.Fatalf("expected balance 70, got %d", balance)
	}

	entries, err := svc.ListEntries(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListEntries returned error: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	// Newest first.
	if entries[0].Type != domain.EntryTypeSpend {
		t.Fatalf("expected newest entry first, got %q", entries[0].Type)
	}

	if _, err := svc.GetBalance(ctx, "ghost"); !errors.Is(err, store.ErrAccountNotFound) {
		t.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}
