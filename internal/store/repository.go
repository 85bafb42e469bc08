/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for
 * all ledger data access: the account store (conditional balance adjustments),
 * the append-only entry log, and the atomic scope that groups writes to both
 * into a single all-or-nothing unit. Defining an interface decouples the ledger
 * engine from the PostgreSQL implementation and lets tests substitute an
 * in-memory repository.
 *
 * @dependencies
 * - context: Standard Go library.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"

	"github.com/transfa/credit-ledger-service/internal/domain"
)

// Repository defines the set of methods for interacting with the ledger's two
// collections. Balances are never exposed for direct mutation; every change
// goes through one of the conditional adjustments below.
type Repository interface {
	// Account store methods.
	// FindAccountByUserID returns the account row, or ErrAccountNotFound.
	FindAccountByUserID(ctx context.Context, userID string) (*domain.Account, error)
	// CreditBalance unconditionally adds amount to the user's balance, creating
	// the account with that balance if absent. Returns the new balance.
	CreditBalance(ctx context.Context, userID string, amount int64) (int64, error)
	// DebitBalance subtracts amount only if the current balance covers it, as a
	// single atomic conditional update. Returns the new balance, or
	// ErrInsufficientCredits / ErrAccountNotFound with no mutation.
	DebitBalance(ctx context.Context, userID string, amount int64) (int64, error)
	// BulkCreditBalances adds amount to every listed account in one set-based
	// statement, creating missing accounts.
	BulkCreditBalances(ctx context.Context, userIDs []string, amount int64) error
	// BulkDebitBalances subtracts amount from every listed account whose balance
	// covers it, in one set-based statement. Accounts below the amount are
	// skipped, not failed. Returns how many rows the condition matched and how
	// many were modified.
	BulkDebitBalances(ctx context.Context, userIDs []string, amount int64) (matched int64, modified int64, err error)

	// Entry log methods. The log is append-only: no update or delete exists.
	AppendEntry(ctx context.Context, entry *domain.Entry) error
	AppendEntries(ctx context.Context, entries []domain.Entry) (int, error)
	FindEntriesByUserID(ctx context.Context, userID string) ([]domain.Entry, error)

	// WithinTransaction runs fn with a Repository bound to a database
	// transaction. All writes performed through that repository commit together
	// when fn returns nil and are rolled back when it returns an error; the
	// underlying transaction is released on every exit path.
	WithinTransaction(ctx context.Context, fn func(Repository) error) error
}
