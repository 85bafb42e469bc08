/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. Balance mutations are expressed as single conditional statements
 * (`UPDATE ... WHERE balance >= $n`, `INSERT ... ON CONFLICT DO UPDATE`) so the
 * database serializes concurrent adjustments to the same account; two
 * concurrent debits can never both succeed against one amount's worth of
 * balance. Multi-account operations run inside a pgx transaction obtained via
 * WithinTransaction.
 *
 * @dependencies
 * - context, errors, fmt, time: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/transfa/credit-ledger-service/internal/domain"
)

var (
	ErrAccountNotFound     = errors.New("account not found")
	ErrInsufficientCredits = errors.New("insufficient credits")
)

// querier is the subset of pgxpool.Pool and pgx.Tx the repository needs. Using
// it lets the same repository type run against the pool or inside a
// transaction (pgx turns a nested Begin into a savepoint).
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db querier
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// FindAccountByUserID retrieves a user's balance record.
func (r *PostgresRepository) FindAccountByUserID(ctx context.Context, userID string) (*domain.Account, error) {
	var account domain.Account
	query := `SELECT user_id, balance, updated_at FROM accounts WHERE user_id = $1`
	err := r.db.QueryRow(ctx, query, userID).Scan(&account.UserID, &account.Balance, &account.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &account, nil
}

// CreditBalance applies an unconditional credit with upsert semantics: a
// missing account is created holding the credited amount.
func (r *PostgresRepository) CreditBalance(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	query := `
		INSERT INTO accounts (user_id, balance, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (user_id)
		DO UPDATE SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
		RETURNING balance
	`
	if err := r.db.QueryRow(ctx, query, userID, amount).Scan(&balance); err != nil {
		return 0, fmt.Errorf("failed to credit balance: %w", err)
	}
	return balance, nil
}

// DebitBalance applies a conditional debit. The balance check and the
// decrement are one statement, which is what prevents double-spend under
// concurrent callers.
func (r *PostgresRepository) DebitBalance(ctx context.Context, userID string, amount int64) (int64, error) {
	var balance int64
	query := `
		UPDATE accounts
		SET balance = balance - $2, updated_at = NOW()
		WHERE user_id = $1 AND balance >= $2
		RETURNING balance
	`
	err := r.db.QueryRow(ctx, query, userID, amount).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if err != pgx.ErrNoRows {
		return 0, fmt.Errorf("failed to debit balance: %w", err)
	}

	// Zero rows means either no such account or not enough balance.
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE user_id = $1)`, userID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("failed to check account existence: %w", err)
	}
	if !exists {
		return 0, ErrAccountNotFound
	}
	return 0, ErrInsufficientCredits
}

// BulkCreditBalances increments every listed account by amount in one
// statement, creating missing accounts. Caller guarantees userIDs are unique;
// duplicate ids would conflict twice within the single INSERT.
func (r *PostgresRepository) BulkCreditBalances(ctx context.Context, userIDs []string, amount int64) error {
	if len(userIDs) == 0 {
		return nil
	}
	query := `
		INSERT INTO accounts (user_id, balance, updated_at)
		SELECT unnest($1::text[]), $2, NOW()
		ON CONFLICT (user_id)
		DO UPDATE SET balance = accounts.balance + EXCLUDED.balance, updated_at = NOW()
	`
	if _, err := r.db.Exec(ctx, query, userIDs, amount); err != nil {
		return fmt.Errorf("failed to bulk credit balances: %w", err)
	}
	return nil
}

// BulkDebitBalances decrements every listed account whose balance covers the
// amount, skipping the rest. The condition is part of the UPDATE, so matched
// and modified counts are equal here; both are returned to mirror the shape of
// set-based update results callers already consume.
func (r *PostgresRepository) BulkDebitBalances(ctx context.Context, userIDs []string, amount int64) (int64, int64, error) {
	if len(userIDs) == 0 {
		return 0, 0, nil
	}
	var modified int64
	query := `
		WITH debited AS (
			UPDATE accounts
			SET balance = balance - $2, updated_at = NOW()
			WHERE user_id = ANY($1::text[]) AND balance >= $2
			RETURNING user_id
		)
		SELECT COUNT(*) FROM debited
	`
	if err := r.db.QueryRow(ctx, query, userIDs, amount).Scan(&modified); err != nil {
		return 0, 0, fmt.Errorf("failed to bulk debit balances: %w", err)
	}
	return modified, modified, nil
}

// AppendEntry inserts one immutable ledger entry.
func (r *PostgresRepository) AppendEntry(ctx context.Context, entry *domain.Entry) error {
	normalizeEntry(entry)
	query := `
		INSERT INTO ledger_entries (id, user_id, amount, entry_type, reference_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.Exec(ctx, query,
		entry.ID,
		entry.UserID,
		entry.Amount,
		entry.Type,
		entry.ReferenceID,
		entry.Description,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return nil
}

// AppendEntries inserts all entries atomically and returns the inserted count.
func (r *PostgresRepository) AppendEntries(ctx context.Context, entries []domain.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO ledger_entries (id, user_id, amount, entry_type, reference_id, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	for i := range entries {
		normalizeEntry(&entries[i])
		if _, err := tx.Exec(ctx, query,
			entries[i].ID,
			entries[i].UserID,
			entries[i].Amount,
			entries[i].Type,
			entries[i].ReferenceID,
			entries[i].Description,
			entries[i].CreatedAt,
		); err != nil {
			return 0, fmt.Errorf("failed to append ledger entry: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return len(entries), nil
}

// FindEntriesByUserID retrieves a user's ledger entries, newest first.
func (r *PostgresRepository) FindEntriesByUserID(ctx context.Context, userID string) ([]domain.Entry, error) {
	var entries []domain.Entry
	query := `
		SELECT id, user_id, amount, entry_type, reference_id, COALESCE(description, '') AS description, created_at
		FROM ledger_entries
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
	`
	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var e domain.Entry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Amount, &e.Type, &e.ReferenceID, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// WithinTransaction runs fn against a repository bound to a pgx transaction.
// The deferred rollback is a no-op after a successful commit, so the
// underlying resource is released on every exit path.
func (r *PostgresRepository) WithinTransaction(ctx context.Context, fn func(Repository) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresRepository{db: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// normalizeEntry fills in the generated fields a caller may leave zero.
func normalizeEntry(entry *domain.Entry) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
}
