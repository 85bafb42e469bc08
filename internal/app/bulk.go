/**
 * @description
 * Bulk ledger operations: standalone entry import, set-based expiration, and
 * one-to-many transfers. These follow different consistency rules than the
 * single-account operations in service.go and document where they diverge.
 *
 * @dependencies
 * - context, errors, fmt, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For ledger entry IDs.
 * - internal/domain, internal/store: For domain models and data access.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/transfa/credit-ledger-service/internal/domain"
	"github.com/transfa/credit-ledger-service/internal/store"
	"github.com/transfa/credit-ledger-service/pkg/rabbitmq"
)

// BulkCreateEntries appends entries directly to the log without touching any
// balance. This is an import/backfill path, not a ledger mutation: callers own
// reconciling balances against imported history. Returns the inserted count.
func (s *Service) BulkCreateEntries(ctx context.Context, entries []domain.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, ErrEmptyBatch
	}
	for i := range entries {
		if err := validateUserID(entries[i].UserID); err != nil {
			return 0, err
		}
		if !domain.IsValidEntryType(entries[i].Type) {
			return 0, fmt.Errorf("%w: %q", ErrInvalidEntryType, entries[i].Type)
		}
		if strings.TrimSpace(entries[i].Description) == "" {
			entries[i].Description = defaultDescription(entries[i].Type, entries[i].Amount)
		}
	}

	count, err := s.repo.AppendEntries(ctx, entries)
	if err != nil {
		return 0, fmt.Errorf("bulk entry import failed: %w", err)
	}
	return count, nil
}

// BulkExpireCredits expires the same amount from every listed account in one
// set-based conditional update. Accounts whose balance does not cover the
// amount are skipped by the update rather than failing the batch, which the
// matched/modified counts expose to the caller.
//
// One expiration entry is written per *requested* user id, so for skipped
// accounts the log records an expiration the balance update never applied.
// That best-effort behavior is intentional; callers who need the log and the
// balances to reconcile must compare modified against the requested count and
// compensate.
func (s *Service) BulkExpireCredits(ctx context.Context, userIDs []string, amount int64, reason string) (*domain.BulkExpireResult, error) {
	if len(userIDs) == 0 {
		return nil, ErrNoUserIDs
	}
	for _, id := range userIDs {
		if err := validateUserID(id); err != nil {
			return nil, err
		}
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var result *domain.BulkExpireResult
	err := s.repo.WithinTransaction(ctx, func(txRepo store.Repository) error {
		matched, modified, err := txRepo.BulkDebitBalances(ctx, userIDs, amount)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		entries := make([]domain.Entry, 0, len(userIDs))
		for _, id := range userIDs {
			entries = append(entries, domain.Entry{
				ID:          uuid.New(),
				UserID:      id,
				Amount:      -amount,
				Type:        domain.EntryTypeExpiration,
				Description: orDefault(reason, domain.EntryTypeExpiration, amount),
				CreatedAt:   now,
			})
		}
		if _, err := txRepo.AppendEntries(ctx, entries); err != nil {
			return err
		}

		result = &domain.BulkExpireResult{Matched: matched, Modified: modified}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bulk expiration failed: %w", err)
	}

	if s.eventProducer != nil {
		event := rabbitmq.BulkExpireEvent{
			UserIDs:   userIDs,
			Amount:    amount,
			Matched:   result.Matched,
			Modified:  result.Modified,
			Timestamp: time.Now().UTC(),
		}
		if err := s.eventProducer.Publish(ctx, LedgerEventExchange, "credit.bulk_expired", event); err != nil {
			log.Printf("level=warn component=ledger msg=\"event publish failed\" routing_key=credit.bulk_expired err=%v", err)
		}
	}
	return result, nil
}

// BulkTransferCredits moves the same amount from one sender to many receivers
// in a single scope. The sender is debited by amountPerUser times the number
// of recipients up front; insufficiency aborts the whole operation with no
// entries written and no receiver touched. On success the log gains one
// bulk_transfer_out entry for the sender and one transfer_in entry per
// receiver.
func (s *Service) BulkTransferCredits(ctx context.Context, fromUserID string, toUserIDs []string, amountPerUser int64, description string) (*domain.BulkTransferResult, error) {
	if err := validateUserID(fromUserID); err != nil {
		return nil, err
	}
	if len(toUserIDs) == 0 {
		return nil, ErrNoRecipients
	}
	seen := make(map[string]struct{}, len(toUserIDs))
	for _, id := range toUserIDs {
		if err := validateUserID(id); err != nil {
			return nil, err
		}
		if _, dup := seen[id]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateRecipient, id)
		}
		seen[id] = struct{}{}
	}
	if amountPerUser <= 0 {
		return nil, ErrInvalidAmount
	}

	totalAmount := amountPerUser * int64(len(toUserIDs))

	var result *domain.BulkTransferResult
	err := s.repo.WithinTransaction(ctx, func(txRepo store.Repository) error {
		fromBalance, err := txRepo.DebitBalance(ctx, fromUserID, totalAmount)
		if err != nil {
			return err
		}
		if err := txRepo.BulkCreditBalances(ctx, toUserIDs, amountPerUser); err != nil {
			return err
		}

		now := time.Now().UTC()
		entries := make([]domain.Entry, 0, len(toUserIDs)+1)
		entries = append(entries, domain.Entry{
			ID:          uuid.New(),
			UserID:      fromUserID,
			Amount:      -totalAmount,
			Type:        domain.EntryTypeBulkTransferOut,
			Description: orDefault(description, domain.EntryTypeBulkTransferOut, totalAmount),
			CreatedAt:   now,
		})
		for _, id := range toUserIDs {
			entries = append(entries, domain.Entry{
				ID:          uuid.New(),
				UserID:      id,
				Amount:      amountPerUser,
				Type:        domain.EntryTypeTransferIn,
				Description: orDefault(description, domain.EntryTypeTransferIn, amountPerUser),
				CreatedAt:   now,
			})
		}
		if _, err := txRepo.AppendEntries(ctx, entries); err != nil {
			return err
		}

		result = &domain.BulkTransferResult{
			FromUserBalance: fromBalance,
			Recipients:      len(toUserIDs),
			AmountPerUser:   amountPerUser,
			TotalAmount:     totalAmount,
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) || errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("bulk transfer failed: %w", err)
	}

	s.publishTransferEvent(ctx, "credit.bulk_transferred", fromUserID, toUserIDs, amountPerUser, totalAmount)
	return result, nil
}
