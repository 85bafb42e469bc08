/**
 * @description
 * This file contains the core business logic for the credit-ledger-service. The
 * `Service` struct is the ledger engine: it orchestrates every balance-affecting
 * operation (top-up, spend, refund, expiration, transfer) against the account
 * store and the append-only entry log, and enforces the ledger's central
 * property that an account's balance always equals the sum of its entry
 * amounts.
 *
 * Key features:
 * - Conditional debits surface `store.ErrInsufficientCredits` with no mutation.
 * - Balance mutation and log append for one operation commit in a single scope,
 *   so a failure mid-operation leaves balances and the log untouched.
 * - Publishes events to RabbitMQ after successful mutations for asynchronous
 *   processing by other services; publication is fire-and-forget.
 *
 * @dependencies
 * - context, errors, fmt, log, strings, time: Standard Go libraries.
 * - github.com/google/uuid: For ledger entry IDs.
 * - internal/domain, internal/store: For domain models and data access.
 * - pkg/rabbitmq: For event publication.
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

// LedgerEventExchange is the topic exchange ledger events are published to.
const LedgerEventExchange = "ledger.events"

var (
	ErrInvalidUserID      = errors.New("user id must not be empty")
	ErrInvalidAmount      = errors.New("amount must be greater than zero")
	ErrNoRecipients       = errors.New("at least one recipient is required")
	ErrNoUserIDs          = errors.New("at least one user id is required")
	ErrEmptyBatch         = errors.New("entry batch must not be empty")
	ErrInvalidEntryType   = errors.New("unknown ledger entry type")
	ErrDuplicateRecipient = errors.New("duplicate recipient in bulk transfer")
	ErrDuplicateReference = errors.New("reference has already been applied")
)

// ReferenceGuard deduplicates externally supplied payment references so a
// replayed webhook cannot credit an account twice. Implementations must be
// safe to call concurrently.
type ReferenceGuard interface {
	ClaimReference(ctx context.Context, operation string, referenceID string) (bool, error)
}

// Service provides the core business logic for the credit ledger.
type Service struct {
	repo           store.Repository
	eventProducer  rabbitmq.Publisher
	referenceGuard ReferenceGuard
}

// NewService creates a new ledger engine instance. The event producer may be
// nil when the broker is unavailable; publication is then skipped.
func NewService(repo store.Repository, producer rabbitmq.Publisher) *Service {
	return &Service{
		repo:          repo,
		eventProducer: producer,
	}
}

// SetReferenceGuard enables reference-replay protection for top-ups and
// refunds. Without a guard, duplicate references are accepted.
func (s *Service) SetReferenceGuard(guard ReferenceGuard) {
	s.referenceGuard = guard
}

// TopUp credits a user's account unconditionally, creating the account on
// first use. The amount's sign is intentionally not checked here: a negative
// top-up acts as a correction and sign policy belongs to the outer validation
// layer. Returns the new balance.
func (s *Service) TopUp(ctx context.Context, userID string, amount int64, referenceID string) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	if err := s.claimReference(ctx, domain.EntryTypeTopUp, referenceID); err != nil {
		return 0, err
	}

	var newBalance int64
	entry := domain.Entry{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Type:        domain.EntryTypeTopUp,
		ReferenceID: optionalString(referenceID),
		Description: defaultDescription(domain.EntryTypeTopUp, amount),
		CreatedAt:   time.Now().UTC(),
	}
	err := s.repo.WithinTransaction(ctx, func(txRepo store.Repository) error {
		if err := txRepo.AppendEntry(ctx, &entry); err != nil {
			return err
		}
		balance, err := txRepo.CreditBalance(ctx, userID, amount)
		if err != nil {
			return err
		}
		newBalance = balance
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("top-up failed: %w", err)
	}

	s.publishLedgerEvent(ctx, "credit.topped_up", userID, amount, newBalance, referenceID)
	return newBalance, nil
}

// Spend debits a user's account after an atomic balance check. When the
// balance does not cover the amount, the operation fails with
// store.ErrInsufficientCredits and performs no mutation at all. Returns the
// new balance.
func (s *Service) Spend(ctx context.Context, userID string, amount int64, description string) (int64, error) {
	return s.debit(ctx, userID, amount, domain.EntryTypeSpend, description, "credit.spent")
}

// Refund credits a user's account unconditionally, typically tied to a prior
// spend's reference. Mirrors TopUp, tagged as a refund entry. Returns the new
// balance.
func (s *Service) Refund(ctx context.Context, userID string, amount int64, referenceID string, description string) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	if err := s.claimReference(ctx, domain.EntryTypeRefund, referenceID); err != nil {
		return 0, err
	}

	var newBalance int64
	entry := domain.Entry{
		ID:          uuid.New(),
		UserID:      userID,
		Amount:      amount,
		Type:        domain.EntryTypeRefund,
		ReferenceID: optionalString(referenceID),
		Description: orDefault(description, domain.EntryTypeRefund, amount),
		CreatedAt:   time.Now().UTC(),
	}
	err := s.repo.WithinTransaction(ctx, func(txRepo store.Repository) error {
		if err := txRepo.AppendEntry(ctx, &entry); err != nil {
			return err
		}
		balance, err := txRepo.CreditBalance(ctx, userID, amount)
		if err != nil {
			return err
		}
		newBalance = balance
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("refund failed: %w", err)
	}

	s.publishLedgerEvent(ctx, "credit.refunded", userID, amount, newBalance, referenceID)
	return newBalance, nil
}

// Expire debits a user's account for expired credits, with the same
// insufficiency semantics as Spend. Returns the new balance.
func (s *Service) Expire(ctx context.Context, userID string, amount int64, reason string) (int64, error) {
	return s.debit(ctx, userID, amount, domain.EntryTypeExpiration, reason, "credit.expired")
}

// Transfer atomically moves credits between two accounts. Within one scope it
// debits the sender (aborting with store.ErrInsufficientCredits before the
// receiver is touched), credits the receiver with upsert semantics, and
// appends a transfer_out/transfer_in entry pair. Any failure after the debit
// rolls the whole operation back.
func (s *Service) Transfer(ctx context.Context, fromUserID, toUserID string, amount int64, description string) (*domain.TransferResult, error) {
	if err := validateUserID(fromUserID); err != nil {
		return nil, err
	}
	if err := validateUserID(toUserID); err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	var result *domain.TransferResult
	err := s.repo.WithinTransaction(ctx, func(txRepo store.Repository) error {
		fromBalance, err := txRepo.DebitBalance(ctx, fromUserID, amount)
		if err != nil {
			return err
		}
		toBalance, err := txRepo.CreditBalance(ctx, toUserID, amount)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		entries := []domain.Entry{
			{
				ID:          uuid.New(),
				UserID:      fromUserID,
				Amount:      -amount,
				Type:        domain.EntryTypeTransferOut,
				Description: orDefault(description, domain.EntryTypeTransferOut, amount),
				CreatedAt:   now,
			},
			{
				ID:          uuid.New(),
				UserID:      toUserID,
				Amount:      amount,
				Type:        domain.EntryTypeTransferIn,
				Description: orDefault(description, domain.EntryTypeTransferIn, amount),
				CreatedAt:   now,
			},
		}
		if _, err := txRepo.AppendEntries(ctx, entries); err != nil {
			return err
		}

		result = &domain.TransferResult{
			FromUser: domain.PartyBalance{UserID: fromUserID, Balance: fromBalance},
			ToUser:   domain.PartyBalance{UserID: toUserID, Balance: toBalance},
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) || errors.Is(err, store.ErrAccountNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("transfer failed: %w", err)
	}

	s.publishTransferEvent(ctx, "credit.transferred", fromUserID, []string{toUserID}, amount, amount)
	return result, nil
}

// GetBalance returns a user's current balance.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	account, err := s.repo.FindAccountByUserID(ctx, userID)
	if err != nil {
		return 0, err
	}
	return account.Balance, nil
}

// ListEntries returns a user's ledger entries, newest first.
func (s *Service) ListEntries(ctx context.Context, userID string) ([]domain.Entry, error) {
	if err := validateUserID(userID); err != nil {
		return nil, err
	}
	return s.repo.FindEntriesByUserID(ctx, userID)
}

// debit is the shared implementation of Spend and Expire: a conditional debit
// and its log entry in one scope.
func (s *Service) debit(ctx context.Context, userID string, amount int64, entryType, description, routingKey string) (int64, error) {
	if err := validateUserID(userID); err != nil {
		return 0, err
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	var newBalance int64
	err := s.repo.WithinTransaction(ctx, func(txRepo store.Repository) error {
		balance, err := txRepo.DebitBalance(ctx, userID, amount)
		if err != nil {
			return err
		}
		entry := domain.Entry{
			ID:          uuid.New(),
			UserID:      userID,
			Amount:      -amount,
			Type:        entryType,
			Description: orDefault(description, entryType, amount),
			CreatedAt:   time.Now().UTC(),
		}
		if err := txRepo.AppendEntry(ctx, &entry); err != nil {
			return err
		}
		newBalance = balance
		return nil
	})
	if err != nil {
		if errors.Is(err, store.ErrInsufficientCredits) || errors.Is(err, store.ErrAccountNotFound) {
			return 0, err
		}
		return 0, fmt.Errorf("%s failed: %w", entryType, err)
	}

	s.publishLedgerEvent(ctx, routingKey, userID, -amount, newBalance, "")
	return newBalance, nil
}

// claimReference reserves an external reference before a credit is applied.
// A lookup failure degrades to accepting the operation; only a confirmed
// duplicate is rejected.
func (s *Service) claimReference(ctx context.Context, operation, referenceID string) error {
	if s.referenceGuard == nil || strings.TrimSpace(referenceID) == "" {
		return nil
	}
	ok, err := s.referenceGuard.ClaimReference(ctx, operation, referenceID)
	if err != nil {
		log.Printf("level=warn component=ledger msg=\"reference guard unavailable; accepting operation\" operation=%s reference=%s err=%v", operation, referenceID, err)
		return nil
	}
	if !ok {
		return ErrDuplicateReference
	}
	return nil
}

func (s *Service) publishLedgerEvent(ctx context.Context, routingKey, userID string, amount, balance int64, referenceID string) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.LedgerEvent{
		UserID:    userID,
		Amount:    amount,
		Balance:   balance,
		Reference: referenceID,
		Timestamp: time.Now().UTC(),
	}
	if err := s.eventProducer.Publish(ctx, LedgerEventExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=ledger msg=\"event publish failed\" routing_key=%s user_id=%s err=%v", routingKey, userID, err)
	}
}

func (s *Service) publishTransferEvent(ctx context.Context, routingKey, fromUserID string, toUserIDs []string, amountPerUser, totalAmount int64) {
	if s.eventProducer == nil {
		return
	}
	event := rabbitmq.TransferEvent{
		FromUserID:    fromUserID,
		ToUserIDs:     toUserIDs,
		AmountPerUser: amountPerUser,
		TotalAmount:   totalAmount,
		Timestamp:     time.Now().UTC(),
	}
	if err := s.eventProducer.Publish(ctx, LedgerEventExchange, routingKey, event); err != nil {
		log.Printf("level=warn component=ledger msg=\"event publish failed\" routing_key=%s from_user_id=%s err=%v", routingKey, fromUserID, err)
	}
}

func validateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return ErrInvalidUserID
	}
	return nil
}

func optionalString(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// orDefault returns the caller-supplied description, or synthesizes one from
// the operation type and amount.
func orDefault(description, entryType string, amount int64) string {
	if strings.TrimSpace(description) != "" {
		return description
	}
	return defaultDescription(entryType, amount)
}

func defaultDescription(entryType string, amount int64) string {
	if amount < 0 {
		amount = -amount
	}
	switch entryType {
	case domain.EntryTypeTopUp:
		return fmt.Sprintf("Top-up of %d credits", amount)
	case domain.EntryTypeSpend:
		return fmt.Sprintf("Spend of %d credits", amount)
	case domain.EntryTypeRefund:
		return fmt.Sprintf("Refund of %d credits", amount)
	case domain.EntryTypeExpiration:
		return fmt.Sprintf("Expiration of %d credits", amount)
	case domain.EntryTypeTransferOut:
		return fmt.Sprintf("Transfer of %d credits sent", amount)
	case domain.EntryTypeTransferIn:
		return fmt.Sprintf("Transfer of %d credits received", amount)
	case domain.EntryTypeBulkTransferOut:
		return fmt.Sprintf("Bulk transfer of %d credits sent", amount)
	}
	return fmt.Sprintf("Ledger entry of %d credits", amount)
}
