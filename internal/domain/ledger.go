/**
 * @description
 * This file defines the core domain models for the credit-ledger-service.
 * The ledger is the combination of per-user credit balances and the append-only
 * entry log that justifies them: for every account, the balance must equal the
 * sum of the amounts of all ledger entries recorded for that user.
 *
 * @notes
 * - Credit amounts are stored as `int64` whole credits to avoid floating-point
 *   inaccuracies; a positive entry amount is a credit, a negative one a debit.
 * - Ledger entries are immutable once written. Corrections are expressed as new
 *   entries (refunds, expirations), never as updates.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// Ledger entry types. Every entry carries exactly one of these.
const (
	EntryTypeTopUp           = "top_up"
	EntryTypeSpend           = "spend"
	EntryTypeRefund          = "refund"
	EntryTypeExpiration      = "expiration"
	EntryTypeTransferOut     = "transfer_out"
	EntryTypeTransferIn      = "transfer_in"
	EntryTypeBulkTransferOut = "bulk_transfer_out"
)

// IsValidEntryType reports whether t is one of the known ledger entry types.
func IsValidEntryType(t string) bool {
	switch t {
	case EntryTypeTopUp, EntryTypeSpend, EntryTypeRefund, EntryTypeExpiration,
		EntryTypeTransferOut, EntryTypeTransferIn, EntryTypeBulkTransferOut:
		return true
	}
	return false
}

// Account represents a user's credit balance. This struct maps directly to the
// `accounts` table. Accounts are created implicitly on first credit and are
// never deleted by the ledger; the balance is mutated only through the
// conditional adjustments exposed by the store.
type Account struct {
	UserID    string    `json:"user_id"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is one immutable record in the ledger's transaction log. This struct
// maps directly to the `ledger_entries` table.
type Entry struct {
	ID          uuid.UUID `json:"id"`
	UserID      string    `json:"user_id"`
	Amount      int64     `json:"amount"` // positive = credit, negative = debit
	Type        string    `json:"type"`
	ReferenceID *string   `json:"reference_id,omitempty"` // correlates to an external event, e.g. a payment reference
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// PartyBalance pairs a user with their balance after an operation.
type PartyBalance struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// TransferResult reports both parties' balances after a completed transfer.
type TransferResult struct {
	FromUser PartyBalance `json:"from_user"`
	ToUser   PartyBalance `json:"to_user"`
}

// BulkExpireResult summarizes a set-based expiration: how many accounts the
// conditional update matched and how many it actually decremented.
type BulkExpireResult struct {
	Matched  int64 `json:"matched"`
	Modified int64 `json:"modified"`
}

// BulkTransferResult summarizes a one-to-many transfer.
type BulkTransferResult struct {
	FromUserBalance int64 `json:"from_user_balance"`
	Recipients      int   `json:"recipients"`
	AmountPerUser   int64 `json:"amount_per_user"`
	TotalAmount     int64 `json:"total_amount"`
}
