package domain

import "testing"

func TestIsValidEntryType(t *testing.T) {
	tests := []struct {
		name      string
		entryType string
		want      bool
	}{
		{name: "top up", entryType: EntryTypeTopUp, want: true},
		{name: "spend", entryType: EntryTypeSpend, want: true},
		{name: "refund", entryType: EntryTypeRefund, want: true},
		{name: "expiration", entryType: EntryTypeExpiration, want: true},
		{name: "transfer out", entryType: EntryTypeTransferOut, want: true},
		{name: "transfer in", entryType: EntryTypeTransferIn, want: true},
		{name: "bulk transfer out", entryType: EntryTypeBulkTransferOut, want: true},
		{name: "empty", entryType: "", want: false},
		{name: "unknown", entryType: "chargeback", want: false},
		{name: "case sensitive", entryType: "Top_Up", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidEntryType(tt.entryType); got != tt.want {
				t.Fatalf("IsValidEntryType(%q) = %v, want %v", tt.entryType, got, tt.want)
			}
		})
	}
}
