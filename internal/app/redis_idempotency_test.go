package app

import (
	"context"
	"testing"
)

func TestReferenceGuardDisabledAcceptsEverything(t *testing.T) {
	tests := []struct {
		name  string
		guard *RedisReferenceGuard
	}{
		{name: "nil guard", guard: nil},
		{name: "nil client", guard: NewRedisReferenceGuard(nil, "", 0)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := tt.guard.ClaimReference(context.Background(), "top_up", "pay_abc123")
			if err != nil {
				t.Fatalf("disabled guard must not error, got %v", err)
			}
			if !ok {
				t.Fatal("disabled guard must accept the claim")
			}
		})
	}
}

func TestReferenceGuardIgnoresBlankInputs(t *testing.T) {
	guard := NewRedisReferenceGuard(nil, "ledger:reference", 0)

	for _, ref := range []string{"", "   "} {
		ok, err := guard.ClaimReference(context.Background(), "refund", ref)
		if err != nil || !ok {
			t.Fatalf("blank reference %q must be accepted without a claim, got ok=%v err=%v", ref, ok, err)
		}
	}
	ok, err := guard.ClaimReference(context.Background(), "  ", "pay_abc123")
	if err != nil || !ok {
		t.Fatalf("blank operation must be accepted without a claim, got ok=%v err=%v", ok, err)
	}
}
