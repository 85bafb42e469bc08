package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultReferenceTTL = 24 * time.Hour

// RedisReferenceGuard implements ReferenceGuard with a distributed SET NX
// claim, so a payment reference replayed across instances is still applied at
// most once within the TTL window.
type RedisReferenceGuard struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisReferenceGuard(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisReferenceGuard {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "ledger:reference"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")

	if ttl <= 0 {
		ttl = defaultReferenceTTL
	}

	return &RedisReferenceGuard{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

// ClaimReference reserves the reference for the given operation. It returns
// false when another call already holds the claim. A nil guard or client
// accepts everything, which keeps the guard strictly optional.
func (r *RedisReferenceGuard) ClaimReference(ctx context.Context, operation string, referenceID string) (bool, error) {
	if r == nil || r.client == nil {
		return true, nil
	}

	normalizedOp := strings.TrimSpace(operation)
	normalizedRef := strings.TrimSpace(referenceID)
	if normalizedOp == "" || normalizedRef == "" {
		return true, nil
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedOp, normalizedRef)
	claimed, err := r.client.SetNX(ctx, key, "1", r.ttl).Result()
	if err != nil {
		return false, err
	}
	return claimed, nil
}
