package kafka

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// IdempotencyStore claims change-event dedup keys for a fixed window.
// Implementations must be safe for concurrent use.
type IdempotencyStore interface {
	// Claim records key and reports whether the caller is the first to do
	// so within the window.
	Claim(ctx context.Context, key string) (bool, error)
	// Release forgets key so a redelivered event is processed again.
	Release(ctx context.Context, key string) error
}

// MemoryIdempotencyStore keeps claims in process. Replicas do not share it.
type MemoryIdempotencyStore struct {
	mu     sync.Mutex
	claims map[string]time.Time
	ttl    time.Duration
	now    func() time.Time
}

// NewMemoryIdempotencyStore creates a store whose claims expire after ttl.
func NewMemoryIdempotencyStore(ttl time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{claims: make(map[string]time.Time), ttl: ttl, now: time.Now}
}

// Claim implements IdempotencyStore. Expired claims are swept on the way.
func (s *MemoryIdempotencyStore) Claim(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, at := range s.claims {
		if now.Sub(at) >= s.ttl {
			delete(s.claims, k)
		}
	}
	if _, held := s.claims[key]; held {
		return false, nil
	}
	s.claims[key] = now
	return true, nil
}

// Release implements IdempotencyStore.
func (s *MemoryIdempotencyStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.claims, key)
	s.mu.Unlock()
	return nil
}

// deduplicate runs inner once per dedup key. A failed run releases its claim
// so the consumer's retry, or a later redelivery, gets another attempt.
// Store errors never block processing: reindexing twice is harmless.
func deduplicate(store IdempotencyStore, inner Handler, logger *slog.Logger, onDuplicate func(*ChangeEvent)) Handler {
	return func(ctx context.Context, ev *ChangeEvent) error {
		key := ev.DedupKey()
		if key == "" {
			return inner(ctx, ev)
		}

		claimed, err := store.Claim(ctx, key)
		if err != nil {
			logger.WarnContext(ctx, "dedup claim failed, processing anyway",
				slog.String("dedup_key", key),
				slog.String("error", err.Error()),
			)
			return inner(ctx, ev)
		}
		if !claimed {
			logger.DebugContext(ctx, "skipping already reindexed change",
				slog.String("dedup_key", key),
			)
			onDuplicate(ev)
			return nil
		}

		if err := inner(ctx, ev); err != nil {
			if relErr := store.Release(ctx, key); relErr != nil {
				logger.WarnContext(ctx, "dedup release failed",
					slog.String("dedup_key", key),
					slog.String("error", relErr.Error()),
				)
			}
			return err
		}
		return nil
	}
}
