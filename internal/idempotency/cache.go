package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/openprocure/provena/internal/config"
	obsmetrics "github.com/openprocure/provena/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var (
	// ErrKeyConflict is returned when a key is replayed with a different
	// request fingerprint.
	ErrKeyConflict = errors.New("idempotency_key_conflict")

	// ErrInFlight is returned when the first request for a key is still
	// executing and the retry gave up waiting for its result.
	ErrInFlight = errors.New("idempotency_in_flight")
)

const (
	statusPending = "pending"
	statusDone    = "done"

	keyPrefix   = "provena:idem:"
	eventPrefix = "provena:evt:"

	pollInterval = 50 * time.Millisecond
	waitTimeout  = 3 * time.Second
)

type record struct {
	Fingerprint string          `json:"fingerprint"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type CacheParams struct {
	fx.In

	Store  Store
	Log    *zap.Logger
	Policy *config.ProcurementConfigHolder
	Obs    *obsmetrics.Metrics `optional:"true"`
}

// Cache deduplicates retried operations by caller-supplied key. The first
// request with a key executes; any replay within the TTL gets the stored
// result back without re-executing.
type Cache struct {
	store  Store
	log    *zap.Logger
	policy *config.ProcurementConfigHolder
	obs    *obsmetrics.Metrics
}

func NewCache(p CacheParams) *Cache {
	return &Cache{
		store:  p.Store,
		log:    p.Log.Named("idempotency"),
		policy: p.Policy,
		obs:    p.Obs,
	}
}

// Execute runs op at most once per key. The fingerprint binds the key to
// the request body; a replay with the same key but a different fingerprint
// fails with ErrKeyConflict instead of returning a mismatched result.
// The second return value reports whether the result was replayed from
// the cache.
func (c *Cache) Execute(ctx context.Context, key, fingerprint string, op func(ctx context.Context) ([]byte, error)) ([]byte, bool, error) {
	if key == "" {
		result, err := op(ctx)
		return result, false, err
	}

	ttl := c.policy.Current().IdempotencyTTL
	storeKey := keyPrefix + key

	placeholder, err := json.Marshal(record{Fingerprint: fingerprint, Status: statusPending})
	if err != nil {
		return nil, false, err
	}

	claimed, err := c.store.SetNX(ctx, storeKey, string(placeholder), ttl)
	if err != nil {
		return nil, false, err
	}

	if claimed {
		c.obs.RecordIdempotency("miss")
		result, err := op(ctx)
		if err != nil {
			// A failed attempt must not pin the key; the caller may retry.
			if delErr := c.store.Del(ctx, storeKey); delErr != nil {
				c.log.Warn("failed to clear idempotency placeholder", zap.Error(delErr))
			}
			return nil, false, err
		}

		done, marshalErr := json.Marshal(record{Fingerprint: fingerprint, Status: statusDone, Result: result})
		if marshalErr != nil {
			return nil, false, marshalErr
		}
		if setErr := c.store.Set(ctx, storeKey, string(done), ttl); setErr != nil {
			c.log.Warn("failed to store idempotency result", zap.Error(setErr))
		}
		return result, false, nil
	}

	return c.awaitResult(ctx, storeKey, fingerprint)
}

func (c *Cache) awaitResult(ctx context.Context, storeKey, fingerprint string) ([]byte, bool, error) {
	deadline := time.Now().Add(waitTimeout)
	for {
		raw, found, err := c.store.Get(ctx, storeKey)
		if err != nil {
			return nil, false, err
		}
		if found {
			var rec record
			if err := json.Unmarshal([]byte(raw), &rec); err != nil {
				return nil, false, err
			}
			if rec.Fingerprint != fingerprint {
				c.obs.RecordIdempotency("conflict")
				return nil, false, ErrKeyConflict
			}
			if rec.Status == statusDone {
				c.obs.RecordIdempotency("replay")
				return rec.Result, true, nil
			}
		}
		// Missing record here means the winner failed and cleared the
		// key; the retry loop below will contest it again via Execute
		// semantics, but within one call we keep waiting until timeout.

		if time.Now().After(deadline) {
			c.obs.RecordIdempotency("in_flight")
			return nil, false, ErrInFlight
		}
		select {
		case <-ctx.Done():
			return nil, false, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// MarkEventSeen records a transport-level event ID and reports whether this
// delivery is the first. Used by consumers to drop redelivered messages.
func (c *Cache) MarkEventSeen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return true, nil
	}
	return c.store.SetNX(ctx, eventPrefix+eventID, "1", c.policy.Current().IdempotencyTTL)
}

// UnmarkEventSeen clears a transport dedup mark so a redelivery of the same
// event is handled again. A failed handling must not consume the event ID;
// otherwise at-least-once delivery degrades to at-most-once.
func (c *Cache) UnmarkEventSeen(ctx context.Context, eventID string) error {
	if eventID == "" {
		return nil
	}
	return c.store.Del(ctx, eventPrefix+eventID)
}
