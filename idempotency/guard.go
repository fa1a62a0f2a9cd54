// Package idempotency suppresses duplicate webhook deliveries with short
// lived presence markers in the shared record store.
package idempotency

import (
	"context"
	"fmt"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const KeyPrefix = "Idempotency#"

const DefaultTTL = 10 * time.Minute

var markerValue = []byte("1")

type Guard struct {
	store core.RecordStore
	ttl   time.Duration
}

func NewGuard(store core.RecordStore, ttl time.Duration) (*Guard, error) {
	if store == nil {
		return nil, fmt.Errorf("idempotency: record store is required")
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Guard{store: store, ttl: ttl}, nil
}

// Check reports whether key was already handled inside the retention window.
// The first call for a key writes the marker and returns false.
func (g *Guard) Check(ctx context.Context, key Key) (bool, error) {
	if g == nil || g.store == nil {
		return false, fmt.Errorf("idempotency: guard is not configured")
	}
	if !key.Valid() {
		return false, core.NewError(
			"idempotency: fingerprint is required",
			goerrors.CategoryBadInput,
			core.ErrorBadInput,
			map[string]any{"kind": string(key.Kind)},
		)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	storeKey := KeyPrefix + key.String()

	if atomic, ok := g.store.(core.AtomicRecordStore); ok {
		created, err := atomic.PutIfAbsent(ctx, storeKey, markerValue, g.ttl)
		if err != nil {
			return false, g.storeError(err, key)
		}
		return !created, nil
	}

	_, found, err := g.store.Get(ctx, storeKey)
	if err != nil {
		return false, g.storeError(err, key)
	}
	if found {
		return true, nil
	}
	if err := g.store.Put(ctx, storeKey, markerValue, g.ttl); err != nil {
		return false, g.storeError(err, key)
	}
	return false, nil
}

func (g *Guard) storeError(err error, key Key) error {
	return core.WrapError(
		err,
		goerrors.CategoryInternal,
		core.ErrorStoreUnavailable,
		"idempotency: marker store failed",
		map[string]any{"kind": string(key.Kind)},
	)
}
