package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const KeyPrefix = "Credential#"

// DefaultRecordTTL keeps credentials effectively permanent on TTL'd
// backends. Every save refreshes it.
const DefaultRecordTTL = 10 * 365 * 24 * time.Hour

// RecordBackend stores sealed credentials in a record store, for the memory
// and redis drivers that have no credential table.
type RecordBackend struct {
	store core.RecordStore
	ttl   time.Duration
	now   func() time.Time
}

type sealedRecord struct {
	Payload   []byte `json:"payload"`
	KeyID     string `json:"key_id,omitempty"`
	UpdatedAt int64  `json:"updated_at"`
}

func NewRecordBackend(store core.RecordStore, ttl time.Duration) (*RecordBackend, error) {
	if store == nil {
		return nil, fmt.Errorf("credentials: record store is required")
	}
	if ttl <= 0 {
		ttl = DefaultRecordTTL
	}
	return &RecordBackend{store: store, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (b *RecordBackend) SaveCredential(ctx context.Context, credential core.SealedCredential) error {
	userID := strings.TrimSpace(credential.UserID)
	if userID == "" {
		return fmt.Errorf("credentials: user id is required")
	}
	raw, err := json.Marshal(sealedRecord{
		Payload:   credential.Payload,
		KeyID:     credential.KeyID,
		UpdatedAt: core.UnixMillis(b.now()),
	})
	if err != nil {
		return fmt.Errorf("credentials: encode record: %w", err)
	}
	return b.store.Put(ctx, KeyPrefix+userID, raw, b.ttl)
}

func (b *RecordBackend) GetCredential(ctx context.Context, userID string) (core.SealedCredential, bool, error) {
	userID = strings.TrimSpace(userID)
	raw, found, err := b.store.Get(ctx, KeyPrefix+userID)
	if err != nil || !found {
		return core.SealedCredential{}, false, err
	}
	var record sealedRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		// Surfaces as an unreadable credential and is removed by the Store.
		return core.SealedCredential{UserID: userID}, true, nil
	}
	return core.SealedCredential{
		UserID:    userID,
		Payload:   record.Payload,
		KeyID:     record.KeyID,
		UpdatedAt: core.FromUnixMillis(record.UpdatedAt),
	}, true, nil
}

func (b *RecordBackend) DeleteCredential(ctx context.Context, userID string) error {
	return b.store.Remove(ctx, KeyPrefix+strings.TrimSpace(userID))
}

var _ core.CredentialStore = (*RecordBackend)(nil)
