package sqlstore

import (
	"time"

	"github.com/uptrace/bun"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

type kvRecord struct {
	bun.BaseModel `bun:"table:kv_records,alias:kv"`

	RecordKey string    `bun:"record_key,pk"`
	Value     []byte    `bun:"value,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	UpdatedAt time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type userCredentialRecord struct {
	bun.BaseModel `bun:"table:user_credentials,alias:uc"`

	ID               string    `bun:"id,pk"`
	UserID           string    `bun:"user_id,notnull"`
	EncryptedPayload []byte    `bun:"encrypted_payload,notnull"`
	EncryptionKeyID  string    `bun:"encryption_key_id,notnull"`
	CreatedAt        time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt        time.Time `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func (r *userCredentialRecord) toDomain() core.SealedCredential {
	if r == nil {
		return core.SealedCredential{}
	}
	payload := make([]byte, len(r.EncryptedPayload))
	copy(payload, r.EncryptedPayload)
	return core.SealedCredential{
		UserID:    r.UserID,
		Payload:   payload,
		KeyID:     r.EncryptionKeyID,
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}
