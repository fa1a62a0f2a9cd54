package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

// CredentialStore keeps one sealed credential row per Slack user.
type CredentialStore struct {
	db   *bun.DB
	repo repository.Repository[*userCredentialRecord]
}

func NewCredentialStore(db *bun.DB) (*CredentialStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*userCredentialRecord](db, userCredentialHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid credential repository wiring: %w", err)
		}
	}
	return &CredentialStore{db: db, repo: repo}, nil
}

func (s *CredentialStore) SaveCredential(ctx context.Context, credential core.SealedCredential) error {
	if s == nil || s.repo == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	userID := strings.TrimSpace(credential.UserID)
	if userID == "" {
		return fmt.Errorf("sqlstore: user id is required")
	}
	if len(credential.Payload) == 0 {
		return fmt.Errorf("sqlstore: credential payload is required")
	}
	now := time.Now().UTC()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		existing, err := findCredentialTx(ctx, tx, userID)
		if err != nil {
			return err
		}
		if existing == nil {
			record := &userCredentialRecord{
				ID:               uuid.NewString(),
				UserID:           userID,
				EncryptedPayload: cloneBytes(credential.Payload),
				EncryptionKeyID:  strings.TrimSpace(credential.KeyID),
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			_, err := s.repo.CreateTx(ctx, tx, record)
			return err
		}
		_, err = tx.NewUpdate().
			Model((*userCredentialRecord)(nil)).
			Set("encrypted_payload = ?", cloneBytes(credential.Payload)).
			Set("encryption_key_id = ?", strings.TrimSpace(credential.KeyID)).
			Set("updated_at = ?", now).
			Where("user_id = ?", userID).
			Exec(ctx)
		return err
	})
}

func (s *CredentialStore) GetCredential(ctx context.Context, userID string) (core.SealedCredential, bool, error) {
	if s == nil || s.repo == nil {
		return core.SealedCredential{}, false, fmt.Errorf("sqlstore: credential store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("user_id", "=", strings.TrimSpace(userID)),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.SealedCredential{}, false, err
	}
	if len(records) == 0 {
		return core.SealedCredential{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (s *CredentialStore) DeleteCredential(ctx context.Context, userID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: credential store is not configured")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("sqlstore: user id is required")
	}
	_, err := s.db.NewDelete().
		Model((*userCredentialRecord)(nil)).
		Where("user_id = ?", userID).
		Exec(ctx)
	return err
}

func findCredentialTx(ctx context.Context, tx bun.Tx, userID string) (*userCredentialRecord, error) {
	record := &userCredentialRecord{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.user_id = ?", userID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return record, nil
}
