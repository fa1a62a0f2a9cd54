package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/uptrace/bun"
)

const defaultRecordTTL = 10 * time.Minute

// RecordStore keeps TTL'd records in the kv_records table. Expired rows are
// invisible to reads and are deleted by PurgeExpired or overwritten.
type RecordStore struct {
	db         *bun.DB
	defaultTTL time.Duration
	Now        func() time.Time
}

func NewRecordStore(db *bun.DB, defaultTTL time.Duration) (*RecordStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	if defaultTTL <= 0 {
		defaultTTL = defaultRecordTTL
	}
	return &RecordStore{
		db:         db,
		defaultTTL: defaultTTL,
		Now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *RecordStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ready(key); err != nil {
		return nil, false, err
	}
	record := &kvRecord{}
	err := s.db.NewSelect().
		Model(record).
		Where("?TableAlias.record_key = ?", key).
		Where("?TableAlias.expires_at > ?", s.now()).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("sqlstore: get record %q: %w", key, err)
	}
	return record.Value, true, nil
}

func (s *RecordStore) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.ready(key); err != nil {
		return err
	}
	now := s.now()
	record := &kvRecord{
		RecordKey: key,
		Value:     cloneBytes(value),
		ExpiresAt: now.Add(s.ttl(ttl)),
		UpdatedAt: now,
	}
	_, err := s.db.NewInsert().
		Model(record).
		On("CONFLICT (record_key) DO UPDATE").
		Set("value = EXCLUDED.value").
		Set("expires_at = EXCLUDED.expires_at").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: put record %q: %w", key, err)
	}
	return nil
}

func (s *RecordStore) Remove(ctx context.Context, key string) error {
	if err := s.ready(key); err != nil {
		return err
	}
	_, err := s.db.NewDelete().
		Model((*kvRecord)(nil)).
		Where("record_key = ?", key).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("sqlstore: remove record %q: %w", key, err)
	}
	return nil
}

// PutIfAbsent treats an expired row as absent.
func (s *RecordStore) PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := s.ready(key); err != nil {
		return false, err
	}
	now := s.now()
	stored := false
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewDelete().
			Model((*kvRecord)(nil)).
			Where("record_key = ?", key).
			Where("expires_at <= ?", now).
			Exec(ctx); err != nil {
			return err
		}
		res, err := tx.NewInsert().
			Model(&kvRecord{
				RecordKey: key,
				Value:     cloneBytes(value),
				ExpiresAt: now.Add(s.ttl(ttl)),
				UpdatedAt: now,
			}).
			On("CONFLICT (record_key) DO NOTHING").
			Exec(ctx)
		if err != nil {
			if isUniqueViolation(err) {
				return nil
			}
			return err
		}
		affected, _ := res.RowsAffected()
		stored = affected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("sqlstore: put if absent %q: %w", key, err)
	}
	return stored, nil
}

func (s *RecordStore) CompareAndSwap(ctx context.Context, key string, previous []byte, next []byte, ttl time.Duration) (bool, error) {
	if err := s.ready(key); err != nil {
		return false, err
	}
	now := s.now()
	res, err := s.db.NewUpdate().
		Model((*kvRecord)(nil)).
		Set("value = ?", cloneBytes(next)).
		Set("expires_at = ?", now.Add(s.ttl(ttl))).
		Set("updated_at = ?", now).
		Where("record_key = ?", key).
		Where("value = ?", previous).
		Where("expires_at > ?", now).
		Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("sqlstore: compare and swap %q: %w", key, err)
	}
	affected, _ := res.RowsAffected()
	return affected == 1, nil
}

func (s *RecordStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: record store is not configured")
	}
	var keys []string
	err := s.db.NewSelect().
		Model((*kvRecord)(nil)).
		Column("record_key").
		Where("?TableAlias.record_key LIKE ? ESCAPE '\\'", escapeLike(prefix)+"%").
		Where("?TableAlias.expires_at > ?", s.now()).
		OrderExpr("?TableAlias.record_key ASC").
		Scan(ctx, &keys)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list keys %q: %w", prefix, err)
	}
	return keys, nil
}

// PurgeExpired deletes expired rows and reports how many went.
func (s *RecordStore) PurgeExpired(ctx context.Context) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: record store is not configured")
	}
	res, err := s.db.NewDelete().
		Model((*kvRecord)(nil)).
		Where("expires_at <= ?", s.now()).
		Exec(ctx)
	if err != nil {
		return 0, fmt.Errorf("sqlstore: purge expired records: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (s *RecordStore) ready(key string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: record store is not configured")
	}
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("sqlstore: record key is required")
	}
	return nil
}

func (s *RecordStore) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

func (s *RecordStore) ttl(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return s.defaultTTL
	}
	return ttl
}

func escapeLike(value string) string {
	replacer := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return replacer.Replace(value)
}

func cloneBytes(value []byte) []byte {
	out := make([]byte, len(value))
	copy(out, value)
	return out
}
