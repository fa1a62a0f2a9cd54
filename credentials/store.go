// Package credentials keeps each Slack user's HR portal login sealed at rest
// and caches the sealed form for repeated lookups.
package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	repositorycache "github.com/goliatone/go-repository-cache/cache"

	"github.com/k2tzumi/hue-kintai-slask-command/core"
)

const cacheKeyPrefix = "kintai::credential::v1"

// Sealer encrypts credential payloads for one subject.
type Sealer interface {
	Seal(ctx context.Context, subject string, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, subject string, ciphertext []byte) ([]byte, error)
	KeyID() string
}

type cachedCredential struct {
	Found      bool
	Credential core.SealedCredential
}

type Store struct {
	backend core.CredentialStore
	sealer  Sealer
	cache   repositorycache.CacheService
	logger  core.Logger
}

type Option func(*Store)

// WithCache serves repeated reads of the sealed credential from cache.
func WithCache(cache repositorycache.CacheService) Option {
	return func(s *Store) { s.cache = cache }
}

func WithLogger(logger core.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

func NewStore(backend core.CredentialStore, sealer Sealer, opts ...Option) (*Store, error) {
	if backend == nil {
		return nil, fmt.Errorf("credentials: backend is required")
	}
	if sealer == nil {
		return nil, fmt.Errorf("credentials: sealer is required")
	}
	s := &Store{backend: backend, sealer: sealer}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = glog.Ensure(s.logger)
	return s, nil
}

// CacheKey is kintai::credential::v1::<escaped user id>.
func CacheKey(userID string) string {
	return cacheKeyPrefix + "::" + url.PathEscape(strings.TrimSpace(userID))
}

// Get returns the user's credential. A credential that no longer opens is
// removed and reported as missing.
func (s *Store) Get(ctx context.Context, userID string) (core.PortalCredential, bool, error) {
	if s == nil {
		return core.PortalCredential{}, false, fmt.Errorf("credentials: store is nil")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return core.PortalCredential{}, false, badInput("credentials: user id is required")
	}
	sealed, err := s.load(ctx, userID)
	if err != nil {
		return core.PortalCredential{}, false, err
	}
	if !sealed.Found {
		return core.PortalCredential{}, false, nil
	}

	plaintext, err := s.sealer.Open(ctx, userID, sealed.Credential.Payload)
	var credential core.PortalCredential
	if err == nil {
		err = json.Unmarshal(plaintext, &credential)
	}
	if err != nil || !credential.Valid() {
		s.logger.Warn("credentials: discard unreadable credential", "user_id", userID, "error", err)
		if removeErr := s.Remove(ctx, userID); removeErr != nil {
			s.logger.Error("credentials: remove unreadable credential failed", "user_id", userID, "error", removeErr)
		}
		return core.PortalCredential{}, false, nil
	}
	return credential, true, nil
}

func (s *Store) Set(ctx context.Context, userID string, credential core.PortalCredential) error {
	if s == nil {
		return fmt.Errorf("credentials: store is nil")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return badInput("credentials: user id is required")
	}
	credential.UserID = strings.TrimSpace(credential.UserID)
	if !credential.Valid() {
		return badInput("credentials: portal user id and password are required")
	}
	plaintext, err := json.Marshal(credential)
	if err != nil {
		return fmt.Errorf("credentials: encode credential: %w", err)
	}
	payload, err := s.sealer.Seal(ctx, userID, plaintext)
	if err != nil {
		return core.WrapError(err, goerrors.CategoryInternal, core.ErrorInternal, "credentials: seal credential", nil)
	}
	if err := s.backend.SaveCredential(ctx, core.SealedCredential{
		UserID:  userID,
		Payload: payload,
		KeyID:   s.sealer.KeyID(),
	}); err != nil {
		return storeError(err, "credentials: save credential")
	}
	return s.invalidate(ctx, userID)
}

func (s *Store) Remove(ctx context.Context, userID string) error {
	if s == nil {
		return fmt.Errorf("credentials: store is nil")
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return badInput("credentials: user id is required")
	}
	if err := s.backend.DeleteCredential(ctx, userID); err != nil {
		return storeError(err, "credentials: delete credential")
	}
	return s.invalidate(ctx, userID)
}

func (s *Store) load(ctx context.Context, userID string) (cachedCredential, error) {
	fetch := func(ctx context.Context) (cachedCredential, error) {
		sealed, found, err := s.backend.GetCredential(ctx, userID)
		if err != nil {
			return cachedCredential{}, storeError(err, "credentials: load credential")
		}
		return cachedCredential{Found: found, Credential: sealed}, nil
	}
	if s.cache == nil {
		return fetch(ctx)
	}
	return repositorycache.GetOrFetch(ctx, s.cache, CacheKey(userID), fetch)
}

func (s *Store) invalidate(ctx context.Context, userID string) error {
	if s.cache == nil {
		return nil
	}
	if err := s.cache.Delete(ctx, CacheKey(userID)); err != nil {
		return fmt.Errorf("credentials: invalidate cache: %w", err)
	}
	return nil
}

func badInput(message string) error {
	return core.NewError(message, goerrors.CategoryBadInput, core.ErrorBadInput, nil)
}

func storeError(err error, message string) error {
	return core.WrapError(err, goerrors.CategoryInternal, core.ErrorStoreUnavailable, message, nil)
}
