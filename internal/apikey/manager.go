// Package apikey owns the credential lifecycle for published models: issue,
// rotate, validate, revoke. Plaintext keys exist only in the response that
// creates them; everything at rest is a SHA-256 hash.
package apikey

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nulzo/model-publisher/internal/core/domain"
	"github.com/nulzo/model-publisher/internal/store"
	"github.com/nulzo/model-publisher/internal/store/cache"
	"github.com/nulzo/model-publisher/internal/store/model"
)

const (
	// keyPrefix marks publisher-minted credentials.
	keyPrefix = "mp-"
	// displayPrefixLen is how much of the plaintext we keep for display.
	displayPrefixLen = 10
	// validateCacheTTL bounds staleness of the hot-path hash cache.
	validateCacheTTL = 30 * time.Second
	// activeIDTTL is how long the active-key pointer lives. A cached hash
	// only counts as a hit while the pointer confirms its key ID, so an
	// expired pointer degrades to a store read, never to a stale accept.
	activeIDTTL = time.Hour
)

// Issued is the one-time result of minting a credential.
type Issued struct {
	// ID references the stored credential.
	ID string
	// Plaintext is returned to the caller exactly once.
	Plaintext string
	// Prefix is the display fragment retained for listing.
	Prefix string
}

type Manager struct {
	repo   store.Repository
	cache  cache.CacheService
	logger *zap.Logger
}

func NewManager(repo store.Repository, c cache.CacheService, logger *zap.Logger) *Manager {
	return &Manager{repo: repo, cache: c, logger: logger}
}

// Issue mints a credential for a publication. Any previously active key for
// the same publication is revoked in the same transaction, so there is never
// more than one valid key.
func (m *Manager) Issue(ctx context.Context, tenantID, modelName string) (*Issued, error) {
	issued, row, err := m.mint(tenantID, modelName)
	if err != nil {
		return nil, err
	}

	err = m.repo.WithTx(ctx, func(repo store.Repository) error {
		existing, err := repo.APIKeys().GetActive(ctx, tenantID, modelName)
		if err == nil {
			if err := repo.APIKeys().Revoke(ctx, existing.ID); err != nil {
				return err
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		return repo.APIKeys().Create(ctx, row)
	})
	if err != nil {
		return nil, domain.StoreError("failed to persist api key", err)
	}

	m.cutOver(ctx, tenantID, modelName, row.ID)
	return issued, nil
}

// Rotate replaces the active credential atomically: once the new key is
// persisted the old one no longer validates. Hard cutover, no overlap.
func (m *Manager) Rotate(ctx context.Context, tenantID, modelName string) (*Issued, error) {
	issued, row, err := m.mint(tenantID, modelName)
	if err != nil {
		return nil, err
	}

	err = m.repo.WithTx(ctx, func(repo store.Repository) error {
		existing, err := repo.APIKeys().GetActive(ctx, tenantID, modelName)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return domain.NotFoundError(fmt.Sprintf("no active key for %s/%s", tenantID, modelName))
			}
			return err
		}
		if err := repo.APIKeys().Revoke(ctx, existing.ID); err != nil {
			return err
		}
		return repo.APIKeys().Create(ctx, row)
	})
	if err != nil {
		var de *domain.Error
		if errors.As(err, &de) {
			return nil, de
		}
		return nil, domain.StoreError("failed to rotate api key", err)
	}

	m.cutOver(ctx, tenantID, modelName, row.ID)
	m.logger.Info("API key rotated",
		zap.String("tenant", tenantID),
		zap.String("model", modelName),
		zap.String("key_id", row.ID),
	)
	return issued, nil
}

// Revoke deactivates the active credential, if any. Used by unpublish.
func (m *Manager) Revoke(ctx context.Context, tenantID, modelName string) error {
	existing, err := m.repo.APIKeys().GetActive(ctx, tenantID, modelName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return domain.StoreError("failed to look up api key", err)
	}
	if err := m.repo.APIKeys().Revoke(ctx, existing.ID); err != nil {
		return domain.StoreError("failed to revoke api key", err)
	}
	m.invalidate(ctx, tenantID, modelName)
	return nil
}

// Validate is the cheap, side-effect-free check the data path calls on every
// inbound request. The hash comparison is constant-time.
func (m *Manager) Validate(ctx context.Context, tenantID, modelName, presented string) (bool, error) {
	activeHash, err := m.activeHash(ctx, tenantID, modelName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	presentedHash := hashKey(presented)
	return subtle.ConstantTimeCompare([]byte(activeHash), []byte(presentedHash)) == 1, nil
}

// activeHash serves the hot path. A cached hash is trusted only when the
// active-key pointer still names the key it was derived from: a validation
// that read the store before a rotation committed and lands its cache write
// afterwards cannot revive the old credential, because the pointer already
// names the new key ID.
func (m *Manager) activeHash(ctx context.Context, tenantID, modelName string) (string, error) {
	cacheKey := validateCacheKey(tenantID, modelName)

	var activeID string
	if err := m.cache.Get(ctx, activeCacheKey(tenantID, modelName), &activeID); err == nil && activeID != "" {
		var cached string
		if err := m.cache.Get(ctx, cacheKey, &cached); err == nil {
			if id, hash, ok := splitCachedHash(cached); ok && id == activeID {
				return hash, nil
			}
		}
	}

	key, err := m.repo.APIKeys().GetActive(ctx, tenantID, modelName)
	if err != nil {
		return "", err
	}

	if err := m.cache.Set(ctx, cacheKey, key.ID+":"+key.KeyHash, validateCacheTTL); err != nil {
		m.logger.Debug("api key cache set failed", zap.Error(err))
	}
	return key.KeyHash, nil
}

// cutOver records the new active key ID, then drops the stale hash entry.
// Only mutators write the pointer; the read path never does, so a late
// cache fill carrying a pre-cutover key ID can never match it.
func (m *Manager) cutOver(ctx context.Context, tenantID, modelName, keyID string) {
	if err := m.cache.Set(ctx, activeCacheKey(tenantID, modelName), keyID, activeIDTTL); err != nil {
		m.logger.Debug("api key pointer update failed", zap.Error(err))
	}
	if err := m.cache.Delete(ctx, validateCacheKey(tenantID, modelName)); err != nil {
		m.logger.Debug("api key cache invalidation failed", zap.Error(err))
	}
}

func (m *Manager) invalidate(ctx context.Context, tenantID, modelName string) {
	for _, k := range []string{activeCacheKey(tenantID, modelName), validateCacheKey(tenantID, modelName)} {
		if err := m.cache.Delete(ctx, k); err != nil {
			m.logger.Debug("api key cache invalidation failed", zap.Error(err))
		}
	}
}

// mint generates the credential material. Entropy-source failure is fatal
// and never retried.
func (m *Manager) mint(tenantID, modelName string) (*Issued, *model.APIKey, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, nil, domain.InternalError("entropy source failure", err)
	}

	plaintext := keyPrefix + base64.RawURLEncoding.EncodeToString(raw)
	prefix := plaintext[:displayPrefixLen]

	row := &model.APIKey{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		ModelName: modelName,
		KeyHash:   hashKey(plaintext),
		KeyPrefix: prefix,
		IsActive:  true,
		CreatedAt: time.Now().UTC(),
	}

	return &Issued{ID: row.ID, Plaintext: plaintext, Prefix: prefix}, row, nil
}

func hashKey(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func splitCachedHash(cached string) (id, hash string, ok bool) {
	i := strings.IndexByte(cached, ':')
	if i <= 0 || i == len(cached)-1 {
		return "", "", false
	}
	return cached[:i], cached[i+1:], true
}

func validateCacheKey(tenantID, modelName string) string {
	return "apikey:" + tenantID + "/" + modelName
}

func activeCacheKey(tenantID, modelName string) string {
	return "apikey:active:" + tenantID + "/" + modelName
}
