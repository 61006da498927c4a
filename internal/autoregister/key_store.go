package autoregister

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrKeyNotFound = errors.New("auto-register key not found")
	ErrKeyExpired  = errors.New("auto-register key has expired")
)

// Key admits unknown agents straight to Enabled. Keys are reusable until
// they expire or are revoked; static keys come from config and never expire.
type Key struct {
	ID            string
	Key           string
	Description   string
	Static        bool
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Registrations int
}

func (k *Key) expired(now time.Time) bool {
	return !k.Static && !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

type KeyStore struct {
	mu   sync.RWMutex
	keys map[string]*Key
	ttl  time.Duration
}

func NewKeyStore(ttl time.Duration, static []string) *KeyStore {
	ks := &KeyStore{
		keys: make(map[string]*Key),
		ttl:  ttl,
	}
	now := time.Now()
	for _, k := range static {
		if k == "" {
			continue
		}
		ks.keys[k] = &Key{
			ID:          uuid.NewString(),
			Key:         k,
			Description: "static",
			Static:      true,
			CreatedAt:   now,
		}
	}
	return ks
}

func (ks *KeyStore) Create(description string) (*Key, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	now := time.Now()
	k := &Key{
		ID:          uuid.NewString(),
		Key:         "ak_" + hex.EncodeToString(b),
		Description: description,
		CreatedAt:   now,
	}
	if ks.ttl > 0 {
		k.ExpiresAt = now.Add(ks.ttl)
	}

	ks.mu.Lock()
	ks.keys[k.Key] = k
	ks.mu.Unlock()

	slog.Info("Auto-register key created", "key_id", k.ID, "expires_at", k.ExpiresAt)
	copied := *k
	return &copied, nil
}

func (ks *KeyStore) Validate(key string) (*Key, error) {
	if key == "" {
		return nil, ErrKeyNotFound
	}

	ks.mu.RLock()
	k, exists := ks.keys[key]
	var copied Key
	if exists {
		copied = *k
	}
	ks.mu.RUnlock()

	if !exists {
		return nil, ErrKeyNotFound
	}
	if copied.expired(time.Now()) {
		return nil, ErrKeyExpired
	}
	return &copied, nil
}

func (ks *KeyStore) RecordUse(key string) {
	ks.mu.Lock()
	if k, exists := ks.keys[key]; exists {
		k.Registrations++
	}
	ks.mu.Unlock()
}

// Revoke removes a key by ID. Static keys cannot be revoked at runtime.
func (ks *KeyStore) Revoke(id string) bool {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	for key, k := range ks.keys {
		if k.ID == id && !k.Static {
			delete(ks.keys, key)
			slog.Info("Auto-register key revoked", "key_id", id)
			return true
		}
	}
	return false
}

// List returns live keys with the secret redacted.
func (ks *KeyStore) List() []Key {
	ks.mu.RLock()
	defer ks.mu.RUnlock()

	now := time.Now()
	result := make([]Key, 0, len(ks.keys))
	for _, k := range ks.keys {
		if k.expired(now) {
			continue
		}
		redacted := *k
		redacted.Key = ""
		result = append(result, redacted)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result
}

func (ks *KeyStore) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ks.cleanup()
		}
	}
}

func (ks *KeyStore) cleanup() {
	ks.mu.Lock()
	defer ks.mu.Unlock()

	now := time.Now()
	removed := 0
	for key, k := range ks.keys {
		if k.expired(now) {
			delete(ks.keys, key)
			removed++
		}
	}
	if removed > 0 {
		slog.Debug("Cleaned up auto-register keys", "removed", removed)
	}
}
