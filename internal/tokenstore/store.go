// Package tokenstore persists the rider's credentials between runs.
package tokenstore

import (
	"context"
	"sync"

	"github.com/example/rider-agent/internal/models"
)

// Fixed storage keys; every backend uses the same names.
const (
	KeyAccessToken       = "rider.accessToken"
	KeyRefreshToken      = "rider.refreshToken"
	KeyVerificationToken = "rider.verificationToken"
)

// Store reads and writes persisted tokens. An absent token is returned as
// the empty string with a nil error.
type Store interface {
	GetAuthToken(ctx context.Context) (string, error)
	GetRefreshToken(ctx context.Context) (string, error)
	SaveAuthToken(ctx context.Context, t models.Tokens) error
	GetVerificationToken(ctx context.Context) (string, error)
	SaveVerificationToken(ctx context.Context, token string) error
	ClearTokens(ctx context.Context) error
}

// MemoryStore keeps tokens for the lifetime of the process only.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) get(key string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.values[key]
}

func (m *MemoryStore) GetAuthToken(context.Context) (string, error) {
	return m.get(KeyAccessToken), nil
}

func (m *MemoryStore) GetRefreshToken(context.Context) (string, error) {
	return m.get(KeyRefreshToken), nil
}

func (m *MemoryStore) SaveAuthToken(_ context.Context, t models.Tokens) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[KeyAccessToken] = t.AccessToken
	if t.RefreshToken != "" {
		m.values[KeyRefreshToken] = t.RefreshToken
	}
	return nil
}

func (m *MemoryStore) GetVerificationToken(context.Context) (string, error) {
	return m.get(KeyVerificationToken), nil
}

func (m *MemoryStore) SaveVerificationToken(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[KeyVerificationToken] = token
	return nil
}

func (m *MemoryStore) ClearTokens(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, KeyAccessToken)
	delete(m.values, KeyRefreshToken)
	delete(m.values, KeyVerificationToken)
	return nil
}
