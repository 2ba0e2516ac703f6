// Package session keeps the signed-in principal and its tokens in durable storage.
//
// Storage is a flat key-value store mirroring browser local storage. The
// cookie-based backend contract only needs the "user" key; the token keys are
// used when the backend returns tokens in response bodies.
package session

import (
	"context"
	"sync"
)

// Durable storage keys.
const (
	KeyUser               = "user"
	KeyAccessToken        = "access-token"
	KeyRefreshToken       = "refresh-token"
	KeyTempToken          = "temp-token"
	KeyResetPasswordToken = "reset_password_token"
)

// AllKeys lists every key the manager writes.
var AllKeys = []string{KeyUser, KeyAccessToken, KeyRefreshToken, KeyTempToken, KeyResetPasswordToken}

// Store is durable key-value storage. It is assumed to have a single writer.
type Store interface {
	// Get returns the value for key and whether it was present.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set stores value under key.
	Set(ctx context.Context, key, value string) error

	// Delete removes keys. Missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error
}

// MemoryStore is a Store that lives as long as the process.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]string
}

// compile-time check
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}
