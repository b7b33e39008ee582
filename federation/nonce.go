package federation

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultNonceTTL bounds how long an outbound redirect may wait for its callback.
const DefaultNonceTTL = 10 * time.Minute

const nonceBytes = 32

// Ticket describes a nonce that was successfully consumed.
type Ticket struct {
	Provider string
	IssuedAt time.Time
}

// NonceStore issues and validates single-use state values. Each binding (one
// browser) holds at most one live nonce; issuing again invalidates the prior one.
type NonceStore interface {
	Issue(ctx context.Context, binding, provider string) (string, error)
	Consume(ctx context.Context, binding, value string) (Ticket, bool)
}

type nonceEntry struct {
	value    string
	provider string
	issuedAt time.Time
}

// MemoryNonceStore keeps nonces in process memory.
type MemoryNonceStore struct {
	mu      sync.Mutex
	entries map[string]nonceEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewMemoryNonceStore constructs the store. A non-positive ttl uses DefaultNonceTTL.
func NewMemoryNonceStore(ttl time.Duration) *MemoryNonceStore {
	if ttl <= 0 {
		ttl = DefaultNonceTTL
	}
	return &MemoryNonceStore{
		entries: make(map[string]nonceEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Issue records a fresh value for binding, replacing any live one.
func (s *MemoryNonceStore) Issue(ctx context.Context, binding, provider string) (string, error) {
	if binding == "" {
		return "", errors.New("nonce: binding required")
	}
	value, err := randomToken(nonceBytes)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[binding] = nonceEntry{value: value, provider: provider, issuedAt: s.now()}
	return value, nil
}

// Consume returns the ticket for value exactly once.
func (s *MemoryNonceStore) Consume(ctx context.Context, binding, value string) (Ticket, bool) {
	if binding == "" || value == "" {
		return Ticket{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[binding]
	if !ok {
		return Ticket{}, false
	}
	if subtle.ConstantTimeCompare([]byte(entry.value), []byte(value)) != 1 {
		return Ticket{}, false
	}
	if s.now().Sub(entry.issuedAt) > s.ttl {
		delete(s.entries, binding)
		return Ticket{}, false
	}
	delete(s.entries, binding)
	return Ticket{Provider: entry.provider, IssuedAt: entry.issuedAt}, true
}

// Len reports the number of live or not yet swept entries.
func (s *MemoryNonceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep drops expired entries.
func (s *MemoryNonceStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	removed := 0
	for binding, entry := range s.entries {
		if now.Sub(entry.issuedAt) > s.ttl {
			delete(s.entries, binding)
			removed++
		}
	}
	return removed
}

// StartSweeper runs Sweep every interval until stop closes.
func (s *MemoryNonceStore) StartSweeper(stop <-chan struct{}, every time.Duration) {
	if every <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-stop:
				return
			}
		}
	}()
}

func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NewBinding returns a fresh login-binding value for a browser.
func NewBinding() (string, error) {
	return randomToken(nonceBytes)
}
