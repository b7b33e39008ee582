package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"sync"
	"time"

	"traced/federation"
)

// DefaultTTL is the absolute lifetime of a browser session.
const DefaultTTL = 12 * time.Hour

// Record is the persisted shape of one session. It carries the provider access
// token only when that provider's descriptor retains it, and never any client
// secret.
type Record struct {
	ID          string              `json:"id"`
	Identity    federation.Identity `json:"identity"`
	AccessToken string              `json:"access_token,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	ExpiresAt   time.Time           `json:"expires_at"`
}

// Persister is the durable backing for sessions.
type Persister interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, id string) (Record, bool, error)
	Delete(ctx context.Context, id string) error
	LoadAll(ctx context.Context, now time.Time) ([]Record, error)
}

// ExpiryPurger is implemented by persisters that can drop expired records in bulk.
type ExpiryPurger interface {
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

const idLockStripes = 32

// Store is the process-wide session registry. Every mutation replaces or
// clears a whole record, so readers never see partial state. Reloading an id
// from the persister and logging it out hold the same per-id lock, so a
// reload can never resurrect a session that Logout has cleared.
type Store struct {
	mu        sync.RWMutex
	cache     map[string]Record
	idLocks   [idLockStripes]sync.Mutex
	persister Persister
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// NewStore builds a store over p. Call Warm at startup to load persisted sessions.
func NewStore(p Persister, ttl time.Duration, logger *slog.Logger) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		cache:     make(map[string]Record),
		persister: p,
		ttl:       ttl,
		now:       time.Now,
		logger:    logger,
	}
}

// Warm loads every unexpired persisted session into memory.
func (s *Store) Warm(ctx context.Context) (int, error) {
	recs, err := s.persister.LoadAll(ctx, s.now())
	if err != nil {
		return 0, fmt.Errorf("load sessions: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.cache[rec.ID] = rec
	}
	return len(recs), nil
}

// Login persists a new session for identity and returns it.
func (s *Store) Login(ctx context.Context, identity federation.Identity, accessToken string) (Record, error) {
	if identity.ID == "" {
		return Record{}, errors.New("session: identity without id")
	}
	if identity.Role != federation.RoleUser && identity.Role != federation.RoleAdmin {
		return Record{}, fmt.Errorf("session: invalid role %q", identity.Role)
	}
	id, err := NewID()
	if err != nil {
		return Record{}, err
	}
	now := s.now().UTC()
	rec := Record{
		ID:          id,
		Identity:    identity,
		AccessToken: accessToken,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.ttl),
	}
	if err := s.persister.Save(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("session: persist: %w", err)
	}
	s.mu.Lock()
	s.cache[id] = rec
	s.mu.Unlock()
	return rec, nil
}

// Commit stores the outcome of a successful exchange.
func (s *Store) Commit(ctx context.Context, res federation.Result) (string, error) {
	rec, err := s.Login(ctx, res.Identity, res.AccessToken)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}

// Current returns the identity bound to id.
func (s *Store) Current(ctx context.Context, id string) (federation.Identity, bool) {
	rec, ok := s.lookup(ctx, id)
	if !ok {
		return federation.Identity{}, false
	}
	return rec.Identity, true
}

// AccessToken returns the retained provider token for follow-up API calls.
func (s *Store) AccessToken(ctx context.Context, id string) (string, bool) {
	rec, ok := s.lookup(ctx, id)
	if !ok || rec.AccessToken == "" {
		return "", false
	}
	return rec.AccessToken, true
}

// Logout drops the session from memory and from the persister. Readers that
// miss the cache while it runs wait for it and then find nothing.
func (s *Store) Logout(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	l := s.idLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.Lock()
	delete(s.cache, id)
	s.mu.Unlock()
	if err := s.persister.Delete(ctx, id); err != nil {
		return fmt.Errorf("session: delete: %w", err)
	}
	return nil
}

// Sweep evicts expired sessions from memory and, when the persister supports
// it, from storage. It returns the number of cache entries evicted.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	s.mu.Lock()
	evicted := 0
	for id, rec := range s.cache {
		if !now.Before(rec.ExpiresAt) {
			delete(s.cache, id)
			evicted++
		}
	}
	s.mu.Unlock()

	if p, ok := s.persister.(ExpiryPurger); ok {
		if _, err := p.PurgeExpired(ctx, now); err != nil {
			return evicted, fmt.Errorf("session: purge: %w", err)
		}
	}
	return evicted, nil
}

// StartSweeper runs Sweep every interval until stop closes.
func (s *Store) StartSweeper(stop <-chan struct{}, every time.Duration) {
	if every <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				n, err := s.Sweep(ctx)
				cancel()
				if err != nil {
					s.logger.Warn("session sweep failed", "error", err)
					continue
				}
				if n > 0 {
					s.logger.Debug("expired sessions evicted", "count", n)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Expiry returns when id's session ends.
func (s *Store) Expiry(ctx context.Context, id string) (time.Time, bool) {
	rec, ok := s.lookup(ctx, id)
	if !ok {
		return time.Time{}, false
	}
	return rec.ExpiresAt, true
}

func (s *Store) lookup(ctx context.Context, id string) (Record, bool) {
	if id == "" {
		return Record{}, false
	}
	s.mu.RLock()
	rec, ok := s.cache[id]
	s.mu.RUnlock()

	if !ok {
		var err error
		rec, ok, err = s.reload(ctx, id)
		if err != nil {
			s.logger.Warn("session load failed", "error", err)
			return Record{}, false
		}
		if !ok {
			return Record{}, false
		}
	}

	if !s.now().Before(rec.ExpiresAt) {
		if err := s.Logout(ctx, id); err != nil {
			s.logger.Warn("expired session cleanup failed", "error", err)
		}
		return Record{}, false
	}
	return rec, true
}

func (s *Store) reload(ctx context.Context, id string) (Record, bool, error) {
	l := s.idLock(id)
	l.Lock()
	defer l.Unlock()

	s.mu.RLock()
	rec, ok := s.cache[id]
	s.mu.RUnlock()
	if ok {
		return rec, true, nil
	}
	rec, ok, err := s.persister.Load(ctx, id)
	if err != nil || !ok {
		return Record{}, false, err
	}
	s.mu.Lock()
	s.cache[id] = rec
	s.mu.Unlock()
	return rec, true, nil
}

func (s *Store) idLock(id string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return &s.idLocks[h.Sum32()%idLockStripes]
}

// NewID generates a 256-bit session identifier.
func NewID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("session: failed to generate id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
