package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"traced/federation"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testIdentity() federation.Identity {
	return federation.Identity{
		ID:              federation.IdentityID(federation.ProviderGitHub, "42"),
		ProviderSubject: "42",
		Name:            "Octo Cat",
		Email:           "octo@example.org",
		Role:            federation.RoleAdmin,
		Provider:        federation.ProviderGitHub,
		CreatedAt:       time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStoreLoginReloadLogout(t *testing.T) {
	ctx := context.Background()
	persister := NewMemoryPersister()
	store := NewStore(persister, time.Hour, testLogger())

	rec, err := store.Login(ctx, testIdentity(), "gho_token")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if len(rec.ID) < 43 {
		t.Fatalf("session id too short: %q", rec.ID)
	}

	reloaded := NewStore(persister, time.Hour, testLogger())
	n, err := reloaded.Warm(ctx)
	if err != nil || n != 1 {
		t.Fatalf("warm: n=%d err=%v", n, err)
	}
	got, ok := reloaded.Current(ctx, rec.ID)
	if !ok {
		t.Fatalf("session should survive reload")
	}
	if got != testIdentity() {
		t.Fatalf("identity changed across reload:\n got %+v\nwant %+v", got, testIdentity())
	}
	if tok, ok := reloaded.AccessToken(ctx, rec.ID); !ok || tok != "gho_token" {
		t.Fatalf("access token = %q ok=%v", tok, ok)
	}

	if err := reloaded.Logout(ctx, rec.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, ok := reloaded.Current(ctx, rec.ID); ok {
		t.Fatalf("session present after logout")
	}
	if _, ok := persister.Raw(rec.ID); ok {
		t.Fatalf("persisted record present after logout")
	}
	if _, ok := NewStore(persister, time.Hour, testLogger()).Current(ctx, rec.ID); ok {
		t.Fatalf("logout should hold across reload")
	}
}

func TestStoreLoginReplacesNothingElse(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryPersister(), time.Hour, testLogger())
	a, _ := store.Login(ctx, testIdentity(), "")
	b, _ := store.Login(ctx, testIdentity(), "")
	if a.ID == b.ID {
		t.Fatalf("each login should mint a fresh session id")
	}
	if _, ok := store.Current(ctx, a.ID); !ok {
		t.Fatalf("earlier session on another browser should remain")
	}
	if _, ok := store.AccessToken(ctx, a.ID); ok {
		t.Fatalf("no access token was retained")
	}
}

func TestStoreExpiry(t *testing.T) {
	ctx := context.Background()
	persister := NewMemoryPersister()
	store := NewStore(persister, time.Minute, testLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	rec, _ := store.Login(ctx, testIdentity(), "")
	now = now.Add(2 * time.Minute)
	if _, ok := store.Current(ctx, rec.ID); ok {
		t.Fatalf("expired session accepted")
	}
	if _, ok := persister.Raw(rec.ID); ok {
		t.Fatalf("expired session should be removed")
	}
}

func TestStoreRejectsInvalidIdentity(t *testing.T) {
	store := NewStore(NewMemoryPersister(), time.Hour, testLogger())
	id := testIdentity()
	id.Role = "superuser"
	if _, err := store.Login(context.Background(), id, ""); err == nil {
		t.Fatalf("expected invalid role to be rejected")
	}
	if _, err := store.Login(context.Background(), federation.Identity{Role: federation.RoleUser}, ""); err == nil {
		t.Fatalf("expected identity without id to be rejected")
	}
}

type failingPersister struct{ *MemoryPersister }

func (f *failingPersister) Save(ctx context.Context, rec Record) error {
	return errors.New("disk full")
}

func TestStoreLoginPersistFailureLeavesNoSession(t *testing.T) {
	p := &failingPersister{MemoryPersister: NewMemoryPersister()}
	store := NewStore(p, time.Hour, testLogger())
	if _, err := store.Login(context.Background(), testIdentity(), ""); err == nil {
		t.Fatalf("expected persist failure")
	}
	if len(store.cache) != 0 {
		t.Fatalf("failed login must not leave a cached session")
	}
}

func TestStoreCommit(t *testing.T) {
	store := NewStore(NewMemoryPersister(), time.Hour, testLogger())
	id, err := store.Commit(context.Background(), federation.Result{Identity: testIdentity(), AccessToken: "tok"})
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if got, ok := store.Current(context.Background(), id); !ok || got.Name != "Octo Cat" {
		t.Fatalf("committed session not readable")
	}
}

func TestSQLitePersisterSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sessions.db")

	p, err := OpenSQL(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	store := NewStore(p, time.Hour, testLogger())
	rec, err := store.Login(ctx, testIdentity(), "tok")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	gone, _ := store.Login(ctx, testIdentity(), "")
	if err := store.Logout(ctx, gone.ID); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenSQL(ctx, DriverSQLite, path)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	fresh := NewStore(reopened, time.Hour, testLogger())
	if n, err := fresh.Warm(ctx); err != nil || n != 1 {
		t.Fatalf("warm: n=%d err=%v", n, err)
	}
	got, ok := fresh.Current(ctx, rec.ID)
	if !ok || got != testIdentity() {
		t.Fatalf("identity mismatch after reopen: %+v ok=%v", got, ok)
	}
	if _, ok := fresh.Current(ctx, gone.ID); ok {
		t.Fatalf("logged out session reappeared after reopen")
	}
}

func TestSQLitePersisterPurgeExpired(t *testing.T) {
	ctx := context.Background()
	p, err := OpenSQL(ctx, DriverSQLite, filepath.Join(t.TempDir(), "sessions.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	now := time.Now()
	_ = p.Save(ctx, Record{ID: "old", Identity: testIdentity(), ExpiresAt: now.Add(-time.Minute)})
	_ = p.Save(ctx, Record{ID: "new", Identity: testIdentity(), ExpiresAt: now.Add(time.Hour)})

	n, err := p.PurgeExpired(ctx, now)
	if err != nil || n != 1 {
		t.Fatalf("purge: n=%d err=%v", n, err)
	}
	if _, ok, _ := p.Load(ctx, "new"); !ok {
		t.Fatalf("live session purged")
	}
}

func TestOpenSQLRejectsUnknownDriver(t *testing.T) {
	if _, err := OpenSQL(context.Background(), "mysql", "x"); err == nil {
		t.Fatalf("expected unsupported driver to fail")
	}
	if _, err := OpenSQL(context.Background(), DriverSQLite, " "); err == nil {
		t.Fatalf("expected empty dsn to fail")
	}
}

// slowDeletePersister parks Delete until release closes.
type slowDeletePersister struct {
	*MemoryPersister
	entered chan struct{}
	release chan struct{}
}

func (p *slowDeletePersister) Delete(ctx context.Context, id string) error {
	close(p.entered)
	<-p.release
	return p.MemoryPersister.Delete(ctx, id)
}

func TestStoreReadDuringLogoutCannotResurrect(t *testing.T) {
	ctx := context.Background()
	p := &slowDeletePersister{
		MemoryPersister: NewMemoryPersister(),
		entered:         make(chan struct{}),
		release:         make(chan struct{}),
	}
	store := NewStore(p, time.Hour, testLogger())
	rec, err := store.Login(ctx, testIdentity(), "")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	logoutDone := make(chan error, 1)
	go func() { logoutDone <- store.Logout(ctx, rec.ID) }()
	<-p.entered

	var wg sync.WaitGroup
	seen := make([]bool, 8)
	for i := range seen {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, seen[i] = store.Current(ctx, rec.ID)
		}()
	}
	close(p.release)
	if err := <-logoutDone; err != nil {
		t.Fatalf("logout: %v", err)
	}
	wg.Wait()

	for i, ok := range seen {
		if ok {
			t.Fatalf("reader %d saw the session while it was being logged out", i)
		}
	}
	if _, ok := store.Current(ctx, rec.ID); ok {
		t.Fatalf("session still valid after Logout returned")
	}
	if _, ok := p.Raw(rec.ID); ok {
		t.Fatalf("persisted record present after logout")
	}
}

func TestStoreSweepEvictsExpired(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryPersister()
	store := NewStore(p, time.Hour, testLogger())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	old, _ := store.Login(ctx, testIdentity(), "")
	now = now.Add(30 * time.Minute)
	fresh, _ := store.Login(ctx, testIdentity(), "")
	now = now.Add(45 * time.Minute)

	n, err := store.Sweep(ctx)
	if err != nil || n != 1 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	store.mu.RLock()
	_, oldCached := store.cache[old.ID]
	_, freshCached := store.cache[fresh.ID]
	store.mu.RUnlock()
	if oldCached || !freshCached {
		t.Fatalf("cache after sweep: old=%v fresh=%v", oldCached, freshCached)
	}
	if _, ok := p.Raw(old.ID); ok {
		t.Fatalf("expired record still persisted")
	}
	if _, ok := p.Raw(fresh.ID); !ok {
		t.Fatalf("live record purged")
	}
}
