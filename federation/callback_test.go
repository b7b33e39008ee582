package federation

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"
)

type stubExchanger struct {
	calls int
	res   Result
	err   error
}

func (s *stubExchanger) Exchange(ctx context.Context, code, providerID string) (Result, error) {
	s.calls++
	if s.err != nil {
		return Result{}, s.err
	}
	return s.res, nil
}

type stubCommitter struct {
	commits []Result
	err     error
}

func (s *stubCommitter) Commit(ctx context.Context, res Result) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.commits = append(s.commits, res)
	return "session-1", nil
}

type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveLogin(provider, outcome string, took time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, provider+"/"+outcome)
}

type flowFixture struct {
	flow     *Flow
	nonces   *MemoryNonceStore
	exchange *stubExchanger
	commits  *stubCommitter
	observer *recordingObserver
}

func newFlowFixture() *flowFixture {
	exchange := &stubExchanger{res: Result{Identity: Identity{
		ID:       IdentityID(ProviderGitHub, "42"),
		Name:     "octo",
		Role:     RoleUser,
		Provider: ProviderGitHub,
	}}}
	f := &flowFixture{
		nonces:   NewMemoryNonceStore(time.Minute),
		exchange: exchange,
		commits:  &stubCommitter{},
		observer: &recordingObserver{},
	}
	f.flow = NewFlow(f.nonces, f.exchange, f.commits, f.observer, nil)
	return f
}

func callbackQuery(pairs ...string) url.Values {
	q := url.Values{}
	for i := 0; i+1 < len(pairs); i += 2 {
		q.Set(pairs[i], pairs[i+1])
	}
	return q
}

func TestFlowCompleteSuccessThenReplay(t *testing.T) {
	f := newFlowFixture()
	ctx := context.Background()
	state, _ := f.nonces.Issue(ctx, "browser-a", ProviderGitHub)

	out, err := f.flow.Complete(ctx, "browser-a", ProviderGitHub, callbackQuery("code", "abc", "state", state))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out.SessionID != "session-1" || out.Redirect != DefaultLandingPath || out.Identity.Name != "octo" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if len(f.commits.commits) != 1 {
		t.Fatalf("expected one commit, got %d", len(f.commits.commits))
	}

	_, err = f.flow.Complete(ctx, "browser-a", ProviderGitHub, callbackQuery("code", "abc", "state", state))
	if !errors.Is(err, ErrInvalidOrExpiredState) {
		t.Fatalf("replay should fail with ErrInvalidOrExpiredState, got %v", err)
	}
	if f.exchange.calls != 1 {
		t.Fatalf("replay must not reach the exchange, calls=%d", f.exchange.calls)
	}
	if got := f.observer.outcomes; len(got) != 2 || got[0] != "github/success" || got[1] != "github/invalid_state" {
		t.Fatalf("observed outcomes = %v", got)
	}
}

func TestFlowCompleteForgedState(t *testing.T) {
	f := newFlowFixture()
	ctx := context.Background()
	state, _ := f.nonces.Issue(ctx, "browser-a", ProviderGitHub)

	_, err := f.flow.Complete(ctx, "browser-a", ProviderGitHub, callbackQuery("code", "abc", "state", "attacker"))
	if !errors.Is(err, ErrInvalidOrExpiredState) {
		t.Fatalf("expected ErrInvalidOrExpiredState, got %v", err)
	}
	if f.exchange.calls != 0 || len(f.commits.commits) != 0 {
		t.Fatalf("forged callback must not exchange or commit")
	}

	if _, err := f.flow.Complete(ctx, "browser-a", ProviderGitHub, callbackQuery("code", "abc", "state", state)); err != nil {
		t.Fatalf("legitimate callback after forgery should succeed: %v", err)
	}
}

func TestFlowCompleteMissingCodeKeepsNonce(t *testing.T) {
	f := newFlowFixture()
	ctx := context.Background()
	state, _ := f.nonces.Issue(ctx, "browser-a", ProviderGitHub)

	_, err := f.flow.Complete(ctx, "browser-a", ProviderGitHub, callbackQuery("state", state))
	if !errors.Is(err, ErrMissingAuthorizationCode) {
		t.Fatalf("expected ErrMissingAuthorizationCode, got %v", err)
	}
	if f.nonces.Len() != 1 {
		t.Fatalf("a callback without code must not consume the nonce")
	}
}

func TestFlowCompleteProviderDenied(t *testing.T) {
	f := newFlowFixture()
	ctx := context.Background()
	state, _ := f.nonces.Issue(ctx, "browser-a", ProviderGitHub)

	_, err := f.flow.Complete(ctx, "browser-a", ProviderGitHub,
		callbackQuery("error", "access_denied", "error_description", "user declined", "state", state))
	var rej *ProviderRejectedError
	if !errors.As(err, &rej) || rej.Code != "access_denied" || rej.Detail != "user declined" {
		t.Fatalf("expected access_denied rejection, got %v", err)
	}
	if f.nonces.Len() != 0 {
		t.Fatalf("denied attempt should consume its nonce")
	}
}

func TestFlowCompleteDeniedWithForgedState(t *testing.T) {
	f := newFlowFixture()
	ctx := context.Background()
	_, _ = f.nonces.Issue(ctx, "browser-a", ProviderGitHub)

	_, err := f.flow.Complete(ctx, "browser-a", ProviderGitHub, callbackQuery("error", "access_denied", "state", "forged"))
	if !errors.Is(err, ErrInvalidOrExpiredState) {
		t.Fatalf("expected ErrInvalidOrExpiredState, got %v", err)
	}
}

func TestFlowCompleteProviderMismatch(t *testing.T) {
	f := newFlowFixture()
	ctx := context.Background()
	state, _ := f.nonces.Issue(ctx, "browser-a", ProviderGitHub)

	_, err := f.flow.Complete(ctx, "browser-a", ProviderSwitchEdu, callbackQuery("code", "abc", "state", state))
	if !errors.Is(err, ErrInvalidOrExpiredState) {
		t.Fatalf("expected ErrInvalidOrExpiredState, got %v", err)
	}
	if f.exchange.calls != 0 {
		t.Fatalf("mismatched provider must not reach the exchange")
	}
}

func TestFlowCompleteExchangeFailureCommitsNothing(t *testing.T) {
	f := newFlowFixture()
	f.exchange.err = networkError("token exchange", errors.New("connection reset"))
	ctx := context.Background()
	state, _ := f.nonces.Issue(ctx, "browser-a", ProviderGitHub)

	_, err := f.flow.Complete(ctx, "browser-a", ProviderGitHub, callbackQuery("code", "abc", "state", state))
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if len(f.commits.commits) != 0 {
		t.Fatalf("failed exchange must not commit a session")
	}
}

func TestFlowCompleteCommitFailure(t *testing.T) {
	f := newFlowFixture()
	f.commits.err = errors.New("disk full")
	ctx := context.Background()
	state, _ := f.nonces.Issue(ctx, "browser-a", ProviderGitHub)

	_, err := f.flow.Complete(ctx, "browser-a", ProviderGitHub, callbackQuery("code", "abc", "state", state))
	if err == nil {
		t.Fatalf("expected commit failure to surface")
	}
}
