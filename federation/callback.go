package federation

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"time"
)

// DefaultLandingPath is where a freshly authenticated browser is sent.
const DefaultLandingPath = "/profile"

// CodeExchanger is the part of Exchanger the callback needs.
type CodeExchanger interface {
	Exchange(ctx context.Context, code, providerID string) (Result, error)
}

// SessionCommitter persists a successful login and returns the session id.
type SessionCommitter interface {
	Commit(ctx context.Context, res Result) (string, error)
}

// Observer receives login outcomes for metrics.
type Observer interface {
	ObserveLogin(provider, outcome string, took time.Duration)
}

// Outcome is the result of a completed callback.
type Outcome struct {
	Identity  Identity
	SessionID string
	Redirect  string
}

// Flow owns the callback step of the login round trip.
type Flow struct {
	nonces   NonceStore
	exchange CodeExchanger
	sessions SessionCommitter
	observer Observer
	logger   *slog.Logger
	landing  string
}

// NewFlow wires the callback collaborators. observer and logger may be nil.
func NewFlow(nonces NonceStore, exchange CodeExchanger, sessions SessionCommitter, observer Observer, logger *slog.Logger) *Flow {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Flow{
		nonces:   nonces,
		exchange: exchange,
		sessions: sessions,
		observer: observer,
		logger:   logger,
		landing:  DefaultLandingPath,
	}
}

// Complete validates the callback query for binding and, only after the
// state has been consumed, exchanges the code and commits the session.
func (f *Flow) Complete(ctx context.Context, binding, providerID string, query url.Values) (out Outcome, err error) {
	start := time.Now()
	defer func() {
		if f.observer != nil {
			f.observer.ObserveLogin(providerID, OutcomeLabel(err), time.Since(start))
		}
	}()

	state := query.Get("state")

	if denial := query.Get("error"); denial != "" {
		if _, ok := f.consume(ctx, binding, providerID, state); !ok {
			return Outcome{}, ErrInvalidOrExpiredState
		}
		return Outcome{}, &ProviderRejectedError{
			Provider: providerID,
			Code:     denial,
			Detail:   query.Get("error_description"),
		}
	}

	code := query.Get("code")
	if code == "" {
		return Outcome{}, ErrMissingAuthorizationCode
	}

	if _, ok := f.consume(ctx, binding, providerID, state); !ok {
		return Outcome{}, ErrInvalidOrExpiredState
	}

	res, err := f.exchange.Exchange(ctx, code, providerID)
	if err != nil {
		return Outcome{}, err
	}

	sessionID, err := f.sessions.Commit(ctx, res)
	if err != nil {
		return Outcome{}, fmt.Errorf("commit session: %w", err)
	}

	f.logger.Info("login completed",
		"provider", providerID,
		"identity_id", res.Identity.ID,
		"role", res.Identity.Role,
	)

	return Outcome{
		Identity:  res.Identity,
		SessionID: sessionID,
		Redirect:  f.landing,
	}, nil
}

func (f *Flow) consume(ctx context.Context, binding, providerID, state string) (Ticket, bool) {
	ticket, ok := f.nonces.Consume(ctx, binding, state)
	if !ok {
		return Ticket{}, false
	}
	if ticket.Provider != providerID {
		f.logger.Warn("state provider mismatch", "expected", ticket.Provider, "got", providerID)
		return Ticket{}, false
	}
	return ticket, true
}
