package federation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/oauth2"
)

// DefaultExchangeTimeout bounds the token request plus profile fetch.
const DefaultExchangeTimeout = 30 * time.Second

const maxProfileBytes = 1 << 20

// Result is what a successful exchange hands to the session layer.
// AccessToken is empty unless the provider descriptor retains it.
type Result struct {
	Identity    Identity
	AccessToken string
}

// ExchangerConfig carries optional collaborators.
type ExchangerConfig struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Roles      RoleMapper
	Logger     *slog.Logger
}

// Exchanger trades authorization codes for identities. It is the only holder
// of provider client secrets.
type Exchanger struct {
	providers *Registry
	client    *http.Client
	timeout   time.Duration
	roles     RoleMapper
	logger    *slog.Logger
	tracer    trace.Tracer
	verifiers map[string]*oidc.IDTokenVerifier
	now       func() time.Time
}

// NewExchanger prepares ID-token verifiers for descriptors that declare an
// issuer. Keys are fetched lazily on first verification.
func NewExchanger(providers *Registry, cfg ExchangerConfig) *Exchanger {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultExchangeTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	roles := cfg.Roles
	if roles == nil {
		roles = NewStaticRoles(nil)
	}

	e := &Exchanger{
		providers: providers,
		client:    client,
		timeout:   timeout,
		roles:     roles,
		logger:    logger,
		tracer:    otel.Tracer("traced/federation"),
		verifiers: make(map[string]*oidc.IDTokenVerifier),
		now:       time.Now,
	}

	keyCtx := oidc.ClientContext(context.Background(), client)
	for _, id := range providers.IDs() {
		desc, _ := providers.Describe(id)
		if desc.Issuer == "" {
			continue
		}
		keys := oidc.NewRemoteKeySet(keyCtx, desc.JWKSURL)
		e.verifiers[id] = oidc.NewVerifier(desc.Issuer, keys, &oidc.Config{
			ClientID: desc.ClientID,
			Now:      func() time.Time { return e.now() },
		})
	}
	return e
}

// Exchange resolves the provider, redeems code and maps the profile.
func (e *Exchanger) Exchange(ctx context.Context, code, providerID string) (Result, error) {
	desc, err := e.providers.Describe(providerID)
	if err != nil {
		return Result{}, err
	}
	if code == "" {
		return Result{}, ErrMissingAuthorizationCode
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx, span := e.tracer.Start(ctx, "federation.exchange",
		trace.WithAttributes(attribute.String("provider", desc.ID)))
	defer span.End()

	res, err := e.exchange(ctx, desc, code)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "exchange failed")
		return Result{}, err
	}
	return res, nil
}

func (e *Exchanger) exchange(ctx context.Context, desc Descriptor, code string) (Result, error) {
	tok, err := desc.oauthConfig().Exchange(context.WithValue(ctx, oauth2.HTTPClient, e.client), code)
	if err != nil {
		return Result{}, classifyTokenError(ctx, desc.ID, err)
	}

	profile, err := e.fetchProfile(ctx, desc, tok.AccessToken)
	if err != nil {
		return Result{}, err
	}

	if verifier, ok := e.verifiers[desc.ID]; ok {
		if err := e.verifyIDToken(ctx, verifier, tok, profile.Subject); err != nil {
			return Result{}, err
		}
	}

	identity := Identity{
		ID:              IdentityID(desc.ID, profile.Subject),
		ProviderSubject: profile.Subject,
		Name:            profile.Name,
		Email:           profile.Email,
		AvatarURL:       profile.AvatarURL,
		Role:            e.roles.RoleFor(desc.ID, profile.Subject),
		Provider:        desc.ID,
		CreatedAt:       e.now().UTC(),
	}

	e.logger.Debug("provider profile mapped",
		"provider", desc.ID,
		"identity_id", identity.ID,
		"role", identity.Role,
		"email_present", identity.Email != "",
	)

	res := Result{Identity: identity}
	if desc.RetainAccessToken {
		res.AccessToken = tok.AccessToken
	}
	return res, nil
}

func (e *Exchanger) fetchProfile(ctx context.Context, desc Descriptor, accessToken string) (Profile, error) {
	ctx, span := e.tracer.Start(ctx, "federation.profile")
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, desc.UserInfoURL, nil)
	if err != nil {
		return Profile{}, fmt.Errorf("%w: build profile request: %v", ErrConfiguration, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return Profile{}, networkError("fetch profile", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBytes))
	if err != nil {
		return Profile{}, networkError("read profile", err)
	}
	span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		code, detail := providerDetail(body)
		return Profile{}, &ProviderRejectedError{
			Provider: desc.ID,
			Status:   resp.StatusCode,
			Code:     code,
			Detail:   detail,
		}
	}
	return desc.Profile(body)
}

func (e *Exchanger) verifyIDToken(ctx context.Context, verifier *oidc.IDTokenVerifier, tok *oauth2.Token, subject string) error {
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return invalidProfile("id_token missing in token response")
	}
	idToken, err := verifier.Verify(ctx, raw)
	if err != nil {
		if ctx.Err() != nil {
			return networkError("verify id_token", err)
		}
		return invalidProfile("verify id_token: %v", err)
	}
	if idToken.Subject != subject {
		return invalidProfile("id_token subject does not match userinfo")
	}
	return nil
}

func classifyTokenError(ctx context.Context, provider string, err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		out := &ProviderRejectedError{
			Provider: provider,
			Code:     rerr.ErrorCode,
			Detail:   rerr.ErrorDescription,
		}
		if rerr.Response != nil {
			out.Status = rerr.Response.StatusCode
		}
		if out.Code == "" && out.Detail == "" {
			out.Code, out.Detail = providerDetail(rerr.Body)
		}
		return out
	}
	if ctx.Err() != nil || isTransportError(err) {
		return networkError("token exchange", err)
	}
	return &ProviderRejectedError{Provider: provider, Detail: err.Error()}
}

func isTransportError(err error) bool {
	var uerr *url.Error
	if errors.As(err, &uerr) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr)
}

// providerDetail extracts a short error description from a provider body.
func providerDetail(body []byte) (code, detail string) {
	var payload struct {
		Error            string `json:"error"`
		ErrorDescription string `json:"error_description"`
		Message          string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		if payload.Error != "" || payload.ErrorDescription != "" || payload.Message != "" {
			return payload.Error, firstNonEmpty(payload.ErrorDescription, payload.Message)
		}
	}
	text := strings.TrimSpace(string(body))
	if len(text) > 200 {
		text = text[:200]
	}
	return "", text
}
