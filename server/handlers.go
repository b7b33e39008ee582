package server

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/go-chi/chi/v5"

	"traced/federation"
	"traced/session"
)

// nextCookieName carries the post-login destination across the provider round trip.
const nextCookieName = "dt_next"

// Login failure codes shown on the entry page. They never say which check failed.
const (
	loginErrorRetry  = "retry"
	loginErrorFailed = "failed"
)

type identityView struct {
	Identity  federation.Identity `json:"identity"`
	ExpiresAt time.Time           `json:"expires_at,omitzero"`
}

func (a *App) handleLoginPage(w http.ResponseWriter, r *http.Request) {
	next := safeNext(r.URL.Query().Get("next"))
	view := loginView{Next: next}
	switch r.URL.Query().Get("error") {
	case loginErrorRetry:
		view.Error = "The identity provider could not be reached. Please try again."
	case loginErrorFailed:
		view.Error = "Sign-in did not complete. Please start again."
	}
	if id, ok := IdentityFromContext(r.Context()); ok {
		view.SignedInAs = id.Name
	}
	for _, pid := range a.Providers.IDs() {
		desc, err := a.Providers.Describe(pid)
		if err != nil {
			continue
		}
		view.Providers = append(view.Providers, loginProvider{ID: desc.ID, Name: desc.DisplayName})
	}
	a.renderLogin(w, view)
}

func (a *App) handleLoginStart(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	if st := stateFromContext(r.Context()); st != nil {
		st.provider = providerID
	}

	binding := session.ReadCookie(r, session.BindingCookieName)
	if binding == "" {
		var err error
		binding, err = federation.NewBinding()
		if err != nil {
			a.Logger.Error("login binding", "error", err)
			writeError(w, http.StatusInternalServerError, "server_error", "could not start login")
			return
		}
	}

	target, err := a.Redirects.BuildAuthorizationURL(r.Context(), binding, providerID)
	if err != nil {
		if errors.Is(err, federation.ErrConfiguration) {
			writeError(w, http.StatusNotFound, "unknown_provider", "provider not configured")
			return
		}
		a.Logger.Error("build authorization url", "provider", providerID, "error", err)
		writeError(w, http.StatusInternalServerError, "server_error", "could not start login")
		return
	}

	a.Cookies.SetBinding(w, binding, a.Config.Login.NonceTTL)
	if next := safeNext(r.URL.Query().Get("next")); next != "" {
		http.SetCookie(w, a.nextCookie(next, a.Config.Login.NonceTTL))
	} else {
		http.SetCookie(w, a.nextCookie("", -1))
	}
	a.Metrics.LoginStarted(providerID)
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	providerID := chi.URLParam(r, "provider")
	if st := stateFromContext(r.Context()); st != nil {
		st.provider = providerID
	}

	binding := session.ReadCookie(r, session.BindingCookieName)
	out, err := a.Flow.Complete(r.Context(), binding, providerID, r.URL.Query())
	if err != nil {
		a.Logger.Warn("login failed",
			"provider", providerID,
			"outcome", federation.OutcomeLabel(err),
			"error", err,
			"request_id", RequestIDFromContext(r.Context()),
		)
		code := loginErrorFailed
		if federation.Retryable(err) {
			code = loginErrorRetry
		}
		http.Redirect(w, r, "/login?error="+code, http.StatusSeeOther)
		return
	}

	if prior := session.ReadCookie(r, session.CookieName); prior != "" && prior != out.SessionID {
		if err := a.Sessions.Logout(r.Context(), prior); err != nil {
			a.Logger.Warn("drop prior session", "error", err)
		}
	}

	expires, ok := a.Sessions.Expiry(r.Context(), out.SessionID)
	if !ok {
		expires = time.Now().Add(a.Config.Sessions.TTL)
	}
	a.Cookies.ClearBinding(w)
	a.Cookies.SetSession(w, out.SessionID, expires)
	if st := stateFromContext(r.Context()); st != nil {
		st.identity = &out.Identity
	}

	dest := out.Redirect
	if next := safeNext(session.ReadCookie(r, nextCookieName)); next != "" {
		dest = next
	}
	http.SetCookie(w, a.nextCookie("", -1))
	http.Redirect(w, r, dest, http.StatusSeeOther)
}

func (a *App) handleLogout(w http.ResponseWriter, r *http.Request) {
	if sid := session.ReadCookie(r, session.CookieName); sid != "" {
		if err := a.Sessions.Logout(r.Context(), sid); err != nil {
			a.Logger.Error("logout", "error", err)
		}
	}
	a.Cookies.ClearSession(w)
	if acceptsHTML(r) {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no_session", "not signed in")
		return
	}
	writeJSON(w, a.viewFor(r, id))
}

func (a *App) handleProfile(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	writeJSON(w, a.viewFor(r, id))
}

// handleRepositories lists the signed-in user's repositories with the access
// token retained at login, so records can be linked to them.
func (a *App) handleRepositories(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	token, ok := a.Sessions.AccessToken(r.Context(), session.ReadCookie(r, session.CookieName))
	if !ok {
		writeError(w, http.StatusConflict, "token_not_retained", "this session holds no provider access token")
		return
	}

	repos, err := a.Exchanger.Repositories(r.Context(), id.Provider, token)
	if err != nil {
		a.writeProviderAPIError(w, r, id, "repository listing failed", err)
		return
	}
	writeJSON(w, map[string]any{
		"provider":     id.Provider,
		"repositories": repos,
	})
}

// handleRepositoryContent returns one file of a repository. Text is returned
// as-is; anything that is not UTF-8 is base64 encoded.
func (a *App) handleRepositoryContent(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	token, ok := a.Sessions.AccessToken(r.Context(), session.ReadCookie(r, session.CookieName))
	if !ok {
		writeError(w, http.StatusConflict, "token_not_retained", "this session holds no provider access token")
		return
	}

	file, err := a.Exchanger.RepositoryContent(r.Context(), id.Provider, token,
		chi.URLParam(r, "owner"), chi.URLParam(r, "repo"), chi.URLParam(r, "*"))
	if err != nil {
		a.writeProviderAPIError(w, r, id, "repository content failed", err)
		return
	}
	body := map[string]any{
		"provider":   id.Provider,
		"repository": file.Repository,
		"path":       file.Path,
		"sha":        file.SHA,
		"size":       file.Size,
	}
	if utf8.Valid(file.Content) {
		body["content"] = string(file.Content)
	} else {
		body["content_base64"] = base64.StdEncoding.EncodeToString(file.Content)
	}
	writeJSON(w, body)
}

func (a *App) writeProviderAPIError(w http.ResponseWriter, r *http.Request, id federation.Identity, msg string, err error) {
	a.Logger.Warn(msg,
		"request_id", RequestIDFromContext(r.Context()),
		"provider", id.Provider,
		"identity_id", id.ID,
		"error", err)
	var rerr *federation.ProviderRejectedError
	switch {
	case errors.Is(err, federation.ErrInvalidContentPath):
		writeError(w, http.StatusBadRequest, "invalid_path", "repository or file path is malformed")
	case errors.Is(err, federation.ErrConfiguration):
		writeError(w, http.StatusConflict, "token_not_retained", "this session holds no provider access token")
	case errors.As(err, &rerr) && rerr.Status == http.StatusNotFound:
		writeError(w, http.StatusNotFound, "not_found", "the provider has no such repository or file")
	case errors.Is(err, federation.ErrProviderRejected):
		writeError(w, http.StatusBadGateway, "provider_rejected", "the provider refused the stored credential")
	case errors.Is(err, federation.ErrInvalidProfile):
		writeError(w, http.StatusUnprocessableEntity, "unsupported_content", "the provider returned something other than a file")
	default:
		writeError(w, http.StatusBadGateway, "provider_unavailable", "the provider could not be reached")
	}
}

func (a *App) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	writeJSON(w, map[string]any{
		"identity":        id,
		"submit_endpoint": "/api/traces",
		"catalog_enabled": a.Proxy != nil,
	})
}

func (a *App) handleAdmin(w http.ResponseWriter, r *http.Request) {
	id, _ := IdentityFromContext(r.Context())
	writeJSON(w, map[string]any{
		"identity":       id,
		"providers":      a.Providers.IDs(),
		"guarded_routes": a.Guard.Routes(),
		"nonce_backend":  a.Config.Login.NonceBackend,
		"session_store":  a.Config.Sessions.Backend,
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func (a *App) viewFor(r *http.Request, id federation.Identity) identityView {
	view := identityView{Identity: id}
	if exp, ok := a.Sessions.Expiry(r.Context(), session.ReadCookie(r, session.CookieName)); ok {
		view.ExpiresAt = exp
	}
	return view
}

func (a *App) nextCookie(value string, ttl time.Duration) *http.Cookie {
	c := &http.Cookie{
		Name:     nextCookieName,
		Value:    value,
		Path:     "/",
		Domain:   a.Cookies.Domain,
		HttpOnly: true,
		Secure:   a.Cookies.Secure,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl < 0 {
		c.MaxAge = -1
	} else {
		c.MaxAge = int(ttl.Seconds())
	}
	return c
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, desc string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "error_description": desc})
}
