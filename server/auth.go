package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"traced/federation"
	"traced/guard"
	"traced/session"
)

type identityKey struct{}

// IdentityFromContext returns the identity loaded for this request, if any.
func IdentityFromContext(ctx context.Context) (federation.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(federation.Identity)
	return id, ok
}

func withIdentity(ctx context.Context, id federation.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// sessionMiddleware resolves the session cookie to an identity. A cookie that
// names no live session is cleared and the request continues anonymously.
func (a *App) sessionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sid := session.ReadCookie(r, session.CookieName)
		if sid == "" {
			next.ServeHTTP(w, r)
			return
		}
		id, ok := a.Sessions.Current(r.Context(), sid)
		if !ok {
			a.Cookies.ClearSession(w)
			next.ServeHTTP(w, r)
			return
		}
		if st := stateFromContext(r.Context()); st != nil {
			st.identity = &id
			st.provider = id.Provider
		}
		next.ServeHTTP(w, r.WithContext(withIdentity(r.Context(), id)))
	})
}

// guardMiddleware enforces the route table. It must run after routing so the
// chi route pattern is known.
func (a *App) guardMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				pattern = p
			}
		}
		rule := a.Guard.Lookup(r.Method, pattern)
		if rule.Public() {
			next.ServeHTTP(w, r)
			return
		}

		var who *federation.Identity
		if id, ok := IdentityFromContext(r.Context()); ok {
			who = &id
		}

		switch guard.Evaluate(rule, who) {
		case guard.Allow:
			next.ServeHTTP(w, r)
		case guard.DenyLogin:
			if wantsJSON(r) {
				writeError(w, http.StatusUnauthorized, "login_required", "sign in to continue")
				return
			}
			http.Redirect(w, r, "/login?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
		default:
			a.Logger.Info("route denied", "route", pattern, "identity_id", who.ID, "role", who.Role, "required", rule.RequiresRole)
			writeError(w, http.StatusForbidden, "forbidden", "insufficient role")
		}
	})
}

// wantsJSON reports whether the caller is a script rather than a page load.
func wantsJSON(r *http.Request) bool {
	if strings.HasPrefix(r.URL.Path, "/api/") {
		return true
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		return true
	}
	accept := r.Header.Get("Accept")
	return strings.Contains(accept, "application/json") && !strings.Contains(accept, "text/html")
}

// safeNext accepts only same-origin absolute paths.
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.ContainsAny(next, "\\\r\n") {
		return ""
	}
	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return ""
	}
	return next
}
