package session

import (
	"net/http"
	"time"
)

// Well-known cookie names. CookieName addresses the session; BindingCookieName
// ties an in-flight login to one browser.
const (
	CookieName        = "dt_session"
	BindingCookieName = "dt_login"
)

// CookieOptions defines how cookies are issued.
type CookieOptions struct {
	Secure bool
	Domain string
}

// Both cookies must survive the top-level cross-site redirect back from the
// provider, which rules out SameSite=Strict.
func (o CookieOptions) cookie(name, value string) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   o.Domain,
		HttpOnly: true,
		Secure:   o.Secure,
		SameSite: http.SameSiteLaxMode,
	}
}

// SetSession issues the session cookie.
func (o CookieOptions) SetSession(w http.ResponseWriter, id string, expiresAt time.Time) {
	c := o.cookie(CookieName, id)
	c.Expires = expiresAt
	c.MaxAge = int(time.Until(expiresAt).Seconds())
	http.SetCookie(w, c)
}

// ClearSession removes the session cookie from the browser.
func (o CookieOptions) ClearSession(w http.ResponseWriter) {
	c := o.cookie(CookieName, "")
	c.MaxAge = -1
	http.SetCookie(w, c)
}

// SetBinding issues the login-binding cookie for ttl.
func (o CookieOptions) SetBinding(w http.ResponseWriter, binding string, ttl time.Duration) {
	c := o.cookie(BindingCookieName, binding)
	c.MaxAge = int(ttl.Seconds())
	http.SetCookie(w, c)
}

// ClearBinding drops the login-binding cookie once the round trip is over.
func (o CookieOptions) ClearBinding(w http.ResponseWriter) {
	c := o.cookie(BindingCookieName, "")
	c.MaxAge = -1
	http.SetCookie(w, c)
}

// ReadCookie returns the named cookie value or "".
func ReadCookie(r *http.Request, name string) string {
	c, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return c.Value
}
