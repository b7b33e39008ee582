package federation

import (
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"golang.org/x/oauth2"
)

// Provider ids known to the catalogue.
const (
	ProviderGitHub    = "github"
	ProviderSwitchEdu = "switchedu"
)

// ProfileDecoder turns a provider's user-info payload into a Profile. Field
// names of the payload stay private to the decoder.
type ProfileDecoder func(body []byte) (Profile, error)

// Descriptor is the immutable configuration of one identity provider.
type Descriptor struct {
	ID           string
	DisplayName  string
	AuthorizeURL string
	TokenURL     string
	UserInfoURL  string
	APIURL       string
	RedirectURI  string
	Scopes       []string
	ClientID     string

	// Server-only fields. Never serialised towards the browser.
	ClientSecret      string
	Issuer            string
	JWKSURL           string
	RetainAccessToken bool
	Profile           ProfileDecoder
}

// Scope renders the space separated scope parameter.
func (d Descriptor) Scope() string {
	return strings.Join(d.Scopes, " ")
}

func (d Descriptor) oauthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     d.ClientID,
		ClientSecret: d.ClientSecret,
		RedirectURL:  d.RedirectURI,
		Scopes:       slices.Clone(d.Scopes),
		Endpoint: oauth2.Endpoint{
			AuthURL:   d.AuthorizeURL,
			TokenURL:  d.TokenURL,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

func (d Descriptor) validate() error {
	var missing []string
	if d.ID == "" {
		missing = append(missing, "id")
	}
	if d.AuthorizeURL == "" {
		missing = append(missing, "authorize_url")
	}
	if d.TokenURL == "" {
		missing = append(missing, "token_url")
	}
	if d.UserInfoURL == "" {
		missing = append(missing, "userinfo_url")
	}
	if d.RedirectURI == "" {
		missing = append(missing, "redirect_uri")
	}
	if d.ClientID == "" {
		missing = append(missing, "client_id")
	}
	if d.Profile == nil {
		missing = append(missing, "profile decoder")
	}
	if len(missing) > 0 {
		return fmt.Errorf("provider %q missing %s", d.ID, strings.Join(missing, ", "))
	}
	if (d.Issuer == "") != (d.JWKSURL == "") {
		return fmt.Errorf("provider %q: issuer and jwks_url must be set together", d.ID)
	}
	return nil
}

// GitHubTemplate returns github.com endpoints without credentials.
func GitHubTemplate() Descriptor {
	return Descriptor{
		ID:           ProviderGitHub,
		DisplayName:  "GitHub",
		AuthorizeURL: "https://github.com/login/oauth/authorize",
		TokenURL:     "https://github.com/login/oauth/access_token",
		UserInfoURL:  "https://api.github.com/user",
		APIURL:       "https://api.github.com",
		Scopes:       []string{"read:user", "user:email"},
		Profile:      decodeGitHubProfile,
	}
}

// SwitchEduTemplate returns SWITCH edu-ID OIDC endpoints without credentials.
func SwitchEduTemplate() Descriptor {
	return Descriptor{
		ID:           ProviderSwitchEdu,
		DisplayName:  "SWITCH edu-ID",
		AuthorizeURL: "https://login.eduid.ch/idp/profile/oidc/authorize",
		TokenURL:     "https://login.eduid.ch/idp/profile/oidc/token",
		UserInfoURL:  "https://login.eduid.ch/idp/profile/oidc/userinfo",
		Issuer:       "https://login.eduid.ch/",
		JWKSURL:      "https://login.eduid.ch/idp/profile/oidc/keyset",
		Scopes:       []string{"openid", "profile", "email"},
		Profile:      decodeOIDCProfile,
	}
}

// Registry is the static provider lookup. Safe for concurrent use since it is
// never mutated after construction.
type Registry struct {
	providers map[string]Descriptor
}

// NewRegistry validates and indexes descriptors by id.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{providers: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if err := d.validate(); err != nil {
			return nil, err
		}
		if _, dup := r.providers[d.ID]; dup {
			return nil, fmt.Errorf("provider %q registered twice", d.ID)
		}
		d.Scopes = slices.Clone(d.Scopes)
		r.providers[d.ID] = d
	}
	return r, nil
}

// Describe returns the descriptor for id or ErrConfiguration.
func (r *Registry) Describe(id string) (Descriptor, error) {
	if r == nil {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrConfiguration, id)
	}
	d, ok := r.providers[id]
	if !ok {
		return Descriptor{}, fmt.Errorf("%w: %q", ErrConfiguration, id)
	}
	d.Scopes = slices.Clone(d.Scopes)
	return d, nil
}

// IDs lists registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	if r == nil {
		return nil
	}
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ErrNoProviders is returned when configuration enables no provider at all.
var ErrNoProviders = errors.New("no identity provider configured")
