package federation

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Role is the capability tier of an authenticated identity.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// Identity is the authenticated user as the catalogue sees it.
type Identity struct {
	ID              string    `json:"id"`
	ProviderSubject string    `json:"provider_subject"`
	Name            string    `json:"name"`
	Email           string    `json:"email,omitempty"`
	AvatarURL       string    `json:"avatar_url,omitempty"`
	Role            Role      `json:"role"`
	Provider        string    `json:"provider"`
	CreatedAt       time.Time `json:"created_at"`
}

// IsAdmin reports whether the identity carries the admin role.
func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Profile is the provider-neutral shape a descriptor's decoder produces.
type Profile struct {
	Subject   string
	Login     string
	Name      string
	Email     string
	AvatarURL string
}

// identityNamespace scopes identity UUIDs to this catalogue.
var identityNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://traces.example.org/identity"))

// IdentityID derives the stable identifier for a provider subject.
func IdentityID(provider, subject string) string {
	return uuid.NewSHA1(identityNamespace, []byte(SubjectKey(provider, subject))).String()
}

// SubjectKey is the provider:subject pair used to configure admins.
func SubjectKey(provider, subject string) string {
	return provider + ":" + strings.TrimSpace(subject)
}

// RoleMapper assigns roles on the backend. Clients never influence the result.
type RoleMapper interface {
	RoleFor(provider, subject string) Role
}

// StaticRoles grants admin to a fixed set of provider:subject keys.
type StaticRoles struct {
	admins map[string]struct{}
}

// NewStaticRoles builds a mapper from provider:subject keys.
func NewStaticRoles(adminKeys []string) *StaticRoles {
	m := make(map[string]struct{}, len(adminKeys))
	for _, k := range adminKeys {
		if k = strings.TrimSpace(k); k != "" {
			m[k] = struct{}{}
		}
	}
	return &StaticRoles{admins: m}
}

func (s *StaticRoles) RoleFor(provider, subject string) Role {
	if s == nil {
		return RoleUser
	}
	if _, ok := s.admins[SubjectKey(provider, subject)]; ok {
		return RoleAdmin
	}
	return RoleUser
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
