// Package guard decides whether an identity may reach a route. It holds no
// state of its own and is evaluated afresh on every request.
package guard

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"traced/federation"
)

// Rule is the permission attached to one route.
type Rule struct {
	RequiresSession bool            `yaml:"requires_session" json:"requires_session"`
	RequiresRole    federation.Role `yaml:"requires_role,omitempty" json:"requires_role,omitempty"`
}

// Public reports whether the rule admits anonymous visitors.
func (r Rule) Public() bool {
	return !r.RequiresSession && r.RequiresRole == ""
}

// Decision is the outcome of evaluating a rule.
type Decision int

const (
	Allow Decision = iota
	// DenyLogin means the visitor must sign in first.
	DenyLogin
	// DenyRole means the visitor is signed in but lacks the role.
	DenyRole
)

func (d Decision) String() string {
	switch d {
	case Allow:
		return "allow"
	case DenyLogin:
		return "deny_login"
	case DenyRole:
		return "deny_role"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

var roleRank = map[federation.Role]int{
	federation.RoleUser:  1,
	federation.RoleAdmin: 2,
}

// Evaluate applies rule to identity. A nil identity is an anonymous visitor.
// A required role implies a required session; admin satisfies a user requirement.
func Evaluate(rule Rule, identity *federation.Identity) Decision {
	if rule.Public() {
		return Allow
	}
	if identity == nil {
		return DenyLogin
	}
	if rule.RequiresRole != "" && roleRank[identity.Role] < roleRank[rule.RequiresRole] {
		return DenyRole
	}
	return Allow
}

// IsAllowed is the boolean form of Evaluate.
func IsAllowed(rule Rule, identity *federation.Identity) bool {
	return Evaluate(rule, identity) == Allow
}

// Table maps route identifiers to rules. A key is a chi route pattern,
// optionally prefixed by an HTTP method ("POST /api/traces"). Routes absent
// from the table are public.
type Table struct {
	rules map[string]Rule
}

// DefaultRules is the permission table the catalogue ships with.
func DefaultRules() map[string]Rule {
	return map[string]Rule{
		"/submit":               {RequiresSession: true},
		"/profile":              {RequiresSession: true},
		"/profile/repositories": {RequiresSession: true},
		"/profile/repositories/{owner}/{repo}/contents/*": {RequiresSession: true},
		"/admin":           {RequiresSession: true, RequiresRole: federation.RoleAdmin},
		"POST /api/traces": {RequiresSession: true},
		// Writes below the collection, including a trailing slash on insert.
		"POST /api/traces/*":   {RequiresSession: true},
		"PUT /api/traces/*":    {RequiresSession: true},
		"PATCH /api/traces/*":  {RequiresSession: true},
		"DELETE /api/traces/*": {RequiresSession: true},
	}
}

// DefaultTable builds a table from DefaultRules.
func DefaultTable() *Table {
	t, _ := NewTable(DefaultRules())
	return t
}

// NewTable validates and normalises entries.
func NewTable(entries map[string]Rule) (*Table, error) {
	t := &Table{rules: make(map[string]Rule, len(entries))}
	for key, rule := range entries {
		method, pattern, err := parseKey(key)
		if err != nil {
			return nil, err
		}
		if rule.RequiresRole != "" {
			if _, ok := roleRank[rule.RequiresRole]; !ok {
				return nil, fmt.Errorf("route %q: unknown role %q", key, rule.RequiresRole)
			}
			rule.RequiresSession = true
		}
		t.rules[routeKey(method, pattern)] = rule
	}
	return t, nil
}

// Lookup returns the rule for a request. A method-specific entry wins over a
// method-less one.
func (t *Table) Lookup(method, pattern string) Rule {
	if t == nil {
		return Rule{}
	}
	if rule, ok := t.rules[routeKey(strings.ToUpper(method), pattern)]; ok {
		return rule
	}
	return t.rules[routeKey("", pattern)]
}

// Routes lists the table keys in sorted order.
func (t *Table) Routes() []string {
	if t == nil {
		return nil
	}
	out := make([]string, 0, len(t.rules))
	for k := range t.rules {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func parseKey(key string) (method, pattern string, err error) {
	fields := strings.Fields(key)
	switch len(fields) {
	case 1:
		pattern = fields[0]
	case 2:
		method, pattern = strings.ToUpper(fields[0]), fields[1]
		if !validMethod(method) {
			return "", "", fmt.Errorf("route %q: unknown method %q", key, fields[0])
		}
	default:
		return "", "", fmt.Errorf("route %q: want \"[METHOD] /pattern\"", key)
	}
	if !strings.HasPrefix(pattern, "/") {
		return "", "", fmt.Errorf("route %q: pattern must start with /", key)
	}
	return method, pattern, nil
}

func validMethod(m string) bool {
	switch m {
	case http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
		http.MethodPatch, http.MethodDelete, http.MethodOptions:
		return true
	}
	return false
}

func routeKey(method, pattern string) string {
	if method == "" {
		return pattern
	}
	return method + " " + pattern
}
