package gateway

import (
	"crypto/subtle"
	"slices"

	"propwatch/internal/domain"
	"propwatch/internal/infra/config"
)

// ClientInfo describes an authenticated gateway client.
type ClientInfo struct {
	Name  string   `json:"name"`
	Roles []string `json:"roles"`
}

// HasRole reports whether the client holds role, or is an admin.
func (c *ClientInfo) HasRole(role string) bool {
	return slices.Contains(c.Roles, role) || slices.Contains(c.Roles, domain.RoleAdmin)
}

// Authenticator validates a bearer token.
type Authenticator interface {
	Authenticate(token string) (*ClientInfo, error)
}

type authEntry struct {
	token []byte
	info  ClientInfo
}

// StaticTokenAuth checks tokens against a fixed list in constant time.
type StaticTokenAuth struct {
	entries []authEntry
}

// NewStaticTokenAuth builds an authenticator from configured tokens.
func NewStaticTokenAuth(tokens []config.TokenConfig) *StaticTokenAuth {
	a := &StaticTokenAuth{entries: make([]authEntry, 0, len(tokens))}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		a.entries = append(a.entries, authEntry{
			token: []byte(t.Token),
			info:  ClientInfo{Name: t.Name, Roles: slices.Clone(t.Roles)},
		})
	}
	return a
}

// Authenticate returns a copy of the client bound to token.
func (s *StaticTokenAuth) Authenticate(token string) (*ClientInfo, error) {
	if token == "" {
		return nil, domain.ErrGatewayAuthFailed
	}
	b := []byte(token)
	for _, e := range s.entries {
		if subtle.ConstantTimeCompare(b, e.token) == 1 {
			info := e.info
			info.Roles = slices.Clone(e.info.Roles)
			return &info, nil
		}
	}
	return nil, domain.ErrGatewayAuthFailed
}
