// Package auth resolves bearer tokens to caller identities. The static
// authenticator covers single-node deployments; anything fancier plugs in
// behind the Authenticator interface.
package auth

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidToken is returned when a token is unknown, empty, or malformed.
var ErrInvalidToken = errors.New("invalid or unknown token")

// Identity is the authenticated caller attached to a request.
type Identity struct {
	UserID string
	Tier   string
}

// Authenticator validates a bearer token and returns the caller it belongs to.
type Authenticator interface {
	Authenticate(token string) (Identity, error)
}

// StaticAuthenticator validates tokens against a fixed in-memory map.
type StaticAuthenticator struct {
	tokens map[string]Identity
}

var _ Authenticator = (*StaticAuthenticator)(nil)

// NewStaticAuthenticator builds an authenticator over a token-to-identity map.
// The map is not copied; callers must not mutate it afterwards.
func NewStaticAuthenticator(tokens map[string]Identity) *StaticAuthenticator {
	if tokens == nil {
		tokens = make(map[string]Identity)
	}
	return &StaticAuthenticator{tokens: tokens}
}

// Authenticate looks the token up in the static map.
func (a *StaticAuthenticator) Authenticate(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrInvalidToken
	}
	id, ok := a.tokens[token]
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	return id, nil
}

// ParseTokenSpec parses a comma-separated "token=user:tier" list, the format
// used by the FOREMAN_API_TOKENS environment variable. The tier part is
// optional and defaults to "free".
func ParseTokenSpec(spec string) (map[string]Identity, error) {
	tokens := make(map[string]Identity)
	if strings.TrimSpace(spec) == "" {
		return tokens, nil
	}

	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		token, target, ok := strings.Cut(entry, "=")
		if !ok || token == "" || target == "" {
			return nil, fmt.Errorf("malformed token entry %q", entry)
		}

		user, tier, ok := strings.Cut(target, ":")
		if user == "" {
			return nil, fmt.Errorf("malformed token entry %q", entry)
		}
		if !ok || tier == "" {
			tier = "free"
		}

		if _, dup := tokens[token]; dup {
			return nil, fmt.Errorf("duplicate token %q", token)
		}
		tokens[token] = Identity{UserID: user, Tier: tier}
	}
	return tokens, nil
}
