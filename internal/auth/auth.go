// Package auth resolves bearer tokens presented to the bridge API into
// scoped principals.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// Scopes understood by the bridge API.
const (
	ScopeScanRead    = "scan:ro"
	ScopeScanWrite   = "scan:rw"
	ScopeEventsRead  = "events:ro"
	ScopeEventsWrite = "events:rw"
	ScopeAll         = "*"
)

// implied maps a scope to the weaker scope it grants as well.
var implied = map[string]string{
	ScopeScanWrite:   ScopeScanRead,
	ScopeEventsWrite: ScopeEventsRead,
}

var (
	ErrMissingToken  = errors.New("missing API key")
	ErrMalformedAuth = errors.New("invalid Authorization header format")
)

// TokenConfig is a bearer token with a set of scopes.
type TokenConfig struct {
	Token  string
	Scopes []string
}

// Principal is the caller behind an accepted token.
type Principal struct {
	Admin  bool
	Scopes map[string]struct{}
}

// Allows reports whether p holds at least one of required. An empty
// requirement is always satisfied.
func (p Principal) Allows(required ...string) bool {
	if len(required) == 0 || p.Admin {
		return true
	}
	if _, ok := p.Scopes[ScopeAll]; ok {
		return true
	}
	for _, s := range required {
		if _, ok := p.Scopes[s]; ok {
			return true
		}
	}
	return false
}

type keyEntry struct {
	secret    []byte
	principal Principal
}

// Keyring holds the accepted tokens with their scopes already expanded.
type Keyring struct {
	entries []keyEntry
}

// NewKeyring builds a keyring from the admin key and scoped tokens. Empty
// tokens are skipped so they can never match.
func NewKeyring(adminKey string, tokens []TokenConfig) *Keyring {
	k := &Keyring{}
	if adminKey != "" {
		k.entries = append(k.entries, keyEntry{
			secret:    []byte(adminKey),
			principal: Principal{Admin: true, Scopes: map[string]struct{}{ScopeAll: {}}},
		})
	}
	for _, t := range tokens {
		if t.Token == "" {
			continue
		}
		k.entries = append(k.entries, keyEntry{
			secret:    []byte(t.Token),
			principal: Principal{Scopes: expandScopes(t.Scopes)},
		})
	}
	return k
}

// Authenticate returns the principal for presented. Every entry is compared
// so timing does not reveal which token matched.
func (k *Keyring) Authenticate(presented string) (Principal, bool) {
	if presented == "" {
		return Principal{}, false
	}
	var (
		found Principal
		ok    bool
	)
	in := []byte(presented)
	for _, e := range k.entries {
		if subtle.ConstantTimeCompare(in, e.secret) == 1 && !ok {
			found, ok = e.principal, true
		}
	}
	return found, ok
}

func expandScopes(scopes []string) map[string]struct{} {
	out := make(map[string]struct{}, len(scopes))
	for _, s := range scopes {
		if s = strings.TrimSpace(s); s != "" {
			out[s] = struct{}{}
		}
	}
	for s := range out {
		if weaker, ok := implied[s]; ok {
			out[weaker] = struct{}{}
		}
	}
	return out
}

// TokenFromRequest reads the bearer token, falling back to the access_token
// query parameter for clients that cannot set headers (EventSource, browser
// websockets). A malformed header is an error even when the query has one.
func TokenFromRequest(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		if q := strings.TrimSpace(r.URL.Query().Get("access_token")); q != "" {
			return q, nil
		}
		return "", errors.New("missing Authorization header")
	}

	scheme, token, found := strings.Cut(header, " ")
	if !found || scheme != "Bearer" {
		return "", ErrMalformedAuth
	}
	if token = strings.TrimSpace(token); token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
