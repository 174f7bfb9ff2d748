package auth

import (
	"slices"
	"time"
)

// ClientKind distinguishes resource servers from requesting clients.
type ClientKind string

const (
	KindResourceServer ClientKind = "resource_server"
	KindClient         ClientKind = "client"
)

// ScopeProtection is the scope carried by protection API tokens.
const ScopeProtection = "uma_protection"

// Client is a registered OAuth client.
type Client struct {
	ID                 string
	Name               string
	SecretHash         string
	Kind               ClientKind
	ClaimsRedirectURIs []string
	Disabled           bool
	CreatedAt          time.Time
}

// Principal is the authenticated caller of the protection API.
type Principal struct {
	ClientID string
	Kind     ClientKind
	Scopes   []string
}

func (p Principal) HasScope(scope string) bool {
	return slices.Contains(p.Scopes, scope)
}
