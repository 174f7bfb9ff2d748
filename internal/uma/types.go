package uma

import (
	"slices"
	"time"
)

// Resource is a protected resource registered by a resource server.
type Resource struct {
	ID       string
	Owner    string
	ClientID string
	Scopes   []string
	Type     string
}

// HasScope reports whether scope is registered on the resource.
func (r Resource) HasScope(scope string) bool {
	return slices.Contains(r.Scopes, scope)
}

// Scope is immutable reference data.
type Scope struct {
	Name        string
	Description string
}

// PermissionRequest asks for scopes on one resource.
type PermissionRequest struct {
	ResourceID string   `json:"resource_id"`
	Scopes     []string `json:"resource_scopes"`
}

// TicketState is the lifecycle state of a permission ticket.
type TicketState string

const (
	TicketPending  TicketState = "pending"
	TicketRedeemed TicketState = "redeemed"
	TicketExpired  TicketState = "expired"
)

// PermissionTicket bundles permission requests behind an opaque identifier.
// Permissions never change after creation; only State moves.
type PermissionTicket struct {
	ID             string
	Permissions    []PermissionRequest
	ResourceServer string
	ClientID       string
	State          TicketState
	CreatedAt      time.Time
	ExpiresAt      time.Time
}

// Expired reports whether the ticket outlived its TTL at now.
func (t *PermissionTicket) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// SessionState is the claims-gathering lifecycle state.
type SessionState string

const (
	SessionNotStarted     SessionState = "not_started"
	SessionAwaitingClaims SessionState = "awaiting_claims"
	SessionCompleted      SessionState = "completed"
	SessionAbandoned      SessionState = "abandoned"
)

// ClaimsSession tracks interactive claims collection for exactly one ticket.
type ClaimsSession struct {
	ID                string
	TicketID          string
	ClientID          string
	PolicyStack       []string
	CurrentStep       int
	RequiredClaims    []string
	Claims            map[string]any
	State             SessionState
	ClaimsRedirectURI string
	OAuthState        string
	CreatedAt         time.Time
	ExpiresAt         time.Time
}

// Expired reports whether the session outlived its TTL at now.
func (s *ClaimsSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// CurrentPolicy returns the policy driving the current step, the top of the stack.
func (s *ClaimsSession) CurrentPolicy() string {
	if len(s.PolicyStack) == 0 {
		return ""
	}
	return s.PolicyStack[len(s.PolicyStack)-1]
}

// Clone returns a deep copy safe to hand across goroutines.
func (s *ClaimsSession) Clone() *ClaimsSession {
	out := *s
	out.PolicyStack = slices.Clone(s.PolicyStack)
	out.RequiredClaims = slices.Clone(s.RequiredClaims)
	out.Claims = make(map[string]any, len(s.Claims))
	for k, v := range s.Claims {
		out.Claims[k] = v
	}
	return &out
}

// Permission is a granted permission bound into an RPT.
type Permission struct {
	ResourceID string    `json:"resource_id"`
	Scopes     []string  `json:"resource_scopes"`
	ExpiresAt  time.Time `json:"-"`
}

// TokenFormat selects how an RPT value is represented.
type TokenFormat string

const (
	FormatReference TokenFormat = "reference"
	FormatJWT       TokenFormat = "jwt"
)

// RPTRecord is the issuance record kept for every RPT regardless of format.
type RPTRecord struct {
	ID           string
	Fingerprint  string
	Format       TokenFormat
	Subject      string
	ClientID     string
	Permissions  []Permission
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Revoked      bool
	SupersededBy string
	LastUsedAt   time.Time
}

// Active reports whether the record may still authorize requests at now.
func (r *RPTRecord) Active(now time.Time) bool {
	return !r.Revoked && r.SupersededBy == "" && now.Before(r.ExpiresAt)
}

// PCTRecord persists gathered claims so a client can skip re-submitting them.
type PCTRecord struct {
	Fingerprint string
	ClientID    string
	Claims      map[string]any
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Revoked     bool
}

// Valid reports whether the PCT can be used at now.
func (p *PCTRecord) Valid(now time.Time) bool {
	return !p.Revoked && now.Before(p.ExpiresAt)
}

// MergePermissions unions permission sets by resource, keeping scope order stable.
func MergePermissions(sets ...[]Permission) []Permission {
	var (
		out   []Permission
		index = map[string]int{}
	)
	for _, set := range sets {
		for _, p := range set {
			i, ok := index[p.ResourceID]
			if !ok {
				index[p.ResourceID] = len(out)
				out = append(out, Permission{ResourceID: p.ResourceID, ExpiresAt: p.ExpiresAt})
				i = len(out) - 1
			}
			for _, s := range p.Scopes {
				if !slices.Contains(out[i].Scopes, s) {
					out[i].Scopes = append(out[i].Scopes, s)
				}
			}
			if p.ExpiresAt.After(out[i].ExpiresAt) {
				out[i].ExpiresAt = p.ExpiresAt
			}
		}
	}
	return out
}
