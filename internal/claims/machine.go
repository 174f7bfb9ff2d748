package claims

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"

	"umagate.org/internal/obs"
	"umagate.org/internal/policy"
	"umagate.org/internal/uma"
)

const DefaultSessionTTL = 10 * time.Minute

// CheckFunc re-evaluates every permission of ticketID with the given claims.
type CheckFunc func(ctx context.Context, ticketID, clientID string, claims map[string]any) (policy.Decision, error)

// Machine drives claims gathering for tickets whose policies returned NeedInfo.
type Machine struct {
	sessions uma.ClaimsSessionRepository
	policies policy.Repository
	endpoint string
	ttl      time.Duration
	now      func() time.Time
}

// MachineOption customises a Machine.
type MachineOption func(*Machine)

func WithSessionTTL(ttl time.Duration) MachineOption {
	return func(m *Machine) {
		if ttl > 0 {
			m.ttl = ttl
		}
	}
}

func WithClock(now func() time.Time) MachineOption {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMachine builds a machine. endpoint is the absolute URL of the
// claims-gathering page users are redirected to.
func NewMachine(sessions uma.ClaimsSessionRepository, policies policy.Repository, endpoint string, opts ...MachineOption) *Machine {
	m := &Machine{
		sessions: sessions,
		policies: policies,
		endpoint: endpoint,
		ttl:      DefaultSessionTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Prompt tells the caller what to collect next.
type Prompt struct {
	Session        *uma.ClaimsSession
	Page           string
	Step           int
	StepsCount     int
	RequiredClaims []policy.ClaimDefinition
	RedirectUser   string
}

// Progress is the result of a claims submission.
type Progress struct {
	Prompt
	Completed bool
}

// RedirectFor returns the user redirect URI for a session.
func (m *Machine) RedirectFor(sessionID string) string {
	if m.endpoint == "" {
		return ""
	}
	u, err := url.Parse(m.endpoint)
	if err != nil {
		return m.endpoint
	}
	q := u.Query()
	q.Set("session", sessionID)
	u.RawQuery = q.Encode()
	return u.String()
}

// Request carries the inputs of Begin.
type Request struct {
	TicketID          string
	ClientID          string
	Decision          policy.Decision
	Claims            map[string]any
	ClaimsRedirectURI string
	State             string
}

// Begin moves a ticket from NOT_STARTED to AWAITING_CLAIMS, or refreshes the
// step of the session already attached to the ticket. A ticket with a live
// session belongs to the client that started it.
func (m *Machine) Begin(ctx context.Context, req Request) (*Prompt, error) {
	p, err := m.begin(ctx, req)
	if errors.Is(err, uma.ErrConflict) {
		// lost a race with a duplicate exchange; join its session
		p, err = m.begin(ctx, req)
	}
	if errors.Is(err, uma.ErrConflict) {
		return nil, uma.Storage("store claims session", err)
	}
	return p, err
}

func (m *Machine) begin(ctx context.Context, req Request) (*Prompt, error) {
	existing, err := m.sessions.GetByTicket(ctx, req.TicketID)
	switch {
	case err == nil && existing.Expired(m.now()):
		if err := m.sessions.Delete(ctx, existing.ID); err != nil && !errors.Is(err, uma.ErrNotFound) {
			return nil, uma.Storage("replace claims session", err)
		}
	case err == nil && existing.ClientID != req.ClientID:
		return nil, uma.TicketInvalid("ticket is being redeemed by another client", nil)
	case err == nil:
		sess, err := m.sessions.Advance(ctx, existing.ID, func(s *uma.ClaimsSession) error {
			m.apply(s, req.Decision, req.Claims)
			s.State = uma.SessionAwaitingClaims
			if req.ClaimsRedirectURI != "" {
				s.ClaimsRedirectURI = req.ClaimsRedirectURI
				s.OAuthState = req.State
			}
			return nil
		})
		if err != nil {
			return nil, uma.Storage("advance claims session", err)
		}
		return m.prompt(sess, req.Decision), nil
	case !errors.Is(err, uma.ErrNotFound):
		return nil, uma.Storage("load claims session", err)
	}

	now := m.now()
	sess := &uma.ClaimsSession{
		ID:                uuid.NewString(),
		TicketID:          req.TicketID,
		ClientID:          req.ClientID,
		Claims:            map[string]any{},
		State:             uma.SessionNotStarted,
		ClaimsRedirectURI: req.ClaimsRedirectURI,
		OAuthState:        req.State,
		CreatedAt:         now,
		ExpiresAt:         now.Add(m.ttl),
	}
	m.apply(sess, req.Decision, req.Claims)
	sess.State = uma.SessionAwaitingClaims
	if err := m.sessions.Put(ctx, sess); errors.Is(err, uma.ErrConflict) {
		return nil, err
	} else if err != nil {
		return nil, uma.Storage("store claims session", err)
	}
	obs.Ctx(ctx).Info().Str("session", sess.ID).Str("policy", sess.CurrentPolicy()).Msg("claims.session_started")
	return m.prompt(sess, req.Decision), nil
}

// reservedClaims identify the requesting party and only ever come from a
// verified claim token or PCT.
var reservedClaims = map[string]bool{
	"sub":       true,
	"iss":       true,
	"aud":       true,
	"client_id": true,
}

// accepted keeps the submitted claims that the session's policies ask for.
func (m *Machine) accepted(s *uma.ClaimsSession, submitted map[string]any) map[string]any {
	wanted := make(map[string]bool, len(s.RequiredClaims))
	for _, name := range s.RequiredClaims {
		wanted[name] = true
	}
	for _, name := range s.PolicyStack {
		g := m.gatherer(name)
		if g == nil {
			continue
		}
		for step := 0; step < g.StepsCount(); step++ {
			for _, c := range g.ClaimsForStep(step) {
				wanted[c.Name] = true
			}
		}
	}
	out := make(map[string]any, len(submitted))
	for k, v := range submitted {
		if wanted[k] && !reservedClaims[k] {
			out[k] = v
		}
	}
	return out
}

// apply merges claims and recomputes the step from the demanding policy.
func (m *Machine) apply(s *uma.ClaimsSession, d policy.Decision, claims map[string]any) {
	for k, v := range claims {
		s.Claims[k] = v
	}
	if d.Policy != "" && s.CurrentPolicy() != d.Policy {
		s.PolicyStack = append(s.PolicyStack, d.Policy)
	}
	if len(d.RequiredClaims) > 0 {
		s.RequiredClaims = s.RequiredClaims[:0]
		for _, c := range d.RequiredClaims {
			s.RequiredClaims = append(s.RequiredClaims, c.Name)
		}
	}
	s.CurrentStep = 0
	if g := m.gatherer(s.CurrentPolicy()); g != nil {
		if step := g.NextStep(s.Claims); step >= 0 {
			s.CurrentStep = step
		}
	}
}

func (m *Machine) gatherer(name string) policy.Gatherer {
	if name == "" || m.policies == nil {
		return nil
	}
	p, ok := m.policies.Lookup(name)
	if !ok {
		return nil
	}
	g, _ := p.(policy.Gatherer)
	return g
}

func (m *Machine) prompt(s *uma.ClaimsSession, d policy.Decision) *Prompt {
	p := &Prompt{
		Session:        s,
		Step:           s.CurrentStep,
		StepsCount:     1,
		Page:           s.CurrentPolicy(),
		RequiredClaims: d.RequiredClaims,
		RedirectUser:   m.RedirectFor(s.ID),
	}
	if len(p.RequiredClaims) == 0 {
		for _, name := range s.RequiredClaims {
			if _, ok := s.Claims[name]; !ok {
				p.RequiredClaims = append(p.RequiredClaims, policy.ClaimDefinition{Name: name})
			}
		}
	}
	if g := m.gatherer(s.CurrentPolicy()); g != nil {
		p.StepsCount = g.StepsCount()
		p.Page = g.PageForStep(s.CurrentStep)
		var missing []policy.ClaimDefinition
		for _, c := range g.ClaimsForStep(s.CurrentStep) {
			if _, ok := s.Claims[c.Name]; !ok {
				missing = append(missing, c)
			}
		}
		if len(missing) > 0 {
			p.RequiredClaims = missing
		}
	}
	return p
}

// Load returns a live session. Sessions past their TTL are abandoned and
// reported as ErrSessionExpired.
func (m *Machine) Load(ctx context.Context, sessionID string) (*uma.ClaimsSession, error) {
	sess, err := m.sessions.Get(ctx, sessionID)
	if errors.Is(err, uma.ErrNotFound) {
		return nil, uma.ErrSessionExpired
	}
	if err != nil {
		return nil, uma.Storage("load claims session", err)
	}
	if sess.Expired(m.now()) || sess.State == uma.SessionAbandoned {
		m.abandon(ctx, sess.ID)
		return nil, uma.ErrSessionExpired
	}
	return sess, nil
}

// View describes the current step of a session without changing it.
func (m *Machine) View(ctx context.Context, sessionID string) (*Prompt, error) {
	sess, err := m.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return m.prompt(sess, policy.Decision{}), nil
}

// ForTicket returns the session attached to a ticket for the given client, if any.
func (m *Machine) ForTicket(ctx context.Context, ticketID, clientID string) (*uma.ClaimsSession, error) {
	sess, err := m.sessions.GetByTicket(ctx, ticketID)
	if errors.Is(err, uma.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, uma.Storage("load claims session", err)
	}
	if sess.ClientID != clientID || sess.Expired(m.now()) {
		return nil, nil
	}
	return sess, nil
}

// Submit merges claims into the session and re-runs the ticket's policies.
// NeedInfo advances the step, Allow completes the session, Deny abandons it.
func (m *Machine) Submit(ctx context.Context, sessionID string, submitted map[string]any, check CheckFunc) (*Progress, error) {
	if _, err := m.Load(ctx, sessionID); err != nil {
		return nil, err
	}

	var decision policy.Decision
	sess, err := m.sessions.Advance(ctx, sessionID, func(s *uma.ClaimsSession) error {
		if s.Expired(m.now()) {
			return uma.ErrSessionExpired
		}
		if s.State == uma.SessionCompleted {
			decision = policy.Allow()
			return nil
		}
		fresh := m.accepted(s, submitted)
		if dropped := len(submitted) - len(fresh); dropped > 0 {
			obs.Ctx(ctx).Info().Str("session", s.ID).Int("dropped", dropped).Msg("claims.unrequested_claims_dropped")
		}
		merged := make(map[string]any, len(s.Claims)+len(fresh))
		for k, v := range s.Claims {
			merged[k] = v
		}
		for k, v := range fresh {
			merged[k] = v
		}
		d, err := check(ctx, s.TicketID, s.ClientID, merged)
		if err != nil {
			return err
		}
		decision = d
		switch d.Effect {
		case policy.EffectAllow:
			s.Claims = merged
			s.State = uma.SessionCompleted
		case policy.EffectNeedInfo:
			m.apply(s, d, fresh)
		default:
			s.State = uma.SessionAbandoned
		}
		return nil
	})
	if errors.Is(err, uma.ErrSessionExpired) {
		m.abandon(ctx, sessionID)
		return nil, err
	}
	if err != nil {
		if _, ok := uma.AsError(err); ok {
			return nil, err
		}
		return nil, fmt.Errorf("submit claims: %w", err)
	}

	switch decision.Effect {
	case policy.EffectAllow:
		obs.Ctx(ctx).Info().Str("session", sess.ID).Msg("claims.session_completed")
		return &Progress{Prompt: Prompt{Session: sess, StepsCount: 1}, Completed: true}, nil
	case policy.EffectNeedInfo:
		return &Progress{Prompt: *m.prompt(sess, decision)}, nil
	default:
		m.abandon(ctx, sessionID)
		return nil, uma.PolicyDenied(decision.Reason)
	}
}

// Discard removes the session attached to a ticket after the RPT is issued.
func (m *Machine) Discard(ctx context.Context, sessionID string) {
	if err := m.sessions.Delete(ctx, sessionID); err != nil && !errors.Is(err, uma.ErrNotFound) {
		obs.Ctx(ctx).Warn().Err(err).Str("session", sessionID).Msg("claims.discard_failed")
	}
}

func (m *Machine) abandon(ctx context.Context, sessionID string) {
	obs.Ctx(ctx).Info().Str("session", sessionID).Msg("claims.session_abandoned")
	m.Discard(ctx, sessionID)
}
