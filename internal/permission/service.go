package permission

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"umagate.org/internal/audit"
	"umagate.org/internal/auth"
	"umagate.org/internal/claims"
	"umagate.org/internal/obs"
	"umagate.org/internal/policy"
	"umagate.org/internal/token"
	"umagate.org/internal/uma"
)

// Authorizer decides whether a resource server may register permissions for a resource.
type Authorizer interface {
	Authorize(ctx context.Context, rs auth.Principal, res *uma.Resource) error
}

// ClientAuthorizer optionally restricts resources to their associated client.
type ClientAuthorizer struct {
	RestrictToClient bool
}

func (a ClientAuthorizer) Authorize(_ context.Context, rs auth.Principal, res *uma.Resource) error {
	if rs.Kind != auth.KindResourceServer || !rs.HasScope(auth.ScopeProtection) {
		return uma.Authz(uma.CodeInvalidClient, "caller is not a resource server")
	}
	if a.RestrictToClient && res.ClientID != "" && res.ClientID != rs.ClientID {
		return uma.Authz(uma.CodeAccessDenied, "resource is not associated with this resource server")
	}
	return nil
}

// NeedInfoError is returned when claims must be gathered before an RPT can be issued.
// The ticket stays pending and must be presented again.
type NeedInfoError struct {
	Ticket         string
	RequiredClaims []policy.ClaimDefinition
	RedirectUser   string
	Session        string
}

func (e *NeedInfoError) Error() string {
	names := make([]string, 0, len(e.RequiredClaims))
	for _, c := range e.RequiredClaims {
		names = append(names, c.Name)
	}
	return fmt.Sprintf("need_info: claims required: %s", strings.Join(names, ","))
}

// Deps are the collaborators of Service.
type Deps struct {
	Tickets      *uma.TicketStore
	Resources    uma.ResourceRepository
	Evaluator    *policy.Evaluator
	Machine      *claims.Machine
	Issuer       *token.Issuer
	Introspector *token.Introspector
	PCTs         *token.PCTService
	Verifiers    claims.Verifiers
	Authorizer   Authorizer
}

// Service orchestrates permission registration and ticket exchange.
type Service struct {
	Deps
}

func NewService(d Deps) (*Service, error) {
	switch {
	case d.Tickets == nil, d.Resources == nil, d.Evaluator == nil, d.Machine == nil, d.Issuer == nil, d.Introspector == nil:
		return nil, errors.New("permission: missing dependency")
	}
	if d.Authorizer == nil {
		d.Authorizer = ClientAuthorizer{}
	}
	return &Service{Deps: d}, nil
}

// RegisterPermission validates the requests and creates a pending ticket.
func (s *Service) RegisterPermission(ctx context.Context, rs auth.Principal, reqs []uma.PermissionRequest) (*uma.PermissionTicket, error) {
	if len(reqs) == 0 {
		return nil, uma.Validation(uma.CodeInvalidRequest, "at least one permission is required")
	}
	perms := make([]uma.PermissionRequest, 0, len(reqs))
	for _, r := range reqs {
		id := strings.TrimSpace(r.ResourceID)
		if id == "" {
			return nil, uma.Validation(uma.CodeInvalidResourceID, "resource_id is required")
		}
		res, err := s.Resources.Get(ctx, id)
		if errors.Is(err, uma.ErrNotFound) {
			return nil, uma.Validation(uma.CodeInvalidResourceID, fmt.Sprintf("resource %q is not registered", id))
		}
		if err != nil {
			return nil, uma.Storage("load resource", err)
		}
		if len(r.Scopes) == 0 {
			return nil, uma.Validation(uma.CodeInvalidScope, fmt.Sprintf("no scopes requested for %q", id))
		}
		var scopes []string
		for _, sc := range r.Scopes {
			if !res.HasScope(sc) {
				return nil, uma.Validation(uma.CodeInvalidScope, fmt.Sprintf("scope %q is not registered on %q", sc, id))
			}
			if !slices.Contains(scopes, sc) {
				scopes = append(scopes, sc)
			}
		}
		if err := s.Authorizer.Authorize(ctx, rs, res); err != nil {
			return nil, err
		}
		perms = append(perms, uma.PermissionRequest{ResourceID: id, Scopes: scopes})
	}

	ticket, err := s.Tickets.Put(ctx, perms, rs.ClientID, "")
	if err != nil {
		return nil, err
	}
	obs.TicketRegistered()
	_ = audit.LogEvent(ctx, "ticket.registered", map[string]any{"permissions": len(perms), "expires_at": ticket.ExpiresAt})
	return ticket, nil
}

// ExchangeRequest is a uma-ticket grant request from an authenticated client.
type ExchangeRequest struct {
	Ticket            string
	Client            *auth.Client
	ClaimToken        string
	ClaimTokenFormat  string
	PCT               string
	RPT               string
	Scopes            []string
	ClaimsRedirectURI string
	State             string
}

// ExchangeResult is an issued RPT.
type ExchangeResult struct {
	AccessToken string
	TokenType   string
	ExpiresIn   time.Duration
	PCT         string
	Upgraded    bool
	Permissions []uma.Permission
}

// ExchangeTicketForRPT evaluates the ticket's permissions and issues an RPT
// only when every policy allows. The ticket is redeemed exactly once.
func (s *Service) ExchangeTicketForRPT(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	res, err := s.exchange(ctx, req)
	var ni *NeedInfoError
	switch {
	case err == nil:
		obs.Exchange("issued")
	case errors.As(err, &ni):
		obs.Exchange("need_info")
	default:
		outcome := "error"
		if e, ok := uma.AsError(err); ok {
			outcome = e.Code
		}
		obs.Exchange(outcome)
	}
	return res, err
}

func (s *Service) exchange(ctx context.Context, req ExchangeRequest) (*ExchangeResult, error) {
	if req.Client == nil {
		return nil, uma.Authz(uma.CodeInvalidClient, "client authentication required")
	}
	if strings.TrimSpace(req.Ticket) == "" {
		return nil, uma.Validation(uma.CodeInvalidRequest, "ticket is required")
	}
	if (req.ClaimToken == "") != (req.ClaimTokenFormat == "") {
		return nil, uma.Validation(uma.CodeInvalidRequest, "claim_token and claim_token_format must be provided together")
	}

	ticket, err := s.Tickets.Get(ctx, req.Ticket)
	if errors.Is(err, uma.ErrNotFound) {
		return nil, uma.TicketInvalid("ticket not found or expired", err)
	}
	if err != nil {
		return nil, uma.Storage("load ticket", err)
	}
	if ticket.State != uma.TicketPending {
		return nil, uma.TicketInvalid("ticket already redeemed", uma.ErrAlreadyRedeemed)
	}

	collected, subject, err := s.gatherClaims(ctx, req, ticket)
	if err != nil {
		return nil, err
	}

	v, err := s.evaluateTicket(ctx, ticket, req.Client.ID, collected, req.Scopes)
	if err != nil {
		return nil, err
	}
	switch v.decision.Effect {
	case policy.EffectDeny:
		_ = audit.LogEvent(ctx, "rpt.denied", map[string]any{"reason": v.decision.Reason})
		return nil, uma.PolicyDenied("authorization denied by policy")
	case policy.EffectNeedInfo:
		return nil, s.needInfo(ctx, req, ticket, v.decision, collected)
	}

	var previous *uma.RPTRecord
	if req.RPT != "" {
		previous, err = s.Introspector.Lookup(ctx, req.RPT)
		if err != nil || previous.ClientID != req.Client.ID {
			return nil, uma.Validation(uma.CodeInvalidGrant, "rpt cannot be upgraded")
		}
	}
	granted := v.granted
	if previous != nil {
		granted = uma.MergePermissions(previous.Permissions, granted)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if subject == "" {
		subject = req.Client.ID
	}
	minted, err := s.Issuer.Mint(subject, req.Client.ID, granted)
	if err != nil {
		return nil, err
	}
	if err := s.Issuer.Record(ctx, minted); err != nil {
		return nil, err
	}
	if err := s.Tickets.MarkRedeemed(ctx, ticket.ID); err != nil {
		cleanup := context.WithoutCancel(ctx)
		if rerr := s.Introspector.Revoke(cleanup, minted.Value); rerr != nil {
			obs.Ctx(ctx).Error().Err(rerr).Str("rpt", minted.Record.ID).Msg("exchange.orphan_revoke_failed")
		}
		switch {
		case errors.Is(err, uma.ErrAlreadyRedeemed), errors.Is(err, uma.ErrNotFound), errors.Is(err, uma.ErrExpired):
			return nil, uma.TicketInvalid("ticket already redeemed or expired", err)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, uma.Storage("redeem ticket", err)
		}
	}

	out := &ExchangeResult{
		AccessToken: minted.Value,
		TokenType:   token.TokenTypeBearer,
		ExpiresIn:   minted.Record.ExpiresAt.Sub(minted.Record.IssuedAt),
		Permissions: minted.Record.Permissions,
	}
	if previous != nil {
		if err := s.Issuer.Supersede(ctx, previous.ID, minted.Record.ID); err != nil {
			obs.Ctx(ctx).Warn().Err(err).Str("rpt", previous.ID).Msg("exchange.supersede_failed")
		} else {
			out.Upgraded = true
		}
	}
	if s.PCTs != nil && len(collected) > 0 {
		pct, err := s.PCTs.Issue(ctx, req.Client.ID, collected)
		if err != nil {
			obs.Ctx(ctx).Warn().Err(err).Msg("exchange.pct_failed")
		} else {
			out.PCT = pct
		}
	}
	if v.session != nil {
		s.Machine.Discard(ctx, v.session.ID)
	}
	_ = audit.LogEvent(ctx, "rpt.issued", map[string]any{
		"rpt":         minted.Record.ID,
		"subject":     subject,
		"permissions": len(granted),
		"upgraded":    out.Upgraded,
	})
	return out, nil
}

// gatherClaims merges claims from any claims-gathering session, the PCT and
// the claim token, later sources overriding earlier ones. The subject only
// ever comes from a verified claim token or PCT.
func (s *Service) gatherClaims(ctx context.Context, req ExchangeRequest, ticket *uma.PermissionTicket) (map[string]any, string, error) {
	collected := map[string]any{}
	var subject string
	sess, err := s.Machine.ForTicket(ctx, ticket.ID, req.Client.ID)
	if err != nil {
		return nil, "", err
	}
	if sess != nil {
		for k, v := range sess.Claims {
			collected[k] = v
		}
		// submissions never carry sub; a session holds one only from an
		// earlier verified claim token or PCT
		subject = stringClaim(sess.Claims, "sub", "")
	}
	if req.PCT != "" {
		if s.PCTs == nil {
			return nil, "", uma.Authz(uma.CodeInvalidPCT, "pct is not supported")
		}
		fromPCT, err := s.PCTs.Resolve(ctx, req.PCT, req.Client.ID)
		if errors.Is(err, token.ErrInvalidPCT) {
			return nil, "", uma.Authz(uma.CodeInvalidPCT, "pct is invalid or expired")
		}
		if err != nil {
			return nil, "", err
		}
		for k, v := range fromPCT {
			collected[k] = v
		}
		subject = stringClaim(fromPCT, "sub", subject)
	}
	if req.ClaimToken != "" {
		fromToken, err := s.Verifiers.Verify(ctx, req.ClaimTokenFormat, req.ClaimToken)
		if errors.Is(err, claims.ErrUnsupportedFormat) {
			return nil, "", uma.Validation(uma.CodeInvalidRequest, "unsupported claim_token_format")
		}
		if err != nil {
			obs.Ctx(ctx).Info().Err(err).Str("format", req.ClaimTokenFormat).Msg("exchange.claim_token_rejected")
			return nil, "", uma.Validation(uma.CodeInvalidClaimToken, "claim_token could not be verified")
		}
		for k, v := range fromToken {
			collected[k] = v
		}
		subject = stringClaim(fromToken, "sub", subject)
	}
	if subject == "" {
		delete(collected, "sub")
	} else {
		collected["sub"] = subject
	}
	return collected, subject, nil
}

func stringClaim(claims map[string]any, name, fallback string) string {
	if v, ok := claims[name].(string); ok && v != "" {
		return v
	}
	return fallback
}

type verdict struct {
	decision policy.Decision
	granted  []uma.Permission
	session  *uma.ClaimsSession
}

// evaluateTicket runs the policy chain for every (resource, scope) pair of
// the ticket plus any extra scopes registered on the ticket's resources.
func (s *Service) evaluateTicket(ctx context.Context, ticket *uma.PermissionTicket, clientID string, collected map[string]any, extra []string) (*verdict, error) {
	var (
		granted  []uma.Permission
		needInfo *policy.Decision
	)
	for _, p := range ticket.Permissions {
		res, err := s.Resources.Get(ctx, p.ResourceID)
		if errors.Is(err, uma.ErrNotFound) {
			return &verdict{decision: policy.Deny("resource no longer registered")}, nil
		}
		if err != nil {
			return nil, uma.Storage("load resource", err)
		}
		scopes := slices.Clone(p.Scopes)
		for _, sc := range extra {
			if res.HasScope(sc) && !slices.Contains(scopes, sc) {
				scopes = append(scopes, sc)
			}
		}
		allowed := make([]string, 0, len(scopes))
		for _, sc := range scopes {
			d, err := s.Evaluator.Evaluate(ctx, policy.Context{
				Resource: res,
				Scope:    sc,
				ClientID: clientID,
				Ticket:   ticket.ID,
				Claims:   collected,
			})
			if err != nil {
				return nil, err
			}
			switch d.Effect {
			case policy.EffectDeny:
				obs.Ctx(ctx).Info().Str("resource", res.ID).Str("scope", sc).Str("reason", d.Reason).Msg("exchange.denied")
				return &verdict{decision: d}, nil
			case policy.EffectNeedInfo:
				if needInfo == nil {
					first := d
					needInfo = &first
				} else {
					needInfo.RequiredClaims = mergeClaims(needInfo.RequiredClaims, d.RequiredClaims)
				}
			case policy.EffectAllow:
				allowed = append(allowed, sc)
			}
		}
		if len(allowed) > 0 {
			granted = append(granted, uma.Permission{ResourceID: res.ID, Scopes: allowed})
		}
	}
	if needInfo != nil {
		return &verdict{decision: *needInfo}, nil
	}
	sess, err := s.Machine.ForTicket(ctx, ticket.ID, clientID)
	if err != nil {
		return nil, err
	}
	return &verdict{decision: policy.Allow(), granted: uma.MergePermissions(granted), session: sess}, nil
}

func mergeClaims(a, b []policy.ClaimDefinition) []policy.ClaimDefinition {
	out := slices.Clone(a)
	for _, c := range b {
		if !slices.ContainsFunc(out, func(x policy.ClaimDefinition) bool { return x.Name == c.Name }) {
			out = append(out, c)
		}
	}
	return out
}

func (s *Service) needInfo(ctx context.Context, req ExchangeRequest, ticket *uma.PermissionTicket, d policy.Decision, collected map[string]any) error {
	redirect, err := auth.ResolveClaimsRedirect(req.Client, req.ClaimsRedirectURI)
	if err != nil {
		return uma.Validation(uma.CodeInvalidRequest, "claims_redirect_uri is not registered for this client")
	}
	prompt, err := s.Machine.Begin(ctx, claims.Request{
		TicketID:          ticket.ID,
		ClientID:          req.Client.ID,
		Decision:          d,
		Claims:            collected,
		ClaimsRedirectURI: redirect,
		State:             req.State,
	})
	if err != nil {
		return err
	}
	required := d.RequiredClaims
	if len(prompt.RequiredClaims) > 0 && len(required) == 0 {
		required = prompt.RequiredClaims
	}
	_ = audit.LogEvent(ctx, "claims.required", map[string]any{"session": prompt.Session.ID, "policy": d.Policy})
	return &NeedInfoError{
		Ticket:         ticket.ID,
		RequiredClaims: required,
		RedirectUser:   prompt.RedirectUser,
		Session:        prompt.Session.ID,
	}
}

// ClaimsOutcome is the result of a claims submission.
type ClaimsOutcome struct {
	Completed  bool
	Prompt     *claims.Prompt
	RedirectTo string
}

// ClaimsPrompt returns what the claims-gathering page must collect next.
func (s *Service) ClaimsPrompt(ctx context.Context, sessionID string) (*claims.Prompt, error) {
	return s.Machine.View(ctx, sessionID)
}

// SubmitClaims feeds claims into a session. On completion the user is sent
// back to the client's claims redirect URI with the ticket to re-present.
func (s *Service) SubmitClaims(ctx context.Context, sessionID string, submitted map[string]any) (*ClaimsOutcome, error) {
	prog, err := s.Machine.Submit(ctx, sessionID, submitted, s.check)
	if err != nil {
		return nil, err
	}
	if !prog.Completed {
		p := prog.Prompt
		return &ClaimsOutcome{Prompt: &p}, nil
	}
	out := &ClaimsOutcome{Completed: true}
	sess := prog.Session
	if sess.ClaimsRedirectURI != "" {
		u, err := url.Parse(sess.ClaimsRedirectURI)
		if err == nil {
			q := u.Query()
			q.Set("authorization_state", "claims_submitted")
			q.Set("ticket", sess.TicketID)
			if sess.OAuthState != "" {
				q.Set("state", sess.OAuthState)
			}
			u.RawQuery = q.Encode()
			out.RedirectTo = u.String()
		}
	}
	_ = audit.LogEvent(ctx, "claims.submitted", map[string]any{"session": sess.ID})
	return out, nil
}

func (s *Service) check(ctx context.Context, ticketID, clientID string, collected map[string]any) (policy.Decision, error) {
	ticket, err := s.Tickets.Get(ctx, ticketID)
	if errors.Is(err, uma.ErrNotFound) {
		return policy.Decision{}, uma.ErrSessionExpired
	}
	if err != nil {
		return policy.Decision{}, uma.Storage("load ticket", err)
	}
	v, err := s.evaluateTicket(ctx, ticket, clientID, collected, nil)
	if err != nil {
		return policy.Decision{}, err
	}
	return v.decision, nil
}
