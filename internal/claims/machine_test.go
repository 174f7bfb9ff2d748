package claims

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"umagate.org/internal/policy"
	"umagate.org/internal/uma"
)

var album = &uma.Resource{ID: "photo-album-1", Scopes: []string{"view"}}

func newMachine(t *testing.T, opts ...MachineOption) (*Machine, CheckFunc) {
	t.Helper()
	kyc, err := policy.NewClaimsRequiredPolicy("kyc", []policy.Step{
		{Page: "email", Claims: []policy.ClaimDefinition{{Name: "email"}}},
		{Page: "age", Claims: []policy.ClaimDefinition{{Name: "age"}}},
	}, "claims.age >= 18")
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	reg := policy.NewRegistry()
	if err := reg.Register(kyc); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Bind(album.ID, "view", "kyc"); err != nil {
		t.Fatalf("bind: %v", err)
	}
	ev := policy.NewEvaluator(reg, time.Second)
	check := func(ctx context.Context, _ string, clientID string, claims map[string]any) (policy.Decision, error) {
		return ev.Evaluate(ctx, policy.Context{Resource: album, Scope: "view", ClientID: clientID, Claims: claims})
	}
	store := uma.NewMemoryStore()
	return NewMachine(store.Sessions(), reg, "https://as.example/claims_gathering", opts...), check
}

func begin(t *testing.T, m *Machine, check CheckFunc) *Prompt {
	t.Helper()
	d, err := check(context.Background(), "T1", "client-1", map[string]any{})
	if err != nil || !d.NeedsInfo() {
		t.Fatalf("expected need_info, got %+v %v", d, err)
	}
	p, err := m.Begin(context.Background(), Request{TicketID: "T1", ClientID: "client-1", Decision: d})
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	return p
}

func TestMachineMultiStepFlow(t *testing.T) {
	m, check := newMachine(t)
	p := begin(t, m, check)
	if p.Session.State != uma.SessionAwaitingClaims || p.Step != 0 || p.StepsCount != 2 || p.Page != "email" {
		t.Fatalf("unexpected first prompt %+v", p)
	}
	if !strings.HasPrefix(p.RedirectUser, "https://as.example/claims_gathering?session=") {
		t.Fatalf("unexpected redirect %q", p.RedirectUser)
	}

	prog, err := m.Submit(context.Background(), p.Session.ID, map[string]any{"email": "bob@example.com"}, check)
	if err != nil {
		t.Fatalf("submit email: %v", err)
	}
	if prog.Completed || prog.Step != 1 || prog.Page != "age" || prog.RequiredClaims[0].Name != "age" {
		t.Fatalf("expected age step, got %+v", prog)
	}

	view, err := m.View(context.Background(), p.Session.ID)
	if err != nil || view.Page != "age" {
		t.Fatalf("view: %+v %v", view, err)
	}

	prog, err = m.Submit(context.Background(), p.Session.ID, map[string]any{"age": 30}, check)
	if err != nil {
		t.Fatalf("submit age: %v", err)
	}
	if !prog.Completed || prog.Session.State != uma.SessionCompleted {
		t.Fatalf("expected completion, got %+v", prog)
	}
	sess, err := m.ForTicket(context.Background(), "T1", "client-1")
	if err != nil || sess == nil || sess.Claims["email"] != "bob@example.com" {
		t.Fatalf("completed session should keep claims: %+v %v", sess, err)
	}
	if other, _ := m.ForTicket(context.Background(), "T1", "client-2"); other != nil {
		t.Fatalf("session must not leak to other clients")
	}
}

func TestMachineDenyAbandons(t *testing.T) {
	m, check := newMachine(t)
	p := begin(t, m, check)
	_, err := m.Submit(context.Background(), p.Session.ID, map[string]any{"email": "kid@example.com", "age": 9}, check)
	if e, ok := uma.AsError(err); !ok || e.Kind != uma.KindPolicyDenied {
		t.Fatalf("expected policy denied, got %v", err)
	}
	if _, err := m.View(context.Background(), p.Session.ID); !errors.Is(err, uma.ErrSessionExpired) {
		t.Fatalf("denied session should be gone, got %v", err)
	}
}

func TestMachineExpiredSession(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m, check := newMachine(t, WithClock(clock), WithSessionTTL(time.Minute))
	p := begin(t, m, check)
	now = now.Add(2 * time.Minute)
	if _, err := m.Submit(context.Background(), p.Session.ID, map[string]any{"email": "x"}, check); !errors.Is(err, uma.ErrSessionExpired) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if _, err := m.Load(context.Background(), p.Session.ID); !errors.Is(err, uma.ErrSessionExpired) {
		t.Fatalf("abandoned session should stay expired, got %v", err)
	}
}

func TestMachineBeginReusesSession(t *testing.T) {
	m, check := newMachine(t)
	first := begin(t, m, check)
	second := begin(t, m, check)
	if first.Session.ID != second.Session.ID {
		t.Fatalf("expected the ticket's session to be reused")
	}
}

func TestMachineDropsUnrequestedClaims(t *testing.T) {
	m, check := newMachine(t)
	p := begin(t, m, check)
	prog, err := m.Submit(context.Background(), p.Session.ID, map[string]any{
		"email": "bob@example.com",
		"sub":   "alice",
		"role":  "admin",
	}, check)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for _, name := range []string{"sub", "role"} {
		if _, ok := prog.Session.Claims[name]; ok {
			t.Fatalf("claim %q was not requested and must be dropped: %v", name, prog.Session.Claims)
		}
	}
	if prog.Session.Claims["email"] != "bob@example.com" {
		t.Fatalf("requested claim lost: %v", prog.Session.Claims)
	}
}

func TestMachineBeginRejectsOtherClient(t *testing.T) {
	m, check := newMachine(t)
	first := begin(t, m, check)

	d, _ := check(context.Background(), "T1", "client-2", map[string]any{})
	_, err := m.Begin(context.Background(), Request{TicketID: "T1", ClientID: "client-2", Decision: d})
	if e, ok := uma.AsError(err); !ok || e.Kind != uma.KindTicket {
		t.Fatalf("expected ticket error for a second client, got %v", err)
	}
	if _, err := m.View(context.Background(), first.Session.ID); err != nil {
		t.Fatalf("first client's session must survive: %v", err)
	}
}

// staleSessions hides the ticket's session from the first lookup, like a
// concurrent exchange that stored it just after we looked.
type staleSessions struct {
	uma.ClaimsSessionRepository
	misses int
}

func (s *staleSessions) GetByTicket(ctx context.Context, ticketID string) (*uma.ClaimsSession, error) {
	if s.misses > 0 {
		s.misses--
		return nil, uma.ErrNotFound
	}
	return s.ClaimsSessionRepository.GetByTicket(ctx, ticketID)
}

func TestMachineBeginJoinsRacingSession(t *testing.T) {
	m, check := newMachine(t)
	first := begin(t, m, check)

	m.sessions = &staleSessions{ClaimsSessionRepository: m.sessions, misses: 1}
	second := begin(t, m, check)
	if second.Session.ID != first.Session.ID {
		t.Fatalf("expected to join session %s, got %s", first.Session.ID, second.Session.ID)
	}
}

func TestMachineConcurrentBegin(t *testing.T) {
	m, check := newMachine(t)
	d, err := check(context.Background(), "T1", "client-1", map[string]any{})
	if err != nil {
		t.Fatalf("check: %v", err)
	}

	const n = 16
	ids := make(chan string, n)
	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := m.Begin(context.Background(), Request{TicketID: "T1", ClientID: "client-1", Decision: d})
			if err != nil {
				errs <- err
				return
			}
			ids <- p.Session.ID
		}()
	}
	wg.Wait()
	close(ids)
	close(errs)
	for err := range errs {
		t.Fatalf("duplicate begin failed: %v", err)
	}
	var id string
	for got := range ids {
		if id != "" && got != id {
			t.Fatalf("duplicate exchanges produced two sessions: %s and %s", id, got)
		}
		id = got
	}
}
