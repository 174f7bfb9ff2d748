package policy

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestStaticPolicy(t *testing.T) {
	p := &StaticPolicy{PolicyName: "s", Scopes: []string{"view"}, Subjects: []string{"bob"}}
	d, _ := p.Evaluate(context.Background(), Context{Scope: "view", Claims: map[string]any{"sub": "bob"}})
	if !d.Allowed() {
		t.Fatalf("expected allow, got %+v", d)
	}
	d, _ = p.Evaluate(context.Background(), Context{Scope: "edit", Claims: map[string]any{"sub": "bob"}})
	if d.Effect != EffectDeny {
		t.Fatalf("expected deny for scope, got %+v", d)
	}
	d, _ = p.Evaluate(context.Background(), Context{Scope: "view"})
	if d.Effect != EffectDeny {
		t.Fatalf("expected deny for subject, got %+v", d)
	}
}

func TestScriptPolicy(t *testing.T) {
	p, err := NewScriptPolicy("adult", `claims.age >= 18 && scope == "view"`, []ClaimDefinition{{Name: "age"}})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	d, _ := p.Evaluate(context.Background(), Context{Scope: "view", Claims: map[string]any{}})
	if !d.NeedsInfo() || d.RequiredClaims[0].Name != "age" {
		t.Fatalf("expected need_info, got %+v", d)
	}
	d, _ = p.Evaluate(context.Background(), Context{Scope: "view", Claims: map[string]any{"age": 25}})
	if !d.Allowed() {
		t.Fatalf("expected allow, got %+v", d)
	}
	d, _ = p.Evaluate(context.Background(), Context{Scope: "view", Claims: map[string]any{"age": float64(12)}})
	if d.Effect != EffectDeny {
		t.Fatalf("expected deny, got %+v", d)
	}
	if _, err := NewScriptPolicy("bad", `claims.age >=`, nil); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestClaimsRequiredSteps(t *testing.T) {
	p, err := NewClaimsRequiredPolicy("kyc", []Step{
		{Page: "identity", Claims: []ClaimDefinition{{Name: "email"}}},
		{Claims: []ClaimDefinition{{Name: "age"}, {Name: "country"}}},
	}, `claims.country == "DE"`)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.StepsCount() != 2 || p.PageForStep(0) != "identity" || p.PageForStep(1) != "kyc" {
		t.Fatalf("unexpected step layout")
	}
	claims := map[string]any{}
	if p.NextStep(claims) != 0 {
		t.Fatalf("expected step 0")
	}
	claims["email"] = "a@b.c"
	claims["age"] = 30
	d, _ := p.Evaluate(context.Background(), Context{Claims: claims})
	if !d.NeedsInfo() || len(d.RequiredClaims) != 1 || d.RequiredClaims[0].Name != "country" {
		t.Fatalf("expected only country missing, got %+v", d)
	}
	claims["country"] = "FR"
	if d, _ := p.Evaluate(context.Background(), Context{Claims: claims}); d.Effect != EffectDeny {
		t.Fatalf("expected deny, got %+v", d)
	}
	claims["country"] = "DE"
	if p.NextStep(claims) != -1 {
		t.Fatalf("expected complete")
	}
	if d, _ := p.Evaluate(context.Background(), Context{Claims: claims}); !d.Allowed() {
		t.Fatalf("expected allow, got %+v", d)
	}
}

func TestRemotePolicy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req remoteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		switch req.Scope {
		case "view":
			_, _ = w.Write([]byte(`{"decision":"allow"}`))
		case "edit":
			_, _ = w.Write([]byte(`{"decision":"need_info","required_claims":[{"name":"role"}]}`))
		default:
			_, _ = w.Write([]byte(`{"decision":"deny","reason":"no"}`))
		}
	}))
	defer srv.Close()

	p := NewRemotePolicy("pdp", srv.URL, time.Second, srv.Client())
	if p.Timeout() != time.Second {
		t.Fatalf("timeout not kept")
	}
	if d, err := p.Evaluate(context.Background(), Context{Resource: album, Scope: "view"}); err != nil || !d.Allowed() {
		t.Fatalf("expected allow, got %+v %v", d, err)
	}
	if d, _ := p.Evaluate(context.Background(), Context{Resource: album, Scope: "edit"}); !d.NeedsInfo() {
		t.Fatalf("expected need_info, got %+v", d)
	}
	if d, _ := p.Evaluate(context.Background(), Context{Resource: album, Scope: "delete"}); d.Effect != EffectDeny || d.Reason != "no" {
		t.Fatalf("expected deny, got %+v", d)
	}
}

func TestRemotePolicyBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	p := NewRemotePolicy("pdp", srv.URL, 0, nil)
	if _, err := p.Evaluate(context.Background(), Context{Resource: album, Scope: "view"}); err == nil {
		t.Fatalf("expected error for bad status")
	}
}
