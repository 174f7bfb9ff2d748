package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

const sampleDoc = `
resources:
  - id: photo-album-1
    owner: alice
    client_id: rs-1
    scopes: [view, edit]
policies:
  - name: adults
    kind: claims_required
    config:
      steps:
        - page: age
          claims:
            - name: age
              friendly_name: Age
      condition: "claims.age >= 18"
  - name: editors
    kind: static
    config:
      subjects: [alice]
  - name: office-hours
    kind: script
    config:
      expression: "client != 'blocked'"
bindings:
  - resource: photo-album-1
    scope: view
    policies: [adults]
  - resource: photo-album-1
    scope: edit
    policies: [office-hours, editors]
`

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policies.yaml")
	if err := os.WriteFile(path, []byte(sampleDoc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	doc, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	res := doc.UMAResources()
	if len(res) != 1 || res[0].ClientID != "rs-1" || !res[0].HasScope("edit") {
		t.Fatalf("unexpected resources %+v", res)
	}
	reg, err := doc.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	chain, _ := reg.ListPoliciesFor(context.Background(), "photo-album-1", "edit")
	if len(chain) != 2 || chain[0].Name() != "office-hours" {
		t.Fatalf("unexpected chain %v", chain)
	}
	p, ok := reg.Lookup("adults")
	if !ok {
		t.Fatalf("adults not registered")
	}
	g, ok := p.(Gatherer)
	if !ok || g.StepsCount() != 1 || g.ClaimsForStep(0)[0].FriendlyName != "Age" {
		t.Fatalf("expected gatherer with one step")
	}
}

func TestBuildRejectsBadDefinitions(t *testing.T) {
	cases := []Definition{
		{Name: "", Kind: KindStatic},
		{Name: "x", Kind: "lua"},
		{Name: "x", Kind: KindRemote, Config: map[string]any{}},
		{Name: "x", Kind: KindClaimsRequired, Config: map[string]any{}},
		{Name: "x", Kind: KindStatic, Config: map[string]any{"unknown": true}},
		{Name: "x", Kind: KindScript, Config: map[string]any{"expression": "1 +"}},
	}
	for _, def := range cases {
		if _, err := Build(def); err == nil {
			t.Fatalf("expected error for %+v", def)
		}
	}
}

func TestParseDocumentDuplicateResource(t *testing.T) {
	_, err := ParseDocument([]byte("resources:\n  - id: a\n  - id: a\n"))
	if err == nil {
		t.Fatalf("expected duplicate error")
	}
}
