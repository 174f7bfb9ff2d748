package obs

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                "/",
		"/metrics":                        "/metrics",
		"/token":                          "/token",
		"/token/":                         "/token",
		"/claims_gathering?session=abc":   "/claims_gathering",
		"/.well-known/uma2-configuration": "/.well-known/uma2-configuration",
		"/permission/abc":                 "/other",
		"/random/probe":                   "/other",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	l, err := NewLogger(&buf, "debug", "json")
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Debug().Str("ticket", "t1").Msg("ticket.registered")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("log is not valid JSON: %v", err)
	}
	if entry["service"] != ServiceName || entry["ticket"] != "t1" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, err := NewLogger(&buf, "loud", "json"); err == nil {
		t.Fatal("expected invalid level error")
	}
	if _, err := NewLogger(&buf, "info", "xml"); err == nil {
		t.Fatal("expected invalid format error")
	}
}

func TestCtxFallsBackToSharedLogger(t *testing.T) {
	var buf bytes.Buffer
	orig := Logger()
	SetLogger(zerolog.New(&buf))
	defer SetLogger(orig)

	Ctx(context.Background()).Info().Msg("shared")
	if !bytes.Contains(buf.Bytes(), []byte("shared")) {
		t.Fatalf("expected shared logger output, got %q", buf.String())
	}

	var scoped bytes.Buffer
	ctx := zerolog.New(&scoped).WithContext(context.Background())
	Ctx(ctx).Info().Msg("scoped")
	if !bytes.Contains(scoped.Bytes(), []byte("scoped")) {
		t.Fatalf("expected scoped logger output, got %q", scoped.String())
	}
}
