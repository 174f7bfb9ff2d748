package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"

	"umagate.org/internal/auth"
	"umagate.org/internal/obs"
)

func TestLogEvent(t *testing.T) {
	original := obs.Logger()
	var buf bytes.Buffer
	obs.SetLogger(zerolog.New(&buf))
	defer obs.SetLogger(original)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithPrincipal(ctx, auth.Principal{ClientID: "rs-1"})

	if err := LogEvent(ctx, "ticket.registered", map[string]any{"ticket_resources": 2}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	line := buf.String()
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry map[string]any
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if entry["type"] != "audit" {
		t.Fatalf("unexpected type: %v", entry["type"])
	}
	if entry["event"] != "ticket.registered" {
		t.Fatalf("unexpected event: %v", entry["event"])
	}
	if entry["request_id"] != "req-123" {
		t.Fatalf("unexpected request id: %v", entry["request_id"])
	}
	if entry["resource_server"] != "rs-1" {
		t.Fatalf("unexpected resource server: %v", entry["resource_server"])
	}
	fields, ok := entry["fields"].(map[string]any)
	if !ok || fields["ticket_resources"] != float64(2) {
		t.Fatalf("fields missing or incorrect: %v", entry["fields"])
	}
}

func TestLogEventRequiresName(t *testing.T) {
	if err := LogEvent(context.Background(), "  ", nil); err == nil {
		t.Fatal("expected error for empty event")
	}
}
