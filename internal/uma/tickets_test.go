package uma

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func samplePerms() []PermissionRequest {
	return []PermissionRequest{{ResourceID: "photo-album-1", Scopes: []string{"view"}}}
}

func TestTicketStorePutGet(t *testing.T) {
	store := NewMemoryStore()
	ts := NewTicketStore(store.Tickets())

	ticket, err := ts.Put(context.Background(), samplePerms(), "rs-1", "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if len(ticket.ID) < 22 {
		t.Fatalf("ticket id too short: %q", ticket.ID)
	}
	got, err := ts.Get(context.Background(), ticket.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != TicketPending || got.Permissions[0].ResourceID != "photo-album-1" {
		t.Fatalf("unexpected ticket %+v", got)
	}
}

func TestTicketStoreExpiredLooksAbsent(t *testing.T) {
	store := NewMemoryStore()
	ts := NewTicketStore(store.Tickets(), WithTicketTTL(time.Millisecond))

	ticket, err := ts.Put(context.Background(), samplePerms(), "rs-1", "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if _, err := ts.Get(context.Background(), ticket.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for expired ticket, got %v", err)
	}
	if err := ts.MarkRedeemed(context.Background(), ticket.ID); !errors.Is(err, ErrExpired) {
		t.Fatalf("expected expired on redeem, got %v", err)
	}
}

func TestTicketStoreRegeneratesOnCollision(t *testing.T) {
	store := NewMemoryStore()
	ids := []string{"dup-aaaaaaaaaaaaaaaaaaaa", "dup-aaaaaaaaaaaaaaaaaaaa", "fresh-bbbbbbbbbbbbbbbbbbbb"}
	var calls int
	gen := func() (string, error) {
		id := ids[calls]
		calls++
		return id, nil
	}
	ts := NewTicketStore(store.Tickets(), WithTicketIDGenerator(gen))

	if _, err := ts.Put(context.Background(), samplePerms(), "rs", ""); err != nil {
		t.Fatalf("first put: %v", err)
	}
	second, err := ts.Put(context.Background(), samplePerms(), "rs", "")
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if second.ID != "fresh-bbbbbbbbbbbbbbbbbbbb" || calls != 3 {
		t.Fatalf("expected regeneration, got id=%s calls=%d", second.ID, calls)
	}
}

func TestTicketStoreExhausted(t *testing.T) {
	store := NewMemoryStore()
	var calls int
	gen := func() (string, error) {
		calls++
		return "always-the-same-identifier", nil
	}
	ts := NewTicketStore(store.Tickets(), WithTicketIDGenerator(gen), WithMaxIDAttempts(3))
	if _, err := ts.Put(context.Background(), samplePerms(), "rs", ""); err != nil {
		t.Fatalf("seed: %v", err)
	}
	calls = 0
	_, err := ts.Put(context.Background(), samplePerms(), "rs", "")
	if !errors.Is(err, ErrStorageExhausted) {
		t.Fatalf("expected storage exhausted, got %v", err)
	}
	if e, ok := AsError(err); !ok || e.Kind != KindStorage {
		t.Fatalf("expected storage kind, got %#v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
}

func TestMarkRedeemedExactlyOnce(t *testing.T) {
	store := NewMemoryStore()
	ts := NewTicketStore(store.Tickets())
	ticket, err := ts.Put(context.Background(), samplePerms(), "rs", "")
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	var (
		wg      sync.WaitGroup
		won     atomic.Int32
		already atomic.Int32
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			switch err := ts.MarkRedeemed(context.Background(), ticket.ID); {
			case err == nil:
				won.Add(1)
			case errors.Is(err, ErrAlreadyRedeemed):
				already.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if won.Load() != 1 || already.Load() != 31 {
		t.Fatalf("won=%d already=%d", won.Load(), already.Load())
	}
	if err := ts.MarkRedeemed(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
