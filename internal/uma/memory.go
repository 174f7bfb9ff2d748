package uma

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/im7mortal/kmutex"
)

// MemoryStore is an in-memory implementation of every repository interface.
// It is safe for concurrent use and hands out copies, never shared pointers.
type MemoryStore struct {
	mu        sync.RWMutex
	tickets   map[string]PermissionTicket
	rpts      map[string]RPTRecord
	rptByFP   map[string]string
	sessions  map[string]*ClaimsSession
	byTicket  map[string]string
	pcts      map[string]PCTRecord
	resources map[string]Resource

	sessionLocks *kmutex.Kmutex
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tickets:      make(map[string]PermissionTicket),
		rpts:         make(map[string]RPTRecord),
		rptByFP:      make(map[string]string),
		sessions:     make(map[string]*ClaimsSession),
		byTicket:     make(map[string]string),
		pcts:         make(map[string]PCTRecord),
		resources:    make(map[string]Resource),
		sessionLocks: kmutex.New(),
	}
}

// Tickets exposes the store as a TicketRepository.
func (m *MemoryStore) Tickets() TicketRepository { return memTickets{m} }

// RPTs exposes the store as an RptRepository.
func (m *MemoryStore) RPTs() RptRepository { return memRPTs{m} }

// Sessions exposes the store as a ClaimsSessionRepository.
func (m *MemoryStore) Sessions() ClaimsSessionRepository { return memSessions{m} }

// PCTs exposes the store as a PCTRepository.
func (m *MemoryStore) PCTs() PCTRepository { return memPCTs{m} }

// Resources exposes the store as a ResourceRepository.
func (m *MemoryStore) Resources() ResourceRepository { return memResources{m} }

// PutResource registers a resource.
func (m *MemoryStore) PutResource(r Resource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r.Scopes = slices.Clone(r.Scopes)
	m.resources[r.ID] = r
}

func cloneTicket(t PermissionTicket) *PermissionTicket {
	out := t
	out.Permissions = make([]PermissionRequest, len(t.Permissions))
	for i, p := range t.Permissions {
		out.Permissions[i] = PermissionRequest{ResourceID: p.ResourceID, Scopes: slices.Clone(p.Scopes)}
	}
	return &out
}

func clonePermissions(in []Permission) []Permission {
	out := make([]Permission, len(in))
	for i, p := range in {
		out[i] = p
		out[i].Scopes = slices.Clone(p.Scopes)
	}
	return out
}

func cloneClaims(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

type memTickets struct{ m *MemoryStore }

func (s memTickets) Put(_ context.Context, t *PermissionTicket) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.tickets[t.ID]; ok {
		return ErrConflict
	}
	s.m.tickets[t.ID] = *cloneTicket(*t)
	return nil
}

func (s memTickets) Get(_ context.Context, id string) (*PermissionTicket, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	t, ok := s.m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTicket(t), nil
}

func (s memTickets) MarkRedeemed(_ context.Context, id string, now time.Time) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	t, ok := s.m.tickets[id]
	if !ok {
		return ErrNotFound
	}
	switch {
	case t.State == TicketRedeemed:
		return ErrAlreadyRedeemed
	case t.State == TicketExpired || t.Expired(now):
		return ErrExpired
	}
	t.State = TicketRedeemed
	s.m.tickets[id] = t
	return nil
}

func (s memTickets) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for id, t := range s.m.tickets {
		if t.Expired(now) {
			delete(s.m.tickets, id)
			n++
		}
	}
	return n, nil
}

type memRPTs struct{ m *MemoryStore }

func (s memRPTs) Put(_ context.Context, rec *RPTRecord) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.rpts[rec.ID]; ok {
		return ErrConflict
	}
	r := *rec
	r.Permissions = clonePermissions(rec.Permissions)
	s.m.rpts[r.ID] = r
	if r.Fingerprint != "" {
		s.m.rptByFP[r.Fingerprint] = r.ID
	}
	return nil
}

func (s memRPTs) Get(_ context.Context, id string) (*RPTRecord, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	r, ok := s.m.rpts[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Permissions = clonePermissions(r.Permissions)
	return &r, nil
}

func (s memRPTs) GetByFingerprint(ctx context.Context, fingerprint string) (*RPTRecord, error) {
	s.m.mu.RLock()
	id, ok := s.m.rptByFP[fingerprint]
	s.m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s memRPTs) update(id string, fn func(*RPTRecord)) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	r, ok := s.m.rpts[id]
	if !ok {
		return ErrNotFound
	}
	fn(&r)
	s.m.rpts[id] = r
	return nil
}

func (s memRPTs) Revoke(_ context.Context, id string) error {
	return s.update(id, func(r *RPTRecord) { r.Revoked = true })
}

func (s memRPTs) Supersede(_ context.Context, id, by string) error {
	return s.update(id, func(r *RPTRecord) { r.SupersededBy = by })
}

func (s memRPTs) Touch(_ context.Context, id string, at time.Time) error {
	return s.update(id, func(r *RPTRecord) { r.LastUsedAt = at })
}

func (s memRPTs) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for id, r := range s.m.rpts {
		if !now.Before(r.ExpiresAt) {
			delete(s.m.rpts, id)
			delete(s.m.rptByFP, r.Fingerprint)
			n++
		}
	}
	return n, nil
}

type memSessions struct{ m *MemoryStore }

func (s memSessions) Put(_ context.Context, sess *ClaimsSession) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.sessions[sess.ID]; ok {
		return ErrConflict
	}
	if other, ok := s.m.byTicket[sess.TicketID]; ok && other != sess.ID {
		return ErrConflict
	}
	s.m.sessions[sess.ID] = sess.Clone()
	s.m.byTicket[sess.TicketID] = sess.ID
	return nil
}

func (s memSessions) Get(_ context.Context, id string) (*ClaimsSession, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess.Clone(), nil
}

func (s memSessions) GetByTicket(ctx context.Context, ticketID string) (*ClaimsSession, error) {
	s.m.mu.RLock()
	id, ok := s.m.byTicket[ticketID]
	s.m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return s.Get(ctx, id)
}

func (s memSessions) Advance(ctx context.Context, id string, fn func(*ClaimsSession) error) (*ClaimsSession, error) {
	s.m.sessionLocks.Lock(id)
	defer s.m.sessionLocks.Unlock(id)

	sess, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.sessions[id]; !ok {
		return nil, ErrNotFound
	}
	s.m.sessions[id] = sess.Clone()
	return sess, nil
}

func (s memSessions) Delete(_ context.Context, id string) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	sess, ok := s.m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	delete(s.m.sessions, id)
	delete(s.m.byTicket, sess.TicketID)
	return nil
}

func (s memSessions) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for id, sess := range s.m.sessions {
		if sess.Expired(now) {
			delete(s.m.sessions, id)
			delete(s.m.byTicket, sess.TicketID)
			n++
		}
	}
	return n, nil
}

type memPCTs struct{ m *MemoryStore }

func (s memPCTs) Put(_ context.Context, p *PCTRecord) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if _, ok := s.m.pcts[p.Fingerprint]; ok {
		return ErrConflict
	}
	rec := *p
	rec.Claims = cloneClaims(p.Claims)
	s.m.pcts[p.Fingerprint] = rec
	return nil
}

func (s memPCTs) GetByFingerprint(_ context.Context, fingerprint string) (*PCTRecord, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	p, ok := s.m.pcts[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	p.Claims = cloneClaims(p.Claims)
	return &p, nil
}

func (s memPCTs) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	var n int64
	for fp, p := range s.m.pcts {
		if !now.Before(p.ExpiresAt) {
			delete(s.m.pcts, fp)
			n++
		}
	}
	return n, nil
}

type memResources struct{ m *MemoryStore }

func (s memResources) Get(_ context.Context, id string) (*Resource, error) {
	s.m.mu.RLock()
	defer s.m.mu.RUnlock()
	r, ok := s.m.resources[id]
	if !ok {
		return nil, ErrNotFound
	}
	r.Scopes = slices.Clone(r.Scopes)
	return &r, nil
}
