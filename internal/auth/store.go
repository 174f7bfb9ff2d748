package auth

import (
	"context"
	"slices"
	"sort"
	"sync"
)

// ClientStore persists registered clients.
type ClientStore interface {
	Create(ctx context.Context, c *Client) error
	Find(ctx context.Context, id string) (*Client, error)
	List(ctx context.Context) ([]*Client, error)
	SetDisabled(ctx context.Context, id string, disabled bool) error
}

// MemoryClientStore keeps clients in memory.
type MemoryClientStore struct {
	mu      sync.RWMutex
	clients map[string]Client
}

func NewMemoryClientStore() *MemoryClientStore {
	return &MemoryClientStore{clients: make(map[string]Client)}
}

func copyClient(c Client) *Client {
	c.ClaimsRedirectURIs = slices.Clone(c.ClaimsRedirectURIs)
	return &c
}

func (s *MemoryClientStore) Create(_ context.Context, c *Client) error {
	if c.ID == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c.ID]; ok {
		return ErrAlreadyExists
	}
	s.clients[c.ID] = *copyClient(*c)
	return nil
}

func (s *MemoryClientStore) Find(_ context.Context, id string) (*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyClient(c), nil
}

func (s *MemoryClientStore) List(_ context.Context) ([]*Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, copyClient(c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryClientStore) SetDisabled(_ context.Context, id string, disabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[id]
	if !ok {
		return ErrNotFound
	}
	c.Disabled = disabled
	s.clients[id] = c
	return nil
}
