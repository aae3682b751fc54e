// Package memory provides in-process storage used by tests and local runs.
package memory

import (
	"context"
	"sync"

	"github.com/catalogcrawl/catalogcrawl/internal/crawl"
)

// TokenStore keeps resume tokens in a map.
type TokenStore struct {
	mu     sync.RWMutex
	tokens map[string][]byte
}

// NewTokenStore builds an empty store.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string][]byte)}
}

// SaveToken stores the latest token for a session, replacing any prior one.
func (s *TokenStore) SaveToken(_ context.Context, sessionID string, token []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[sessionID] = append([]byte(nil), token...)
	return nil
}

// LoadToken returns the latest token for a session.
func (s *TokenStore) LoadToken(_ context.Context, sessionID string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	token, ok := s.tokens[sessionID]
	if !ok {
		return nil, crawl.ErrTokenNotFound
	}
	return append([]byte(nil), token...), nil
}

// Persister collects products in memory.
type Persister struct {
	mu       sync.RWMutex
	products map[string]crawl.Product
}

// NewPersister builds an empty Persister.
func NewPersister() *Persister {
	return &Persister{products: make(map[string]crawl.Product)}
}

// Persist stores the product keyed by ID; later writes win.
func (p *Persister) Persist(_ context.Context, product crawl.Product) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.products[product.ID] = product
	return nil
}

// Products returns a copy of everything persisted so far.
func (p *Persister) Products() []crawl.Product {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]crawl.Product, 0, len(p.products))
	for _, product := range p.products {
		out = append(out, product)
	}
	return out
}
