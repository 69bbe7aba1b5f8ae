package schema

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNotFound is returned when a knowledge base has no schema with the
// requested version.
var ErrNotFound = errors.New("domain schema not found")

// Catalog provides read-only schema snapshots.
type Catalog interface {
	Get(ctx context.Context, kbID string, version int) (*DomainSchema, error)
}

// CachedCatalog memoizes snapshots of another Catalog. Schema versions never
// change once created, so entries are never invalidated. Only the archived flag
// may change, and callers that care about it must ask the backing catalog.
type CachedCatalog struct {
	backing Catalog
	mu      sync.RWMutex
	cache   map[string]*DomainSchema
}

func NewCachedCatalog(backing Catalog) *CachedCatalog {
	return &CachedCatalog{
		backing: backing,
		cache:   make(map[string]*DomainSchema),
	}
}

func (c *CachedCatalog) Get(ctx context.Context, kbID string, version int) (*DomainSchema, error) {
	key := fmt.Sprintf("%s:%d", kbID, version)

	c.mu.RLock()
	s, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return s, nil
	}

	s, err := c.backing.Get(ctx, kbID, version)
	if err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = s
	c.mu.Unlock()
	return s, nil
}

// StaticCatalog serves schemas from memory. It backs tests and single-domain
// deployments that ship their schema with the binary.
type StaticCatalog struct {
	schemas map[string]*DomainSchema
}

func NewStaticCatalog(schemas ...*DomainSchema) *StaticCatalog {
	c := &StaticCatalog{schemas: make(map[string]*DomainSchema, len(schemas))}
	for _, s := range schemas {
		c.schemas[fmt.Sprintf("%s:%d", s.KBID, s.Version)] = s
	}
	return c
}

func (c *StaticCatalog) Get(_ context.Context, kbID string, version int) (*DomainSchema, error) {
	s, ok := c.schemas[fmt.Sprintf("%s:%d", kbID, version)]
	if !ok {
		return nil, fmt.Errorf("kb %s version %d: %w", kbID, version, ErrNotFound)
	}
	return s, nil
}
