package schema

import (
	"context"
	"sync"
)

// MemoryRegistry 把 schema 保存在内存中，进程重启后丢失
type MemoryRegistry struct {
	mu     sync.RWMutex
	byURI  map[string]*Schema
	byType map[string]*Schema
}

var _ Registry = &MemoryRegistry{}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		byURI:  map[string]*Schema{},
		byType: map[string]*Schema{},
	}
}

func (r *MemoryRegistry) Get(_ context.Context, uri string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byURI[uri]
	if !ok {
		return nil, newNotFound(uri)
	}
	return s.deepCopy(), nil
}

func (r *MemoryRegistry) Lookup(_ context.Context, eventType string) (*Schema, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byType[eventType]
	if !ok {
		return nil, newNotFound(eventType)
	}
	return s.deepCopy(), nil
}

func (r *MemoryRegistry) Register(_ context.Context, s *Schema) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byURI[s.URI]; ok {
		return newAlreadyExists(s.URI)
	}
	if s.Type != "" {
		if _, ok := r.byType[s.Type]; ok {
			return newAlreadyExists(s.Type)
		}
	}
	stored := s.deepCopy()
	r.byURI[s.URI] = stored
	if s.Type != "" {
		r.byType[s.Type] = stored
	}
	return nil
}
