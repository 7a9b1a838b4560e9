// Package dedup tracks which records a user already has a disclosure request for.
package dedup

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"nyhetsjeger/api/internal/store"
)

// Loader lists a user's requests of one type.
type Loader interface {
	ListRequests(ctx context.Context, userID string, requestType store.RequestType) ([]store.Request, error)
}

// Key is the membership key of a request: "<source>:<source entry id>".
func Key(source string, id int64) string {
	return source + ":" + strconv.FormatInt(id, 10)
}

// Set is the per-session requested set for one user and request type.
type Set struct {
	loader      Loader
	userID      string
	requestType store.RequestType

	mu       sync.RWMutex
	keys     map[string]struct{}
	inflight map[string]struct{}
}

func NewSet(loader Loader, userID string, requestType store.RequestType) *Set {
	return &Set{
		loader:      loader,
		userID:      userID,
		requestType: requestType,
		keys:        make(map[string]struct{}),
		inflight:    make(map[string]struct{}),
	}
}

// Reload replaces the set with the keys of every stored request. On failure the previous
// set is kept.
func (s *Set) Reload(ctx context.Context) error {
	requests, err := s.loader.ListRequests(ctx, s.userID, s.requestType)
	if err != nil {
		return fmt.Errorf("reload requested set: %w", err)
	}
	keys := make(map[string]struct{}, len(requests))
	for _, req := range requests {
		if req.Source == "" {
			continue
		}
		keys[Key(req.Source, req.SourceEntryID)] = struct{}{}
	}

	s.mu.Lock()
	s.keys = keys
	s.mu.Unlock()
	return nil
}

// Add records a key after a successful create, ahead of the next Reload.
func (s *Set) Add(source string, id int64) {
	s.mu.Lock()
	s.keys[Key(source, id)] = struct{}{}
	s.mu.Unlock()
}

// Begin claims key for a create in progress. It reports false when the key is already
// requested or another create holds it. A successful Begin must be paired with End.
func (s *Set) Begin(source string, id int64) bool {
	key := Key(source, id)
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.keys[key]; ok {
		return false
	}
	if _, ok := s.inflight[key]; ok {
		return false
	}
	s.inflight[key] = struct{}{}
	return true
}

// End releases a claim taken by Begin.
func (s *Set) End(source string, id int64) {
	s.mu.Lock()
	delete(s.inflight, Key(source, id))
	s.mu.Unlock()
}

func (s *Set) Has(source string, id int64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.keys[Key(source, id)]
	return ok
}

// IsRequested reports whether entry already has a request.
func (s *Set) IsRequested(entry store.Entry) bool {
	return s.Has(store.SourceEntries, entry.ID)
}

func (s *Set) Type() store.RequestType {
	return s.requestType
}

func (s *Set) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
