package app

import (
	"context"
	"sync"
	"time"

	"nyhetsjeger/api/internal/cases"
	"nyhetsjeger/api/internal/dedup"
	"nyhetsjeger/api/internal/events"
	"nyhetsjeger/api/internal/identity"
	"nyhetsjeger/api/internal/requests"
	"nyhetsjeger/api/internal/store"
)

// Session is the per-user state built once by OpenSession. The identity and id never
// change afterwards.
type Session struct {
	ID       string
	Identity identity.Identity
	Cases    *cases.Grouper
	Ledger   *requests.Ledger

	requested map[store.RequestType]*dedup.Set
	feed      recommendedFeed
}

// recommendedFeed is the recommended set fetched for a session. Changing the sort order
// reorders these rows without another query.
type recommendedFeed struct {
	mu     sync.Mutex
	items  []store.RecommendedEntry
	loaded bool
}

func (s *Session) Actor() events.Actor {
	return events.Actor{UserID: s.Identity.UserID, SessionID: s.ID}
}

// Requested returns the dedup set of requestType, defaulting to postjournal.
func (s *Session) Requested(requestType store.RequestType) *dedup.Set {
	if requestType == "" {
		requestType = store.TypePostjournal
	}
	return s.requested[requestType]
}

type sessionRecord struct {
	session  *Session
	lastSeen time.Time
}

// registry caches sessions by id and evicts those idle longer than ttl.
type registry struct {
	ttl time.Duration
	now func() time.Time

	mu       sync.Mutex
	sessions map[string]sessionRecord
}

func newRegistry(ttl time.Duration) *registry {
	return &registry{ttl: ttl, now: time.Now, sessions: make(map[string]sessionRecord)}
}

func (r *registry) get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	record, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	now := r.now()
	if r.ttl > 0 && now.Sub(record.lastSeen) > r.ttl {
		delete(r.sessions, id)
		return nil, false
	}
	record.lastSeen = now
	r.sessions[id] = record
	return record.session, true
}

// put stores session unless another one was registered under the same id meanwhile, in
// which case the existing one is returned.
func (r *registry) put(session *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.sessions[session.ID]; ok {
		return existing.session
	}
	r.sessions[session.ID] = sessionRecord{session: session, lastSeen: r.now()}
	return session
}

// prune drops idle sessions and returns how many remain.
func (r *registry) prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	for id, record := range r.sessions {
		if r.ttl > 0 && now.Sub(record.lastSeen) > r.ttl {
			delete(r.sessions, id)
		}
	}
	return len(r.sessions)
}

// memoryBinder binds session ids to users inside one process. It is used when no Redis
// is configured.
type memoryBinder struct {
	mu     sync.Mutex
	owners map[string]string
}

func newMemoryBinder() *memoryBinder {
	return &memoryBinder{owners: make(map[string]string)}
}

func (b *memoryBinder) Bind(_ context.Context, sessionID, userID string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if owner, ok := b.owners[sessionID]; ok {
		return owner, nil
	}
	b.owners[sessionID] = userID
	return userID, nil
}
