// Package requests drafts, stores and dispatches disclosure requests.
package requests

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"nyhetsjeger/api/internal/store"
)

var (
	ErrMissingRecipient = errors.New("request has no recipient email")
	ErrNotConfirmed     = errors.New("dispatch not confirmed")
	ErrInvalidOutcome   = errors.New("invalid outcome")
	ErrInvalidType      = errors.New("invalid request type")
	ErrInvalidEmail     = errors.New("invalid email address")
	ErrUnknownRequest   = errors.New("unknown request")
	ErrDispatchBusy     = errors.New("request dispatch already in progress")
)

// DispatchError carries the message reported by the dispatch function.
type DispatchError struct {
	Message string
}

func (e *DispatchError) Error() string {
	return "dispatch failed: " + e.Message
}

// DispatchResult is the reply of the dispatch function.
type DispatchResult struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Dispatcher sends a stored request to its recipient.
type Dispatcher interface {
	Dispatch(ctx context.Context, requestID string) (DispatchResult, error)
}

type Store interface {
	Lister
	InsertRequest(ctx context.Context, req store.Request) (store.Request, error)
	GetRequest(ctx context.Context, id, userID string) (store.Request, error)
	UpdateRequestOutcome(ctx context.Context, id, userID string, outcome store.Outcome) error
	UpdateRequestRecipient(ctx context.Context, id, userID, email string) error
}

type Resolver interface {
	Resolve(authority string) string
}

// Observer receives lifecycle counts. It may be nil.
type Observer interface {
	RequestCreated(requestType string)
	RequestDispatched(result string)
}

type Manager struct {
	store      Store
	resolver   Resolver
	dispatcher Dispatcher
	observer   Observer
	newID      func() string
	now        func() time.Time

	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewManager(s Store, resolver Resolver, dispatcher Dispatcher, observer Observer) *Manager {
	return &Manager{
		store:      s,
		resolver:   resolver,
		dispatcher: dispatcher,
		observer:   observer,
		newID:      uuid.NewString,
		now:        time.Now,
		inflight:   make(map[string]struct{}),
	}
}

// Draft builds an unsaved request for entry. The recipient is nil when the authority
// cannot be resolved.
func (m *Manager) Draft(entry store.Entry, requestType store.RequestType) store.Request {
	if requestType == "" {
		requestType = store.TypePostjournal
	}
	outcome := store.OutcomeUnknown
	req := store.Request{
		Type:          requestType,
		Source:        store.SourceEntries,
		SourceEntryID: entry.ID,
		Authority:     strings.TrimSpace(entry.Authority),
		Subject:       Subject(entry, requestType),
		Body:          Body(entry, requestType),
		Status:        store.StatusDraft,
		Outcome:       &outcome,
	}
	if email := m.resolver.Resolve(entry.Authority); email != "" {
		req.RecipientEmail = &email
	}
	return req
}

// Create stores a draft request for entry on behalf of userID.
func (m *Manager) Create(ctx context.Context, userID string, entry store.Entry, requestType store.RequestType) (store.Request, error) {
	if requestType == "" {
		requestType = store.TypePostjournal
	}
	if !ValidType(requestType) {
		return store.Request{}, ErrInvalidType
	}
	draft := m.Draft(entry, requestType)
	draft.ID = m.newID()
	draft.UserID = userID

	created, err := m.store.InsertRequest(ctx, draft)
	if err != nil {
		return store.Request{}, fmt.Errorf("create request: %w", err)
	}
	if m.observer != nil {
		m.observer.RequestCreated(string(requestType))
	}
	return created, nil
}

// Dispatched is the ledger after a successful send. ReloadErr is set when the rows could
// not be reloaded afterwards; the sent row is then updated locally instead.
type Dispatched struct {
	Requests  []store.Request
	ReloadErr error
}

// Dispatch sends request id and reloads the ledger. The recipient is checked before any
// call to the dispatcher, nothing is sent without confirmation, and a request already
// being dispatched by this manager is refused.
func (m *Manager) Dispatch(ctx context.Context, ledger *Ledger, id string, confirmed bool) (Dispatched, error) {
	req, err := m.store.GetRequest(ctx, id, ledger.UserID())
	if err != nil {
		return Dispatched{}, fmt.Errorf("load request: %w", err)
	}
	if req.RecipientEmail == nil || strings.TrimSpace(*req.RecipientEmail) == "" {
		return Dispatched{}, ErrMissingRecipient
	}
	if !confirmed {
		return Dispatched{}, ErrNotConfirmed
	}
	if !m.begin(id) {
		return Dispatched{}, ErrDispatchBusy
	}
	defer m.end(id)

	result, err := m.dispatcher.Dispatch(ctx, id)
	if err != nil {
		m.dispatched("error")
		return Dispatched{}, &DispatchError{Message: err.Error()}
	}
	if !result.OK {
		m.dispatched("rejected")
		message := result.Error
		if message == "" {
			message = "unknown error"
		}
		return Dispatched{}, &DispatchError{Message: message}
	}
	m.dispatched("sent")

	rows, err := ledger.Reconcile(ctx)
	if err != nil {
		sentAt := m.now().UTC()
		_, _ = ledger.Apply(id, func(row *store.Request) {
			row.Status = store.StatusSent
			row.SentAt = &sentAt
		})
		return Dispatched{Requests: ledger.Rows(SortNewest), ReloadErr: err}, nil
	}
	return Dispatched{Requests: rows}, nil
}

func (m *Manager) begin(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, busy := m.inflight[id]; busy {
		return false
	}
	m.inflight[id] = struct{}{}
	return true
}

func (m *Manager) end(id string) {
	m.mu.Lock()
	delete(m.inflight, id)
	m.mu.Unlock()
}

func (m *Manager) dispatched(result string) {
	if m.observer != nil {
		m.observer.RequestDispatched(result)
	}
}

// SetOutcome records how an authority answered. Any status accepts an outcome.
func (m *Manager) SetOutcome(ctx context.Context, ledger *Ledger, id string, outcome store.Outcome) ([]store.Request, error) {
	if !ValidOutcome(outcome) {
		return nil, ErrInvalidOutcome
	}
	return m.apply(ctx, ledger, id,
		func(req *store.Request) { req.Outcome = &outcome },
		func() error { return m.store.UpdateRequestOutcome(ctx, id, ledger.UserID(), outcome) },
	)
}

// SetRecipient fills in the recipient of a request whose authority could not be resolved.
func (m *Manager) SetRecipient(ctx context.Context, ledger *Ledger, id, email string) ([]store.Request, error) {
	address, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return nil, ErrInvalidEmail
	}
	recipient := address.Address
	return m.apply(ctx, ledger, id,
		func(req *store.Request) { req.RecipientEmail = &recipient },
		func() error { return m.store.UpdateRequestRecipient(ctx, id, ledger.UserID(), recipient) },
	)
}

// apply runs a local edit, the matching write, and then a full reload. A failed write
// restores the local row.
func (m *Manager) apply(ctx context.Context, ledger *Ledger, id string, mutate func(*store.Request), write func() error) ([]store.Request, error) {
	undo, err := ledger.Apply(id, mutate)
	if errors.Is(err, ErrUnknownRequest) {
		undo = func() {}
	} else if err != nil {
		return nil, err
	}
	if err := write(); err != nil {
		undo()
		return nil, fmt.Errorf("update request %s: %w", id, err)
	}
	return ledger.Reconcile(ctx)
}
