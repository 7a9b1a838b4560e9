package requests

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyhetsjeger/api/internal/contacts"
	"nyhetsjeger/api/internal/dedup"
	"nyhetsjeger/api/internal/store"
)

// memoryStore keeps request rows in memory. The Fn hooks override individual calls.
type memoryStore struct {
	mu   sync.Mutex
	rows []store.Request
	now  time.Time

	insertFn  func(store.Request) (store.Request, error)
	outcomeFn func(id string, outcome store.Outcome) error
	listFn    func() ([]store.Request, error)
}

func (s *memoryStore) InsertRequest(_ context.Context, req store.Request) (store.Request, error) {
	if s.insertFn != nil {
		return s.insertFn(req)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(time.Minute)
	req.CreatedAt = s.now
	req.UpdatedAt = s.now
	s.rows = append(s.rows, req)
	return req, nil
}

func (s *memoryStore) GetRequest(_ context.Context, id, userID string) (store.Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.rows {
		if row.ID == id && row.UserID == userID {
			return row, nil
		}
	}
	return store.Request{}, sql.ErrNoRows
}

func (s *memoryStore) ListRequests(_ context.Context, userID string, requestType store.RequestType) ([]store.Request, error) {
	if s.listFn != nil {
		return s.listFn()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.Request
	for _, row := range s.rows {
		if row.UserID == userID && (requestType == "" || row.Type == requestType) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (s *memoryStore) UpdateRequestOutcome(_ context.Context, id, userID string, outcome store.Outcome) error {
	if s.outcomeFn != nil {
		return s.outcomeFn(id, outcome)
	}
	return s.update(id, userID, func(r *store.Request) { r.Outcome = &outcome })
}

func (s *memoryStore) UpdateRequestRecipient(_ context.Context, id, userID, email string) error {
	return s.update(id, userID, func(r *store.Request) { r.RecipientEmail = &email })
}

func (s *memoryStore) markSent(id string) {
	_ = s.update(id, "", func(r *store.Request) {
		now := time.Now()
		r.Status = store.StatusSent
		r.SentAt = &now
	})
}

func (s *memoryStore) update(id, userID string, fn func(*store.Request)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].ID == id && (userID == "" || s.rows[i].UserID == userID) {
			fn(&s.rows[i])
			return nil
		}
	}
	return sql.ErrNoRows
}

type fakeDispatcher struct {
	calls      []string
	dispatchFn func(id string) (DispatchResult, error)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, id string) (DispatchResult, error) {
	d.calls = append(d.calls, id)
	if d.dispatchFn != nil {
		return d.dispatchFn(id)
	}
	return DispatchResult{OK: true}, nil
}

type recordingObserver struct {
	created    []string
	dispatched []string
}

func (o *recordingObserver) RequestCreated(requestType string) { o.created = append(o.created, requestType) }
func (o *recordingObserver) RequestDispatched(result string)   { o.dispatched = append(o.dispatched, result) }

func newTestManager(s *memoryStore, d *fakeDispatcher) *Manager {
	m := NewManager(s, contacts.NewResolver(contacts.Default), d, nil)
	n := 0
	m.newID = func() string {
		n++
		return fmt.Sprintf("req-%d", n)
	}
	return m
}

func TestDraftDefaults(t *testing.T) {
	m := newTestManager(&memoryStore{}, &fakeDispatcher{})

	draft := m.Draft(store.Entry{ID: 42, Authority: "Levanger kommune", CaseNumber: "2024/100-3"}, "")

	assert.Equal(t, store.StatusDraft, draft.Status)
	require.NotNil(t, draft.Outcome)
	assert.Equal(t, store.OutcomeUnknown, *draft.Outcome)
	assert.Nil(t, draft.SentAt)
	assert.Equal(t, store.TypePostjournal, draft.Type)
	assert.Equal(t, store.SourceEntries, draft.Source)
	assert.Equal(t, int64(42), draft.SourceEntryID)
	require.NotNil(t, draft.RecipientEmail)
	assert.Equal(t, "postmottak@levanger.kommune.no", *draft.RecipientEmail)
}

func TestDraftUnresolvedRecipientIsNil(t *testing.T) {
	m := newTestManager(&memoryStore{}, &fakeDispatcher{})
	draft := m.Draft(store.Entry{ID: 1, Authority: "Oslo kommune"}, store.TypePostjournal)
	assert.Nil(t, draft.RecipientEmail)
}

func TestCreateRejectsUnknownType(t *testing.T) {
	m := newTestManager(&memoryStore{}, &fakeDispatcher{})
	_, err := m.Create(context.Background(), "user-1", store.Entry{ID: 1}, store.RequestType("bogus"))
	assert.ErrorIs(t, err, ErrInvalidType)
}

func TestCreateFailureIsReturned(t *testing.T) {
	s := &memoryStore{insertFn: func(store.Request) (store.Request, error) {
		return store.Request{}, errors.New("insert failed")
	}}
	observer := &recordingObserver{}
	m := newTestManager(s, &fakeDispatcher{})
	m.observer = observer

	_, err := m.Create(context.Background(), "user-1", store.Entry{ID: 1}, store.TypePostjournal)
	require.Error(t, err)
	assert.Empty(t, observer.created)
}

func TestDispatchRejectsMissingRecipientBeforeDispatching(t *testing.T) {
	s := &memoryStore{}
	d := &fakeDispatcher{}
	m := newTestManager(s, d)
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", store.Entry{ID: 5, Authority: "Oslo kommune"}, store.TypePostjournal)
	require.NoError(t, err)

	ledger := NewLedger(s, "user-1")
	_, err = m.Dispatch(ctx, ledger, created.ID, true)
	assert.ErrorIs(t, err, ErrMissingRecipient)
	assert.Empty(t, d.calls)
}

func TestDispatchRequiresConfirmation(t *testing.T) {
	s := &memoryStore{}
	d := &fakeDispatcher{}
	m := newTestManager(s, d)
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", store.Entry{ID: 5, Authority: "Verdal kommune"}, store.TypePostjournal)
	require.NoError(t, err)

	_, err = m.Dispatch(ctx, NewLedger(s, "user-1"), created.ID, false)
	assert.ErrorIs(t, err, ErrNotConfirmed)
	assert.Empty(t, d.calls)
}

func TestDispatchFailureLeavesStatus(t *testing.T) {
	s := &memoryStore{}
	d := &fakeDispatcher{dispatchFn: func(string) (DispatchResult, error) {
		return DispatchResult{OK: false, Error: "smtp: mailbox unavailable"}, nil
	}}
	m := newTestManager(s, d)
	ctx := context.Background()

	created, err := m.Create(ctx, "user-1", store.Entry{ID: 5, Authority: "Verdal kommune"}, store.TypePostjournal)
	require.NoError(t, err)

	_, err = m.Dispatch(ctx, NewLedger(s, "user-1"), created.ID, true)
	var dispatchErr *DispatchError
	require.ErrorAs(t, err, &dispatchErr)
	assert.Equal(t, "smtp: mailbox unavailable", dispatchErr.Message)

	stored, err := s.GetRequest(ctx, created.ID, "user-1")
	require.NoError(t, err)
	assert.Equal(t, store.StatusDraft, stored.Status)
}

func TestSetOutcomeOnDraft(t *testing.T) {
	s := &memoryStore{}
	m := newTestManager(s, &fakeDispatcher{})
	ctx := context.Background()
	created, err := m.Create(ctx, "user-1", store.Entry{ID: 5, Authority: "Verdal kommune"}, store.TypePostjournal)
	require.NoError(t, err)

	ledger := NewLedger(s, "user-1")
	_, err = ledger.Reconcile(ctx)
	require.NoError(t, err)

	rows, err := m.SetOutcome(ctx, ledger, created.ID, store.OutcomeDenied)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, store.StatusDraft, rows[0].Status)
	assert.Equal(t, store.OutcomeDenied, *rows[0].Outcome)
}

func TestSetOutcomeRejectsUnknownValue(t *testing.T) {
	m := newTestManager(&memoryStore{}, &fakeDispatcher{})
	_, err := m.SetOutcome(context.Background(), NewLedger(&memoryStore{}, "user-1"), "req-1", store.Outcome("maybe"))
	assert.ErrorIs(t, err, ErrInvalidOutcome)
}

func TestSetOutcomeWriteFailureReverts(t *testing.T) {
	s := &memoryStore{}
	m := newTestManager(s, &fakeDispatcher{})
	ctx := context.Background()
	created, err := m.Create(ctx, "user-1", store.Entry{ID: 5, Authority: "Verdal kommune"}, store.TypePostjournal)
	require.NoError(t, err)

	ledger := NewLedger(s, "user-1")
	_, err = ledger.Reconcile(ctx)
	require.NoError(t, err)

	s.outcomeFn = func(string, store.Outcome) error { return errors.New("permission denied") }
	_, err = m.SetOutcome(ctx, ledger, created.ID, store.OutcomeStory)
	require.Error(t, err)

	row, ok := ledger.Get(created.ID)
	require.True(t, ok)
	assert.Equal(t, store.OutcomeUnknown, *row.Outcome)
}

func TestSetRecipient(t *testing.T) {
	s := &memoryStore{}
	m := newTestManager(s, &fakeDispatcher{})
	ctx := context.Background()
	created, err := m.Create(ctx, "user-1", store.Entry{ID: 5, Authority: "Oslo kommune"}, store.TypePostjournal)
	require.NoError(t, err)
	ledger := NewLedger(s, "user-1")

	_, err = m.SetRecipient(ctx, ledger, created.ID, "not an address")
	assert.ErrorIs(t, err, ErrInvalidEmail)

	rows, err := m.SetRecipient(ctx, ledger, created.ID, " Postmottak <postmottak@oslo.kommune.no> ")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "postmottak@oslo.kommune.no", *rows[0].RecipientEmail)
}

func TestLedgerRowsSortOrder(t *testing.T) {
	s := &memoryStore{}
	m := newTestManager(s, &fakeDispatcher{})
	ctx := context.Background()
	for id := int64(1); id <= 3; id++ {
		_, err := m.Create(ctx, "user-1", store.Entry{ID: id}, store.TypePostjournal)
		require.NoError(t, err)
	}
	ledger := NewLedger(s, "user-1")
	_, err := ledger.Reconcile(ctx)
	require.NoError(t, err)

	newest := ledger.Rows(SortNewest)
	oldest := ledger.Rows(ParseSort("oldest"))
	assert.Equal(t, "req-3", newest[0].ID)
	assert.Equal(t, "req-1", oldest[0].ID)
}

func TestOverlappingDispatchIsRefused(t *testing.T) {
	s := &memoryStore{}
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	d := &fakeDispatcher{dispatchFn: func(id string) (DispatchResult, error) {
		entered <- struct{}{}
		<-release
		s.markSent(id)
		return DispatchResult{OK: true}, nil
	}}
	m := newTestManager(s, d)
	ctx := context.Background()
	created, err := m.Create(ctx, "user-1", store.Entry{ID: 42, Authority: "Levanger kommune"}, store.TypePostjournal)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := m.Dispatch(ctx, NewLedger(s, "user-1"), created.ID, true)
		done <- err
	}()
	<-entered

	_, err = m.Dispatch(ctx, NewLedger(s, "user-1"), created.ID, true)
	assert.ErrorIs(t, err, ErrDispatchBusy)

	close(release)
	require.NoError(t, <-done)
	assert.Equal(t, []string{created.ID}, d.calls)
}

func TestDispatchReloadFailureAfterSendKeepsResult(t *testing.T) {
	s := &memoryStore{}
	d := &fakeDispatcher{}
	d.dispatchFn = func(id string) (DispatchResult, error) {
		s.markSent(id)
		return DispatchResult{OK: true}, nil
	}
	m := newTestManager(s, d)
	ctx := context.Background()
	created, err := m.Create(ctx, "user-1", store.Entry{ID: 42, Authority: "Levanger kommune"}, store.TypePostjournal)
	require.NoError(t, err)
	ledger := NewLedger(s, "user-1")
	ledger.Insert(created)

	s.listFn = func() ([]store.Request, error) { return nil, errors.New("timeout") }
	sent, err := m.Dispatch(ctx, ledger, created.ID, true)
	require.NoError(t, err)
	require.Error(t, sent.ReloadErr)
	require.Len(t, sent.Requests, 1)
	assert.Equal(t, store.StatusSent, sent.Requests[0].Status)
	assert.NotNil(t, sent.Requests[0].SentAt)
}

func TestLedgerReconcileFailureKeepsRows(t *testing.T) {
	s := &memoryStore{}
	ledger := NewLedger(s, "user-1")
	ledger.Insert(store.Request{ID: "req-1", UserID: "user-1"})

	s.listFn = func() ([]store.Request, error) { return nil, errors.New("timeout") }
	_, err := ledger.Reconcile(context.Background())
	require.Error(t, err)
	assert.Len(t, ledger.Rows(SortNewest), 1)
}

func TestRequestFlowEndToEnd(t *testing.T) {
	s := &memoryStore{}
	d := &fakeDispatcher{}
	d.dispatchFn = func(id string) (DispatchResult, error) {
		s.markSent(id)
		return DispatchResult{OK: true}, nil
	}
	m := newTestManager(s, d)
	ctx := context.Background()
	entry := store.Entry{ID: 42, Authority: "Levanger kommune", CaseNumber: "2024/100-3"}

	requested := dedup.NewSet(s, "user-1", store.TypePostjournal)
	ledger := NewLedger(s, "user-1")
	require.NoError(t, requested.Reload(ctx))
	assert.False(t, requested.IsRequested(entry))

	created, err := m.Create(ctx, "user-1", entry, store.TypePostjournal)
	require.NoError(t, err)
	requested.Add(created.Source, created.SourceEntryID)
	ledger.Insert(created)

	assert.True(t, requested.IsRequested(entry))
	assert.Equal(t, "postmottak@levanger.kommune.no", *created.RecipientEmail)
	assert.Equal(t, "Innsyn i dokument – sak 2024/100-3 (Levanger kommune)", created.Subject)

	sent, err := m.Dispatch(ctx, ledger, created.ID, true)
	require.NoError(t, err)
	require.NoError(t, sent.ReloadErr)
	rows := sent.Requests
	require.Len(t, rows, 1)
	assert.Equal(t, store.StatusSent, rows[0].Status)
	assert.NotNil(t, rows[0].SentAt)

	require.NoError(t, requested.Reload(ctx))
	assert.True(t, requested.IsRequested(entry))
	assert.Equal(t, []string{created.ID}, d.calls)
}
