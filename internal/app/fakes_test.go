package app

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"nyhetsjeger/api/internal/identity"
	"nyhetsjeger/api/internal/requests"
	"nyhetsjeger/api/internal/search"
	"nyhetsjeger/api/internal/store"
)

type fakeStore struct {
	mu       sync.Mutex
	entries  map[int64]store.Entry
	requests []store.Request
	now      time.Time

	pingFn            func(context.Context) error
	listCaseFn        func(ctx context.Context, authority, caseKey string) ([]store.Entry, error)
	listRecommendedFn func(ctx context.Context, limit int) ([]store.RecommendedEntry, error)
	listJobsFn        func(ctx context.Context, limit int) ([]store.Job, error)
	insertRequestFn   func(ctx context.Context, req store.Request) (store.Request, error)
	updateOutcomeFn   func(ctx context.Context, id, userID string, outcome store.Outcome) error
	listRequestsFn    func(ctx context.Context, userID string, requestType store.RequestType) ([]store.Request, error)
}

func newFakeStore(entries ...store.Entry) *fakeStore {
	fs := &fakeStore{
		entries: make(map[int64]store.Entry),
		now:     time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	for _, entry := range entries {
		fs.entries[entry.ID] = entry
	}
	return fs
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetEntry(_ context.Context, id int64) (store.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.entries[id]
	if !ok {
		return store.Entry{}, sql.ErrNoRows
	}
	return entry, nil
}

func (f *fakeStore) ListCaseEntries(ctx context.Context, authority, caseKey string) ([]store.Entry, error) {
	if f.listCaseFn != nil {
		return f.listCaseFn(ctx, authority, caseKey)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Entry
	for _, entry := range f.entries {
		if entry.Authority == authority && entry.DerivedCaseKey() == caseKey {
			out = append(out, entry)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRecommendedEntries(ctx context.Context, limit int) ([]store.RecommendedEntry, error) {
	if f.listRecommendedFn != nil {
		return f.listRecommendedFn(ctx, limit)
	}
	return nil, nil
}

func (f *fakeStore) ListRecommendedJobs(ctx context.Context, limit int) ([]store.Job, error) {
	if f.listJobsFn != nil {
		return f.listJobsFn(ctx, limit)
	}
	return nil, nil
}

func (f *fakeStore) InsertRequest(ctx context.Context, req store.Request) (store.Request, error) {
	if f.insertRequestFn != nil {
		return f.insertRequestFn(ctx, req)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(time.Minute)
	req.CreatedAt = f.now
	req.UpdatedAt = f.now
	f.requests = append(f.requests, req)
	return req, nil
}

func (f *fakeStore) GetRequest(_ context.Context, id, userID string) (store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		if req.ID == id && req.UserID == userID {
			return req, nil
		}
	}
	return store.Request{}, sql.ErrNoRows
}

func (f *fakeStore) GetRequestByID(_ context.Context, id string) (store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, req := range f.requests {
		if req.ID == id {
			return req, nil
		}
	}
	return store.Request{}, sql.ErrNoRows
}

func (f *fakeStore) ListRequests(ctx context.Context, userID string, requestType store.RequestType) ([]store.Request, error) {
	if f.listRequestsFn != nil {
		return f.listRequestsFn(ctx, userID, requestType)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Request
	for i := len(f.requests) - 1; i >= 0; i-- {
		req := f.requests[i]
		if req.UserID != userID {
			continue
		}
		if requestType != "" && req.Type != requestType {
			continue
		}
		out = append(out, req)
	}
	return out, nil
}

func (f *fakeStore) UpdateRequestOutcome(ctx context.Context, id, userID string, outcome store.Outcome) error {
	if f.updateOutcomeFn != nil {
		return f.updateOutcomeFn(ctx, id, userID, outcome)
	}
	return f.update(id, userID, func(req *store.Request) { req.Outcome = &outcome })
}

func (f *fakeStore) UpdateRequestRecipient(_ context.Context, id, userID, email string) error {
	return f.update(id, userID, func(req *store.Request) { req.RecipientEmail = &email })
}

func (f *fakeStore) MarkRequestSent(_ context.Context, id string, sentAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.requests {
		if f.requests[i].ID == id {
			f.requests[i].Status = store.StatusSent
			f.requests[i].SentAt = &sentAt
			return nil
		}
	}
	return sql.ErrNoRows
}

func (f *fakeStore) update(id, userID string, fn func(*store.Request)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.requests {
		if f.requests[i].ID == id && f.requests[i].UserID == userID {
			fn(&f.requests[i])
			return nil
		}
	}
	return sql.ErrNoRows
}

// fakeSearch answers every query from the store's entries.
type fakeSearch struct {
	store     *fakeStore
	entriesFn func(ctx context.Context, q store.EntryQuery) (search.Page, error)
}

func (f *fakeSearch) Entries(ctx context.Context, q store.EntryQuery) (search.Page, error) {
	if f.entriesFn != nil {
		return f.entriesFn(ctx, q)
	}
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	page := search.Page{Query: q.Text, Backend: search.BackendPostgres}
	for _, entry := range f.store.entries {
		page.Entries = append(page.Entries, entry)
	}
	page.Total = len(page.Entries)
	return page, nil
}

type fakeIdentity struct {
	users map[string]identity.Identity
}

func (f *fakeIdentity) Resolve(_ context.Context, token string) (identity.Identity, error) {
	id, ok := f.users[token]
	if !ok {
		return identity.Identity{}, identity.ErrNoSession
	}
	return id, nil
}

type fakeDispatcher struct {
	store      *fakeStore
	calls      int
	dispatchFn func(ctx context.Context, id string) (requests.DispatchResult, error)
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, id string) (requests.DispatchResult, error) {
	d.calls++
	if d.dispatchFn != nil {
		return d.dispatchFn(ctx, id)
	}
	if err := d.store.MarkRequestSent(ctx, id, d.store.now); err != nil {
		return requests.DispatchResult{OK: false, Error: err.Error()}, nil
	}
	return requests.DispatchResult{OK: true}, nil
}

type fakeRecorder struct {
	mu     sync.Mutex
	events []store.EntryEvent
}

func (r *fakeRecorder) Record(_ context.Context, event store.EntryEvent) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

func (r *fakeRecorder) actions() []store.EventAction {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]store.EventAction, 0, len(r.events))
	for _, event := range r.events {
		out = append(out, event.Action)
	}
	return out
}

const (
	tokenMember  = "token-member"
	tokenOther   = "token-other"
	tokenPending = "token-pending"
)

type testEnv struct {
	store      *fakeStore
	dispatcher *fakeDispatcher
	events     *fakeRecorder
	service    *Service
}

func newTestEnv(entries ...store.Entry) *testEnv {
	fs := newFakeStore(entries...)
	dispatcher := &fakeDispatcher{store: fs}
	recorder := &fakeRecorder{}
	svc := New(Deps{
		Store:  fs,
		Search: &fakeSearch{store: fs},
		Identity: &fakeIdentity{users: map[string]identity.Identity{
			tokenMember:  {UserID: "user-1", Email: "reporter@avis.no", Approved: true},
			tokenOther:   {UserID: "user-2", Email: "other@avis.no", Approved: true},
			tokenPending: {UserID: "user-3", Email: "new@avis.no"},
		}},
		Dispatcher: dispatcher,
		Events:     recorder,
		SessionTTL: time.Hour,
	})
	return &testEnv{store: fs, dispatcher: dispatcher, events: recorder, service: svc}
}

func date(value string) *time.Time {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		panic(err)
	}
	return &t
}

func docNumber(value string) *string {
	return &value
}

func levangerEntry() store.Entry {
	return store.Entry{
		ID:          42,
		UID:         "uid-42",
		Authority:   "Levanger kommune",
		Title:       "Søknad om dispensasjon",
		CaseNumber:  "2024/100-3",
		JournalDate: date("2024-01-05"),
		Kind:        store.KindJournalPost,
	}
}
