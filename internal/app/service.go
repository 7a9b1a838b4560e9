package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"nyhetsjeger/api/internal/cases"
	"nyhetsjeger/api/internal/contacts"
	"nyhetsjeger/api/internal/dedup"
	"nyhetsjeger/api/internal/events"
	"nyhetsjeger/api/internal/identity"
	"nyhetsjeger/api/internal/metrics"
	"nyhetsjeger/api/internal/ranking"
	"nyhetsjeger/api/internal/rbac"
	"nyhetsjeger/api/internal/requests"
	"nyhetsjeger/api/internal/search"
	"nyhetsjeger/api/internal/store"
)

var requestTypes = []store.RequestType{store.TypePostjournal, store.TypeJobApplicants, store.TypeJobHired}

type dataStore interface {
	requests.Store
	Ping(ctx context.Context) error
	GetEntry(ctx context.Context, id int64) (store.Entry, error)
	ListCaseEntries(ctx context.Context, authority, caseKey string) ([]store.Entry, error)
	ListRecommendedEntries(ctx context.Context, limit int) ([]store.RecommendedEntry, error)
	ListRecommendedJobs(ctx context.Context, limit int) ([]store.Job, error)
}

type entrySearch interface {
	Entries(ctx context.Context, q store.EntryQuery) (search.Page, error)
}

type identityResolver interface {
	Resolve(ctx context.Context, token string) (identity.Identity, error)
}

// SessionBinder records which user owns a session id. Bind returns the owner.
type SessionBinder interface {
	Bind(ctx context.Context, sessionID, userID string) (string, error)
}

type eventRecorder interface {
	Record(ctx context.Context, event store.EntryEvent)
}

type Deps struct {
	Store      dataStore
	Search     entrySearch
	Identity   identityResolver
	Binder     SessionBinder
	Contacts   *contacts.Resolver
	Dispatcher requests.Dispatcher
	Events     eventRecorder
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	SessionTTL time.Duration
}

type Service struct {
	store    dataStore
	search   entrySearch
	identity identityResolver
	binder   SessionBinder
	contacts *contacts.Resolver
	manager  *requests.Manager
	events   eventRecorder
	metrics  *metrics.Metrics
	log      *slog.Logger
	sessions *registry
}

func New(deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	resolver := deps.Contacts
	if resolver == nil {
		resolver = contacts.NewResolver(contacts.Default)
	}
	binder := deps.Binder
	if binder == nil {
		binder = newMemoryBinder()
	}
	recorder := deps.Events
	if recorder == nil {
		recorder = discardEvents{}
	}
	return &Service{
		store:    deps.Store,
		search:   deps.Search,
		identity: deps.Identity,
		binder:   binder,
		contacts: resolver,
		manager:  requests.NewManager(deps.Store, resolver, deps.Dispatcher, deps.Metrics),
		events:   recorder,
		metrics:  deps.Metrics,
		log:      logger,
		sessions: newRegistry(deps.SessionTTL),
	}
}

type discardEvents struct{}

func (discardEvents) Record(context.Context, store.EntryEvent) {}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// OpenSession resolves the caller once and returns the session registered under
// sessionID, building it on first use. An empty sessionID gets a fresh one.
func (s *Service) OpenSession(ctx context.Context, token, sessionID string) (*Session, error) {
	if strings.TrimSpace(token) == "" {
		return nil, identity.ErrNoSession
	}
	id, err := s.identity.Resolve(ctx, token)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(id.Role(), rbac.ActionBrowse) {
		return nil, errPendingApproval
	}

	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	if cached, ok := s.sessions.get(sessionID); ok {
		if cached.Identity.UserID != id.UserID {
			return nil, errSessionConflict
		}
		return cached, nil
	}

	owner, err := s.binder.Bind(ctx, sessionID, id.UserID)
	if err != nil {
		return nil, fmt.Errorf("bind session: %w", err)
	}
	if owner != id.UserID {
		return nil, errSessionConflict
	}

	session := &Session{
		ID:        sessionID,
		Identity:  id,
		Cases:     cases.NewGrouper(s.store, s.metrics),
		Ledger:    requests.NewLedger(s.store, id.UserID),
		requested: make(map[store.RequestType]*dedup.Set, len(requestTypes)),
	}
	for _, requestType := range requestTypes {
		session.requested[requestType] = dedup.NewSet(s.store, id.UserID, requestType)
	}
	if err := s.Reload(ctx, session); err != nil {
		s.log.WarnContext(ctx, "initial session reload failed", "session_id", sessionID, "error", err)
	}

	session = s.sessions.put(session)
	if session.Identity.UserID != id.UserID {
		return nil, errSessionConflict
	}
	s.metrics.SetActiveSessions(s.sessions.prune())
	return session, nil
}

// Reload refreshes every requested set and the request ledger of session. Parts that
// fail keep their previous contents.
func (s *Service) Reload(ctx context.Context, session *Session) error {
	var g errgroup.Group
	for _, set := range session.requested {
		set := set
		g.Go(func() error { return set.Reload(ctx) })
	}
	g.Go(func() error {
		_, err := session.Ledger.Reconcile(ctx)
		return err
	})
	return g.Wait()
}

func (s *Service) reloadRequested(ctx context.Context, session *Session) {
	for _, set := range session.requested {
		if err := set.Reload(ctx); err != nil {
			s.log.WarnContext(ctx, "requested set reload failed",
				"session_id", session.ID, "type", set.Type(), "error", err)
		}
	}
}

type EntryRow struct {
	store.Entry
	Requested bool `json:"requested"`
}

type EntryPage struct {
	Entries []EntryRow     `json:"entries"`
	Total   int            `json:"total"`
	Query   string         `json:"query"`
	Backend search.Backend `json:"backend"`
	Error   string         `json:"error,omitempty"`
}

// ListEntries returns one page of the journal. A failed query yields an empty page
// carrying the error message.
func (s *Service) ListEntries(ctx context.Context, session *Session, q store.EntryQuery) EntryPage {
	page, err := s.search.Entries(ctx, q)
	result := EntryPage{Entries: []EntryRow{}, Total: page.Total, Query: page.Query, Backend: page.Backend}
	if err != nil {
		s.log.WarnContext(ctx, "entry listing failed", "error", err)
		result.Error = "Kunne ikke hente postjournal."
		result.Total = 0
		return result
	}
	requested := session.Requested(store.TypePostjournal)
	for _, entry := range page.Entries {
		result.Entries = append(result.Entries, EntryRow{Entry: entry, Requested: requested.IsRequested(entry)})
	}
	return result
}

type CaseView struct {
	Entry     store.Entry `json:"entry"`
	Requested bool        `json:"requested"`
	Title     string      `json:"title"`
	cases.State
}

// OpenEntry records that the entry's details were viewed and loads its case.
func (s *Service) OpenEntry(ctx context.Context, session *Session, entryID int64) (CaseView, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return CaseView{}, fmt.Errorf("open entry %d: %w", entryID, err)
	}
	s.events.Record(ctx, events.ViewDetails(session.Actor(), entry))
	return s.caseView(ctx, session, entry), nil
}

// CaseState returns the grouped case of an entry. reset clears a recorded failure first.
func (s *Service) CaseState(ctx context.Context, session *Session, entryID int64, reset bool) (CaseView, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return CaseView{}, fmt.Errorf("case of entry %d: %w", entryID, err)
	}
	if key, ok := cases.KeyOf(entry); ok && reset {
		session.Cases.Reset(key)
	}
	return s.caseView(ctx, session, entry), nil
}

func (s *Service) caseView(ctx context.Context, session *Session, entry store.Entry) CaseView {
	state := session.Cases.Load(ctx, entry)
	if state.Documents == nil {
		state.Documents = []store.Entry{}
	}
	return CaseView{
		Entry:     entry,
		Requested: session.Requested(store.TypePostjournal).IsRequested(entry),
		Title:     session.Cases.CaseTitle(entry),
		State:     state,
	}
}

func (s *Service) ResolveContact(authority string) string {
	return s.contacts.Resolve(authority)
}

type Recommendation struct {
	store.RecommendedEntry
	Recipient string `json:"recipient"`
	Mailto    string `json:"mailto"`
	Requested bool   `json:"requested"`
}

// Recommendations orders the session's recommended set and attaches a mailto link to
// each item. The set is fetched once, best score first, and again only on refresh.
func (s *Service) Recommendations(ctx context.Context, session *Session, order ranking.Order, refresh bool) ([]Recommendation, error) {
	items, err := s.recommendedSet(ctx, session, refresh)
	if err != nil {
		return nil, err
	}
	ranked := ranking.Sort(items, order)
	requested := session.Requested(store.TypePostjournal)
	out := make([]Recommendation, 0, len(ranked))
	for _, item := range ranked {
		entry := recommendedAsEntry(item)
		recipient := s.contacts.Resolve(item.Authority)
		out = append(out, Recommendation{
			RecommendedEntry: item,
			Recipient:        recipient,
			Mailto:           s.mailto(entry, recipient),
			Requested:        requested.Has(store.SourceEntries, item.ID),
		})
	}
	return out, nil
}

func (s *Service) recommendedSet(ctx context.Context, session *Session, refresh bool) ([]store.RecommendedEntry, error) {
	feed := &session.feed
	feed.mu.Lock()
	defer feed.mu.Unlock()
	if feed.loaded && !refresh {
		return feed.items, nil
	}
	items, err := s.store.ListRecommendedEntries(ctx, ranking.FeedLimit)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	feed.items = items
	feed.loaded = true
	return items, nil
}

type ContactLink struct {
	Recipient string `json:"recipient"`
	Mailto    string `json:"mailto"`
}

// ContactRecommendation records the outbound contact and returns the mailto link.
func (s *Service) ContactRecommendation(ctx context.Context, session *Session, entryID int64) (ContactLink, error) {
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return ContactLink{}, fmt.Errorf("contact for entry %d: %w", entryID, err)
	}
	s.events.Record(ctx, events.ClickMailto(session.Actor(), entry))
	recipient := s.contacts.Resolve(entry.Authority)
	return ContactLink{Recipient: recipient, Mailto: s.mailto(entry, recipient)}, nil
}

func (s *Service) mailto(entry store.Entry, recipient string) string {
	return contacts.Mailto(recipient,
		requests.Subject(entry, store.TypePostjournal),
		requests.Body(entry, store.TypePostjournal))
}

func recommendedAsEntry(item store.RecommendedEntry) store.Entry {
	entry := store.Entry{
		ID:              item.ID,
		UID:             item.UID,
		Authority:       item.Authority,
		Title:           item.Title,
		CaseNumber:      item.CaseNumber,
		SenderRecipient: item.SenderRecipient,
		SourceURL:       item.SourceURL,
	}
	if date, err := time.Parse("2006-01-02", strings.TrimSpace(item.JournalDate)); err == nil {
		entry.JournalDate = &date
	}
	return entry
}

func (s *Service) Jobs(ctx context.Context, order ranking.JobOrder) ([]store.Job, error) {
	jobs, err := s.store.ListRecommendedJobs(ctx, ranking.JobFeedLimit)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	return ranking.SortJobs(jobs, order), nil
}

type RequestRow struct {
	store.Request
	TypeLabel    string `json:"typeLabel"`
	OutcomeLabel string `json:"outcomeLabel"`
	StatusLabel  string `json:"statusLabel"`
	Resolved     bool   `json:"resolved"`
}

func requestRows(rows []store.Request) []RequestRow {
	out := make([]RequestRow, 0, len(rows))
	for _, row := range rows {
		out = append(out, RequestRow{
			Request:      row,
			TypeLabel:    requests.TypeLabel(row.Type),
			OutcomeLabel: requests.OutcomeLabel(row.Outcome),
			StatusLabel:  requests.DisplayStatus(row.Status),
			Resolved:     requests.IsResolved(row.Status),
		})
	}
	return out
}

func (s *Service) ListRequests(session *Session, order requests.SortOrder) []RequestRow {
	return requestRows(session.Ledger.Rows(order))
}

func requireRequester(session *Session) error {
	if !rbac.Can(session.Identity.Role(), rbac.ActionRequest) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// CreateRequest drafts and stores a request for an entry. An entry that already has a
// request of the same type, or one being created, is rejected.
func (s *Service) CreateRequest(ctx context.Context, session *Session, entryID int64, requestType store.RequestType) (RequestRow, error) {
	if err := requireRequester(session); err != nil {
		return RequestRow{}, err
	}
	requested := session.Requested(requestType)
	if requested == nil {
		return RequestRow{}, requests.ErrInvalidType
	}
	entry, err := s.store.GetEntry(ctx, entryID)
	if err != nil {
		return RequestRow{}, fmt.Errorf("request for entry %d: %w", entryID, err)
	}
	if !requested.Begin(store.SourceEntries, entry.ID) {
		return RequestRow{}, errAlreadyRequested
	}
	defer requested.End(store.SourceEntries, entry.ID)

	created, err := s.manager.Create(ctx, session.Identity.UserID, entry, requested.Type())
	if err != nil {
		return RequestRow{}, err
	}
	requested.Add(created.Source, created.SourceEntryID)
	session.Ledger.Insert(created)
	s.events.Record(ctx, events.AddInnsyn(session.Actor(), entry))
	s.log.InfoContext(ctx, "request created",
		"request_id", created.ID, "type", created.Type, "entry_id", entryID, "session_id", session.ID)
	return requestRows([]store.Request{created})[0], nil
}

type DispatchReply struct {
	Items   []RequestRow `json:"items"`
	Warning string       `json:"warning,omitempty"`
}

// DispatchRequest sends a request. Once the email is out the call succeeds; a failed
// reload afterwards only adds a warning.
func (s *Service) DispatchRequest(ctx context.Context, session *Session, id string, confirmed bool) (DispatchReply, error) {
	if err := requireRequester(session); err != nil {
		return DispatchReply{}, err
	}
	sent, err := s.manager.Dispatch(ctx, session.Ledger, id, confirmed)
	if err != nil {
		return DispatchReply{}, err
	}
	reply := DispatchReply{Items: requestRows(sent.Requests)}
	if sent.ReloadErr != nil {
		s.log.WarnContext(ctx, "request list reload after dispatch failed",
			"request_id", id, "session_id", session.ID, "error", sent.ReloadErr)
		reply.Warning = "Forespørselen er sendt, men listen kunne ikke oppdateres."
	}
	s.reloadRequested(ctx, session)
	return reply, nil
}

func (s *Service) SetOutcome(ctx context.Context, session *Session, id string, outcome store.Outcome) ([]RequestRow, error) {
	if err := requireRequester(session); err != nil {
		return nil, err
	}
	rows, err := s.manager.SetOutcome(ctx, session.Ledger, id, outcome)
	if err != nil {
		return nil, err
	}
	s.reloadRequested(ctx, session)
	return requestRows(rows), nil
}

func (s *Service) SetRecipient(ctx context.Context, session *Session, id, email string) ([]RequestRow, error) {
	if err := requireRequester(session); err != nil {
		return nil, err
	}
	rows, err := s.manager.SetRecipient(ctx, session.Ledger, id, email)
	if err != nil {
		return nil, err
	}
	s.reloadRequested(ctx, session)
	return requestRows(rows), nil
}
