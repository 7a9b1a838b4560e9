// Package events records user interactions with journal entries. Recording never blocks
// the caller and never fails it.
package events

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"nyhetsjeger/api/internal/store"
)

const (
	DefaultQueueSize = 256
	writeTimeout     = 5 * time.Second
	drainTimeout     = 2 * time.Second
)

// Sink persists events.
type Sink interface {
	InsertEvent(ctx context.Context, event store.EntryEvent) error
}

// SeenTracker remembers which events a session has already recorded. MarkSeen reports
// true the first time key is marked for sessionID.
type SeenTracker interface {
	MarkSeen(ctx context.Context, sessionID, key string) (bool, error)
}

// Observer counts recorded events. It may be nil.
type Observer interface {
	EventRecorded(action, result string)
}

type Logger struct {
	sink     Sink
	tracker  SeenTracker
	observer Observer
	log      *slog.Logger
	queue    chan store.EntryEvent
}

func NewLogger(sink Sink, tracker SeenTracker, observer Observer, logger *slog.Logger, queueSize int) *Logger {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if tracker == nil {
		tracker = NewMemoryTracker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		sink:     sink,
		tracker:  tracker,
		observer: observer,
		log:      logger,
		queue:    make(chan store.EntryEvent, queueSize),
	}
}

// Record queues event. Events without a user or entry are ignored, and events that do
// not fit in the queue are dropped.
func (l *Logger) Record(ctx context.Context, event store.EntryEvent) {
	if event.UserID == "" || event.EntryUID == "" {
		return
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	select {
	case l.queue <- event:
	default:
		l.observe(event.Action, "dropped")
		l.log.WarnContext(ctx, "event queue full, dropping event",
			"action", event.Action, "entry_uid", event.EntryUID, "session_id", event.SessionID)
	}
}

// Run drains the queue into the sink until ctx is cancelled, then flushes what is left.
func (l *Logger) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.drain()
			return nil
		case event := <-l.queue:
			l.write(ctx, event)
		}
	}
}

func (l *Logger) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	for {
		select {
		case event := <-l.queue:
			l.write(ctx, event)
		default:
			return
		}
	}
}

func (l *Logger) write(ctx context.Context, event store.EntryEvent) {
	first, err := l.tracker.MarkSeen(ctx, event.SessionID, string(event.Action)+":"+event.EntryUID)
	if err != nil {
		l.log.WarnContext(ctx, "event dedup check failed", "error", err, "session_id", event.SessionID)
		first = true
	}
	if !first {
		l.observe(event.Action, "duplicate")
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := l.sink.InsertEvent(writeCtx, event); err != nil {
		l.observe(event.Action, "error")
		l.log.WarnContext(ctx, "event write failed",
			"error", err, "action", event.Action, "entry_uid", event.EntryUID)
		return
	}
	l.observe(event.Action, "ok")
}

func (l *Logger) observe(action store.EventAction, result string) {
	if l.observer != nil {
		l.observer.EventRecorded(string(action), result)
	}
}

// Actor identifies who triggered an event.
type Actor struct {
	UserID    string
	SessionID string
}

// ViewDetails is recorded when an entry's details are opened.
func ViewDetails(actor Actor, entry store.Entry) store.EntryEvent {
	return entryEvent(actor, entry, store.ActionViewDetails)
}

// AddInnsyn is recorded when a request is created for an entry.
func AddInnsyn(actor Actor, entry store.Entry) store.EntryEvent {
	return entryEvent(actor, entry, store.ActionAddInnsyn)
}

// ClickMailto is recorded when the user contacts an authority from the recommendation feed.
func ClickMailto(actor Actor, entry store.Entry) store.EntryEvent {
	event := entryEvent(actor, entry, store.ActionClickMailto)
	event.Extra["source"] = "recommended"
	return event
}

func entryEvent(actor Actor, entry store.Entry, action store.EventAction) store.EntryEvent {
	uid := entry.UID
	if uid == "" {
		uid = strconv.FormatInt(entry.ID, 10)
	}
	return store.EntryEvent{
		UserID:          actor.UserID,
		SessionID:       actor.SessionID,
		EntryUID:        uid,
		Action:          action,
		Authority:       entry.Authority,
		Title:           entry.Title,
		SenderRecipient: entry.SenderRecipient,
		Extra: map[string]any{
			"saksnr":      entry.CaseNumber,
			"source_type": entry.SourceType,
		},
	}
}

// MemoryTracker is a process-local SeenTracker.
type MemoryTracker struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{seen: make(map[string]map[string]struct{})}
}

func (t *MemoryTracker) MarkSeen(_ context.Context, sessionID, key string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	keys, ok := t.seen[sessionID]
	if !ok {
		keys = make(map[string]struct{})
		t.seen[sessionID] = keys
	}
	if _, dup := keys[key]; dup {
		return false, nil
	}
	keys[key] = struct{}{}
	return true, nil
}

// Forget drops everything recorded for sessionID.
func (t *MemoryTracker) Forget(sessionID string) {
	t.mu.Lock()
	delete(t.seen, sessionID)
	t.mu.Unlock()
}
