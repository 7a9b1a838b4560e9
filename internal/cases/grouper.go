// Package cases groups journal posts that belong to the same case file.
package cases

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"

	"nyhetsjeger/api/internal/store"
)

// Key identifies a case within one authority.
type Key struct {
	Authority string
	CaseKey   string
}

func (k Key) String() string {
	return k.Authority + "::" + k.CaseKey
}

// KeyOf derives the case key of entry. ok is false when either part is missing.
func KeyOf(entry store.Entry) (Key, bool) {
	authority := strings.TrimSpace(entry.Authority)
	caseKey := entry.DerivedCaseKey()
	if authority == "" || caseKey == "" {
		return Key{}, false
	}
	return Key{Authority: authority, CaseKey: caseKey}, true
}

// Fetcher loads every journal post of a case.
type Fetcher interface {
	ListCaseEntries(ctx context.Context, authority, caseKey string) ([]store.Entry, error)
}

// Observer is notified of fetch results. It may be nil.
type Observer interface {
	CaseFetched(ok bool)
}

// State is the view of one case as seen by a caller.
type State struct {
	Key       Key           `json:"-"`
	OK        bool          `json:"ok"`
	Loading   bool          `json:"loading"`
	Documents []store.Entry `json:"documents"`
	Err       string        `json:"error,omitempty"`
}

// Grouper caches grouped case documents for one session. Safe for concurrent use.
type Grouper struct {
	fetcher  Fetcher
	observer Observer

	mu       sync.Mutex
	docs     map[Key][]store.Entry
	loading  map[Key]bool
	failures map[Key]string
}

func NewGrouper(fetcher Fetcher, observer Observer) *Grouper {
	return &Grouper{
		fetcher:  fetcher,
		observer: observer,
		docs:     make(map[Key][]store.Entry),
		loading:  make(map[Key]bool),
		failures: make(map[Key]string),
	}
}

// Load returns the grouped documents of the case focal belongs to, fetching them once.
// A call for a key whose fetch is already in flight returns immediately with Loading set.
// A failed fetch is remembered per key and returned until Reset.
func (g *Grouper) Load(ctx context.Context, focal store.Entry) State {
	key, ok := KeyOf(focal)
	if !ok {
		return State{}
	}

	if state, done := g.cached(key); done {
		return state
	}
	if !g.BeginFetch(key) {
		return g.snapshot(key)
	}

	entries, err := g.fetcher.ListCaseEntries(ctx, key.Authority, key.CaseKey)

	g.mu.Lock()
	if err != nil {
		g.failures[key] = err.Error()
	} else {
		g.docs[key] = Sort(entries)
	}
	g.mu.Unlock()
	g.EndFetch(key)

	if g.observer != nil {
		g.observer.CaseFetched(err == nil)
	}
	return g.snapshot(key)
}

func (g *Grouper) cached(key Key) (State, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if docs, ok := g.docs[key]; ok {
		return State{Key: key, OK: true, Documents: docs}, true
	}
	if msg, ok := g.failures[key]; ok {
		return State{Key: key, OK: true, Err: msg, Documents: []store.Entry{}}, true
	}
	return State{}, false
}

func (g *Grouper) snapshot(key Key) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	state := State{Key: key, OK: true, Loading: g.loading[key], Err: g.failures[key]}
	if docs, ok := g.docs[key]; ok {
		state.Documents = docs
	} else {
		state.Documents = []store.Entry{}
	}
	return state
}

// BeginFetch marks key as in flight. It reports false when a fetch is already running
// or the key is already resolved.
func (g *Grouper) BeginFetch(key Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.loading[key] {
		return false
	}
	if _, ok := g.docs[key]; ok {
		return false
	}
	if _, ok := g.failures[key]; ok {
		return false
	}
	g.loading[key] = true
	return true
}

func (g *Grouper) EndFetch(key Key) {
	g.mu.Lock()
	delete(g.loading, key)
	g.mu.Unlock()
}

// Reset forgets the cached documents or error of key so the next Load fetches again.
func (g *Grouper) Reset(key Key) {
	g.mu.Lock()
	delete(g.docs, key)
	delete(g.failures, key)
	g.mu.Unlock()
}

// Documents returns the cached documents of key.
func (g *Grouper) Documents(key Key) ([]store.Entry, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	docs, ok := g.docs[key]
	return docs, ok
}

// CaseTitle returns the first non-empty case title among the cached documents of focal's
// case, falling back to focal's own case title and then its title.
func (g *Grouper) CaseTitle(focal store.Entry) string {
	if key, ok := KeyOf(focal); ok {
		if docs, found := g.Documents(key); found {
			for _, doc := range docs {
				if title := strings.TrimSpace(doc.CaseTitle); title != "" {
					return title
				}
			}
		}
	}
	if title := strings.TrimSpace(focal.CaseTitle); title != "" {
		return title
	}
	return strings.TrimSpace(focal.Title)
}

// Sort returns a copy of entries ordered by journal date ascending with undated entries
// last, then by document number ascending with missing numbers last.
func Sort(entries []store.Entry) []store.Entry {
	sorted := make([]store.Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return less(sorted[i], sorted[j])
	})
	return sorted
}

func less(a, b store.Entry) bool {
	switch {
	case a.JournalDate != nil && b.JournalDate != nil:
		if !a.JournalDate.Equal(*b.JournalDate) {
			return a.JournalDate.Before(*b.JournalDate)
		}
	case a.JournalDate != nil:
		return true
	case b.JournalDate != nil:
		return false
	}
	return docNumberLess(a.DocumentNumber, b.DocumentNumber)
}

// docNumberLess orders numeric document numbers first by value, then the rest lexically,
// then missing ones.
func docNumberLess(a, b *string) bool {
	av, bv := trimmed(a), trimmed(b)
	switch {
	case av == "" && bv == "":
		return false
	case av == "":
		return false
	case bv == "":
		return true
	}
	an, aErr := strconv.Atoi(av)
	bn, bErr := strconv.Atoi(bv)
	switch {
	case aErr == nil && bErr == nil:
		return an < bn
	case aErr == nil:
		return true
	case bErr == nil:
		return false
	}
	return av < bv
}

func trimmed(value *string) string {
	if value == nil {
		return ""
	}
	return strings.TrimSpace(*value)
}
