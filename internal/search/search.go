// Package search serves the journal listing, optionally through Meilisearch.
package search

import (
	"context"

	"nyhetsjeger/api/internal/store"
)

// Backend names the engine that answered a query.
type Backend string

const (
	BackendMeili    Backend = "meilisearch"
	BackendPostgres Backend = "postgres"
)

// Page is one page of the journal listing.
type Page struct {
	Entries []store.Entry `json:"entries"`
	Total   int           `json:"total"`
	Query   string        `json:"query"`
	Backend Backend       `json:"backend"`
}

// Searcher can execute a full-text search over entries.
type Searcher interface {
	Search(q store.EntryQuery) ([]store.Entry, int, error)
	Healthy() bool
}

// Indexer can push entries into a search index.
type Indexer interface {
	IndexEntries(entries []store.Entry) error
}

// Fallback is the authoritative listing query.
type Fallback interface {
	ListEntries(ctx context.Context, q store.EntryQuery) ([]store.Entry, int, error)
	ListAllEntries(ctx context.Context, fn func([]store.Entry) error) error
}

// EntryRecord is the document stored in the entries index.
type EntryRecord struct {
	store.Entry
	JournalDateUnix int64 `json:"journalDateUnix"`
	RetrievedAtUnix int64 `json:"retrievedAtUnix"`
}

func recordFor(entry store.Entry) EntryRecord {
	record := EntryRecord{Entry: entry}
	if entry.JournalDate != nil {
		record.JournalDateUnix = entry.JournalDate.Unix()
	}
	if entry.RetrievedAt != nil {
		record.RetrievedAtUnix = entry.RetrievedAt.Unix()
	}
	return record
}
