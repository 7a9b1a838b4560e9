package search

import (
	"context"
	"log/slog"
	"strings"

	"nyhetsjeger/api/internal/store"
)

// Service is the facade that tries Meilisearch for text queries and otherwise uses the
// store's listing query.
type Service struct {
	searcher Searcher
	indexer  Indexer
	fallback Fallback
	log      *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, fallback Fallback, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{fallback: fallback, log: logger}
	if meili != nil {
		s.searcher = meili
		s.indexer = meili
	}
	return s
}

// Entries returns one page of the journal listing.
func (s *Service) Entries(ctx context.Context, q store.EntryQuery) (Page, error) {
	text := strings.TrimSpace(q.Text)
	if text != "" && s.searcher != nil && s.searcher.Healthy() {
		entries, total, err := s.searcher.Search(q)
		if err == nil {
			return Page{Entries: nonNil(entries), Total: total, Query: text, Backend: BackendMeili}, nil
		}
		s.log.WarnContext(ctx, "meilisearch error, falling back to postgres", "error", err)
	}

	entries, total, err := s.fallback.ListEntries(ctx, q)
	if err != nil {
		return Page{Entries: []store.Entry{}, Query: text, Backend: BackendPostgres}, err
	}
	return Page{Entries: nonNil(entries), Total: total, Query: text, Backend: BackendPostgres}, nil
}

// ReindexFromStore pushes every entry into Meilisearch. It does nothing when Meilisearch
// is absent or unhealthy.
func (s *Service) ReindexFromStore(ctx context.Context) {
	if s.indexer == nil || s.searcher == nil || !s.searcher.Healthy() {
		return
	}
	indexed := 0
	err := s.fallback.ListAllEntries(ctx, func(batch []store.Entry) error {
		if err := s.indexer.IndexEntries(batch); err != nil {
			return err
		}
		indexed += len(batch)
		return nil
	})
	if err != nil {
		s.log.WarnContext(ctx, "reindex failed", "error", err, "indexed", indexed)
		return
	}
	s.log.InfoContext(ctx, "reindex complete", "indexed", indexed)
}

func nonNil(entries []store.Entry) []store.Entry {
	if entries == nil {
		return []store.Entry{}
	}
	return entries
}
