package search

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"

	"nyhetsjeger/api/internal/store"
)

const idxEntries = "nyhetsjeger_entries"

// Meili implements Searcher and Indexer via Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	log     *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the entries index.
// The client starts unhealthy if Meilisearch cannot be reached and recovers in the background.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		log:    logger.With("component", "search"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.log.Warn("meilisearch unavailable", "url", url, "error", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: idxEntries, PrimaryKey: "id"}); err != nil {
		m.log.Debug("create index (may already exist)", "index", idxEntries, "error", err)
	}

	index := m.client.Index(idxEntries)
	filterable := []interface{}{"sourceType", "kind", "etat"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.log.Warn("update filterable attributes", "index", idxEntries, "error", err)
	}
	searchable := []string{"etat", "innhold", "saksnr", "sakTittel"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.log.Warn("update searchable attributes", "index", idxEntries, "error", err)
	}
	sortable := []string{"journalDateUnix", "retrievedAtUnix"}
	if _, err := index.UpdateSortableAttributes(&sortable); err != nil {
		m.log.Warn("update sortable attributes", "index", idxEntries, "error", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.log.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

// Search runs a listing query against the entries index, newest journal date first.
func (m *Meili) Search(q store.EntryQuery) ([]store.Entry, int, error) {
	if !m.healthy.Load() {
		return nil, 0, fmt.Errorf("meilisearch unhealthy")
	}

	resp, err := m.client.Index(idxEntries).Search(strings.TrimSpace(q.Text), searchRequest(q))
	if err != nil {
		m.healthy.Store(false)
		return nil, 0, fmt.Errorf("meilisearch search: %w", err)
	}

	entries := make([]store.Entry, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		entry, err := hitToEntry(hit)
		if err != nil {
			return nil, 0, err
		}
		entries = append(entries, entry)
	}
	return entries, int(resp.EstimatedTotalHits), nil
}

func searchRequest(q store.EntryQuery) *meili.SearchRequest {
	limit := int64(q.Limit)
	if limit <= 0 {
		limit = 50
	}
	filters := []string{fmt.Sprintf("kind != %q", store.KindCaseFolder)}
	if sourceType := strings.TrimSpace(q.SourceType); sourceType != "" {
		filters = append(filters, fmt.Sprintf("sourceType = %q", sourceType))
	}
	return &meili.SearchRequest{
		Limit:  limit,
		Offset: int64(max(q.Offset, 0)),
		Filter: filters,
		Sort:   []string{"journalDateUnix:desc", "retrievedAtUnix:desc"},
	}
}

func hitToEntry(hit meili.Hit) (store.Entry, error) {
	raw, err := json.Marshal(hit)
	if err != nil {
		return store.Entry{}, fmt.Errorf("encode hit: %w", err)
	}
	var record EntryRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return store.Entry{}, fmt.Errorf("decode hit: %w", err)
	}
	return record.Entry, nil
}

// IndexEntries bulk-indexes entries.
func (m *Meili) IndexEntries(entries []store.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	records := make([]EntryRecord, 0, len(entries))
	for _, entry := range entries {
		records = append(records, recordFor(entry))
	}
	_, err := m.client.Index(idxEntries).AddDocuments(records, nil)
	return err
}
