package cases

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nyhetsjeger/api/internal/store"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[Key]int
	fetchFn func(ctx context.Context, authority, caseKey string) ([]store.Entry, error)
}

func (f *fakeFetcher) ListCaseEntries(ctx context.Context, authority, caseKey string) ([]store.Entry, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[Key]int{}
	}
	f.calls[Key{Authority: authority, CaseKey: caseKey}]++
	f.mu.Unlock()
	if f.fetchFn != nil {
		return f.fetchFn(ctx, authority, caseKey)
	}
	return nil, nil
}

func (f *fakeFetcher) count(key Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[key]
}

type countingObserver struct {
	ok, failed int
}

func (o *countingObserver) CaseFetched(ok bool) {
	if ok {
		o.ok++
	} else {
		o.failed++
	}
}

func date(s string) *time.Time {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		panic(err)
	}
	return &t
}

func str(s string) *string { return &s }

func entry(id int64, jdato *time.Time, doknr *string) store.Entry {
	return store.Entry{
		ID:             id,
		Authority:      "Levanger kommune",
		CaseNumber:     "2024/100-1",
		JournalDate:    jdato,
		DocumentNumber: doknr,
	}
}

func ids(entries []store.Entry) []int64 {
	out := make([]int64, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.ID)
	}
	return out
}

func TestSortDatedAscendingUndatedLast(t *testing.T) {
	sorted := Sort([]store.Entry{
		entry(1, date("2024-01-05"), str("2")),
		entry(2, nil, str("1")),
		entry(3, date("2024-01-01"), str("3")),
	})
	assert.Equal(t, []int64{3, 1, 2}, ids(sorted))
}

func TestSortDocumentNumberTiebreak(t *testing.T) {
	same := date("2024-03-01")
	sorted := Sort([]store.Entry{
		entry(1, same, nil),
		entry(2, same, str("10")),
		entry(3, same, str("2")),
		entry(4, nil, nil),
		entry(5, nil, str("1")),
	})
	assert.Equal(t, []int64{3, 2, 1, 5, 4}, ids(sorted))
}

func TestSortMixedDocumentNumbersIgnoresInputOrder(t *testing.T) {
	same := date("2024-03-01")
	forward := []store.Entry{
		entry(1, same, str("2")),
		entry(2, same, str("10")),
		entry(3, same, str("1a")),
		entry(4, same, nil),
	}
	backward := []store.Entry{forward[3], forward[2], forward[1], forward[0]}
	rotated := []store.Entry{forward[2], forward[0], forward[3], forward[1]}

	for _, input := range [][]store.Entry{forward, backward, rotated} {
		assert.Equal(t, []int64{1, 2, 3, 4}, ids(Sort(input)))
	}
}

func TestSortIsStableAndDoesNotMutateInput(t *testing.T) {
	input := []store.Entry{entry(1, nil, nil), entry(2, nil, nil), entry(3, date("2024-01-01"), nil)}
	sorted := Sort(input)
	assert.Equal(t, []int64{3, 1, 2}, ids(sorted))
	assert.Equal(t, []int64{1, 2, 3}, ids(input))
}

func TestKeyOf(t *testing.T) {
	key, ok := KeyOf(store.Entry{Authority: "Verdal kommune", CaseNumber: "2023/55-7"})
	require.True(t, ok)
	assert.Equal(t, Key{Authority: "Verdal kommune", CaseKey: "2023/55"}, key)
	assert.Equal(t, "Verdal kommune::2023/55", key.String())

	_, ok = KeyOf(store.Entry{CaseNumber: "2023/55-7"})
	assert.False(t, ok)
	_, ok = KeyOf(store.Entry{Authority: "Verdal kommune"})
	assert.False(t, ok)
}

func TestLoadWithoutKeyIsNoop(t *testing.T) {
	fetcher := &fakeFetcher{}
	g := NewGrouper(fetcher, nil)

	state := g.Load(context.Background(), store.Entry{ID: 1})
	assert.False(t, state.OK)
	assert.Empty(t, fetcher.calls)
}

func TestLoadCachesDocuments(t *testing.T) {
	fetcher := &fakeFetcher{
		fetchFn: func(context.Context, string, string) ([]store.Entry, error) {
			return []store.Entry{entry(2, nil, nil), entry(1, date("2024-01-01"), nil)}, nil
		},
	}
	observer := &countingObserver{}
	g := NewGrouper(fetcher, observer)
	focal := entry(1, nil, nil)
	key, _ := KeyOf(focal)

	first := g.Load(context.Background(), focal)
	second := g.Load(context.Background(), focal)

	assert.Equal(t, []int64{1, 2}, ids(first.Documents))
	assert.Equal(t, first.Documents, second.Documents)
	assert.Equal(t, 1, fetcher.count(key))
	assert.Equal(t, 1, observer.ok)
}

func TestLoadIgnoresDuplicateWhileInFlight(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	fetcher := &fakeFetcher{
		fetchFn: func(context.Context, string, string) ([]store.Entry, error) {
			close(started)
			<-release
			return []store.Entry{entry(1, nil, nil)}, nil
		},
	}
	g := NewGrouper(fetcher, nil)
	focal := entry(1, nil, nil)
	key, _ := KeyOf(focal)

	done := make(chan State)
	go func() { done <- g.Load(context.Background(), focal) }()
	<-started

	dup := g.Load(context.Background(), focal)
	assert.True(t, dup.Loading)
	assert.Empty(t, dup.Documents)

	close(release)
	final := <-done
	assert.False(t, final.Loading)
	assert.Len(t, final.Documents, 1)
	assert.Equal(t, 1, fetcher.count(key))
}

func TestBeginFetchGuards(t *testing.T) {
	g := NewGrouper(&fakeFetcher{}, nil)
	key := Key{Authority: "Levanger kommune", CaseKey: "2024/100"}

	assert.True(t, g.BeginFetch(key))
	assert.False(t, g.BeginFetch(key))
	g.EndFetch(key)
	assert.True(t, g.BeginFetch(key))
}

func TestLoadErrorIsolatedPerKey(t *testing.T) {
	fetcher := &fakeFetcher{
		fetchFn: func(_ context.Context, _ string, caseKey string) ([]store.Entry, error) {
			if caseKey == "2024/100" {
				return nil, errors.New("statement timeout")
			}
			return []store.Entry{{ID: 9, Authority: "Levanger kommune", CaseNumber: "2024/200-1"}}, nil
		},
	}
	observer := &countingObserver{}
	g := NewGrouper(fetcher, observer)

	failed := g.Load(context.Background(), entry(1, nil, nil))
	assert.Equal(t, "statement timeout", failed.Err)
	assert.Empty(t, failed.Documents)

	other := g.Load(context.Background(), store.Entry{ID: 9, Authority: "Levanger kommune", CaseNumber: "2024/200-1"})
	assert.Empty(t, other.Err)
	assert.Len(t, other.Documents, 1)

	again := g.Load(context.Background(), entry(1, nil, nil))
	assert.Equal(t, "statement timeout", again.Err)
	assert.Equal(t, 1, fetcher.count(Key{Authority: "Levanger kommune", CaseKey: "2024/100"}))
	assert.Equal(t, 1, observer.failed)
	assert.Equal(t, 1, observer.ok)

	g.Reset(Key{Authority: "Levanger kommune", CaseKey: "2024/100"})
	g.Load(context.Background(), entry(1, nil, nil))
	assert.Equal(t, 2, fetcher.count(Key{Authority: "Levanger kommune", CaseKey: "2024/100"}))
}

func TestCaseTitle(t *testing.T) {
	fetcher := &fakeFetcher{
		fetchFn: func(context.Context, string, string) ([]store.Entry, error) {
			return []store.Entry{
				{ID: 1, Authority: "Levanger kommune", CaseNumber: "2024/100-1"},
				{ID: 2, Authority: "Levanger kommune", CaseNumber: "2024/100-2", CaseTitle: "Reguleringsplan Moan"},
			}, nil
		},
	}
	g := NewGrouper(fetcher, nil)
	focal := store.Entry{ID: 1, Authority: "Levanger kommune", CaseNumber: "2024/100-1", Title: "Varsel om oppstart"}

	assert.Equal(t, "Varsel om oppstart", g.CaseTitle(focal))

	g.Load(context.Background(), focal)
	assert.Equal(t, "Reguleringsplan Moan", g.CaseTitle(focal))
}
