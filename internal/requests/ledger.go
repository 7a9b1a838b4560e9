package requests

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"nyhetsjeger/api/internal/store"
)

type SortOrder string

const (
	SortNewest SortOrder = "newest"
	SortOldest SortOrder = "oldest"
)

// ParseSort maps a query value to a sort order, defaulting to newest.
func ParseSort(value string) SortOrder {
	switch value {
	case string(SortOldest), "eldste":
		return SortOldest
	default:
		return SortNewest
	}
}

// Lister lists every request of a user regardless of type.
type Lister interface {
	ListRequests(ctx context.Context, userID string, requestType store.RequestType) ([]store.Request, error)
}

// Ledger is the session's local copy of the user's requests. Local edits are applied
// with Apply and confirmed by Reconcile, which replaces every row with the stored state.
type Ledger struct {
	lister Lister
	userID string

	mu   sync.RWMutex
	rows []store.Request
}

func NewLedger(lister Lister, userID string) *Ledger {
	return &Ledger{lister: lister, userID: userID}
}

func (l *Ledger) UserID() string {
	return l.userID
}

// Reconcile reloads all rows. On failure the local rows are left as they were.
func (l *Ledger) Reconcile(ctx context.Context) ([]store.Request, error) {
	rows, err := l.lister.ListRequests(ctx, l.userID, "")
	if err != nil {
		return nil, fmt.Errorf("reload requests: %w", err)
	}
	l.mu.Lock()
	l.rows = rows
	l.mu.Unlock()
	return l.Rows(SortNewest), nil
}

// Rows returns a copy of the rows in the requested order.
func (l *Ledger) Rows(order SortOrder) []store.Request {
	l.mu.RLock()
	rows := make([]store.Request, len(l.rows))
	copy(rows, l.rows)
	l.mu.RUnlock()

	sort.SliceStable(rows, func(i, j int) bool {
		if order == SortOldest {
			return rows[i].CreatedAt.Before(rows[j].CreatedAt)
		}
		return rows[i].CreatedAt.After(rows[j].CreatedAt)
	})
	return rows
}

func (l *Ledger) Get(id string) (store.Request, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	for _, row := range l.rows {
		if row.ID == id {
			return row, true
		}
	}
	return store.Request{}, false
}

// Apply mutates the row with id in place and returns a function restoring its prior value.
func (l *Ledger) Apply(id string, mutate func(*store.Request)) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := range l.rows {
		if l.rows[i].ID != id {
			continue
		}
		prior := l.rows[i]
		mutate(&l.rows[i])
		return func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			for j := range l.rows {
				if l.rows[j].ID == id {
					l.rows[j] = prior
					return
				}
			}
		}, nil
	}
	return nil, ErrUnknownRequest
}

// Insert adds a freshly created row ahead of the next Reconcile.
func (l *Ledger) Insert(row store.Request) {
	l.mu.Lock()
	l.rows = append(l.rows, row)
	l.mu.Unlock()
}
