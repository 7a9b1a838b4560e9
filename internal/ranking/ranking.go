// Package ranking orders the recommendation and job feeds.
package ranking

import (
	"math"
	"sort"
	"strings"
	"time"

	"nyhetsjeger/api/internal/store"
)

const (
	FeedLimit    = 25
	JobFeedLimit = 250
)

type Order string

const (
	OrderBest   Order = "best"
	OrderNewest Order = "newest"
)

// ParseOrder maps a query value to an order, defaulting to best.
func ParseOrder(value string) Order {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(OrderNewest), "nyeste":
		return OrderNewest
	default:
		return OrderBest
	}
}

var dateLayouts = []string{"2006-01-02", time.RFC3339, "2006-01-02T15:04:05", "02.01.2006"}

// Sort returns a new slice of at most FeedLimit items. Best orders by descending score
// with missing scores last; newest orders by descending journal date with missing or
// unparsable dates treated as the Unix epoch. Ties keep their input order.
func Sort(items []store.RecommendedEntry, order Order) []store.RecommendedEntry {
	sorted := make([]store.RecommendedEntry, len(items))
	copy(sorted, items)

	switch order {
	case OrderNewest:
		type keyed struct {
			item store.RecommendedEntry
			at   int64
		}
		tmp := make([]keyed, len(sorted))
		for i, item := range sorted {
			tmp[i] = keyed{item: item, at: parseDate(item.JournalDate)}
		}
		sort.SliceStable(tmp, func(i, j int) bool { return tmp[i].at > tmp[j].at })
		for i := range tmp {
			sorted[i] = tmp[i].item
		}
	default:
		sort.SliceStable(sorted, func(i, j int) bool {
			return score(sorted[i]) > score(sorted[j])
		})
	}

	if len(sorted) > FeedLimit {
		sorted = sorted[:FeedLimit]
	}
	return sorted
}

func score(item store.RecommendedEntry) float64 {
	if item.Score == nil || math.IsNaN(*item.Score) {
		return math.Inf(-1)
	}
	return *item.Score
}

func parseDate(value string) int64 {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t.Unix()
		}
	}
	return 0
}

type JobOrder string

const (
	JobOrderNewest   JobOrder = "newest"
	JobOrderDeadline JobOrder = "deadline"
)

func ParseJobOrder(value string) JobOrder {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(JobOrderDeadline), "frist":
		return JobOrderDeadline
	default:
		return JobOrderNewest
	}
}

// SortJobs returns a new slice of at most JobFeedLimit jobs. Newest orders by descending
// publication date; deadline puts the nearest deadline first and jobs without one last.
func SortJobs(jobs []store.Job, order JobOrder) []store.Job {
	sorted := make([]store.Job, len(jobs))
	copy(sorted, jobs)

	switch order {
	case JobOrderDeadline:
		sort.SliceStable(sorted, func(i, j int) bool {
			a, b := sorted[i].DeadlineDate, sorted[j].DeadlineDate
			switch {
			case a == nil:
				return false
			case b == nil:
				return true
			default:
				return a.Before(*b)
			}
		})
	default:
		sort.SliceStable(sorted, func(i, j int) bool {
			return unixOrZero(sorted[i].PublishedDate) > unixOrZero(sorted[j].PublishedDate)
		})
	}

	if len(sorted) > JobFeedLimit {
		sorted = sorted[:JobFeedLimit]
	}
	return sorted
}

func unixOrZero(t *time.Time) int64 {
	if t == nil {
		return 0
	}
	return t.Unix()
}
