package store

import (
	"errors"
	"time"
)

// #region pattern-version
// PatternVersion is one activation of a dispatch pattern. The chain of
// parents is the history the controller can roll back along.
type PatternVersion struct {
	VersionID  string
	ParentID   string
	PatternID  string
	Complexity float64
	Perf       float64
	CreatedAt  time.Time
}

// #endregion pattern-version

// #region event-filter
// EventFilter narrows ListEvents. Zero values match everything; Limit <= 0
// means 100.
type EventFilter struct {
	CellID string
	Domain string
	Since  time.Time
	Limit  int
}

// #endregion event-filter

// #region cell-totals
// CellTotals is the all-time aggregate for one cell.
type CellTotals struct {
	CellID       string
	Count        int
	SuccessCount int
	PolicyPassed int
	AvgLatency   float64
}

// #endregion cell-totals

// ErrNoActivePattern is returned by CurrentPattern before any commit.
var ErrNoActivePattern = errors.New("store: no active pattern")
