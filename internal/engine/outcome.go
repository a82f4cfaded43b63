// Package engine executes scan requests: the per-item decision tree
// (offline, cache, quota, single-flight, execute), the batch driver that
// turns item outcomes into queue actions, and the sweep that resurrects
// day-scale retries.
package engine

import (
	"errors"
	"time"

	"github.com/BSI-Bund/Katti/internal/store"
)

// ErrOfflineNoResult is returned for an offline lookup with nothing stored.
var ErrOfflineNoResult = errors.New("offline: no stored result")

// Disposition says what happened to one item.
type Disposition int

const (
	// Saved means the scan ran and a new result was persisted.
	Saved Disposition = iota
	// CacheHit means a fresh stored or cached result was reused.
	CacheHit
	// RetryShort means a minute-scale limit tripped, requeue after Delay.
	RetryShort
	// RetryLong means the day budget is gone, persist and resume after
	// Delay.
	RetryLong
)

func (d Disposition) String() string {
	switch d {
	case Saved:
		return "saved"
	case CacheHit:
		return "cache_hit"
	case RetryShort:
		return "retry_short"
	case RetryLong:
		return "retry_long"
	default:
		return "unknown"
	}
}

// Outcome is the tagged result of scanning one item. Result is set for
// Saved and CacheHit, Delay for the retry dispositions.
type Outcome struct {
	Disposition Disposition
	Result      *store.ScanResult
	Delay       time.Duration
}
