// Package store defines the documents the engine persists and the narrow
// interface it needs from the document store: find-one-and-modify upserts,
// set-union tag merges and set-append backpropagation. The production
// implementation is MongoDB; storetest carries an in-memory one with the
// same semantics.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrDuplicateDefault is returned when a second default scanner of the
	// same type would be registered.
	ErrDuplicateDefault = errors.New("only one default scanner per type")
)

// ScanResult is one persisted outcome per (ooi, scanner, extra filter) key.
// CreatedAt is the single source of truth for cache freshness.
type ScanResult struct {
	ID             string            `bson:"_id" json:"_id"`
	OOI            string            `bson:"ooi" json:"ooi"`
	Scanner        string            `bson:"scanner" json:"scanner"`
	Extra          map[string]string `bson:"extra,omitempty" json:"extra,omitempty"`
	Owner          string            `bson:"owner" json:"owner"`
	Tags           []string          `bson:"tags,omitempty" json:"tags,omitempty"`
	CreatedAt      time.Time         `bson:"created" json:"created"`
	AccessCounter  int64             `bson:"access_counter,omitempty" json:"access_counter,omitempty"`
	QuotaException string            `bson:"quota_exception,omitempty" json:"quota_exception,omitempty"`
	APIError       string            `bson:"api_error,omitempty" json:"api_error,omitempty"`
	Payload        map[string]any    `bson:"payload,omitempty" json:"payload,omitempty"`
}

// Fresh reports whether the result is younger than ttl at the given instant.
func (r *ScanResult) Fresh(now time.Time, ttl time.Duration) bool {
	if r == nil || ttl <= 0 {
		return false
	}
	return now.Sub(r.CreatedAt) < ttl
}

// Document renders the result as a plain map for response bundles and
// continuation payloads.
func (r *ScanResult) Document() map[string]any {
	doc := map[string]any{
		"_id":     r.ID,
		"ooi":     r.OOI,
		"scanner": r.Scanner,
		"owner":   r.Owner,
		"created": r.CreatedAt,
	}
	if len(r.Extra) > 0 {
		doc["extra"] = r.Extra
	}
	if len(r.Tags) > 0 {
		doc["tags"] = r.Tags
	}
	if r.QuotaException != "" {
		doc["quota_exception"] = r.QuotaException
	}
	if r.APIError != "" {
		doc["api_error"] = r.APIError
	}
	if len(r.Payload) > 0 {
		doc["payload"] = r.Payload
	}
	return doc
}

// ResultFilter is the full equality key of a logical scan plus an optional
// freshness window. A zero Since means any age (offline lookups).
type ResultFilter struct {
	OOI     string
	Scanner string
	Extra   map[string]string
	Since   time.Time
}

// ScannerConfig is one row of the scanner registry collection.
type ScannerConfig struct {
	ID      string `bson:"_id" json:"_id"`
	Name    string `bson:"name" json:"name"`
	Type    string `bson:"scanner_type" json:"scanner_type"`
	Active  bool   `bson:"active" json:"active"`
	Default bool   `bson:"default_scanner" json:"default_scanner"`
	// CacheTTLSeconds bounds how long results sit in the fast cache. It
	// exists to bound memory, not correctness; freshness is judged against
	// the request's own window.
	CacheTTLSeconds int `bson:"time_valid_response" json:"time_valid_response"`
	// MaxCacheWaitSeconds doubles as the single-flight lock lease and the
	// losers' polling ceiling.
	MaxCacheWaitSeconds int `bson:"max_wait_time_for_cache" json:"max_wait_time_for_cache"`
	// Args carries connector-specific settings (nameserver, API base, ...).
	Args map[string]string `bson:"args,omitempty" json:"args,omitempty"`
}

func (c ScannerConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSeconds) * time.Second
}

func (c ScannerConfig) MaxCacheWait() time.Duration {
	return time.Duration(c.MaxCacheWaitSeconds) * time.Second
}

// Endpoint is one entry of a caller's access policy. DailyRate zero means
// unlimited (usage still counted).
type Endpoint struct {
	Name      string `bson:"endpoint_name" json:"endpoint_name"`
	Access    bool   `bson:"access" json:"access"`
	DailyRate int64  `bson:"daily_rate" json:"daily_rate"`
}

// CallerPolicy is a caller's access policy across scanner endpoints.
type CallerPolicy struct {
	Owner     string     `bson:"_id" json:"_id"`
	Endpoints []Endpoint `bson:"endpoints" json:"endpoints"`
}

// Endpoint looks up the policy entry for one endpoint name.
func (p CallerPolicy) Endpoint(name string) (Endpoint, bool) {
	for _, e := range p.Endpoints {
		if e.Name == name {
			return e, true
		}
	}
	return Endpoint{}, false
}

// RetryStatus is the long-term retry row lifecycle. Terminal states are kept
// for audit, never deleted.
type RetryStatus string

const (
	RetryPending     RetryStatus = "pending"
	RetryStarted     RetryStatus = "started"
	RetryRestarted   RetryStatus = "restarted"
	RetryFinished    RetryStatus = "finished"
	RetryMaxExceeded RetryStatus = "max_retries_exceeded"
)

// RetryTask is a persisted continuation keyed by the stable parent task id.
type RetryTask struct {
	ID            string      `bson:"_id" json:"_id"`
	ParentTaskID  string      `bson:"parent_task_id" json:"parent_task_id"`
	DayRetries    int         `bson:"day_retries" json:"day_retries"`
	MaxDayRetries int         `bson:"max_day_retries" json:"max_day_retries"`
	Continuation  []byte      `bson:"continuation" json:"continuation"`
	NextExecution time.Time   `bson:"next_execution" json:"next_execution"`
	Status        RetryStatus `bson:"status" json:"status"`
	Children      []string    `bson:"children,omitempty" json:"children,omitempty"`
	Created       time.Time   `bson:"create" json:"create"`
	LastChanged   time.Time   `bson:"last_changed" json:"last_changed"`
}

// RetryUpsert is the mutation applied on every long-term retry signal:
// create-on-first-signal, bump-and-overwrite afterwards.
type RetryUpsert struct {
	DayRetries    int
	MaxDayRetries int
	NextExecution time.Time
	Continuation  []byte
}

// Parking is a dead-letter record. Write once, read by operators only.
type Parking struct {
	ID           string           `bson:"_id" json:"_id"`
	OOIs         []string         `bson:"oois" json:"oois"`
	Owner        string           `bson:"owner" json:"owner"`
	Tags         []string         `bson:"tags,omitempty" json:"tags,omitempty"`
	RetryCounter int              `bson:"retry_counter" json:"retry_counter"`
	MaxRetries   bool             `bson:"max_retries" json:"max_retries"`
	Request      []byte           `bson:"scanning_request" json:"scanning_request"`
	Partial      []map[string]any `bson:"partial_results,omitempty" json:"partial_results,omitempty"`
	Created      time.Time        `bson:"created" json:"created"`
}

// OOIStat is the per-item timing entry of a batch run.
type OOIStat struct {
	OOI           string `bson:"ooi" json:"ooi"`
	DurationMicro int64  `bson:"duration_micro_secs" json:"duration_micro_secs"`
}

// TaskStats is the statistics document written per batch invocation.
type TaskStats struct {
	ID        string    `bson:"_id" json:"_id"`
	TaskID    string    `bson:"task_id" json:"task_id"`
	Endpoint  string    `bson:"endpoint" json:"endpoint"`
	ScannerID string    `bson:"scanner_id" json:"scanner_id"`
	Owner     string    `bson:"initiator" json:"initiator"`
	Retries   int       `bson:"retry_counter" json:"retry_counter"`
	Start     time.Time `bson:"start" json:"start"`
	Stop      time.Time `bson:"stop" json:"stop"`
	Error     bool      `bson:"error,omitempty" json:"error,omitempty"`
	Timeout   bool      `bson:"task_timeout,omitempty" json:"task_timeout,omitempty"`
	OOIsLeft  int       `bson:"oois_left_over" json:"oois_left_over"`
	PerOOI    []OOIStat `bson:"single_scan_ooi_stats,omitempty" json:"single_scan_ooi_stats,omitempty"`
}

// Store is everything the engine needs from the document store. All result
// mutation goes through upsert-with-set-on-insert style operations so that
// concurrent writers race inside the store, never in the engine.
type Store interface {
	// ScannerConfig returns the registry row by id.
	ScannerConfig(ctx context.Context, id string) (ScannerConfig, error)
	// DefaultScanner returns the default registry row for a scanner type.
	DefaultScanner(ctx context.Context, scannerType string) (ScannerConfig, error)
	// RegisterScanner upserts a registry row by name. At most one default
	// per type is allowed.
	RegisterScanner(ctx context.Context, cfg ScannerConfig) (ScannerConfig, error)

	// CallerPolicy returns the access policy of one caller.
	CallerPolicy(ctx context.Context, owner string) (CallerPolicy, error)

	// LatestResult returns the newest result matching the filter and bumps
	// its access counter, or ErrNotFound.
	LatestResult(ctx context.Context, f ResultFilter) (*ScanResult, error)
	// SaveResult persists a new result document.
	SaveResult(ctx context.Context, r *ScanResult) error
	// MergeResultTags set-unions tags into an existing result.
	MergeResultTags(ctx context.Context, id string, tags []string) error

	// Backpropagate set-appends resultID into
	// collection[parentID].backpropagation.<field> for every parent id.
	Backpropagate(ctx context.Context, collection string, parentIDs []string, field, resultID string) error

	// RetryTaskByParent returns the long-term retry row for a parent task
	// id, or ErrNotFound.
	RetryTaskByParent(ctx context.Context, parentID string) (RetryTask, error)
	// UpsertRetryTask creates or overwrites the long-term retry row keyed
	// by parent task id.
	UpsertRetryTask(ctx context.Context, parentID string, u RetryUpsert) error
	// SetRetryStatus moves the row keyed by parent task id to a status.
	SetRetryStatus(ctx context.Context, parentID string, s RetryStatus) error
	// DueRetryTasks lists pending rows whose next execution has passed.
	DueRetryTasks(ctx context.Context, now time.Time) ([]RetryTask, error)
	// MarkRetryRestarted flips a row to restarted and records the child
	// task id spawned by the sweep.
	MarkRetryRestarted(ctx context.Context, id, childTaskID string) error

	// Park writes a dead-letter record.
	Park(ctx context.Context, p *Parking) error

	// SaveTaskStats persists one batch statistics document.
	SaveTaskStats(ctx context.Context, s *TaskStats) error
}
