// Package storetest provides an in-memory store.Store with the same
// observable semantics as the MongoDB implementation, for tests.
package storetest

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BSI-Bund/Katti/internal/store"
)

// Memory is a mutex-guarded store.Store. The zero value is not usable, use New.
type Memory struct {
	mu sync.Mutex

	Now func() time.Time

	scanners map[string]store.ScannerConfig
	callers  map[string]store.CallerPolicy
	results  []*store.ScanResult
	retries  map[string]*store.RetryTask
	parked   []*store.Parking
	stats    []*store.TaskStats

	// Backprops holds backpropagation writes keyed by
	// collection/parentID/field for assertions.
	Backprops map[string][]string
}

var _ store.Store = (*Memory)(nil)

func New() *Memory {
	return &Memory{
		Now:       time.Now,
		scanners:  map[string]store.ScannerConfig{},
		callers:   map[string]store.CallerPolicy{},
		retries:   map[string]*store.RetryTask{},
		Backprops: map[string][]string{},
	}
}

// PutScanner seeds a registry row.
func (m *Memory) PutScanner(cfg store.ScannerConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	m.scanners[cfg.ID] = cfg
}

// PutCaller seeds an access policy.
func (m *Memory) PutCaller(p store.CallerPolicy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callers[p.Owner] = p
}

func (m *Memory) ScannerConfig(_ context.Context, id string) (store.ScannerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.scanners[id]
	if !ok {
		return store.ScannerConfig{}, fmt.Errorf("scanner %q: %w", id, store.ErrNotFound)
	}
	return cfg, nil
}

func (m *Memory) DefaultScanner(_ context.Context, scannerType string) (store.ScannerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cfg := range m.scanners {
		if cfg.Type == scannerType && cfg.Default {
			return cfg, nil
		}
	}
	return store.ScannerConfig{}, fmt.Errorf("default scanner for type %q: %w", scannerType, store.ErrNotFound)
}

func (m *Memory) RegisterScanner(_ context.Context, cfg store.ScannerConfig) (store.ScannerConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cfg.Default {
		for _, other := range m.scanners {
			if other.Type == cfg.Type && other.Default && other.Name != cfg.Name {
				return store.ScannerConfig{}, fmt.Errorf("type %q: %w", cfg.Type, store.ErrDuplicateDefault)
			}
		}
	}
	for id, other := range m.scanners {
		if other.Name == cfg.Name {
			cfg.ID = id
			m.scanners[id] = cfg
			return cfg, nil
		}
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	m.scanners[cfg.ID] = cfg
	return cfg, nil
}

func (m *Memory) CallerPolicy(_ context.Context, owner string) (store.CallerPolicy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.callers[owner]
	if !ok {
		return store.CallerPolicy{}, fmt.Errorf("caller %q: %w", owner, store.ErrNotFound)
	}
	return p, nil
}

func (m *Memory) LatestResult(_ context.Context, f store.ResultFilter) (*store.ScanResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *store.ScanResult
	for _, r := range m.results {
		if r.OOI != f.OOI || r.Scanner != f.Scanner {
			continue
		}
		if !matchExtra(r.Extra, f.Extra) {
			continue
		}
		if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
			continue
		}
		if best == nil || r.CreatedAt.After(best.CreatedAt) {
			best = r
		}
	}
	if best == nil {
		return nil, store.ErrNotFound
	}
	best.AccessCounter++
	cp := *best
	return &cp, nil
}

func matchExtra(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

func (m *Memory) SaveResult(_ context.Context, r *store.ScanResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.Now().UTC()
	}
	cp := *r
	m.results = append(m.results, &cp)
	return nil
}

func (m *Memory) MergeResultTags(_ context.Context, id string, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.results {
		if r.ID != id {
			continue
		}
		for _, t := range tags {
			if !slices.Contains(r.Tags, t) {
				r.Tags = append(r.Tags, t)
			}
		}
		return nil
	}
	return fmt.Errorf("result %q: %w", id, store.ErrNotFound)
}

func (m *Memory) Backpropagate(_ context.Context, collection string, parentIDs []string, field, resultID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pid := range parentIDs {
		key := collection + "/" + pid + "/" + field
		if !slices.Contains(m.Backprops[key], resultID) {
			m.Backprops[key] = append(m.Backprops[key], resultID)
		}
	}
	return nil
}

func (m *Memory) RetryTaskByParent(_ context.Context, parentID string) (store.RetryTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.retries[parentID]
	if !ok {
		return store.RetryTask{}, fmt.Errorf("retry task for %q: %w", parentID, store.ErrNotFound)
	}
	return *t, nil
}

func (m *Memory) UpsertRetryTask(_ context.Context, parentID string, u store.RetryUpsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.Now().UTC()
	t, ok := m.retries[parentID]
	if !ok {
		t = &store.RetryTask{
			ID:            uuid.NewString(),
			ParentTaskID:  parentID,
			MaxDayRetries: u.MaxDayRetries,
			Created:       now,
		}
		m.retries[parentID] = t
	}
	t.Status = store.RetryPending
	t.DayRetries = u.DayRetries
	t.NextExecution = u.NextExecution
	t.Continuation = u.Continuation
	t.LastChanged = now
	return nil
}

func (m *Memory) SetRetryStatus(_ context.Context, parentID string, s store.RetryStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.retries[parentID]
	if !ok {
		return fmt.Errorf("retry task for %q: %w", parentID, store.ErrNotFound)
	}
	t.Status = s
	t.LastChanged = m.Now().UTC()
	return nil
}

func (m *Memory) DueRetryTasks(_ context.Context, now time.Time) ([]store.RetryTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []store.RetryTask
	for _, t := range m.retries {
		if t.Status == store.RetryPending && !t.NextExecution.After(now) {
			due = append(due, *t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextExecution.Before(due[j].NextExecution) })
	return due, nil
}

func (m *Memory) MarkRetryRestarted(_ context.Context, id, childTaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.retries {
		if t.ID != id {
			continue
		}
		t.Status = store.RetryRestarted
		t.Children = append(t.Children, childTaskID)
		t.LastChanged = m.Now().UTC()
		return nil
	}
	return fmt.Errorf("retry task %q: %w", id, store.ErrNotFound)
}

func (m *Memory) Park(_ context.Context, p *store.Parking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Created.IsZero() {
		p.Created = m.Now().UTC()
	}
	cp := *p
	m.parked = append(m.parked, &cp)
	return nil
}

func (m *Memory) SaveTaskStats(_ context.Context, s *store.TaskStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == "" {
		s.ID = uuid.NewString()
	}
	cp := *s
	m.stats = append(m.stats, &cp)
	return nil
}

// Results returns copies of all saved results, oldest first.
func (m *Memory) Results() []store.ScanResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.ScanResult, 0, len(m.results))
	for _, r := range m.results {
		out = append(out, *r)
	}
	return out
}

// Parked returns copies of all dead-letter records.
func (m *Memory) Parked() []store.Parking {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Parking, 0, len(m.parked))
	for _, p := range m.parked {
		out = append(out, *p)
	}
	return out
}

// RetryTask returns the retry row for a parent task id, if present.
func (m *Memory) RetryTask(parentID string) (store.RetryTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.retries[parentID]
	if !ok {
		return store.RetryTask{}, false
	}
	return *t, true
}

// Stats returns copies of all saved batch statistics.
func (m *Memory) Stats() []store.TaskStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.TaskStats, 0, len(m.stats))
	for _, s := range m.stats {
		out = append(out, *s)
	}
	return out
}
