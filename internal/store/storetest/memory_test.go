package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSI-Bund/Katti/internal/store"
)

func TestLatestResultPicksNewestAndCounts(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()
	base := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)

	for i, age := range []time.Duration{3 * time.Hour, time.Hour, 30 * time.Minute} {
		require.NoError(t, m.SaveResult(ctx, &store.ScanResult{
			ID:        string(rune('a' + i)),
			OOI:       "example.org",
			Scanner:   "scn-1",
			CreatedAt: base.Add(-age),
		}))
	}

	r, err := m.LatestResult(ctx, store.ResultFilter{OOI: "example.org", Scanner: "scn-1"})
	require.NoError(t, err)
	assert.Equal(t, "c", r.ID)
	assert.EqualValues(t, 1, r.AccessCounter)

	r, err = m.LatestResult(ctx, store.ResultFilter{OOI: "example.org", Scanner: "scn-1"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, r.AccessCounter, "every read bumps the counter")

	_, err = m.LatestResult(ctx, store.ResultFilter{
		OOI: "example.org", Scanner: "scn-1", Since: base.Add(-10 * time.Minute),
	})
	assert.ErrorIs(t, err, store.ErrNotFound, "window excludes everything")
}

func TestLatestResultExtraFilter(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	require.NoError(t, m.SaveResult(ctx, &store.ScanResult{
		ID: "ns1", OOI: "example.org", Scanner: "scn-1",
		Extra: map[string]string{"nameserver": "9.9.9.9:53"},
	}))
	require.NoError(t, m.SaveResult(ctx, &store.ScanResult{
		ID: "ns2", OOI: "example.org", Scanner: "scn-1",
		Extra: map[string]string{"nameserver": "1.1.1.1:53"},
	}))

	r, err := m.LatestResult(ctx, store.ResultFilter{
		OOI: "example.org", Scanner: "scn-1",
		Extra: map[string]string{"nameserver": "9.9.9.9:53"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ns1", r.ID)
}

func TestRetryUpsertLifecycle(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()
	next := time.Date(2026, 2, 4, 3, 30, 0, 0, time.UTC)

	require.NoError(t, m.UpsertRetryTask(ctx, "p-1", store.RetryUpsert{
		DayRetries: 0, MaxDayRetries: 7, NextExecution: next, Continuation: []byte("c0"),
	}))
	row, err := m.RetryTaskByParent(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, store.RetryPending, row.Status)
	assert.Equal(t, 7, row.MaxDayRetries)

	// second signal bumps the counter but keeps identity and max
	require.NoError(t, m.UpsertRetryTask(ctx, "p-1", store.RetryUpsert{
		DayRetries: 1, MaxDayRetries: 99, NextExecution: next.Add(24 * time.Hour), Continuation: []byte("c1"),
	}))
	again, err := m.RetryTaskByParent(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, row.ID, again.ID)
	assert.Equal(t, 1, again.DayRetries)
	assert.Equal(t, 7, again.MaxDayRetries, "max is fixed at creation")
	assert.Equal(t, []byte("c1"), again.Continuation)

	due, err := m.DueRetryTasks(ctx, next.Add(48*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	require.NoError(t, m.MarkRetryRestarted(ctx, again.ID, "child-1"))
	restarted, _ := m.RetryTask("p-1")
	assert.Equal(t, store.RetryRestarted, restarted.Status)
	assert.Equal(t, []string{"child-1"}, restarted.Children)

	due, err = m.DueRetryTasks(ctx, next.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "restarted rows are no longer due")
}

func TestRegisterScannerSingleDefault(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	first, err := m.RegisterScanner(ctx, store.ScannerConfig{Name: "dns-a", Type: "dns", Default: true})
	require.NoError(t, err)

	_, err = m.RegisterScanner(ctx, store.ScannerConfig{Name: "dns-b", Type: "dns", Default: true})
	assert.ErrorIs(t, err, store.ErrDuplicateDefault)

	// re-registering the same name updates in place
	updated, err := m.RegisterScanner(ctx, store.ScannerConfig{Name: "dns-a", Type: "dns", Default: true, Active: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, updated.ID)
	assert.True(t, updated.Active)

	got, err := m.DefaultScanner(ctx, "dns")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestBackpropagateIsSetSemantics(t *testing.T) {
	t.Parallel()
	m := New()
	ctx := context.Background()

	require.NoError(t, m.Backpropagate(ctx, "crawls", []string{"c-1"}, "dns", "r-1"))
	require.NoError(t, m.Backpropagate(ctx, "crawls", []string{"c-1"}, "dns", "r-1"))
	assert.Equal(t, []string{"r-1"}, m.Backprops["crawls/c-1/dns"], "repeat writes collapse")
}
