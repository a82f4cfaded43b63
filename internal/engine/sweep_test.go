package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSI-Bund/Katti/internal/log"
	"github.com/BSI-Bund/Katti/internal/ooi"
	"github.com/BSI-Bund/Katti/internal/store"
	"github.com/BSI-Bund/Katti/internal/store/storetest"
)

func seedRetryRow(t *testing.T, mem *storetest.Memory, parent string, next time.Time) {
	t.Helper()
	req := ooi.NewRequest("scn-1", "alice", ooi.New(ooi.TypeDomain, "example.org"))
	req.LongTermParent = parent
	raw, err := ooi.NewContinuation("dns", "default", req).Encode()
	require.NoError(t, err)
	require.NoError(t, mem.UpsertRetryTask(context.Background(), parent, store.RetryUpsert{
		MaxDayRetries: 7,
		NextExecution: next,
		Continuation:  raw,
	}))
}

func TestSweepRestartsDueRows(t *testing.T) {
	t.Parallel()
	mem := storetest.New()
	q := &fakeQueue{}
	s := NewSweeper(mem, q, time.Second, log.New(true, io.Discard))
	s.now = func() time.Time { return fixedNow }

	seedRetryRow(t, mem, "parent-due", fixedNow.Add(-time.Minute))
	seedRetryRow(t, mem, "parent-later", fixedNow.Add(time.Hour))

	require.NoError(t, s.Sweep(context.Background()))

	tasks := q.all()
	require.Len(t, tasks, 1)
	assert.Equal(t, "parent-due", tasks[0].cont.Request.LongTermParent)

	due, _ := mem.RetryTask("parent-due")
	assert.Equal(t, store.RetryRestarted, due.Status)
	assert.Equal(t, []string{tasks[0].id}, due.Children)

	later, _ := mem.RetryTask("parent-later")
	assert.Equal(t, store.RetryPending, later.Status)
	assert.Empty(t, later.Children)
}

func TestSweepSpreadsRestarts(t *testing.T) {
	t.Parallel()
	mem := storetest.New()
	q := &fakeQueue{}
	s := NewSweeper(mem, q, 30*time.Second, log.New(true, io.Discard))
	s.now = func() time.Time { return fixedNow }

	seedRetryRow(t, mem, "p1", fixedNow.Add(-3*time.Minute))
	seedRetryRow(t, mem, "p2", fixedNow.Add(-2*time.Minute))
	seedRetryRow(t, mem, "p3", fixedNow.Add(-time.Minute))

	require.NoError(t, s.Sweep(context.Background()))

	tasks := q.all()
	require.Len(t, tasks, 3)
	assert.Equal(t, time.Duration(0), tasks[0].delay)
	assert.Equal(t, 30*time.Second, tasks[1].delay)
	assert.Equal(t, 60*time.Second, tasks[2].delay)
}

func TestSweepSkipsBrokenContinuation(t *testing.T) {
	t.Parallel()
	mem := storetest.New()
	q := &fakeQueue{}
	s := NewSweeper(mem, q, 0, log.New(true, io.Discard))
	s.now = func() time.Time { return fixedNow }

	require.NoError(t, mem.UpsertRetryTask(context.Background(), "broken", store.RetryUpsert{
		NextExecution: fixedNow.Add(-time.Minute),
		Continuation:  []byte("not json"),
	}))
	seedRetryRow(t, mem, "healthy", fixedNow.Add(-time.Minute))

	require.NoError(t, s.Sweep(context.Background()))

	require.Len(t, q.all(), 1)
	broken, _ := mem.RetryTask("broken")
	assert.Equal(t, store.RetryPending, broken.Status, "broken rows stay for the next pass")
	healthy, _ := mem.RetryTask("healthy")
	assert.Equal(t, store.RetryRestarted, healthy.Status)
}

func TestSweepEmpty(t *testing.T) {
	t.Parallel()
	mem := storetest.New()
	q := &fakeQueue{}
	s := NewSweeper(mem, q, 0, log.New(true, io.Discard))
	require.NoError(t, s.Sweep(context.Background()))
	assert.Empty(t, q.all())
}
