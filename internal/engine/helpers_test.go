package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/BSI-Bund/Katti/internal/cache"
	"github.com/BSI-Bund/Katti/internal/log"
	"github.com/BSI-Bund/Katti/internal/model"
	"github.com/BSI-Bund/Katti/internal/ooi"
	"github.com/BSI-Bund/Katti/internal/quota"
	"github.com/BSI-Bund/Katti/internal/scanner"
	"github.com/BSI-Bund/Katti/internal/store"
	"github.com/BSI-Bund/Katti/internal/store/storetest"
)

// fixedNow keeps cache-freshness math deterministic across a test.
var fixedNow = time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)

type env struct {
	mem    *storetest.Memory
	mr     *miniredis.Miniredis
	rdb    *redis.Client
	cache  *cache.Cache
	orch   *Orchestrator
	driver *Driver
	queue  *fakeQueue
	worker model.Worker
	engine model.Engine
}

func newEnv(t *testing.T) *env {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := model.DefaultConfig()
	cfg.Engine.LockPollMillis = 5

	mem := storetest.New()
	mem.Now = func() time.Time { return fixedNow }
	logger := log.New(true, io.Discard)
	c := cache.New(rdb)

	orch := NewOrchestrator(mem, c, cache.NewLocker(rdb),
		quota.NewScanners(rdb, cfg.Engine.DayBlockMargin()),
		quota.NewCallers(rdb, cfg.Engine.TrustedMode, cfg.Engine.DayBlockMargin()),
		cfg.Engine, logger)
	orch.now = func() time.Time { return fixedNow }
	orch.jitter = func(min, _ time.Duration) time.Duration { return min }

	q := &fakeQueue{}
	d := NewDriver(orch, mem, c, q, cfg.Worker, logger)
	d.now = orch.now

	return &env{
		mem:    mem,
		mr:     mr,
		rdb:    rdb,
		cache:  c,
		orch:   orch,
		driver: d,
		queue:  q,
		worker: cfg.Worker,
		engine: cfg.Engine,
	}
}

// seedScanner registers a connector instance under a type name unique to the
// test and seeds a matching registry row.
func (e *env) seedScanner(t *testing.T, sc scanner.Scanner) store.ScannerConfig {
	t.Helper()
	scanner.Register(sc.Type(), func(store.ScannerConfig) (scanner.Scanner, error) {
		return sc, nil
	})
	cfg := store.ScannerConfig{
		ID:                  sc.Type() + "-1",
		Name:                sc.Type(),
		Type:                sc.Type(),
		Active:              true,
		CacheTTLSeconds:     3600,
		MaxCacheWaitSeconds: 1,
	}
	e.mem.PutScanner(cfg)
	return cfg
}

func (e *env) seedCaller(owner, endpoint string, rate int64) {
	e.mem.PutCaller(store.CallerPolicy{
		Owner:     owner,
		Endpoints: []store.Endpoint{{Name: endpoint, Access: true, DailyRate: rate}},
	})
}

func (e *env) invocation(req *ooi.Request) *Invocation {
	return &Invocation{
		TaskID:   "task-1",
		TaskType: req.ScannerID,
		Queue:    "default",
		Request:  req,
	}
}

// scripted is a connector whose per-call behavior is a queue of steps.
type scripted struct {
	mu     sync.Mutex
	typ    string
	quota  bool
	filter map[string]string
	// errs is popped per call, nil entries mean success. An exhausted
	// script keeps succeeding.
	errs  []error
	calls int
	// remaining is reported on success when >= 0.
	remaining int64
	// derive spawns a derived item on the first successful call.
	derive *ooi.OOI
}

func newScripted(t *testing.T, errs ...error) *scripted {
	return &scripted{typ: "scripted-" + t.Name(), errs: errs, remaining: -1}
}

func (s *scripted) Type() string   { return s.typ }
func (s *scripted) HasQuota() bool { return s.quota }

func (s *scripted) FilterFields(ooi.OOI) map[string]string { return s.filter }

func (s *scripted) Scan(_ context.Context, ex *scanner.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return err
		}
	}
	ex.Payload = map[string]any{"value": ex.OOI.Value, "call": s.calls}
	ex.Remaining = s.remaining
	if s.derive != nil {
		ex.Derive(s.derive.Type, s.derive.Value)
		s.derive = nil
	}
	return nil
}

func (s *scripted) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// bulkScripted wraps scripted with a batch entry point.
type bulkScripted struct {
	*scripted
	bulkCalls int
	bulkErr   error
}

func (b *bulkScripted) ScanBulk(ctx context.Context, exs []*scanner.Execution) error {
	b.mu.Lock()
	b.bulkCalls++
	err := b.bulkErr
	b.mu.Unlock()
	if err != nil {
		return err
	}
	for _, ex := range exs {
		ex.Payload = map[string]any{"value": ex.OOI.Value, "bulk": true}
	}
	return nil
}

type enqueued struct {
	cont  *ooi.Continuation
	delay time.Duration
	id    string
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []enqueued
	err   error
}

func (f *fakeQueue) Enqueue(_ context.Context, c *ooi.Continuation, delay time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	id := fmt.Sprintf("child-%d", len(f.tasks)+1)
	f.tasks = append(f.tasks, enqueued{cont: c, delay: delay, id: id})
	return id, nil
}

func (f *fakeQueue) all() []enqueued {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]enqueued(nil), f.tasks...)
}
