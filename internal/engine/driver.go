package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BSI-Bund/Katti/internal/cache"
	"github.com/BSI-Bund/Katti/internal/model"
	"github.com/BSI-Bund/Katti/internal/ooi"
	"github.com/BSI-Bund/Katti/internal/quota"
	"github.com/BSI-Bund/Katti/internal/scanner"
	"github.com/BSI-Bund/Katti/internal/store"
)

// ErrParked is returned after a request has been written to the error
// parking. The queue layer must not retry it.
var ErrParked = errors.New("request parked")

// Enqueuer submits continuations back into the task queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, c *ooi.Continuation, delay time.Duration) (string, error)
}

// Invocation is one delivery of a scan task. Retries and partial Results
// travel inside the continuation payload, so any worker can pick up where
// another left off.
type Invocation struct {
	TaskID   string
	TaskType string
	Queue    string
	Retries  int
	Request  *ooi.Request
	Results  []map[string]any
}

// Response is what a finished or deferred invocation reports back.
type Response struct {
	ScannerID     string
	Endpoint      string
	Results       []map[string]any
	OfflineMisses []string
	// Deferred means a continuation was re-enqueued after Delay.
	Deferred bool
	// LongDeferred means the continuation was persisted for the sweep.
	LongDeferred bool
	Delay        time.Duration
}

// Driver runs whole invocations: the batch loop, the disposition handling
// and the bookkeeping around it.
type Driver struct {
	orch   *Orchestrator
	store  store.Store
	cache  *cache.Cache
	queue  Enqueuer
	worker model.Worker
	log    *slog.Logger
	now    func() time.Time
}

func NewDriver(orch *Orchestrator, st store.Store, c *cache.Cache, q Enqueuer, worker model.Worker, log *slog.Logger) *Driver {
	return &Driver{
		orch:   orch,
		store:  st,
		cache:  c,
		queue:  q,
		worker: worker,
		log:    log,
		now:    time.Now,
	}
}

// Run executes one invocation to completion, deferral or parking. Parking
// always pairs with a returned error wrapping ErrParked.
func (d *Driver) Run(ctx context.Context, inv *Invocation) (*Response, error) {
	req := inv.Request
	if err := req.Validate(); err != nil {
		d.park(ctx, inv, req, inv.Results, false)
		return nil, fmt.Errorf("%w: %v", ErrParked, err)
	}
	if err := ctx.Err(); err != nil {
		d.finishStats(ctx, &store.TaskStats{
			TaskID:    inv.TaskID,
			ScannerID: req.ScannerID,
			Owner:     req.Owner,
			Retries:   inv.Retries,
			Start:     d.now().UTC(),
			Timeout:   errors.Is(err, context.DeadlineExceeded),
		}, req, true)
		return nil, err
	}

	stopped, err := d.cache.Stopped(ctx, inv.TaskType)
	if err != nil {
		return nil, err
	}
	if stopped {
		delay := time.Duration(d.worker.StopRequeueSeconds) * time.Second
		if _, err := d.requeue(ctx, inv, req, inv.Retries, delay, inv.Results); err != nil {
			return nil, err
		}
		d.log.InfoContext(ctx, "task type stopped, requeued", "task_type", inv.TaskType, "delay", delay)
		return &Response{Deferred: true, Delay: delay, Results: inv.Results}, nil
	}

	cfg, err := d.store.ScannerConfig(ctx, req.ScannerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.park(ctx, inv, req, inv.Results, false)
			return nil, fmt.Errorf("%w: %v", ErrParked, err)
		}
		return nil, err
	}
	if !cfg.Active {
		d.park(ctx, inv, req, inv.Results, false)
		return nil, fmt.Errorf("%w: scanner %q is inactive", ErrParked, cfg.ID)
	}
	sc, err := scanner.Lookup(cfg)
	if err != nil {
		d.park(ctx, inv, req, inv.Results, false)
		return nil, fmt.Errorf("%w: %v", ErrParked, err)
	}
	policy, err := d.callerPolicy(ctx, req.Owner)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			d.park(ctx, inv, req, inv.Results, false)
			return nil, fmt.Errorf("%w: %v", ErrParked, err)
		}
		return nil, err
	}

	resp := &Response{
		ScannerID: cfg.ID,
		Endpoint:  sc.Type(),
		Results:   inv.Results,
	}
	stats := &store.TaskStats{
		TaskID:    inv.TaskID,
		Endpoint:  sc.Type(),
		ScannerID: cfg.ID,
		Owner:     req.Owner,
		Retries:   inv.Retries,
		Start:     d.now().UTC(),
	}

	if bulk, ok := sc.(scanner.Bulk); ok && !req.Offline && req.Len() > 1 {
		return d.runBulk(ctx, inv, req, cfg, bulk, policy, resp, stats)
	}

	for {
		if err := ctx.Err(); err != nil {
			// soft time limit, abandon the batch without re-queueing
			stats.Timeout = errors.Is(err, context.DeadlineExceeded)
			d.finishStats(ctx, stats, req, true)
			return nil, err
		}
		item, ok := req.Next()
		if !ok {
			break
		}
		itemStart := d.now()
		out, err := d.orch.Scan(ctx, req, item, cfg, sc, policy)
		if errors.Is(err, ErrOfflineNoResult) {
			resp.OfflineMisses = append(resp.OfflineMisses, item.Value)
			continue
		}
		if err != nil {
			req.PushFront(item)
			d.finishStats(ctx, stats, req, true)
			d.park(ctx, inv, req, resp.Results, false)
			return nil, fmt.Errorf("%w: %v", ErrParked, err)
		}

		switch out.Disposition {
		case Saved, CacheHit:
			if !req.IgnoreResult {
				resp.Results = append(resp.Results, out.Result.Document())
			}
			if out.Disposition == Saved && out.Result.APIError != "" {
				d.parkResult(ctx, inv, req, out.Result)
			}
			if err := d.backpropagate(ctx, req, item, out.Result.ID); err != nil {
				d.log.WarnContext(ctx, "backpropagation failed", "result", out.Result.ID, "error", err)
			}
			stats.PerOOI = append(stats.PerOOI, store.OOIStat{
				OOI:           item.Value,
				DurationMicro: d.now().Sub(itemStart).Microseconds(),
			})

		case RetryShort:
			req.PushFront(item)
			return d.deferShort(ctx, inv, req, resp, stats, out.Delay)

		case RetryLong:
			req.PushFront(item)
			return d.deferLong(ctx, inv, req, resp, stats, out.Delay)
		}
	}

	d.finishLongTerm(ctx, req)
	d.finishStats(ctx, stats, req, false)
	return resp, nil
}

// runBulk hands the whole remaining batch to a bulk-capable connector.
// Cache lookups still happen per item; quota is charged once for the batch.
func (d *Driver) runBulk(ctx context.Context, inv *Invocation, req *ooi.Request, cfg store.ScannerConfig, sc scanner.Bulk, policy store.CallerPolicy, resp *Response, stats *store.TaskStats) (*Response, error) {
	now := d.orch.now().UTC()

	var pending []*scanner.Execution
	keys := map[*scanner.Execution]string{}
	for {
		if err := ctx.Err(); err != nil {
			for i := len(pending) - 1; i >= 0; i-- {
				req.PushFront(pending[i].OOI)
			}
			stats.Timeout = errors.Is(err, context.DeadlineExceeded)
			d.finishStats(ctx, stats, req, true)
			return nil, err
		}
		item, ok := req.Next()
		if !ok {
			break
		}
		filter := sc.FilterFields(item)
		key := scanKey(cfg.ID, item.Value, filter)
		if !req.Force() {
			if out, ok, err := d.orch.lookup(ctx, req, item, cfg, filter, key, now); err != nil {
				req.PushFront(item)
				d.finishStats(ctx, stats, req, true)
				d.park(ctx, inv, req, resp.Results, false)
				return nil, fmt.Errorf("%w: %v", ErrParked, err)
			} else if ok {
				if !req.IgnoreResult {
					resp.Results = append(resp.Results, out.Result.Document())
				}
				if err := d.backpropagate(ctx, req, item, out.Result.ID); err != nil {
					d.log.WarnContext(ctx, "backpropagation failed", "result", out.Result.ID, "error", err)
				}
				continue
			}
		}
		ex := scanner.NewExecution(item, cfg.Args)
		keys[ex] = key
		pending = append(pending, ex)
	}
	if len(pending) == 0 {
		d.finishLongTerm(ctx, req)
		d.finishStats(ctx, stats, req, false)
		return resp, nil
	}

	requeue := func() {
		for i := len(pending) - 1; i >= 0; i-- {
			req.PushFront(pending[i].OOI)
		}
	}

	if sc.HasQuota() {
		switch err := d.orch.scanners.Check(ctx, cfg.ID); {
		case errors.Is(err, quota.ErrMinuteBlocked):
			requeue()
			return d.deferShort(ctx, inv, req, resp, stats, d.orch.minuteDelay())
		case errors.Is(err, quota.ErrDayBlocked):
			requeue()
			return d.deferLong(ctx, inv, req, resp, stats, d.orch.dayDelay(now))
		case err != nil:
			requeue()
			d.finishStats(ctx, stats, req, true)
			d.park(ctx, inv, req, resp.Results, false)
			return nil, fmt.Errorf("%w: %v", ErrParked, err)
		}
	}
	if !req.APIRequest {
		amount := req.Amount() * int64(len(pending))
		switch err := d.orch.callers.Charge(ctx, policy, sc.Type(), amount); {
		case errors.Is(err, quota.ErrDayBlocked):
			requeue()
			return d.deferLong(ctx, inv, req, resp, stats, d.orch.dayDelay(now))
		case err != nil:
			requeue()
			d.finishStats(ctx, stats, req, true)
			d.park(ctx, inv, req, resp.Results, false)
			return nil, fmt.Errorf("%w: %v", ErrParked, err)
		}
	}

	start := d.now()
	err := sc.ScanBulk(ctx, pending)
	switch {
	case errors.Is(err, quota.ErrMinuteBlocked):
		requeue()
		return d.deferShort(ctx, inv, req, resp, stats, d.orch.minuteDelay())
	case errors.Is(err, quota.ErrDayBlocked):
		requeue()
		return d.deferLong(ctx, inv, req, resp, stats, d.orch.dayDelay(now))
	case err != nil:
		requeue()
		min, max := d.orch.cfg.RequeueRange()
		return d.deferShort(ctx, inv, req, resp, stats, d.orch.jitter(min, max))
	}

	perItem := d.now().Sub(start).Microseconds() / int64(len(pending))
	for _, ex := range pending {
		r, err := d.orch.persist(ctx, req, ex, cfg, sc.FilterFields(ex.OOI), keys[ex], now, "", 0)
		if err != nil {
			d.finishStats(ctx, stats, req, true)
			d.park(ctx, inv, req, resp.Results, false)
			return nil, fmt.Errorf("%w: %v", ErrParked, err)
		}
		if !req.IgnoreResult {
			resp.Results = append(resp.Results, r.Document())
		}
		if err := d.backpropagateAll(ctx, req, r.ID); err != nil {
			d.log.WarnContext(ctx, "backpropagation failed", "result", r.ID, "error", err)
		}
		stats.PerOOI = append(stats.PerOOI, store.OOIStat{OOI: ex.OOI.Value, DurationMicro: perItem})
	}

	d.finishLongTerm(ctx, req)
	d.finishStats(ctx, stats, req, false)
	return resp, nil
}

// deferShort re-enqueues the remaining request after delay, or parks it
// when the retry budget is spent or the tier is disabled.
func (d *Driver) deferShort(ctx context.Context, inv *Invocation, req *ooi.Request, resp *Response, stats *store.TaskStats, delay time.Duration) (*Response, error) {
	if !req.MinuteRetry {
		d.finishStats(ctx, stats, req, true)
		d.park(ctx, inv, req, resp.Results, false)
		return nil, fmt.Errorf("%w: minute retry disabled", ErrParked)
	}
	if inv.Retries+1 > d.worker.MaxRetries {
		d.finishStats(ctx, stats, req, true)
		d.park(ctx, inv, req, resp.Results, true)
		return nil, fmt.Errorf("%w: retry budget spent after %d attempts", ErrParked, inv.Retries)
	}
	if _, err := d.requeue(ctx, inv, req, inv.Retries+1, delay, resp.Results); err != nil {
		return nil, err
	}
	d.finishStats(ctx, stats, req, false)
	resp.Deferred = true
	resp.Delay = delay
	return resp, nil
}

// deferLong persists the continuation for the sweep. The row is keyed by
// the stable parent task id so repeated deferrals collapse into one row.
func (d *Driver) deferLong(ctx context.Context, inv *Invocation, req *ooi.Request, resp *Response, stats *store.TaskStats, delay time.Duration) (*Response, error) {
	if !req.DayRetry {
		d.finishStats(ctx, stats, req, true)
		d.park(ctx, inv, req, resp.Results, false)
		return nil, fmt.Errorf("%w: day retry disabled", ErrParked)
	}

	parentID := req.LongTermParent
	if parentID == "" {
		parentID = inv.TaskID
	}
	// the first deferral already counts as day retry one
	dayRetries := 1
	row, err := d.store.RetryTaskByParent(ctx, parentID)
	switch {
	case err == nil:
		dayRetries = row.DayRetries + 1
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}
	if dayRetries > req.MaxDayRetries {
		if err := d.store.SetRetryStatus(ctx, parentID, store.RetryMaxExceeded); err != nil {
			d.log.WarnContext(ctx, "retry status update failed", "parent", parentID, "error", err)
		}
		d.finishStats(ctx, stats, req, true)
		d.park(ctx, inv, req, resp.Results, true)
		return nil, fmt.Errorf("%w: day retry budget spent after %d days", ErrParked, dayRetries)
	}

	req.LongTermParent = parentID
	cont := ooi.NewContinuation(inv.TaskType, inv.Queue, req)
	cont.Results = resp.Results
	raw, err := cont.Encode()
	if err != nil {
		return nil, err
	}
	if err := d.store.UpsertRetryTask(ctx, parentID, store.RetryUpsert{
		DayRetries:    dayRetries,
		MaxDayRetries: req.MaxDayRetries,
		NextExecution: d.now().UTC().Add(delay),
		Continuation:  raw,
	}); err != nil {
		return nil, err
	}
	d.finishStats(ctx, stats, req, false)
	resp.LongDeferred = true
	resp.Delay = delay
	d.log.InfoContext(ctx, "deferred to next day", "parent", parentID, "day_retries", dayRetries, "delay", delay)
	return resp, nil
}

// requeue enqueues a continuation of the remaining request.
func (d *Driver) requeue(ctx context.Context, inv *Invocation, req *ooi.Request, retries int, delay time.Duration, results []map[string]any) (string, error) {
	cont := ooi.NewContinuation(inv.TaskType, inv.Queue, req)
	cont.Retries = retries
	cont.Results = results
	return d.queue.Enqueue(ctx, cont, delay)
}

// policyCacheTTL bounds how stale a cached access policy can be.
const policyCacheTTL = 5 * time.Minute

// callerPolicy reads the access policy through the cache so policy lookups
// do not hit the store on every invocation.
func (d *Driver) callerPolicy(ctx context.Context, owner string) (store.CallerPolicy, error) {
	if p, err := d.cache.CallerPolicy(ctx, owner); err == nil {
		return p, nil
	} else if !errors.Is(err, cache.ErrMiss) {
		d.log.WarnContext(ctx, "policy cache read failed", "owner", owner, "error", err)
	}
	p, err := d.store.CallerPolicy(ctx, owner)
	if err != nil {
		return store.CallerPolicy{}, err
	}
	if err := d.cache.PutCallerPolicy(ctx, p, policyCacheTTL); err != nil {
		d.log.WarnContext(ctx, "policy cache write failed", "owner", owner, "error", err)
	}
	return p, nil
}

func (d *Driver) backpropagate(ctx context.Context, req *ooi.Request, item ooi.OOI, resultID string) error {
	for _, bp := range req.Backpropagation {
		parents := bp.ParentsFor(item)
		if len(parents) == 0 {
			continue
		}
		if err := d.store.Backpropagate(ctx, bp.Collection, parents, bp.Field, resultID); err != nil {
			return err
		}
	}
	return nil
}

// backpropagateAll links a bulk result into every parent of the directive,
// not just the ones mapped to its own item.
func (d *Driver) backpropagateAll(ctx context.Context, req *ooi.Request, resultID string) error {
	for _, bp := range req.Backpropagation {
		parents := bp.AllParents()
		if len(parents) == 0 {
			continue
		}
		if err := d.store.Backpropagate(ctx, bp.Collection, parents, bp.Field, resultID); err != nil {
			return err
		}
	}
	return nil
}

// finishLongTerm closes the parent retry row once the batch ran dry.
func (d *Driver) finishLongTerm(ctx context.Context, req *ooi.Request) {
	if req.LongTermParent == "" {
		return
	}
	if err := d.store.SetRetryStatus(ctx, req.LongTermParent, store.RetryFinished); err != nil && !errors.Is(err, store.ErrNotFound) {
		d.log.WarnContext(ctx, "retry status update failed", "parent", req.LongTermParent, "error", err)
	}
}

func (d *Driver) finishStats(ctx context.Context, stats *store.TaskStats, req *ooi.Request, failed bool) {
	// stats must land even when the batch died of a timeout
	ctx = context.WithoutCancel(ctx)
	stats.Stop = d.now().UTC()
	stats.Error = failed
	stats.OOIsLeft = req.Len()
	if err := d.store.SaveTaskStats(ctx, stats); err != nil {
		d.log.WarnContext(ctx, "task stats write failed", "task", stats.TaskID, "error", err)
	}
}

// parkResult dead-letters a saved result that carries an upstream error
// payload. The batch keeps running; the record makes the failure visible to
// operators without ever auto-retrying it.
func (d *Driver) parkResult(ctx context.Context, inv *Invocation, req *ooi.Request, r *store.ScanResult) {
	p := &store.Parking{
		OOIs:         []string{r.OOI},
		Owner:        req.Owner,
		Tags:         req.Tags,
		RetryCounter: inv.Retries,
		Partial:      []map[string]any{r.Document()},
	}
	if err := d.store.Park(ctx, p); err != nil {
		d.log.ErrorContext(ctx, "error parking write failed", "task", inv.TaskID, "error", err)
		return
	}
	d.log.WarnContext(ctx, "api error parked", "task", inv.TaskID, "ooi", r.OOI, "parking", p.ID)
}

// park writes the remaining request to the error parking. Parking never
// fails the caller, the record is best effort on a path that is already
// failing.
func (d *Driver) park(ctx context.Context, inv *Invocation, req *ooi.Request, results []map[string]any, maxed bool) {
	raw, err := json.Marshal(req)
	if err != nil {
		raw = []byte(fmt.Sprintf("{\"marshal_error\": %q}", err))
	}
	p := &store.Parking{
		OOIs:         req.Values(),
		Owner:        req.Owner,
		Tags:         req.Tags,
		RetryCounter: inv.Retries,
		MaxRetries:   maxed,
		Request:      raw,
		Partial:      results,
	}
	if err := d.store.Park(ctx, p); err != nil {
		d.log.ErrorContext(ctx, "error parking write failed", "task", inv.TaskID, "error", err)
		return
	}
	d.log.ErrorContext(ctx, "request parked", "task", inv.TaskID, "parking", p.ID, "max_retries", maxed)
}
