package engine

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/BSI-Bund/Katti/internal/cache"
	"github.com/BSI-Bund/Katti/internal/model"
	"github.com/BSI-Bund/Katti/internal/ooi"
	"github.com/BSI-Bund/Katti/internal/quota"
	"github.com/BSI-Bund/Katti/internal/scanner"
	"github.com/BSI-Bund/Katti/internal/store"
)

// Orchestrator runs the per-item decision tree. It is stateless apart from
// its backends and safe for concurrent use.
type Orchestrator struct {
	store    store.Store
	cache    *cache.Cache
	locker   *cache.Locker
	scanners *quota.Scanners
	callers  *quota.Callers
	cfg      model.Engine
	log      *slog.Logger

	now    func() time.Time
	jitter func(min, max time.Duration) time.Duration
}

func NewOrchestrator(st store.Store, c *cache.Cache, l *cache.Locker, sq *quota.Scanners, cq *quota.Callers, cfg model.Engine, log *slog.Logger) *Orchestrator {
	return &Orchestrator{
		store:    st,
		cache:    c,
		locker:   l,
		scanners: sq,
		callers:  cq,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		jitter:   randomBetween,
	}
}

func randomBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	return min + rand.N(max-min)
}

// scanKey hashes the full equality key of a logical scan. Same key, same
// scan, one executor.
func scanKey(scannerID, value string, filter map[string]string) string {
	parts := make([]string, 0, len(filter))
	for k, v := range filter {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	sum := md5.Sum([]byte(scannerID + "|" + value + "|" + strings.Join(parts, ",")))
	return hex.EncodeToString(sum[:])
}

// Scan decides and, if needed, executes one item of a request. Derived
// items are appended to the request. Fatal errors mean the whole batch must
// stop; retry needs are reported as dispositions, not errors.
func (o *Orchestrator) Scan(ctx context.Context, req *ooi.Request, item ooi.OOI, cfg store.ScannerConfig, sc scanner.Scanner, policy store.CallerPolicy) (Outcome, error) {
	filter := sc.FilterFields(item)
	key := scanKey(cfg.ID, item.Value, filter)
	now := o.now().UTC()

	if req.Offline {
		return o.offline(ctx, req, item, cfg, filter, now)
	}

	if !req.Force() {
		if out, ok, err := o.lookup(ctx, req, item, cfg, filter, key, now); err != nil {
			return Outcome{}, err
		} else if ok {
			return out, nil
		}
	}

	if sc.HasQuota() {
		switch err := o.scanners.Check(ctx, cfg.ID); {
		case errors.Is(err, quota.ErrMinuteBlocked):
			return Outcome{Disposition: RetryShort, Delay: o.minuteDelay()}, nil
		case errors.Is(err, quota.ErrDayBlocked):
			return Outcome{Disposition: RetryLong, Delay: o.dayDelay(now)}, nil
		case err != nil:
			return Outcome{}, err
		}
	}

	// batches metered at the API edge are not charged a second time
	if !req.APIRequest {
		switch err := o.callers.Charge(ctx, policy, sc.Type(), req.Amount()); {
		case errors.Is(err, quota.ErrDayBlocked):
			return Outcome{Disposition: RetryLong, Delay: o.dayDelay(now)}, nil
		case err != nil:
			// ErrNoAccess and backend failures stop the batch
			return Outcome{}, err
		}
	}

	lock, won, err := o.locker.TryAcquire(ctx, key, cfg.MaxCacheWait())
	if err != nil {
		// run unlocked rather than not at all, worst case is a duplicate
		// scan that the result key collapses on read
		o.log.WarnContext(ctx, "lock acquire failed, scanning unlocked", "key", key, "error", err)
	} else if !won && !req.Force() {
		// only a copy inside the caller's freshness window settles the wait;
		// force requests never wait, they always execute
		r, err := o.cache.WaitForResult(ctx, key, cfg.MaxCacheWait(), o.cfg.LockPoll(), now.Add(-req.TTL()))
		if err == nil {
			return o.hit(ctx, req, r)
		}
		if !errors.Is(err, cache.ErrMiss) {
			return Outcome{}, err
		}
		// the winner never delivered, take over
	} else if won {
		defer lock.Release(ctx)
	}

	return o.execute(ctx, req, item, cfg, sc, filter, key, now)
}

func (o *Orchestrator) offline(ctx context.Context, req *ooi.Request, item ooi.OOI, cfg store.ScannerConfig, filter map[string]string, now time.Time) (Outcome, error) {
	f := store.ResultFilter{OOI: item.Value, Scanner: cfg.ID, Extra: filter}
	if !req.Force() {
		f.Since = now.Add(-req.TTL())
	}
	r, err := o.store.LatestResult(ctx, f)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, ErrOfflineNoResult
	}
	if err != nil {
		return Outcome{}, err
	}
	return o.hit(ctx, req, r)
}

// lookup checks the fast cache, then the store, for a result inside the
// request's freshness window.
func (o *Orchestrator) lookup(ctx context.Context, req *ooi.Request, item ooi.OOI, cfg store.ScannerConfig, filter map[string]string, key string, now time.Time) (Outcome, bool, error) {
	r, err := o.cache.Result(ctx, key)
	switch {
	case err == nil && r.Fresh(now, req.TTL()):
		out, err := o.hit(ctx, req, r)
		return out, err == nil, err
	case err != nil && !errors.Is(err, cache.ErrMiss):
		o.log.WarnContext(ctx, "cache read failed", "key", key, "error", err)
	}

	stored, err := o.store.LatestResult(ctx, store.ResultFilter{
		OOI:     item.Value,
		Scanner: cfg.ID,
		Extra:   filter,
		Since:   now.Add(-req.TTL()),
	})
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, false, nil
	}
	if err != nil {
		return Outcome{}, false, err
	}
	if err := o.cache.PutResult(ctx, key, stored, cfg.CacheTTL()); err != nil {
		o.log.WarnContext(ctx, "cache refresh failed", "key", key, "error", err)
	}
	out, err := o.hit(ctx, req, stored)
	return out, err == nil, err
}

// hit merges the request's tags into the reused result.
func (o *Orchestrator) hit(ctx context.Context, req *ooi.Request, r *store.ScanResult) (Outcome, error) {
	if len(req.Tags) > 0 {
		if err := o.store.MergeResultTags(ctx, r.ID, req.Tags); err != nil && !errors.Is(err, store.ErrNotFound) {
			return Outcome{}, err
		}
		for _, t := range req.Tags {
			if !slices.Contains(r.Tags, t) {
				r.Tags = append(r.Tags, t)
			}
		}
	}
	return Outcome{Disposition: CacheHit, Result: r}, nil
}

func (o *Orchestrator) execute(ctx context.Context, req *ooi.Request, item ooi.OOI, cfg store.ScannerConfig, sc scanner.Scanner, filter map[string]string, key string, now time.Time) (Outcome, error) {
	ex := scanner.NewExecution(item, cfg.Args)
	err := sc.Scan(ctx, ex)

	var apiErr *scanner.APIError
	switch {
	case errors.Is(err, quota.ErrMinuteBlocked):
		if berr := o.scanners.BlockMinute(ctx, cfg.ID); berr != nil {
			o.log.WarnContext(ctx, "minute block flag failed", "scanner", cfg.ID, "error", berr)
		}
		return Outcome{Disposition: RetryShort, Delay: o.minuteDelay()}, nil
	case errors.Is(err, quota.ErrDayBlocked):
		if berr := o.scanners.BlockDay(ctx, cfg.ID); berr != nil {
			o.log.WarnContext(ctx, "day block flag failed", "scanner", cfg.ID, "error", berr)
		}
		return Outcome{Disposition: RetryLong, Delay: o.dayDelay(now)}, nil
	case errors.As(err, &apiErr):
		// the upstream answered, its answer is the result
	case err != nil:
		// transient by assumption, the driver parks after too many rounds
		o.log.WarnContext(ctx, "scan failed, requeueing", "scanner", cfg.ID, "ooi", item.Value, "error", err)
		min, max := o.cfg.RequeueRange()
		return Outcome{Disposition: RetryShort, Delay: o.jitter(min, max)}, nil
	}

	apiText := ""
	if apiErr != nil {
		apiText = apiErr.Text
	}
	r, err := o.persist(ctx, req, ex, cfg, filter, key, now, apiText, cfg.CacheTTL())
	if err != nil {
		return Outcome{}, err
	}
	return Outcome{Disposition: Saved, Result: r}, nil
}

// persist turns a finished execution into a stored result, updates the
// remaining-quota gauge and re-queues derived items. A zero cacheTTL skips
// the fast-cache write; bulk runs are store-only.
func (o *Orchestrator) persist(ctx context.Context, req *ooi.Request, ex *scanner.Execution, cfg store.ScannerConfig, filter map[string]string, key string, now time.Time, apiText string, cacheTTL time.Duration) (*store.ScanResult, error) {
	if ex.Remaining >= 0 {
		if err := o.scanners.SetRemaining(ctx, cfg.ID, ex.Remaining); err != nil {
			o.log.WarnContext(ctx, "remaining gauge failed", "scanner", cfg.ID, "error", err)
		}
	}
	for _, d := range ex.Derived {
		if err := req.Append(d); err != nil {
			return nil, err
		}
	}

	r := &store.ScanResult{
		OOI:       ex.OOI.Value,
		Scanner:   cfg.ID,
		Extra:     filter,
		Owner:     req.Owner,
		Tags:      req.Tags,
		CreatedAt: now,
		Payload:   ex.Payload,
		APIError:  apiText,
	}
	if req.LongTermParent != "" {
		r.QuotaException = "day_retry"
	}
	if err := o.store.SaveResult(ctx, r); err != nil {
		return nil, fmt.Errorf("save result: %w", err)
	}
	if err := o.cache.PutResult(ctx, key, r, cacheTTL); err != nil {
		o.log.WarnContext(ctx, "cache write failed", "key", key, "error", err)
	}
	return r, nil
}

func (o *Orchestrator) minuteDelay() time.Duration {
	min, max := o.cfg.MinuteRetryRange()
	return o.jitter(min, max)
}

// dayDelay returns the time until tomorrow's off-peak retry slot. Day
// budgets reset at midnight UTC, so the slot is always past the next one.
func (o *Orchestrator) dayDelay(now time.Time) time.Duration {
	slot := time.Date(now.Year(), now.Month(), now.Day(), o.cfg.DayRetryHour, o.cfg.DayRetryMinute, 0, 0, time.UTC).Add(24 * time.Hour)
	return slot.Sub(now)
}
