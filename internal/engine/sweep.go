package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/BSI-Bund/Katti/internal/ooi"
	"github.com/BSI-Bund/Katti/internal/store"
)

// Sweeper resurrects due long-term retries: every pending row whose slot
// has passed gets its stored continuation enqueued and is marked restarted.
type Sweeper struct {
	store store.Store
	queue Enqueuer
	// spread staggers the restarts so a big backlog does not land on the
	// workers in one burst.
	spread time.Duration
	log    *slog.Logger
	now    func() time.Time
}

func NewSweeper(st store.Store, q Enqueuer, spread time.Duration, log *slog.Logger) *Sweeper {
	return &Sweeper{store: st, queue: q, spread: spread, log: log, now: time.Now}
}

// Sweep runs one pass. A row that fails to decode or enqueue is logged and
// left pending for the next pass.
func (s *Sweeper) Sweep(ctx context.Context) error {
	due, err := s.store.DueRetryTasks(ctx, s.now().UTC())
	if err != nil {
		return err
	}
	if len(due) == 0 {
		return nil
	}
	s.log.InfoContext(ctx, "sweeping due retries", "count", len(due))

	restarted := 0
	for i, row := range due {
		if err := ctx.Err(); err != nil {
			return err
		}
		cont, err := ooi.DecodeContinuation(row.Continuation)
		if err != nil {
			s.log.ErrorContext(ctx, "stored continuation unreadable", "retry_task", row.ID, "error", err)
			continue
		}
		childID, err := s.queue.Enqueue(ctx, cont, time.Duration(i)*s.spread)
		if err != nil {
			s.log.ErrorContext(ctx, "restart enqueue failed", "retry_task", row.ID, "error", err)
			continue
		}
		if err := s.store.MarkRetryRestarted(ctx, row.ID, childID); err != nil {
			s.log.ErrorContext(ctx, "restart bookkeeping failed", "retry_task", row.ID, "child", childID, "error", err)
			continue
		}
		restarted++
	}
	s.log.InfoContext(ctx, "sweep finished", "restarted", restarted, "due", len(due))
	return nil
}
