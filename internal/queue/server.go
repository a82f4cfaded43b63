package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/BSI-Bund/Katti/internal/engine"
	"github.com/BSI-Bund/Katti/internal/log"
	"github.com/BSI-Bund/Katti/internal/model"
	"github.com/BSI-Bund/Katti/internal/ooi"
)

// Server consumes scan tasks and hands them to the driver.
type Server struct {
	srv    *asynq.Server
	mux    *asynq.ServeMux
	driver *engine.Driver
	logger *slog.Logger
}

func NewServer(cfg model.Redis, worker model.Worker, driver *engine.Driver, logger *slog.Logger) *Server {
	queues := worker.Queues
	if len(queues) == 0 {
		queues = map[string]int{"default": 1}
	}
	srv := asynq.NewServer(RedisOpt(cfg), asynq.Config{
		Concurrency: worker.Concurrency,
		Queues:      queues,
		Logger:      slogAdapter{log: logger},
	})
	s := &Server{srv: srv, mux: asynq.NewServeMux(), driver: driver, logger: logger}
	s.mux.HandleFunc(taskPrefix, s.handle)
	return s
}

// Run serves tasks until Shutdown.
func (s *Server) Run() error {
	return s.srv.Run(s.mux)
}

// Shutdown waits for in-flight tasks before returning.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

func (s *Server) handle(ctx context.Context, t *asynq.Task) error {
	cont, err := ooi.DecodeContinuation(t.Payload())
	if err != nil {
		// a payload that cannot be decoded can never succeed
		return fmt.Errorf("decode %s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	taskID, _ := asynq.GetTaskID(ctx)
	ctx = log.ContextAttrs(ctx,
		slog.String("task_id", taskID),
		slog.String("task_type", cont.TaskType),
		slog.Int("retries", cont.Retries))

	resp, err := s.driver.Run(ctx, &engine.Invocation{
		TaskID:   taskID,
		TaskType: cont.TaskType,
		Queue:    cont.Queue,
		Retries:  cont.Retries,
		Request:  cont.Request,
		Results:  cont.Results,
	})
	if errors.Is(err, engine.ErrParked) {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// soft time limit, the batch is abandoned, not retried
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}
	if err != nil {
		return err
	}

	switch {
	case resp.Deferred:
		s.logger.InfoContext(ctx, "task deferred", "delay", resp.Delay)
	case resp.LongDeferred:
		s.logger.InfoContext(ctx, "task deferred to next day", "delay", resp.Delay)
	default:
		s.logger.InfoContext(ctx, "task finished",
			"results", len(resp.Results),
			"offline_misses", len(resp.OfflineMisses),
			"scanner", resp.ScannerID)
	}
	return nil
}
