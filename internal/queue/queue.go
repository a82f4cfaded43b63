// Package queue connects the engine to asynq: enqueueing versioned
// continuations and serving them back to the driver on workers.
package queue

import (
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/BSI-Bund/Katti/internal/model"
)

const taskPrefix = "scan:"

// TaskName maps a connector task type to its queue task name.
func TaskName(taskType string) string {
	return taskPrefix + taskType
}

// RedisOpt builds the asynq connection options from the config.
func RedisOpt(cfg model.Redis) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// slogAdapter lets asynq log through the process logger.
type slogAdapter struct {
	log *slog.Logger
}

func (a slogAdapter) Debug(args ...any) { a.log.Debug(sprint(args)) }
func (a slogAdapter) Info(args ...any)  { a.log.Info(sprint(args)) }
func (a slogAdapter) Warn(args ...any)  { a.log.Warn(sprint(args)) }
func (a slogAdapter) Error(args ...any) { a.log.Error(sprint(args)) }
func (a slogAdapter) Fatal(args ...any) { a.log.Error(sprint(args)) }

func sprint(args []any) string { return fmt.Sprint(args...) }
