package model

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
redis:
  addr: "redis:6379"
mongo:
  uri: "mongodb://mongo:27017"
  database: "katti"
worker:
  concurrency: 8
  max_retries: 5
  stop_requeue_seconds: 120
engine:
  minute_retry_min_seconds: 60
  minute_retry_max_seconds: 120
  day_retry_hour: 4
  day_retry_minute: 0
sweep:
  cron: "*/5 * * * *"
`
	cfg, err := LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)

	assert.Equal(t, "redis:6379", cfg.Redis.Addr)
	assert.Equal(t, "katti", cfg.Mongo.Database)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 5, cfg.Worker.MaxRetries)
	assert.Equal(t, 4, cfg.Engine.DayRetryHour)

	min, max := cfg.Engine.MinuteRetryRange()
	assert.Equal(t, time.Minute, min)
	assert.Equal(t, 2*time.Minute, max)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Parallel()
	yml := `
version: 0
redis:
  addr: "localhost:6379"
mongo:
  uri: "mongodb://localhost:27017"
  database: "katti"
`
	cfg, err := LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)

	assert.Equal(t, 90, cfg.Engine.MinuteRetryMinSeconds)
	assert.Equal(t, 300, cfg.Engine.MinuteRetryMaxSeconds)
	assert.Equal(t, 3, cfg.Engine.DayRetryHour)
	assert.Equal(t, 30, cfg.Engine.DayRetryMinute)
	assert.Equal(t, 330*time.Millisecond, cfg.Engine.LockPoll())
	assert.Equal(t, 2*time.Hour, cfg.Engine.DayBlockMargin())
	assert.Equal(t, 3, cfg.Worker.MaxRetries)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	t.Parallel()
	for name, yml := range map[string]string{
		"unknown version": "version: 99\nredis: {addr: \"a:1\"}\nmongo: {uri: \"m\", database: \"d\"}\n",
		"missing mongo":   "version: 0\nredis: {addr: \"a:1\"}\n",
		"negative hour":   "version: 0\nredis: {addr: \"a:1\"}\nmongo: {uri: \"m\", database: \"d\"}\nengine: {day_retry_hour: -1}\n",
		"not yaml":        "{{{{",
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadConfig(strings.NewReader(yml))
			assert.Error(t, err)
		})
	}
}

func TestCueErrDetails(t *testing.T) {
	t.Parallel()
	_, err := LoadConfig(strings.NewReader("version: 99\n"))
	require.Error(t, err)
	assert.NotEmpty(t, CueErrDetails(err))
}

func TestDefaultConfigIsValid(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	assert.NotEmpty(t, cfg.Redis.Addr)
	assert.NotEmpty(t, cfg.Mongo.URI)
	assert.Positive(t, cfg.Worker.Concurrency)
	min, max := cfg.Engine.RequeueRange()
	assert.Less(t, min, max)
}
