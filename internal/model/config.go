package model

import (
	"io"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version int    `json:"version" yaml:"version"` // fixed 0 for now
	Redis   Redis  `json:"redis" yaml:"redis"`
	Mongo   Mongo  `json:"mongo" yaml:"mongo"`
	Worker  Worker `json:"worker" yaml:"worker"`
	Engine  Engine `json:"engine" yaml:"engine"`
	Sweep   Sweep  `json:"sweep" yaml:"sweep"`
	Verbose bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
}

// Redis is the shared cache/lock/quota store connection.
type Redis struct {
	Addr     string `json:"addr" yaml:"addr"`
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

// Mongo is the result/document store connection.
type Mongo struct {
	URI      string `json:"uri" yaml:"uri"`
	Database string `json:"database" yaml:"database"`
}

// Worker configures the task consumer process.
type Worker struct {
	Concurrency int `json:"concurrency" yaml:"concurrency"`
	// Queues maps queue name to priority weight, higher is served first.
	Queues map[string]int `json:"queues,omitempty" yaml:"queues,omitempty"`
	// MaxRetries is the short-retry budget per batch; once a requeued
	// invocation exceeds it the batch is dead-lettered.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// StopRequeueSeconds is the countdown used when a scanner's stop signal
	// is set and the batch is pushed back untouched.
	StopRequeueSeconds int `json:"stop_requeue_seconds" yaml:"stop_requeue_seconds"`
	// SoftTimeLimit bounds a single batch invocation, ISO-8601 duration
	// (e.g. PT3H). Empty means unbounded.
	SoftTimeLimit string `json:"soft_time_limit,omitempty" yaml:"soft_time_limit,omitempty"`
}

// Engine carries the scan lifecycle tunables. These are configuration on
// purpose: jitter ranges and off-peak hours differ per deployment.
type Engine struct {
	// TrustedMode disables caller metering entirely. Development setups only.
	TrustedMode bool `json:"trusted_mode,omitempty" yaml:"trusted_mode,omitempty"`

	// Minute-quota retry countdown is drawn uniformly from this range.
	MinuteRetryMinSeconds int `json:"minute_retry_min_seconds" yaml:"minute_retry_min_seconds"`
	MinuteRetryMaxSeconds int `json:"minute_retry_max_seconds" yaml:"minute_retry_max_seconds"`

	// Fallback requeue countdown range when a retry carries no delay of its own.
	RequeueMinSeconds int `json:"requeue_min_seconds" yaml:"requeue_min_seconds"`
	RequeueMaxSeconds int `json:"requeue_max_seconds" yaml:"requeue_max_seconds"`

	// Day-quota retries resume the next day at this UTC wall time.
	DayRetryHour   int `json:"day_retry_hour" yaml:"day_retry_hour"`
	DayRetryMinute int `json:"day_retry_minute" yaml:"day_retry_minute"`

	// Safety margin added to day-scale block TTLs so a flag never expires
	// before the day boundary it guards.
	DayBlockMarginHours int `json:"day_block_margin_hours" yaml:"day_block_margin_hours"`

	// LockPollMillis is the sleep between cache polls while another worker
	// holds the single-flight lock.
	LockPollMillis int `json:"lock_poll_millis" yaml:"lock_poll_millis"`
}

// Sweep schedules the long-term-retry resurrection job. Exactly one of Cron
// (5-field expression) or Duration (ISO-8601) must be set for daemon mode.
type Sweep struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"`
	// RestartDelaySeconds spaces out resurrected continuations so a large
	// sweep does not stampede the workers.
	RestartDelaySeconds int `json:"restart_delay_seconds" yaml:"restart_delay_seconds"`
}

func (e Engine) MinuteRetryRange() (time.Duration, time.Duration) {
	return time.Duration(e.MinuteRetryMinSeconds) * time.Second,
		time.Duration(e.MinuteRetryMaxSeconds) * time.Second
}

func (e Engine) RequeueRange() (time.Duration, time.Duration) {
	return time.Duration(e.RequeueMinSeconds) * time.Second,
		time.Duration(e.RequeueMaxSeconds) * time.Second
}

func (e Engine) LockPoll() time.Duration {
	return time.Duration(e.LockPollMillis) * time.Millisecond
}

func (e Engine) DayBlockMargin() time.Duration {
	return time.Duration(e.DayBlockMarginHours) * time.Hour
}

// DefaultConfig returns the configuration written on first start.
func DefaultConfig() Config {
	return Config{
		Version: 0,
		Redis:   Redis{Addr: "localhost:6379"},
		Mongo:   Mongo{URI: "mongodb://localhost:27017", Database: "katti"},
		Worker: Worker{
			Concurrency:        4,
			Queues:             map[string]int{"default": 1},
			MaxRetries:         3,
			StopRequeueSeconds: 600,
		},
		Engine: Engine{
			MinuteRetryMinSeconds: 90,
			MinuteRetryMaxSeconds: 300,
			RequeueMinSeconds:     5,
			RequeueMaxSeconds:     600,
			DayRetryHour:          3,
			DayRetryMinute:        30,
			DayBlockMarginHours:   2,
			LockPollMillis:        330,
		},
		Sweep: Sweep{
			Cron:                "*/10 * * * *",
			RestartDelaySeconds: 30,
		},
	}
}

// CueErrDetails unwraps a CUE validation error into individual messages, one
// per offending field.
func CueErrDetails(err error) []string {
	var details []string
	for _, e := range cueerrors.Errors(err) {
		details = append(details, e.Error())
	}
	return details
}

// LoadConfig validates YAML from r against the CUE schema and decodes it.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	return out, nil
}
