package scanner

import (
	"context"
	"strconv"
	"time"

	"github.com/BSI-Bund/Katti/internal/ooi"
	"github.com/BSI-Bund/Katti/internal/store"
)

// TypeEcho is the diagnostics connector type. It answers every item with a
// deterministic payload and is useful for smoke tests of the whole pipeline.
const TypeEcho = "echo"

func init() {
	Register(TypeEcho, func(cfg store.ScannerConfig) (Scanner, error) {
		e := &Echo{}
		if d := cfg.Args["delay_ms"]; d != "" {
			ms, err := strconv.Atoi(d)
			if err != nil {
				return nil, err
			}
			e.delay = time.Duration(ms) * time.Millisecond
		}
		e.quota = cfg.Args["has_quota"] == "true"
		return e, nil
	})
}

// Echo reflects the scanned item back as the payload.
type Echo struct {
	delay time.Duration
	quota bool
}

func (e *Echo) Type() string   { return TypeEcho }
func (e *Echo) HasQuota() bool { return e.quota }

func (e *Echo) FilterFields(ooi.OOI) map[string]string { return nil }

func (e *Echo) Scan(ctx context.Context, ex *Execution) error {
	if e.delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.delay):
		}
	}
	ex.Payload = map[string]any{
		"echo":     ex.OOI.Value,
		"ooi_type": string(ex.OOI.Type),
	}
	return nil
}
