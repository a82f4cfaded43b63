// Package scanner defines the connector interface and the explicit
// registration table. Connectors are registered at process start; there is
// no discovery magic, what is in the table is what runs.
package scanner

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/BSI-Bund/Katti/internal/ooi"
	"github.com/BSI-Bund/Katti/internal/store"
)

// Execution is the per-item workspace a connector fills in. The engine
// persists Payload, re-queues Derived items and records Remaining.
type Execution struct {
	OOI ooi.OOI
	// Args are the connector settings from the registry row.
	Args map[string]string

	// Payload is the result body. A nil Payload after a nil error is a
	// connector bug.
	Payload map[string]any
	// Derived are follow-up items discovered during the scan. Their origin
	// must point back at the scanned item.
	Derived []ooi.OOI
	// Remaining is the provider-reported budget after this call, -1 when
	// the provider does not say.
	Remaining int64
}

// NewExecution prepares a workspace for one item.
func NewExecution(item ooi.OOI, args map[string]string) *Execution {
	return &Execution{OOI: item, Args: args, Remaining: -1}
}

// Derive records a follow-up item keeping the provenance chain.
func (e *Execution) Derive(t ooi.Type, value string) {
	e.Derived = append(e.Derived, ooi.Derived(e.OOI, t, value))
}

// Scanner is one connector. Implementations must be safe for concurrent
// Scan calls.
type Scanner interface {
	// Type is the stable connector type name, also the quota endpoint name.
	Type() string
	// HasQuota reports whether the upstream service is budget-limited.
	HasQuota() bool
	// FilterFields returns the fields that, together with the item value
	// and scanner id, form the logical scan key. Same fields, same scan.
	FilterFields(item ooi.OOI) map[string]string
	// Scan performs one lookup and fills the execution workspace. Quota
	// exhaustion is reported by wrapping the quota sentinels; an upstream
	// answer that is itself an error is reported via *APIError.
	Scan(ctx context.Context, ex *Execution) error
}

// Bulk marks connectors that want the whole batch at once instead of
// per-item calls.
type Bulk interface {
	Scanner
	ScanBulk(ctx context.Context, exs []*Execution) error
}

// APIError is an upstream response that is an error by content, not by
// transport. It is persisted as a regular result carrying the error text,
// never retried.
type APIError struct {
	Text string
}

func (e *APIError) Error() string {
	return "api error: " + e.Text
}

// Factory builds a connector from its registry row.
type Factory func(cfg store.ScannerConfig) (Scanner, error)

var (
	regMu    sync.RWMutex
	registry = map[string]Factory{}
)

// Register adds a factory to the table. Registering a type twice panics;
// that is a wiring error, not a runtime condition.
func Register(scannerType string, f Factory) {
	regMu.Lock()
	defer regMu.Unlock()
	if _, dup := registry[scannerType]; dup {
		panic(fmt.Sprintf("scanner type %q registered twice", scannerType))
	}
	registry[scannerType] = f
}

// Lookup builds the connector for a registry row.
func Lookup(cfg store.ScannerConfig) (Scanner, error) {
	regMu.RLock()
	f, ok := registry[cfg.Type]
	regMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown scanner type %q", cfg.Type)
	}
	return f(cfg)
}

// Types lists the registered connector types, sorted.
func Types() []string {
	regMu.RLock()
	defer regMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
