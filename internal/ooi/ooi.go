// Package ooi holds the engine's unit-of-work data model: objects of
// interest, the batches (requests) that carry them, and the versioned
// continuation record used to resume a batch on another worker.
package ooi

import (
	"fmt"
	"net/netip"
	"net/url"
	"strings"
)

// Type classifies the raw value of an OOI. The engine itself treats the value
// as opaque; the type exists so connectors can refuse work they cannot handle.
type Type string

const (
	TypeDomain Type = "domain"
	TypeIPv4   Type = "ipv4"
	TypeIPv6   Type = "ipv6"
	TypeURL    Type = "url"
	TypeHash   Type = "hash"
	TypeRaw    Type = "raw"
)

// OOI is one object of interest inside a Request. Immutable once created.
// Origin carries provenance when a connector re-queues a derived lookup
// (e.g. a fallback record type); it breaks requeue loops.
type OOI struct {
	Type   Type   `json:"type"`
	Value  string `json:"value"`
	Origin string `json:"origin,omitempty"`
}

// New builds an OOI. The value doubles as the engine-assigned identity used
// for cache and result keys.
func New(t Type, value string) OOI {
	return OOI{Type: t, Value: strings.TrimSpace(value)}
}

// Derived builds an OOI spawned by a connector while scanning parent. The
// provenance always points at the root of the chain, so a derived OOI can
// never itself spawn an unbounded chain with a fresh origin.
func Derived(parent OOI, t Type, value string) OOI {
	origin := parent.Value
	if parent.Origin != "" {
		origin = parent.Origin
	}
	return OOI{Type: t, Value: strings.TrimSpace(value), Origin: origin}
}

func (o OOI) String() string { return o.Value }

// Root is the identity of the item that started the provenance chain, the
// value itself for non-derived items.
func (o OOI) Root() string {
	if o.Origin != "" {
		return o.Origin
	}
	return o.Value
}

// Validate checks the value against its declared type where the type implies
// a syntax. Raw and hash values are accepted as-is.
func (o OOI) Validate() error {
	if o.Value == "" {
		return fmt.Errorf("empty ooi value")
	}
	switch o.Type {
	case TypeIPv4:
		a, err := netip.ParseAddr(o.Value)
		if err != nil || !a.Is4() {
			return fmt.Errorf("%q is not an IPv4 address", o.Value)
		}
	case TypeIPv6:
		a, err := netip.ParseAddr(o.Value)
		if err != nil || !a.Is6() || a.Is4() {
			return fmt.Errorf("%q is not an IPv6 address", o.Value)
		}
	case TypeURL:
		u, err := url.Parse(o.Value)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("%q is not an absolute URL", o.Value)
		}
	case TypeDomain:
		if strings.ContainsAny(o.Value, " /\\") || !strings.Contains(o.Value, ".") {
			return fmt.Errorf("%q is not a domain name", o.Value)
		}
	case TypeHash, TypeRaw:
		// opaque
	default:
		return fmt.Errorf("unknown ooi type %q", o.Type)
	}
	return nil
}
