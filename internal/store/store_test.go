package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScanResultFresh(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 2, 3, 12, 0, 0, 0, time.UTC)
	r := &ScanResult{CreatedAt: now.Add(-30 * time.Minute)}

	assert.True(t, r.Fresh(now, time.Hour))
	assert.False(t, r.Fresh(now, 10*time.Minute))
	assert.False(t, r.Fresh(now, 0), "zero window means nothing is fresh")
	assert.False(t, (*ScanResult)(nil).Fresh(now, time.Hour))
}

func TestScanResultDocument(t *testing.T) {
	t.Parallel()
	r := &ScanResult{
		ID:       "r-1",
		OOI:      "example.org",
		Scanner:  "scn-1",
		Owner:    "alice",
		Tags:     []string{"t"},
		APIError: "nope",
		Payload:  map[string]any{"k": "v"},
	}
	doc := r.Document()
	assert.Equal(t, "r-1", doc["_id"])
	assert.Equal(t, "nope", doc["api_error"])
	assert.Equal(t, map[string]any{"k": "v"}, doc["payload"])
	assert.NotContains(t, doc, "quota_exception", "empty fields are omitted")
	assert.NotContains(t, doc, "extra")
}

func TestCallerPolicyEndpoint(t *testing.T) {
	t.Parallel()
	p := CallerPolicy{
		Owner: "alice",
		Endpoints: []Endpoint{
			{Name: "dns", Access: true, DailyRate: 10},
			{Name: "whois", Access: false},
		},
	}

	ep, ok := p.Endpoint("dns")
	assert.True(t, ok)
	assert.EqualValues(t, 10, ep.DailyRate)

	_, ok = p.Endpoint("shodan")
	assert.False(t, ok)
}

func TestScannerConfigDurations(t *testing.T) {
	t.Parallel()
	cfg := ScannerConfig{CacheTTLSeconds: 3600, MaxCacheWaitSeconds: 30}
	assert.Equal(t, time.Hour, cfg.CacheTTL())
	assert.Equal(t, 30*time.Second, cfg.MaxCacheWait())
}
