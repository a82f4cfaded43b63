package scanner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BSI-Bund/Katti/internal/ooi"
	"github.com/BSI-Bund/Katti/internal/store"
)

func TestRegistryLookup(t *testing.T) {
	t.Parallel()

	s, err := Lookup(store.ScannerConfig{Type: TypeEcho})
	require.NoError(t, err)
	assert.Equal(t, TypeEcho, s.Type())

	_, err = Lookup(store.ScannerConfig{Type: "no-such-type"})
	assert.Error(t, err)
}

func TestRegistryTypes(t *testing.T) {
	t.Parallel()
	types := Types()
	assert.Contains(t, types, TypeDNS)
	assert.Contains(t, types, TypeEcho)
	assert.IsIncreasing(t, types)
}

func TestRegisterDuplicatePanics(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() {
		Register(TypeEcho, func(store.ScannerConfig) (Scanner, error) { return nil, nil })
	})
}

func TestEchoScan(t *testing.T) {
	t.Parallel()
	s, err := Lookup(store.ScannerConfig{Type: TypeEcho})
	require.NoError(t, err)
	assert.False(t, s.HasQuota())

	item := ooi.New(ooi.TypeDomain, "example.org")
	ex := NewExecution(item, nil)
	require.NoError(t, s.Scan(context.Background(), ex))
	assert.Equal(t, "example.org", ex.Payload["echo"])
	assert.Equal(t, "domain", ex.Payload["ooi_type"])
	assert.Empty(t, ex.Derived)
	assert.EqualValues(t, -1, ex.Remaining)
}

func TestEchoQuotaArg(t *testing.T) {
	t.Parallel()
	s, err := Lookup(store.ScannerConfig{
		Type: TypeEcho,
		Args: map[string]string{"has_quota": "true"},
	})
	require.NoError(t, err)
	assert.True(t, s.HasQuota())
}

func TestExecutionDeriveKeepsProvenance(t *testing.T) {
	t.Parallel()
	root := ooi.New(ooi.TypeDomain, "example.org")
	ex := NewExecution(root, nil)
	ex.Derive(ooi.TypeIPv4, "192.0.2.10")

	require.Len(t, ex.Derived, 1)
	assert.Equal(t, ooi.TypeIPv4, ex.Derived[0].Type)
	assert.Equal(t, "example.org", ex.Derived[0].Origin)
}

func TestAPIErrorMessage(t *testing.T) {
	t.Parallel()
	err := &APIError{Text: "invalid api key"}
	assert.EqualError(t, err, "api error: invalid api key")
}
