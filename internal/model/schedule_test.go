package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCron(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		expr string
		want time.Duration
	}{
		{"*/10 * * * *", 10 * time.Minute},
		{"*/5 * * * *", 5 * time.Minute},
		{"0 * * * *", time.Hour},
		{"@hourly", time.Hour},
		{"@daily", 24 * time.Hour},
	} {
		got, err := ParseCron(tc.expr)
		require.NoError(t, err, tc.expr)
		assert.Equal(t, tc.want, got, tc.expr)
	}
}

func TestParseCronInvalid(t *testing.T) {
	t.Parallel()
	_, err := ParseCron("not a cron")
	assert.Error(t, err)
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	for _, tc := range []struct {
		dur  string
		want time.Duration
	}{
		{"PT10M", 10 * time.Minute},
		{"PT1H30M", 90 * time.Minute},
		{"P1D", 24 * time.Hour},
		{"PT30S", 30 * time.Second},
	} {
		got, err := ParseISODuration(tc.dur)
		require.NoError(t, err, tc.dur)
		assert.Equal(t, tc.want, got, tc.dur)
	}
}

func TestParseISODurationInvalid(t *testing.T) {
	t.Parallel()
	for _, dur := range []string{"", "10m", "P", "PTx"} {
		_, err := ParseISODuration(dur)
		assert.ErrorIs(t, err, ErrISOFormat, dur)
	}
}
