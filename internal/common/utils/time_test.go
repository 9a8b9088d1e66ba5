package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimestampFormats(t *testing.T) {
	tests := []struct {
		name  string
		value string
		want  time.Time
	}{
		{"rfc3339", "2020-01-02T03:04:05Z", time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"rfc3339 offset", "2020-01-02T03:04:05+02:00", time.Date(2020, 1, 2, 1, 4, 5, 0, time.UTC)},
		{"compact offset", "2020-01-02T03:04:05+0000", time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"rfc1123z", "Thu, 02 Jan 2020 03:04:05 +0000", time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"sql style", "2020-01-02 03:04:05", time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC)},
		{"date only", "2020-01-02", time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.value)
			require.NoError(t, err)
			assert.True(t, got.Equal(tt.want), "got %v want %v", got, tt.want)
		})
	}
}

func TestParseTimestampRejectsGarbage(t *testing.T) {
	_, err := ParseTimestamp("not a date")
	assert.Error(t, err)

	_, err = ParseTimestamp("")
	assert.Error(t, err)
}

func TestFormatTimestamp(t *testing.T) {
	ts := time.Date(2020, 6, 1, 12, 0, 0, 0, time.FixedZone("CEST", 2*3600))
	assert.Equal(t, "2020-06-01T10:00:00Z", FormatTimestamp(ts))
}
