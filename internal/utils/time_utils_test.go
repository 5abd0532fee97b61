package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseStringTime(t *testing.T) {
	tests := []struct {
		timeString string
		expected   time.Duration
	}{
		{"10s", 10 * time.Second},
		{"20M", 20 * time.Minute},
		{"48h", 48 * time.Hour},
		{"2d", 2 * time.Hour * 24},
		{" 0s ", 0},
	}

	for _, test := range tests {
		result, err := ParseStringTime(test.timeString)
		assert.NoError(t, err, test.timeString)
		assert.Equal(t, test.expected, result, test.timeString)
	}
}

func TestParseStringTimeInvalid(t *testing.T) {
	for _, in := range []string{"", "s", "10", "10w", "xs", "-5s"} {
		_, err := ParseStringTime(in)
		assert.Error(t, err, in)
	}
	assert.Equal(t, 3*time.Second, ParseStringTimeOr("nope", 3*time.Second))
	assert.Equal(t, time.Minute, ParseStringTimeOr("1m", 3*time.Second))
}
