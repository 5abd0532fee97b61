package utils

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

var timeUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

// ParseStringTime parses durations such as "10s", "5m", "2h" or "1d".
// Units are case-insensitive.
func ParseStringTime(timeString string) (time.Duration, error) {
	timeString = strings.ToLower(strings.TrimSpace(timeString))
	if len(timeString) < 2 {
		return 0, fmt.Errorf("invalid time format: %q", timeString)
	}

	unit, ok := timeUnits[timeString[len(timeString)-1]]
	if !ok {
		return 0, fmt.Errorf("invalid time unit in %q", timeString)
	}

	number, err := strconv.Atoi(timeString[:len(timeString)-1])
	if err != nil || number < 0 {
		return 0, fmt.Errorf("invalid time value in %q", timeString)
	}
	return time.Duration(number) * unit, nil
}

// ParseStringTimeOr is ParseStringTime with a fallback for empty or
// malformed input.
func ParseStringTimeOr(timeString string, fallback time.Duration) time.Duration {
	d, err := ParseStringTime(timeString)
	if err != nil {
		return fallback
	}
	return d
}
