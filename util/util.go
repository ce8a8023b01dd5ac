// Package util contains misc internal utilities.
package util

import (
	"strconv"
	"strings"
	"time"
)

// Limiter imposes software travel limits on an axis.  A zero Limiter (Min ==
// Max) imposes no limit.
type Limiter struct {
	Min float64 `json:"min" yaml:"Min" koanf:"min"`
	Max float64 `json:"max" yaml:"Max" koanf:"max"`
}

// Check returns true if pos is within the limits
func (l Limiter) Check(pos float64) bool {
	if l.Min == l.Max {
		return true
	}
	return pos >= l.Min && pos <= l.Max
}

// Clamp limits input to the range [low, high]
func Clamp(input, low, high float64) float64 {
	if input < low {
		return low
	}
	if input > high {
		return high
	}
	return input
}

// SecsToDuration converts a floating point number of seconds to a duration
func SecsToDuration(secs float64) time.Duration {
	return time.Duration(secs * 1e9)
}

// IntSliceToCSV converts a slice of ints to CSV formatted data.
// e.g., []int{1,2,3,4,5} => "1,2,3,4,5"
func IntSliceToCSV(is []int) string {
	s := make([]string, len(is))
	for i, v := range is {
		s[i] = strconv.Itoa(v)
	}

	return strings.Join(s, ",")
}

// CSVToIntSlice is the inverse of IntSliceToCSV.  The empty string yields an
// empty slice.
func CSVToIntSlice(csv string) ([]int, error) {
	if csv == "" {
		return []int{}, nil
	}
	parts := strings.Split(csv, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}
