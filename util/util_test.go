package util_test

import (
	"testing"
	"time"

	"github.com/mxlab/flyscan/util"
)

func TestIntSliceToCSV(t *testing.T) {
	inp := []int{1, 2, 3}
	expected := "1,2,3"
	out := util.IntSliceToCSV(inp)
	if expected != out {
		t.Errorf("expected %s got %s", expected, out)
	}
}

func TestCSVToIntSliceRoundTrip(t *testing.T) {
	inp := []int{0, 20, 35}
	out, err := util.CSVToIntSlice(util.IntSliceToCSV(inp))
	if err != nil {
		t.Fatal(err)
	}
	for i := range inp {
		if inp[i] != out[i] {
			t.Errorf("expected %d at %d, got %d", inp[i], i, out[i])
		}
	}
	empty, err := util.CSVToIntSlice("")
	if err != nil || len(empty) != 0 {
		t.Errorf("expected empty slice, got %v %v", empty, err)
	}
	if _, err := util.CSVToIntSlice("1,x"); err == nil {
		t.Error("expected an error for a non-integer field")
	}
}

func TestClampHigh(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = 20.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != high {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestClampLow(t *testing.T) {
	var (
		low   = 0.
		high  = 10.
		input = -1.
	)
	clamped := util.Clamp(input, low, high)
	if clamped != low {
		t.Errorf("expected out of range value %f to be clipped to %f < x < %f, got %f", input, low, high, clamped)
	}
}

func TestSecsToDuration(t *testing.T) {
	var dur time.Duration = 123456789
	secs := dur.Seconds()
	out := util.SecsToDuration(secs)
	if out != dur {
		t.Errorf("expected SecsToDuration to round trip, output %v != expected %v", out, dur)
	}
}

func TestLimiterZeroValueIsUnlimited(t *testing.T) {
	if !(util.Limiter{}).Check(1e9) {
		t.Error("zero limiter should not restrict motion")
	}
}
