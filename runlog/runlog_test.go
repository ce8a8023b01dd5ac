package runlog

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mxlab/flyscan/xrc"
)

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	s.Logger = log.New(io.Discard, "", 0)
	t.Cleanup(func() { s.Close() })
	return s
}

func segments() []xrc.GridSegmentSpec {
	return []xrc.GridSegmentSpec{
		{StepSize: r3.Vec{X: 0.02, Y: 0.02, Z: 0.02}, StepCount: xrc.Counts{X: 5, Y: 4}},
		{StepSize: r3.Vec{X: 0.02, Y: 0.02, Z: 0.02}, StepCount: xrc.Counts{X: 5, Y: 3}, RotationAngleDeg: 90},
	}
}

func resultsOutcome() xrc.Outcome {
	o := xrc.ResultsOutcome([]xrc.TransformedResult{
		{CentreOfMassMm: r3.Vec{X: 0.05, Y: 0.04, Z: 0.01}, BoundingBoxMm: [2]r3.Vec{{X: 0.01}, {X: 0.09, Y: 0.09}}, MaxCount: 100, TotalCount: 50000, SampleID: 7},
		{CentreOfMassMm: r3.Vec{X: 0.02, Y: 0.02, Z: 0.03}, MaxCount: 10, TotalCount: 1000, SampleID: 7},
	})
	o.RunID = "run-a"
	o.SampleID = 7
	o.Segments = segments()
	o.Fingerprint = xrc.Fingerprint(o.Segments)
	o.Raw = []xrc.RawAnalysisResult{{TotalCount: 50000}, {TotalCount: 500}, {TotalCount: 1000, Segment: 1}}
	return o
}

func TestPublishAndGet(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	o := resultsOutcome()
	require.NoError(t, s.Publish(ctx, o))

	rec, err := s.Get(ctx, "run-a")
	require.NoError(t, err)
	assert.Equal(t, xrc.OutcomeResults, rec.Kind)
	assert.Equal(t, int64(7), rec.SampleID)
	assert.Equal(t, o.Fingerprint, rec.Fingerprint)
	assert.Equal(t, xrc.ScanIndexTable{0, 20, 35}, rec.ScanIndex)
	assert.Equal(t, o.Results, rec.Results)
	assert.Equal(t, o.Segments, rec.Segments)
	assert.Equal(t, o.Raw, rec.Raw)
	assert.False(t, rec.Created.IsZero())
}

func TestGetMissing(t *testing.T) {
	s := openTest(t)
	_, err := s.Get(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = s.Latest(context.Background())
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestLatestAndRecent(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, resultsOutcome()))

	failed := xrc.FailedOutcome(&xrc.HardwareFaultError{Device: "detector", Op: "arm", Err: errors.New("timed out")})
	failed.RunID = "run-b"
	failed.SampleID = 8
	require.NoError(t, s.Publish(ctx, failed))

	nd := xrc.NoDiffractionOutcome()
	nd.RunID = "run-c"
	nd.SampleID = 8
	nd.Segments = segments()
	require.NoError(t, s.Publish(ctx, nd))

	latest, err := s.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, "run-c", latest.RunID)
	assert.Equal(t, xrc.OutcomeNoDiffraction, latest.Kind)
	assert.Empty(t, latest.Results)

	b, err := s.Get(ctx, "run-b")
	require.NoError(t, err)
	assert.Equal(t, xrc.OutcomeFailed, b.Kind)
	assert.Contains(t, b.Error, "detector: arm failed")
	require.Error(t, b.Err)
	assert.Equal(t, xrc.ScanIndexTable{0}, b.ScanIndex)

	recent, err := s.Recent(ctx, 2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "run-c", recent[0].RunID)
	assert.Equal(t, "run-b", recent[1].RunID)
}

func TestPublishDuplicateRunFails(t *testing.T) {
	s := openTest(t)
	ctx := context.Background()
	require.NoError(t, s.Publish(ctx, resultsOutcome()))
	assert.Error(t, s.Publish(ctx, resultsOutcome()))
	rec, err := s.Get(ctx, "run-a")
	require.NoError(t, err)
	assert.Len(t, rec.Results, 2, "failed publish must not add results")
}
