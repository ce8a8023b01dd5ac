package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mxlab/flyscan/xrc"
)

// ErrUnknownRun is generated when a run id has not been staged
var ErrUnknownRun = errors.New("unknown run")

// ResultFunc computes the results of a run from its segments
type ResultFunc func(runID string, segs []SegmentRun) []xrc.RawAnalysisResult

// FixedResults returns a ResultFunc that always yields rs
func FixedResults(rs ...xrc.RawAnalysisResult) ResultFunc {
	return func(string, []SegmentRun) []xrc.RawAnalysisResult {
		out := make([]xrc.RawAnalysisResult, len(rs))
		copy(out, rs)
		return out
	}
}

type mockRun struct {
	segs  []SegmentRun
	open  map[int64]bool
	ended time.Time
}

// MockService is an in-process analysis service.  It is complete once every
// started segment has ended and Delay has elapsed.
type MockService struct {
	// Results yields the results of a run.  If nil, runs have no results.
	Results ResultFunc

	// Delay is the processing time after the last segment ends
	Delay time.Duration

	// PollPeriod is how often FetchResults checks for completion
	PollPeriod time.Duration

	// StageErr and FetchErr, if not nil, are returned by Stage and
	// FetchResults
	StageErr error
	FetchErr error

	mu    sync.Mutex
	runs  map[string]*mockRun
	calls []string
}

// NewMockService returns a MockService yielding results
func NewMockService(results ResultFunc) *MockService {
	return &MockService{Results: results, PollPeriod: time.Millisecond}
}

func (m *MockService) record(format string, args ...interface{}) {
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

// Calls returns the calls made to the service, in order
func (m *MockService) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

// Stage opens a run
func (m *MockService) Stage(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("stage")
	if m.StageErr != nil {
		return m.StageErr
	}
	if m.runs == nil {
		m.runs = map[string]*mockRun{}
	}
	m.runs[runID] = &mockRun{open: map[int64]bool{}}
	return nil
}

// RunStart records a segment
func (m *MockService) RunStart(ctx context.Context, runID string, seg SegmentRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("start %d %d %d", seg.Segment, seg.StartFrame, seg.FrameCount)
	run, ok := m.runs[runID]
	if !ok {
		return ErrUnknownRun
	}
	run.segs = append(run.segs, seg)
	run.open[seg.DCID] = true
	return nil
}

// RunEnd closes a segment
func (m *MockService) RunEnd(ctx context.Context, runID string, dcid int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("end %d", dcid)
	run, ok := m.runs[runID]
	if !ok {
		return ErrUnknownRun
	}
	if !run.open[dcid] {
		return fmt.Errorf("data collection %d is not open", dcid)
	}
	delete(run.open, dcid)
	run.ended = time.Now()
	return nil
}

// Poll returns the results of a run and whether it is complete
func (m *MockService) Poll(runID string) ([]xrc.RawAnalysisResult, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FetchErr != nil {
		return nil, false, m.FetchErr
	}
	run, ok := m.runs[runID]
	if !ok {
		return nil, false, ErrUnknownRun
	}
	if len(run.segs) == 0 || len(run.open) > 0 || time.Since(run.ended) < m.Delay {
		return nil, false, nil
	}
	if m.Results == nil {
		return []xrc.RawAnalysisResult{}, true, nil
	}
	return m.Results(runID, run.segs), true, nil
}

// FetchResults polls until the run is complete
func (m *MockService) FetchResults(ctx context.Context, runID string) ([]xrc.RawAnalysisResult, error) {
	m.mu.Lock()
	m.record("fetch")
	m.mu.Unlock()
	period := m.PollPeriod
	if period <= 0 {
		period = time.Millisecond
	}
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		results, done, err := m.Poll(runID)
		if err != nil {
			return nil, err
		}
		if done {
			return results, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-tick.C:
		}
	}
}

// Release forgets a run
func (m *MockService) Release(ctx context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("release")
	if _, ok := m.runs[runID]; !ok {
		return ErrUnknownRun
	}
	delete(m.runs, runID)
	return nil
}
