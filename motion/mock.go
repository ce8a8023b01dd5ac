package motion

import (
	"context"
	"errors"
	"sync"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mxlab/flyscan/device"
	"github.com/mxlab/flyscan/util"
	"github.com/mxlab/flyscan/xrc"
)

var (
	// ErrProgramNotValid is generated when a mock program is kicked off with
	// geometry outside its travel limits
	ErrProgramNotValid = errors.New("program not valid")

	// ErrProgramRunning is generated when a mock program is modified or
	// kicked off while it runs
	ErrProgramRunning = errors.New("program already running")

	// ErrProgramAborted is the error an aborted program finishes with
	ErrProgramAborted = errors.New("program aborted")
)

// MockProgram is a simulated grid program.  It emits one frame every
// FramePeriod once kicked off, and refuses geometry outside Limits.
type MockProgram struct {
	// FramePeriod is the time between trigger pulses.  Zero emits every
	// frame at once.
	FramePeriod time.Duration

	// Limits holds the travel limits of the "x", "y" and "z" axes.  Missing
	// axes are unlimited.
	Limits map[string]util.Limiter

	// CompleteErr, if not nil, is the error the program finishes with
	CompleteErr error

	// Stall keeps the program from emitting any frames after kickoff
	Stall bool

	mu      sync.Mutex
	segs    []xrc.GridSegmentSpec
	valid   bool
	counter int
	running bool
	done    *device.Status
}

// NewMockProgram returns a MockProgram with a 1 ms frame period
func NewMockProgram() *MockProgram {
	return &MockProgram{FramePeriod: time.Millisecond}
}

// WriteSegments loads the geometry and checks the corners of every segment
// against the travel limits
func (m *MockProgram) WriteSegments(ctx context.Context, segs []xrc.GridSegmentSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return ErrProgramRunning
	}
	m.segs = append([]xrc.GridSegmentSpec(nil), segs...)
	m.valid = m.inLimits()
	return nil
}

func (m *MockProgram) inLimits() bool {
	for _, seg := range m.segs {
		far := r3.Sub(r3.Scale(2, seg.Midpoint()), seg.Start)
		for _, corner := range []r3.Vec{seg.Start, far} {
			for axis, v := range map[string]float64{"x": corner.X, "y": corner.Y, "z": corner.Z} {
				if lim, ok := m.Limits[axis]; ok && !lim.Check(v) {
					return false
				}
			}
		}
	}
	return len(m.segs) > 0
}

// ProgramValid returns true if the loaded geometry is inside the travel limits
func (m *MockProgram) ProgramValid(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid, nil
}

// PositionCounter returns the number of frames emitted
func (m *MockProgram) PositionCounter(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counter, nil
}

// SetPositionCounter overwrites the position counter
func (m *MockProgram) SetPositionCounter(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter = n
}

// ResetStepCounter sets the counter to value
func (m *MockProgram) ResetStepCounter(ctx context.Context, value int) error {
	m.SetPositionCounter(value)
	return nil
}

// Kickoff starts emitting frames.  The returned status is already finished.
func (m *MockProgram) Kickoff(ctx context.Context) (*device.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil, ErrProgramRunning
	}
	if !m.valid {
		return nil, ErrProgramNotValid
	}
	total := xrc.NewScanIndexTable(m.segs).Total()
	m.running = true
	m.done = device.NewStatus()
	if !m.Stall {
		go m.emit(total, m.done)
	}
	return device.Finished(nil), nil
}

func (m *MockProgram) emit(total int, done *device.Status) {
	var tick <-chan time.Time
	if m.FramePeriod > 0 {
		t := time.NewTicker(m.FramePeriod)
		defer t.Stop()
		tick = t.C
	}
	for {
		if tick != nil {
			<-tick
		}
		m.mu.Lock()
		if !m.running {
			m.mu.Unlock()
			return
		}
		m.counter++
		finished := m.counter >= total
		if finished {
			m.running = false
		}
		m.mu.Unlock()
		if finished {
			done.Finish(m.CompleteErr)
			return
		}
	}
}

// Complete returns a status that finishes when the last frame is emitted
func (m *MockProgram) Complete(ctx context.Context) (*device.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.done == nil {
		return nil, errors.New("program was never kicked off")
	}
	return m.done, nil
}

// Abort stops a running program.  Its completion status finishes with
// ErrProgramAborted.  Aborting an idle program does nothing.
func (m *MockProgram) Abort(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	m.running = false
	m.done.Finish(ErrProgramAborted)
	return nil
}
