package detector

import (
	"context"
	"sync"
	"time"

	"github.com/mxlab/flyscan/device"
)

// MockDetector is a simulated detector that counts the calls made to it
type MockDetector struct {
	// ArmDelay is the time StageAsync takes to finish
	ArmDelay time.Duration

	// NeverArm keeps StageAsync's status from finishing until its context
	// is done
	NeverArm bool

	// StageErr, if not nil, is returned by StageAsync
	StageErr error

	// UnstageErr, if not nil, is returned by Unstage
	UnstageErr error

	// DisableStreamErr, if not nil, is returned when streaming is disabled
	DisableStreamErr error

	mu         sync.Mutex
	frames     int
	streaming  bool
	armed      bool
	stages     int
	unstages   int
	streamOffs int
}

// SetFrameCount stores n
func (m *MockDetector) SetFrameCount(ctx context.Context, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frames = n
	return nil
}

// StageAsync arms after ArmDelay unless ctx is done first
func (m *MockDetector) StageAsync(ctx context.Context) (*device.Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages++
	if m.StageErr != nil {
		return nil, m.StageErr
	}
	st := device.NewStatus()
	if m.NeverArm {
		go func() {
			<-ctx.Done()
			st.Finish(ctx.Err())
		}()
		return st, nil
	}
	go func() {
		t := time.NewTimer(m.ArmDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			st.Finish(ctx.Err())
			return
		}
		m.mu.Lock()
		m.armed = true
		m.mu.Unlock()
		st.Finish(nil)
	}()
	return st, nil
}

// Unstage disarms
func (m *MockDetector) Unstage(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unstages++
	m.armed = false
	return m.UnstageErr
}

// SetStreaming sets the stream state
func (m *MockDetector) SetStreaming(ctx context.Context, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !enabled {
		m.streamOffs++
		if m.DisableStreamErr != nil {
			return m.DisableStreamErr
		}
	}
	m.streaming = enabled
	return nil
}

// MockCounts is a snapshot of the calls made to a MockDetector
type MockCounts struct {
	Frames     int
	Armed      bool
	Streaming  bool
	Stages     int
	Unstages   int
	StreamOffs int
}

// Counts returns a snapshot of the detector state and call counts
func (m *MockDetector) Counts() MockCounts {
	m.mu.Lock()
	defer m.mu.Unlock()
	return MockCounts{
		Frames:     m.frames,
		Armed:      m.armed,
		Streaming:  m.streaming,
		Stages:     m.stages,
		Unstages:   m.unstages,
		StreamOffs: m.streamOffs,
	}
}
