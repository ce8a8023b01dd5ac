// Package detector arms and disarms the area detector around a flyscan
package detector

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/mxlab/flyscan/device"
	"github.com/mxlab/flyscan/xrc"
)

const devName = "detector"

// Detector describes an area detector that takes a hardware triggered series
type Detector interface {
	// SetFrameCount sets the number of frames in the next series
	SetFrameCount(ctx context.Context, n int) error

	// StageAsync starts arming the detector and returns a status that
	// finishes once it is ready for triggers.  The status must also finish
	// once ctx is done.
	StageAsync(ctx context.Context) (*device.Status, error)

	// Unstage disarms the detector
	Unstage(ctx context.Context) error

	// SetStreaming enables or disables the high-throughput data stream
	SetStreaming(ctx context.Context, enabled bool) error
}

// CountTimer is a Detector whose exposure time can be set
type CountTimer interface {
	SetCountTime(ctx context.Context, secs float64) error
}

// Sequencer arms a detector with the parameters of a scan
type Sequencer struct {
	Detector Detector

	// ArmTimeout bounds the wait for the detector to finish arming
	ArmTimeout time.Duration

	// CountTime, if nonzero and supported by the detector, is set before
	// arming
	CountTime float64

	// Streaming enables the data stream when arming
	Streaming bool

	Logger *log.Logger
}

// NewSequencer returns a Sequencer with a 10 s arm timeout and streaming on
func NewSequencer(d Detector) *Sequencer {
	return &Sequencer{Detector: d, ArmTimeout: 10 * time.Second, Streaming: true, Logger: log.Default()}
}

// Arm sets the detector parameters together, issues the stage and waits for
// it to finish.  Each wait is bounded by ArmTimeout.  All failures are
// *xrc.HardwareFaultError.
func (s *Sequencer) Arm(ctx context.Context, expectedFrames int) error {
	timeout := s.ArmTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if err := s.setParams(ctx, expectedFrames, timeout); err != nil {
		return err
	}
	// the arm request ends when Arm returns
	actx, cancel := context.WithCancel(ctx)
	defer cancel()
	st, err := s.Detector.StageAsync(actx)
	if err != nil {
		return xrc.Fault(devName, "arm", err)
	}
	if err := st.Wait(ctx, timeout); err != nil {
		cancel()
		<-st.Done()
		return xrc.Fault(devName, "arm", err)
	}
	if s.Logger != nil {
		s.Logger.Printf("detector armed for %d frames", expectedFrames)
	}
	return nil
}

// setParams writes the frame count, count time and stream mode as a group
// and waits for all of them
func (s *Sequencer) setParams(ctx context.Context, expectedFrames int, timeout time.Duration) error {
	pctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var g device.Group
	set := func(op string, f func(context.Context) error) {
		g.Add(device.Async(pctx, func(ctx context.Context) error {
			return xrc.Fault(devName, op, f(ctx))
		}))
	}
	set("set frame count", func(ctx context.Context) error {
		return s.Detector.SetFrameCount(ctx, expectedFrames)
	})
	if ct, ok := interface{}(s.Detector).(CountTimer); ok && s.CountTime > 0 {
		set("set count time", func(ctx context.Context) error {
			return ct.SetCountTime(ctx, s.CountTime)
		})
	}
	if s.Streaming {
		set("enable streaming", func(ctx context.Context) error {
			return s.Detector.SetStreaming(ctx, true)
		})
	}
	err := g.Wait(ctx, timeout)
	if err == nil {
		return nil
	}
	var hw *xrc.HardwareFaultError
	if errors.As(err, &hw) {
		return err
	}
	return xrc.Fault(devName, "set parameters", err)
}

// DisarmStreaming turns off the data stream unconditionally
func (s *Sequencer) DisarmStreaming(ctx context.Context) error {
	return xrc.Fault(devName, "disable streaming", s.Detector.SetStreaming(ctx, false))
}

// Unstage disarms the detector
func (s *Sequencer) Unstage(ctx context.Context) error {
	return xrc.Fault(devName, "unstage", s.Detector.Unstage(ctx))
}
