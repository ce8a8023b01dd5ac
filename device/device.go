/*Package device contains the capability interfaces the flyscan pipeline needs
from hardware, and a Status future used by the asynchronous ones.

A concrete adapter implements whichever subset of the interfaces its hardware
supports.  Consumers test for optional capabilities the usual way,

	if stager, ok := interface{}(d).(device.Stager); ok {
		...
	}
*/
package device

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrTimeout is generated when a Status does not finish before its deadline
	ErrTimeout = errors.New("timed out waiting for device")

	// ErrAlreadyFinished is generated when a Status is finished twice
	ErrAlreadyFinished = errors.New("status already finished")
)

// Stager describes a device that must be prepared before and released after
// a collection
type Stager interface {
	// Stage prepares the device for collection
	Stage(context.Context) error

	// Unstage releases the device
	Unstage(context.Context) error
}

// Flyer describes a device that runs an autonomous, hardware timed operation.
// Kickoff returns once the operation has started; Complete returns a Status
// that finishes when the operation ends.
type Flyer interface {
	Kickoff(context.Context) (*Status, error)
	Complete(context.Context) (*Status, error)
}

// SignalReader reads a named scalar signal
type SignalReader interface {
	ReadSignal(ctx context.Context, name string) (float64, error)
}

// Status is a future for an asynchronous device operation.  The zero value
// is not usable, use NewStatus.
type Status struct {
	once sync.Once
	done chan struct{}
	err  error
}

// NewStatus returns an unfinished Status
func NewStatus() *Status {
	return &Status{done: make(chan struct{})}
}

// Async runs f in its own goroutine and returns a Status that finishes with
// its error, the equivalent of set(value) returning a future
func Async(ctx context.Context, f func(context.Context) error) *Status {
	s := NewStatus()
	go func() {
		s.Finish(f(ctx))
	}()
	return s
}

// Finished returns a Status that has already finished with err
func Finished(err error) *Status {
	s := NewStatus()
	s.Finish(err)
	return s
}

// Finish marks the status done.  Only the first call has an effect; later
// calls return ErrAlreadyFinished.
func (s *Status) Finish(err error) error {
	ret := ErrAlreadyFinished
	s.once.Do(func() {
		s.err = err
		close(s.done)
		ret = nil
	})
	return ret
}

// Done returns a channel that is closed when the status finishes
func (s *Status) Done() <-chan struct{} {
	return s.done
}

// Err returns the error the status finished with.  It is nil while the status
// is not finished.
func (s *Status) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Wait blocks until the status finishes, the timeout elapses, or ctx is done.
// A timeout <= 0 waits without limit.
func (s *Status) Wait(ctx context.Context, timeout time.Duration) error {
	var expire <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expire = t.C
	}
	select {
	case <-s.done:
		return s.err
	case <-expire:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Group collects statuses so they can be waited on together, the equivalent
// of set(value, group) followed by wait(group)
type Group struct {
	mu       sync.Mutex
	statuses []*Status
}

// Add puts a status in the group
func (g *Group) Add(s *Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.statuses = append(g.statuses, s)
}

// Wait waits for every status in the group with a shared deadline, and empties
// the group.  The first error encountered is returned.
func (g *Group) Wait(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	statuses := g.statuses
	g.statuses = nil
	g.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var first error
	for _, s := range statuses {
		err := s.Wait(ctx, 0)
		if errors.Is(err, context.DeadlineExceeded) {
			err = ErrTimeout
		}
		if err != nil && first == nil {
			first = err
		}
	}
	return first
}
