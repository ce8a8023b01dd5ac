/*Package motion drives a multi-segment grid motion program.

The hardware side is abstracted by Program, which a concrete controller
adapter (or MockProgram) implements.  Controller wraps a Program with the
sequencing a flyscan needs: validation polling, kickoff, checkpoint callbacks
while frames stream, segment bracketing and completion.
*/
package motion

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"golang.org/x/time/rate"

	"github.com/mxlab/flyscan/device"
	"github.com/mxlab/flyscan/xrc"
)

const devName = "motion"

// Program describes a motion controller running a hardware timed grid program
type Program interface {
	device.Flyer

	// WriteSegments loads the geometry of every segment into the controller
	WriteSegments(context.Context, []xrc.GridSegmentSpec) error

	// ProgramValid returns true when the controller accepts the loaded geometry
	ProgramValid(context.Context) (bool, error)

	// PositionCounter returns the number of frames (trigger pulses) emitted
	PositionCounter(context.Context) (int, error)

	// ResetStepCounter sets the step counter to value
	ResetStepCounter(ctx context.Context, value int) error
}

// Aborter is implemented by programs that can be stopped early
type Aborter interface {
	Abort(ctx context.Context) error
}

// Bracketer is told when each segment of a scan starts and ends
type Bracketer interface {
	BracketStart(ctx context.Context, segment, startFrame, frameCount int) error
	BracketEnd(ctx context.Context, segment int) error
}

// Checkpoint identifies a point in a run where ancillary state is read
type Checkpoint int

const (
	// CheckpointPre is reached once the program has been kicked off,
	// before frames are emitted
	CheckpointPre Checkpoint = iota

	// CheckpointDuring is reached at each read point while frames stream
	CheckpointDuring
)

func (c Checkpoint) String() string {
	switch c {
	case CheckpointPre:
		return "pre"
	case CheckpointDuring:
		return "during"
	default:
		return fmt.Sprintf("Checkpoint(%d)", int(c))
	}
}

// State is the state of a Controller
type State int

const (
	// Idle is the state before validation
	Idle State = iota
	Validating
	Armed
	Running
	Complete
	Failed
)

var stateNames = [...]string{"idle", "validating", "armed", "running", "complete", "failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// MarshalText satisfies encoding.TextMarshaler
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

var errNotReady = errors.New("program not valid or position counter not at zero")

// Config holds the timing parameters of a Controller
type Config struct {
	// PollPeriod is the interval between validation polls
	PollPeriod time.Duration `koanf:"pollperiod"`

	// CounterPeriod is the interval between position counter polls while
	// the program runs
	CounterPeriod time.Duration `koanf:"counterperiod"`

	// KickoffTimeout bounds the wait for the program to start
	KickoffTimeout time.Duration `koanf:"kickofftimeout"`

	// CompleteTimeout bounds the wait for the program to finish
	CompleteTimeout time.Duration `koanf:"completetimeout"`

	// ReadPoints are the frame indices at which CheckpointDuring is reached
	ReadPoints []int `koanf:"readpoints"`

	// DefaultStepCounter is the value the step counter is reset to after a
	// successful run and by Stop
	DefaultStepCounter int `koanf:"defaultstepcounter"`
}

// DefaultConfig returns the default timing parameters
func DefaultConfig() Config {
	return Config{
		PollPeriod:      100 * time.Millisecond,
		CounterPeriod:   50 * time.Millisecond,
		KickoffTimeout:  5 * time.Second,
		CompleteTimeout: 5 * time.Minute,
		ReadPoints:      []int{0},
	}
}

// Controller sequences a Program through a flyscan
type Controller struct {
	Config

	Program Program

	// Bracketer, if not nil, is told of every segment start and end
	Bracketer Bracketer

	Logger *log.Logger

	mu    sync.Mutex
	state State
}

// NewController returns a Controller with the default config
func NewController(p Program, b Bracketer) *Controller {
	return &Controller{Config: DefaultConfig(), Program: p, Bracketer: b, Logger: log.Default()}
}

// State returns the current state of the controller
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

func (c *Controller) logf(format string, args ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, args...)
	}
}

// Configure checks and loads the segment geometry and returns the controller
// to Idle
func (c *Controller) Configure(ctx context.Context, segments []xrc.GridSegmentSpec) error {
	if len(segments) == 0 {
		return &xrc.ScanInvalidError{Reason: "no grid segments"}
	}
	for i, seg := range segments {
		if err := seg.Validate(); err != nil {
			return &xrc.ScanInvalidError{Reason: fmt.Sprintf("segment %d: %v", i, err)}
		}
	}
	if err := c.Program.WriteSegments(ctx, segments); err != nil {
		c.setState(Failed)
		return xrc.Fault(devName, "write segments", err)
	}
	c.setState(Idle)
	return nil
}

// Validate polls the program until it is valid and its position counter is
// zero, or timeout elapses.  A timeout <= 0 uses 500 ms.  On timeout a
// *xrc.ScanInvalidError is returned.
func (c *Controller) Validate(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = 500 * time.Millisecond
	}
	period := c.PollPeriod
	if period <= 0 {
		period = 100 * time.Millisecond
	}
	c.setState(Validating)

	var (
		hwErr   error
		valid   bool
		counter int
	)
	op := func() error {
		var err error
		valid, err = c.Program.ProgramValid(ctx)
		if err != nil {
			hwErr = err
			return nil // stop retrying, the controller is not answering
		}
		counter, err = c.Program.PositionCounter(ctx)
		if err != nil {
			hwErr = err
			return nil
		}
		if valid && counter == 0 {
			return nil
		}
		return errNotReady
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     period,
		RandomizationFactor: 0.,
		Multiplier:          1.,
		MaxInterval:         period,
		MaxElapsedTime:      timeout,
		Clock:               backoff.SystemClock}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case hwErr != nil:
		c.setState(Failed)
		return xrc.Fault(devName, "validate", hwErr)
	case ctx.Err() != nil:
		c.setState(Failed)
		return ctx.Err()
	case err != nil:
		c.setState(Failed)
		return &xrc.ScanInvalidError{Reason: fmt.Sprintf(
			"not valid after %v (valid=%v, position counter=%d)", timeout, valid, counter)}
	}
	c.setState(Armed)
	return nil
}

// Run kicks off the program and blocks until it completes.  onCheckpoint is
// called with CheckpointPre once the program has started and with
// CheckpointDuring at every read point.  An error from onCheckpoint aborts the
// run.
//
// Each segment is bracketed as the position counter crosses the boundaries of
// the scan index table.  The end of one segment is always reported before the
// start of the next.
//
// On successful completion the step counter is reset to DefaultStepCounter
// before any later error is reported.
func (c *Controller) Run(ctx context.Context, segments []xrc.GridSegmentSpec, onCheckpoint func(context.Context, Checkpoint) error) error {
	err := c.run(ctx, segments, onCheckpoint)
	if err != nil {
		c.setState(Failed)
		return err
	}
	c.setState(Complete)
	return nil
}

func (c *Controller) run(ctx context.Context, segments []xrc.GridSegmentSpec, onCheckpoint func(context.Context, Checkpoint) error) error {
	if onCheckpoint == nil {
		onCheckpoint = func(context.Context, Checkpoint) error { return nil }
	}
	table := xrc.NewScanIndexTable(segments)
	tr := &tracker{table: table, b: c.Bracketer, readPoints: c.readPoints(table.Total()), open: -1}
	c.setState(Running)

	st, err := c.Program.Kickoff(ctx)
	if err != nil {
		return xrc.Fault(devName, "kickoff", err)
	}
	if err := st.Wait(ctx, c.KickoffTimeout); err != nil {
		return xrc.Fault(devName, "kickoff", err)
	}
	if err := onCheckpoint(ctx, CheckpointPre); err != nil {
		return err
	}
	done, err := c.Program.Complete(ctx)
	if err != nil {
		return xrc.Fault(devName, "complete", err)
	}

	runCtx := ctx
	if c.CompleteTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, c.CompleteTimeout)
		defer cancel()
	}
	period := c.CounterPeriod
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	lim := rate.NewLimiter(rate.Every(period), 1)
	for {
		select {
		case <-done.Done():
			return c.finish(ctx, done, tr, onCheckpoint)
		default:
		}
		n, err := c.Program.PositionCounter(ctx)
		if err != nil {
			return xrc.Fault(devName, "read position counter", err)
		}
		if err := tr.advance(ctx, n, onCheckpoint); err != nil {
			return err
		}
		if err := lim.Wait(runCtx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-done.Done():
				return c.finish(ctx, done, tr, onCheckpoint)
			default:
			}
			return xrc.Fault(devName, "complete", device.ErrTimeout)
		}
	}
}

// finish handles a completed program status
func (c *Controller) finish(ctx context.Context, done *device.Status, tr *tracker, onCheckpoint func(context.Context, Checkpoint) error) error {
	if err := done.Err(); err != nil {
		return xrc.Fault(devName, "complete", err)
	}
	if err := c.Program.ResetStepCounter(ctx, c.DefaultStepCounter); err != nil {
		return xrc.Fault(devName, "reset step counter", err)
	}
	c.logf("grid program complete, %d frames", tr.table.Total())
	return tr.advance(ctx, tr.table.Total(), onCheckpoint)
}

// Stop aborts the program if it can be aborted and resets the step counter
// to DefaultStepCounter, so that the next scan validates whatever way the
// last one ended.  A controller that did not complete returns to Idle.
func (c *Controller) Stop(ctx context.Context) error {
	if a, ok := interface{}(c.Program).(Aborter); ok {
		if err := a.Abort(ctx); err != nil {
			c.setState(Failed)
			return xrc.Fault(devName, "abort", err)
		}
	}
	if err := c.Program.ResetStepCounter(ctx, c.DefaultStepCounter); err != nil {
		c.setState(Failed)
		return xrc.Fault(devName, "reset step counter", err)
	}
	c.mu.Lock()
	if c.state != Complete {
		c.state = Idle
	}
	c.mu.Unlock()
	return nil
}

// readPoints returns the configured read points that fall inside the scan,
// sorted
func (c *Controller) readPoints(total int) []int {
	out := make([]int, 0, len(c.ReadPoints))
	for _, rp := range c.ReadPoints {
		if rp >= 0 && rp < total {
			out = append(out, rp)
		}
	}
	sort.Ints(out)
	return out
}

// tracker follows the position counter through the scan index table
type tracker struct {
	table      xrc.ScanIndexTable
	b          Bracketer
	readPoints []int

	open    int // segment with an open bracket, -1 if none
	started int // number of segments started
	nextRP  int // index into readPoints
}

// advance brings the brackets and read points up to n frames emitted
func (t *tracker) advance(ctx context.Context, n int, onCheckpoint func(context.Context, Checkpoint) error) error {
	nseg := t.table.Segments()
	for {
		// read points fire once the frame has been emitted, before the
		// segment holding it is closed
		if t.nextRP < len(t.readPoints) && n > t.readPoints[t.nextRP] && t.readPoints[t.nextRP] < t.table[t.started] {
			t.nextRP++
			if err := onCheckpoint(ctx, CheckpointDuring); err != nil {
				return err
			}
			continue
		}
		if t.open >= 0 {
			if n < t.table[t.open+1] {
				return nil
			}
			if t.b != nil {
				if err := t.b.BracketEnd(ctx, t.open); err != nil {
					return err
				}
			}
			t.open = -1
			continue
		}
		if t.started >= nseg || n < t.table[t.started] {
			return nil
		}
		seg := t.started
		start, count := t.table.Range(seg)
		if t.b != nil {
			if err := t.b.BracketStart(ctx, seg, start, count); err != nil {
				return err
			}
		}
		t.open = seg
		t.started++
	}
}
