/*Package pmac implements motion.Program for a Delta Tau style motion
controller running the grid scan motion program, over its ASCII terminal
protocol.

Requests are ASCII lines terminated with a carriage return.  Replies carry zero
or more carriage-return terminated data lines followed by an ACK byte; errors
are reported as a BELL byte followed by "ERRnnn" and a carriage return.

The grid program is parametrised through P-variables.  Segment i occupies
P(SegmentBase + SegmentStride*i) onwards, in the order start xyz, step xyz,
count xy, rotation.
*/
package pmac

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"
	"golang.org/x/time/rate"

	"github.com/mxlab/flyscan/comm"
	"github.com/mxlab/flyscan/device"
	"github.com/mxlab/flyscan/xrc"
)

const (
	// ACK terminates every nominal response
	ACK = byte(0x06)

	// BELL prefixes an error response
	BELL = byte(0x07)
)

// P-variable map of the grid program
const (
	PNumSegments  = 900
	PValid        = 950
	PCounter      = 951
	PRunning      = 952
	PFault        = 953
	SegmentBase   = 1000
	SegmentStride = 20
)

// Controller is a motion controller running the grid program
type Controller struct {
	rd comm.RemoteDevice

	// CoordSystem is the coordinate system the program runs in
	CoordSystem int

	// Program is the number of the grid motion program
	Program int

	// PollPeriod is the interval between status polls while waiting for
	// the program to finish
	PollPeriod time.Duration

	Logger *log.Logger
}

// NewController returns a new Controller.  If serConf is not nil, addr is
// ignored and the controller is reached over RS232.
func NewController(addr string, serConf *serial.Config) *Controller {
	term := &comm.Terminators{Tx: comm.CR, Rx: ACK}
	rd := comm.NewRemoteDevice(addr, serConf != nil, term, serConf)
	return &Controller{
		rd:          rd,
		CoordSystem: 2,
		Program:     1,
		PollPeriod:  50 * time.Millisecond,
		Logger:      log.Default(),
	}
}

// readResponse reads one reply, returning its data lines joined by CR
func readResponse(r *bufio.Reader) (string, error) {
	var buf []byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return "", err
		}
		switch b {
		case ACK:
			return strings.TrimRight(string(buf), "\r\n"), nil
		case BELL:
			line, err := comm.ReadUntil(r, comm.CR)
			if err != nil {
				return "", err
			}
			return "", parseErr(string(line))
		default:
			buf = append(buf, b)
		}
	}
}

func parseErr(s string) error {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "ERR") {
		return fmt.Errorf("malformed error response %q", s)
	}
	code, err := strconv.Atoi(s[3:])
	if err != nil {
		return fmt.Errorf("malformed error response %q", s)
	}
	return ErrCode(code)
}

// Raw sends cmd and returns the data of the reply
func (c *Controller) Raw(ctx context.Context, cmd string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	var resp string
	var ctlErr error
	err := c.rd.Exchange(func(rw io.ReadWriter) error {
		if err := comm.Write(rw, []byte(cmd), comm.CR); err != nil {
			return err
		}
		var err error
		resp, err = readResponse(bufio.NewReader(rw))
		if _, ok := err.(ErrCode); ok {
			// the link is fine, the controller refused the command
			ctlErr = err
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}
	if ctlErr != nil {
		return "", fmt.Errorf("%s: %w", cmd, ctlErr)
	}
	return resp, nil
}

// SetP writes P-variables, values are written in order starting from first
func (c *Controller) SetP(ctx context.Context, first int, values ...float64) error {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = "P" + strconv.Itoa(first+i) + "=" + strconv.FormatFloat(v, 'g', -1, 64)
	}
	_, err := c.Raw(ctx, strings.Join(parts, " "))
	return err
}

// GetP reads P-variables
func (c *Controller) GetP(ctx context.Context, vars ...int) ([]float64, error) {
	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = "P" + strconv.Itoa(v)
	}
	resp, err := c.Raw(ctx, strings.Join(parts, " "))
	if err != nil {
		return nil, err
	}
	lines := strings.FieldsFunc(resp, func(r rune) bool { return r == '\r' || r == '\n' })
	if len(lines) != len(vars) {
		return nil, fmt.Errorf("asked for %d variables, got %d values in %q", len(vars), len(lines), resp)
	}
	out := make([]float64, len(lines))
	for i, l := range lines {
		out[i], err = strconv.ParseFloat(strings.TrimSpace(l), 64)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (c *Controller) getInt(ctx context.Context, v int) (int, error) {
	f, err := c.GetP(ctx, v)
	if err != nil {
		return 0, err
	}
	return int(f[0]), nil
}

// WriteSegments loads the segment geometry into the program's P-variables
func (c *Controller) WriteSegments(ctx context.Context, segs []xrc.GridSegmentSpec) error {
	for i, s := range segs {
		err := c.SetP(ctx, SegmentBase+SegmentStride*i,
			s.Start.X, s.Start.Y, s.Start.Z,
			s.StepSize.X, s.StepSize.Y, s.StepSize.Z,
			float64(s.StepCount.X), float64(s.StepCount.Y),
			s.RotationAngleDeg)
		if err != nil {
			return err
		}
	}
	return c.SetP(ctx, PNumSegments, float64(len(segs)))
}

// ProgramValid returns true when the program accepts the loaded geometry
func (c *Controller) ProgramValid(ctx context.Context) (bool, error) {
	v, err := c.getInt(ctx, PValid)
	return v == 1, err
}

// PositionCounter returns the number of trigger pulses the program has emitted
func (c *Controller) PositionCounter(ctx context.Context) (int, error) {
	return c.getInt(ctx, PCounter)
}

// ResetStepCounter sets the position counter to value
func (c *Controller) ResetStepCounter(ctx context.Context, value int) error {
	return c.SetP(ctx, PCounter, float64(value))
}

// Kickoff begins the grid program in its coordinate system.  The returned
// status is finished once the controller has acknowledged.
//
// The running flag is raised in the same line as the run command so that
// Complete cannot see a stale zero; the program lowers it on exit.
func (c *Controller) Kickoff(ctx context.Context) (*device.Status, error) {
	_, err := c.Raw(ctx, fmt.Sprintf("P%d=1 P%d=0 &%dB%dR", PRunning, PFault, c.CoordSystem, c.Program))
	if err != nil {
		return nil, err
	}
	if c.Logger != nil {
		c.Logger.Printf("pmac: started program %d in coordinate system %d", c.Program, c.CoordSystem)
	}
	return device.Finished(nil), nil
}

// Complete returns a status that finishes when the program stops running.  If
// the program exits with a fault word, the status carries a ProgramFault.
func (c *Controller) Complete(ctx context.Context) (*device.Status, error) {
	st := device.NewStatus()
	period := c.PollPeriod
	if period <= 0 {
		period = 50 * time.Millisecond
	}
	go func() {
		lim := rate.NewLimiter(rate.Every(period), 1)
		for {
			if err := lim.Wait(ctx); err != nil {
				st.Finish(err)
				return
			}
			vals, err := c.GetP(ctx, PRunning, PFault)
			if err != nil {
				st.Finish(err)
				return
			}
			if vals[0] != 0 {
				continue
			}
			if code := int(vals[1]); code != 0 {
				st.Finish(ProgramFault{Code: code})
				return
			}
			st.Finish(nil)
			return
		}
	}()
	return st, nil
}

// Abort stops motion in the program's coordinate system
func (c *Controller) Abort(ctx context.Context) error {
	_, err := c.Raw(ctx, fmt.Sprintf("&%dA", c.CoordSystem))
	return err
}

// Close releases the connection to the controller
func (c *Controller) Close() error {
	return c.rd.Close()
}
