package pmac

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"gonum.org/v1/gonum/spatial/r3"

	"github.com/mxlab/flyscan/motion"
	"github.com/mxlab/flyscan/xrc"
)

// fakePMAC speaks enough of the terminal protocol to run the grid program
type fakePMAC struct {
	mu     sync.Mutex
	p      map[int]float64
	runFor time.Duration
	fault  float64
	lines  []string
}

func newFake(t *testing.T) (*fakePMAC, string) {
	t.Helper()
	f := &fakePMAC{p: map[int]float64{PValid: 1}, runFor: 20 * time.Millisecond}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go f.serve(conn)
		}
	}()
	return f, ln.Addr().String()
}

func (f *fakePMAC) get(v int) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.p[v]
}

func (f *fakePMAC) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		conn.Write(f.handle(strings.TrimSuffix(line, "\r")))
	}
}

func (f *fakePMAC) handle(line string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lines = append(f.lines, line)
	var out []byte
	for _, tok := range strings.Fields(line) {
		switch {
		case strings.HasPrefix(tok, "&") && strings.HasSuffix(tok, "R"):
			go f.run()
		case strings.HasPrefix(tok, "&") && strings.HasSuffix(tok, "A"):
			f.p[PRunning] = 0
			f.p[PFault] = 4
		case strings.HasPrefix(tok, "P") && strings.Contains(tok, "="):
			kv := strings.SplitN(tok[1:], "=", 2)
			k, err1 := strconv.Atoi(kv[0])
			v, err2 := strconv.ParseFloat(kv[1], 64)
			if err1 != nil || err2 != nil {
				return []byte("\aERR003\r")
			}
			f.p[k] = v
		case strings.HasPrefix(tok, "P"):
			k, err := strconv.Atoi(tok[1:])
			if err != nil {
				return []byte("\aERR003\r")
			}
			out = append(out, strconv.FormatFloat(f.p[k], 'g', -1, 64)+"\r"...)
		default:
			return []byte("\aERR003\r")
		}
	}
	return append(out, ACK)
}

func (f *fakePMAC) run() {
	time.Sleep(f.runFor)
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0.
	for i := 0; i < int(f.p[PNumSegments]); i++ {
		base := SegmentBase + SegmentStride*i
		total += f.p[base+6] * f.p[base+7]
	}
	f.p[PCounter] = total
	f.p[PFault] = f.fault
	f.p[PRunning] = 0
}

var quiet = log.New(io.Discard, "", 0)

func newTestController(t *testing.T) (*fakePMAC, *Controller) {
	f, addr := newFake(t)
	c := NewController(addr, nil)
	c.Logger = quiet
	c.PollPeriod = 5 * time.Millisecond
	t.Cleanup(func() { c.Close() })
	return f, c
}

func segments() []xrc.GridSegmentSpec {
	return []xrc.GridSegmentSpec{
		{Start: r3.Vec{X: 0.1, Y: 0.2, Z: 0.3}, StepSize: r3.Vec{X: 0.02, Y: 0.02, Z: 0.02}, StepCount: xrc.Counts{X: 5, Y: 4}},
		{Start: r3.Vec{X: 0.1, Y: 0.2, Z: 0.3}, StepSize: r3.Vec{X: 0.02, Y: 0.02, Z: 0.02}, StepCount: xrc.Counts{X: 5, Y: 3}, RotationAngleDeg: 90},
	}
}

func TestWriteSegments(t *testing.T) {
	f, c := newTestController(t)
	if err := c.WriteSegments(context.Background(), segments()); err != nil {
		t.Fatal(err)
	}
	checks := map[int]float64{
		PNumSegments:                    2,
		SegmentBase:                     0.1,
		SegmentBase + 3:                 0.02,
		SegmentBase + 6:                 5,
		SegmentBase + 7:                 4,
		SegmentBase + SegmentStride + 7: 3,
		SegmentBase + SegmentStride + 8: 90,
	}
	for k, expected := range checks {
		if got := f.get(k); got != expected {
			t.Errorf("P%d expected %g got %g", k, expected, got)
		}
	}
}

func TestGetP(t *testing.T) {
	f, c := newTestController(t)
	f.mu.Lock()
	f.p[PCounter] = 17
	f.mu.Unlock()
	ctx := context.Background()
	valid, err := c.ProgramValid(ctx)
	if err != nil || !valid {
		t.Errorf("expected valid program, got %v %v", valid, err)
	}
	n, err := c.PositionCounter(ctx)
	if err != nil || n != 17 {
		t.Errorf("expected counter 17, got %d %v", n, err)
	}
	vals, err := c.GetP(ctx, PValid, PCounter)
	if err != nil || len(vals) != 2 || vals[1] != 17 {
		t.Errorf("unexpected multi-read %v %v", vals, err)
	}
	if err := c.ResetStepCounter(ctx, 0); err != nil || f.get(PCounter) != 0 {
		t.Errorf("reset did not clear the counter, %v", err)
	}
}

func TestErrorResponse(t *testing.T) {
	_, c := newTestController(t)
	_, err := c.Raw(context.Background(), "XYZZY")
	var code ErrCode
	if !errors.As(err, &code) || code != 3 {
		t.Fatalf("expected ERR003, got %v", err)
	}
	if !strings.Contains(err.Error(), "unrecognized command") {
		t.Errorf("error text should carry the code meaning, got %q", err.Error())
	}
	// the connection survives a refused command
	if _, err := c.PositionCounter(context.Background()); err != nil {
		t.Errorf("expected the link to survive, got %v", err)
	}
}

func TestKickoffComplete(t *testing.T) {
	f, c := newTestController(t)
	ctx := context.Background()
	if err := c.WriteSegments(ctx, segments()); err != nil {
		t.Fatal(err)
	}
	st, err := c.Kickoff(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := st.Wait(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	done, err := c.Complete(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := done.Wait(ctx, time.Second); err != nil {
		t.Fatalf("expected clean completion, got %v", err)
	}
	if f.get(PCounter) != 35 {
		t.Errorf("expected 35 frames, got %g", f.get(PCounter))
	}
}

func TestCompleteFault(t *testing.T) {
	f, c := newTestController(t)
	f.fault = 1
	ctx := context.Background()
	c.WriteSegments(ctx, segments())
	if _, err := c.Kickoff(ctx); err != nil {
		t.Fatal(err)
	}
	done, _ := c.Complete(ctx)
	err := done.Wait(ctx, time.Second)
	var pf ProgramFault
	if !errors.As(err, &pf) || pf.Code != 1 {
		t.Errorf("expected following error fault, got %v", err)
	}
}

func TestAbort(t *testing.T) {
	f, c := newTestController(t)
	if err := c.Abort(context.Background()); err != nil {
		t.Fatal(err)
	}
	if f.get(PFault) != 4 {
		t.Error("abort was not sent")
	}
}

func TestDrivesMotionController(t *testing.T) {
	_, c := newTestController(t)
	mc := motion.NewController(c, nil)
	mc.Logger = quiet
	mc.PollPeriod = 5 * time.Millisecond
	mc.CounterPeriod = 5 * time.Millisecond
	ctx := context.Background()
	if err := mc.Configure(ctx, segments()); err != nil {
		t.Fatal(err)
	}
	if err := mc.Validate(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	var cps []motion.Checkpoint
	err := mc.Run(ctx, segments(), func(ctx context.Context, cp motion.Checkpoint) error {
		cps = append(cps, cp)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 2 || cps[0] != motion.CheckpointPre || cps[1] != motion.CheckpointDuring {
		t.Errorf("unexpected checkpoints %v", cps)
	}
	if n, _ := c.PositionCounter(ctx); n != 0 {
		t.Errorf("expected counter reset after the run, got %d", n)
	}
}
