package detector

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/mxlab/flyscan/device"
	"github.com/mxlab/flyscan/xrc"
)

var quiet = log.New(io.Discard, "", 0)

func newSeq(d Detector) *Sequencer {
	s := NewSequencer(d)
	s.Logger = quiet
	return s
}

func TestArmWaitsForStage(t *testing.T) {
	d := &MockDetector{ArmDelay: 5 * time.Millisecond}
	if err := newSeq(d).Arm(context.Background(), 35); err != nil {
		t.Fatal(err)
	}
	c := d.Counts()
	if !c.Armed || c.Frames != 35 || !c.Streaming || c.Stages != 1 {
		t.Errorf("unexpected detector state after arm %+v", c)
	}
}

func TestArmTimeoutIsHardwareFault(t *testing.T) {
	d := &MockDetector{NeverArm: true}
	s := newSeq(d)
	s.ArmTimeout = 10 * time.Millisecond
	err := s.Arm(context.Background(), 35)
	var hw *xrc.HardwareFaultError
	if !errors.As(err, &hw) || !errors.Is(err, device.ErrTimeout) {
		t.Errorf("expected hardware fault wrapping ErrTimeout, got %v", err)
	}
}

func TestArmStageErrorIsHardwareFault(t *testing.T) {
	d := &MockDetector{StageErr: errors.New("high voltage off")}
	err := newSeq(d).Arm(context.Background(), 35)
	var hw *xrc.HardwareFaultError
	if !errors.As(err, &hw) || hw.Device != "detector" {
		t.Errorf("expected detector hardware fault, got %v", err)
	}
}

func TestDisarmStreaming(t *testing.T) {
	d := &MockDetector{}
	s := newSeq(d)
	if err := s.DisarmStreaming(context.Background()); err != nil {
		t.Fatal(err)
	}
	d.DisableStreamErr = errors.New("stream busy")
	if err := s.DisarmStreaming(context.Background()); err == nil {
		t.Error("expected the disable failure to be returned")
	}
	if d.Counts().StreamOffs != 2 {
		t.Errorf("expected 2 disable calls, got %d", d.Counts().StreamOffs)
	}
}

type fakeSimplon struct {
	mu    sync.Mutex
	calls []string
	vals  map[string]interface{}

	// armDelay is how long the arm command takes; it is given up if the
	// client goes away
	armDelay time.Duration
	armed    bool
}

func (f *fakeSimplon) isArmed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed
}

func (f *fakeSimplon) handler() http.Handler {
	r := chi.NewRouter()
	r.Put("/{sub}/api/{ver}/{kind}/{name}", func(w http.ResponseWriter, r *http.Request) {
		path := chi.URLParam(r, "sub") + "/" + chi.URLParam(r, "kind") + "/" + chi.URLParam(r, "name")
		var v valueT
		if r.ContentLength > 0 {
			if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
		}
		f.mu.Lock()
		f.calls = append(f.calls, path)
		f.vals[path] = v.Value
		f.mu.Unlock()
		if path == "detector/command/arm" {
			select {
			case <-time.After(f.armDelay):
			case <-r.Context().Done():
				return
			}
			f.mu.Lock()
			f.armed = true
			f.mu.Unlock()
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"sequence id": 7}`))
			return
		}
		if path == "detector/command/disarm" {
			f.mu.Lock()
			f.armed = false
			f.mu.Unlock()
		}
		if path == "detector/command/trigger" {
			http.Error(w, "not armed", http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func TestSimplonArmSequence(t *testing.T) {
	f := &fakeSimplon{vals: map[string]interface{}{}}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	d := NewSimplon(srv.URL + "/")
	s := newSeq(d)
	s.CountTime = 0.002
	ctx := context.Background()
	if err := s.Arm(ctx, 35); err != nil {
		t.Fatal(err)
	}
	if err := s.DisarmStreaming(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Unstage(ctx); err != nil {
		t.Fatal(err)
	}
	// the parameters are written as a group, in any order, before the arm
	params := []string{
		"detector/config/ntrigger",
		"detector/config/nimages",
		"detector/config/count_time",
		"stream/config/mode",
	}
	if len(f.calls) != 7 {
		t.Fatalf("expected 7 calls, got %v", f.calls)
	}
	if diff := cmp.Diff(params, f.calls[:4], cmpopts.SortSlices(func(a, b string) bool { return a < b })); diff != "" {
		t.Errorf("parameter set mismatch (-want +got):\n%s", diff)
	}
	after := []string{"detector/command/arm", "stream/config/mode", "detector/command/disarm"}
	if diff := cmp.Diff(after, f.calls[4:]); diff != "" {
		t.Errorf("call sequence mismatch (-want +got):\n%s", diff)
	}
	if f.vals["detector/config/nimages"] != float64(35) {
		t.Errorf("expected nimages 35, got %v", f.vals["detector/config/nimages"])
	}
	if f.vals["stream/config/mode"] != "disabled" {
		t.Errorf("expected stream disabled last, got %v", f.vals["stream/config/mode"])
	}
	if d.SequenceID() != 7 {
		t.Errorf("expected sequence id 7, got %d", d.SequenceID())
	}
}

func TestSimplonErrorStatus(t *testing.T) {
	f := &fakeSimplon{vals: map[string]interface{}{}}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()
	d := NewSimplon(srv.URL)
	err := d.put(context.Background(), "detector", "command/trigger", nil, nil)
	if err == nil {
		t.Error("expected an error for a 400 response")
	}
}

func TestSimplonArmTimeoutDoesNotOutliveCleanup(t *testing.T) {
	f := &fakeSimplon{vals: map[string]interface{}{}, armDelay: 150 * time.Millisecond}
	srv := httptest.NewServer(f.handler())
	defer srv.Close()

	d := NewSimplon(srv.URL)
	s := newSeq(d)
	s.ArmTimeout = 20 * time.Millisecond
	ctx := context.Background()
	err := s.Arm(ctx, 35)
	if !errors.Is(err, device.ErrTimeout) {
		t.Fatalf("expected an arm timeout, got %v", err)
	}
	if err := s.DisarmStreaming(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Unstage(ctx); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * f.armDelay)
	if f.isArmed() {
		t.Error("detector was armed after it had been disarmed")
	}
	if d.SequenceID() != 0 {
		t.Errorf("abandoned arm should not set a sequence id, got %d", d.SequenceID())
	}
}

func TestArmTimeoutReleasesStage(t *testing.T) {
	d := &MockDetector{ArmDelay: 100 * time.Millisecond}
	s := newSeq(d)
	s.ArmTimeout = 10 * time.Millisecond
	if err := s.Arm(context.Background(), 35); !errors.Is(err, device.ErrTimeout) {
		t.Fatalf("expected an arm timeout, got %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if d.Counts().Armed {
		t.Error("stage kept running after Arm gave up")
	}
}

type slowParams struct {
	MockDetector
	delay time.Duration
}

func (d *slowParams) SetFrameCount(ctx context.Context, n int) error {
	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return d.MockDetector.SetFrameCount(ctx, n)
}

func TestArmWaitsForParameterGroup(t *testing.T) {
	d := &slowParams{delay: 100 * time.Millisecond}
	s := newSeq(d)
	s.ArmTimeout = 10 * time.Millisecond
	err := s.Arm(context.Background(), 35)
	var hw *xrc.HardwareFaultError
	if !errors.As(err, &hw) || !errors.Is(err, device.ErrTimeout) {
		t.Fatalf("expected a hardware fault wrapping ErrTimeout, got %v", err)
	}
	if d.Counts().Stages != 0 {
		t.Error("detector was staged before its parameters were set")
	}

	d.delay = time.Millisecond
	s.ArmTimeout = time.Second
	if err := s.Arm(context.Background(), 35); err != nil {
		t.Fatal(err)
	}
	if c := d.Counts(); c.Frames != 35 || !c.Armed {
		t.Errorf("unexpected detector state after arm %+v", c)
	}
}

func TestArmParameterFailure(t *testing.T) {
	d := &MockDetector{}
	s := newSeq(d)
	s.Detector = failingStream{d}
	err := s.Arm(context.Background(), 35)
	var hw *xrc.HardwareFaultError
	if !errors.As(err, &hw) || hw.Op != "enable streaming" {
		t.Errorf("expected the streaming failure, got %v", err)
	}
	if d.Counts().Stages != 0 {
		t.Error("detector was staged after a parameter failed")
	}
}

type failingStream struct{ *MockDetector }

func (f failingStream) SetStreaming(ctx context.Context, enabled bool) error {
	return errors.New("stream subsystem offline")
}
