/*Package pipeline runs the X-ray centring flyscan.

A run sets up triggering, reads the pre-collection snapshot, loads the scan
parameters, validates the grid program, arms the detector and the analysis
run, drives the grid while reading the during-collection snapshot, fetches and
transforms the analysis results and publishes one Outcome.  Whatever happens,
the run ends by tidying the instrument, stopping the motion program, disabling
the detector stream and unstaging the detector and the analysis run, each
exactly once.
*/
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mxlab/flyscan/analysis"
	"github.com/mxlab/flyscan/detector"
	"github.com/mxlab/flyscan/device"
	"github.com/mxlab/flyscan/motion"
	"github.com/mxlab/flyscan/server/middleware/locker"
	"github.com/mxlab/flyscan/xrc"
)

// ErrRunInProgress is generated when a run is requested while another is active
var ErrRunInProgress = errors.New("a flyscan is already in progress")

// Composite bundles the devices of one instrument that take part in a run
type Composite struct {
	Motion   *motion.Controller
	Detector *detector.Sequencer
	Analysis *analysis.Collector

	// Snapshots receives the ancillary readings taken by hooks
	Snapshots *device.SnapshotLog
}

// NewComposite wires the devices together, making the collector bracket
// the segments of the motion program
func NewComposite(m *motion.Controller, d *detector.Sequencer, a *analysis.Collector) *Composite {
	m.Bracketer = a
	return &Composite{Motion: m, Detector: d, Analysis: a, Snapshots: &device.SnapshotLog{}}
}

// Params are the already-validated parameters of one run
type Params struct {
	SampleID int64                 `json:"sample_id"`
	Segments []xrc.GridSegmentSpec `json:"segments"`

	// DCIDs are the data collection ids of the segments
	DCIDs []int64 `json:"dcids"`

	// DataPath is where the detector writes
	DataPath string `json:"data_path"`

	// MinTotalCount is the threshold under which results are discarded
	MinTotalCount int `json:"min_total_count"`

	// Commissioning replaces an empty result set with a dummy centre
	Commissioning bool `json:"commissioning"`

	// ValidateTimeout bounds the wait for the grid program to become valid
	ValidateTimeout time.Duration `json:"validate_timeout"`
}

// Hooks are the per-instrument steps of a run
type Hooks interface {
	SetupTrigger(ctx context.Context, comp *Composite, p Params) error
	SetParams(ctx context.Context, comp *Composite, p Params) error
	ReadPreCollection(ctx context.Context) error
	ReadDuringCollection(ctx context.Context) error
	Tidy(ctx context.Context, comp *Composite) error
}

// NopHooks implements Hooks and does nothing.  Embed it to override only
// some steps.
type NopHooks struct{}

// SetupTrigger does nothing
func (NopHooks) SetupTrigger(context.Context, *Composite, Params) error { return nil }

// SetParams does nothing
func (NopHooks) SetParams(context.Context, *Composite, Params) error { return nil }

// ReadPreCollection does nothing
func (NopHooks) ReadPreCollection(context.Context) error { return nil }

// ReadDuringCollection does nothing
func (NopHooks) ReadDuringCollection(context.Context) error { return nil }

// Tidy does nothing
func (NopHooks) Tidy(context.Context, *Composite) error { return nil }

// Publisher receives the outcome of every run
type Publisher interface {
	Publish(ctx context.Context, o xrc.Outcome) error
}

// PublisherFunc adapts a function to a Publisher
type PublisherFunc func(context.Context, xrc.Outcome) error

// Publish calls f
func (f PublisherFunc) Publish(ctx context.Context, o xrc.Outcome) error {
	return f(ctx, o)
}

// Orchestrator runs flyscans, one at a time
type Orchestrator struct {
	Publishers []Publisher

	// CleanupTimeout bounds the cleanup steps together
	CleanupTimeout time.Duration

	Logger *log.Logger

	busy *locker.Locker

	mu     sync.Mutex
	status Status
}

// Status describes what the orchestrator is doing
type Status struct {
	Running  bool   `json:"running"`
	RunID    string `json:"run_id,omitempty"`
	Stage    string `json:"stage"`
	LastRun  string `json:"last_run,omitempty"`
	LastKind string `json:"last_kind,omitempty"`
}

// NewOrchestrator returns an Orchestrator publishing to pubs
func NewOrchestrator(pubs ...Publisher) *Orchestrator {
	return &Orchestrator{
		Publishers:     pubs,
		CleanupTimeout: 30 * time.Second,
		Logger:         log.Default(),
		busy:           locker.New(),
		status:         Status{Stage: "idle"},
	}
}

// Status returns the current status
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Busy returns true while a run is active, cleanup included
func (o *Orchestrator) Busy() bool {
	return o.busy.Locked()
}

func (o *Orchestrator) setStage(stage string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.status.Stage = stage
}

func (o *Orchestrator) logf(format string, args ...interface{}) {
	if o.Logger != nil {
		o.Logger.Printf(format, args...)
	}
}

// Run performs one flyscan and returns its outcome.  NoDiffractionFound is
// an outcome, not an error; every other failure is returned as both a Failed
// outcome and the error.  The outcome is published before cleanup, and
// cleanup runs exactly once however the run ends, cancellation included.
//
// If another run is active, Run returns ErrRunInProgress without touching
// any device.
func (o *Orchestrator) Run(ctx context.Context, comp *Composite, p Params, hooks Hooks) (xrc.Outcome, error) {
	return o.run(ctx, comp, p, hooks, nil)
}

// run is Run.  If onLock is not nil it is called with true once the run
// holds the run lock and with false just before the lock is released; a
// rejected run never calls it.
func (o *Orchestrator) run(ctx context.Context, comp *Composite, p Params, hooks Hooks, onLock func(bool)) (xrc.Outcome, error) {
	if !o.busy.TryLock() {
		return xrc.Outcome{}, ErrRunInProgress
	}
	defer o.busy.Unlock()
	if onLock != nil {
		onLock(true)
		defer onLock(false)
	}
	if hooks == nil {
		hooks = NopHooks{}
	}

	runID := uuid.NewString()
	o.mu.Lock()
	o.status.Running = true
	o.status.RunID = runID
	o.mu.Unlock()
	o.logf("flyscan %s starting for sample %d, %d segments", runID, p.SampleID, len(p.Segments))

	defer func() {
		o.cleanup(ctx, comp, hooks)
		o.mu.Lock()
		o.status.Running = false
		o.status.RunID = ""
		o.status.Stage = "idle"
		o.mu.Unlock()
	}()

	out, err := o.collect(ctx, comp, p, hooks)
	out.RunID = runID
	out.SampleID = p.SampleID
	out.Segments = p.Segments
	out.Fingerprint = xrc.Fingerprint(p.Segments)
	if err != nil {
		o.logf("flyscan %s failed: %v", runID, err)
	} else {
		o.logf("flyscan %s finished: %s", runID, out.Kind)
	}
	o.publish(context.WithoutCancel(ctx), out)

	o.mu.Lock()
	o.status.LastRun = runID
	o.status.LastKind = out.Kind.String()
	o.mu.Unlock()
	return out, err
}

func failed(err error) (xrc.Outcome, error) {
	return xrc.FailedOutcome(err), err
}

// collect runs every step up to the transformed results
func (o *Orchestrator) collect(ctx context.Context, comp *Composite, p Params, hooks Hooks) (xrc.Outcome, error) {
	o.setStage("setup trigger")
	if err := hooks.SetupTrigger(ctx, comp, p); err != nil {
		return failed(fmt.Errorf("setup trigger: %w", err))
	}
	o.setStage("read pre-collection")
	if err := hooks.ReadPreCollection(ctx); err != nil {
		return failed(fmt.Errorf("read pre-collection: %w", err))
	}

	o.setStage("set params")
	if err := comp.Motion.Configure(ctx, p.Segments); err != nil {
		return failed(err)
	}
	comp.Analysis.Configure(p.DCIDs, p.DataPath)
	if err := hooks.SetParams(ctx, comp, p); err != nil {
		return failed(fmt.Errorf("set params: %w", err))
	}

	o.setStage("validate")
	if err := comp.Motion.Validate(ctx, p.ValidateTimeout); err != nil {
		return failed(err)
	}

	o.setStage("arm")
	table := xrc.NewScanIndexTable(p.Segments)
	if err := comp.Detector.Arm(ctx, table.Total()); err != nil {
		return failed(err)
	}
	if err := comp.Analysis.Stage(ctx); err != nil {
		return failed(err)
	}

	o.setStage("run")
	err := comp.Motion.Run(ctx, p.Segments, func(ctx context.Context, cp motion.Checkpoint) error {
		switch cp {
		case motion.CheckpointPre:
			o.logf("grid program started, %d frames expected", table.Total())
		case motion.CheckpointDuring:
			if err := hooks.ReadDuringCollection(ctx); err != nil {
				return fmt.Errorf("read during collection: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return failed(err)
	}

	o.setStage("fetch")
	raws, err := comp.Analysis.Fetch(ctx)
	if err != nil {
		if !p.Commissioning || !serviceFailure(ctx, err) {
			return failed(err)
		}
		o.logf("commissioning mode, ignoring analysis failure: %v", err)
		raws = nil
	}

	o.setStage("transform")
	threshold := p.MinTotalCount
	if threshold <= 0 {
		threshold = xrc.DefaultMinTotalCount
	}
	results, err := xrc.FilterAndTransform(raws, p.Segments, xrc.Policy{
		MinTotalCount: threshold,
		Commissioning: p.Commissioning,
		SampleID:      p.SampleID,
		Logger:        o.Logger,
	})
	if errors.Is(err, xrc.ErrNoDiffraction) {
		out := xrc.NoDiffractionOutcome()
		out.Raw = raws
		return out, nil
	}
	if err != nil {
		return failed(err)
	}
	out := xrc.ResultsOutcome(results)
	out.Raw = raws
	return out, nil
}

// serviceFailure returns true if err is a failure of the analysis service
// itself, not a cancellation or deadline of the run
func serviceFailure(ctx context.Context, err error) bool {
	var ase *xrc.AnalysisServiceError
	if ctx.Err() != nil || !errors.As(err, &ase) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

// publish hands the outcome to every publisher, logging failures
func (o *Orchestrator) publish(ctx context.Context, out xrc.Outcome) {
	o.setStage("publish")
	for _, p := range o.Publishers {
		if err := p.Publish(ctx, out); err != nil {
			o.logf("publishing flyscan %s failed: %v", out.RunID, err)
		}
	}
}

// cleanup runs the cleanup steps in order, each once, on a context detached
// from the caller's cancellation
func (o *Orchestrator) cleanup(ctx context.Context, comp *Composite, hooks Hooks) {
	o.setStage("cleanup")
	timeout := o.CleanupTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	steps := []struct {
		name string
		f    func(context.Context) error
	}{
		{"tidy", func(ctx context.Context) error { return hooks.Tidy(ctx, comp) }},
		{"stop motion", comp.Motion.Stop},
		{"disarm streaming", comp.Detector.DisarmStreaming},
		{"unstage detector", comp.Detector.Unstage},
		{"unstage analysis", comp.Analysis.Unstage},
	}
	for _, s := range steps {
		if err := s.f(cctx); err != nil {
			o.logf("cleanup step %s failed: %v", s.name, err)
		}
	}
}
