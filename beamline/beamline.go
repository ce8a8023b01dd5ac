/*Package beamline holds the per-instrument hook sets of the flyscan pipeline.

Two hook sets are provided.  StepTriggered has the motion controller's position
compare fire one detector trigger per grid step, and reads the ancillary
signals once during collection.  SequenceTriggered has the program's sequencer
drive the detector, and reads the ancillary signals as each segment starts.
Both read the same ReadSets, so the snapshots of either can be compared.

Hook sets are looked up by name in a Registry.
*/
package beamline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mxlab/flyscan/device"
	"github.com/mxlab/flyscan/pipeline"
	"github.com/mxlab/flyscan/xrc"
)

const (
	// SourceStep routes the motion controller's position compare output to
	// the detector trigger input
	SourceStep = "STEP"

	// SourceSequence routes the program sequencer output to the detector
	SourceSequence = "SEQ"

	// SourceOff disconnects the detector trigger input
	SourceOff = "OFF"
)

// TriggerRouter selects what drives the detector trigger input
type TriggerRouter interface {
	Route(ctx context.Context, source string) error
}

// Ancillary are the signals read around a collection
type Ancillary struct {
	Pre    device.ReadSet
	During device.ReadSet
}

// hookBase holds what both hook sets share
type hookBase struct {
	Router TriggerRouter
	Reads  Ancillary
	Logger *log.Logger

	mu    sync.Mutex
	snaps *device.SnapshotLog
}

func (h *hookBase) logf(format string, args ...interface{}) {
	if h.Logger != nil {
		h.Logger.Printf(format, args...)
	}
}

// bind points the snapshots of this run at comp's log, emptied
func (h *hookBase) bind(comp *pipeline.Composite) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if comp.Snapshots == nil {
		comp.Snapshots = &device.SnapshotLog{}
	}
	comp.Snapshots.Reset()
	h.snaps = comp.Snapshots
}

func (h *hookBase) read(ctx context.Context, rs device.ReadSet) error {
	if len(rs.Signals) == 0 {
		return nil
	}
	snap, err := rs.Read(ctx)
	if err != nil {
		return err
	}
	h.mu.Lock()
	snaps := h.snaps
	h.mu.Unlock()
	if snaps != nil {
		snaps.Append(snap)
	}
	return nil
}

func (h *hookBase) route(ctx context.Context, source string) error {
	if h.Router == nil {
		return nil
	}
	if err := h.Router.Route(ctx, source); err != nil {
		return xrc.Fault("trigger router", "route "+source, err)
	}
	return nil
}

// ReadPreCollection reads the Pre signals
func (h *hookBase) ReadPreCollection(ctx context.Context) error {
	return h.read(ctx, h.Reads.Pre)
}

// ReadDuringCollection reads the During signals
func (h *hookBase) ReadDuringCollection(ctx context.Context) error {
	return h.read(ctx, h.Reads.During)
}

// Tidy disconnects the trigger.  The motion program is stopped by the
// pipeline after Tidy.
func (h *hookBase) Tidy(ctx context.Context, comp *pipeline.Composite) error {
	return h.route(ctx, SourceOff)
}

// StepTriggered is the hook set for position-compare triggering
type StepTriggered struct {
	hookBase

	// ExposureTime is the detector count time per frame; zero leaves the
	// detector setting alone
	ExposureTime time.Duration

	// ReadPoints are the frames after which the During signals are read
	ReadPoints []int
}

// NewStepTriggered returns a StepTriggered hook set
func NewStepTriggered(r TriggerRouter, reads Ancillary) *StepTriggered {
	return &StepTriggered{
		hookBase:   hookBase{Router: r, Reads: reads, Logger: log.Default()},
		ReadPoints: []int{0},
	}
}

// SetupTrigger routes position compare to the detector
func (h *StepTriggered) SetupTrigger(ctx context.Context, comp *pipeline.Composite, p pipeline.Params) error {
	h.bind(comp)
	return h.route(ctx, SourceStep)
}

// SetParams sets the detector exposure and the read points
func (h *StepTriggered) SetParams(ctx context.Context, comp *pipeline.Composite, p pipeline.Params) error {
	if h.ExposureTime > 0 {
		comp.Detector.CountTime = h.ExposureTime.Seconds()
	}
	comp.Motion.ReadPoints = append([]int(nil), h.ReadPoints...)
	return nil
}

// SequenceTriggered is the hook set for sequencer triggering
type SequenceTriggered struct {
	hookBase
}

// NewSequenceTriggered returns a SequenceTriggered hook set
func NewSequenceTriggered(r TriggerRouter, reads Ancillary) *SequenceTriggered {
	return &SequenceTriggered{hookBase: hookBase{Router: r, Reads: reads, Logger: log.Default()}}
}

// SetupTrigger routes the sequencer to the detector
func (h *SequenceTriggered) SetupTrigger(ctx context.Context, comp *pipeline.Composite, p pipeline.Params) error {
	h.bind(comp)
	return h.route(ctx, SourceSequence)
}

// SetParams places a read point at the first frame of every segment
func (h *SequenceTriggered) SetParams(ctx context.Context, comp *pipeline.Composite, p pipeline.Params) error {
	table := xrc.NewScanIndexTable(p.Segments)
	comp.Motion.ReadPoints = append([]int(nil), table[:table.Segments()]...)
	h.logf("sequence triggered, %d read points", table.Segments())
	return nil
}

// Registry maps hook set names to hook sets
type Registry struct {
	// Default is used when a run names no hook set
	Default string

	mu    sync.RWMutex
	hooks map[string]pipeline.Hooks
}

// NewRegistry returns an empty Registry defaulting to def
func NewRegistry(def string) *Registry {
	return &Registry{Default: def, hooks: map[string]pipeline.Hooks{}}
}

// Register adds h under name, replacing any previous entry
func (r *Registry) Register(name string, h pipeline.Hooks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks[strings.ToLower(name)] = h
}

// Lookup returns the hook set called name, or the default for ""
func (r *Registry) Lookup(name string) (pipeline.Hooks, error) {
	if name == "" {
		name = r.Default
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hooks[strings.ToLower(name)]
	if !ok {
		return nil, fmt.Errorf("unknown hook set %q, have %v", name, r.namesLocked())
	}
	return h, nil
}

// Names lists the registered hook sets, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry) namesLocked() []string {
	names := make([]string, 0, len(r.hooks))
	for k := range r.hooks {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
