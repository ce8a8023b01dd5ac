/*Package analysis talks to the crystal diffraction analysis service.

The service is driven in runs.  A run is staged, each grid segment is
bracketed by a start and an end as its frames stream past, and once every
segment has ended the service computes candidate centres which are fetched in
the order the service ranks them.
*/
package analysis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/mxlab/flyscan/xrc"
)

var (
	// ErrNotStaged is generated when a run operation is attempted before Stage
	ErrNotStaged = errors.New("analysis run not staged")

	// ErrBracketOpen is generated when a segment is started, or results are
	// fetched, while another segment is still open
	ErrBracketOpen = errors.New("a segment bracket is still open")

	// ErrNoBracket is generated when a segment is ended that was not started
	ErrNoBracket = errors.New("segment was not started")
)

// SegmentRun describes the frames of one segment
type SegmentRun struct {
	DCID       int64  `json:"dcid"`
	DataPath   string `json:"data_path"`
	StartFrame int    `json:"start_frame"`
	FrameCount int    `json:"frame_count"`
	Segment    int    `json:"segment"`
}

// Service is the analysis service protocol
type Service interface {
	// Stage opens a run
	Stage(ctx context.Context, runID string) error

	// RunStart announces the frames of a segment
	RunStart(ctx context.Context, runID string, seg SegmentRun) error

	// RunEnd closes the segment with the given data collection id
	RunEnd(ctx context.Context, runID string, dcid int64) error

	// FetchResults blocks until the run is complete and returns its results
	FetchResults(ctx context.Context, runID string) ([]xrc.RawAnalysisResult, error)
}

// Releaser is a Service that can free the resources of a run
type Releaser interface {
	Release(ctx context.Context, runID string) error
}

// Collector holds one run-scoped channel to the analysis service and
// satisfies motion.Bracketer
type Collector struct {
	Service Service

	Logger *log.Logger

	mu      sync.Mutex
	runID   string
	staged  bool
	open    int
	dcids   []int64
	dataDir string
}

// NewCollector returns a new Collector
func NewCollector(svc Service) *Collector {
	return &Collector{Service: svc, Logger: log.Default(), open: -1}
}

// Configure sets the data collection ids of the segments and the path the
// detector writes to.  Segments past the end of dcids use the last id.
func (c *Collector) Configure(dcids []int64, dataPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.dcids = append([]int64(nil), dcids...)
	c.dataDir = dataPath
}

func (c *Collector) dcid(segment int) int64 {
	switch {
	case len(c.dcids) == 0:
		return 0
	case segment < len(c.dcids):
		return c.dcids[segment]
	default:
		return c.dcids[len(c.dcids)-1]
	}
}

// RunID returns the id of the staged run, or "" if not staged
func (c *Collector) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Stage opens a fresh run
func (c *Collector) Stage(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := uuid.NewString()
	if err := c.Service.Stage(ctx, id); err != nil {
		return &xrc.AnalysisServiceError{Op: "stage", Err: err}
	}
	c.runID = id
	c.staged = true
	c.open = -1
	return nil
}

// BracketStart tells the service a segment has started
func (c *Collector) BracketStart(ctx context.Context, segment, startFrame, frameCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.staged {
		return ErrNotStaged
	}
	if c.open >= 0 {
		return fmt.Errorf("starting segment %d: %w (segment %d)", segment, ErrBracketOpen, c.open)
	}
	seg := SegmentRun{
		DCID:       c.dcid(segment),
		DataPath:   c.dataDir,
		StartFrame: startFrame,
		FrameCount: frameCount,
		Segment:    segment,
	}
	if err := c.Service.RunStart(ctx, c.runID, seg); err != nil {
		return &xrc.AnalysisServiceError{Op: "run start", Err: err}
	}
	c.open = segment
	return nil
}

// BracketEnd tells the service a segment has ended
func (c *Collector) BracketEnd(ctx context.Context, segment int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.staged {
		return ErrNotStaged
	}
	if c.open != segment {
		return fmt.Errorf("ending segment %d: %w", segment, ErrNoBracket)
	}
	if err := c.Service.RunEnd(ctx, c.runID, c.dcid(segment)); err != nil {
		return &xrc.AnalysisServiceError{Op: "run end", Err: err}
	}
	c.open = -1
	return nil
}

// Fetch blocks until the service has finished the run and returns the raw
// results in service order
func (c *Collector) Fetch(ctx context.Context) ([]xrc.RawAnalysisResult, error) {
	c.mu.Lock()
	if !c.staged {
		c.mu.Unlock()
		return nil, ErrNotStaged
	}
	if c.open >= 0 {
		c.mu.Unlock()
		return nil, ErrBracketOpen
	}
	id := c.runID
	c.mu.Unlock()

	results, err := c.Service.FetchResults(ctx, id)
	if err != nil {
		return nil, &xrc.AnalysisServiceError{Op: "fetch", Err: err}
	}
	if c.Logger != nil {
		c.Logger.Printf("analysis run %s returned %d results", id, len(results))
	}
	return results, nil
}

// Unstage releases the run.  It is safe to call when not staged.
func (c *Collector) Unstage(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.staged {
		return nil
	}
	id := c.runID
	c.staged = false
	c.runID = ""
	c.open = -1
	if r, ok := interface{}(c.Service).(Releaser); ok {
		if err := r.Release(ctx, id); err != nil {
			return &xrc.AnalysisServiceError{Op: "release", Err: err}
		}
	}
	return nil
}
