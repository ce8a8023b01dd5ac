/*Package xrc holds the data model of an X-ray centring grid scan and the pure
functions that turn voxel-space diffraction statistics into motor-space
candidate centres.

A grid scan is made of one or more segments.  Each segment is a planar raster
taken at a fixed rotation angle; two orthogonal segments (0 and 90 degrees)
give the analysis service enough information to locate a crystal in 3D.
Frames are numbered contiguously across segments, see ScanIndexTable.
*/
package xrc

import (
	"fmt"

	"gonum.org/v1/gonum/spatial/r3"
)

// Counts is a pair of step counts along the two in-plane axes of a segment
type Counts struct {
	X int `json:"x" yaml:"x" koanf:"x"`
	Y int `json:"y" yaml:"y" koanf:"y"`
}

// GridSegmentSpec is one planar sweep of the raster.  Lengths are in mm.
type GridSegmentSpec struct {
	// Start is the motor position of voxel (0,0,0)
	Start r3.Vec `json:"start" yaml:"start"`

	// StepSize is the size of one voxel along each axis.  X and Y are the
	// in-plane steps; Z is the out-of-plane step used by the voxel frame the
	// analysis service reports in.
	StepSize r3.Vec `json:"stepSize" yaml:"stepSize"`

	// StepCount is the number of steps along X and Y
	StepCount Counts `json:"stepCount" yaml:"stepCount"`

	// RotationAngleDeg is the rotation (omega) offset the plane is taken at
	RotationAngleDeg float64 `json:"rotationAngleDeg" yaml:"rotationAngleDeg"`
}

// Frames is the number of detector frames the segment produces
func (g GridSegmentSpec) Frames() int {
	return g.StepCount.X * g.StepCount.Y
}

// Midpoint returns the motor position of the geometric centre of the segment.
// The second in-plane axis is rotated about X by RotationAngleDeg, so a 0
// degree segment sweeps Y and a 90 degree segment sweeps Z.
func (g GridSegmentSpec) Midpoint() r3.Vec {
	alongX := r3.Vec{X: g.StepSize.X * float64(g.StepCount.X) / 2}
	rot := r3.NewRotation(g.RotationAngleDeg*degToRad, r3.Vec{X: 1})
	alongY := rot.Rotate(r3.Vec{Y: g.StepSize.Y * float64(g.StepCount.Y) / 2})
	return r3.Add(g.Start, r3.Add(alongX, alongY))
}

// Validate checks the segment is usable to build a motion program.  It does
// not check travel limits, the motion controller does that.
func (g GridSegmentSpec) Validate() error {
	if g.StepCount.X <= 0 || g.StepCount.Y <= 0 {
		return fmt.Errorf("step counts must be positive, got %dx%d", g.StepCount.X, g.StepCount.Y)
	}
	if g.StepSize.X == 0 || g.StepSize.Y == 0 {
		return fmt.Errorf("in-plane step size must be non-zero, got %v", g.StepSize)
	}
	return nil
}

// ScanIndexTable lists the first frame of every segment followed by a
// sentinel holding the total number of frames.  It is strictly increasing.
type ScanIndexTable []int

// NewScanIndexTable computes the table from cumulative step counts
func NewScanIndexTable(segments []GridSegmentSpec) ScanIndexTable {
	tbl := make(ScanIndexTable, len(segments)+1)
	for i, seg := range segments {
		tbl[i+1] = tbl[i] + seg.Frames()
	}
	return tbl
}

// Segments is the number of segments described by the table
func (t ScanIndexTable) Segments() int {
	if len(t) == 0 {
		return 0
	}
	return len(t) - 1
}

// Total is the total number of frames in the scan
func (t ScanIndexTable) Total() int {
	if len(t) == 0 {
		return 0
	}
	return t[len(t)-1]
}

// Range returns the first frame and frame count of segment i
func (t ScanIndexTable) Range(i int) (start, count int) {
	return t[i], t[i+1] - t[i]
}

// RawAnalysisResult is one candidate centre as reported by the analysis
// service, in voxel units.
type RawAnalysisResult struct {
	CentreOfMass [3]float64 `json:"centre_of_mass"`

	// BoundingBox holds the voxel indices of the two extreme voxels of the
	// crystal.  An index names the centre of a voxel, not its corner.
	BoundingBox [2][3]int `json:"bounding_box"`

	MaxCount   int   `json:"max_count"`
	TotalCount int   `json:"total_count"`
	SampleID   int64 `json:"sample_id"`

	// Segment is the index of the segment whose voxel frame the result is
	// expressed in
	Segment int `json:"segment"`
}

// TransformedResult is a candidate centre in motor space (mm)
type TransformedResult struct {
	CentreOfMassMm r3.Vec    `json:"centre_of_mass_mm"`
	BoundingBoxMm  [2]r3.Vec `json:"bounding_box_mm"`
	MaxCount       int       `json:"max_count"`
	TotalCount     int       `json:"total_count"`
	SampleID       int64     `json:"sample_id"`
}

// OutcomeKind enumerates the variants of Outcome
type OutcomeKind int

const (
	// OutcomeFailed means the run raised a fatal error
	OutcomeFailed OutcomeKind = iota

	// OutcomeResults means at least one candidate centre was found
	OutcomeResults

	// OutcomeNoDiffraction means the scan completed but nothing diffracted
	OutcomeNoDiffraction
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeResults:
		return "results"
	case OutcomeNoDiffraction:
		return "no-diffraction"
	default:
		return "failed"
	}
}

// MarshalText implements encoding.TextMarshaler
func (k OutcomeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *OutcomeKind) UnmarshalText(b []byte) error {
	kind, err := ParseOutcomeKind(string(b))
	if err != nil {
		return err
	}
	*k = kind
	return nil
}

// ParseOutcomeKind is the inverse of OutcomeKind.String
func ParseOutcomeKind(s string) (OutcomeKind, error) {
	switch s {
	case "results":
		return OutcomeResults, nil
	case "no-diffraction":
		return OutcomeNoDiffraction, nil
	case "failed":
		return OutcomeFailed, nil
	}
	return OutcomeFailed, fmt.Errorf("unknown outcome kind %q", s)
}

// Outcome is the single event published at the end of every pipeline run.
// Results is populated only when Kind is OutcomeResults, Err only when Kind is
// OutcomeFailed.
type Outcome struct {
	RunID       string              `json:"run_id"`
	SampleID    int64               `json:"sample_id"`
	Kind        OutcomeKind         `json:"kind"`
	Results     []TransformedResult `json:"results,omitempty"`
	Err         error               `json:"-"`
	Fingerprint uint16              `json:"fingerprint"`
	Segments    []GridSegmentSpec   `json:"segments,omitempty"`
	// Raw holds the unfiltered service output, kept for the result map
	Raw []RawAnalysisResult `json:"-"`
}

// ResultsOutcome builds an Outcome of kind OutcomeResults
func ResultsOutcome(results []TransformedResult) Outcome {
	return Outcome{Kind: OutcomeResults, Results: results}
}

// NoDiffractionOutcome builds an Outcome of kind OutcomeNoDiffraction
func NoDiffractionOutcome() Outcome {
	return Outcome{Kind: OutcomeNoDiffraction}
}

// FailedOutcome builds an Outcome of kind OutcomeFailed
func FailedOutcome(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// ErrorText returns the error text of a failed outcome, or ""
func (o Outcome) ErrorText() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}
