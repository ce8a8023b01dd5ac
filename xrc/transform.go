package xrc

import (
	"fmt"
	"log"
	"math"

	"gonum.org/v1/gonum/spatial/r3"
)

const (
	degToRad = math.Pi / 180

	// DefaultMinTotalCount is the default confidence threshold on TotalCount
	DefaultMinTotalCount = 3

	// DummyMaxCount is the MaxCount of the synthetic commissioning result
	DummyMaxCount = 10000

	// DummyTotalCount is the TotalCount of the synthetic commissioning result
	DummyTotalCount = 100000

	// voxelHalfWidth shifts a voxel index from the centre of a voxel to its
	// lower corner
	voxelHalfWidth = 0.5
)

// GridPositionToMotorPosition maps a continuous voxel coordinate to motor space
// using the origin and step size of seg, per axis.
func GridPositionToMotorPosition(seg GridSegmentSpec, voxel r3.Vec) r3.Vec {
	return r3.Vec{
		X: seg.Start.X + voxel.X*seg.StepSize.X,
		Y: seg.Start.Y + voxel.Y*seg.StepSize.Y,
		Z: seg.Start.Z + voxel.Z*seg.StepSize.Z,
	}
}

// CorrectBoundingBox converts the voxel indices of a bounding box into the
// continuous voxel coordinates of its corners.  Only the box is shifted, the
// centre of mass is already continuous.
func CorrectBoundingBox(box [2][3]int) [2]r3.Vec {
	var out [2]r3.Vec
	for i, corner := range box {
		out[i] = r3.Vec{
			X: float64(corner[0]) - voxelHalfWidth,
			Y: float64(corner[1]) - voxelHalfWidth,
			Z: float64(corner[2]) - voxelHalfWidth,
		}
	}
	return out
}

// Transform converts one raw result using seg.  It is a pure function.
func Transform(raw RawAnalysisResult, seg GridSegmentSpec) TransformedResult {
	com := r3.Vec{X: raw.CentreOfMass[0], Y: raw.CentreOfMass[1], Z: raw.CentreOfMass[2]}
	box := CorrectBoundingBox(raw.BoundingBox)
	return TransformedResult{
		CentreOfMassMm: GridPositionToMotorPosition(seg, com),
		BoundingBoxMm: [2]r3.Vec{
			GridPositionToMotorPosition(seg, box[0]),
			GridPositionToMotorPosition(seg, box[1]),
		},
		MaxCount:   raw.MaxCount,
		TotalCount: raw.TotalCount,
		SampleID:   raw.SampleID,
	}
}

// Filter keeps the results with TotalCount >= threshold, in their original
// order, and reports how many were dropped.
func Filter(raws []RawAnalysisResult, threshold int) (kept []RawAnalysisResult, discarded int) {
	kept = make([]RawAnalysisResult, 0, len(raws))
	for _, r := range raws {
		if r.TotalCount < threshold {
			discarded++
			continue
		}
		kept = append(kept, r)
	}
	return kept, discarded
}

// Policy configures FilterAndTransform
type Policy struct {
	// MinTotalCount is the threshold T; results under it are discarded
	MinTotalCount int

	// Commissioning enables the synthetic result when nothing is found
	Commissioning bool

	// SampleID is the sample the scan was requested for, used by the
	// synthetic commissioning result
	SampleID int64

	// Logger receives the discard count.  log.Default() is used if nil.
	Logger *log.Logger
}

// FilterAndTransform applies the confidence threshold and converts the
// survivors to motor space.  When nothing survives it either synthesizes one
// centred result (commissioning) or returns a *NoDiffractionFoundError.
func FilterAndTransform(raws []RawAnalysisResult, segments []GridSegmentSpec, p Policy) ([]TransformedResult, error) {
	logger := p.Logger
	if logger == nil {
		logger = log.Default()
	}
	kept, discarded := Filter(raws, p.MinTotalCount)
	if discarded > 0 {
		logger.Printf("discarded %d of %d results with total count under %d", discarded, len(raws), p.MinTotalCount)
	}
	if len(kept) == 0 {
		if p.Commissioning {
			logger.Println("commissioning mode, no diffraction found; substituting a centred dummy result")
			return []TransformedResult{DummyResult(segments, p.SampleID)}, nil
		}
		return nil, &NoDiffractionFoundError{Discarded: discarded}
	}
	out := make([]TransformedResult, 0, len(kept))
	for _, r := range kept {
		if r.Segment < 0 || r.Segment >= len(segments) {
			return nil, &AnalysisServiceError{
				Op:  "transform",
				Err: fmt.Errorf("result refers to segment %d, scan has %d", r.Segment, len(segments))}
		}
		out = append(out, Transform(r, segments[r.Segment]))
	}
	return out, nil
}

// DummyResult is the synthetic result used in commissioning mode, with a
// zero-size bounding box.  It sits at the centre of the grid in the voxel
// frame of the first segment: half way along its in-plane axes, and half way
// through the depth swept by the first segment taken at another angle, if any.
func DummyResult(segments []GridSegmentSpec, sampleID int64) TransformedResult {
	var centre r3.Vec
	if len(segments) > 0 {
		first := segments[0]
		voxel := r3.Vec{X: float64(first.StepCount.X) / 2, Y: float64(first.StepCount.Y) / 2}
		for _, seg := range segments[1:] {
			if math.Mod(seg.RotationAngleDeg-first.RotationAngleDeg, 180) != 0 {
				voxel.Z = float64(seg.StepCount.Y) / 2
				break
			}
		}
		centre = GridPositionToMotorPosition(first, voxel)
	}
	return TransformedResult{
		CentreOfMassMm: centre,
		BoundingBoxMm:  [2]r3.Vec{centre, centre},
		MaxCount:       DummyMaxCount,
		TotalCount:     DummyTotalCount,
		SampleID:       sampleID,
	}
}
