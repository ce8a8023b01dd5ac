package xrc

import (
	"errors"
	"io"
	"math"

	"github.com/astrogo/fitsio"
)

// ResultMap accumulates TotalCount of raw results onto the in-plane voxel grid
// of each segment.  The map of segment i has StepCount.X*StepCount.Y pixels
// and is row-major in X.
func ResultMap(segments []GridSegmentSpec, raws []RawAnalysisResult) [][]int32 {
	maps := make([][]int32, len(segments))
	for i, seg := range segments {
		maps[i] = make([]int32, seg.Frames())
	}
	for _, r := range raws {
		if r.Segment < 0 || r.Segment >= len(segments) {
			continue
		}
		seg := segments[r.Segment]
		ix := int(math.Floor(r.CentreOfMass[0]))
		iy := int(math.Floor(r.CentreOfMass[1]))
		if ix < 0 || iy < 0 || ix >= seg.StepCount.X || iy >= seg.StepCount.Y {
			continue
		}
		maps[r.Segment][iy*seg.StepCount.X+ix] += int32(r.TotalCount)
	}
	return maps
}

// WriteResultMap streams the result map as a FITS cube of shape
// (maxX, maxY, segments).  Smaller segments are zero padded.
func WriteResultMap(w io.Writer, metadata []fitsio.Card, segments []GridSegmentSpec, raws []RawAnalysisResult) error {
	if len(segments) == 0 {
		return errors.New("no segments to map")
	}
	width, height := 0, 0
	for _, seg := range segments {
		if seg.StepCount.X > width {
			width = seg.StepCount.X
		}
		if seg.StepCount.Y > height {
			height = seg.StepCount.Y
		}
	}
	maps := ResultMap(segments, raws)
	cube := make([]int32, width*height*len(segments))
	for s, m := range maps {
		nx := segments[s].StepCount.X
		offset := s * width * height
		for idx, v := range m {
			x, y := idx%nx, idx/nx
			cube[offset+y*width+x] = v
		}
	}

	fits, err := fitsio.Create(w)
	if err != nil {
		return err
	}
	defer fits.Close()
	dims := []int{width, height, len(segments)}
	im := fitsio.NewImage(32, dims)
	defer im.Close()
	metadata = append(metadata, fitsio.Card{Name: "NSEGMENT", Value: len(segments), Comment: "number of grid segments"})
	err = im.Header().Append(metadata...)
	if err != nil {
		return err
	}
	err = im.Write(cube)
	if err != nil {
		return err
	}
	return fits.Write(im)
}
