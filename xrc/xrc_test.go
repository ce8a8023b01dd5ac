package xrc

import (
	"bytes"
	"errors"
	"io"
	"log"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"gonum.org/v1/gonum/spatial/r3"
)

var quiet = log.New(io.Discard, "", 0)

func twoSegments() []GridSegmentSpec {
	return []GridSegmentSpec{
		{
			Start:     r3.Vec{X: 0, Y: 0, Z: 0},
			StepSize:  r3.Vec{X: 0.02, Y: 0.02, Z: 0.02},
			StepCount: Counts{X: 5, Y: 4},
		},
		{
			Start:            r3.Vec{X: 0, Y: 0, Z: 0},
			StepSize:         r3.Vec{X: 0.02, Y: 0.02, Z: 0.02},
			StepCount:        Counts{X: 5, Y: 3},
			RotationAngleDeg: 90,
		},
	}
}

func TestScanIndexTable(t *testing.T) {
	tbl := NewScanIndexTable(twoSegments())
	if diff := cmp.Diff(ScanIndexTable{0, 20, 35}, tbl); diff != "" {
		t.Errorf("scan index table mismatch (-want +got):\n%s", diff)
	}
	if tbl.Segments() != 2 {
		t.Errorf("expected 2 segments, got %d", tbl.Segments())
	}
	if tbl.Total() != 35 {
		t.Errorf("expected 35 frames, got %d", tbl.Total())
	}
	start, count := tbl.Range(1)
	if start != 20 || count != 15 {
		t.Errorf("expected segment 1 to span 20+15, got %d+%d", start, count)
	}
}

func TestScanIndexTableStrictlyIncreasing(t *testing.T) {
	segs := append(twoSegments(), GridSegmentSpec{StepCount: Counts{X: 1, Y: 1}})
	tbl := NewScanIndexTable(segs)
	if len(tbl) != len(segs)+1 {
		t.Fatalf("expected %d entries, got %d", len(segs)+1, len(tbl))
	}
	for i := 1; i < len(tbl); i++ {
		if tbl[i] <= tbl[i-1] {
			t.Errorf("table not strictly increasing at %d: %v", i, tbl)
		}
	}
}

func TestFilterThresholdInvariant(t *testing.T) {
	const threshold = 1000
	raws := []RawAnalysisResult{
		{TotalCount: 0}, {TotalCount: 999}, {TotalCount: 1000}, {TotalCount: 1001}, {TotalCount: 50000},
	}
	kept, discarded := Filter(raws, threshold)
	if discarded != 2 {
		t.Errorf("expected 2 discarded, got %d", discarded)
	}
	for _, r := range raws {
		found := false
		for _, k := range kept {
			if k == r {
				found = true
			}
		}
		if found != (r.TotalCount >= threshold) {
			t.Errorf("result with total count %d: kept=%v, threshold %d", r.TotalCount, found, threshold)
		}
	}
}

func TestEndToEndFilterPreservesOrder(t *testing.T) {
	segs := twoSegments()
	raws := []RawAnalysisResult{
		{CentreOfMass: [3]float64{1, 2, 3}, TotalCount: 50000, MaxCount: 900},
		{CentreOfMass: [3]float64{2, 2, 2}, TotalCount: 500, MaxCount: 20},
		{CentreOfMass: [3]float64{3, 1, 1}, TotalCount: 1000, MaxCount: 50},
	}
	out, err := FilterAndTransform(raws, segs, Policy{MinTotalCount: 1000, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	got := []int{}
	for _, r := range out {
		got = append(got, r.TotalCount)
	}
	if diff := cmp.Diff([]int{50000, 1000}, got); diff != "" {
		t.Errorf("filtered counts mismatch (-want +got):\n%s", diff)
	}
}

func TestBoundingBoxCorrection(t *testing.T) {
	box := CorrectBoundingBox([2][3]int{{5, 5, 5}, {6, 6, 6}})
	want := [2]r3.Vec{{X: 4.5, Y: 4.5, Z: 4.5}, {X: 5.5, Y: 5.5, Z: 5.5}}
	if box != want {
		t.Errorf("expected corners %v, got %v", want, box)
	}

	seg := twoSegments()[0]
	res := Transform(RawAnalysisResult{BoundingBox: [2][3]int{{5, 5, 5}, {6, 6, 6}}}, seg)
	approx := cmpopts.EquateApprox(0, 1e-12)
	wantMm := [2]r3.Vec{{X: 0.09, Y: 0.09, Z: 0.09}, {X: 0.11, Y: 0.11, Z: 0.11}}
	if diff := cmp.Diff(wantMm, res.BoundingBoxMm, approx); diff != "" {
		t.Errorf("bounding box in mm mismatch (-want +got):\n%s", diff)
	}
}

func TestCentreOfMassIsNotShifted(t *testing.T) {
	seg := GridSegmentSpec{Start: r3.Vec{X: 1, Y: 2, Z: 3}, StepSize: r3.Vec{X: 0.1, Y: 0.2, Z: 0.3}}
	res := Transform(RawAnalysisResult{CentreOfMass: [3]float64{10, 10, 10}}, seg)
	want := r3.Vec{X: 2, Y: 4, Z: 6}
	if r3.Norm(r3.Sub(want, res.CentreOfMassMm)) > 1e-12 {
		t.Errorf("expected centre of mass %v, got %v", want, res.CentreOfMassMm)
	}
}

func TestTransformIsPure(t *testing.T) {
	seg := twoSegments()[1]
	raw := RawAnalysisResult{
		CentreOfMass: [3]float64{1.25, 2.5, 0.125},
		BoundingBox:  [2][3]int{{0, 1, 0}, {3, 3, 2}},
		MaxCount:     77, TotalCount: 12345, SampleID: 9}
	a := Transform(raw, seg)
	b := Transform(raw, seg)
	if a != b {
		t.Errorf("transform not deterministic: %+v != %+v", a, b)
	}
	if a.MaxCount != 77 || a.TotalCount != 12345 || a.SampleID != 9 {
		t.Errorf("counts or sample id not carried through: %+v", a)
	}
}

func TestTransformUsesOriginatingSegment(t *testing.T) {
	segs := []GridSegmentSpec{
		{StepSize: r3.Vec{X: 1, Y: 1, Z: 1}, StepCount: Counts{X: 1, Y: 1}},
		{Start: r3.Vec{X: 10, Y: 10, Z: 10}, StepSize: r3.Vec{X: 1, Y: 1, Z: 1}, StepCount: Counts{X: 1, Y: 1}},
	}
	raws := []RawAnalysisResult{{CentreOfMass: [3]float64{1, 1, 1}, TotalCount: 10, Segment: 1}}
	out, err := FilterAndTransform(raws, segs, Policy{MinTotalCount: 1, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	if out[0].CentreOfMassMm != (r3.Vec{X: 11, Y: 11, Z: 11}) {
		t.Errorf("expected segment 1 origin to be used, got %v", out[0].CentreOfMassMm)
	}

	raws[0].Segment = 2
	_, err = FilterAndTransform(raws, segs, Policy{MinTotalCount: 1, Logger: quiet})
	var aerr *AnalysisServiceError
	if !errors.As(err, &aerr) {
		t.Errorf("expected AnalysisServiceError for out of range segment, got %v", err)
	}
}

func TestNoDiffraction(t *testing.T) {
	raws := []RawAnalysisResult{{TotalCount: 1}}
	_, err := FilterAndTransform(raws, twoSegments(), Policy{MinTotalCount: 1000, Logger: quiet})
	if !errors.Is(err, ErrNoDiffraction) {
		t.Fatalf("expected no diffraction, got %v", err)
	}
	var nd *NoDiffractionFoundError
	if !errors.As(err, &nd) || nd.Discarded != 1 {
		t.Errorf("expected one discarded result, got %v", err)
	}
}

func TestCommissioningFallback(t *testing.T) {
	segs := twoSegments()
	out, err := FilterAndTransform(nil, segs, Policy{MinTotalCount: 3, Commissioning: true, SampleID: 42, Logger: quiet})
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected exactly one dummy result, got %d", len(out))
	}
	d := out[0]
	if d.SampleID != 42 || d.MaxCount != 10000 || d.TotalCount == 0 {
		t.Errorf("unexpected dummy result %+v", d)
	}
	// 5x4 in plane from segment 0, 3 deep from the 90 degree segment 1
	want := r3.Vec{X: 0.05, Y: 0.04, Z: 0.03}
	if r3.Norm(r3.Sub(want, d.CentreOfMassMm)) > 1e-9 {
		t.Errorf("expected dummy centre %v, got %v", want, d.CentreOfMassMm)
	}
	inGrid := Transform(RawAnalysisResult{CentreOfMass: [3]float64{2.5, 2, 1.5}}, segs[0])
	if r3.Norm(r3.Sub(inGrid.CentreOfMassMm, d.CentreOfMassMm)) > 1e-9 {
		t.Errorf("dummy centre %v is not in the frame of real results %v", d.CentreOfMassMm, inGrid.CentreOfMassMm)
	}

	single := DummyResult(segs[:1], 42)
	if r3.Norm(r3.Sub(segs[0].Midpoint(), single.CentreOfMassMm)) > 1e-9 {
		t.Errorf("single segment dummy should be at its midpoint %v, got %v", segs[0].Midpoint(), single.CentreOfMassMm)
	}
}

func TestSelectors(t *testing.T) {
	results := []TransformedResult{{TotalCount: 5}, {TotalCount: 50}, {TotalCount: 20}, {TotalCount: 50, SampleID: 2}}
	top := TopN(2)(results)
	if len(top) != 2 || top[0].TotalCount != 50 || top[0].SampleID != 0 || top[1].SampleID != 2 {
		t.Errorf("TopN(2) returned %+v", top)
	}
	if results[0].TotalCount != 5 {
		t.Error("TopN reordered its input")
	}
	if b := Best(results); len(b) != 1 || b[0].TotalCount != 50 {
		t.Errorf("Best returned %+v", b)
	}
	if f := First(results); len(f) != 1 || f[0].TotalCount != 5 {
		t.Errorf("First returned %+v", f)
	}
	if First(nil) != nil {
		t.Error("First of nothing should be nil")
	}
	if got := TopN(10)(results); len(got) != len(results) {
		t.Errorf("TopN larger than input should keep everything, got %d", len(got))
	}
	if got := TopN(-1)(results); len(got) != 0 {
		t.Errorf("negative TopN should keep nothing, got %d", len(got))
	}
}

func TestFingerprintTracksGeometry(t *testing.T) {
	a := twoSegments()
	b := twoSegments()
	if Fingerprint(a) != Fingerprint(b) {
		t.Error("identical geometry produced different fingerprints")
	}
	b[1].StepCount.Y++
	if Fingerprint(a) == Fingerprint(b) {
		t.Error("changed geometry produced the same fingerprint")
	}
}

func TestWriteResultMap(t *testing.T) {
	raws := []RawAnalysisResult{
		{CentreOfMass: [3]float64{1.5, 2.5, 0}, TotalCount: 100},
		{CentreOfMass: [3]float64{1.2, 2.9, 0}, TotalCount: 20},
		{CentreOfMass: [3]float64{99, 99, 0}, TotalCount: 1},
	}
	maps := ResultMap(twoSegments(), raws)
	if got := maps[0][2*5+1]; got != 120 {
		t.Errorf("expected 120 counts at (1,2), got %d", got)
	}
	var buf bytes.Buffer
	if err := WriteResultMap(&buf, nil, twoSegments(), raws); err != nil {
		t.Fatal(err)
	}
	if !bytes.HasPrefix(buf.Bytes(), []byte("SIMPLE")) {
		t.Error("output does not start with a FITS primary header")
	}
	if buf.Len()%2880 != 0 {
		t.Errorf("FITS output must be a multiple of 2880 bytes, got %d", buf.Len())
	}
}

func TestMidpointRotation(t *testing.T) {
	seg := GridSegmentSpec{StepSize: r3.Vec{X: 1, Y: 1}, StepCount: Counts{X: 2, Y: 4}, RotationAngleDeg: 90}
	m := seg.Midpoint()
	if math.Abs(m.X-1) > 1e-12 || math.Abs(m.Y) > 1e-12 || math.Abs(m.Z-2) > 1e-12 {
		t.Errorf("expected 90 degree segment to sweep Z, got %v", m)
	}
}

func TestOutcomeKindText(t *testing.T) {
	for _, k := range []OutcomeKind{OutcomeFailed, OutcomeResults, OutcomeNoDiffraction} {
		b, _ := k.MarshalText()
		var back OutcomeKind
		if err := back.UnmarshalText(b); err != nil || back != k {
			t.Errorf("%v did not survive text encoding: %v %v", k, back, err)
		}
	}
	if _, err := ParseOutcomeKind("bogus"); err == nil {
		t.Error("expected error parsing unknown kind")
	}
}
