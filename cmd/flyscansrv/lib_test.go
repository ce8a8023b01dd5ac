package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mxlab/flyscan/pipeline"
	"github.com/mxlab/flyscan/xrc"
)

const request = `
sample_id: 99
hooks: sequence
min_total_count: 1000
validate_timeout: 0.5
dcids: [11, 12]
segments:
  - start: {x: 0.1, y: 0.2, z: 0.3}
    stepSize: {x: 0.02, y: 0.02, z: 0.02}
    stepCount: {x: 5, y: 4}
  - start: {x: 0.1, y: 0.2, z: 0.3}
    stepSize: {x: 0.02, y: 0.02, z: 0.02}
    stepCount: {x: 5, y: 3}
    rotationAngleDeg: 90
`

func TestLoadRequest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "req.yml")
	require.NoError(t, os.WriteFile(path, []byte(request), 0o644))
	req, err := LoadRequest(path)
	require.NoError(t, err)
	assert.Equal(t, int64(99), req.SampleID)
	assert.Equal(t, "sequence", req.Hooks)
	require.Len(t, req.Segments, 2)
	assert.Equal(t, xrc.Counts{X: 5, Y: 3}, req.Segments[1].StepCount)
	assert.Equal(t, 90.0, req.Segments[1].RotationAngleDeg)
	assert.Equal(t, 0.02, req.Segments[0].StepSize.Y)

	_, err = LoadRequest(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func mockConfig() Config {
	c := DefaultConfig()
	c.RunLog = ":memory:"
	c.Recorder.Root = ""
	c.Motion.PollPeriod = 0.005
	c.Motion.CounterPeriod = 0.001
	return c
}

func TestBuildInstrumentRejectsBadSignal(t *testing.T) {
	c := mockConfig()
	c.Trigger.Signals = append(c.Trigger.Signals, SignalSetup{Label: "x", When: "after"})
	_, err := BuildInstrument(c)
	assert.Error(t, err)

	c = mockConfig()
	c.Hooks = "gonio"
	_, err = BuildInstrument(c)
	assert.Error(t, err)
}

func TestMockServer(t *testing.T) {
	c := mockConfig()
	in, err := BuildInstrument(c)
	require.NoError(t, err)
	defer in.Close()
	srv := httptest.NewServer(BuildMux(c, in, NewOrchestrator(c, in)))
	defer srv.Close()

	req := pipeline.RunRequest{
		SampleID: 5,
		Segments: []xrc.GridSegmentSpec{
			{StepCount: xrc.Counts{X: 5, Y: 4}},
			{StepCount: xrc.Counts{X: 5, Y: 3}, RotationAngleDeg: 90},
		},
		DCIDs:           []int64{1, 2},
		MinTotalCount:   1000,
		ValidateTimeout: 0.5,
	}
	body, _ := json.Marshal(req)
	resp, err := http.Post(srv.URL+"/flyscan/run", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var out pipeline.OutcomeT
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, out.Error)
	assert.Equal(t, xrc.OutcomeResults, out.Kind)
	assert.Len(t, out.Results, 2)

	resp, err = http.Get(srv.URL + "/flyscan/runs/" + out.RunID)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the operator lock refuses new runs but not reads
	resp, err = http.Post(srv.URL+"/flyscan/lock", "application/json", bytes.NewBufferString(`{"bool": true}`))
	require.NoError(t, err)
	resp.Body.Close()
	resp, err = http.Post(srv.URL+"/flyscan/run", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusLocked, resp.StatusCode)
	resp, err = http.Get(srv.URL + "/flyscan/motion/state")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/flyscan/route-list")
	require.NoError(t, err)
	var routes []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&routes))
	resp.Body.Close()
	assert.Contains(t, routes, "POST /run")
	assert.Contains(t, routes, "GET /motion/counter")

	resp, err = http.Get(srv.URL + "/sim/analysis/runs/nope/results")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRecorderWired(t *testing.T) {
	c := mockConfig()
	c.Recorder.Root = t.TempDir()
	in, err := BuildInstrument(c)
	require.NoError(t, err)
	defer in.Close()
	require.NotNil(t, in.Recorder)
	o := NewOrchestrator(c, in)
	assert.Len(t, o.Publishers, 3)

	srv := httptest.NewServer(BuildMux(c, in, o))
	defer srv.Close()
	resp, err := http.Get(srv.URL + "/flyscan/autowrite/prefix")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestListenURL(t *testing.T) {
	assert.Equal(t, "http://127.0.0.1:8000", listenURL(":8000"))
	assert.Equal(t, "http://10.0.0.2:8000", listenURL("10.0.0.2:8000"))
}
