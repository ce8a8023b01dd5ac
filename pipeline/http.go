package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"

	"github.com/mxlab/flyscan/generichttp"
	"github.com/mxlab/flyscan/runlog"
	"github.com/mxlab/flyscan/util"
	"github.com/mxlab/flyscan/xrc"
)

// RunLog is the history the HTTP interface serves past runs from
type RunLog interface {
	Get(ctx context.Context, runID string) (runlog.Record, error)
	Latest(ctx context.Context) (runlog.Record, error)
	Recent(ctx context.Context, n int) ([]runlog.Record, error)
}

// RunRequest is the body of POST /run
type RunRequest struct {
	SampleID      int64                 `json:"sample_id" yaml:"sample_id"`
	Segments      []xrc.GridSegmentSpec `json:"segments" yaml:"segments"`
	DCIDs         []int64               `json:"dcids" yaml:"dcids"`
	DataPath      string                `json:"data_path" yaml:"data_path"`
	MinTotalCount int                   `json:"min_total_count" yaml:"min_total_count"`
	Commissioning bool                  `json:"commissioning" yaml:"commissioning"`

	// ValidateTimeout is in seconds
	ValidateTimeout float64 `json:"validate_timeout" yaml:"validate_timeout"`

	// Hooks names the hook set to run with; empty uses the default
	Hooks string `json:"hooks" yaml:"hooks"`
}

// Params converts the request to run parameters
func (r RunRequest) Params() Params {
	return Params{
		SampleID:        r.SampleID,
		Segments:        r.Segments,
		DCIDs:           r.DCIDs,
		DataPath:        r.DataPath,
		MinTotalCount:   r.MinTotalCount,
		Commissioning:   r.Commissioning,
		ValidateTimeout: util.SecsToDuration(r.ValidateTimeout),
	}
}

// OutcomeT is the JSON form of an outcome
type OutcomeT struct {
	xrc.Outcome

	Error string `json:"error,omitempty"`
}

// HTTPWrapper exposes an Orchestrator driving one instrument over HTTP
type HTTPWrapper struct {
	*Orchestrator

	// Composite is the instrument runs are performed on
	Composite *Composite

	// LookupHooks resolves the hook set named in a run request
	LookupHooks func(name string) (Hooks, error)

	// Runs serves the history endpoints.  If nil they respond 404.
	Runs RunLog

	RouteTable generichttp.RouteTable

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(o *Orchestrator, comp *Composite, lookup func(string) (Hooks, error), runs RunLog) *HTTPWrapper {
	w := &HTTPWrapper{Orchestrator: o, Composite: comp, LookupHooks: lookup, Runs: runs}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/run"}:               w.HTTPRun,
		{Method: http.MethodPost, Path: "/abort"}:             w.HTTPAbort,
		{Method: http.MethodGet, Path: "/state"}:              w.HTTPState,
		{Method: http.MethodGet, Path: "/runs"}:               w.HTTPRecent,
		{Method: http.MethodGet, Path: "/runs/latest"}:        w.HTTPLatest,
		{Method: http.MethodGet, Path: "/runs/{id}"}:          w.HTTPGetRun,
		{Method: http.MethodGet, Path: "/runs/{id}/map.fits"}: w.HTTPResultMap,
	}
	return w
}

// RT satisfies the generichttp.HTTPer interface
func (h *HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

// StatusCode maps a run error to an HTTP status code
func StatusCode(err error) int {
	var (
		inv *xrc.ScanInvalidError
		hw  *xrc.HardwareFaultError
		ase *xrc.AnalysisServiceError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRunInProgress):
		return http.StatusLocked
	case errors.Is(err, context.Canceled):
		return http.StatusConflict
	case errors.As(err, &inv):
		return http.StatusUnprocessableEntity
	case errors.As(err, &ase):
		return http.StatusBadGateway
	case errors.As(err, &hw):
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// HTTPRun performs a run and responds with its outcome.  The run is aborted
// if the client goes away.
func (h *HTTPWrapper) HTTPRun(w http.ResponseWriter, r *http.Request) {
	req := RunRequest{}
	err := json.NewDecoder(r.Body).Decode(&req)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var hooks Hooks = NopHooks{}
	if h.LookupHooks != nil {
		hooks, err = h.LookupHooks(req.Hooks)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	out, err := h.runCancellable(ctx, cancel, req.Params(), hooks)
	if errors.Is(err, ErrRunInProgress) {
		http.Error(w, err.Error(), http.StatusLocked)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(err))
	json.NewEncoder(w).Encode(OutcomeT{Outcome: out, Error: out.ErrorText()})
}

// runCancellable performs a run, making cancel reachable from HTTPAbort
// while the run holds the run lock
func (h *HTTPWrapper) runCancellable(ctx context.Context, cancel context.CancelFunc, p Params, hooks Hooks) (xrc.Outcome, error) {
	return h.Orchestrator.run(ctx, h.Composite, p, hooks, func(locked bool) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if locked {
			h.cancel = cancel
		} else {
			h.cancel = nil
		}
	})
}

// HTTPAbort cancels the run in progress, if any.  The run still cleans up
// and publishes a failed outcome.
func (h *HTTPWrapper) HTTPAbort(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel == nil {
		http.Error(w, "no run in progress", http.StatusConflict)
		return
	}
	cancel()
	w.WriteHeader(http.StatusOK)
}

// HTTPState responds with the orchestrator status
func (h *HTTPWrapper) HTTPState(w http.ResponseWriter, r *http.Request) {
	generichttp.EncodeJSON(w, h.Status())
}

func (h *HTTPWrapper) respondRecord(w http.ResponseWriter, rec runlog.Record, err error) {
	if errors.Is(err, runlog.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	generichttp.EncodeJSON(w, rec)
}

func (h *HTTPWrapper) noLog(w http.ResponseWriter) bool {
	if h.Runs == nil {
		http.Error(w, "no run log configured", http.StatusNotFound)
		return true
	}
	return false
}

// HTTPRecent responds with the most recent runs, ?n= of them (default 10)
func (h *HTTPWrapper) HTTPRecent(w http.ResponseWriter, r *http.Request) {
	if h.noLog(w) {
		return
	}
	n := 10
	if s := r.URL.Query().Get("n"); s != "" {
		var err error
		n, err = strconv.Atoi(s)
		if err != nil || n < 1 {
			http.Error(w, "n must be a positive integer", http.StatusBadRequest)
			return
		}
	}
	recs, err := h.Runs.Recent(r.Context(), n)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []runlog.Record{}
	}
	generichttp.EncodeJSON(w, recs)
}

// HTTPLatest responds with the most recent run
func (h *HTTPWrapper) HTTPLatest(w http.ResponseWriter, r *http.Request) {
	if h.noLog(w) {
		return
	}
	rec, err := h.Runs.Latest(r.Context())
	h.respondRecord(w, rec, err)
}

// HTTPGetRun responds with the run named in the URL
func (h *HTTPWrapper) HTTPGetRun(w http.ResponseWriter, r *http.Request) {
	if h.noLog(w) {
		return
	}
	rec, err := h.Runs.Get(r.Context(), chi.URLParam(r, "id"))
	h.respondRecord(w, rec, err)
}

// HTTPResultMap responds with the result map of a run as a FITS cube
func (h *HTTPWrapper) HTTPResultMap(w http.ResponseWriter, r *http.Request) {
	if h.noLog(w) {
		return
	}
	rec, err := h.Runs.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, runlog.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	cards := []fitsio.Card{
		{Name: "RUNID", Value: rec.RunID, Comment: "pipeline run id"},
		{Name: "SAMPLE", Value: int(rec.SampleID), Comment: "sample id"},
		{Name: "OUTCOME", Value: rec.Kind.String()},
		{Name: "GEOMCRC", Value: int(rec.Fingerprint), Comment: "CRC-16 of the scan geometry"},
	}
	buf := &bytes.Buffer{}
	if err := xrc.WriteResultMap(buf, cards, rec.Segments, rec.Raw); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.Header().Set("Content-Type", "application/fits")
	w.Header().Set("Content-Disposition", "attachment; filename="+rec.RunID+".fits")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}
