package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/go-chi/chi"

	"github.com/mxlab/flyscan/device"
	"github.com/mxlab/flyscan/xrc"
)

var errIncomplete = errors.New("analysis not complete")

// ResultsT is the body of a results response
type ResultsT struct {
	Complete bool                    `json:"complete"`
	Results  []xrc.RawAnalysisResult `json:"results"`
}

// HTTPService is a client for an analysis service speaking JSON over HTTP
type HTTPService struct {
	// Addr is the base URL of the service
	Addr string

	Client *http.Client

	// PollPeriod is the interval between completion polls
	PollPeriod time.Duration

	// FetchTimeout bounds the wait for a run to complete
	FetchTimeout time.Duration
}

// NewHTTPService returns a new HTTPService
func NewHTTPService(addr string) *HTTPService {
	return &HTTPService{
		Addr:         strings.TrimRight(addr, "/"),
		Client:       &http.Client{Timeout: 10 * time.Second},
		PollPeriod:   100 * time.Millisecond,
		FetchTimeout: 60 * time.Second,
	}
}

func (h *HTTPService) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, h.Addr+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %s %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Stage opens a run
func (h *HTTPService) Stage(ctx context.Context, runID string) error {
	return h.do(ctx, http.MethodPost, "/runs/"+runID, nil, nil)
}

// RunStart announces a segment
func (h *HTTPService) RunStart(ctx context.Context, runID string, seg SegmentRun) error {
	return h.do(ctx, http.MethodPost, "/runs/"+runID+"/segments", seg, nil)
}

// RunEnd closes a segment
func (h *HTTPService) RunEnd(ctx context.Context, runID string, dcid int64) error {
	return h.do(ctx, http.MethodPost, "/runs/"+runID+"/segments/"+strconv.FormatInt(dcid, 10)+"/end", nil, nil)
}

// Release frees a run
func (h *HTTPService) Release(ctx context.Context, runID string) error {
	return h.do(ctx, http.MethodDelete, "/runs/"+runID, nil, nil)
}

// FetchResults polls the service at PollPeriod until the run is complete or
// FetchTimeout elapses
func (h *HTTPService) FetchResults(ctx context.Context, runID string) ([]xrc.RawAnalysisResult, error) {
	var (
		res     ResultsT
		hardErr error
	)
	op := func() error {
		err := h.do(ctx, http.MethodGet, "/runs/"+runID+"/results", nil, &res)
		if err != nil {
			hardErr = err
			return nil
		}
		if !res.Complete {
			return errIncomplete
		}
		return nil
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval:     h.PollPeriod,
		RandomizationFactor: 0.,
		Multiplier:          1.,
		MaxInterval:         h.PollPeriod,
		MaxElapsedTime:      h.FetchTimeout,
		Clock:               backoff.SystemClock}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))
	switch {
	case hardErr != nil:
		return nil, hardErr
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case err != nil:
		return nil, fmt.Errorf("waiting %v for run %s: %w", h.FetchTimeout, runID, device.ErrTimeout)
	}
	return res.Results, nil
}

// NewHandler serves a MockService over the protocol HTTPService speaks
func NewHandler(m *MockService) http.Handler {
	r := chi.NewRouter()
	r.Route("/runs/{run}", func(r chi.Router) {
		r.Post("/", func(w http.ResponseWriter, r *http.Request) {
			respond(w, m.Stage(r.Context(), chi.URLParam(r, "run")))
		})
		r.Delete("/", func(w http.ResponseWriter, r *http.Request) {
			respond(w, m.Release(r.Context(), chi.URLParam(r, "run")))
		})
		r.Post("/segments", func(w http.ResponseWriter, r *http.Request) {
			var seg SegmentRun
			err := json.NewDecoder(r.Body).Decode(&seg)
			defer r.Body.Close()
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			respond(w, m.RunStart(r.Context(), chi.URLParam(r, "run"), seg))
		})
		r.Post("/segments/{dcid}/end", func(w http.ResponseWriter, r *http.Request) {
			dcid, err := strconv.ParseInt(chi.URLParam(r, "dcid"), 10, 64)
			if err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			respond(w, m.RunEnd(r.Context(), chi.URLParam(r, "run"), dcid))
		})
		r.Get("/results", func(w http.ResponseWriter, r *http.Request) {
			results, done, err := m.Poll(chi.URLParam(r, "run"))
			if err != nil {
				respond(w, err)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			err = json.NewEncoder(w).Encode(ResultsT{Complete: done, Results: results})
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})
	})
	return r
}

func respond(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusOK)
	case errors.Is(err, ErrUnknownRun):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
