package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mxlab/flyscan/device"
)

// SimplonVersion is the API version used in request paths
const SimplonVersion = "1.8.0"

// Simplon is a detector controlled over the SIMPLON REST API
type Simplon struct {
	// Addr is the base URL of the detector, e.g. http://10.0.0.5
	Addr string

	Client *http.Client

	mu    sync.Mutex
	seqID int
}

// NewSimplon returns a new Simplon client
func NewSimplon(addr string) *Simplon {
	return &Simplon{
		Addr:   strings.TrimRight(addr, "/"),
		Client: &http.Client{Timeout: 30 * time.Second},
	}
}

type valueT struct {
	Value interface{} `json:"value"`
}

// put issues a PUT to subsystem/api/version/path with an optional value and
// decodes the response into out if it is not nil
func (s *Simplon) put(ctx context.Context, subsystem, path string, value interface{}, out interface{}) error {
	url := fmt.Sprintf("%s/%s/api/%s/%s", s.Addr, subsystem, SimplonVersion, path)
	var body io.Reader
	if value != nil {
		b, err := json.Marshal(valueT{Value: value})
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, body)
	if err != nil {
		return err
	}
	if value != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("PUT %s: %s %s", path, resp.Status, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	err = json.NewDecoder(resp.Body).Decode(out)
	if err == io.EOF {
		return nil
	}
	return err
}

// SetFrameCount sets nimages, with a single trigger for the series
func (s *Simplon) SetFrameCount(ctx context.Context, n int) error {
	if err := s.put(ctx, "detector", "config/ntrigger", 1, nil); err != nil {
		return err
	}
	return s.put(ctx, "detector", "config/nimages", n, nil)
}

// SetCountTime sets the exposure time of each frame
func (s *Simplon) SetCountTime(ctx context.Context, secs float64) error {
	return s.put(ctx, "detector", "config/count_time", secs, nil)
}

// StageAsync sends the arm command in the background.  The detector replies
// once armed, which finishes the status.
func (s *Simplon) StageAsync(ctx context.Context) (*device.Status, error) {
	st := device.NewStatus()
	go func() {
		var resp struct {
			SequenceID int `json:"sequence id"`
		}
		err := s.put(ctx, "detector", "command/arm", nil, &resp)
		if err == nil {
			s.mu.Lock()
			s.seqID = resp.SequenceID
			s.mu.Unlock()
		}
		st.Finish(err)
	}()
	return st, nil
}

// SequenceID returns the series id of the last successful arm
func (s *Simplon) SequenceID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seqID
}

// Unstage disarms the detector
func (s *Simplon) Unstage(ctx context.Context) error {
	return s.put(ctx, "detector", "command/disarm", nil, nil)
}

// SetStreaming enables or disables the stream subsystem
func (s *Simplon) SetStreaming(ctx context.Context, enabled bool) error {
	mode := "disabled"
	if enabled {
		mode = "enabled"
	}
	return s.put(ctx, "stream", "config/mode", mode, nil)
}
