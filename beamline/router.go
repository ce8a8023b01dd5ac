package beamline

import (
	"context"
	"fmt"
	"sync"

	"github.com/mxlab/flyscan/scpi"
)

// MockRouter is a TriggerRouter that remembers its routes
type MockRouter struct {
	// Err, if not nil, is returned by Route
	Err error

	mu     sync.Mutex
	routes []string
}

// Route records source
func (m *MockRouter) Route(ctx context.Context, source string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes = append(m.routes, source)
	return m.Err
}

// Routes returns the routes requested so far
func (m *MockRouter) Routes() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.routes...)
}

// Current returns the last route, or SourceOff
func (m *MockRouter) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.routes) == 0 {
		return SourceOff
	}
	return m.routes[len(m.routes)-1]
}

// SCPIRouter routes triggers on an SCPI trigger distribution box
type SCPIRouter struct {
	*scpi.SCPI

	// Output is the box output cabled to the detector trigger input
	Output int
}

// NewSCPIRouter returns a router on the box at addr.  Handshaking is enabled
// so a refused route is reported.
func NewSCPIRouter(addr string, output int) *SCPIRouter {
	return &SCPIRouter{SCPI: scpi.New(addr, true), Output: output}
}

// Route selects source for the detector output and checks it took effect
func (r *SCPIRouter) Route(ctx context.Context, source string) error {
	if err := r.Write(fmt.Sprintf(":ROUTe:OUTPut%d:SOURce %s", r.Output, source)); err != nil {
		return err
	}
	got, err := r.ReadString(fmt.Sprintf(":ROUTe:OUTPut%d:SOURce?", r.Output))
	if err != nil {
		return err
	}
	if got != source {
		return fmt.Errorf("output %d routed to %s, wanted %s", r.Output, got, source)
	}
	return nil
}

// SCPIReader is a device.SignalReader over SCPI.  Each signal name maps to
// the query that reads it.
type SCPIReader struct {
	*scpi.SCPI

	Queries map[string]string
}

// ReadSignal runs the query of name and parses the response as a float
func (r *SCPIReader) ReadSignal(ctx context.Context, name string) (float64, error) {
	q, ok := r.Queries[name]
	if !ok {
		return 0, fmt.Errorf("no query for signal %q", name)
	}
	return r.ReadFloat(q)
}
