package device

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Snapshot is a named set of ancillary readings taken at one instant, e.g.
// beam energy and slit gaps before the scan
type Snapshot struct {
	Name     string             `json:"name"`
	Time     time.Time          `json:"time"`
	Readings map[string]float64 `json:"readings"`
}

// Signal names one scalar on a reader
type Signal struct {
	// Label is the key the value is stored under in the snapshot
	Label string

	// Name is the name of the signal on the reader
	Name string

	Reader SignalReader
}

// ReadSet is a list of signals read together into a Snapshot
type ReadSet struct {
	Name    string
	Signals []Signal
}

// Read reads every signal in order.  The first failing read aborts the
// snapshot.
func (rs ReadSet) Read(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Name: rs.Name, Time: time.Now(), Readings: make(map[string]float64, len(rs.Signals))}
	for _, sig := range rs.Signals {
		v, err := sig.Reader.ReadSignal(ctx, sig.Name)
		if err != nil {
			return snap, fmt.Errorf("reading %s for %s: %w", sig.Name, rs.Name, err)
		}
		snap.Readings[sig.Label] = v
	}
	return snap, nil
}

// SnapshotLog keeps the snapshots of one run in the order they were taken.
// It is safe for concurrent use.
type SnapshotLog struct {
	mu    sync.Mutex
	snaps []Snapshot
}

// Append records a snapshot
func (l *SnapshotLog) Append(s Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = append(l.snaps, s)
}

// All returns a copy of the recorded snapshots
func (l *SnapshotLog) All() []Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Snapshot, len(l.snaps))
	copy(out, l.snaps)
	return out
}

// Reset drops every recorded snapshot
func (l *SnapshotLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.snaps = nil
}

// StaticReader is a SignalReader backed by a map, for simulation and tests
type StaticReader struct {
	sync.Mutex
	Values map[string]float64
}

// ReadSignal returns the stored value of name
func (r *StaticReader) ReadSignal(ctx context.Context, name string) (float64, error) {
	r.Lock()
	defer r.Unlock()
	v, ok := r.Values[name]
	if !ok {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return v, nil
}
