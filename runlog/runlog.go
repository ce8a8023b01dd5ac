// Package runlog keeps a record of every pipeline outcome in a sqlite database
package runlog

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"gonum.org/v1/gonum/spatial/r3"
	_ "modernc.org/sqlite"

	"github.com/mxlab/flyscan/util"
	"github.com/mxlab/flyscan/xrc"
)

// ErrNotFound is generated when a run is not in the log
var ErrNotFound = errors.New("run not found")

// schema.sql creates the runs and results tables
//
//go:embed schema.sql
var schemaSQL string

// Store is a run log backed by sqlite
type Store struct {
	*sql.DB

	Logger *log.Logger
}

// Record is one logged run
type Record struct {
	xrc.Outcome

	ScanIndex xrc.ScanIndexTable `json:"scan_index"`
	Error     string             `json:"error,omitempty"`
	Created   time.Time          `json:"created"`
}

// Open opens (creating if needed) the run log at path.  ":memory:" gives an
// in-memory log.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// one connection, so an in-memory database is shared by every query
	db.SetMaxOpenConns(1)

	_, err = db.Exec(schemaSQL)
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db, Logger: log.Default()}, nil
}

// Publish records an outcome and its results
func (s *Store) Publish(ctx context.Context, o xrc.Outcome) error {
	segs, err := json.Marshal(o.Segments)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(o.Raw)
	if err != nil {
		return err
	}
	table := xrc.NewScanIndexTable(o.Segments)

	tx, err := s.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO runs (run_id, sample_id, kind, error, fingerprint, scan_index, segments_json, raw_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, o.RunID, o.SampleID, o.Kind.String(), o.ErrorText(), int(o.Fingerprint),
		util.IntSliceToCSV(table), string(segs), string(raw))
	if err != nil {
		return fmt.Errorf("failed to insert run %s: %v", o.RunID, err)
	}

	for rank, r := range o.Results {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO results (run_id, rank, com_x, com_y, com_z, bb0_x, bb0_y, bb0_z,
				bb1_x, bb1_y, bb1_z, max_count, total_count, sample_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, o.RunID, rank,
			r.CentreOfMassMm.X, r.CentreOfMassMm.Y, r.CentreOfMassMm.Z,
			r.BoundingBoxMm[0].X, r.BoundingBoxMm[0].Y, r.BoundingBoxMm[0].Z,
			r.BoundingBoxMm[1].X, r.BoundingBoxMm[1].Y, r.BoundingBoxMm[1].Z,
			r.MaxCount, r.TotalCount, r.SampleID)
		if err != nil {
			return fmt.Errorf("failed to insert result %d of run %s: %v", rank, o.RunID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	if s.Logger != nil {
		s.Logger.Printf("logged run %s (%s, %d results)", o.RunID, o.Kind, len(o.Results))
	}
	return nil
}

const selectRun = `
	SELECT run_id, sample_id, kind, error, fingerprint, scan_index, segments_json, raw_json, created_at
	FROM runs
`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Record, error) {
	var (
		rec                    Record
		kind, index, segs, raw string
		fingerprint            int
		created                float64
	)
	err := row.Scan(&rec.RunID, &rec.SampleID, &kind, &rec.Error, &fingerprint, &index, &segs, &raw, &created)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	rec.Kind, err = xrc.ParseOutcomeKind(kind)
	if err != nil {
		return rec, err
	}
	rec.Fingerprint = uint16(fingerprint)
	ints, err := util.CSVToIntSlice(index)
	if err != nil {
		return rec, err
	}
	rec.ScanIndex = xrc.ScanIndexTable(ints)
	if err := json.Unmarshal([]byte(segs), &rec.Segments); err != nil {
		return rec, err
	}
	if err := json.Unmarshal([]byte(raw), &rec.Raw); err != nil {
		return rec, err
	}
	sec, frac := math.Modf(created)
	rec.Created = time.Unix(int64(sec), int64(frac*1e9))
	if rec.Error != "" {
		rec.Err = errors.New(rec.Error)
	}
	return rec, nil
}

func (s *Store) results(ctx context.Context, runID string) ([]xrc.TransformedResult, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT com_x, com_y, com_z, bb0_x, bb0_y, bb0_z, bb1_x, bb1_y, bb1_z, max_count, total_count, sample_id
		FROM results WHERE run_id = ? ORDER BY rank
	`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []xrc.TransformedResult
	for rows.Next() {
		var (
			r         xrc.TransformedResult
			c, b0, b1 r3.Vec
		)
		err := rows.Scan(&c.X, &c.Y, &c.Z, &b0.X, &b0.Y, &b0.Z, &b1.X, &b1.Y, &b1.Z, &r.MaxCount, &r.TotalCount, &r.SampleID)
		if err != nil {
			return nil, err
		}
		r.CentreOfMassMm = c
		r.BoundingBoxMm = [2]r3.Vec{b0, b1}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) fill(ctx context.Context, rec Record, err error) (Record, error) {
	if err != nil {
		return rec, err
	}
	rec.Results, err = s.results(ctx, rec.RunID)
	return rec, err
}

// Get returns the run with the given id
func (s *Store) Get(ctx context.Context, runID string) (Record, error) {
	rec, err := scanRun(s.QueryRowContext(ctx, selectRun+" WHERE run_id = ?", runID))
	return s.fill(ctx, rec, err)
}

// Latest returns the most recently logged run
func (s *Store) Latest(ctx context.Context) (Record, error) {
	rec, err := scanRun(s.QueryRowContext(ctx, selectRun+" ORDER BY rowid DESC LIMIT 1"))
	return s.fill(ctx, rec, err)
}

// Recent returns up to n runs, newest first, without their results
func (s *Store) Recent(ctx context.Context, n int) ([]Record, error) {
	rows, err := s.QueryContext(ctx, selectRun+" ORDER BY rowid DESC LIMIT ?", n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
