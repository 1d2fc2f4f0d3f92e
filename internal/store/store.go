// Package store persists per-frame results and tickers in SQLite.
package store

import (
	"database/sql"
	_ "embed"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/clalos/stream-ticker-detector/internal/pipeline"
	"github.com/clalos/stream-ticker-detector/internal/track"
)

//go:embed schema.sql
var schema string

// Store is a SQLite result sink.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path and applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RecordFrame stores the summary and the line outcomes of one frame.
func (s *Store) RecordFrame(res pipeline.Result) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	static, dynamic := res.Counts()
	var capturedAt any
	if !res.Timestamp.IsZero() {
		capturedAt = res.Timestamp.UTC()
	}
	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO frames
			(frame_index, captured_at, blocks, static_lines, dynamic_lines, describers, active_tickers)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		res.FrameIndex, capturedAt, res.Blocks, static, dynamic, len(res.Describers), len(res.Tracks.Active),
	); err != nil {
		return fmt.Errorf("failed to insert frame %d: %w", res.FrameIndex, err)
	}

	if _, err := tx.Exec(`DELETE FROM lines WHERE frame_index = ?`, res.FrameIndex); err != nil {
		return fmt.Errorf("failed to clear lines of frame %d: %w", res.FrameIndex, err)
	}
	for _, l := range res.Lines {
		if _, err := tx.Exec(`
			INSERT INTO lines (frame_index, x0, y0, x1, y1, class, direction, magnitude)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			res.FrameIndex, l.Region.Min.X, l.Region.Min.Y, l.Region.Max.X, l.Region.Max.Y,
			l.Class.String(), l.Motion.Direction.String(), l.Motion.Magnitude,
		); err != nil {
			return fmt.Errorf("failed to insert line of frame %d: %w", res.FrameIndex, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit frame %d: %w", res.FrameIndex, err)
	}
	return nil
}

// RecordTickers stores tickers with their state and their mosaic as raw 8-bit
// rows. A ticker recorded again replaces its earlier row, so tickers still
// active at the end of a stream can be written and later overwritten.
func (s *Store) RecordTickers(entities []track.Entity) error {
	if len(entities) == 0 {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, e := range entities {
		if _, err := tx.Exec(`
			INSERT OR REPLACE INTO tickers
				(ticker_id, first_frame, last_frame, periodicity, state, direction, mosaic_width, mosaic_height, mosaic)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.ID, e.FirstFrame, e.LastFrame, e.Periodicity, e.State.String(), e.Describer.Motion.Direction.String(),
			e.Mosaic.Width, e.Mosaic.Height, e.Mosaic.Pix,
		); err != nil {
			return fmt.Errorf("failed to insert ticker %s: %w", e.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit tickers: %w", err)
	}
	return nil
}
