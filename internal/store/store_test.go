package store

import (
	"image"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clalos/stream-ticker-detector/internal/classify"
	"github.com/clalos/stream-ticker-detector/internal/motion"
	"github.com/clalos/stream-ticker-detector/internal/pipeline"
	"github.com/clalos/stream-ticker-detector/internal/raster"
	"github.com/clalos/stream-ticker-detector/internal/track"
	"github.com/clalos/stream-ticker-detector/internal/verify"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "ticker.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordFrame(t *testing.T) {
	s := openStore(t)

	res := pipeline.Result{
		FrameIndex: 12,
		Timestamp:  time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Blocks:     2,
		Lines: []pipeline.LineResult{
			{Region: image.Rect(0, 0, 40, 11), Class: classify.Static},
			{Region: image.Rect(0, 20, 90, 31), Class: classify.Dynamic, Motion: motion.Vector{Direction: motion.Left, Magnitude: -4}},
		},
	}
	require.NoError(t, s.RecordFrame(res))
	// Recording the same frame again replaces it.
	require.NoError(t, s.RecordFrame(res))

	var static, dynamic, blocks int
	require.NoError(t, s.db.QueryRow(
		`SELECT static_lines, dynamic_lines, blocks FROM frames WHERE frame_index = ?`, 12,
	).Scan(&static, &dynamic, &blocks))
	assert.Equal(t, 1, static)
	assert.Equal(t, 1, dynamic)
	assert.Equal(t, 2, blocks)

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM lines WHERE frame_index = ?`, 12).Scan(&n))
	assert.Equal(t, 2, n)

	var dir string
	var mag int
	require.NoError(t, s.db.QueryRow(
		`SELECT direction, magnitude FROM lines WHERE class = 'DYNAMIC'`,
	).Scan(&dir, &mag))
	assert.Equal(t, "LEFT", dir)
	assert.Equal(t, -4, mag)
}

func TestRecordTickers(t *testing.T) {
	s := openStore(t)
	require.NoError(t, s.RecordTickers(nil))

	mosaic := raster.Gray{Width: 3, Height: 1, Pix: []uint8{1, 2, 3}}
	e := track.Entity{
		ID:          "b7d1f3c2-4a8e-4f0a-9d2b-0c1e2f3a4b5c",
		Describer:   verify.Describer{Motion: motion.Vector{Direction: motion.Left, Magnitude: -3}},
		State:       track.Ended,
		Periodicity: 9,
		Mosaic:      mosaic,
		FirstFrame:  4,
		LastFrame:   12,
	}
	require.NoError(t, s.RecordTickers([]track.Entity{e}))

	var periodicity, width int
	var state, dir string
	var pix []byte
	require.NoError(t, s.db.QueryRow(
		`SELECT periodicity, state, direction, mosaic_width, mosaic FROM tickers WHERE ticker_id = ?`, e.ID,
	).Scan(&periodicity, &state, &dir, &width, &pix))
	assert.Equal(t, 9, periodicity)
	assert.Equal(t, "ENDED", state)
	assert.Equal(t, "LEFT", dir)
	assert.Equal(t, 3, width)
	assert.Equal(t, []byte{1, 2, 3}, pix)
}

func TestRecordTickersReplacesActive(t *testing.T) {
	s := openStore(t)

	e := track.Entity{
		ID:          "4c0f7a9e-2b1d-4e3a-8f5c-6d7e8f9a0b1c",
		Describer:   verify.Describer{Motion: motion.Vector{Direction: motion.Left, Magnitude: -6}},
		State:       track.Tracking,
		Periodicity: 3,
		Mosaic:      raster.Gray{Width: 2, Height: 1, Pix: []uint8{7, 8}},
		FirstFrame:  1,
		LastFrame:   3,
	}
	require.NoError(t, s.RecordTickers([]track.Entity{e}))

	e.State = track.Ended
	e.LastFrame = 9
	require.NoError(t, s.RecordTickers([]track.Entity{e}))

	var n int
	require.NoError(t, s.db.QueryRow(`SELECT COUNT(*) FROM tickers`).Scan(&n))
	assert.Equal(t, 1, n)

	var state string
	var last int64
	require.NoError(t, s.db.QueryRow(
		`SELECT state, last_frame FROM tickers WHERE ticker_id = ?`, e.ID,
	).Scan(&state, &last))
	assert.Equal(t, "ENDED", state)
	assert.Equal(t, int64(9), last)
}
