package main

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/clalos/stream-ticker-detector/internal/classify"
	"github.com/clalos/stream-ticker-detector/internal/pipeline"
	"github.com/clalos/stream-ticker-detector/internal/raster"
	"github.com/clalos/stream-ticker-detector/internal/store"
	"github.com/clalos/stream-ticker-detector/internal/track"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseFlags(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "ticker.yaml")
	if err := os.WriteFile(cfgPath, []byte("classify:\n  policy: liu\npipeline:\n  workers: 2\n"), 0o644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	tests := []struct {
		name       string
		args       []string
		want       *Config
		wantPolicy string
		wantErr    bool
	}{
		{
			name: "valid basic config",
			args: []string{"-url", "rtsp://example.com"},
			want: &Config{
				URL:       "rtsp://example.com",
				LogFormat: "json",
				Workers:   4,
			},
			wantPolicy: classify.PolicyKim,
		},
		{
			name: "valid config with all options",
			args: []string{
				"-url", "news.mp4",
				"-interval", "2s",
				"-logfmt", "kv",
				"-verbose",
				"-workers", "8",
				"-db", "tickers.db",
				"-max-frames", "300",
			},
			want: &Config{
				URL:       "news.mp4",
				Interval:  2 * time.Second,
				LogFormat: "kv",
				Verbose:   true,
				Workers:   8,
				DBPath:    "tickers.db",
				MaxFrames: 300,
			},
			wantPolicy: classify.PolicyKim,
		},
		{
			name: "config file",
			args: []string{"-url", "news.mp4", "-config", cfgPath},
			want: &Config{
				URL:        "news.mp4",
				ConfigPath: cfgPath,
				LogFormat:  "json",
				Workers:    2,
			},
			wantPolicy: classify.PolicyLiu,
		},
		{
			name: "workers flag overrides config file",
			args: []string{"-url", "news.mp4", "-config", cfgPath, "-workers", "6"},
			want: &Config{
				URL:        "news.mp4",
				ConfigPath: cfgPath,
				LogFormat:  "json",
				Workers:    6,
			},
			wantPolicy: classify.PolicyLiu,
		},
		{
			name:    "missing url",
			args:    []string{"-interval", "1s"},
			wantErr: true,
		},
		{
			name:    "invalid log format",
			args:    []string{"-url", "rtsp://example.com", "-logfmt", "invalid"},
			wantErr: true,
		},
		{
			name:    "negative interval",
			args:    []string{"-url", "rtsp://example.com", "-interval", "-1s"},
			wantErr: true,
		},
		{
			name:    "negative workers",
			args:    []string{"-url", "rtsp://example.com", "-workers", "-2"},
			wantErr: true,
		},
		{
			name:    "negative max frames",
			args:    []string{"-url", "rtsp://example.com", "-max-frames", "-1"},
			wantErr: true,
		},
		{
			name:    "missing config file",
			args:    []string{"-url", "rtsp://example.com", "-config", filepath.Join(t.TempDir(), "absent.yaml")},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Save original args and restore after test
			origArgs := os.Args
			defer func() { os.Args = origArgs }()

			os.Args = append([]string{"test"}, tt.args...)

			got, err := parseFlags()
			if (err != nil) != tt.wantErr {
				t.Errorf("parseFlags() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if tt.wantErr {
				return
			}

			if got.URL != tt.want.URL {
				t.Errorf("parseFlags() URL = %v, want %v", got.URL, tt.want.URL)
			}
			if got.ConfigPath != tt.want.ConfigPath {
				t.Errorf("parseFlags() ConfigPath = %v, want %v", got.ConfigPath, tt.want.ConfigPath)
			}
			if got.Interval != tt.want.Interval {
				t.Errorf("parseFlags() Interval = %v, want %v", got.Interval, tt.want.Interval)
			}
			if got.LogFormat != tt.want.LogFormat {
				t.Errorf("parseFlags() LogFormat = %v, want %v", got.LogFormat, tt.want.LogFormat)
			}
			if got.Verbose != tt.want.Verbose {
				t.Errorf("parseFlags() Verbose = %v, want %v", got.Verbose, tt.want.Verbose)
			}
			if got.Workers != tt.want.Workers || got.Pipeline.Pipeline.Workers != tt.want.Workers {
				t.Errorf("parseFlags() Workers = %v (pipeline %v), want %v",
					got.Workers, got.Pipeline.Pipeline.Workers, tt.want.Workers)
			}
			if got.DBPath != tt.want.DBPath {
				t.Errorf("parseFlags() DBPath = %v, want %v", got.DBPath, tt.want.DBPath)
			}
			if got.MaxFrames != tt.want.MaxFrames {
				t.Errorf("parseFlags() MaxFrames = %v, want %v", got.MaxFrames, tt.want.MaxFrames)
			}
			if got.Pipeline.Classify.Policy != tt.wantPolicy {
				t.Errorf("parseFlags() Classify.Policy = %v, want %v", got.Pipeline.Classify.Policy, tt.wantPolicy)
			}
		})
	}
}

func TestSetupLogger(t *testing.T) {
	tests := []struct {
		name      string
		format    string
		verbose   bool
		wantDebug bool
	}{
		{name: "json logger", format: "json"},
		{name: "kv logger", format: "kv"},
		{name: "default to json", format: "invalid"},
		{name: "verbose enables debug", format: "kv", verbose: true, wantDebug: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := setupLogger(tt.format, tt.verbose)
			if logger == nil {
				t.Fatal("setupLogger() returned nil")
			}
			if got := logger.Enabled(context.Background(), slog.LevelDebug); got != tt.wantDebug {
				t.Errorf("debug enabled = %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestIsLiveSource(t *testing.T) {
	tests := []struct {
		url  string
		want bool
	}{
		{"rtsp://camera.local/stream", true},
		{"RTSP://camera.local/stream", true},
		{"rtmp://live.example.com/app", true},
		{"https://example.com/live.m3u8", true},
		{"udp://239.0.0.1:1234", true},
		{"news.mp4", false},
		{"/var/media/broadcast.ts", false},
		{"file.rtsp.mp4", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := isLiveSource(tt.url); got != tt.want {
				t.Errorf("isLiveSource(%q) = %v, want %v", tt.url, got, tt.want)
			}
		})
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Hour, 1, discardLogger())
	failure := errors.New("read failed")

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return failure }); !errors.Is(err, failure) {
			t.Fatalf("Call() error = %v, want %v", err, failure)
		}
	}
	if got := cb.GetState(); got != CircuitOpen {
		t.Fatalf("state = %v, want %v", got, CircuitOpen)
	}
	if cb.GetLastFailureTime().IsZero() {
		t.Error("last failure time not recorded")
	}

	called := false
	err := cb.Call(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, errCircuitOpen) {
		t.Errorf("Call() on open circuit error = %v, want errCircuitOpen", err)
	}
	if called {
		t.Error("open circuit ran the operation")
	}
}

func TestCircuitBreakerRecovers(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Millisecond, 2, discardLogger())

	_ = cb.Call(func() error { return errConnection })
	if got := cb.GetState(); got != CircuitOpen {
		t.Fatalf("state = %v, want %v", got, CircuitOpen)
	}

	time.Sleep(5 * time.Millisecond)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("Call() after timeout error = %v", err)
	}
	if got := cb.GetState(); got != CircuitHalfOpen {
		t.Fatalf("state after first success = %v, want %v", got, CircuitHalfOpen)
	}

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
	if got := cb.GetState(); got != CircuitClosed {
		t.Errorf("state after recovery = %v, want %v", got, CircuitClosed)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Millisecond, 2, discardLogger())

	_ = cb.Call(func() error { return errConnection })
	time.Sleep(5 * time.Millisecond)
	_ = cb.Call(func() error { return errConnection })

	if got := cb.GetState(); got != CircuitOpen {
		t.Errorf("state = %v, want %v", got, CircuitOpen)
	}
}

func TestCircuitBreakerIgnoresEndOfStream(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Hour, 1, discardLogger())

	err := cb.Call(func() error { return errEndOfStream })
	if !errors.Is(err, errEndOfStream) {
		t.Fatalf("Call() error = %v, want errEndOfStream", err)
	}
	if got := cb.GetState(); got != CircuitClosed {
		t.Errorf("state = %v, want %v", got, CircuitClosed)
	}
	if got := cb.GetFailureCount(); got != 0 {
		t.Errorf("failure count = %d, want 0", got)
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(2, time.Hour, 1, discardLogger())
	_ = cb.Call(func() error { return errConnection })
	_ = cb.Call(func() error { return errConnection })

	cb.Reset()

	if got := cb.GetState(); got != CircuitClosed {
		t.Errorf("state = %v, want %v", got, CircuitClosed)
	}
	if got := cb.GetFailureCount(); got != 0 {
		t.Errorf("failure count = %d, want 0", got)
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{CircuitClosed, "CLOSED"},
		{CircuitOpen, "OPEN"},
		{CircuitHalfOpen, "HALF_OPEN"},
		{CircuitState(9), "UNKNOWN"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("CircuitState(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}

func TestStreamMetrics(t *testing.T) {
	m := &StreamMetrics{}

	m.UpdateProcessingTime(100 * time.Millisecond)
	if got := m.GetAvgProcessingTimeMs(); got != 100 {
		t.Errorf("first average = %v, want 100", got)
	}
	m.UpdateProcessingTime(200 * time.Millisecond)
	if got := m.GetAvgProcessingTimeMs(); got < 109.99 || got > 110.01 {
		t.Errorf("average = %v, want 110", got)
	}

	m.UpdateBufferUtilization(40)
	m.UpdateBufferUtilization(75)
	m.UpdateBufferUtilization(60)
	if got := m.GetMaxBufferUtilization(); got != 75 {
		t.Errorf("max buffer utilization = %d, want 75", got)
	}

	if got := m.GetLastFrameAge(); got != 0 {
		t.Errorf("last frame age before any frame = %v, want 0", got)
	}
}

func TestStreamMetricsRecordResult(t *testing.T) {
	m := &StreamMetrics{}
	res := pipeline.Result{
		Lines: []pipeline.LineResult{
			{Class: classify.Static},
			{Class: classify.Dynamic},
			{Class: classify.Dynamic},
		},
	}

	m.RecordResult(res)
	m.RecordResult(res)

	if got := m.GetFramesAnalyzed(); got != 2 {
		t.Errorf("frames analyzed = %d, want 2", got)
	}
	if got := m.staticLines.Load(); got != 2 {
		t.Errorf("static lines = %d, want 2", got)
	}
	if got := m.dynamicLines.Load(); got != 4 {
		t.Errorf("dynamic lines = %d, want 4", got)
	}
}

func TestBackoffDelay(t *testing.T) {
	base, limit := time.Second, 60*time.Second
	tests := []struct {
		attempt int
		min     time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{4, 8 * time.Second},
		{10, limit},
	}
	for _, tt := range tests {
		got := backoffDelay(tt.attempt, base, limit)
		if got < tt.min || got >= tt.min+tt.min/4+1 {
			t.Errorf("backoffDelay(%d) = %v, want in [%v, %v]", tt.attempt, got, tt.min, tt.min+tt.min/4)
		}
	}
}

func TestShouldApplyBackpressure(t *testing.T) {
	d := &Detector{metrics: &StreamMetrics{}, backpressureThreshold: 0.7}
	frameChan := make(chan pipeline.Frame, 10)

	for i := 0; i < 6; i++ {
		frameChan <- pipeline.Frame{Index: int64(i)}
	}
	if d.shouldApplyBackpressure(frameChan) {
		t.Error("backpressure at 60% utilization")
	}

	frameChan <- pipeline.Frame{Index: 6}
	if !d.shouldApplyBackpressure(frameChan) {
		t.Error("no backpressure at 70% utilization")
	}
	if got := d.metrics.GetMaxBufferUtilization(); got != 70 {
		t.Errorf("max buffer utilization = %d, want 70", got)
	}
}

func testDetector(t *testing.T) *Detector {
	t.Helper()
	cfg, err := func() (*Config, error) {
		origArgs := os.Args
		defer func() { os.Args = origArgs }()
		os.Args = []string{"test", "-url", "news.mp4", "-workers", "2"}
		return parseFlags()
	}()
	if err != nil {
		t.Fatalf("parseFlags() error = %v", err)
	}
	return &Detector{
		config:  cfg,
		logger:  discardLogger(),
		metrics: &StreamMetrics{},
	}
}

func blackFrame(index int64) pipeline.Frame {
	return pipeline.Frame{Index: index, Timestamp: time.Now(), Gray: raster.New(100, 30)}
}

func TestAnalyzeSlidesOverCapturedFrames(t *testing.T) {
	d := testDetector(t)

	frames := make(chan pipeline.Frame, 4)
	for i := int64(1); i <= 4; i++ {
		frames <- blackFrame(i)
	}
	close(frames)
	results := make(chan pipeline.Result, 4)

	if err := d.analyze(context.Background(), frames, results); err != nil {
		t.Fatalf("analyze() error = %v", err)
	}
	close(results)

	var got []int64
	for res := range results {
		got = append(got, res.FrameIndex)
	}
	if len(got) != 2 || got[0] != 2 || got[1] != 3 {
		t.Errorf("analysed frames = %v, want [2 3]", got)
	}
	if n := d.metrics.GetFramesAnalyzed(); n != 2 {
		t.Errorf("frames analyzed = %d, want 2", n)
	}
	if d.pipeline.Load() == nil {
		t.Error("pipeline not created")
	}
}

func TestAnalyzeWithoutFrames(t *testing.T) {
	d := testDetector(t)

	frames := make(chan pipeline.Frame)
	close(frames)

	if err := d.analyze(context.Background(), frames, make(chan pipeline.Result, 1)); err != nil {
		t.Fatalf("analyze() error = %v", err)
	}
	if d.pipeline.Load() != nil {
		t.Error("pipeline created without frames")
	}
}

func TestAnalyzeFrameSizeChange(t *testing.T) {
	d := testDetector(t)

	frames := make(chan pipeline.Frame, 2)
	frames <- blackFrame(1)
	frames <- pipeline.Frame{Index: 2, Gray: raster.New(120, 30)}
	close(frames)

	err := d.analyze(context.Background(), frames, make(chan pipeline.Result, 1))
	if !errors.Is(err, pipeline.ErrFrameSize) {
		t.Errorf("analyze() error = %v, want ErrFrameSize", err)
	}
	if n := d.metrics.GetAnalysisErrors(); n != 1 {
		t.Errorf("analysis errors = %d, want 1", n)
	}
}

func TestAnalyzeCancelled(t *testing.T) {
	d := testDetector(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := d.analyze(ctx, make(chan pipeline.Frame), make(chan pipeline.Result)); err != nil {
		t.Errorf("analyze() on cancelled context error = %v, want nil", err)
	}
}

// tickerFrames renders n 200x40 frames of a band of 3x3 cells that enters at
// the right edge and scrolls 6 px left per frame.
func tickerFrames(n int) []pipeline.Frame {
	const w, h, y0, y1, lead, speed = 200, 40, 12, 25, 150, 6
	cols := (w + 400) / 3
	cells := make([]uint8, (y1-y0+2)/3*cols)
	s := uint32(7)
	for i := range cells {
		s = s*1664525 + 1013904223
		cells[i] = 20
		if s>>31 == 1 {
			cells[i] = 230
		}
	}

	frames := make([]pipeline.Frame, n)
	for i := range frames {
		g := raster.New(w, h)
		for j := range g.Pix {
			g.Pix[j] = 20
		}
		for y := y0; y < y1; y++ {
			for x := 0; x < w; x++ {
				if t := x + speed*i; t >= lead {
					g.Set(x, y, cells[(y-y0)/3*cols+(t-lead)/3])
				}
			}
		}
		frames[i] = pipeline.Frame{Index: int64(i), Timestamp: time.Now(), Gray: g}
	}
	return frames
}

func TestLogResultsStoresActiveTickers(t *testing.T) {
	d := testDetector(t)
	dbPath := filepath.Join(t.TempDir(), "tickers.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	d.store = st
	t.Cleanup(func() { st.Close() })

	captured := tickerFrames(8)
	frames := make(chan pipeline.Frame, len(captured))
	for _, f := range captured {
		frames <- f
	}
	close(frames)
	results := make(chan pipeline.Result, len(captured))

	if err := d.analyze(context.Background(), frames, results); err != nil {
		t.Fatalf("analyze() error = %v", err)
	}
	close(results)
	d.logResults(results)

	active := d.pipeline.Load().Tracker().Active()
	if len(active) == 0 {
		t.Fatal("no ticker active at the end of the stream")
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	defer db.Close()

	var state string
	var width int
	if err := db.QueryRow(
		`SELECT state, mosaic_width FROM tickers WHERE ticker_id = ?`, active[0].ID,
	).Scan(&state, &width); err != nil {
		t.Fatalf("active ticker not stored: %v", err)
	}
	if state != track.Tracking.String() {
		t.Errorf("stored state = %s, want %s", state, track.Tracking)
	}
	if width != active[0].Mosaic.Width {
		t.Errorf("stored mosaic width = %d, want %d", width, active[0].Mosaic.Width)
	}
}
