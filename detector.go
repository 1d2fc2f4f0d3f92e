package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"gocv.io/x/gocv"

	"github.com/clalos/stream-ticker-detector/internal/classify"
	"github.com/clalos/stream-ticker-detector/internal/pipeline"
	"github.com/clalos/stream-ticker-detector/internal/raster"
	"github.com/clalos/stream-ticker-detector/internal/store"
)

// liveSchemes are the URL schemes read as live streams. Anything else is
// opened as a finite video file.
var liveSchemes = []string{"rtsp://", "rtsps://", "rtmp://", "http://", "https://", "udp://", "tcp://"}

// isLiveSource reports whether url names a live stream.
func isLiveSource(url string) bool {
	lower := strings.ToLower(url)
	for _, s := range liveSchemes {
		if strings.HasPrefix(lower, s) {
			return true
		}
	}
	return false
}

// Detector manages video capture and ticker analysis.
// It coordinates four goroutines: frame capture, the analysis pipeline, result
// logging and metrics reporting. The analysis goroutine is the only caller of
// the pipeline, so frames reach the tracker in capture order.
//
// Live streams are sampled with backpressure: when the analysis falls behind,
// frames are dropped and the resulting index gap restarts the three-frame
// window. Files are read frame by frame without dropping and the run ends at
// the end of the file.
type Detector struct {
	// config holds the application configuration.
	config *Config

	// logger provides structured logging for all detection events and errors.
	logger *slog.Logger

	// capture manages the OpenCV video connection.
	// Must be closed during cleanup to release system resources.
	capture *gocv.VideoCapture

	// live is set for network streams, which are reconnected on failure.
	live bool

	// store receives per-frame results when a database path is configured.
	store *store.Store

	// pipeline is created by the analysis goroutine from the first frame.
	pipeline atomic.Pointer[pipeline.Pipeline]

	// frameIndex is a monotonically increasing counter for captured frames.
	// Protected by mu for concurrent access from multiple goroutines.
	frameIndex int64

	// mu protects capture reconnection operations and ensures thread safety.
	mu sync.RWMutex

	// circuitBreaker guards live stream reads.
	circuitBreaker *CircuitBreaker

	// metrics tracks stream health and analysis statistics.
	metrics *StreamMetrics

	// backpressureThreshold defines when to start dropping frames (channel usage %).
	backpressureThreshold float64

	// closeOnce ensures Close() is called only once to prevent double cleanup.
	closeOnce sync.Once

	// closed indicates whether the detector has been closed.
	closed atomic.Bool

	// shutdownTimeout bounds the wait for goroutines after cancellation.
	shutdownTimeout time.Duration

	// frameBufferSize is the size of the captured frame buffer.
	frameBufferSize int
	// resultBufferSize is the size of the analysis result buffer.
	resultBufferSize int
}

// NewDetector opens the video source and, when configured, the result database.
//
// Returns an error if:
//   - The video source is unreachable or invalid
//   - The video capture fails to open (network/codec issues)
//   - The result database cannot be opened
//
// The caller must call Close() on the returned Detector to release resources.
func NewDetector(config *Config, logger *slog.Logger) (*Detector, error) {
	if err := config.Pipeline.Validate(); err != nil {
		return nil, err
	}

	capture, err := gocv.OpenVideoCapture(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to open video capture: %w", err)
	}

	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("video capture is not opened")
	}

	detector := &Detector{
		config:                config,
		logger:                logger,
		capture:               capture,
		live:                  isLiveSource(config.URL),
		circuitBreaker:        NewCircuitBreaker(5, 30*time.Second, 3, logger),
		metrics:               &StreamMetrics{},
		backpressureThreshold: 0.7,
		shutdownTimeout:       5 * time.Second,
		frameBufferSize:       runtime.NumCPU() * 10,
		resultBufferSize:      runtime.NumCPU() * 5,
	}

	if config.DBPath != "" {
		st, err := store.Open(config.DBPath)
		if err != nil {
			capture.Close()
			return nil, fmt.Errorf("failed to open result store: %w", err)
		}
		detector.store = st
	}

	logger.Debug("Detector initialized",
		"live", detector.live,
		"frame_buffer_size", detector.frameBufferSize,
		"result_buffer_size", detector.resultBufferSize,
		"cpu_cores", runtime.NumCPU(),
		"workers", config.Pipeline.Pipeline.Workers,
		"shutdown_timeout", detector.shutdownTimeout)

	return detector, nil
}

// Close releases all resources held by the detector. It's safe to call
// multiple times. It must only be called after Run has returned.
func (d *Detector) Close() error {
	var finalErr error

	d.closeOnce.Do(func() {
		d.closed.Store(true)

		var errs []error

		d.mu.Lock()
		if d.capture != nil {
			if err := d.capture.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close video capture: %w", err))
			}
			d.capture = nil
		}
		d.mu.Unlock()

		if d.store != nil {
			if err := d.store.Close(); err != nil {
				errs = append(errs, fmt.Errorf("failed to close result store: %w", err))
			}
			d.store = nil
		}

		finalErr = errors.Join(errs...)
		d.logger.Debug("Detector cleanup completed")
	})

	return finalErr
}

// isClosed returns true if the detector has been closed.
func (d *Detector) isClosed() bool {
	return d.closed.Load()
}

// Run captures and analyses frames until the context is cancelled, the file
// ends, the frame limit is reached or the analysis fails.
//
// Shutdown guarantee: Run always waits for all goroutines to terminate before
// returning. If they take longer than shutdownTimeout after cancellation, a
// warning is logged and an error is returned once they are done.
func (d *Detector) Run(ctx context.Context) error {
	if d.isClosed() {
		return fmt.Errorf("detector is closed")
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	frameChan := make(chan pipeline.Frame, d.frameBufferSize)
	resultChan := make(chan pipeline.Result, d.resultBufferSize)

	var (
		wg          sync.WaitGroup
		analysisErr error
	)

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.reportMetrics(runCtx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(frameChan)
		d.captureFrames(runCtx, frameChan)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(resultChan)
		if err := d.analyze(runCtx, frameChan, resultChan); err != nil {
			analysisErr = err
			cancel()
		}
	}()

	// Metrics and capture stop once the results are drained.
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.logResults(resultChan)
		cancel()
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return analysisErr
	case <-runCtx.Done():
	}

	select {
	case <-done:
		d.logger.Debug("All processing goroutines stopped gracefully")
		return analysisErr
	case <-time.After(d.shutdownTimeout):
		d.logger.Warn("Shutdown timeout reached, waiting for remaining goroutines",
			"timeout", d.shutdownTimeout)
		<-done
		if analysisErr != nil {
			return analysisErr
		}
		return fmt.Errorf("shutdown timeout after %v", d.shutdownTimeout)
	}
}

// chanSource adapts the capture channel to pipeline.Source. It records when
// each frame was handed out so the sink can time the analysis.
type chanSource struct {
	frames <-chan pipeline.Frame
	read   time.Time
}

func (s *chanSource) Next(ctx context.Context) (pipeline.Frame, error) {
	select {
	case <-ctx.Done():
		return pipeline.Frame{}, ctx.Err()
	case f, ok := <-s.frames:
		if !ok {
			return pipeline.Frame{}, io.EOF
		}
		s.read = time.Now()
		return f, nil
	}
}

// analyze builds the pipeline for the size of the first frame and runs it over
// the captured frames. Cancellation is not reported as an error.
func (d *Detector) analyze(ctx context.Context, frames <-chan pipeline.Frame, results chan<- pipeline.Result) error {
	src := &chanSource{frames: frames}

	first, err := src.Next(ctx)
	if errors.Is(err, io.EOF) || errors.Is(err, context.Canceled) {
		return nil
	}
	if err != nil {
		return err
	}

	p, err := pipeline.New(d.config.Pipeline, first.Gray.Width, d.logger)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	d.pipeline.Store(p)
	d.logger.Info("Analysis started",
		"frame_width", first.Gray.Width,
		"frame_height", first.Gray.Height)

	sink := func(res pipeline.Result) error {
		d.metrics.UpdateProcessingTime(time.Since(src.read))
		d.metrics.RecordResult(res)
		select {
		case results <- res:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	err = p.Run(ctx, &replaySource{first: &first, next: src}, sink)
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	d.metrics.analysisErrors.Add(1)
	return fmt.Errorf("analysis failed: %w", err)
}

// replaySource yields first before the frames of next.
type replaySource struct {
	first *pipeline.Frame
	next  pipeline.Source
}

func (s *replaySource) Next(ctx context.Context) (pipeline.Frame, error) {
	if s.first != nil {
		f := *s.first
		s.first = nil
		return f, nil
	}
	return s.next.Next(ctx)
}

// reconnectStream attempts to reconnect to the video stream with exponential backoff.
//
// Reconnection strategy:
//   - Exponential backoff starting at 1 second, max 60 seconds
//   - Maximum 10 attempts before giving up
//   - Closes old connection before attempting new one
//   - Validates new connection before returning
//
// Returns true if reconnection succeeded, false if all attempts failed.
func (d *Detector) reconnectStream(ctx context.Context) bool {
	if d.isClosed() {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring lock
	if d.isClosed() {
		return false
	}

	if d.capture != nil {
		d.capture.Close()
		d.capture = nil
	}

	const maxAttempts = 10
	baseDelay := 1 * time.Second
	maxDelay := 60 * time.Second

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return false
		default:
		}

		d.metrics.reconnectAttempts.Add(1)
		d.logger.Info("Attempting stream reconnection",
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"url", d.config.URL)

		capture, err := gocv.OpenVideoCapture(d.config.URL)
		if err == nil && capture.IsOpened() {
			d.capture = capture
			d.logger.Info("Stream reconnection successful",
				"attempt", attempt,
				"total_reconnect_attempts", d.metrics.GetReconnectAttempts())
			return true
		}

		if capture != nil {
			capture.Close()
		}

		totalDelay := backoffDelay(attempt, baseDelay, maxDelay)

		d.logger.Warn("Stream reconnection failed, retrying",
			"attempt", attempt,
			"error", err,
			"retry_in", totalDelay)

		select {
		case <-time.After(totalDelay):
			continue
		case <-ctx.Done():
			return false
		}
	}

	d.logger.Error("Stream reconnection failed after all attempts", "max_attempts", maxAttempts)
	return false
}

// backoffDelay returns base*2^(attempt-1) capped at limit, plus up to 25% jitter.
func backoffDelay(attempt int, base, limit time.Duration) time.Duration {
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > limit {
		delay = limit
	}
	if q := int64(delay / 4); q > 0 {
		delay += time.Duration(rand.Int63n(q))
	}
	return delay
}

// shouldApplyBackpressure reports whether the frame channel is filled above
// the backpressure threshold, and records the utilisation.
func (d *Detector) shouldApplyBackpressure(frameChan chan<- pipeline.Frame) bool {
	utilization := float64(len(frameChan)) / float64(cap(frameChan))
	d.metrics.UpdateBufferUtilization(int64(utilization * 100))
	return utilization >= d.backpressureThreshold
}

// nextIndex reserves the next frame index.
func (d *Detector) nextIndex() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frameIndex++
	return d.frameIndex
}

// readFrame reads one frame into img. A finite source that runs out reports
// errEndOfStream; live read failures wrap errConnection.
func (d *Detector) readFrame(img *gocv.Mat) error {
	d.mu.RLock()
	capture := d.capture
	d.mu.RUnlock()

	if capture == nil || d.isClosed() {
		return fmt.Errorf("%w: capture is nil or detector is closed", errConnection)
	}

	if !capture.Read(img) || img.Empty() {
		if !d.live {
			return errEndOfStream
		}
		d.metrics.streamErrors.Add(1)
		return fmt.Errorf("%w: failed to read frame from video stream", errConnection)
	}
	return nil
}

// captureFrames reads frames, converts them to grayscale rasters and sends them
// to the analysis. Live streams go through the circuit breaker, are sampled at
// the configured interval when one is set and drop frames under backpressure.
// Files block on a full buffer instead and stop at their end.
func (d *Detector) captureFrames(ctx context.Context, frameChan chan<- pipeline.Frame) {
	var tick <-chan time.Time
	if d.live && d.config.Interval > 0 {
		ticker := time.NewTicker(d.config.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	img := gocv.NewMat()
	defer img.Close()

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				d.logger.Debug("Frame capture stopped")
				return
			case <-tick:
			}
		} else if ctx.Err() != nil {
			d.logger.Debug("Frame capture stopped")
			return
		}

		if d.isClosed() {
			d.logger.Debug("Detector closed, stopping frame capture")
			return
		}

		if d.config.MaxFrames > 0 && d.metrics.GetFramesCaptured() >= d.config.MaxFrames {
			d.logger.Info("Frame limit reached, stopping capture", "max_frames", d.config.MaxFrames)
			return
		}

		if d.live && d.shouldApplyBackpressure(frameChan) {
			// The skipped index makes the analysis restart its window.
			index := d.nextIndex()
			d.metrics.framesDropped.Add(1)
			d.logger.Debug("Applying backpressure, skipping frame", "frame_index", index)
			continue
		}

		var err error
		if d.live {
			err = d.circuitBreaker.Call(func() error { return d.readFrame(&img) })
		} else {
			err = d.readFrame(&img)
		}

		if errors.Is(err, errEndOfStream) {
			d.logger.Info("End of video reached",
				"frames_captured", d.metrics.GetFramesCaptured())
			return
		}
		if err != nil {
			if !d.handleCaptureError(ctx, err) {
				return
			}
			continue
		}

		gray, err := raster.FromMat(img)
		if err != nil {
			d.logger.Warn("Failed to convert frame, skipping", "error", err)
			d.nextIndex()
			continue
		}

		frame := pipeline.Frame{
			Index:     d.nextIndex(),
			Timestamp: time.Now(),
			Gray:      gray,
		}
		d.metrics.framesCaptured.Add(1)
		d.metrics.lastFrameTime.Store(frame.Timestamp.UnixNano())

		if !d.live {
			select {
			case frameChan <- frame:
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case frameChan <- frame:
		case <-ctx.Done():
			return
		default:
			d.metrics.framesDropped.Add(1)
			d.logger.Warn("Dropped frame due to full buffer",
				"frame_index", frame.Index,
				"total_dropped", d.metrics.GetFramesDropped())
		}
	}
}

// handleCaptureError logs a failed read and reconnects a live stream once the
// circuit has opened. It returns false when capture should stop.
func (d *Detector) handleCaptureError(ctx context.Context, err error) bool {
	state := d.circuitBreaker.GetState()
	d.logger.Error("Frame capture failed",
		"error", err,
		"circuit_state", state.String(),
		"stream_errors", d.metrics.GetStreamErrors())

	if !d.live {
		return false
	}

	if errors.Is(err, errCircuitOpen) {
		// Wait out the open circuit without spinning.
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
		return true
	}

	if state == CircuitOpen && errors.Is(err, errConnection) {
		d.logger.Info("Circuit breaker open due to connection issues, attempting stream reconnection")
		if !d.reconnectStream(ctx) {
			d.logger.Error("Stream reconnection failed, stopping capture")
			return false
		}
		d.circuitBreaker.Reset()
		d.logger.Info("Stream reconnected successfully, circuit breaker reset")
	}
	return true
}

// reportMetrics periodically logs stream health, analysis statistics and the
// CPU and memory usage of the process.
func (d *Detector) reportMetrics(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	stats, err := newProcessStats()
	if err != nil {
		d.logger.Warn("Process statistics unavailable", "error", err)
	}

	for {
		select {
		case <-ctx.Done():
			d.logger.Debug("Metrics reporting stopped")
			return
		case <-ticker.C:
			d.logMetrics(stats)
		}
	}
}

func (d *Detector) logMetrics(stats *processStats) {
	lastFrameAge := d.metrics.GetLastFrameAge()
	circuitState := d.circuitBreaker.GetState()
	lastFailureTime := d.circuitBreaker.GetLastFailureTime()
	avgProcessingTime := d.metrics.GetAvgProcessingTimeMs()
	maxBufferUtil := d.metrics.GetMaxBufferUtilization()

	attrs := []any{
		"frames_captured", d.metrics.GetFramesCaptured(),
		"frames_analyzed", d.metrics.GetFramesAnalyzed(),
		"frames_dropped", d.metrics.GetFramesDropped(),
		"stream_errors", d.metrics.GetStreamErrors(),
		"analysis_errors", d.metrics.GetAnalysisErrors(),
		"static_lines", d.metrics.staticLines.Load(),
		"dynamic_lines", d.metrics.dynamicLines.Load(),
		"active_tickers", d.metrics.activeTickers.Load(),
		"finished_tickers", d.metrics.tickersFinished.Load(),
		"reconnect_attempts", d.metrics.GetReconnectAttempts(),
		"last_frame_age_ms", lastFrameAge.Milliseconds(),
		"avg_processing_time_ms", avgProcessingTime,
		"max_buffer_utilization_pct", maxBufferUtil,
		"circuit_state", circuitState.String(),
		"circuit_failure_count", d.circuitBreaker.GetFailureCount(),
		"goroutines", runtime.NumGoroutine(),
		"stream_url", d.config.URL,
	}
	if stats != nil {
		if cpu, rss, err := stats.sample(); err == nil {
			attrs = append(attrs, "cpu_percent", cpu, "rss_bytes", rss)
		} else {
			d.logger.Debug("Failed to sample process statistics", "error", err)
		}
	}
	d.logger.Info("Stream metrics report", attrs...)

	expected := d.config.Interval
	if expected == 0 {
		expected = time.Second
	}
	if lastFrameAge > 5*expected {
		d.logger.Warn("Stream capture may be stalled",
			"last_frame_age", lastFrameAge,
			"expected_interval", expected)
	}

	if circuitState == CircuitOpen && !lastFailureTime.IsZero() {
		if timeSinceFailure := time.Since(lastFailureTime); timeSinceFailure > 2*time.Minute {
			d.logger.Warn("Circuit breaker has been open for extended period",
				"time_open", timeSinceFailure,
				"failure_count", d.circuitBreaker.GetFailureCount())
		}
	}

	if maxBufferUtil > 90 {
		d.logger.Warn("High buffer utilization detected",
			"max_utilization_pct", maxBufferUtil,
			"consider_increasing_workers", true)
	}
}

// logResults logs every analysed frame, its dynamic lines and the tickers that
// ended, and writes them to the store when one is open. Once the results are
// drained, the tickers still active are written too.
//
// Structured log fields included:
//   - frame_index: frame identifier for correlation with the source
//   - static_lines, dynamic_lines: classification counts
//   - direction, magnitude: motion of each dynamic line
//   - ticker_id, periodicity, mosaic_width: finished ticker summary
func (d *Detector) logResults(resultChan <-chan pipeline.Result) {
	for res := range resultChan {
		static, dynamic := res.Counts()
		d.logger.Info("Frame analyzed",
			"timestamp", res.Timestamp.Format(time.RFC3339Nano),
			"frame_index", res.FrameIndex,
			"blocks", res.Blocks,
			"static_lines", static,
			"dynamic_lines", dynamic,
			"describers", len(res.Describers),
			"active_tickers", len(res.Tracks.Active))

		for _, l := range res.Lines {
			if l.Class != classify.Dynamic {
				continue
			}
			d.logger.Info("Dynamic text line",
				"frame_index", res.FrameIndex,
				"region", l.Region.String(),
				"direction", l.Motion.Direction.String(),
				"magnitude", l.Motion.Magnitude)
		}

		for _, e := range res.Tracks.Ended {
			d.logger.Info("Ticker finished",
				"ticker_id", e.ID,
				"first_frame", e.FirstFrame,
				"last_frame", e.LastFrame,
				"periodicity", e.Periodicity,
				"mosaic_width", e.Mosaic.Width,
				"mosaic_height", e.Mosaic.Height)
		}

		if d.store == nil {
			continue
		}
		if err := d.store.RecordFrame(res); err != nil {
			d.logger.Error("Failed to store frame result", "frame_index", res.FrameIndex, "error", err)
		}
		if err := d.store.RecordTickers(res.Tracks.Ended); err != nil {
			d.logger.Error("Failed to store finished tickers", "frame_index", res.FrameIndex, "error", err)
		}
	}

	p := d.pipeline.Load()
	if p == nil {
		return
	}
	active := p.Tracker().Active()
	d.logger.Info("Analysis finished",
		"frames_analyzed", d.metrics.GetFramesAnalyzed(),
		"finished_tickers", len(p.Tracker().Finished()),
		"active_tickers", len(active))

	// Tickers still on screen at the end of the stream are kept with their
	// current state.
	if d.store != nil {
		if err := d.store.RecordTickers(active); err != nil {
			d.logger.Error("Failed to store active tickers", "error", err)
		}
	}
}
