package main

import (
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/clalos/stream-ticker-detector/internal/pipeline"
)

// StreamMetrics tracks health and performance metrics for the video stream
// and the ticker analysis. All counters are safe for concurrent use.
type StreamMetrics struct {
	// framesCaptured counts frames read from the source.
	framesCaptured atomic.Int64
	// framesAnalyzed counts frames that went through the pipeline.
	framesAnalyzed atomic.Int64
	// framesDropped counts frames dropped due to backpressure.
	framesDropped atomic.Int64
	// streamErrors counts stream read/connection errors.
	streamErrors atomic.Int64
	// analysisErrors counts pipeline failures.
	analysisErrors atomic.Int64
	// staticLines and dynamicLines count classified text lines.
	staticLines  atomic.Int64
	dynamicLines atomic.Int64
	// tickersFinished counts tickers that aged out.
	tickersFinished atomic.Int64
	// activeTickers is the number of live tickers after the last frame.
	activeTickers atomic.Int64
	// lastFrameTime tracks when the last frame was captured.
	lastFrameTime atomic.Int64
	// reconnectAttempts counts how many times stream reconnection was attempted.
	reconnectAttempts atomic.Int64
	// avgProcessingTimeNs tracks average frame processing time in nanoseconds.
	avgProcessingTimeNs atomic.Int64
	// maxBufferUtilization tracks peak channel utilization percentage.
	maxBufferUtilization atomic.Int64
}

// GetFramesCaptured returns the total number of frames read from the source.
func (m *StreamMetrics) GetFramesCaptured() int64 {
	return m.framesCaptured.Load()
}

// GetFramesAnalyzed returns the total number of frames analysed.
func (m *StreamMetrics) GetFramesAnalyzed() int64 {
	return m.framesAnalyzed.Load()
}

// GetFramesDropped returns the total number of frames dropped due to backpressure.
func (m *StreamMetrics) GetFramesDropped() int64 {
	return m.framesDropped.Load()
}

// GetStreamErrors returns the total number of stream errors encountered.
func (m *StreamMetrics) GetStreamErrors() int64 {
	return m.streamErrors.Load()
}

// GetAnalysisErrors returns the total number of pipeline failures.
func (m *StreamMetrics) GetAnalysisErrors() int64 {
	return m.analysisErrors.Load()
}

// GetReconnectAttempts returns the total number of stream reconnection attempts.
func (m *StreamMetrics) GetReconnectAttempts() int64 {
	return m.reconnectAttempts.Load()
}

// GetAvgProcessingTimeMs returns the average frame processing time in milliseconds.
func (m *StreamMetrics) GetAvgProcessingTimeMs() float64 {
	return float64(m.avgProcessingTimeNs.Load()) / 1e6
}

// GetMaxBufferUtilization returns the peak buffer utilization as a percentage.
func (m *StreamMetrics) GetMaxBufferUtilization() int64 {
	return m.maxBufferUtilization.Load()
}

// UpdateProcessingTime updates the average processing time with a new measurement.
func (m *StreamMetrics) UpdateProcessingTime(processingTime time.Duration) {
	current := m.avgProcessingTimeNs.Load()
	latest := processingTime.Nanoseconds()
	if current == 0 {
		m.avgProcessingTimeNs.Store(latest)
		return
	}
	// EMA with alpha = 0.1
	m.avgProcessingTimeNs.Store(int64(float64(current)*0.9 + float64(latest)*0.1))
}

// UpdateBufferUtilization updates the maximum buffer utilization if current is higher.
func (m *StreamMetrics) UpdateBufferUtilization(utilization int64) {
	for {
		current := m.maxBufferUtilization.Load()
		if utilization <= current {
			break
		}
		if m.maxBufferUtilization.CompareAndSwap(current, utilization) {
			break
		}
	}
}

// RecordResult folds the outcome of one analysed frame into the counters.
func (m *StreamMetrics) RecordResult(res pipeline.Result) {
	static, dynamic := res.Counts()
	m.framesAnalyzed.Add(1)
	m.staticLines.Add(int64(static))
	m.dynamicLines.Add(int64(dynamic))
	m.tickersFinished.Add(int64(len(res.Tracks.Ended)))
	m.activeTickers.Store(int64(len(res.Tracks.Active)))
}

// GetLastFrameAge returns how long ago the last frame was captured.
func (m *StreamMetrics) GetLastFrameAge() time.Duration {
	lastTime := m.lastFrameTime.Load()
	if lastTime == 0 {
		return 0
	}
	return time.Since(time.Unix(0, lastTime))
}

// processStats samples the CPU usage and resident memory of this process.
type processStats struct {
	proc *process.Process
}

func newProcessStats() (*processStats, error) {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, fmt.Errorf("failed to inspect process: %w", err)
	}
	return &processStats{proc: proc}, nil
}

// sample returns the CPU percentage since the previous sample and the RSS in
// bytes.
func (s *processStats) sample() (cpuPercent float64, rssBytes uint64, err error) {
	cpuPercent, err = s.proc.Percent(0)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read CPU usage: %w", err)
	}
	mem, err := s.proc.MemoryInfo()
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read memory usage: %w", err)
	}
	return cpuPercent, mem.RSS, nil
}
