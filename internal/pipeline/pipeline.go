// Package pipeline runs the ticker detection stages over a sliding window of
// three consecutive frames and feeds the verified text to the tracker in frame
// order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/clalos/stream-ticker-detector/internal/blocks"
	"github.com/clalos/stream-ticker-detector/internal/classify"
	"github.com/clalos/stream-ticker-detector/internal/config"
	"github.com/clalos/stream-ticker-detector/internal/edge"
	"github.com/clalos/stream-ticker-detector/internal/motion"
	"github.com/clalos/stream-ticker-detector/internal/raster"
	"github.com/clalos/stream-ticker-detector/internal/textline"
	"github.com/clalos/stream-ticker-detector/internal/track"
	"github.com/clalos/stream-ticker-detector/internal/verify"
)

// ErrFrameSize is returned when a frame differs in size from the stream.
var ErrFrameSize = errors.New("pipeline: frame size mismatch")

// Frame is one grayscale video frame.
type Frame struct {
	// Index is the position of the frame in the stream. Consecutive frames
	// have consecutive indices.
	Index int64
	// Timestamp is the capture time.
	Timestamp time.Time
	// Gray is the frame content.
	Gray raster.Gray
}

// Source yields frames in order. Next returns io.EOF at the end of the stream.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

// SliceSource serves frames from memory.
type SliceSource struct {
	frames []Frame
	pos    int
}

// NewSliceSource returns a source over frames.
func NewSliceSource(frames ...Frame) *SliceSource {
	return &SliceSource{frames: frames}
}

// Next returns the next frame or io.EOF.
func (s *SliceSource) Next(ctx context.Context) (Frame, error) {
	if err := ctx.Err(); err != nil {
		return Frame{}, err
	}
	if s.pos >= len(s.frames) {
		return Frame{}, io.EOF
	}
	f := s.frames[s.pos]
	s.pos++
	return f, nil
}

// LineResult is the outcome for one text line of a frame.
type LineResult struct {
	Region image.Rectangle
	Class  classify.Class
	// Motion is the motion of the first describer verified on a dynamic line,
	// or {None, 0}.
	Motion motion.Vector
}

// Result is the outcome of one frame.
type Result struct {
	FrameIndex int64
	Timestamp  time.Time
	// Blocks is the number of candidate blocks found.
	Blocks int
	// Lines holds the static lines followed by the dynamic lines, each in
	// line order.
	Lines      []LineResult
	Describers []verify.Describer
	Tracks     track.Snapshot
}

// Counts returns the number of static and dynamic lines.
func (r Result) Counts() (static, dynamic int) {
	for _, l := range r.Lines {
		if l.Class == classify.Static {
			static++
		} else {
			dynamic++
		}
	}
	return static, dynamic
}

// Pipeline owns one instance of every stage. It is not safe for concurrent use.
type Pipeline struct {
	cfg        config.Config
	frameWidth int
	logger     *slog.Logger

	edges      *edge.Detector
	extractor  *blocks.Extractor
	splitter   *textline.Splitter
	classifier *classify.Classifier
	estimator  *motion.Estimator
	verifier   *verify.Verifier
	tracker    *track.Tracker
}

// New validates cfg and builds the stages for frames of the given width.
func New(cfg config.Config, frameWidth int, logger *slog.Logger) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	classifier, err := classify.NewClassifier(cfg.Classify)
	if err != nil {
		return nil, fmt.Errorf("failed to create classifier: %w", err)
	}
	verifier, err := verify.NewVerifier(cfg.Verify)
	if err != nil {
		return nil, fmt.Errorf("failed to create verifier: %w", err)
	}

	return &Pipeline{
		cfg:        cfg,
		frameWidth: frameWidth,
		logger:     logger,
		edges:      edge.NewDetector(cfg.Edge),
		extractor:  blocks.NewExtractor(cfg.Blocks),
		splitter:   textline.NewSplitter(cfg.Lines),
		classifier: classifier,
		estimator:  motion.NewEstimator(cfg.Motion),
		verifier:   verifier,
		tracker:    track.NewTracker(cfg.Track, frameWidth, logger),
	}, nil
}

// Tracker returns the tracker fed by the pipeline.
func (p *Pipeline) Tracker() *track.Tracker {
	return p.tracker
}

// Process analyses cur with its neighbours and updates the tracker. Calls must
// follow frame order.
func (p *Pipeline) Process(ctx context.Context, prev, cur, next Frame) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if cur.Gray.Width != p.frameWidth || !raster.SameSize(prev.Gray, cur.Gray) || !raster.SameSize(cur.Gray, next.Gray) {
		return Result{}, fmt.Errorf("%w: frame %d is %dx%d, stream width %d",
			ErrFrameSize, cur.Index, cur.Gray.Width, cur.Gray.Height, p.frameWidth)
	}

	edges, err := p.edges.Canny(cur.Gray)
	if err != nil {
		return Result{}, fmt.Errorf("frame %d: %w", cur.Index, err)
	}
	bs, err := p.extractor.Extract(edges)
	if err != nil {
		return Result{}, fmt.Errorf("frame %d: %w", cur.Index, err)
	}
	lines := p.splitter.Extract(bs)
	part := p.classifier.Classify(prev.Gray, cur.Gray, next.Gray, lines)

	inputs, err := p.estimate(prev.Gray, cur.Gray, next.Gray, part.Dynamic)
	if err != nil {
		return Result{}, fmt.Errorf("frame %d: %w", cur.Index, err)
	}

	res := Result{
		FrameIndex: cur.Index,
		Timestamp:  cur.Timestamp,
		Blocks:     len(bs),
		Lines:      make([]LineResult, 0, len(part.Static)+len(part.Dynamic)),
	}
	for _, r := range part.Static {
		res.Lines = append(res.Lines, LineResult{Region: r.Region, Class: r.Class})
	}
	for i, r := range part.Dynamic {
		lr := LineResult{Region: r.Region, Class: r.Class}
		ds := p.verifier.VerifyLine(cur.Gray, inputs[i])
		if len(ds) > 0 {
			lr.Motion = ds[0].Motion
		}
		res.Lines = append(res.Lines, lr)
		res.Describers = append(res.Describers, ds...)
	}

	res.Tracks = p.tracker.Update(cur.Index, res.Describers)

	p.logger.Debug("frame processed",
		"frame_index", cur.Index,
		"blocks", len(bs),
		"static_lines", len(part.Static),
		"dynamic_lines", len(part.Dynamic),
		"describers", len(res.Describers),
		"active_tickers", len(res.Tracks.Active))
	return res, nil
}

// estimate computes the strip vectors of every dynamic line against both
// neighbours. Lines are spread over at most Workers goroutines; the inputs keep
// line order.
func (p *Pipeline) estimate(prev, cur, next raster.Gray, dynamic []classify.Result) ([]verify.Input, error) {
	inputs := make([]verify.Input, len(dynamic))

	var g errgroup.Group
	g.SetLimit(p.cfg.Pipeline.Workers)
	for i, r := range dynamic {
		g.Go(func() error {
			text := cur.Crop(r.Region)
			inputs[i] = verify.Input{
				Line:   r.Region,
				Text:   text,
				VsPrev: p.estimator.Estimate(prev, text, r.Region),
				VsNext: p.estimator.Estimate(next, text, r.Region),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("motion estimation failed: %w", err)
	}
	return inputs, nil
}

// Run pulls frames from src, processes every frame that has both neighbours
// and hands the results to sink in frame order. The window restarts when a
// frame index does not follow the previous one. Run returns nil at io.EOF and
// stops at the first error from the source, the pipeline or the sink.
// Cancellation is checked between frames.
func (p *Pipeline) Run(ctx context.Context, src Source, sink func(Result) error) error {
	window := make([]Frame, 0, 3)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read frame: %w", err)
		}

		if n := len(window); n > 0 {
			last := window[n-1]
			if !raster.SameSize(last.Gray, f.Gray) {
				return fmt.Errorf("%w: frame %d is %dx%d, previous frame is %dx%d",
					ErrFrameSize, f.Index, f.Gray.Width, f.Gray.Height, last.Gray.Width, last.Gray.Height)
			}
			if f.Index != last.Index+1 {
				p.logger.Debug("frame gap, restarting window",
					"last_index", last.Index,
					"frame_index", f.Index)
				window = window[:0]
			}
		}

		window = append(window, f)
		if len(window) < 3 {
			continue
		}

		res, err := p.Process(ctx, window[0], window[1], window[2])
		if err != nil {
			return err
		}
		if err := sink(res); err != nil {
			return fmt.Errorf("result sink failed: %w", err)
		}
		window = append(window[:0], window[1], window[2])
	}
}
