// Package verify confirms scrolling text by checking that the motion of each
// strip against the previous frame mirrors its motion against the next frame,
// and merges confirmed strips into describers for the tracker.
package verify

import (
	"fmt"
	"image"

	"github.com/clalos/stream-ticker-detector/internal/motion"
	"github.com/clalos/stream-ticker-detector/internal/raster"
)

// Merge strategies accepted in Config.MergeStrategy.
const (
	// MergeCrop crops the current frame over the span of the run.
	MergeCrop = "crop"
	// MergeConcat concatenates the strip images of the run.
	MergeConcat = "concat"
)

// Config holds the verification parameters.
type Config struct {
	// MergeStrategy selects how confirmed strips become one image.
	MergeStrategy string `yaml:"merge_strategy"`

	// MagnitudeTolerance bounds |prev+next| of a confirmed strip.
	MagnitudeTolerance int `yaml:"magnitude_tolerance"`

	// StripWidth must match the width used by motion estimation.
	StripWidth int `yaml:"strip_width"`
}

// DefaultConfig returns the crop strategy with a 2 px tolerance.
func DefaultConfig() Config {
	return Config{
		MergeStrategy:      MergeCrop,
		MagnitudeTolerance: 2,
		StripWidth:         15,
	}
}

// Validate checks the strategy name and the strip width.
func (c Config) Validate() error {
	switch c.MergeStrategy {
	case MergeCrop, MergeConcat:
	default:
		return fmt.Errorf("verify: unknown merge_strategy %q", c.MergeStrategy)
	}
	if c.StripWidth < 1 {
		return fmt.Errorf("verify: strip_width %d must be positive", c.StripWidth)
	}
	if c.MagnitudeTolerance < 1 {
		return fmt.Errorf("verify: magnitude_tolerance %d must be positive", c.MagnitudeTolerance)
	}
	return nil
}

// Input is one dynamic line with its strip vectors against both neighbours.
type Input struct {
	// Line is the line region in frame coordinates.
	Line image.Rectangle
	// Text is the current frame cropped at Line.
	Text raster.Gray
	// VsPrev and VsNext hold one vector per strip of Text.
	VsPrev []motion.Vector
	VsNext []motion.Vector
}

// Describer is a verified piece of scrolling text.
type Describer struct {
	// Image is the merged text image.
	Image raster.Gray
	// Region is the merged region in frame coordinates.
	Region image.Rectangle
	// Motion is the vector against the next frame of a perfectly symmetric
	// strip of the run, or {None, 0} when the run has none.
	Motion motion.Vector
	// Center is the midpoint of Region.
	Center image.Point
	// StripStart and StripEnd are the first and last strip of the run.
	StripStart int
	StripEnd   int
}

// Run is an inclusive range of strip indices.
type Run struct {
	Start int
	End   int
}

// Len returns the number of strips in the run.
func (r Run) Len() int {
	return r.End - r.Start + 1
}

// Runs returns the maximal runs of true values in order.
func Runs(confirmed []bool) []Run {
	var out []Run
	start := -1
	for i, ok := range confirmed {
		switch {
		case ok && start < 0:
			start = i
		case !ok && start >= 0:
			out = append(out, Run{Start: start, End: i - 1})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, Run{Start: start, End: len(confirmed) - 1})
	}
	return out
}

// Confirmed reports whether a strip moved in opposite directions against the
// previous and next frame by nearly the same distance.
func Confirmed(prev, next motion.Vector, tolerance int) bool {
	if !prev.Opposes(next) {
		return false
	}
	sum := prev.Magnitude + next.Magnitude
	return sum > -tolerance && sum < tolerance
}

// Verifier turns strip motion into describers.
type Verifier struct {
	cfg Config
}

// NewVerifier validates cfg and creates a verifier.
func NewVerifier(cfg Config) (*Verifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Verifier{cfg: cfg}, nil
}

// Verify returns one describer per confirmed run of every input, in input
// order. cur is the current frame the inputs were cropped from.
func (v *Verifier) Verify(cur raster.Gray, inputs []Input) []Describer {
	var out []Describer
	for _, in := range inputs {
		out = append(out, v.VerifyLine(cur, in)...)
	}
	return out
}

// VerifyLine returns the describers of a single line.
func (v *Verifier) VerifyLine(cur raster.Gray, in Input) []Describer {
	strips := motion.Strips(in.Text.Width, v.cfg.StripWidth)
	n := min(len(strips), len(in.VsPrev), len(in.VsNext))

	confirmed := make([]bool, n)
	for i := 0; i < n; i++ {
		confirmed[i] = Confirmed(in.VsPrev[i], in.VsNext[i], v.cfg.MagnitudeTolerance)
	}

	var out []Describer
	for _, run := range Runs(confirmed) {
		region, img := v.merge(cur, in, strips, run)
		if region.Empty() || img.Empty() {
			continue
		}

		d := Describer{
			Image:      img,
			Region:     region,
			Center:     image.Pt(region.Min.X+region.Dx()/2, region.Min.Y+region.Dy()/2),
			StripStart: run.Start,
			StripEnd:   run.End,
		}
		for i := run.Start; i <= run.End; i++ {
			if in.VsPrev[i].Magnitude+in.VsNext[i].Magnitude == 0 {
				d.Motion = in.VsNext[i]
				break
			}
		}
		out = append(out, d)
	}
	return out
}

func (v *Verifier) merge(cur raster.Gray, in Input, strips []motion.Strip, run Run) (image.Rectangle, raster.Gray) {
	first, last := strips[run.Start], strips[run.End]
	x0 := in.Line.Min.X + first.X

	switch v.cfg.MergeStrategy {
	case MergeConcat:
		parts := make([]raster.Gray, 0, run.Len())
		for i := run.Start; i <= run.End; i++ {
			s := strips[i]
			parts = append(parts, in.Text.Crop(image.Rect(s.X, 0, s.X+s.Width, in.Text.Height)))
		}
		// The region counts every strip at full width, so it is wider than
		// the image when the run ends on a narrower last strip.
		r := image.Rect(x0, in.Line.Min.Y, x0+first.Width*run.Len(), in.Line.Max.Y)
		return raster.Clip(r, cur.Width, cur.Height), raster.HConcat(parts...)
	default:
		r := raster.Clip(image.Rect(x0, in.Line.Min.Y, in.Line.Min.X+last.X+last.Width, in.Line.Max.Y), cur.Width, cur.Height)
		return r, cur.Crop(r)
	}
}
