// Package classify decides whether a text line is a static caption or a
// scrolling ticker by comparing its crops in three consecutive frames.
package classify

import (
	"fmt"
	"image"

	"github.com/clalos/stream-ticker-detector/internal/raster"
	"github.com/clalos/stream-ticker-detector/internal/textline"
)

// Class is the per-frame classification of a text line.
type Class int

const (
	// Static lines look the same in the previous, current and next frame.
	Static Class = iota
	// Dynamic lines changed between frames and are candidates for motion.
	Dynamic
)

// String returns a string representation of the Class.
func (c Class) String() string {
	switch c {
	case Static:
		return "STATIC"
	case Dynamic:
		return "DYNAMIC"
	default:
		return "UNKNOWN"
	}
}

// Policy names accepted in Config.Policy.
const (
	PolicyKim = "kim"
	PolicyLiu = "liu"
)

// Config holds the classification parameters.
type Config struct {
	// Policy selects the consistency test: "kim" (color and orientation
	// consistency) or "liu" (orientation histogram distance).
	Policy string `yaml:"policy"`

	// PixelTolerance is the largest per-pixel intensity difference that still
	// counts as the same color.
	PixelTolerance int `yaml:"pixel_tolerance"`

	// ColorFraction is the share of same-color pixels a static line needs.
	ColorFraction float64 `yaml:"color_fraction"`

	// GradVariance is the largest gradient magnitude change of a consistent pixel.
	GradVariance float64 `yaml:"grad_variance"`

	// OrientVariance is the largest gradient orientation change, in degrees,
	// of a consistent pixel.
	OrientVariance float64 `yaml:"orient_variance"`

	// ConsistencyFraction is the share of orientation consistent pixels a
	// static line needs.
	ConsistencyFraction float64 `yaml:"consistency_fraction"`

	// HistogramThreshold is the largest histogram distance between successive
	// frames of a static line under the liu policy.
	HistogramThreshold float64 `yaml:"histogram_threshold"`

	// AlignToStrips snaps line widths to a multiple of StripWidth and drops
	// lines narrower than one strip.
	AlignToStrips bool `yaml:"align_to_strips"`

	// StripWidth is the strip width used by AlignToStrips.
	StripWidth int `yaml:"strip_width"`
}

// DefaultConfig returns the kim policy with its usual tolerances.
func DefaultConfig() Config {
	return Config{
		Policy:              PolicyKim,
		PixelTolerance:      10,
		ColorFraction:       0.70,
		GradVariance:        20,
		OrientVariance:      10,
		ConsistencyFraction: 0.5,
		HistogramThreshold:  0.02,
		AlignToStrips:       false,
		StripWidth:          15,
	}
}

// Validate checks the policy name and the fractions.
func (c Config) Validate() error {
	switch c.Policy {
	case PolicyKim, PolicyLiu:
	default:
		return fmt.Errorf("classify: unknown policy %q", c.Policy)
	}
	for name, f := range map[string]float64{
		"color_fraction":       c.ColorFraction,
		"consistency_fraction": c.ConsistencyFraction,
	} {
		if f < 0 || f > 1 {
			return fmt.Errorf("classify: %s %v must be within [0, 1]", name, f)
		}
	}
	if c.PixelTolerance < 0 || c.GradVariance < 0 || c.OrientVariance < 0 || c.HistogramThreshold < 0 {
		return fmt.Errorf("classify: tolerances must not be negative")
	}
	if c.AlignToStrips && c.StripWidth < 1 {
		return fmt.Errorf("classify: strip_width %d must be positive", c.StripWidth)
	}
	return nil
}

// Policy decides whether three crops of the same region show a static line.
type Policy interface {
	// Name returns the configuration name of the policy.
	Name() string
	// Static reports whether the crops are consistent. All three crops have
	// the same non-zero size.
	Static(prev, cur, next raster.Gray) bool
}

// NewPolicy returns the policy selected by cfg.
func NewPolicy(cfg Config) (Policy, error) {
	switch cfg.Policy {
	case PolicyKim:
		return &kim{cfg: cfg}, nil
	case PolicyLiu:
		return &liu{threshold: cfg.HistogramThreshold}, nil
	default:
		return nil, fmt.Errorf("classify: unknown policy %q", cfg.Policy)
	}
}

// Result is the classification of one text line.
type Result struct {
	// Line is the text line as produced by the splitter.
	Line textline.Line
	// Region is the frame region that was compared, after height and strip
	// alignment.
	Region image.Rectangle
	// Class is the outcome.
	Class Class
}

// Partition splits the results of a frame by class, each in line order.
type Partition struct {
	Static  []Result
	Dynamic []Result
}

// Classifier applies a Policy to every text line of a frame.
type Classifier struct {
	cfg    Config
	policy Policy
}

// NewClassifier validates cfg and creates a classifier for its policy.
func NewClassifier(cfg Config) (*Classifier, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p, err := NewPolicy(cfg)
	if err != nil {
		return nil, err
	}
	return &Classifier{cfg: cfg, policy: p}, nil
}

// Policy returns the active policy.
func (c *Classifier) Policy() Policy {
	return c.policy
}

// Classify crops every line from the three frames, which must share the
// current frame's size, and partitions the lines into static and dynamic.
// Lines whose adjusted region has no area are skipped.
func (c *Classifier) Classify(prev, cur, next raster.Gray, lines []textline.Line) Partition {
	var out Partition
	if !raster.SameSize(prev, cur) || !raster.SameSize(cur, next) {
		return out
	}

	for _, l := range lines {
		region := c.Region(l.Region, cur.Width, cur.Height)
		if region.Empty() {
			continue
		}

		r := Result{Line: l, Region: region, Class: Dynamic}
		if c.policy.Static(prev.Crop(region), cur.Crop(region), next.Crop(region)) {
			r.Class = Static
			out.Static = append(out.Static, r)
			continue
		}
		out.Dynamic = append(out.Dynamic, r)
	}
	return out
}

// Region clips r to the frame, trims an even height to odd by dropping its
// top row and, with AlignToStrips, snaps the width to whole strips.
func (c *Classifier) Region(r image.Rectangle, width, height int) image.Rectangle {
	r = raster.Clip(r, width, height)
	if r.Empty() {
		return image.Rectangle{}
	}
	if r.Dy()%2 == 0 {
		r.Min.Y++
	}

	if c.cfg.AlignToStrips {
		s := c.cfg.StripWidth
		n, rem := r.Dx()/s, r.Dx()%s
		if 2*rem > s && r.Min.X+s*(n+1) <= width {
			n++
		}
		if n == 0 {
			return image.Rectangle{}
		}
		r.Max.X = r.Min.X + s*n
	}
	return r
}
