package motion

import (
	"fmt"
	"image"
	"math"

	"github.com/clalos/stream-ticker-detector/internal/raster"
)

// Config holds the block matching parameters.
type Config struct {
	// StripWidth is the width of each vertical strip of a text line. The last
	// strip of a line may be narrower.
	StripWidth int `yaml:"strip_width"`

	// MaxShift bounds the horizontal search in either direction.
	MaxShift int `yaml:"max_shift"`

	// SADThreshold is the SAD a match must stay below when GateBySAD is set.
	SADThreshold int `yaml:"sad_threshold"`

	// GateBySAD rejects best matches whose SAD is not below SADThreshold.
	// When false the minimum SAD position is always returned.
	GateBySAD bool `yaml:"gate_by_sad"`

	// UniformRange is the largest max-min spread of a strip that is treated as
	// uniform and skipped.
	UniformRange int `yaml:"uniform_range"`
}

// DefaultConfig returns 15 px strips, a 20 px search and an ungated SAD.
func DefaultConfig() Config {
	return Config{
		StripWidth:   15,
		MaxShift:     20,
		SADThreshold: 1000,
		GateBySAD:    false,
		UniformRange: 50,
	}
}

// Validate checks the strip width and search range.
func (c Config) Validate() error {
	if c.StripWidth < 1 {
		return fmt.Errorf("motion: strip_width %d must be positive", c.StripWidth)
	}
	if c.MaxShift < 1 {
		return fmt.Errorf("motion: max_shift %d must be positive", c.MaxShift)
	}
	if c.UniformRange < 0 || c.UniformRange > 255 {
		return fmt.Errorf("motion: uniform_range %d must be within [0, 255]", c.UniformRange)
	}
	return nil
}

// Strip is a column range [X, X+Width) of a text line.
type Strip struct {
	X     int
	Width int
}

// Strips divides width columns into strips of stripWidth, the last one
// possibly narrower.
func Strips(width, stripWidth int) []Strip {
	if width <= 0 || stripWidth <= 0 {
		return nil
	}
	out := make([]Strip, 0, (width+stripWidth-1)/stripWidth)
	for x := 0; x < width; x += stripWidth {
		w := stripWidth
		if x+w > width {
			w = width - x
		}
		out = append(out, Strip{X: x, Width: w})
	}
	return out
}

// Estimator matches text strips against a reference frame.
type Estimator struct {
	cfg Config
}

// NewEstimator creates an estimator with the given configuration.
func NewEstimator(cfg Config) *Estimator {
	return &Estimator{cfg: cfg}
}

// Config returns the estimator configuration.
func (e *Estimator) Config() Config {
	return e.cfg
}

// Estimate returns one vector per strip of text, which was cropped at region
// from another frame of the same size as ref.
//
// For a strip at absolute column x the left search scans offsets from
// max(0, x-MaxShift) up to x-1, then the right search scans x up to
// min(W-w, x+MaxShift-1). The first strictly smaller SAD wins, so ties keep
// the lowest offset with left before right. Uniform strips yield {None, 0}.
func (e *Estimator) Estimate(ref, text raster.Gray, region image.Rectangle) []Vector {
	strips := Strips(text.Width, e.cfg.StripWidth)
	out := make([]Vector, len(strips))
	for i, s := range strips {
		out[i] = e.estimateStrip(ref, text, region, s)
	}
	return out
}

func (e *Estimator) estimateStrip(ref, text raster.Gray, region image.Rectangle, s Strip) Vector {
	strip := text.Crop(image.Rect(s.X, 0, s.X+s.Width, text.Height))
	lo, hi := strip.MinMax()
	if int(hi)-int(lo) <= e.cfg.UniformRange {
		return Vector{}
	}

	x, y := region.Min.X+s.X, region.Min.Y
	h := strip.Height
	if y < 0 || y+h > ref.Height || x < 0 || x+s.Width > ref.Width {
		return Vector{}
	}

	best := Vector{}
	bestSAD := math.MaxInt
	for xr := max(0, x-e.cfg.MaxShift); xr < x; xr++ {
		if sad := SAD(strip, ref, xr, y); sad < bestSAD {
			bestSAD = sad
			best = Vector{Direction: Left, Magnitude: xr - x}
		}
	}
	last := min(ref.Width-s.Width, x+e.cfg.MaxShift-1)
	for xr := x; xr <= last; xr++ {
		if sad := SAD(strip, ref, xr, y); sad < bestSAD {
			bestSAD = sad
			best = Vector{Direction: Right, Magnitude: xr - x}
		}
	}

	if bestSAD == math.MaxInt {
		return Vector{}
	}
	if e.cfg.GateBySAD && bestSAD >= e.cfg.SADThreshold {
		return Vector{}
	}
	return best
}

// SAD returns the sum of absolute differences between patch and the same
// sized window of ref whose top-left corner is (x, y). The window must lie
// inside ref.
func SAD(patch, ref raster.Gray, x, y int) int {
	sum := 0
	for py := 0; py < patch.Height; py++ {
		a := patch.Row(py)
		b := ref.Row(y + py)[x : x+patch.Width]
		for i, v := range a {
			d := int(v) - int(b[i])
			if d < 0 {
				d = -d
			}
			sum += d
		}
	}
	return sum
}
