// Package textline splits candidate text blocks into individual text lines
// using horizontal projection profiles.
//
// Every block goes through four passes: a varying-length split at sharp
// profile transitions, an equal-length split at the Otsu threshold of the
// profile, baseline refinement around the profile centroid and a heuristic
// filter. Regions stay in absolute frame coordinates through every pass.
package textline

import (
	"fmt"
	"image"

	"gonum.org/v1/gonum/stat"

	"github.com/clalos/stream-ticker-detector/internal/blocks"
	"github.com/clalos/stream-ticker-detector/internal/raster"
)

// Config holds the line splitting parameters.
type Config struct {
	// VarianceThreshold is the profile jump a row must exceed to become a
	// varying-length split candidate.
	VarianceThreshold int `yaml:"variance_threshold"`

	// SplitCoef is the fraction of the longest row a split row must stay below.
	SplitCoef float64 `yaml:"split_coef"`

	// BaselineCoef is the edge density the baseline window must exceed to grow.
	BaselineCoef float64 `yaml:"baseline_coef"`

	// MinSplitHeight is the smallest height that is still considered for
	// splitting and refinement.
	MinSplitHeight int `yaml:"min_split_height"`

	// BaselineSeed is the odd height of the window seeded at the centroid.
	BaselineSeed int `yaml:"baseline_seed"`

	// MinPixels is the minimum number of edge pixels in an accepted line.
	MinPixels int `yaml:"min_pixels"`

	// MinChars and CharAspect bound the aspect ratio of an accepted line:
	// width/height must exceed CharAspect*MinChars.
	MinChars   int     `yaml:"min_chars"`
	CharAspect float64 `yaml:"char_aspect"`

	// MinHeight is the height an accepted line must exceed.
	MinHeight int `yaml:"min_height"`
}

// DefaultConfig returns the parameters tuned for broadcast captions.
func DefaultConfig() Config {
	return Config{
		VarianceThreshold: 25,
		SplitCoef:         0.5,
		BaselineCoef:      0.5,
		MinSplitHeight:    8,
		BaselineSeed:      7,
		MinPixels:         75,
		MinChars:          2,
		CharAspect:        0.6,
		MinHeight:         8,
	}
}

// Validate checks the coefficients and the baseline seed.
func (c Config) Validate() error {
	if c.SplitCoef <= 0 || c.SplitCoef > 1 {
		return fmt.Errorf("textline: split_coef %v must be in (0, 1]", c.SplitCoef)
	}
	if c.BaselineCoef < 0 || c.BaselineCoef >= 1 {
		return fmt.Errorf("textline: baseline_coef %v must be in [0, 1)", c.BaselineCoef)
	}
	if c.BaselineSeed < 1 || c.BaselineSeed%2 == 0 {
		return fmt.Errorf("textline: baseline_seed %d must be odd and positive", c.BaselineSeed)
	}
	if c.MinSplitHeight < 2 {
		return fmt.Errorf("textline: min_split_height %d must be at least 2", c.MinSplitHeight)
	}
	return nil
}

// Line is a text line region and its crop of the block edge mask.
type Line struct {
	Region image.Rectangle
	Mask   raster.Gray
}

// Splitter extracts text lines from candidate blocks.
type Splitter struct {
	cfg Config
}

// NewSplitter creates a splitter with the given configuration.
func NewSplitter(cfg Config) *Splitter {
	return &Splitter{cfg: cfg}
}

// Extract runs the four passes on every block and returns the accepted lines in
// block order, top to bottom within a block.
func (s *Splitter) Extract(bs []blocks.Block) []Line {
	var out []Line
	for _, b := range bs {
		for _, coarse := range s.SplitVarying(Line{Region: b.Region, Mask: b.Mask}) {
			for _, fine := range s.SplitEqual(coarse) {
				refined, ok := s.RefineBaseline(fine)
				if ok && s.Accept(refined) {
					out = append(out, refined)
				}
			}
		}
	}
	return out
}

// Profile returns the number of non-zero pixels in each row of mask.
func Profile(mask raster.Gray) []int {
	p := make([]int, mask.Height)
	for y := range p {
		for _, v := range mask.Row(y) {
			if v != 0 {
				p[y]++
			}
		}
	}
	return p
}

// OtsuIndex reads the profile as a histogram over row index and returns the
// row that maximises the between-class variance. An empty profile yields 0.
func OtsuIndex(hist []int) int {
	var total, weighted float64
	for i, v := range hist {
		total += float64(v)
		weighted += float64(i) * float64(v)
	}
	if total == 0 {
		return 0
	}

	var wB, sumB, best float64
	index := 0
	for t, v := range hist {
		wB += float64(v)
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t) * float64(v)
		mB := sumB / wB
		mF := (weighted - sumB) / wF
		between := wB * wF * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			index = t
		}
	}
	return index
}

// SplitVarying splits l at rows where the profile jumps by more than
// VarianceThreshold into a sparse row, until no part can be split. The parts
// tile l from top to bottom.
func (s *Splitter) SplitVarying(l Line) []Line {
	return s.splitAll(l, s.varyingBoundary)
}

// SplitEqual splits l at the Otsu row of its profile while that row is sparse.
// The parts tile l from top to bottom.
func (s *Splitter) SplitEqual(l Line) []Line {
	return s.splitAll(l, s.equalBoundary)
}

// splitAll applies boundary to a work list until every part is a leaf.
func (s *Splitter) splitAll(l Line, boundary func(p []int) (int, bool)) []Line {
	var out []Line
	stack := []Line{l}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if cur.Mask.Height < s.cfg.MinSplitHeight {
			out = append(out, cur)
			continue
		}
		b, ok := boundary(Profile(cur.Mask))
		if !ok || b <= 0 || b >= cur.Mask.Height {
			out = append(out, cur)
			continue
		}

		upper, lower := splitAt(cur, b)
		stack = append(stack, lower, upper)
	}
	return out
}

func (s *Splitter) varyingBoundary(p []int) (int, bool) {
	longest := maxOf(p)
	if longest == 0 {
		return 0, false
	}

	row, jump := 0, 0
	for i := 1; i < len(p); i++ {
		d := abs(p[i] - p[i-1])
		if d > jump {
			row, jump = i, d
		}
	}
	if jump <= s.cfg.VarianceThreshold || float64(p[row]) >= s.cfg.SplitCoef*float64(longest) {
		return 0, false
	}
	return row + 1, true
}

func (s *Splitter) equalBoundary(p []int) (int, bool) {
	longest := maxOf(p)
	if longest == 0 {
		return 0, false
	}
	row := OtsuIndex(p)
	if float64(p[row]) >= s.cfg.SplitCoef*float64(longest) {
		return 0, false
	}
	return row + 1, true
}

// RefineBaseline seeds a BaselineSeed-row window at the profile centroid and
// widens it one row per side while the widened window stays inside the line
// and its edge density exceeds BaselineCoef. It reports false when the seed
// window itself is too sparse or does not fit, in which case l is not text.
// The centroid weights rows from 1, so the seed sits one row below the
// 0-based mean. The refined line therefore has an odd height.
func (s *Splitter) RefineBaseline(l Line) (Line, bool) {
	h, w := l.Mask.Height, l.Mask.Width
	if h < s.cfg.MinSplitHeight || w == 0 {
		return Line{}, false
	}

	p := Profile(l.Mask)
	rows := make([]float64, h)
	weights := make([]float64, h)
	var total float64
	for i, v := range p {
		rows[i] = float64(i + 1)
		weights[i] = float64(v)
		total += float64(v)
	}
	if total == 0 {
		return Line{}, false
	}

	center := int(stat.Mean(rows, weights))
	half := s.cfg.BaselineSeed / 2
	top, bottom := center-half, center+half
	if top < 0 || bottom >= h {
		return Line{}, false
	}

	dense := func(top, bottom int) bool {
		n := 0
		for y := top; y <= bottom; y++ {
			n += p[y]
		}
		return float64(n) > s.cfg.BaselineCoef*float64((bottom-top+1)*w)
	}
	if !dense(top, bottom) {
		return Line{}, false
	}
	for top > 0 && bottom < h-1 && dense(top-1, bottom+1) {
		top--
		bottom++
	}

	r := image.Rect(0, top, w, bottom+1)
	return Line{
		Region: r.Add(l.Region.Min),
		Mask:   l.Mask.Crop(r),
	}, true
}

// Accept applies the heuristic line filter: height above MinHeight, at least
// MinPixels edge pixels and a width/height ratio above CharAspect*MinChars.
func (s *Splitter) Accept(l Line) bool {
	h := l.Mask.Height
	if h <= s.cfg.MinHeight {
		return false
	}
	if l.Mask.CountNonZero() < s.cfg.MinPixels {
		return false
	}
	return float64(l.Mask.Width)/float64(h) > s.cfg.CharAspect*float64(s.cfg.MinChars)
}

// splitAt cuts l so that rows [0, b) form the upper part.
func splitAt(l Line, b int) (upper, lower Line) {
	w, h := l.Mask.Width, l.Mask.Height
	ru := image.Rect(0, 0, w, b)
	rl := image.Rect(0, b, w, h)
	upper = Line{Region: ru.Add(l.Region.Min), Mask: l.Mask.Crop(ru)}
	lower = Line{Region: rl.Add(l.Region.Min), Mask: l.Mask.Crop(rl)}
	return upper, lower
}

func maxOf(p []int) int {
	m := 0
	for _, v := range p {
		if v > m {
			m = v
		}
	}
	return m
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
