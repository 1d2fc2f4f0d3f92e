package classify

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/clalos/stream-ticker-detector/internal/edge"
	"github.com/clalos/stream-ticker-detector/internal/raster"
)

// gradient holds the per-pixel Sobel magnitude and orientation of a crop.
type gradient struct {
	magnitude   []float64
	orientation []float64
}

// gradientOf computes magnitude and orientation in degrees. The orientation is
// atan2(gy, gx), or 90 when both derivatives are zero.
func gradientOf(g raster.Gray) gradient {
	gx := mat.NewDense(g.Height, g.Width, nil)
	gy := mat.NewDense(g.Height, g.Width, nil)
	edge.Sobel(g, gx, gy)

	dx, dy := gx.RawMatrix().Data, gy.RawMatrix().Data
	out := gradient{
		magnitude:   make([]float64, len(dx)),
		orientation: make([]float64, len(dx)),
	}
	for i := range dx {
		out.magnitude[i] = math.Hypot(dx[i], dy[i])
		out.orientation[i] = Orientation(dx[i], dy[i])
	}
	return out
}

// Orientation returns the gradient direction in degrees within (-180, 180].
func Orientation(gx, gy float64) float64 {
	if gx == 0 && gy == 0 {
		return 90
	}
	return math.Atan2(gy, gx) * 180 / math.Pi
}

// OrientDiff folds both angles into [0, 180) and returns their absolute
// difference. Opposite directions compare equal; 179 and 1 are 178 apart.
func OrientDiff(a, b float64) float64 {
	return math.Abs(fold(a) - fold(b))
}

func fold(a float64) float64 {
	a = math.Mod(a, 180)
	if a < 0 {
		a += 180
	}
	return a
}

// kim tests color consistency and orientation consistency; both must pass.
type kim struct {
	cfg Config
}

func (k *kim) Name() string { return PolicyKim }

func (k *kim) Static(prev, cur, next raster.Gray) bool {
	return k.colorConsistent(prev, cur, next) && k.orientationConsistent(prev, cur, next)
}

// colorConsistent counts pixels whose previous value is within PixelTolerance
// of both the current and the next value.
func (k *kim) colorConsistent(prev, cur, next raster.Gray) bool {
	n := 0
	for i, p := range prev.Pix {
		if absDiff(p, cur.Pix[i]) < k.cfg.PixelTolerance && absDiff(p, next.Pix[i]) < k.cfg.PixelTolerance {
			n++
		}
	}
	return float64(n)/float64(len(prev.Pix)) >= k.cfg.ColorFraction
}

// orientationConsistent counts pixels whose gradient magnitude and orientation
// stay within tolerance from previous to current and from current to next.
func (k *kim) orientationConsistent(prev, cur, next raster.Gray) bool {
	gp, gc, gn := gradientOf(prev), gradientOf(cur), gradientOf(next)

	n := 0
	for i := range gc.magnitude {
		if math.Abs(gp.magnitude[i]-gc.magnitude[i]) <= k.cfg.GradVariance &&
			math.Abs(gc.magnitude[i]-gn.magnitude[i]) <= k.cfg.GradVariance &&
			OrientDiff(gp.orientation[i], gc.orientation[i]) <= k.cfg.OrientVariance &&
			OrientDiff(gc.orientation[i], gn.orientation[i]) <= k.cfg.OrientVariance {
			n++
		}
	}
	return float64(n)/float64(len(gc.magnitude)) >= k.cfg.ConsistencyFraction
}

// liu compares 8-bucket orientation histograms of successive frames.
type liu struct {
	threshold float64
}

func (l *liu) Name() string { return PolicyLiu }

func (l *liu) Static(prev, cur, next raster.Gray) bool {
	hp, hc, hn := Histogram(prev), Histogram(cur), Histogram(next)
	return floats.Distance(hp, hc, 2) < l.threshold && floats.Distance(hc, hn, 2) < l.threshold
}

// Histogram returns the 8-bucket gradient orientation histogram of g,
// normalised by its pixel count. Bucket i is centred on i*45 degrees.
func Histogram(g raster.Gray) []float64 {
	h := make([]float64, 8)
	if g.Empty() {
		return h
	}
	for _, o := range gradientOf(g).orientation {
		a := math.Mod(o+22.5+360, 360)
		h[int(a/45)%8]++
	}
	floats.Scale(1/float64(len(g.Pix)), h)
	return h
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}
