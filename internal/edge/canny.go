// Package edge implements the Canny style edge detector that feeds candidate
// text block extraction. It produces two oriented edge maps per frame: one
// built from the horizontal derivative (vertical strokes) and one built from
// the vertical derivative (horizontal strokes).
package edge

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/clalos/stream-ticker-detector/internal/raster"
)

// Edge is the value written for confirmed edge pixels.
const Edge = 255.0

// ErrEmptyFrame is returned when Canny is called with a frame that has no pixels.
var ErrEmptyFrame = errors.New("edge: empty frame")

// Config holds the edge detector parameters.
type Config struct {
	// KernelSize is the Gaussian smoothing kernel size. It must be odd.
	// The suppression margin is derived from it.
	KernelSize int `yaml:"kernel_size"`

	// LowThreshold is the gradient magnitude a weak pixel needs to join an edge
	// that is already connected to a strong pixel.
	LowThreshold float64 `yaml:"low_threshold"`

	// HighThreshold is the gradient magnitude that seeds a new edge.
	HighThreshold float64 `yaml:"high_threshold"`
}

// DefaultConfig returns the detector defaults used for broadcast tickers.
func DefaultConfig() Config {
	return Config{
		KernelSize:    5,
		LowThreshold:  40,
		HighThreshold: 100,
	}
}

// Validate checks the thresholds and the kernel size.
func (c Config) Validate() error {
	if c.KernelSize < 1 || c.KernelSize%2 == 0 {
		return fmt.Errorf("edge: kernel_size %d must be odd and positive", c.KernelSize)
	}
	if c.LowThreshold <= 0 || c.HighThreshold > Edge || c.LowThreshold > c.HighThreshold {
		return fmt.Errorf("edge: thresholds must satisfy 0 < low (%v) <= high (%v) <= %v",
			c.LowThreshold, c.HighThreshold, Edge)
	}
	return nil
}

// Map is the pair of oriented 0/255 edge maps for one frame. Both matrices have
// the frame's height as rows and its width as columns.
type Map struct {
	// Horizontal holds horizontally oriented edges, derived from the vertical
	// derivative.
	Horizontal *mat.Dense
	// Vertical holds vertically oriented edges, derived from the horizontal
	// derivative. Character strokes land here.
	Vertical *mat.Dense
}

// Dims returns the number of rows and columns of the map.
func (m Map) Dims() (rows, cols int) {
	if m.Vertical == nil {
		return 0, 0
	}
	return m.Vertical.Dims()
}

// Detector runs Canny edge detection. Its gradient and suppression buffers are
// reused across frames of the same size, so a Detector must not be shared by
// concurrent callers.
type Detector struct {
	cfg Config

	gx, gy     *mat.Dense
	supH, supV *mat.Dense
	stack      []int
}

// NewDetector creates a detector with the given configuration.
func NewDetector(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// Canny smooths the frame, computes Sobel gradients, thins them with
// non-maximum suppression and confirms edges by double threshold hysteresis,
// separately for each orientation.
func (d *Detector) Canny(frame raster.Gray) (Map, error) {
	if frame.Empty() {
		return Map{}, ErrEmptyFrame
	}

	smoothed, err := raster.GaussianBlur(frame, d.cfg.KernelSize)
	if err != nil {
		return Map{}, fmt.Errorf("edge: smoothing failed: %w", err)
	}

	d.reset(frame.Height, frame.Width)
	Sobel(smoothed, d.gx, d.gy)
	d.suppress()

	return Map{
		Horizontal: d.hysteresis(d.supH),
		Vertical:   d.hysteresis(d.supV),
	}, nil
}

// reset sizes the scratch buffers for a rows x cols frame and clears them.
func (d *Detector) reset(rows, cols int) {
	buffers := []**mat.Dense{&d.gx, &d.gy, &d.supH, &d.supV}
	for _, b := range buffers {
		if *b != nil {
			if r, c := (*b).Dims(); r == rows && c == cols {
				(*b).Zero()
				continue
			}
		}
		*b = mat.NewDense(rows, cols, nil)
	}
}

// Sobel writes the 3x3 Sobel derivatives of img into gx and gy, which must be
// img.Height x img.Width. The one pixel border is left at zero. gy is positive
// where the row above is brighter than the row below.
func Sobel(img raster.Gray, gx, gy *mat.Dense) {
	w, h := img.Width, img.Height
	rx, ry := gx.RawMatrix(), gy.RawMatrix()
	for y := 1; y < h-1; y++ {
		up, row, down := img.Row(y-1), img.Row(y), img.Row(y+1)
		for x := 1; x < w-1; x++ {
			a, b, c := float64(up[x-1]), float64(up[x]), float64(up[x+1])
			l, r := float64(row[x-1]), float64(row[x+1])
			e, f, g := float64(down[x-1]), float64(down[x]), float64(down[x+1])

			rx.Data[y*rx.Stride+x] = (c + 2*r + g) - (a + 2*l + e)
			ry.Data[y*ry.Stride+x] = (a + 2*b + c) - (e + 2*f + g)
		}
	}
}

// Sector buckets an edge normal angle in degrees into 0, 45, 90 or 135.
func Sector(angle float64) int {
	angle = math.Mod(angle, 180)
	if angle < 0 {
		angle += 180
	}
	switch {
	case angle < 22.5 || angle >= 157.5:
		return 0
	case angle < 67.5:
		return 45
	case angle < 112.5:
		return 90
	default:
		return 135
	}
}

// Angle returns atan2(gy, gx) in degrees, or 90 when gx is zero.
func Angle(gx, gy float64) float64 {
	if gx == 0 {
		return 90
	}
	return math.Atan2(gy, gx) * 180 / math.Pi
}

// neighbours returns the offsets (dx, dy) of the two pixels along the normal of
// the given sector, in image coordinates where y grows downwards.
func neighbours(sector int) (dx1, dy1, dx2, dy2 int) {
	switch sector {
	case 45:
		return 1, -1, -1, 1
	case 90:
		return 0, -1, 0, 1
	case 135:
		return -1, -1, 1, 1
	default:
		return -1, 0, 1, 0
	}
}

// suppress fills supH and supV with the absolute derivatives that are local
// maxima along the edge normal. Pixels within the margin keep their absolute
// derivatives unsuppressed.
func (d *Detector) suppress() {
	rows, cols := d.gx.Dims()
	margin := d.cfg.KernelSize / 2
	if margin < 1 {
		margin = 1
	}

	rx, ry := d.gx.RawMatrix(), d.gy.RawMatrix()
	rh, rv := d.supH.RawMatrix(), d.supV.RawMatrix()

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			i := y*rx.Stride + x
			gx, gy := rx.Data[i], ry.Data[i]
			v, h := math.Abs(gx), math.Abs(gy)
			if y < margin || y >= rows-margin || x < margin || x >= cols-margin {
				rv.Data[y*rv.Stride+x] = v
				rh.Data[y*rh.Stride+x] = h
				continue
			}

			dx1, dy1, dx2, dy2 := neighbours(Sector(Angle(gx, gy)))
			n1 := (y+dy1)*rx.Stride + x + dx1
			n2 := (y+dy2)*rx.Stride + x + dx2
			if v >= math.Abs(rx.Data[n1]) && v >= math.Abs(rx.Data[n2]) {
				rv.Data[y*rv.Stride+x] = v
			}
			if h >= math.Abs(ry.Data[n1]) && h >= math.Abs(ry.Data[n2]) {
				rh.Data[y*rh.Stride+x] = h
			}
		}
	}
}

// hysteresis runs Hysteresis reusing the detector's stack.
func (d *Detector) hysteresis(m *mat.Dense) *mat.Dense {
	out, stack := hysteresis(m, d.cfg.LowThreshold, d.cfg.HighThreshold, d.stack[:0])
	d.stack = stack
	return out
}

// Hysteresis confirms edges in m: every value >= high seeds an edge and the
// edge grows through 8-connected neighbours >= low. Confirmed pixels are set
// to 255 in the returned matrix, all others are zero. Running it again on its
// own output returns the same map whenever 0 < low <= high <= 255.
func Hysteresis(m *mat.Dense, low, high float64) *mat.Dense {
	out, _ := hysteresis(m, low, high, nil)
	return out
}

func hysteresis(m *mat.Dense, low, high float64, stack []int) (*mat.Dense, []int) {
	rows, cols := m.Dims()
	out := mat.NewDense(rows, cols, nil)
	src, dst := m.RawMatrix(), out.RawMatrix()

	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			if dst.Data[y*dst.Stride+x] != 0 || src.Data[y*src.Stride+x] < high {
				continue
			}
			dst.Data[y*dst.Stride+x] = Edge
			stack = append(stack, y*cols+x)

			for len(stack) > 0 {
				p := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				py, px := p/cols, p%cols

				for ny := py - 1; ny <= py+1; ny++ {
					if ny < 0 || ny >= rows {
						continue
					}
					for nx := px - 1; nx <= px+1; nx++ {
						if nx < 0 || nx >= cols || (nx == px && ny == py) {
							continue
						}
						if dst.Data[ny*dst.Stride+nx] != 0 || src.Data[ny*src.Stride+nx] < low {
							continue
						}
						dst.Data[ny*dst.Stride+nx] = Edge
						stack = append(stack, ny*cols+nx)
					}
				}
			}
		}
	}
	return out, stack
}

// ToGray converts an edge matrix to an 8-bit raster, saturating at 255.
func ToGray(m *mat.Dense) raster.Gray {
	rows, cols := m.Dims()
	out := raster.New(cols, rows)
	raw := m.RawMatrix()
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := raw.Data[y*raw.Stride+x]
			switch {
			case v >= 255:
				out.Pix[y*cols+x] = 255
			case v > 0:
				out.Pix[y*cols+x] = uint8(v)
			}
		}
	}
	return out
}
