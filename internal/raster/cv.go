package raster

import (
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// Contour is one traced outer boundary of a binary raster.
type Contour struct {
	// Bounds is the bounding rectangle of the contour points.
	Bounds image.Rectangle
	// Area is the polygon area enclosed by the contour.
	Area float64
}

// FromMat converts an 8-bit Mat into a Gray raster. Three and four channel
// inputs are treated as BGR and BGRA and converted to grayscale.
func FromMat(m gocv.Mat) (Gray, error) {
	if m.Empty() {
		return Gray{}, fmt.Errorf("raster: empty mat")
	}

	var gray gocv.Mat
	switch m.Type() {
	case gocv.MatTypeCV8UC1:
		gray = m.Clone()
	case gocv.MatTypeCV8UC3:
		gray = gocv.NewMat()
		gocv.CvtColor(m, &gray, gocv.ColorBGRToGray)
	case gocv.MatTypeCV8UC4:
		gray = gocv.NewMat()
		gocv.CvtColor(m, &gray, gocv.ColorBGRAToGray)
	default:
		return Gray{}, fmt.Errorf("raster: unsupported mat type %v", m.Type())
	}
	defer gray.Close()

	return FromPix(gray.Cols(), gray.Rows(), gray.ToBytes())
}

// ToMat copies the raster into a new single channel Mat owned by OpenCV.
// The caller must close the returned Mat.
func (g Gray) ToMat() (gocv.Mat, error) {
	if g.Empty() {
		return gocv.NewMat(), fmt.Errorf("raster: empty raster")
	}
	view, err := gocv.NewMatFromBytes(g.Height, g.Width, gocv.MatTypeCV8UC1, g.Pix)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("raster: failed to wrap pixels: %w", err)
	}
	defer view.Close()
	return view.Clone(), nil
}

// GaussianBlur smooths the raster with a square Gaussian kernel of the given
// odd size. Sigma is derived from the kernel size.
func GaussianBlur(g Gray, kernelSize int) (Gray, error) {
	if kernelSize < 1 || kernelSize%2 == 0 {
		return Gray{}, fmt.Errorf("raster: gaussian kernel size %d must be odd and positive", kernelSize)
	}
	return apply(g, func(src gocv.Mat, dst *gocv.Mat) {
		gocv.GaussianBlur(src, dst, image.Pt(kernelSize, kernelSize), 0, 0, gocv.BorderDefault)
	})
}

// Dilate dilates the raster with an all-ones rectangle of rows x cols.
func Dilate(g Gray, rows, cols int) (Gray, error) {
	if rows < 1 || cols < 1 {
		return Gray{}, fmt.Errorf("raster: structuring element %dx%d must be positive", rows, cols)
	}
	kernel := gocv.GetStructuringElement(gocv.MorphRect, image.Pt(cols, rows))
	defer kernel.Close()

	return apply(g, func(src gocv.Mat, dst *gocv.Mat) {
		gocv.Dilate(src, dst, kernel)
	})
}

// And combines two rasters of identical size with a per-pixel bitwise AND.
func And(a, b Gray) (Gray, error) {
	if !SameSize(a, b) {
		return Gray{}, fmt.Errorf("raster: and of %dx%d with %dx%d", a.Width, a.Height, b.Width, b.Height)
	}
	ma, err := a.ToMat()
	if err != nil {
		return Gray{}, err
	}
	defer ma.Close()
	mb, err := b.ToMat()
	if err != nil {
		return Gray{}, err
	}
	defer mb.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	gocv.BitwiseAnd(ma, mb, &dst)
	return FromMat(dst)
}

// Contours traces the outer boundaries of the non-zero components of a binary
// raster and returns them in trace order.
func Contours(g Gray) ([]Contour, error) {
	if g.Empty() {
		return nil, nil
	}
	m, err := g.ToMat()
	if err != nil {
		return nil, err
	}
	defer m.Close()

	points := gocv.FindContours(m, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer points.Close()

	out := make([]Contour, 0, points.Size())
	for i := 0; i < points.Size(); i++ {
		pv := points.At(i)
		out = append(out, Contour{
			Bounds: Clip(gocv.BoundingRect(pv), g.Width, g.Height),
			Area:   gocv.ContourArea(pv),
		})
	}
	return out, nil
}

// apply runs a single Mat to Mat operation on a copy of g.
func apply(g Gray, op func(src gocv.Mat, dst *gocv.Mat)) (Gray, error) {
	src, err := g.ToMat()
	if err != nil {
		return Gray{}, err
	}
	defer src.Close()

	dst := gocv.NewMat()
	defer dst.Close()
	op(src, &dst)
	if dst.Empty() {
		return Gray{}, fmt.Errorf("raster: opencv produced an empty result")
	}
	return FromMat(dst)
}
