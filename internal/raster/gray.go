// Package raster holds the 8-bit grayscale raster shared by every stage of the
// ticker pipeline and the gocv adapters for the primitives the pipeline borrows
// from OpenCV: color conversion, Gaussian smoothing, dilation, bitwise AND and
// contour tracing.
//
// The pixel loops of the pipeline run on Gray directly. OpenCV is only entered
// through the helpers in this package so that Mat lifetimes never leak out.
package raster

import (
	"fmt"
	"image"
)

// Gray is a row-major 8-bit single channel raster. Stride always equals Width.
type Gray struct {
	// Width is the number of columns.
	Width int
	// Height is the number of rows.
	Height int
	// Pix holds Width*Height samples, row by row.
	Pix []uint8
}

// New allocates a zeroed raster of the given size.
// Negative sizes are treated as zero.
func New(width, height int) Gray {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return Gray{Width: width, Height: height, Pix: make([]uint8, width*height)}
}

// FromPix wraps an existing buffer. The buffer length must be width*height.
func FromPix(width, height int, pix []uint8) (Gray, error) {
	if width < 0 || height < 0 || len(pix) != width*height {
		return Gray{}, fmt.Errorf("raster: buffer of %d bytes does not match %dx%d", len(pix), width, height)
	}
	return Gray{Width: width, Height: height, Pix: pix}, nil
}

// Empty reports whether the raster holds no pixels.
func (g Gray) Empty() bool {
	return g.Width == 0 || g.Height == 0
}

// Bounds returns the raster rectangle anchored at the origin.
func (g Gray) Bounds() image.Rectangle {
	return image.Rect(0, 0, g.Width, g.Height)
}

// At returns the sample at (x, y). Out of range coordinates read as zero.
func (g Gray) At(x, y int) uint8 {
	if x < 0 || y < 0 || x >= g.Width || y >= g.Height {
		return 0
	}
	return g.Pix[y*g.Width+x]
}

// Set writes the sample at (x, y). Out of range coordinates are ignored.
func (g Gray) Set(x, y int, v uint8) {
	if x < 0 || y < 0 || x >= g.Width || y >= g.Height {
		return
	}
	g.Pix[y*g.Width+x] = v
}

// Row returns the samples of row y without copying.
func (g Gray) Row(y int) []uint8 {
	return g.Pix[y*g.Width : (y+1)*g.Width]
}

// Clone returns a deep copy.
func (g Gray) Clone() Gray {
	out := Gray{Width: g.Width, Height: g.Height, Pix: make([]uint8, len(g.Pix))}
	copy(out.Pix, g.Pix)
	return out
}

// Clip intersects r with the width x height frame. Empty intersections collapse
// to the zero rectangle.
func Clip(r image.Rectangle, width, height int) image.Rectangle {
	return r.Canon().Intersect(image.Rect(0, 0, width, height))
}

// Crop copies the pixels inside r (clipped to the raster) into a new raster.
// A crop with no area yields an empty raster.
func (g Gray) Crop(r image.Rectangle) Gray {
	r = Clip(r, g.Width, g.Height)
	if r.Empty() {
		return Gray{}
	}
	out := New(r.Dx(), r.Dy())
	for y := 0; y < out.Height; y++ {
		src := (r.Min.Y+y)*g.Width + r.Min.X
		copy(out.Pix[y*out.Width:(y+1)*out.Width], g.Pix[src:src+out.Width])
	}
	return out
}

// CountNonZero returns the number of samples that are not zero.
func (g Gray) CountNonZero() int {
	n := 0
	for _, v := range g.Pix {
		if v != 0 {
			n++
		}
	}
	return n
}

// MinMax returns the smallest and largest sample. An empty raster yields 0, 0.
func (g Gray) MinMax() (lo, hi uint8) {
	if len(g.Pix) == 0 {
		return 0, 0
	}
	lo, hi = 255, 0
	for _, v := range g.Pix {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}

// SameSize reports whether both rasters have identical dimensions.
func SameSize(a, b Gray) bool {
	return a.Width == b.Width && a.Height == b.Height
}

// HConcat places the rasters side by side, left to right. The result is as
// tall as the tallest part; shorter parts are top aligned and zero padded.
func HConcat(parts ...Gray) Gray {
	width, height := 0, 0
	for _, p := range parts {
		width += p.Width
		height = max(height, p.Height)
	}
	out := New(width, height)
	x := 0
	for _, p := range parts {
		for y := 0; y < p.Height; y++ {
			copy(out.Pix[y*width+x:y*width+x+p.Width], p.Row(y))
		}
		x += p.Width
	}
	return out
}
