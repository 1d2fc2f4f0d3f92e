package raster

import (
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gocv.io/x/gocv"
)

func filled(width, height int, r image.Rectangle) Gray {
	g := New(width, height)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			g.Set(x, y, 255)
		}
	}
	return g
}

func TestMatRoundTrip(t *testing.T) {
	g := New(5, 4)
	for i := range g.Pix {
		g.Pix[i] = uint8(i * 3)
	}

	m, err := g.ToMat()
	if err != nil {
		t.Fatalf("ToMat() error = %v", err)
	}
	defer m.Close()

	if m.Rows() != 4 || m.Cols() != 5 {
		t.Fatalf("ToMat() size = %dx%d, want 5x4", m.Cols(), m.Rows())
	}

	back, err := FromMat(m)
	if err != nil {
		t.Fatalf("FromMat() error = %v", err)
	}
	if diff := cmp.Diff(g, back); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFromMatBGR(t *testing.T) {
	m := gocv.NewMatWithSize(2, 3, gocv.MatTypeCV8UC3)
	defer m.Close()
	m.SetTo(gocv.NewScalar(100, 100, 100, 0))

	g, err := FromMat(m)
	if err != nil {
		t.Fatalf("FromMat() error = %v", err)
	}
	if g.Width != 3 || g.Height != 2 {
		t.Fatalf("FromMat() size = %dx%d, want 3x2", g.Width, g.Height)
	}
	for _, v := range g.Pix {
		if v != 100 {
			t.Fatalf("FromMat() gray value = %d, want 100", v)
		}
	}
}

func TestDilate(t *testing.T) {
	g := New(9, 9)
	g.Set(4, 4, 255)

	got, err := Dilate(g, 1, 5)
	if err != nil {
		t.Fatalf("Dilate() error = %v", err)
	}
	want := filled(9, 9, image.Rect(2, 4, 7, 5))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Dilate(1x5) mismatch (-want +got):\n%s", diff)
	}

	if _, err := Dilate(g, 0, 3); err == nil {
		t.Error("Dilate() with empty element should fail")
	}
}

func TestAnd(t *testing.T) {
	a := filled(6, 6, image.Rect(0, 0, 4, 4))
	b := filled(6, 6, image.Rect(2, 2, 6, 6))

	got, err := And(a, b)
	if err != nil {
		t.Fatalf("And() error = %v", err)
	}
	want := filled(6, 6, image.Rect(2, 2, 4, 4))
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("And() mismatch (-want +got):\n%s", diff)
	}

	if _, err := And(a, New(3, 3)); err == nil {
		t.Error("And() of mismatched sizes should fail")
	}
}

func TestContours(t *testing.T) {
	g := New(40, 20)
	for _, r := range []image.Rectangle{image.Rect(2, 2, 12, 8), image.Rect(20, 10, 35, 18)} {
		for y := r.Min.Y; y < r.Max.Y; y++ {
			for x := r.Min.X; x < r.Max.X; x++ {
				g.Set(x, y, 255)
			}
		}
	}

	got, err := Contours(g)
	if err != nil {
		t.Fatalf("Contours() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Contours() returned %d contours, want 2", len(got))
	}

	bounds := map[image.Rectangle]bool{}
	for _, c := range got {
		bounds[c.Bounds] = true
		if c.Area <= 0 {
			t.Errorf("contour %v has area %v", c.Bounds, c.Area)
		}
	}
	for _, want := range []image.Rectangle{image.Rect(2, 2, 12, 8), image.Rect(20, 10, 35, 18)} {
		if !bounds[want] {
			t.Errorf("Contours() missing bounds %v, got %v", want, got)
		}
	}

	none, err := Contours(New(10, 10))
	if err != nil || len(none) != 0 {
		t.Errorf("Contours() of black raster = %v, %v, want none", none, err)
	}
}

func TestGaussianBlurRejectsEvenKernel(t *testing.T) {
	if _, err := GaussianBlur(New(4, 4), 4); err == nil {
		t.Error("GaussianBlur() with even kernel should fail")
	}
	got, err := GaussianBlur(filled(8, 8, image.Rect(0, 0, 8, 8)), 5)
	if err != nil {
		t.Fatalf("GaussianBlur() error = %v", err)
	}
	for _, v := range got.Pix {
		if v != 255 {
			t.Fatalf("GaussianBlur() of constant raster changed value to %d", v)
		}
	}
}
