package raster

import (
	"image"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestClip(t *testing.T) {
	tests := []struct {
		name string
		r    image.Rectangle
		want image.Rectangle
	}{
		{name: "inside", r: image.Rect(1, 1, 4, 4), want: image.Rect(1, 1, 4, 4)},
		{name: "overhang right", r: image.Rect(8, 2, 14, 6), want: image.Rect(8, 2, 10, 6)},
		{name: "negative origin", r: image.Rect(-3, -3, 2, 2), want: image.Rect(0, 0, 2, 2)},
		{name: "outside", r: image.Rect(20, 20, 30, 30), want: image.Rectangle{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Clip(tt.r, 10, 8)
			if got != tt.want {
				t.Errorf("Clip(%v) = %v, want %v", tt.r, got, tt.want)
			}
		})
	}
}

func TestCrop(t *testing.T) {
	g := New(4, 3)
	for i := range g.Pix {
		g.Pix[i] = uint8(i)
	}

	got := g.Crop(image.Rect(1, 1, 3, 3))
	want := Gray{Width: 2, Height: 2, Pix: []uint8{5, 6, 9, 10}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("Crop() mismatch (-want +got):\n%s", diff)
	}

	if empty := g.Crop(image.Rect(5, 5, 6, 6)); !empty.Empty() {
		t.Errorf("Crop() outside bounds = %+v, want empty", empty)
	}

	// Crops are copies.
	got.Pix[0] = 99
	if g.At(1, 1) != 5 {
		t.Errorf("Crop() aliases the source raster")
	}
}

func TestMinMaxAndCount(t *testing.T) {
	g := Gray{Width: 3, Height: 1, Pix: []uint8{0, 40, 200}}
	lo, hi := g.MinMax()
	if lo != 0 || hi != 200 {
		t.Errorf("MinMax() = %d, %d, want 0, 200", lo, hi)
	}
	if n := g.CountNonZero(); n != 2 {
		t.Errorf("CountNonZero() = %d, want 2", n)
	}

	lo, hi = Gray{}.MinMax()
	if lo != 0 || hi != 0 {
		t.Errorf("MinMax() of empty raster = %d, %d, want 0, 0", lo, hi)
	}
}

func TestFromPix(t *testing.T) {
	if _, err := FromPix(2, 2, make([]uint8, 3)); err == nil {
		t.Error("FromPix() with short buffer should fail")
	}
	g, err := FromPix(2, 2, []uint8{1, 2, 3, 4})
	if err != nil {
		t.Fatalf("FromPix() error = %v", err)
	}
	if g.At(1, 1) != 4 || g.At(5, 5) != 0 {
		t.Errorf("At() returned unexpected samples")
	}
}

func TestHConcat(t *testing.T) {
	a := Gray{Width: 2, Height: 2, Pix: []uint8{1, 2, 3, 4}}
	b := Gray{Width: 1, Height: 1, Pix: []uint8{9}}

	got := HConcat(a, b)
	want := Gray{Width: 3, Height: 2, Pix: []uint8{1, 2, 9, 3, 4, 0}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("HConcat() mismatch (-want +got):\n%s", diff)
	}

	if empty := HConcat(); !empty.Empty() {
		t.Errorf("HConcat() of nothing = %+v, want empty", empty)
	}
}
