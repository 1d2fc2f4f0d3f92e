// Package blocks turns an oriented edge map into candidate text blocks: dense
// regions where horizontal and vertical edges overlap after directional
// dilation.
package blocks

import (
	"fmt"
	"image"

	"github.com/clalos/stream-ticker-detector/internal/edge"
	"github.com/clalos/stream-ticker-detector/internal/raster"
)

// Kernel is a rectangular all-ones structuring element.
type Kernel struct {
	Rows int `yaml:"rows"`
	Cols int `yaml:"cols"`
}

// Config holds the candidate block extraction parameters.
type Config struct {
	// HorizontalKernel dilates the horizontally oriented edge map. It grows
	// in both axes to merge the dense local edges of a text line.
	HorizontalKernel Kernel `yaml:"horizontal_kernel"`

	// VerticalKernel dilates the vertically oriented edge map. A single row
	// grows it only sideways, bridging neighbouring character strokes.
	VerticalKernel Kernel `yaml:"vertical_kernel"`

	// MinArea is the contour area a component must exceed to be kept.
	MinArea float64 `yaml:"min_area"`
}

// DefaultConfig returns the 7x3 and 1x5 elements and a 30 px² area floor.
func DefaultConfig() Config {
	return Config{
		HorizontalKernel: Kernel{Rows: 7, Cols: 3},
		VerticalKernel:   Kernel{Rows: 1, Cols: 5},
		MinArea:          30,
	}
}

// Validate checks that both structuring elements are non-empty.
func (c Config) Validate() error {
	for name, k := range map[string]Kernel{"horizontal_kernel": c.HorizontalKernel, "vertical_kernel": c.VerticalKernel} {
		if k.Rows < 1 || k.Cols < 1 {
			return fmt.Errorf("blocks: %s %dx%d must be positive", name, k.Rows, k.Cols)
		}
	}
	if c.MinArea < 0 {
		return fmt.Errorf("blocks: min_area %v must not be negative", c.MinArea)
	}
	return nil
}

// Block is a candidate text region and its crop of the combined edge mask.
type Block struct {
	// Region is the bounding rectangle in frame coordinates.
	Region image.Rectangle
	// Mask is the combined edge mask cropped to Region.
	Mask raster.Gray
}

// Extractor finds candidate blocks in edge maps.
type Extractor struct {
	cfg Config
}

// NewExtractor creates an extractor with the given configuration.
func NewExtractor(cfg Config) *Extractor {
	return &Extractor{cfg: cfg}
}

// Extract dilates both oriented maps, intersects them and returns one block per
// traced component whose area exceeds MinArea, in trace order.
func (e *Extractor) Extract(m edge.Map) ([]Block, error) {
	mask, err := e.Mask(m)
	if err != nil {
		return nil, err
	}

	contours, err := raster.Contours(mask)
	if err != nil {
		return nil, fmt.Errorf("blocks: contour tracing failed: %w", err)
	}

	var out []Block
	for _, c := range contours {
		if c.Area <= e.cfg.MinArea || c.Bounds.Empty() {
			continue
		}
		out = append(out, Block{Region: c.Bounds, Mask: mask.Crop(c.Bounds)})
	}
	return out, nil
}

// Mask returns the intersection of the dilated oriented edge maps.
func (e *Extractor) Mask(m edge.Map) (raster.Gray, error) {
	if m.Horizontal == nil || m.Vertical == nil {
		return raster.Gray{}, fmt.Errorf("blocks: incomplete edge map")
	}

	horizontal, err := raster.Dilate(edge.ToGray(m.Horizontal), e.cfg.HorizontalKernel.Rows, e.cfg.HorizontalKernel.Cols)
	if err != nil {
		return raster.Gray{}, fmt.Errorf("blocks: dilating horizontal edges: %w", err)
	}
	vertical, err := raster.Dilate(edge.ToGray(m.Vertical), e.cfg.VerticalKernel.Rows, e.cfg.VerticalKernel.Cols)
	if err != nil {
		return raster.Gray{}, fmt.Errorf("blocks: dilating vertical edges: %w", err)
	}

	mask, err := raster.And(horizontal, vertical)
	if err != nil {
		return raster.Gray{}, fmt.Errorf("blocks: combining edge maps: %w", err)
	}
	return mask, nil
}
