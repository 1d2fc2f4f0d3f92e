// Package track follows verified scrolling text across frames. Each tracked
// entity moves through None → Start → Appearing → Tracking → Disappearing →
// Ended while its mosaic grows with the columns the ticker reveals.
package track

import (
	"fmt"
	"image"
	"log/slog"

	"github.com/google/uuid"

	"github.com/clalos/stream-ticker-detector/internal/motion"
	"github.com/clalos/stream-ticker-detector/internal/raster"
	"github.com/clalos/stream-ticker-detector/internal/verify"
)

// State is the lifecycle state of a tracked entity.
type State int

const (
	// None is the zero state; no live entity carries it.
	None State = iota
	// Start marks an entity just seeded at the entry edge.
	Start
	// Appearing means the entity is still entering the viewport.
	Appearing
	// Tracking means the entity scrolls steadily.
	Tracking
	// Disappearing means the entity is leaving the viewport.
	Disappearing
	// Ended marks an entity that aged out.
	Ended
)

// String returns a string representation of the State.
func (s State) String() string {
	switch s {
	case None:
		return "NONE"
	case Start:
		return "START"
	case Appearing:
		return "APPEARING"
	case Tracking:
		return "TRACKING"
	case Disappearing:
		return "DISAPPEARING"
	case Ended:
		return "ENDED"
	default:
		return "UNKNOWN"
	}
}

// Config holds the tracker parameters.
type Config struct {
	// EntryZone is the fraction of the frame width beyond which a Left moving
	// describer seeds a new entity.
	EntryZone float64 `yaml:"entry_zone"`

	// CenterTolerance bounds |ΔcenterY| of a match, in pixels.
	CenterTolerance int `yaml:"center_tolerance"`

	// MagnitudeTolerance bounds |ΔMagnitude| of a match and the state rules.
	MagnitudeTolerance int `yaml:"magnitude_tolerance"`

	// MaxMisses is the number of consecutive unmatched frames after which an
	// entity ends.
	MaxMisses int `yaml:"max_misses"`

	// SymmetricEntry also seeds Right moving describers whose center lies
	// before (1-EntryZone) of the frame width.
	SymmetricEntry bool `yaml:"symmetric_entry"`

	// MaxMosaicWidth caps the mosaic width; the oldest columns are dropped.
	MaxMosaicWidth int `yaml:"max_mosaic_width"`
}

// DefaultConfig returns a 75% entry zone and 2 px tolerances.
func DefaultConfig() Config {
	return Config{
		EntryZone:          0.75,
		CenterTolerance:    2,
		MagnitudeTolerance: 2,
		MaxMisses:          5,
		SymmetricEntry:     false,
		MaxMosaicWidth:     4096,
	}
}

// Validate checks the tracker parameters.
func (c Config) Validate() error {
	if c.EntryZone <= 0 || c.EntryZone >= 1 {
		return fmt.Errorf("track: entry_zone %v must be within (0, 1)", c.EntryZone)
	}
	if c.CenterTolerance < 1 || c.MagnitudeTolerance < 1 {
		return fmt.Errorf("track: tolerances must be positive")
	}
	if c.MaxMisses < 1 {
		return fmt.Errorf("track: max_misses %d must be positive", c.MaxMisses)
	}
	if c.MaxMosaicWidth < 1 {
		return fmt.Errorf("track: max_mosaic_width %d must be positive", c.MaxMosaicWidth)
	}
	return nil
}

// Entity is one tracked ticker.
type Entity struct {
	// ID is a random UUID assigned at seeding.
	ID string
	// Describer is the last describer matched to the entity.
	Describer verify.Describer
	// State is the current lifecycle state.
	State State
	// Periodicity counts the frames the entity was matched in.
	Periodicity int
	// Misses counts consecutive unmatched frames.
	Misses int
	// Mosaic is the text reconstructed so far.
	Mosaic raster.Gray
	// FirstFrame and LastFrame are the frame indices of the seeding and of the
	// last match.
	FirstFrame int64
	LastFrame  int64
}

// Snapshot is the tracker view after an update. Its slices are copies.
type Snapshot struct {
	FrameIndex int64
	// Active holds the live entities in seeding order.
	Active []Entity
	// Ended holds the entities that ended in this update.
	Ended []Entity
}

// Tracker keeps the tracked entities. It is not safe for concurrent use; the
// pipeline is its only caller.
type Tracker struct {
	cfg        Config
	frameWidth int
	logger     *slog.Logger

	active   []*Entity
	finished []Entity
}

// NewTracker creates a tracker for frames of the given width.
func NewTracker(cfg Config, frameWidth int, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:        cfg,
		frameWidth: frameWidth,
		logger:     logger,
	}
}

// Update matches the describers of one frame against the live entities, ages
// out the unmatched ones and seeds new entities from the leftovers.
// Updates must arrive in frame order.
func (t *Tracker) Update(frameIndex int64, ds []verify.Describer) Snapshot {
	used := make([]bool, len(ds))

	var ended []Entity
	live := t.active[:0]
	for _, e := range t.active {
		if i := t.match(e, ds, used); i >= 0 {
			used[i] = true
			t.advance(frameIndex, e, ds[i])
			live = append(live, e)
			continue
		}

		e.Misses++
		if e.Misses < t.cfg.MaxMisses {
			live = append(live, e)
			continue
		}
		t.transition(frameIndex, e, Ended)
		ended = append(ended, *e)
	}
	for i := len(live); i < len(t.active); i++ {
		t.active[i] = nil
	}
	t.active = live
	t.finished = append(t.finished, ended...)

	for i, d := range ds {
		if used[i] || !t.entering(d) {
			continue
		}
		e := &Entity{
			ID:          uuid.NewString(),
			Describer:   d,
			Periodicity: 1,
			Mosaic:      d.Image.Clone(),
			FirstFrame:  frameIndex,
			LastFrame:   frameIndex,
		}
		t.transition(frameIndex, e, Start)
		t.active = append(t.active, e)
	}

	return Snapshot{FrameIndex: frameIndex, Active: t.Active(), Ended: ended}
}

// Active returns copies of the live entities.
func (t *Tracker) Active() []Entity {
	out := make([]Entity, 0, len(t.active))
	for _, e := range t.active {
		out = append(out, *e)
	}
	return out
}

// Finished returns copies of every entity that has ended so far.
func (t *Tracker) Finished() []Entity {
	out := make([]Entity, len(t.finished))
	copy(out, t.finished)
	return out
}

// match returns the index of the first unused describer matching e, or -1.
func (t *Tracker) match(e *Entity, ds []verify.Describer, used []bool) int {
	old := e.Describer
	for i, d := range ds {
		if used[i] {
			continue
		}
		if abs(d.Center.Y-old.Center.Y) < t.cfg.CenterTolerance &&
			d.Motion.Direction == old.Motion.Direction &&
			abs(d.Motion.Magnitude-old.Motion.Magnitude) < t.cfg.MagnitudeTolerance {
			return i
		}
	}
	return -1
}

// NextState applies the state rules to a matched pair. The rules are evaluated
// in order and the last one satisfied decides; when none holds the current
// state is kept.
func (t *Tracker) NextState(current State, old, cur verify.Describer) State {
	tol := t.cfg.MagnitudeTolerance
	oldMag := old.Motion.Magnitude
	diff := cur.Motion.Magnitude - oldMag

	next := current
	if abs(diff) < tol {
		next = Tracking
	}
	if abs(diff-oldMag) < tol {
		half := t.frameWidth / 2
		entering := (old.Motion.Direction == motion.Right && cur.Center.X < half) ||
			(old.Motion.Direction == motion.Left && cur.Center.X > half)
		if entering {
			next = Appearing
		} else {
			next = Disappearing
		}
	}
	if abs(diff-2*oldMag) < tol {
		next = Tracking
	}
	return next
}

func (t *Tracker) advance(frameIndex int64, e *Entity, d verify.Describer) {
	next := t.NextState(e.State, e.Describer, d)
	e.Mosaic = Extend(e.Mosaic, d.Image, d.Motion, t.cfg.MaxMosaicWidth)
	e.Describer = d
	e.Periodicity++
	e.Misses = 0
	e.LastFrame = frameIndex
	t.transition(frameIndex, e, next)
}

func (t *Tracker) transition(frameIndex int64, e *Entity, next State) {
	if e.State == next {
		return
	}
	t.logger.Info("ticker state changed",
		"ticker_id", e.ID,
		"frame_index", frameIndex,
		"from", e.State.String(),
		"to", next.String(),
		"direction", e.Describer.Motion.Direction.String(),
		"magnitude", e.Describer.Motion.Magnitude,
		"periodicity", e.Periodicity,
		"mosaic_width", e.Mosaic.Width)
	e.State = next
}

// entering reports whether d enters the frame at a seeding edge.
func (t *Tracker) entering(d verify.Describer) bool {
	w := float64(t.frameWidth)
	x := float64(d.Center.X)
	switch d.Motion.Direction {
	case motion.Left:
		return x > t.cfg.EntryZone*w
	case motion.Right:
		return t.cfg.SymmetricEntry && x < (1-t.cfg.EntryZone)*w
	default:
		return false
	}
}

// Extend grows mosaic with the columns revealed by a match. Left motion
// appends the rightmost |Magnitude| columns of img, Right motion prepends its
// leftmost ones. The new columns are aligned to the mosaic by vertical center.
// When the result is wider than maxWidth the oldest columns are dropped.
// Extend never writes into mosaic or img.
func Extend(mosaic, img raster.Gray, v motion.Vector, maxWidth int) raster.Gray {
	n := min(abs(v.Magnitude), img.Width)
	if mosaic.Empty() {
		return img.Clone()
	}
	if n == 0 {
		return mosaic
	}

	var out raster.Gray
	switch v.Direction {
	case motion.Left:
		cols := fitHeight(img.Crop(image.Rect(img.Width-n, 0, img.Width, img.Height)), mosaic.Height)
		out = raster.HConcat(mosaic, cols)
		if out.Width > maxWidth {
			out = out.Crop(image.Rect(out.Width-maxWidth, 0, out.Width, out.Height))
		}
	case motion.Right:
		cols := fitHeight(img.Crop(image.Rect(0, 0, n, img.Height)), mosaic.Height)
		out = raster.HConcat(cols, mosaic)
		if out.Width > maxWidth {
			out = out.Crop(image.Rect(0, 0, maxWidth, out.Height))
		}
	default:
		return mosaic
	}
	return out
}

// fitHeight centers g vertically in a raster of the given height, cropping or
// zero padding as needed.
func fitHeight(g raster.Gray, height int) raster.Gray {
	if g.Height == height {
		return g
	}
	out := raster.New(g.Width, height)
	off := (height - g.Height) / 2
	for y := 0; y < g.Height; y++ {
		dy := y + off
		if dy < 0 || dy >= height {
			continue
		}
		copy(out.Row(dy), g.Row(y))
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
