// Package motion estimates horizontal motion of text lines between frames by
// strip-wise block matching.
package motion

import "fmt"

// Direction is the direction of a motion vector.
type Direction int

const (
	// None means no motion was found or the strip was uniform.
	None Direction = iota
	// Left means the content sits further left in the reference frame.
	Left
	// Right means the content sits at or further right in the reference frame.
	Right
	// Top is reserved for vertical motion and never produced.
	Top
	// Bottom is reserved for vertical motion and never produced.
	Bottom
)

// String returns a string representation of the Direction.
func (d Direction) String() string {
	switch d {
	case None:
		return "NONE"
	case Left:
		return "LEFT"
	case Right:
		return "RIGHT"
	case Top:
		return "TOP"
	case Bottom:
		return "BOTTOM"
	default:
		return "UNKNOWN"
	}
}

// Vector is the displacement of one strip. Magnitude is the signed horizontal
// offset in pixels: negative for Left, non-negative for Right.
// The zero value is {None, 0}.
type Vector struct {
	Direction Direction
	Magnitude int
}

// String formats the vector as DIRECTION(magnitude).
func (v Vector) String() string {
	return fmt.Sprintf("%s(%d)", v.Direction, v.Magnitude)
}

// Opposes reports whether v and o are a Left/Right pair in either order.
func (v Vector) Opposes(o Vector) bool {
	return (v.Direction == Left && o.Direction == Right) ||
		(v.Direction == Right && o.Direction == Left)
}
