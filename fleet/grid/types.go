package grid

import (
	"errors"
	"fmt"
)

// Category is the kind of a single grid cell
type Category int

const (
	Empty Category = iota
	Obstacle
	Spawn
	Charger
	Pickup
	Delivery
)

// Layout characters
const (
	CharEmpty    = '.'
	CharObstacle = 'X'
	CharSpawn    = 'T'
	CharCharger  = '#'
	CharPickup   = '$'
	CharDelivery = '@'
)

var categoryNames = map[Category]string{
	Empty:    "empty",
	Obstacle: "obstacle",
	Spawn:    "spawn",
	Charger:  "charger",
	Pickup:   "pickup",
	Delivery: "delivery",
}

// String returns the lower-case category name
func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// Char returns the layout character for the category
func (c Category) Char() byte {
	switch c {
	case Obstacle:
		return CharObstacle
	case Spawn:
		return CharSpawn
	case Charger:
		return CharCharger
	case Pickup:
		return CharPickup
	case Delivery:
		return CharDelivery
	default:
		return CharEmpty
	}
}

// CategoryFromChar maps a layout character to its category
func CategoryFromChar(ch byte) (Category, bool) {
	switch ch {
	case CharEmpty:
		return Empty, true
	case CharObstacle:
		return Obstacle, true
	case CharSpawn:
		return Spawn, true
	case CharCharger:
		return Charger, true
	case CharPickup:
		return Pickup, true
	case CharDelivery:
		return Delivery, true
	}
	return Empty, false
}

// Cell is an x,y coordinate on the grid
type Cell struct {
	X int `json:"x" yaml:"x"`
	Y int `json:"y" yaml:"y"`
}

// String formats the cell as (x,y)
func (c Cell) String() string {
	return fmt.Sprintf("(%d,%d)", c.X, c.Y)
}

// ManhattanDistance returns |dx|+|dy| between two cells
func ManhattanDistance(a, b Cell) int {
	dx := a.X - b.X
	if dx < 0 {
		dx = -dx
	}
	dy := a.Y - b.Y
	if dy < 0 {
		dy = -dy
	}
	return dx + dy
}

// ErrLayout matches every *LayoutError via errors.Is
var ErrLayout = errors.New("invalid layout")

// LayoutError reports malformed layout input. Row and Col are 1-based; zero
// means the error is not tied to a position.
type LayoutError struct {
	Row    int
	Col    int
	Reason string
}

func (e *LayoutError) Error() string {
	switch {
	case e.Row > 0 && e.Col > 0:
		return fmt.Sprintf("layout: row %d, col %d: %s", e.Row, e.Col, e.Reason)
	case e.Row > 0:
		return fmt.Sprintf("layout: row %d: %s", e.Row, e.Reason)
	default:
		return "layout: " + e.Reason
	}
}

// Is lets errors.Is(err, ErrLayout) match
func (e *LayoutError) Is(target error) bool {
	return target == ErrLayout
}
