// Package grid provides the static warehouse floor used by the fleet engine.
//
// A Map is a rectangular table of cell categories loaded from layout text:
//
//	.  empty floor
//	X  obstacle (shelving, walls)
//	T  cart spawn
//	#  charging station
//	$  pickup point
//	@  delivery point
//
// Maps are immutable after Parse returns, so they can be shared freely between
// goroutines. Parse fails fast with a *LayoutError on malformed input; that is
// the only failure mode of this package.
//
// Usage:
//
//	m, err := grid.ParseText(layout)
//	if err != nil {
//		log.Fatal(err)
//	}
//	chargers := m.CellsOfCategory(grid.Charger)
//	ok := m.Walkable(grid.Cell{X: 2, Y: 3})
package grid
