package grid

import (
	"fmt"
	"strings"
)

// Map is the immutable walkability grid
type Map struct {
	width  int
	height int
	cells  [][]Category
	index  map[Category][]Cell
}

// neighborOffsets is the fixed expansion order: down, up, right, left
var neighborOffsets = [4]Cell{{0, 1}, {0, -1}, {1, 0}, {-1, 0}}

// ParseText parses newline separated layout text. Blank lines are ignored.
func ParseText(text string) (*Map, error) {
	var rows []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rows = append(rows, line)
	}
	return Parse(rows)
}

// Parse builds a Map from layout rows. Every row must have the same length and
// contain only known layout characters.
func Parse(rows []string) (*Map, error) {
	if len(rows) == 0 {
		return nil, &LayoutError{Reason: "no rows"}
	}

	width := len(rows[0])
	if width == 0 {
		return nil, &LayoutError{Row: 1, Reason: "empty row"}
	}

	m := &Map{
		width:  width,
		height: len(rows),
		cells:  make([][]Category, len(rows)),
		index:  make(map[Category][]Cell),
	}

	for y, row := range rows {
		if len(row) != width {
			return nil, &LayoutError{
				Row:    y + 1,
				Reason: fmt.Sprintf("expected %d characters, got %d", width, len(row)),
			}
		}
		m.cells[y] = make([]Category, width)
		for x := 0; x < width; x++ {
			cat, ok := CategoryFromChar(row[x])
			if !ok {
				return nil, &LayoutError{
					Row:    y + 1,
					Col:    x + 1,
					Reason: fmt.Sprintf("unknown character %q", row[x]),
				}
			}
			m.cells[y][x] = cat
			m.index[cat] = append(m.index[cat], Cell{X: x, Y: y})
		}
	}

	return m, nil
}

// Width returns the number of columns
func (m *Map) Width() int { return m.width }

// Height returns the number of rows
func (m *Map) Height() int { return m.height }

// InBounds reports whether c lies within [0,width)x[0,height)
func (m *Map) InBounds(c Cell) bool {
	return c.X >= 0 && c.X < m.width && c.Y >= 0 && c.Y < m.height
}

// At returns the category of c. Out of bounds cells read as Obstacle.
func (m *Map) At(c Cell) Category {
	if !m.InBounds(c) {
		return Obstacle
	}
	return m.cells[c.Y][c.X]
}

// Walkable reports whether c is in bounds and not an obstacle
func (m *Map) Walkable(c Cell) bool {
	return m.InBounds(c) && m.cells[c.Y][c.X] != Obstacle
}

// CellsOfCategory returns every cell of the category in reading order
func (m *Map) CellsOfCategory(cat Category) []Cell {
	src := m.index[cat]
	out := make([]Cell, len(src))
	copy(out, src)
	return out
}

// Neighbors returns the walkable 4-connected neighbours of c
func (m *Map) Neighbors(c Cell) []Cell {
	out := make([]Cell, 0, 4)
	for _, d := range neighborOffsets {
		n := Cell{X: c.X + d.X, Y: c.Y + d.Y}
		if m.Walkable(n) {
			out = append(out, n)
		}
	}
	return out
}

// Rows renders the map back into layout text rows
func (m *Map) Rows() []string {
	rows := make([]string, m.height)
	buf := make([]byte, m.width)
	for y := 0; y < m.height; y++ {
		for x := 0; x < m.width; x++ {
			buf[x] = m.cells[y][x].Char()
		}
		rows[y] = string(buf)
	}
	return rows
}

// Count returns how many cells have the category
func (m *Map) Count(cat Category) int {
	return len(m.index[cat])
}
