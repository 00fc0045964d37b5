package grid

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	m, err := Parse([]string{
		"T.X#",
		"$..@",
		"T.X.",
	})
	require.NoError(t, err)

	assert.Equal(t, 4, m.Width())
	assert.Equal(t, 3, m.Height())
	assert.Equal(t, Spawn, m.At(Cell{0, 0}))
	assert.Equal(t, Obstacle, m.At(Cell{2, 0}))
	assert.Equal(t, Charger, m.At(Cell{3, 0}))
	assert.Equal(t, Pickup, m.At(Cell{0, 1}))
	assert.Equal(t, Delivery, m.At(Cell{3, 1}))
	assert.Equal(t, []Cell{{0, 0}, {0, 2}}, m.CellsOfCategory(Spawn))
	assert.Equal(t, 2, m.Count(Obstacle))
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name    string
		rows    []string
		wantRow int
		wantCol int
	}{
		{"no rows", nil, 0, 0},
		{"empty first row", []string{""}, 1, 0},
		{"ragged rows", []string{"...", "..", "..."}, 2, 0},
		{"unknown character", []string{"...", ".Z."}, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.rows)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrLayout))

			var layoutErr *LayoutError
			require.True(t, errors.As(err, &layoutErr))
			assert.Equal(t, tt.wantRow, layoutErr.Row)
			assert.Equal(t, tt.wantCol, layoutErr.Col)
		})
	}
}

func TestParseText(t *testing.T) {
	m, err := ParseText("\nT..\r\n\n.X#\n")
	require.NoError(t, err)
	assert.Equal(t, []string{"T..", ".X#"}, m.Rows())
}

func TestWalkable(t *testing.T) {
	m, err := Parse([]string{
		".X",
		"#.",
	})
	require.NoError(t, err)

	assert.True(t, m.Walkable(Cell{0, 0}))
	assert.False(t, m.Walkable(Cell{1, 0}))
	assert.True(t, m.Walkable(Cell{0, 1}), "chargers are walkable")
	assert.False(t, m.Walkable(Cell{-1, 0}))
	assert.False(t, m.Walkable(Cell{0, 2}))
	assert.Equal(t, Obstacle, m.At(Cell{5, 5}))
}

func TestNeighborsOrder(t *testing.T) {
	m, err := Parse([]string{
		"...",
		"...",
		"...",
	})
	require.NoError(t, err)

	assert.Equal(t, []Cell{{1, 2}, {1, 0}, {2, 1}, {0, 1}}, m.Neighbors(Cell{1, 1}))
	assert.Equal(t, []Cell{{0, 1}, {1, 0}}, m.Neighbors(Cell{0, 0}))
}

func TestCellsOfCategoryReturnsCopy(t *testing.T) {
	m, err := Parse([]string{"#.#"})
	require.NoError(t, err)

	cells := m.CellsOfCategory(Charger)
	cells[0] = Cell{9, 9}
	assert.Equal(t, []Cell{{0, 0}, {2, 0}}, m.CellsOfCategory(Charger))
}

func TestManhattanDistance(t *testing.T) {
	assert.Equal(t, 0, ManhattanDistance(Cell{2, 2}, Cell{2, 2}))
	assert.Equal(t, 7, ManhattanDistance(Cell{0, 4}, Cell{3, 0}))
}
