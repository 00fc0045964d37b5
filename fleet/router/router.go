// Package router computes shortest cell-to-cell paths over a grid.Map.
//
// FindPath runs A* over 4-connected moves with unit step cost and the
// Manhattan distance as heuristic. The heuristic is consistent on this grid, so
// the first time the goal is popped its path is optimal. Frontier nodes with an
// equal f-score pop closest-to-goal first, then in discovery order, which makes
// the chosen path reproducible.
//
// A Router holds no mutable state and may be shared across goroutines.
package router

import (
	"container/heap"

	"github.com/wricardo/warehouse-fleet/fleet/grid"
)

// Path is the ordered list of cells from start (exclusive) to goal (inclusive)
type Path []grid.Cell

// Len returns the number of steps in the path
func (p Path) Len() int { return len(p) }

// Goal returns the last cell of the path
func (p Path) Goal() (grid.Cell, bool) {
	if len(p) == 0 {
		return grid.Cell{}, false
	}
	return p[len(p)-1], true
}

// Router finds paths over one immutable map
type Router struct {
	m *grid.Map
}

// New creates a router over m
func New(m *grid.Map) *Router {
	return &Router{m: m}
}

// Map returns the grid the router searches
func (r *Router) Map() *grid.Map {
	return r.m
}

// node is a frontier entry
type node struct {
	cell  grid.Cell
	g     int
	h     int
	f     int
	seq   int
	index int
}

// frontier implements heap.Interface ordered by f, then h, then discovery sequence
type frontier []*node

func (h frontier) Len() int { return len(h) }
func (h frontier) Less(i, j int) bool {
	if h[i].f != h[j].f {
		return h[i].f < h[j].f
	}
	if h[i].h != h[j].h {
		return h[i].h < h[j].h
	}
	return h[i].seq < h[j].seq
}
func (h frontier) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *frontier) Push(x any) {
	n := x.(*node)
	n.index = len(*h)
	*h = append(*h, n)
}
func (h *frontier) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}

// FindPath returns the shortest path from start to goal. The second result is
// false when goal cannot be reached; the path is nil in that case. A path from
// a cell to itself is empty and reachable.
func (r *Router) FindPath(start, goal grid.Cell) (Path, bool) {
	if !r.m.Walkable(start) || !r.m.Walkable(goal) {
		return nil, false
	}
	if start == goal {
		return Path{}, true
	}

	open := &frontier{}
	heap.Init(open)

	seq := 0
	gScore := map[grid.Cell]int{start: 0}
	cameFrom := make(map[grid.Cell]grid.Cell)
	closed := make(map[grid.Cell]bool)

	h0 := grid.ManhattanDistance(start, goal)
	heap.Push(open, &node{cell: start, g: 0, h: h0, f: h0, seq: seq})

	for open.Len() > 0 {
		current := heap.Pop(open).(*node)
		if closed[current.cell] {
			continue
		}
		if current.cell == goal {
			return reconstruct(cameFrom, start, goal, current.g), true
		}
		closed[current.cell] = true

		for _, next := range r.m.Neighbors(current.cell) {
			if closed[next] {
				continue
			}
			g := current.g + 1
			if best, seen := gScore[next]; seen && g >= best {
				continue
			}
			gScore[next] = g
			cameFrom[next] = current.cell
			seq++
			h := grid.ManhattanDistance(next, goal)
			heap.Push(open, &node{
				cell: next,
				g:    g,
				h:    h,
				f:    g + h,
				seq:  seq,
			})
		}
	}

	return nil, false
}

// Distance returns the length of the shortest path from start to goal
func (r *Router) Distance(start, goal grid.Cell) (int, bool) {
	p, ok := r.FindPath(start, goal)
	if !ok {
		return 0, false
	}
	return len(p), true
}

func reconstruct(cameFrom map[grid.Cell]grid.Cell, start, goal grid.Cell, length int) Path {
	path := make(Path, length)
	current := goal
	for i := length - 1; i >= 0; i-- {
		path[i] = current
		current = cameFrom[current]
	}
	return path
}
