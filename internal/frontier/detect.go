// Package frontier finds the boundary between explored free space and
// unknown space in an occupancy grid and picks the next cell to drive to.
package frontier

import (
	"fmt"

	"github.com/banshee-data/explorer/internal/gridmap"
)

// Cell is a grid coordinate identified as a frontier.
type Cell struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

func (c Cell) String() string {
	return fmt.Sprintf("(%d, %d)", c.Row, c.Col)
}

// Detect returns every interior free cell with at least one unknown cell in
// its 8-neighbourhood, in row-major order. Border rows and columns are never
// scanned. Grids without such cells, including nil and degenerate grids,
// yield an empty result.
func Detect(g *gridmap.OccupancyGrid) []Cell {
	if g == nil || g.Rows() < 3 || g.Cols() < 3 {
		return nil
	}

	var out []Cell
	for r := 1; r < g.Rows()-1; r++ {
		for c := 1; c < g.Cols()-1; c++ {
			if g.At(r, c) != gridmap.Free {
				continue
			}
			if hasUnknownNeighbour(g, r, c) {
				out = append(out, Cell{Row: r, Col: c})
			}
		}
	}
	return out
}

func hasUnknownNeighbour(g *gridmap.OccupancyGrid, r, c int) bool {
	for dr := -1; dr <= 1; dr++ {
		for dc := -1; dc <= 1; dc++ {
			if dr == 0 && dc == 0 {
				continue
			}
			if g.At(r+dr, c+dc) == gridmap.Unknown {
				return true
			}
		}
	}
	return false
}
