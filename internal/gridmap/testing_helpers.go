package gridmap

import (
	"fmt"
	"strings"
)

// MustParse builds a grid from a text picture, for tests and the simulator.
// Each line is a row, row 0 first; '.' is free, '#' occupied and '?' unknown.
// Whitespace-only lines are skipped. Panics on malformed input.
func MustParse(resolution, originX, originY float64, picture string) *OccupancyGrid {
	var rows []string
	for _, line := range strings.Split(picture, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rows = append(rows, line)
	}
	if len(rows) == 0 {
		g, _ := NewOccupancyGrid(0, 0, resolution, originX, originY, nil)
		return g
	}

	width := len(rows[0])
	cells := make([]Cell, 0, width*len(rows))
	for r, row := range rows {
		if len(row) != width {
			panic(fmt.Sprintf("gridmap: row %d has %d cells, want %d", r, len(row), width))
		}
		for _, ch := range row {
			switch ch {
			case '.':
				cells = append(cells, Free)
			case '#':
				cells = append(cells, Occupied)
			case '?':
				cells = append(cells, Unknown)
			default:
				panic(fmt.Sprintf("gridmap: unexpected cell %q in row %d", ch, r))
			}
		}
	}

	g, err := NewOccupancyGrid(width, len(rows), resolution, originX, originY, cells)
	if err != nil {
		panic(err)
	}
	return g
}

// Fill returns a width x height grid with every cell set to c.
func Fill(width, height int, resolution float64, c Cell) *OccupancyGrid {
	cells := make([]Cell, width*height)
	for i := range cells {
		cells[i] = c
	}
	g, err := NewOccupancyGrid(width, height, resolution, 0, 0, cells)
	if err != nil {
		panic(err)
	}
	return g
}
