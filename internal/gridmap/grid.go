package gridmap

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// Cell is the classification of a single grid cell.
type Cell uint8

const (
	Unknown Cell = iota
	Free
	Occupied
)

func (c Cell) String() string {
	switch c {
	case Free:
		return "FREE"
	case Occupied:
		return "OCCUPIED"
	case Unknown:
		return "UNKNOWN"
	default:
		return fmt.Sprintf("Cell(%d)", uint8(c))
	}
}

// Raw occupancy values as published by the mapping stack.
const (
	RawUnknown int8 = -1
	RawFree    int8 = 0
)

// CellFromRaw maps a raw occupancy value to a Cell. Only an exact 0 counts
// as free; any positive probability is treated as occupied.
func CellFromRaw(v int8) Cell {
	switch {
	case v < 0:
		return Unknown
	case v == RawFree:
		return Free
	default:
		return Occupied
	}
}

var ErrGridShape = errors.New("grid data does not match width*height")

// OccupancyGrid is an immutable row-major snapshot of the map. Row r, column
// c covers the world square whose lower-left corner is
// (originX + c*resolution, originY + r*resolution).
type OccupancyGrid struct {
	width      int
	height     int
	resolution float64 // meters per cell
	originX    float64
	originY    float64

	cells []Cell
}

// NewOccupancyGrid builds a grid from classified cells. The slice is copied.
func NewOccupancyGrid(width, height int, resolution, originX, originY float64, cells []Cell) (*OccupancyGrid, error) {
	if width < 0 || height < 0 {
		return nil, fmt.Errorf("invalid grid size %dx%d", width, height)
	}
	if resolution <= 0 {
		return nil, fmt.Errorf("resolution must be positive, got %f", resolution)
	}
	if len(cells) != width*height {
		return nil, fmt.Errorf("%w: have %d cells for %dx%d", ErrGridShape, len(cells), width, height)
	}
	return &OccupancyGrid{
		width:      width,
		height:     height,
		resolution: resolution,
		originX:    originX,
		originY:    originY,
		cells:      append([]Cell(nil), cells...),
	}, nil
}

// FromRaw builds a grid from raw middleware occupancy data (-1 unknown,
// 0 free, 1..100 occupied), row-major starting at the origin corner.
func FromRaw(width, height int, resolution, originX, originY float64, data []int8) (*OccupancyGrid, error) {
	cells := make([]Cell, len(data))
	for i, v := range data {
		cells[i] = CellFromRaw(v)
	}
	return NewOccupancyGrid(width, height, resolution, originX, originY, cells)
}

// Rows returns the number of rows (the grid height).
func (g *OccupancyGrid) Rows() int { return g.height }

// Cols returns the number of columns (the grid width).
func (g *OccupancyGrid) Cols() int { return g.width }

// Resolution returns the cell size in meters.
func (g *OccupancyGrid) Resolution() float64 { return g.resolution }

// Origin returns the world position of the lower-left corner of cell (0, 0).
func (g *OccupancyGrid) Origin() (x, y float64) { return g.originX, g.originY }

// InBounds reports whether (row, col) addresses a cell of the grid.
func (g *OccupancyGrid) InBounds(row, col int) bool {
	return row >= 0 && col >= 0 && row < g.height && col < g.width
}

// At returns the cell at (row, col). Out-of-bounds reads are Unknown.
func (g *OccupancyGrid) At(row, col int) Cell {
	if !g.InBounds(row, col) {
		return Unknown
	}
	return g.cells[row*g.width+col]
}

// CellToWorld converts a grid coordinate to world coordinates using the
// cell's origin corner, matching how goals were always dispatched.
func (g *OccupancyGrid) CellToWorld(row, col int) (x, y float64) {
	return float64(col)*g.resolution + g.originX, float64(row)*g.resolution + g.originY
}

// WorldToCell converts world coordinates to the containing cell. ok is false
// when the point lies outside the grid.
func (g *OccupancyGrid) WorldToCell(x, y float64) (row, col int, ok bool) {
	fc := (x - g.originX) / g.resolution
	fr := (y - g.originY) / g.resolution
	if fc < 0 || fr < 0 {
		return 0, 0, false
	}
	row, col = int(fr), int(fc)
	return row, col, g.InBounds(row, col)
}

// Counts returns the number of free, occupied and unknown cells.
func (g *OccupancyGrid) Counts() (free, occupied, unknown int) {
	for _, c := range g.cells {
		switch c {
		case Free:
			free++
		case Occupied:
			occupied++
		default:
			unknown++
		}
	}
	return free, occupied, unknown
}

// Map holds the latest grid snapshot. Update replaces it wholesale.
type Map struct {
	latest  atomic.Pointer[OccupancyGrid]
	updates atomic.Int64
}

// NewMap returns an empty Map; Snapshot reports nil until the first Update.
func NewMap() *Map {
	return &Map{}
}

// Update stores g as the latest snapshot. A nil grid is ignored.
func (m *Map) Update(g *OccupancyGrid) {
	if g == nil {
		return
	}
	m.latest.Store(g)
	m.updates.Add(1)
}

// Snapshot returns the latest grid or nil if none has arrived yet.
func (m *Map) Snapshot() *OccupancyGrid {
	return m.latest.Load()
}

// Updates returns how many snapshots have been received.
func (m *Map) Updates() int64 {
	return m.updates.Load()
}
