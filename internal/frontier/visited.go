package frontier

import (
	"sync"

	"gonum.org/v1/gonum/spatial/r2"
)

// VisitedSet remembers frontiers that were already chosen as goals. It only
// grows for the lifetime of a mission.
type VisitedSet interface {
	// Contains reports whether the frontier at cell (world position w) was
	// chosen before.
	Contains(cell Cell, w r2.Vec) bool
	// Add marks the frontier as chosen.
	Add(cell Cell, w r2.Vec)
	// Len returns the number of chosen frontiers.
	Len() int
}

// CellSet keys visited frontiers by grid coordinate. If the mapping stack
// re-indexes or grows the grid, old entries point at different places.
type CellSet struct {
	mu    sync.Mutex
	cells map[Cell]struct{}
}

// NewCellSet returns an empty coordinate-keyed visited set.
func NewCellSet() *CellSet {
	return &CellSet{cells: make(map[Cell]struct{})}
}

func (s *CellSet) Contains(cell Cell, _ r2.Vec) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.cells[cell]
	return ok
}

func (s *CellSet) Add(cell Cell, _ r2.Vec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cells[cell] = struct{}{}
}

func (s *CellSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cells)
}

// WorldSet keys visited frontiers by world position: a candidate within
// Tolerance meters of any chosen frontier counts as visited. It survives grid
// re-indexing but also suppresses distinct frontiers closer than Tolerance.
type WorldSet struct {
	Tolerance float64

	mu     sync.Mutex
	points []r2.Vec
}

// NewWorldSet returns an empty world-keyed visited set.
func NewWorldSet(tolerance float64) *WorldSet {
	return &WorldSet{Tolerance: tolerance}
}

func (s *WorldSet) Contains(_ Cell, w r2.Vec) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.points {
		if r2.Norm(r2.Sub(p, w)) <= s.Tolerance {
			return true
		}
	}
	return false
}

func (s *WorldSet) Add(_ Cell, w r2.Vec) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.points = append(s.points, w)
}

func (s *WorldSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.points)
}
