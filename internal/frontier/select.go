package frontier

import (
	"math"

	"github.com/banshee-data/explorer/internal/gridmap"
	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/pose"
	"gonum.org/v1/gonum/spatial/r2"
)

var logf = monitoring.Tagged("Frontier")

// DefaultMaxBearing rejects frontiers more than 165° off the robot heading.
const DefaultMaxBearing = 11 * math.Pi / 12

// Selector picks the nearest unvisited frontier that is not behind the robot.
type Selector struct {
	MaxBearing float64
	Visited    VisitedSet
}

// NewSelector returns a selector with the given bearing limit. A nil visited
// set defaults to coordinate keying.
func NewSelector(maxBearing float64, visited VisitedSet) *Selector {
	if visited == nil {
		visited = NewCellSet()
	}
	if maxBearing <= 0 {
		maxBearing = DefaultMaxBearing
	}
	return &Selector{MaxBearing: maxBearing, Visited: visited}
}

// Choice is the selected frontier and its world position.
type Choice struct {
	Cell     Cell
	World    pose.Point
	Distance float64
}

// Select returns the chosen frontier and marks it visited. ok is false when
// there is no grid, no candidate survives filtering, or every candidate is
// visited or behind the robot; none of these are errors.
func (s *Selector) Select(candidates []Cell, robot pose.Pose2D, g *gridmap.OccupancyGrid) (Choice, bool) {
	if g == nil {
		return Choice{}, false
	}

	origin := r2.Vec{X: robot.X, Y: robot.Y}
	best := math.Inf(1)
	var chosen Choice
	found := false

	for _, c := range candidates {
		x, y := g.CellToWorld(c.Row, c.Col)
		w := r2.Vec{X: x, Y: y}
		if s.Visited.Contains(c, w) {
			continue
		}

		d := r2.Sub(w, origin)
		bearing := math.Atan2(d.Y, d.X)
		if AngleDiff(robot.Yaw, bearing) > s.MaxBearing {
			continue
		}

		if dist := r2.Norm(d); dist < best {
			best = dist
			chosen = Choice{Cell: c, World: pose.Point{X: x, Y: y}, Distance: dist}
			found = true
		}
	}

	if !found {
		logf("no valid frontier found in front of the robot (%d candidates)", len(candidates))
		return Choice{}, false
	}

	s.Visited.Add(chosen.Cell, r2.Vec{X: chosen.World.X, Y: chosen.World.Y})
	logf("chosen forward frontier %s at distance %.2fm", chosen.Cell, chosen.Distance)
	return chosen, true
}

// AngleDiff returns the absolute difference between two headings, in [0, π].
func AngleDiff(a, b float64) float64 {
	return math.Abs(math.Remainder(a-b, 2*math.Pi))
}
