// Package sim is a small built-in world for running the explorer without a
// robot: a ground-truth occupancy grid, a range-limited sensor that reveals
// it, a transform source reporting the simulated pose and a straight-line
// navigator.
package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/explorer/internal/gridmap"
	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/motion"
	"github.com/banshee-data/explorer/internal/pose"
	"github.com/banshee-data/explorer/internal/timeutil"
	"gonum.org/v1/gonum/spatial/r2"
)

var logf = monitoring.Tagged("Sim")

// DefaultWorld is the floor plan used by the -sim flag: two rooms joined by
// a doorway, 0.25 m cells.
const DefaultWorld = `
	########################################
	#......................#...............#
	#......................#...............#
	#......................#...............#
	#......................#.......##......#
	#......##..............#.......##......#
	#......##..............................#
	#......................................#
	#......................................#
	#......................#...............#
	#......................#...............#
	#..............###.....#...............#
	#..............###.....#...............#
	#......................#...............#
	#......................#...............#
	########################################
`

// World owns the ground truth and the simulated robot pose.
type World struct {
	truth  *gridmap.OccupancyGrid
	radius float64

	mu          sync.Mutex
	pose        pose.Pose2D
	known       []gridmap.Cell
	warmup      int
	lastDriveAt time.Time
}

// NewWorld places the robot at start. radius is the sensor range in metres.
func NewWorld(truth *gridmap.OccupancyGrid, start pose.Pose2D, radius float64) (*World, error) {
	if truth == nil || truth.Rows() == 0 || truth.Cols() == 0 {
		return nil, fmt.Errorf("sim: empty world")
	}
	if !traversable(truth, start.X, start.Y) {
		return nil, fmt.Errorf("sim: start %s is not free space", start.Position())
	}
	known := make([]gridmap.Cell, truth.Rows()*truth.Cols())
	for i := range known {
		known[i] = gridmap.Unknown
	}
	return &World{truth: truth, radius: radius, pose: start, known: known}, nil
}

// SetWarmup makes the first n transform lookups fail the way a transform
// tree that is still being assembled does.
func (w *World) SetWarmup(n int) {
	w.mu.Lock()
	w.warmup = n
	w.mu.Unlock()
}

func (w *World) Pose() pose.Pose2D {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pose
}

func (w *World) setPose(p pose.Pose2D) {
	w.mu.Lock()
	w.pose = p
	w.mu.Unlock()
}

// Traversable reports whether (x, y) lies in free ground-truth space.
func (w *World) Traversable(x, y float64) bool {
	return traversable(w.truth, x, y)
}

func traversable(g *gridmap.OccupancyGrid, x, y float64) bool {
	row, col, ok := g.WorldToCell(x, y)
	return ok && g.At(row, col) == gridmap.Free
}

// Reveal marks every cell within sensor range and line of sight as known
// and returns the resulting map snapshot.
func (w *World) Reveal() *gridmap.OccupancyGrid {
	w.mu.Lock()
	defer w.mu.Unlock()

	g := w.truth
	r0, c0, ok := g.WorldToCell(w.pose.X, w.pose.Y)
	if ok {
		res := g.Resolution()
		reach := int(math.Ceil(w.radius / res))
		for dr := -reach; dr <= reach; dr++ {
			for dc := -reach; dc <= reach; dc++ {
				if float64(dr*dr+dc*dc)*res*res > w.radius*w.radius {
					continue
				}
				r, c := r0+dr, c0+dc
				if g.InBounds(r, c) && w.visible(r0, c0, r, c) {
					w.known[r*g.Cols()+c] = g.At(r, c)
				}
			}
		}
	}

	cells := append([]gridmap.Cell(nil), w.known...)
	ox, oy := g.Origin()
	snap, err := gridmap.NewOccupancyGrid(g.Cols(), g.Rows(), g.Resolution(), ox, oy, cells)
	if err != nil {
		// dimensions come from the truth grid
		panic(err)
	}
	return snap
}

// visible walks the cells between (r0, c0) and (r1, c1); the target is
// visible unless an occupied cell lies strictly between them.
func (w *World) visible(r0, c0, r1, c1 int) bool {
	dr, dc := abs(r1-r0), abs(c1-c0)
	sr, sc := sign(r1-r0), sign(c1-c0)
	err := dc - dr
	r, c := r0, c0
	for r != r1 || c != c1 {
		if (r != r0 || c != c0) && w.truth.At(r, c) == gridmap.Occupied {
			return false
		}
		e2 := 2 * err
		if e2 > -dr {
			err -= dr
			c += sc
		}
		if e2 < dc {
			err += dc
			r += sr
		}
	}
	return true
}

// KnownFraction reports the share of cells revealed so far.
func (w *World) KnownFraction() float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, c := range w.known {
		if c != gridmap.Unknown {
			n++
		}
	}
	return float64(n) / float64(len(w.known))
}

// RunMapper publishes a revealed snapshot into m every interval.
func (w *World) RunMapper(ctx context.Context, clock timeutil.Clock, interval time.Duration, m *gridmap.Map) error {
	m.Update(w.Reveal())
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
			m.Update(w.Reveal())
		}
	}
}

// LookupTransform implements pose.TransformSource.
func (w *World) LookupTransform(ctx context.Context, referenceFrame, bodyFrame string, at time.Time) (pose.Transform, error) {
	if err := ctx.Err(); err != nil {
		return pose.Transform{}, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.warmup > 0 {
		w.warmup--
		return pose.Transform{}, fmt.Errorf("%w: %s -> %s", pose.ErrConnectivity, referenceFrame, bodyFrame)
	}
	return pose.Transform{
		TranslationX: w.pose.X,
		TranslationY: w.pose.Y,
		Rotation:     pose.QuaternionFromYaw(w.pose.Yaw),
		Stamp:        at,
	}, nil
}

// Drive integrates v over dt, refusing to enter occupied space.
func (w *World) Drive(v motion.Velocity, dt time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s := dt.Seconds()
	yaw := normalize(w.pose.Yaw + v.Angular*s)
	step := r2.Scale(v.Linear*s, r2.Vec{X: math.Cos(yaw), Y: math.Sin(yaw)})
	next := r2.Add(r2.Vec{X: w.pose.X, Y: w.pose.Y}, step)
	w.pose.Yaw = yaw
	if traversable(w.truth, next.X, next.Y) {
		w.pose.X, w.pose.Y = next.X, next.Y
	}
}

// VelocitySink returns a motion.Sink that drives the simulated robot,
// integrating each command over the time since the previous one.
func (w *World) VelocitySink(clock timeutil.Clock) motion.Sink {
	return motion.SinkFunc(func(v motion.Velocity) error {
		now := clock.Now()
		w.mu.Lock()
		last := w.lastDriveAt
		w.lastDriveAt = now
		w.mu.Unlock()
		if !last.IsZero() && !v.IsZero() {
			w.Drive(v, now.Sub(last))
		}
		return nil
	})
}

func normalize(a float64) float64 {
	return math.Atan2(math.Sin(a), math.Cos(a))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}
