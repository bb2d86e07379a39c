package sim

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/explorer/internal/mission"
	"github.com/banshee-data/explorer/internal/pose"
	"github.com/banshee-data/explorer/internal/timeutil"
	"gonum.org/v1/gonum/spatial/r2"
)

// NavigatorConfig sets how fast the simulated robot moves toward goals.
type NavigatorConfig struct {
	Speed     float64 // m/s
	Period    time.Duration
	Tolerance float64 // m
}

// Navigator drives the simulated robot in a straight line to one goal at a
// time. A new goal preempts the active one, which reports Canceled. Goals
// outside free space are rejected; a goal whose straight path runs into a
// wall fails where it stops.
type Navigator struct {
	world *World
	clock timeutil.Clock
	cfg   NavigatorConfig

	mu     sync.Mutex
	active *activeGoal
}

type activeGoal struct {
	goal mission.Goal
	ch   chan mission.GoalEvent
}

func NewNavigator(world *World, cfg NavigatorConfig, clock timeutil.Clock) *Navigator {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Speed <= 0 {
		cfg.Speed = 0.5
	}
	if cfg.Period <= 0 {
		cfg.Period = 100 * time.Millisecond
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 0.05
	}
	return &Navigator{world: world, clock: clock, cfg: cfg}
}

// SubmitGoal implements mission.Navigator.
func (n *Navigator) SubmitGoal(ctx context.Context, g mission.Goal) (<-chan mission.GoalEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan mission.GoalEvent, 2)

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active != nil {
		n.finishLocked(mission.GoalEvent{Status: mission.GoalCanceled, Err: fmt.Errorf("preempted by goal %s", g.ID)})
	}

	if !n.world.Traversable(g.X, g.Y) {
		ch <- mission.GoalEvent{Status: mission.GoalRejected, Err: fmt.Errorf("goal (%.2f, %.2f) is not free space", g.X, g.Y)}
		close(ch)
		return ch, nil
	}
	ch <- mission.GoalEvent{Status: mission.GoalAccepted}
	n.active = &activeGoal{goal: g, ch: ch}
	logf("goal %s accepted", g.ID)
	return ch, nil
}

// Busy reports whether a goal is in progress.
func (n *Navigator) Busy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active != nil
}

func (n *Navigator) finishLocked(ev mission.GoalEvent) {
	n.active.ch <- ev
	close(n.active.ch)
	n.active = nil
}

// Step moves the robot one period toward the active goal. It returns false
// when there is nothing to do.
func (n *Navigator) Step() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.active == nil {
		return false
	}

	p := n.world.Pose()
	cur := r2.Vec{X: p.X, Y: p.Y}
	goal := r2.Vec{X: n.active.goal.X, Y: n.active.goal.Y}
	d := r2.Sub(goal, cur)
	dist := r2.Norm(d)
	if dist <= n.cfg.Tolerance {
		n.finishLocked(mission.GoalEvent{Status: mission.GoalSucceeded})
		return true
	}

	step := n.cfg.Speed * n.cfg.Period.Seconds()
	next := goal
	if step < dist {
		next = r2.Add(cur, r2.Scale(step/dist, d))
	}
	if !n.world.Traversable(next.X, next.Y) {
		n.finishLocked(mission.GoalEvent{Status: mission.GoalFailed, Err: fmt.Errorf("path blocked at (%.2f, %.2f)", next.X, next.Y)})
		return true
	}
	n.world.setPose(pose.Pose2D{X: next.X, Y: next.Y, Yaw: math.Atan2(d.Y, d.X)})
	return true
}

// Run steps every period until ctx is done; the active goal is then
// canceled.
func (n *Navigator) Run(ctx context.Context) error {
	ticker := n.clock.NewTicker(n.cfg.Period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			n.mu.Lock()
			if n.active != nil {
				n.finishLocked(mission.GoalEvent{Status: mission.GoalCanceled, Err: ctx.Err()})
			}
			n.mu.Unlock()
			return ctx.Err()
		case <-ticker.C():
			n.Step()
		}
	}
}
