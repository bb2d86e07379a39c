package mission

import (
	"context"
	"sync"
	"time"

	"github.com/banshee-data/explorer/internal/config"
	"github.com/banshee-data/explorer/internal/frontier"
	"github.com/banshee-data/explorer/internal/gridmap"
	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/pose"
	"github.com/banshee-data/explorer/internal/timeutil"
	"github.com/google/uuid"
)

var logf = monitoring.Tagged("Explore")

// Config controls the exploration loop and the shutdown sequence.
type Config struct {
	Interval         time.Duration
	FailureThreshold int
	ShutdownGrace    time.Duration
	MapSaveTimeout   time.Duration
}

// ConfigFrom builds a mission config from the explorer config.
func ConfigFrom(c *config.ExplorerConfig) Config {
	return Config{
		Interval:         c.GetExploreInterval(),
		FailureThreshold: c.GetFailureThreshold(),
		ShutdownGrace:    c.GetShutdownGrace(),
		MapSaveTimeout:   c.GetMapSaveTimeout(),
	}
}

// NewSelector builds the frontier selector described by the explorer config.
func NewSelector(c *config.ExplorerConfig) *frontier.Selector {
	var visited frontier.VisitedSet = frontier.NewCellSet()
	if c.GetVisitedMode() == config.VisitedModeWorld {
		visited = frontier.NewWorldSet(c.GetVisitedToleranceM())
	}
	return frontier.NewSelector(c.GetMaxBearingRad(), visited)
}

// Deps are the collaborators of an Explorer. Grid, Poses and Navigator are
// required; the rest may be nil.
type Deps struct {
	Grid      *gridmap.Map
	Poses     PoseSource
	Selector  *frontier.Selector
	Navigator Navigator
	Status    StatusSink
	Persister MapPersister
	Journal   Journal
	Clock     timeutil.Clock

	// Terminate is called once at the end of the shutdown sequence.
	Terminate func()
}

// goalResult is a navigator event tagged with the goal it belongs to.
type goalResult struct {
	goal  Goal
	event GoalEvent
}

// Explorer is the exploration state machine. Ticks and navigation results
// are handled on a single goroutine inside Run.
type Explorer struct {
	cfg  Config
	deps Deps
	id   uuid.UUID

	events chan goalResult

	mu             sync.Mutex
	state          State
	startedAt      time.Time
	failures       int
	goals          int
	lastGoal       *Goal
	shutdownReason string
	ticker         timeutil.Ticker

	shutdownOnce sync.Once
	stopCh       chan struct{}
	done         chan struct{}
}

// New creates an explorer in the EXPLORING state.
func New(cfg Config, deps Deps) *Explorer {
	if deps.Clock == nil {
		deps.Clock = timeutil.RealClock{}
	}
	if deps.Selector == nil {
		deps.Selector = frontier.NewSelector(frontier.DefaultMaxBearing, nil)
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 40
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.MapSaveTimeout <= 0 {
		cfg.MapSaveTimeout = 30 * time.Second
	}
	logf("initial state: %s", Exploring)
	return &Explorer{
		cfg:       cfg,
		deps:      deps,
		id:        uuid.New(),
		events:    make(chan goalResult, 16),
		state:     Exploring,
		startedAt: deps.Clock.Now(),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// ID returns the mission identifier.
func (e *Explorer) ID() uuid.UUID { return e.id }

// State returns the current mission state.
func (e *Explorer) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed when the shutdown sequence has finished.
func (e *Explorer) Done() <-chan struct{} { return e.done }

// Status returns a snapshot for observers.
func (e *Explorer) Status() Status {
	e.mu.Lock()
	s := Status{
		MissionID:       e.id,
		State:           e.state,
		StartedAt:       e.startedAt,
		Failures:        e.failures,
		GoalsDispatched: e.goals,
		ShutdownReason:  e.shutdownReason,
	}
	if e.lastGoal != nil {
		g := *e.lastGoal
		s.LastGoal = &g
	}
	e.mu.Unlock()

	s.Visited = e.deps.Selector.Visited.Len()
	if start, ok := e.deps.Poses.StartPosition(); ok {
		s.Start = &start
	}
	if p, ok := e.deps.Poses.Current(); ok {
		s.Pose = &p
	}
	return s
}

// Run ticks the state machine until the mission shuts down (nil) or ctx is
// cancelled. Cancellation skips the shutdown sequence.
func (e *Explorer) Run(ctx context.Context) error {
	if e.deps.Journal != nil {
		if err := e.deps.Journal.RecordMission(e.id, e.startedAt); err != nil {
			logf("failed to record mission: %v", err)
		}
	}

	ticker := e.deps.Clock.NewTicker(e.cfg.Interval)
	e.mu.Lock()
	e.ticker = ticker
	e.mu.Unlock()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			return nil
		case <-ticker.C():
			e.Tick(ctx)
		case r := <-e.events:
			e.handleGoalEvent(ctx, r)
		}
	}
}

// Tick runs one exploration step. It is a no-op outside EXPLORING and while
// the map or start position is not yet available.
func (e *Explorer) Tick(ctx context.Context) {
	if st := e.State(); st != Exploring {
		logf("check robot state: now %s, expect %s", st, Exploring)
		return
	}

	g := e.deps.Grid.Snapshot()
	if g == nil {
		logf("no map data available, cannot explore")
		return
	}
	start, ok := e.deps.Poses.StartPosition()
	if !ok {
		logf("waiting for start position to be captured")
		return
	}

	candidates := frontier.Detect(g)
	if len(candidates) == 0 {
		logf("no frontiers left, exploration complete")
		e.returnHome(ctx, start, "no frontiers remaining")
		return
	}

	var (
		choice frontier.Choice
		chosen bool
	)
	if robot, ok := e.deps.Poses.Current(); ok {
		choice, chosen = e.deps.Selector.Select(candidates, robot, g)
	}

	if chosen {
		e.mu.Lock()
		e.failures = 0
		e.mu.Unlock()
		e.dispatch(ctx, Goal{ID: uuid.New(), X: choice.World.X, Y: choice.World.Y})
		return
	}

	e.mu.Lock()
	e.failures++
	failures := e.failures
	e.mu.Unlock()
	logf("failed to find a valid frontier to explore, failure count: %d", failures)

	if failures == e.cfg.FailureThreshold {
		logf("frontier selection failed %d times, returning to start position", failures)
		e.returnHome(ctx, start, "frontier selection exhausted")
	}
}

func (e *Explorer) returnHome(ctx context.Context, start pose.Point, reason string) {
	if !e.transition(ReturningHome, reason) {
		return
	}
	e.dispatch(ctx, Goal{ID: uuid.New(), X: start.X, Y: start.Y, Home: true})
}

// transition moves the state forward. It reports false when to is not
// ahead of the current state.
func (e *Explorer) transition(to State, reason string) bool {
	e.mu.Lock()
	from := e.state
	if to <= from {
		e.mu.Unlock()
		return false
	}
	e.state = to
	e.mu.Unlock()

	logf("state %s -> %s (%s)", from, to, reason)
	if e.deps.Journal != nil {
		if err := e.deps.Journal.RecordTransition(e.id, from, to, reason, e.deps.Clock.Now()); err != nil {
			logf("failed to record transition: %v", err)
		}
	}
	return true
}

// dispatch submits a goal and forwards its events into the Run loop.
func (e *Explorer) dispatch(ctx context.Context, g Goal) {
	logf("navigating to goal: x=%.2f, y=%.2f", g.X, g.Y)

	e.mu.Lock()
	e.goals++
	goal := g
	e.lastGoal = &goal
	e.mu.Unlock()

	if e.deps.Journal != nil {
		if err := e.deps.Journal.RecordGoal(e.id, g, e.deps.Clock.Now()); err != nil {
			logf("failed to record goal: %v", err)
		}
	}

	ch, err := e.deps.Navigator.SubmitGoal(ctx, g)
	if err != nil {
		logf("failed to submit goal %s: %v", g.ID, err)
		e.handleGoalEvent(ctx, goalResult{goal: g, event: GoalEvent{Status: GoalRejected, Err: err}})
		return
	}

	go e.forward(ctx, g, ch)
}

func (e *Explorer) forward(ctx context.Context, g Goal, ch <-chan GoalEvent) {
	terminal := false
	for ev := range ch {
		terminal = ev.Status.Terminal()
		if !e.deliver(ctx, goalResult{goal: g, event: ev}) {
			return
		}
	}
	if !terminal {
		e.deliver(ctx, goalResult{goal: g, event: GoalEvent{Status: GoalCanceled, Err: ErrGoalLost}})
	}
}

func (e *Explorer) deliver(ctx context.Context, r goalResult) bool {
	select {
	case e.events <- r:
		return true
	case <-e.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

func (e *Explorer) handleGoalEvent(ctx context.Context, r goalResult) {
	ev := r.event
	if e.deps.Journal != nil {
		detail := ""
		if ev.Err != nil {
			detail = ev.Err.Error()
		}
		if err := e.deps.Journal.RecordGoalEvent(r.goal.ID, ev.Status, detail, e.deps.Clock.Now()); err != nil {
			logf("failed to record goal event: %v", err)
		}
	}

	returning := r.goal.Home && e.State() == ReturningHome

	switch ev.Status {
	case GoalAccepted:
		logf("goal %s accepted", r.goal.ID)
	case GoalRejected:
		logf("goal rejected: %v", ev.Err)
		if returning {
			e.Shutdown(ctx, "return home rejected")
		}
	case GoalSucceeded:
		if returning {
			logf("successfully returned to start position, saving map")
			e.Shutdown(ctx, "returned home")
			return
		}
		logf("goal %s reached", r.goal.ID)
	default:
		logf("navigation %s: %v", ev.Status, ev.Err)
		if returning {
			logf("failed to return to start, saving map at current location")
			e.Shutdown(ctx, "return home "+ev.Status.String())
		}
	}
}

// Shutdown stops ticking, publishes "end", waits the grace period, saves the
// map and calls Terminate. Only the first call has any effect; later calls
// return immediately.
func (e *Explorer) Shutdown(ctx context.Context, reason string) {
	e.shutdownOnce.Do(func() {
		defer close(e.done)

		logf("starting shutdown process: %s", reason)
		e.mu.Lock()
		e.shutdownReason = reason
		ticker := e.ticker
		e.mu.Unlock()
		e.transition(ShuttingDown, reason)

		if ticker != nil {
			ticker.Stop()
		}
		close(e.stopCh)
		e.deps.Poses.Stop()

		if e.deps.Status != nil {
			e.deps.Status.PublishStatus(StatusEnd)
			logf("published %q status", StatusEnd)
		}
		e.deps.Clock.Sleep(e.cfg.ShutdownGrace)

		if e.deps.Persister != nil {
			saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.MapSaveTimeout)
			if err := e.deps.Persister.SaveMap(saveCtx); err != nil {
				logf("failed to save map: %v", err)
			} else {
				logf("map saved successfully")
			}
			cancel()
		}

		logf("shutting down explorer")
		if e.deps.Terminate != nil {
			e.deps.Terminate()
		}
	})
}
