package motion

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/explorer/internal/config"
	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/timeutil"
)

var logf = monitoring.Tagged("Motion")

// Config holds the controller limits. Accelerations are per second and are
// converted to a per-tick step using Period.
type Config struct {
	Period        time.Duration
	MaxLinear     float64
	MaxAngular    float64
	LinearAccel   float64
	LinearDecel   float64
	AngularAccel  float64
	AngularDecel  float64
	StopImmediate bool
}

// ConfigFrom builds a controller config from the explorer config.
func ConfigFrom(c *config.ExplorerConfig) Config {
	return Config{
		Period:        c.GetMotionPeriod(),
		MaxLinear:     c.GetMaxLinearSpeed(),
		MaxAngular:    c.GetMaxAngularSpeed(),
		LinearAccel:   c.GetLinearAccel(),
		LinearDecel:   c.GetLinearDecel(),
		AngularAccel:  c.GetAngularAccel(),
		AngularDecel:  c.GetAngularDecel(),
		StopImmediate: c.GetStopMode() == config.StopModeImmediate,
	}
}

// Snapshot is a point-in-time view of the controller.
type Snapshot struct {
	Active    bool     `json:"active"`
	Intent    Intent   `json:"intent"`
	Target    Velocity `json:"target"`
	Current   Velocity `json:"current"`
	Published int64    `json:"published"`
	LastError string   `json:"last_error,omitempty"`
}

// Controller ramps the commanded velocity toward the target derived from the
// latest intent. While active it publishes on every tick, even when the
// command is unchanged, so watchdogs downstream stay fed. While inactive it
// publishes nothing and holds current and target at zero.
type Controller struct {
	cfg   Config
	sink  Sink
	clock timeutil.Clock

	// pubMu orders sink writes and is always taken before mu, so a slow
	// sink never holds mu.
	pubMu sync.Mutex

	mu        sync.Mutex
	active    bool
	intent    Intent
	target    Velocity
	current   Velocity
	published int64
	lastErr   error

	wake chan struct{}
}

// NewController creates an inactive controller.
func NewController(cfg Config, sink Sink, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if cfg.Period <= 0 {
		cfg.Period = 50 * time.Millisecond
	}
	return &Controller{
		cfg:    cfg,
		sink:   sink,
		clock:  clock,
		intent: Stop,
		wake:   make(chan struct{}, 1),
	}
}

// SetIntent replaces the current intent and its target velocity. The ramp
// toward the new target happens over the following ticks. Intents received
// while inactive are dropped.
func (c *Controller) SetIntent(i Intent) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		logf("ignoring intent %q while deactivated", i)
		return
	}
	c.intent = i
	c.target = c.targetFor(i)
	if i == Stop && c.cfg.StopImmediate {
		c.current = Velocity{}
	}
}

func (c *Controller) targetFor(i Intent) Velocity {
	switch i {
	case Forward:
		return Velocity{Linear: c.cfg.MaxLinear}
	case Backward:
		return Velocity{Linear: -c.cfg.MaxLinear}
	case Left:
		return Velocity{Angular: c.cfg.MaxAngular}
	case Right:
		return Velocity{Angular: -c.cfg.MaxAngular}
	default:
		return Velocity{}
	}
}

// Activate enables publishing. The controller starts from rest with a stop
// intent.
func (c *Controller) Activate() {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	c.active = true
	c.intent = Stop
	c.target = Velocity{}
	c.current = Velocity{}
	c.mu.Unlock()

	logf("controller activated")
	c.signal()
}

// Deactivate zeroes current and target, publishes a single zero command and
// stops publishing until the next Activate.
func (c *Controller) Deactivate() {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return
	}
	c.active = false
	c.intent = Stop
	c.target = Velocity{}
	c.current = Velocity{}
	c.mu.Unlock()

	c.publish(Velocity{})

	logf("controller deactivated")
	c.signal()
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Active reports whether the controller is publishing.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Snapshot returns the controller state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Active:    c.active,
		Intent:    c.intent,
		Target:    c.target,
		Current:   c.current,
		Published: c.published,
	}
	if c.lastErr != nil {
		s.LastError = c.lastErr.Error()
	}
	return s
}

// Run drives the tick loop until ctx is cancelled. While deactivated it
// blocks without a ticker and resumes on Activate.
func (c *Controller) Run(ctx context.Context) error {
	for {
		if !c.Active() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-c.wake:
				continue
			}
		}

		if err := c.runActive(ctx); err != nil {
			return err
		}
	}
}

// runActive ticks until deactivated (nil) or ctx is done.
func (c *Controller) runActive(ctx context.Context) error {
	ticker := c.clock.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.wake:
			if !c.Active() {
				return nil
			}
		case <-ticker.C():
			if !c.Step() {
				return nil
			}
		}
	}
}

// Step advances the ramp by one tick and publishes the result. It returns
// false, without publishing, when the controller is inactive.
func (c *Controller) Step() bool {
	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	c.mu.Lock()
	if !c.active {
		c.mu.Unlock()
		return false
	}
	dt := c.cfg.Period.Seconds()
	c.current.Linear = approach(c.current.Linear, c.target.Linear, c.cfg.LinearAccel*dt, c.cfg.LinearDecel*dt)
	c.current.Angular = approach(c.current.Angular, c.target.Angular, c.cfg.AngularAccel*dt, c.cfg.AngularDecel*dt)
	v := c.current
	c.mu.Unlock()

	c.publish(v)
	return true
}

// publish writes v to the sink and records the outcome. Callers hold pubMu
// but not mu.
func (c *Controller) publish(v Velocity) {
	if c.sink == nil {
		return
	}
	err := c.sink.PublishVelocity(v)

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		if c.lastErr == nil || c.lastErr.Error() != err.Error() {
			logf("failed to publish velocity %s: %v", v, err)
		}
		c.lastErr = err
		return
	}
	c.lastErr = nil
	c.published++
}

// approach moves current toward target by at most one step. The decel step
// applies when slowing down or when the target has the opposite sign.
func approach(current, target, accel, decel float64) float64 {
	if current == target {
		return current
	}
	step := accel
	if math.Abs(target) < math.Abs(current) || target*current < 0 {
		step = decel
	}
	if current < target {
		return math.Min(current+step, target)
	}
	return math.Max(current-step, target)
}
