package pose

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/banshee-data/explorer/internal/monitoring"
	"github.com/banshee-data/explorer/internal/timeutil"
)

var logf = monitoring.Tagged("Pose")

// TrackerConfig names the frames to resolve and the polling period.
type TrackerConfig struct {
	ReferenceFrame string
	BodyFrame      string
	Interval       time.Duration
}

// Tracker polls a TransformSource and keeps the latest pose. The first
// successful lookup latches the start position, which never changes again.
type Tracker struct {
	cfg    TrackerConfig
	source TransformSource
	clock  timeutil.Clock
	sink   Sink

	mu        sync.Mutex
	current   Pose2D
	hasPose   bool
	start     Point
	hasStart  bool
	lastError error
	failures  int
	trail     []Pose2D

	stopOnce sync.Once
	stopCh   chan struct{}
}

// maxTrail bounds the pose history kept for map rendering.
const maxTrail = 4096

// NewTracker creates a tracker. sink may be nil.
func NewTracker(cfg TrackerConfig, source TransformSource, clock timeutil.Clock, sink Sink) *Tracker {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Tracker{
		cfg:    cfg,
		source: source,
		clock:  clock,
		sink:   sink,
		stopCh: make(chan struct{}),
	}
}

// Run ticks until ctx is cancelled or Stop is called.
func (t *Tracker) Run(ctx context.Context) error {
	ticker := t.clock.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.stopCh:
			logf("pose tracking stopped")
			return nil
		case <-ticker.C():
			if t.Stopped() {
				return nil
			}
			t.Tick(ctx)
		}
	}
}

// Tick performs a single lookup. Failures keep the last known pose.
func (t *Tracker) Tick(ctx context.Context) {
	tf, err := t.source.LookupTransform(ctx, t.cfg.ReferenceFrame, t.cfg.BodyFrame, time.Time{})
	if err != nil {
		t.mu.Lock()
		t.lastError = err
		t.failures++
		t.mu.Unlock()
		switch {
		case errors.Is(err, ErrLookup), errors.Is(err, ErrConnectivity), errors.Is(err, ErrExtrapolation):
			logf("could not get robot pose: %v", err)
		default:
			logf("unexpected transform error: %v", err)
		}
		return
	}

	p := tf.Pose()
	now := t.clock.Now()

	t.mu.Lock()
	t.current = p
	t.hasPose = true
	t.lastError = nil
	t.trail = append(t.trail, p)
	if len(t.trail) > maxTrail {
		t.trail = t.trail[len(t.trail)-maxTrail:]
	}
	latched := false
	if !t.hasStart {
		t.start = p.Position()
		t.hasStart = true
		latched = true
	}
	t.mu.Unlock()

	if latched {
		logf("start position captured: %s", p.Position())
	}
	if t.sink != nil {
		if err := t.sink.RecordPose(p, now); err != nil {
			logf("failed to record pose: %v", err)
		}
	}
}

// Stop ends the Run loop. Safe to call more than once.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

// Stopped reports whether Stop has been called.
func (t *Tracker) Stopped() bool {
	select {
	case <-t.stopCh:
		return true
	default:
		return false
	}
}

// Current returns the latest pose; ok is false until the first success.
func (t *Tracker) Current() (Pose2D, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current, t.hasPose
}

// StartPosition returns the latched start; ok is false until latched.
func (t *Tracker) StartPosition() (Point, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.start, t.hasStart
}

// Trail returns a copy of the recent pose history, oldest first.
func (t *Tracker) Trail() []Pose2D {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Pose2D(nil), t.trail...)
}

// LastError returns the error of the most recent failed lookup, or nil when
// the most recent lookup succeeded.
func (t *Tracker) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastError
}

// Failures returns the total number of failed lookups.
func (t *Tracker) Failures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failures
}
