// Package mission runs the frontier exploration state machine: it turns
// occupancy grid snapshots into navigation goals, returns the robot to its
// start position when exploration is exhausted, and performs the shutdown
// sequence that persists the map.
package mission

import (
	"context"
	"errors"
	"time"

	"github.com/banshee-data/explorer/internal/pose"
	"github.com/google/uuid"
)

// State is the mission phase. Transitions only move forward.
type State int

const (
	Exploring State = iota
	ReturningHome
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Exploring:
		return "EXPLORING"
	case ReturningHome:
		return "RETURNING_HOME"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Goal is a navigation target in the world frame.
type Goal struct {
	ID   uuid.UUID `json:"id"`
	X    float64   `json:"x"`
	Y    float64   `json:"y"`
	Home bool      `json:"home"`
}

// GoalStatus is a navigation outcome reported for a goal.
type GoalStatus int

const (
	GoalAccepted GoalStatus = iota
	GoalRejected
	GoalSucceeded
	GoalFailed
	GoalCanceled
)

func (s GoalStatus) String() string {
	switch s {
	case GoalAccepted:
		return "accepted"
	case GoalRejected:
		return "rejected"
	case GoalSucceeded:
		return "succeeded"
	case GoalFailed:
		return "failed"
	case GoalCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further events follow this one.
func (s GoalStatus) Terminal() bool {
	return s != GoalAccepted
}

// GoalEvent is one update from the navigation service.
type GoalEvent struct {
	Status GoalStatus
	Err    error
}

// ErrGoalLost is reported when a navigator closes a goal's event channel
// without a terminal event.
var ErrGoalLost = errors.New("navigation goal lost")

// Navigator accepts goals and reports their outcome asynchronously.
// SubmitGoal returns immediately. The channel delivers Accepted or Rejected,
// then for accepted goals one of Succeeded, Failed or Canceled, and is closed
// after the terminal event.
type Navigator interface {
	SubmitGoal(ctx context.Context, g Goal) (<-chan GoalEvent, error)
}

// StatusSink receives fire-and-forget mission notifications such as "end".
type StatusSink interface {
	PublishStatus(status string)
}

// MapPersister saves the final map. It must honour ctx cancellation.
type MapPersister interface {
	SaveMap(ctx context.Context) error
}

// PoseSource supplies the robot pose and the latched start position, and
// stops its own polling when the mission shuts down.
type PoseSource interface {
	Current() (pose.Pose2D, bool)
	StartPosition() (pose.Point, bool)
	Stop()
}

// Journal records the mission history. Errors are logged by the caller and
// never affect the mission.
type Journal interface {
	RecordMission(id uuid.UUID, startedAt time.Time) error
	RecordTransition(missionID uuid.UUID, from, to State, reason string, at time.Time) error
	RecordGoal(missionID uuid.UUID, g Goal, at time.Time) error
	RecordGoalEvent(goalID uuid.UUID, status GoalStatus, detail string, at time.Time) error
}

// StatusEnd is published once when the mission shuts down.
const StatusEnd = "end"

// Status is a snapshot of the mission for observers.
type Status struct {
	MissionID       uuid.UUID    `json:"mission_id"`
	State           State        `json:"state"`
	StartedAt       time.Time    `json:"started_at"`
	Failures        int          `json:"failures"`
	Visited         int          `json:"visited"`
	GoalsDispatched int          `json:"goals_dispatched"`
	Start           *pose.Point  `json:"start,omitempty"`
	Pose            *pose.Pose2D `json:"pose,omitempty"`
	LastGoal        *Goal        `json:"last_goal,omitempty"`
	ShutdownReason  string       `json:"shutdown_reason,omitempty"`
}
