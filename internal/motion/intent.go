// Package motion turns discrete directional intents into a rate-limited
// velocity command stream for the drive base.
package motion

import (
	"errors"
	"fmt"
	"strings"
)

// Intent is a discrete directional command from an operator.
type Intent string

const (
	Forward  Intent = "forward"
	Backward Intent = "backward"
	Left     Intent = "left"
	Right    Intent = "right"
	Stop     Intent = "stop"
)

// ErrUnknownIntent is returned by ParseIntent for unrecognised directions.
var ErrUnknownIntent = errors.New("unknown intent")

// ParseIntent accepts an intent name, case-insensitively.
func ParseIntent(s string) (Intent, error) {
	switch i := Intent(strings.ToLower(strings.TrimSpace(s))); i {
	case Forward, Backward, Left, Right, Stop:
		return i, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownIntent, s)
	}
}

// Velocity is a drive command: linear speed in m/s along the body x axis and
// angular speed in rad/s about the vertical axis.
type Velocity struct {
	Linear  float64 `json:"linear"`
	Angular float64 `json:"angular"`
}

// IsZero reports whether both components are zero.
func (v Velocity) IsZero() bool {
	return v.Linear == 0 && v.Angular == 0
}

func (v Velocity) String() string {
	return fmt.Sprintf("lin=%.3f ang=%.3f", v.Linear, v.Angular)
}

// Sink receives every published velocity command.
type Sink interface {
	PublishVelocity(v Velocity) error
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(v Velocity) error

func (f SinkFunc) PublishVelocity(v Velocity) error { return f(v) }
