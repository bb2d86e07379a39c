// Package pose resolves the robot's 2D pose from an external transform
// service on a fixed period and latches the mission start position.
package pose

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Pose2D is a planar position plus heading (yaw, radians) in the world frame.
type Pose2D struct {
	X   float64 `json:"x"`
	Y   float64 `json:"y"`
	Yaw float64 `json:"yaw"`
}

func (p Pose2D) String() string {
	return fmt.Sprintf("(%.2f, %.2f, %.1f°)", p.X, p.Y, p.Yaw*180/math.Pi)
}

// Point is a world-frame position without heading.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (p Point) String() string {
	return fmt.Sprintf("(%.2f, %.2f)", p.X, p.Y)
}

// Position drops the heading.
func (p Pose2D) Position() Point {
	return Point{X: p.X, Y: p.Y}
}

// Quaternion is a rotation as returned by transform lookups.
type Quaternion struct {
	X, Y, Z, W float64
}

// Yaw extracts the rotation about the vertical axis.
func (q Quaternion) Yaw() float64 {
	siny := 2 * (q.W*q.Z + q.X*q.Y)
	cosy := 1 - 2*(q.Y*q.Y+q.Z*q.Z)
	return math.Atan2(siny, cosy)
}

// QuaternionFromYaw returns the rotation about the vertical axis by yaw.
func QuaternionFromYaw(yaw float64) Quaternion {
	return Quaternion{Z: math.Sin(yaw / 2), W: math.Cos(yaw / 2)}
}

// Transform is the result of a frame lookup: translation and rotation of the
// body frame expressed in the reference frame.
type Transform struct {
	TranslationX float64
	TranslationY float64
	TranslationZ float64
	Rotation     Quaternion
	Stamp        time.Time
}

// Pose projects the transform onto the ground plane.
func (t Transform) Pose() Pose2D {
	return Pose2D{X: t.TranslationX, Y: t.TranslationY, Yaw: t.Rotation.Yaw()}
}

// Lookup failures a TransformSource may report. All of them are expected
// while the transform tree is still being assembled.
var (
	ErrLookup        = errors.New("transform lookup failed")
	ErrConnectivity  = errors.New("frames are not connected")
	ErrExtrapolation = errors.New("transform extrapolation")
)

// TransformSource resolves the transform between two named frames. A zero
// time asks for the latest available transform.
type TransformSource interface {
	LookupTransform(ctx context.Context, referenceFrame, bodyFrame string, at time.Time) (Transform, error)
}

// Sink receives every successfully resolved pose, e.g. a telemetry journal.
type Sink interface {
	RecordPose(p Pose2D, at time.Time) error
}
