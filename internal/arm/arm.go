// Package arm holds the host-side joint state for the 3-DOF arm. Targets are
// clamped here before they reach the protocol layer, which sends angles
// verbatim.
package arm

import (
	"math"
	"sync"
	"time"

	"github.com/openarm/armlink/internal/protocol"
)

// JointNames lists the joints in wire order.
var JointNames = [3]string{"base", "arm1", "arm2"}

// Range is the inclusive travel of one joint, in radians.
type Range struct {
	Min float32 `json:"min" toml:"min"`
	Max float32 `json:"max" toml:"max"`
}

// Limits is one Range per joint in wire order.
type Limits [3]Range

// DefaultLimits returns ±π for the base and ±π/2 for both arm links.
func DefaultLimits() Limits {
	return Limits{
		{Min: -math.Pi, Max: math.Pi},
		{Min: -math.Pi / 2, Max: math.Pi / 2},
		{Min: -math.Pi / 2, Max: math.Pi / 2},
	}
}

// Clamp pins each angle into its joint's range. NaN maps to the midpoint.
func (l Limits) Clamp(a protocol.JointAngles) protocol.JointAngles {
	var out protocol.JointAngles
	for i, v := range a {
		r := l[i]
		switch {
		case math.IsNaN(float64(v)):
			out[i] = (r.Min + r.Max) / 2
		case v < r.Min:
			out[i] = r.Min
		case v > r.Max:
			out[i] = r.Max
		default:
			out[i] = v
		}
	}
	return out
}

// Snapshot is a point-in-time view of the joint state.
type Snapshot struct {
	Commanded   protocol.JointAngles `json:"commanded"`
	CommandedAt time.Time            `json:"commanded_at"`
	Reported    protocol.JointAngles `json:"reported"`
	ReportedAt  time.Time            `json:"reported_at"`
}

// State records the last commanded and last reported angles.
type State struct {
	mu     sync.Mutex
	limits Limits
	snap   Snapshot
}

// NewState returns a State enforcing limits.
func NewState(limits Limits) *State {
	return &State{limits: limits}
}

// Command clamps a, records it as the current target and returns the
// clamped value to send.
func (s *State) Command(a protocol.JointAngles, at time.Time) protocol.JointAngles {
	clamped := s.limits.Clamp(a)
	s.mu.Lock()
	s.snap.Commanded = clamped
	s.snap.CommandedAt = at
	s.mu.Unlock()
	return clamped
}

// Report records angles measured by the controller.
func (s *State) Report(a protocol.JointAngles, at time.Time) {
	s.mu.Lock()
	s.snap.Reported = a
	s.snap.ReportedAt = at
	s.mu.Unlock()
}

// Snapshot returns a copy of the current state.
func (s *State) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

// Limits returns the configured limits.
func (s *State) Limits() Limits { return s.limits }
