// Package trust implements multi-agent trust estimation over object
// detections: a track registry with lifecycle management, detection-to-track
// association, a Beta-distributed per-(agent, track) trust belief, and
// trust-weighted cross-agent fusion.
package trust

// Position is a point in the shared world frame (metres).
type Position struct {
	X float64
	Y float64
	Z float64
}

// BoundingBox holds object extents in metres.
type BoundingBox struct {
	Length float64
	Width  float64
	Height float64
}

// Agent describes one reporting agent: its identity, viewpoint in the world
// frame, field-of-view range, and the prior belief used when the estimator
// first sees evidence from it.
type Agent struct {
	ID string

	// Viewpoint is the agent's position in the world frame. Used together
	// with FOVRangeMeters to decide whether a consensus object was visible
	// to the agent (an agent is never penalised for objects it could not
	// have seen).
	Viewpoint Position

	// FOVRangeMeters is the radius of the agent's circular field of view.
	// Zero means unlimited (every object is considered visible).
	FOVRangeMeters float64

	// PriorAlpha and PriorBeta seed the agent-level Beta belief. Zero
	// values fall back to the estimator's configured neutral prior.
	PriorAlpha float64
	PriorBeta  float64
}

// Detection is a single object report from one agent. Detections are
// ephemeral: they are produced by the bridge per inbound message, consumed
// by association, and not retained afterwards.
type Detection struct {
	AgentID        string
	TimestampNanos int64
	Position       Position
	Box            BoundingBox
	Class          string
	Confidence     float64 // reporting sensor's confidence [0, 1]
}

// Outcome is the result of checking one agent report against the fused
// consensus.
type Outcome string

const (
	// OutcomeConsistent means the report agreed with the consensus (or
	// with an independent higher-confidence signal).
	OutcomeConsistent Outcome = "consistent"
	// OutcomeInconsistent means the report contradicted the consensus:
	// an object where consensus says none, or an incompatible class/pose.
	OutcomeInconsistent Outcome = "inconsistent"
)
