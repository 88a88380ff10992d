package trust

import "math"

// PSM is a pseudo-trust measurement: one piece of evidence about an agent,
// generated by comparing the agent's reports against the fused consensus.
// Track-level PSMs carry the track ID; agent-only PSMs (an object the agent
// should have seen but did not report) leave it empty.
type PSM struct {
	AgentID        string  `json:"agent_id"`
	TrackID        string  `json:"track_id,omitempty"`
	Outcome        Outcome `json:"outcome"`
	Confidence     float64 `json:"confidence"`
	TimestampNanos int64   `json:"timestamp_nanos"`
}

// MeasurerConfig holds evidence-generation parameters.
type MeasurerConfig struct {
	// AssignRadius is the distance (metres) within which an agent's track
	// counts as a report of a fused object. Matches the fusion grouping
	// radius in normal operation.
	AssignRadius float64

	// ReferenceAgentID names the reference track source (empty disables).
	// The reference anchors the consensus and is never itself evaluated:
	// no PSMs are generated for it.
	ReferenceAgentID string
}

// Measurer generates PSMs from a fusion cycle's outputs. Stateless.
type Measurer struct {
	cfg MeasurerConfig
}

// NewMeasurer creates a measurer with the given configuration.
func NewMeasurer(cfg MeasurerConfig) *Measurer {
	return &Measurer{cfg: cfg}
}

// Generate produces the cycle's evidence:
//
//   - Each contributing (agent, track) pair receives a consistent PSM
//     weighted by the track's detection confidence.
//   - An agent that did not contribute to a fused object receives an
//     inconsistent agent-level PSM weighted by the object's fused trust,
//     but only when the object lies inside the agent's field of view. An
//     agent is never penalised for objects it could not have seen, nor for
//     objects it did report but whose track has not confirmed yet.
//   - A sole-contributor track whose class contradicts a better-trusted
//     fused object at the same location receives an inconsistent PSM.
//
// tracksByAgent carries each agent's live tracks (tentative included) so
// pre-confirmation reports suppress the miss penalty. The reference agent
// never appears in the output.
func (m *Measurer) Generate(agents map[string]Agent, tracksByAgent map[string][]Track, fused []FusedEstimate, nowNanos int64) []PSM {
	var psms []PSM

	for _, est := range fused {
		contributed := make(map[string]bool, len(est.Contributors))
		for _, c := range est.Contributors {
			contributed[c.AgentID] = true
			if c.AgentID == m.cfg.ReferenceAgentID {
				continue
			}
			// Evidence strength comes from the detection confidence, not
			// from the trust score it feeds; otherwise trust would
			// self-inflate.
			psms = append(psms, PSM{
				AgentID:        c.AgentID,
				TrackID:        c.TrackID,
				Outcome:        OutcomeConsistent,
				Confidence:     c.Confidence,
				TimestampNanos: nowNanos,
			})
		}

		for agentID, ag := range agents {
			if contributed[agentID] || agentID == m.cfg.ReferenceAgentID {
				continue
			}
			if !visible(ag, est.Position) {
				continue
			}
			if m.pendingReport(tracksByAgent[agentID], est.Position) {
				continue
			}
			psms = append(psms, PSM{
				AgentID:        agentID,
				Outcome:        OutcomeInconsistent,
				Confidence:     est.TrustScore,
				TimestampNanos: nowNanos,
			})
		}
	}

	psms = append(psms, m.classContradictions(fused, nowNanos)...)
	return psms
}

// pendingReport reports whether the agent has a tentative track within the
// assign radius of the object: it did report it, the track is just still
// accumulating hits toward confirmation.
func (m *Measurer) pendingReport(tracks []Track, p Position) bool {
	for _, tr := range tracks {
		if tr.Status != TrackTentative {
			continue
		}
		if distance(tr.Position(), p) <= m.cfg.AssignRadius {
			return true
		}
	}
	return false
}

// classContradictions finds sole-contributor estimates that sit within the
// assign radius of a better-trusted estimate of a different class, and
// emits inconsistent evidence for the outvoted reporter.
func (m *Measurer) classContradictions(fused []FusedEstimate, nowNanos int64) []PSM {
	var psms []PSM
	for i, a := range fused {
		if len(a.Contributors) != 1 {
			continue
		}
		c := a.Contributors[0]
		if c.AgentID == m.cfg.ReferenceAgentID {
			continue
		}
		for j, b := range fused {
			if i == j || a.Class == b.Class {
				continue
			}
			if distance(a.Position, b.Position) > m.cfg.AssignRadius {
				continue
			}
			if b.TrustScore <= a.TrustScore {
				continue
			}
			psms = append(psms, PSM{
				AgentID:        c.AgentID,
				TrackID:        c.TrackID,
				Outcome:        OutcomeInconsistent,
				Confidence:     b.TrustScore,
				TimestampNanos: nowNanos,
			})
			break
		}
	}
	return psms
}

func visible(ag Agent, p Position) bool {
	if ag.FOVRangeMeters <= 0 {
		return true
	}
	return distance(ag.Viewpoint, p) <= ag.FOVRangeMeters
}

func distance(a, b Position) float64 {
	dx, dy, dz := a.X-b.X, a.Y-b.Y, a.Z-b.Z
	return math.Sqrt(dx*dx + dy*dy + dz*dz)
}
