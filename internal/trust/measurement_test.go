package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAgents() map[string]Agent {
	return map[string]Agent{
		"agent_a": {ID: "agent_a", Viewpoint: Position{X: 0, Y: 0}, FOVRangeMeters: 50},
		"agent_b": {ID: "agent_b", Viewpoint: Position{X: 100, Y: 0}, FOVRangeMeters: 50},
	}
}

func estimate(objectID string, x, y float64, class string, score float64, contributors ...Contributor) FusedEstimate {
	return FusedEstimate{
		ObjectID:     objectID,
		Position:     Position{X: x, Y: y},
		Class:        class,
		TrustScore:   score,
		Contributors: contributors,
	}
}

func findPSM(psms []PSM, agentID, trackID string) (PSM, bool) {
	for _, p := range psms {
		if p.AgentID == agentID && p.TrackID == trackID {
			return p, true
		}
	}
	return PSM{}, false
}

func TestGenerateConsistentForContributors(t *testing.T) {
	t.Parallel()
	m := NewMeasurer(MeasurerConfig{AssignRadius: 2.0})

	fused := []FusedEstimate{
		estimate("obj_1", 10, 0, "car", 0.8,
			Contributor{AgentID: "agent_a", TrackID: "trk_1", Score: 0.7, Confidence: 0.9},
			Contributor{AgentID: "agent_b", TrackID: "trk_2", Score: 0.6, Confidence: 0.5},
		),
	}

	psms := m.Generate(testAgents(), nil, fused, 1000)

	pa, ok := findPSM(psms, "agent_a", "trk_1")
	require.True(t, ok)
	assert.Equal(t, OutcomeConsistent, pa.Outcome)
	assert.InDelta(t, 0.9, pa.Confidence, 1e-9,
		"evidence strength comes from detection confidence")

	pb, ok := findPSM(psms, "agent_b", "trk_2")
	require.True(t, ok)
	assert.Equal(t, OutcomeConsistent, pb.Outcome)
	assert.InDelta(t, 0.5, pb.Confidence, 1e-9)

	assert.Len(t, psms, 2, "both agents contributed; nobody is penalised")
}

func TestGenerateInconsistentForVisibleMiss(t *testing.T) {
	t.Parallel()
	m := NewMeasurer(MeasurerConfig{AssignRadius: 2.0})

	// Object at x=10: inside agent_a's FOV (dist 10 < 50) and inside
	// agent_b's (dist 90 > 50 => outside).
	fused := []FusedEstimate{
		estimate("obj_1", 10, 0, "car", 0.8,
			Contributor{AgentID: "agent_a", TrackID: "trk_1", Score: 0.7, Confidence: 0.9},
		),
	}

	psms := m.Generate(testAgents(), nil, fused, 1000)

	// agent_b did not contribute but could not have seen the object: no
	// penalty.
	for _, p := range psms {
		assert.NotEqual(t, "agent_b", p.AgentID,
			"out-of-FOV agents are never penalised")
	}

	// Move the object into agent_b's view.
	fused[0].Position.X = 80
	psms = m.Generate(testAgents(), nil, fused, 1000)

	var miss *PSM
	for i := range psms {
		if psms[i].AgentID == "agent_b" {
			miss = &psms[i]
		}
	}
	require.NotNil(t, miss, "visible-but-missed object penalises the agent")
	assert.Equal(t, OutcomeInconsistent, miss.Outcome)
	assert.Empty(t, miss.TrackID, "miss evidence is agent-level")
	assert.InDelta(t, 0.8, miss.Confidence, 1e-9,
		"penalty weight is the consensus trust in the missed object")
}

func TestGenerateUnlimitedFOV(t *testing.T) {
	t.Parallel()
	m := NewMeasurer(MeasurerConfig{AssignRadius: 2.0})

	agents := map[string]Agent{
		"agent_a": {ID: "agent_a"},
		"agent_b": {ID: "agent_b"}, // FOVRangeMeters 0 = unlimited
	}
	fused := []FusedEstimate{
		estimate("obj_1", 1000, 0, "car", 0.9,
			Contributor{AgentID: "agent_a", TrackID: "trk_1", Score: 0.7, Confidence: 0.9},
		),
	}

	psms := m.Generate(agents, nil, fused, 1000)
	_, ok := findPSM(psms, "agent_b", "")
	assert.True(t, ok, "an agent without FOV metadata is assumed to see everything")
}

func TestGenerateClassContradiction(t *testing.T) {
	t.Parallel()
	m := NewMeasurer(MeasurerConfig{AssignRadius: 2.0})

	agents := map[string]Agent{
		"agent_a": {ID: "agent_a", FOVRangeMeters: 5}, // keep miss evidence out of the way
		"agent_b": {ID: "agent_b", FOVRangeMeters: 5},
	}

	// Same location, different classes: the lone dissenting reporter with
	// the lower-trust estimate gets inconsistent evidence.
	fused := []FusedEstimate{
		estimate("obj_1", 50, 0, "pedestrian", 0.3,
			Contributor{AgentID: "agent_a", TrackID: "trk_1", Score: 0.3, Confidence: 0.9},
		),
		estimate("obj_2", 50.5, 0, "car", 0.9,
			Contributor{AgentID: "agent_b", TrackID: "trk_2", Score: 0.9, Confidence: 0.9},
		),
	}

	psms := m.Generate(agents, nil, fused, 1000)

	contradiction, ok := findPSM(psms, "agent_a", "trk_1")
	// agent_a also gets a consistent PSM for contributing; find the
	// inconsistent one specifically.
	found := false
	for _, p := range psms {
		if p.AgentID == "agent_a" && p.TrackID == "trk_1" && p.Outcome == OutcomeInconsistent {
			found = true
			assert.InDelta(t, 0.9, p.Confidence, 1e-9,
				"contradiction weight is the winning estimate's trust")
		}
	}
	require.True(t, ok, "consistent PSM present: %+v", contradiction)
	assert.True(t, found, "outvoted sole reporter receives inconsistent evidence")

	// The better-trusted reporter is not contradicted.
	for _, p := range psms {
		if p.AgentID == "agent_b" {
			assert.Equal(t, OutcomeConsistent, p.Outcome)
		}
	}
}

func TestGeneratePendingTrackSuppressesMiss(t *testing.T) {
	t.Parallel()
	m := NewMeasurer(MeasurerConfig{AssignRadius: 2.0})

	fused := []FusedEstimate{
		estimate("obj_1", 80, 0, "car", 0.8,
			Contributor{AgentID: "agent_a", TrackID: "trk_1", Score: 0.7, Confidence: 0.9},
		),
	}

	// agent_b sees the object and has reported it; the track just has not
	// confirmed yet. No penalty while the report is pending.
	pending := map[string][]Track{
		"agent_b": {{TrackID: "trk_9", AgentID: "agent_b", Status: TrackTentative, X: 80.5}},
	}
	psms := m.Generate(testAgents(), pending, fused, 1000)
	for _, p := range psms {
		assert.NotEqual(t, "agent_b", p.AgentID,
			"a pending report is not a miss")
	}

	// A tentative track elsewhere does not cover this object.
	elsewhere := map[string][]Track{
		"agent_b": {{TrackID: "trk_9", AgentID: "agent_b", Status: TrackTentative, X: 120}},
	}
	psms = m.Generate(testAgents(), elsewhere, fused, 1000)
	_, ok := findPSM(psms, "agent_b", "")
	assert.True(t, ok, "no nearby report: the miss penalty applies")

	// A stale track does not count as a report either.
	stale := map[string][]Track{
		"agent_b": {{TrackID: "trk_9", AgentID: "agent_b", Status: TrackStale, X: 80.5}},
	}
	psms = m.Generate(testAgents(), stale, fused, 1000)
	_, ok = findPSM(psms, "agent_b", "")
	assert.True(t, ok, "stale tracks do not suppress the penalty")
}

func TestGenerateReferenceAgentNeverEvaluated(t *testing.T) {
	t.Parallel()
	m := NewMeasurer(MeasurerConfig{AssignRadius: 2.0, ReferenceAgentID: "command_center"})

	agents := map[string]Agent{
		"agent_a":        {ID: "agent_a"},
		"command_center": {ID: "command_center"},
	}

	// The reference contributes to one object and misses another; neither
	// produces evidence about it.
	fused := []FusedEstimate{
		estimate("obj_1", 10, 0, "car", 0.9,
			Contributor{AgentID: "command_center", TrackID: "trk_cc", Score: 0.99, Confidence: 1},
			Contributor{AgentID: "agent_a", TrackID: "trk_1", Score: 0.6, Confidence: 0.8},
		),
		estimate("obj_2", 50, 0, "car", 0.7,
			Contributor{AgentID: "agent_a", TrackID: "trk_2", Score: 0.7, Confidence: 0.8},
		),
	}

	psms := m.Generate(agents, nil, fused, 1000)
	require.NotEmpty(t, psms)
	for _, p := range psms {
		assert.NotEqual(t, "command_center", p.AgentID,
			"the reference stream is an anchor, not a subject")
	}

	// agent_a still gets its consistent evidence.
	_, ok := findPSM(psms, "agent_a", "trk_1")
	assert.True(t, ok)
}

func TestGenerateNoFusedNoEvidence(t *testing.T) {
	t.Parallel()
	m := NewMeasurer(MeasurerConfig{AssignRadius: 2.0})
	psms := m.Generate(testAgents(), nil, nil, 1000)
	assert.Empty(t, psms)
}
