package trust

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAssociatorConfig() AssociatorConfig {
	return AssociatorConfig{
		GatingDistance:    2.0,
		RequireClassMatch: true,
		Policy:            PolicyHungarian,
		TiePolicy:         TieSpawn,
	}
}

func track(id string, firstNanos int64, x, y float64, class string) Track {
	return Track{
		TrackID:        id,
		AgentID:        "agent_a",
		Status:         TrackConfirmed,
		X:              x,
		Y:              y,
		Class:          class,
		FirstUnixNanos: firstNanos,
		LastUnixNanos:  firstNanos,
	}
}

func assocDet(x, y float64, class string) Detection {
	return Detection{
		AgentID:    "agent_a",
		Position:   Position{X: x, Y: y},
		Class:      class,
		Confidence: 0.9,
	}
}

func TestAssociateNoCandidates(t *testing.T) {
	t.Parallel()
	a := NewAssociator(testAssociatorConfig())
	matches := a.Associate([]Detection{assocDet(0, 0, "car")}, nil)
	require.Len(t, matches, 1)
	assert.Empty(t, matches[0].TrackID)
	assert.False(t, matches[0].TieDropped)
}

func TestAssociateGating(t *testing.T) {
	t.Parallel()
	a := NewAssociator(testAssociatorConfig())
	candidates := []Track{track("trk_1", 100, 0, 0, "car")}

	// Inside the gate.
	matches := a.Associate([]Detection{assocDet(1, 0, "car")}, candidates)
	assert.Equal(t, "trk_1", matches[0].TrackID)
	assert.InDelta(t, 1.0, matches[0].Distance, 1e-9)

	// Outside the gate.
	matches = a.Associate([]Detection{assocDet(5, 0, "car")}, candidates)
	assert.Empty(t, matches[0].TrackID)
}

func TestAssociateClassMatch(t *testing.T) {
	t.Parallel()
	cfg := testAssociatorConfig()
	a := NewAssociator(cfg)
	candidates := []Track{track("trk_1", 100, 0, 0, "car")}

	matches := a.Associate([]Detection{assocDet(0.5, 0, "pedestrian")}, candidates)
	assert.Empty(t, matches[0].TrackID, "class mismatch must gate out")

	cfg.RequireClassMatch = false
	a = NewAssociator(cfg)
	matches = a.Associate([]Detection{assocDet(0.5, 0, "pedestrian")}, candidates)
	assert.Equal(t, "trk_1", matches[0].TrackID)
}

func TestAssociateHungarianOptimal(t *testing.T) {
	t.Parallel()
	a := NewAssociator(testAssociatorConfig())

	// Greedy nearest-first would give det0→trk_1 (0.5) and leave det1 with
	// trk_2 at 1.4; optimal assignment is det0→trk_2, det1→trk_1.
	candidates := []Track{
		track("trk_1", 100, 0, 0, "car"),
		track("trk_2", 200, 1.1, 0, "car"),
	}
	dets := []Detection{
		assocDet(0.5, 0, "car"),
		assocDet(0.4, 0, "car"),
	}

	matches := a.Associate(dets, candidates)
	got := map[int]string{}
	for i, m := range matches {
		got[i] = m.TrackID
	}

	// Both detections matched, one-to-one.
	assert.NotEmpty(t, got[0])
	assert.NotEmpty(t, got[1])
	assert.NotEqual(t, got[0], got[1])

	// Optimal total cost pairs the nearer detection with trk_1.
	assert.Equal(t, "trk_1", got[1])
	assert.Equal(t, "trk_2", got[0])
}

func TestAssociateExactTieDeterministic(t *testing.T) {
	t.Parallel()

	// Two detections equidistant from one track. The earlier-arriving
	// detection must win under both policies, every run.
	candidates := []Track{track("trk_1", 100, 0, 0, "car")}
	dets := []Detection{
		assocDet(1, 0, "car"),
		assocDet(-1, 0, "car"),
	}

	for _, policy := range []AssociationPolicy{PolicyHungarian, PolicyGreedy} {
		cfg := testAssociatorConfig()
		cfg.Policy = policy
		a := NewAssociator(cfg)

		for run := 0; run < 20; run++ {
			matches := a.Associate(dets, candidates)
			assert.Equal(t, "trk_1", matches[0].TrackID, "policy %s: earlier detection wins", policy)
			assert.Empty(t, matches[1].TrackID)
			assert.False(t, matches[1].TieDropped, "spawn policy never drops")
		}
	}
}

func TestAssociateTieDropPolicy(t *testing.T) {
	t.Parallel()
	cfg := testAssociatorConfig()
	cfg.TiePolicy = TieDrop

	candidates := []Track{track("trk_1", 100, 0, 0, "car")}
	dets := []Detection{
		assocDet(1, 0, "car"),
		assocDet(-1, 0, "car"),
	}

	for _, policy := range []AssociationPolicy{PolicyHungarian, PolicyGreedy} {
		cfg.Policy = policy
		a := NewAssociator(cfg)
		matches := a.Associate(dets, candidates)
		assert.Equal(t, "trk_1", matches[0].TrackID)
		assert.True(t, matches[1].TieDropped, "policy %s: tie loser is dropped", policy)
	}
}

func TestAssociateTieBreakPrefersEarlierTrack(t *testing.T) {
	t.Parallel()
	a := NewAssociator(testAssociatorConfig())

	// One detection equidistant from two tracks: the earlier-created track
	// wins regardless of slice order.
	candidates := []Track{
		track("trk_newer", 200, 1, 0, "car"),
		track("trk_older", 100, -1, 0, "car"),
	}
	matches := a.Associate([]Detection{assocDet(0, 0, "car")}, candidates)
	assert.Equal(t, "trk_older", matches[0].TrackID)
}

func TestAssociateGreedyArrivalOrder(t *testing.T) {
	t.Parallel()
	cfg := testAssociatorConfig()
	cfg.Policy = PolicyGreedy
	a := NewAssociator(cfg)

	// det0 takes the shared nearest track first even though det1 is closer
	// overall; greedy is arrival-ordered by contract.
	candidates := []Track{
		track("trk_1", 100, 0, 0, "car"),
		track("trk_2", 200, 3, 0, "car"),
	}
	dets := []Detection{
		assocDet(1, 0, "car"),
		assocDet(0.5, 0, "car"),
	}

	matches := a.Associate(dets, candidates)
	assert.Equal(t, "trk_1", matches[0].TrackID)
	assert.Empty(t, matches[1].TrackID, "trk_2 is outside det1's gate")
}
