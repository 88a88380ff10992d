package sqlite

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avstack-lab/avtrust-bridge/internal/trust"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAndQueryCycle(t *testing.T) {
	s := openTestStore(t)

	now := time.Now().UnixNano()
	fused := []trust.FusedEstimate{{
		ObjectID:   "obj_1",
		Position:   trust.Position{X: 5, Y: 5},
		Class:      "car",
		TrustScore: 0.8,
		Contributors: []trust.Contributor{
			{AgentID: "agent_a", TrackID: "trk_1", Score: 0.8, Confidence: 0.9},
		},
	}}
	agents := []trust.TrustState{{AgentID: "agent_a", Alpha: 5, Beta: 2, LastUpdateNanos: now}}
	tracks := []trust.TrustState{{AgentID: "agent_a", TrackID: "trk_1", Alpha: 4, Beta: 1, LastUpdateNanos: now}}

	require.NoError(t, s.RecordCycle(now, fused, agents, tracks))

	history, err := s.TrustHistory("agent_a", "trk_1", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 4.0, history[0].Alpha)
	assert.Equal(t, 1.0, history[0].Beta)
	assert.Equal(t, now, history[0].LastUpdateNanos)

	// Empty track ID returns both agent-level and track-level rows.
	history, err = s.TrustHistory("agent_a", "", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestTrustHistoryOrderAndLimit(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UnixNano()
	for i := 0; i < 5; i++ {
		tracks := []trust.TrustState{{AgentID: "agent_a", TrackID: "trk_1", Alpha: float64(i + 1), Beta: 1}}
		require.NoError(t, s.RecordCycle(base+int64(i)*1e9, nil, nil, tracks))
	}

	history, err := s.TrustHistory("agent_a", "trk_1", 3)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, 5.0, history[0].Alpha, "newest first")
	assert.Equal(t, 3.0, history[2].Alpha)
}

func TestPrune(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UnixNano()
	old := base - (2 * time.Hour).Nanoseconds()
	require.NoError(t, s.RecordCycle(old, nil, nil,
		[]trust.TrustState{{AgentID: "agent_a", TrackID: "trk_old", Alpha: 1, Beta: 1}}))
	require.NoError(t, s.RecordCycle(base, nil, nil,
		[]trust.TrustState{{AgentID: "agent_a", TrackID: "trk_new", Alpha: 1, Beta: 1}}))

	require.NoError(t, s.Prune(time.Hour, base))

	history, err := s.TrustHistory("agent_a", "", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "trk_new", history[0].TrackID)
}
