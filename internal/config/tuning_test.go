package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avstack-lab/avtrust-bridge/internal/trust"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestEmptyDefaults(t *testing.T) {
	t.Parallel()
	c := Empty()

	assert.Equal(t, 2.0, c.GetGatingDistanceM())
	assert.True(t, c.GetRequireClassMatch())
	assert.Equal(t, trust.PolicyHungarian, c.GetAssociationPolicy())
	assert.Equal(t, trust.TieSpawn, c.GetTiePolicy())
	assert.Equal(t, 3, c.GetHitsToConfirm())
	assert.Equal(t, 2*time.Second, c.GetStaleAfter())
	assert.Equal(t, 5*time.Second, c.GetDeleteAfter())
	assert.Equal(t, 30*time.Second, c.GetCleanupAfter())
	assert.Equal(t, 1.0, c.GetTrustPriorAlpha())
	assert.Equal(t, 1.0, c.GetTrustPriorBeta())
	assert.Equal(t, 0.05, c.GetTrustDecayRate())
	assert.Equal(t, trust.RuleNoisyOR, c.GetFusionRule())
	assert.Equal(t, 2.0, c.GetFusionAssignRadiusM())
	assert.Equal(t, "command_center", c.GetReferenceAgentID())
	assert.Equal(t, 0.99, c.GetReferenceTrust())
	assert.Equal(t, 100*time.Millisecond, c.GetCycleInterval())
	assert.Equal(t, time.Hour, c.GetAuditRetention())
}

func TestLoadValid(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "tuning.json", `{
		"gating_distance_m": 3.5,
		"hits_to_confirm": 5,
		"stale_after": "4s",
		"fusion_rule": "weighted_average",
		"trust_decay_rate": 0.1
	}`)

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3.5, c.GetGatingDistanceM())
	assert.Equal(t, 5, c.GetHitsToConfirm())
	assert.Equal(t, 4*time.Second, c.GetStaleAfter())
	assert.Equal(t, trust.RuleWeightedAverage, c.GetFusionRule())
	assert.Equal(t, 0.1, c.GetTrustDecayRate())

	// Unset fields keep defaults.
	assert.Equal(t, 2.0, c.GetFusionAssignRadiusM())
}

func TestLoadRejectsNonJSONExtension(t *testing.T) {
	t.Parallel()
	path := writeConfig(t, "tuning.yaml", `{}`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Parallel()
	cases := map[string]string{
		"negative gate":      `{"gating_distance_m": -1}`,
		"zero hits":          `{"hits_to_confirm": 0}`,
		"bad duration":       `{"stale_after": "soon"}`,
		"negative duration":  `{"delete_after": "-2s"}`,
		"bad policy":         `{"association_policy": "optimal"}`,
		"bad tie policy":     `{"tie_policy": "coinflip"}`,
		"bad fusion rule":    `{"fusion_rule": "maximum"}`,
		"zero prior":         `{"trust_prior_alpha": 0}`,
		"negative decay":     `{"trust_decay_rate": -0.5}`,
		"zero epsilon":       `{"trust_epsilon": 0}`,
		"zero assign radius": `{"fusion_assign_radius_m": 0}`,
		"negative capacity":  `{"max_tracks_per_agent": -1}`,
		"zero ref trust":     `{"reference_trust": 0}`,
		"ref trust above 1":  `{"reference_trust": 1.5}`,
		"bad retention":      `{"audit_retention": "forever"}`,
	}

	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := writeConfig(t, "tuning.json", content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestMergePartialPatch(t *testing.T) {
	t.Parallel()
	base := Empty()
	gate := 5.0
	require.NoError(t, base.Merge(&Tuning{GatingDistanceM: &gate}))

	assert.Equal(t, 5.0, base.GetGatingDistanceM())
	assert.Equal(t, 3, base.GetHitsToConfirm(), "untouched fields keep defaults")
}

func TestMergeInvalidPatchLeavesBaseUnchanged(t *testing.T) {
	t.Parallel()
	base := Empty()
	gate := 5.0
	require.NoError(t, base.Merge(&Tuning{GatingDistanceM: &gate}))

	bad := -1.0
	err := base.Merge(&Tuning{GatingDistanceM: &bad})
	require.Error(t, err)
	assert.Equal(t, 5.0, base.GetGatingDistanceM())
}

func TestStoreApply(t *testing.T) {
	t.Parallel()
	s := NewStore(nil)

	gate := 4.0
	require.NoError(t, s.Apply(&Tuning{GatingDistanceM: &gate}))
	cur := s.Current()
	assert.Equal(t, 4.0, cur.GetGatingDistanceM())

	bad := -1.0
	require.Error(t, s.Apply(&Tuning{GatingDistanceM: &bad}))
	cur = s.Current()
	assert.Equal(t, 4.0, cur.GetGatingDistanceM())
}

func TestComponentConfigBuilders(t *testing.T) {
	t.Parallel()
	c := Empty()

	rc := c.RegistryConfig()
	assert.Equal(t, 3, rc.HitsToConfirm)
	assert.Equal(t, 2*time.Second, rc.StaleAfter)

	ac := c.AssociatorConfig()
	assert.Equal(t, 2.0, ac.GatingDistance)
	assert.Equal(t, trust.PolicyHungarian, ac.Policy)

	ec := c.EstimatorConfig()
	assert.Equal(t, 1.0, ec.PriorAlpha)
	assert.Equal(t, 1e-6, ec.Epsilon)

	fc := c.FuserConfig()
	assert.Equal(t, trust.RuleNoisyOR, fc.Rule)
	assert.Equal(t, 2.0, fc.AssignRadius)

	mc := c.MeasurerConfig()
	assert.Equal(t, 2.0, mc.AssignRadius)
	assert.Equal(t, "command_center", mc.ReferenceAgentID)
}

func TestReferenceStreamCanBeDisabled(t *testing.T) {
	t.Parallel()
	base := Empty()
	empty := ""
	require.NoError(t, base.Merge(&Tuning{ReferenceAgentID: &empty}))
	assert.Equal(t, "", base.GetReferenceAgentID())
	assert.Equal(t, "", base.MeasurerConfig().ReferenceAgentID)
}
