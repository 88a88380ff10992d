// Package config loads and validates the bridge tuning configuration.
//
// The schema matches the /api/params endpoint so the same JSON can be used
// for both startup configuration and runtime updates. All fields are
// optional pointers: fields omitted from the JSON retain their documented
// defaults, so partial configs are safe.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/avstack-lab/avtrust-bridge/internal/trust"
)

// Tuning is the root configuration for the trust bridge.
type Tuning struct {
	// Association params
	GatingDistanceM   *float64 `json:"gating_distance_m,omitempty"`   // detection-to-track gate (metres)
	RequireClassMatch *bool    `json:"require_class_match,omitempty"` // forbid cross-class matches
	AssociationPolicy *string  `json:"association_policy,omitempty"`  // "hungarian" | "greedy"
	TiePolicy         *string  `json:"tie_policy,omitempty"`          // "spawn" | "drop"

	// Track lifecycle params
	HitsToConfirm     *int    `json:"hits_to_confirm,omitempty"`      // consecutive detections before confirmation
	StaleAfter        *string `json:"stale_after,omitempty"`          // duration string like "2s"
	DeleteAfter       *string `json:"delete_after,omitempty"`         // grace before stale → deleted
	CleanupAfter      *string `json:"cleanup_after,omitempty"`        // deleted-track retention
	MaxHistoryLength  *int    `json:"max_history_length,omitempty"`   // position trail cap
	MaxTracksPerAgent *int    `json:"max_tracks_per_agent,omitempty"` // 0 = unlimited

	// Trust params
	TrustPriorAlpha     *float64 `json:"trust_prior_alpha,omitempty"`
	TrustPriorBeta      *float64 `json:"trust_prior_beta,omitempty"`
	TrustEvidenceWeight *float64 `json:"trust_evidence_weight,omitempty"`
	TrustDecayRate      *float64 `json:"trust_decay_rate,omitempty"` // per-second forgetting rate
	TrustEpsilon        *float64 `json:"trust_epsilon,omitempty"`    // belief parameter floor

	// Fusion params
	FusionRule          *string  `json:"fusion_rule,omitempty"` // "noisy_or" | "weighted_average"
	FusionAssignRadiusM *float64 `json:"fusion_assign_radius_m,omitempty"`

	// Reference stream params
	ReferenceAgentID *string  `json:"reference_agent_id,omitempty"` // "" disables the reference stream
	ReferenceTrust   *float64 `json:"reference_trust,omitempty"`    // fixed trust for reference tracks, in (0, 1]

	// Pipeline params
	CycleInterval  *string `json:"cycle_interval,omitempty"`  // duration string like "100ms"
	AuditRetention *string `json:"audit_retention,omitempty"` // audit row retention, duration string like "1h"
}

// Empty returns a Tuning with all fields unset; Get* accessors then return
// the documented defaults.
func Empty() *Tuning {
	return &Tuning{}
}

// Load reads a Tuning from a JSON file. The path must carry a .json
// extension and stay under 1 MB; validation failures here are startup
// failures, reported before any processing begins.
func Load(path string) (*Tuning, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Empty()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Merge overlays non-nil fields of patch onto c and validates the result.
// Used by the runtime /api/params update path; an invalid patch leaves c
// unchanged.
func (c *Tuning) Merge(patch *Tuning) error {
	merged := *c
	if patch.GatingDistanceM != nil {
		merged.GatingDistanceM = patch.GatingDistanceM
	}
	if patch.RequireClassMatch != nil {
		merged.RequireClassMatch = patch.RequireClassMatch
	}
	if patch.AssociationPolicy != nil {
		merged.AssociationPolicy = patch.AssociationPolicy
	}
	if patch.TiePolicy != nil {
		merged.TiePolicy = patch.TiePolicy
	}
	if patch.HitsToConfirm != nil {
		merged.HitsToConfirm = patch.HitsToConfirm
	}
	if patch.StaleAfter != nil {
		merged.StaleAfter = patch.StaleAfter
	}
	if patch.DeleteAfter != nil {
		merged.DeleteAfter = patch.DeleteAfter
	}
	if patch.CleanupAfter != nil {
		merged.CleanupAfter = patch.CleanupAfter
	}
	if patch.MaxHistoryLength != nil {
		merged.MaxHistoryLength = patch.MaxHistoryLength
	}
	if patch.MaxTracksPerAgent != nil {
		merged.MaxTracksPerAgent = patch.MaxTracksPerAgent
	}
	if patch.TrustPriorAlpha != nil {
		merged.TrustPriorAlpha = patch.TrustPriorAlpha
	}
	if patch.TrustPriorBeta != nil {
		merged.TrustPriorBeta = patch.TrustPriorBeta
	}
	if patch.TrustEvidenceWeight != nil {
		merged.TrustEvidenceWeight = patch.TrustEvidenceWeight
	}
	if patch.TrustDecayRate != nil {
		merged.TrustDecayRate = patch.TrustDecayRate
	}
	if patch.TrustEpsilon != nil {
		merged.TrustEpsilon = patch.TrustEpsilon
	}
	if patch.FusionRule != nil {
		merged.FusionRule = patch.FusionRule
	}
	if patch.FusionAssignRadiusM != nil {
		merged.FusionAssignRadiusM = patch.FusionAssignRadiusM
	}
	if patch.ReferenceAgentID != nil {
		merged.ReferenceAgentID = patch.ReferenceAgentID
	}
	if patch.ReferenceTrust != nil {
		merged.ReferenceTrust = patch.ReferenceTrust
	}
	if patch.CycleInterval != nil {
		merged.CycleInterval = patch.CycleInterval
	}
	if patch.AuditRetention != nil {
		merged.AuditRetention = patch.AuditRetention
	}
	if err := merged.Validate(); err != nil {
		return err
	}
	*c = merged
	return nil
}

// Validate checks that the configuration values are valid.
func (c *Tuning) Validate() error {
	if c.GatingDistanceM != nil && *c.GatingDistanceM <= 0 {
		return fmt.Errorf("gating_distance_m must be positive, got %f", *c.GatingDistanceM)
	}
	if c.AssociationPolicy != nil {
		switch trust.AssociationPolicy(*c.AssociationPolicy) {
		case trust.PolicyHungarian, trust.PolicyGreedy:
		default:
			return fmt.Errorf("association_policy must be %q or %q, got %q",
				trust.PolicyHungarian, trust.PolicyGreedy, *c.AssociationPolicy)
		}
	}
	if c.TiePolicy != nil {
		switch trust.TiePolicy(*c.TiePolicy) {
		case trust.TieSpawn, trust.TieDrop:
		default:
			return fmt.Errorf("tie_policy must be %q or %q, got %q",
				trust.TieSpawn, trust.TieDrop, *c.TiePolicy)
		}
	}
	if c.HitsToConfirm != nil && *c.HitsToConfirm < 1 {
		return fmt.Errorf("hits_to_confirm must be at least 1, got %d", *c.HitsToConfirm)
	}
	for name, v := range map[string]*string{
		"stale_after":     c.StaleAfter,
		"delete_after":    c.DeleteAfter,
		"cleanup_after":   c.CleanupAfter,
		"cycle_interval":  c.CycleInterval,
		"audit_retention": c.AuditRetention,
	} {
		if v == nil || *v == "" {
			continue
		}
		d, err := time.ParseDuration(*v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, *v, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	if c.MaxHistoryLength != nil && *c.MaxHistoryLength < 0 {
		return fmt.Errorf("max_history_length must be non-negative, got %d", *c.MaxHistoryLength)
	}
	if c.MaxTracksPerAgent != nil && *c.MaxTracksPerAgent < 0 {
		return fmt.Errorf("max_tracks_per_agent must be non-negative, got %d", *c.MaxTracksPerAgent)
	}
	if c.TrustPriorAlpha != nil && *c.TrustPriorAlpha <= 0 {
		return fmt.Errorf("trust_prior_alpha must be positive, got %f", *c.TrustPriorAlpha)
	}
	if c.TrustPriorBeta != nil && *c.TrustPriorBeta <= 0 {
		return fmt.Errorf("trust_prior_beta must be positive, got %f", *c.TrustPriorBeta)
	}
	if c.TrustEvidenceWeight != nil && *c.TrustEvidenceWeight <= 0 {
		return fmt.Errorf("trust_evidence_weight must be positive, got %f", *c.TrustEvidenceWeight)
	}
	if c.TrustDecayRate != nil && *c.TrustDecayRate < 0 {
		return fmt.Errorf("trust_decay_rate must be non-negative, got %f", *c.TrustDecayRate)
	}
	if c.TrustEpsilon != nil && *c.TrustEpsilon <= 0 {
		return fmt.Errorf("trust_epsilon must be positive, got %g", *c.TrustEpsilon)
	}
	if c.FusionRule != nil {
		switch trust.FusionRule(*c.FusionRule) {
		case trust.RuleNoisyOR, trust.RuleWeightedAverage:
		default:
			return fmt.Errorf("fusion_rule must be %q or %q, got %q",
				trust.RuleNoisyOR, trust.RuleWeightedAverage, *c.FusionRule)
		}
	}
	if c.FusionAssignRadiusM != nil && *c.FusionAssignRadiusM <= 0 {
		return fmt.Errorf("fusion_assign_radius_m must be positive, got %f", *c.FusionAssignRadiusM)
	}
	if c.ReferenceTrust != nil && (*c.ReferenceTrust <= 0 || *c.ReferenceTrust > 1) {
		return fmt.Errorf("reference_trust must be in (0, 1], got %f", *c.ReferenceTrust)
	}
	return nil
}

// Accessors with documented defaults. Defaults are tuned for a vehicle
// perception stream at roughly 10 Hz.

func (c *Tuning) GetGatingDistanceM() float64 {
	if c.GatingDistanceM != nil {
		return *c.GatingDistanceM
	}
	return 2.0
}

func (c *Tuning) GetRequireClassMatch() bool {
	if c.RequireClassMatch != nil {
		return *c.RequireClassMatch
	}
	return true
}

func (c *Tuning) GetAssociationPolicy() trust.AssociationPolicy {
	if c.AssociationPolicy != nil {
		return trust.AssociationPolicy(*c.AssociationPolicy)
	}
	return trust.PolicyHungarian
}

func (c *Tuning) GetTiePolicy() trust.TiePolicy {
	if c.TiePolicy != nil {
		return trust.TiePolicy(*c.TiePolicy)
	}
	return trust.TieSpawn
}

func (c *Tuning) GetHitsToConfirm() int {
	if c.HitsToConfirm != nil {
		return *c.HitsToConfirm
	}
	return 3
}

func (c *Tuning) getDuration(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // Validate() rejects unparsable values at load time
	}
	return d
}

func (c *Tuning) GetStaleAfter() time.Duration  { return c.getDuration(c.StaleAfter, 2*time.Second) }
func (c *Tuning) GetDeleteAfter() time.Duration { return c.getDuration(c.DeleteAfter, 5*time.Second) }
func (c *Tuning) GetCleanupAfter() time.Duration {
	return c.getDuration(c.CleanupAfter, 30*time.Second)
}

func (c *Tuning) GetMaxHistoryLength() int {
	if c.MaxHistoryLength != nil {
		return *c.MaxHistoryLength
	}
	return 100
}

func (c *Tuning) GetMaxTracksPerAgent() int {
	if c.MaxTracksPerAgent != nil {
		return *c.MaxTracksPerAgent
	}
	return 256
}

func (c *Tuning) GetTrustPriorAlpha() float64 {
	if c.TrustPriorAlpha != nil {
		return *c.TrustPriorAlpha
	}
	return 1.0
}

func (c *Tuning) GetTrustPriorBeta() float64 {
	if c.TrustPriorBeta != nil {
		return *c.TrustPriorBeta
	}
	return 1.0
}

func (c *Tuning) GetTrustEvidenceWeight() float64 {
	if c.TrustEvidenceWeight != nil {
		return *c.TrustEvidenceWeight
	}
	return 1.0
}

func (c *Tuning) GetTrustDecayRate() float64 {
	if c.TrustDecayRate != nil {
		return *c.TrustDecayRate
	}
	return 0.05
}

func (c *Tuning) GetTrustEpsilon() float64 {
	if c.TrustEpsilon != nil {
		return *c.TrustEpsilon
	}
	return 1e-6
}

func (c *Tuning) GetFusionRule() trust.FusionRule {
	if c.FusionRule != nil {
		return trust.FusionRule(*c.FusionRule)
	}
	return trust.RuleNoisyOR
}

func (c *Tuning) GetFusionAssignRadiusM() float64 {
	if c.FusionAssignRadiusM != nil {
		return *c.FusionAssignRadiusM
	}
	return 2.0
}

// GetReferenceAgentID returns the agent ID whose batches carry the
// independent reference tracks. Tracks from this agent anchor the fused
// consensus with GetReferenceTrust and the agent itself is never evaluated.
// An explicit empty string disables the reference stream.
func (c *Tuning) GetReferenceAgentID() string {
	if c.ReferenceAgentID != nil {
		return *c.ReferenceAgentID
	}
	return "command_center"
}

func (c *Tuning) GetReferenceTrust() float64 {
	if c.ReferenceTrust != nil {
		return *c.ReferenceTrust
	}
	return 0.99
}

func (c *Tuning) GetCycleInterval() time.Duration {
	return c.getDuration(c.CycleInterval, 100*time.Millisecond)
}

func (c *Tuning) GetAuditRetention() time.Duration {
	return c.getDuration(c.AuditRetention, time.Hour)
}

// Component config builders.

// RegistryConfig builds the track registry configuration.
func (c *Tuning) RegistryConfig() trust.RegistryConfig {
	return trust.RegistryConfig{
		HitsToConfirm:     c.GetHitsToConfirm(),
		StaleAfter:        c.GetStaleAfter(),
		DeleteAfter:       c.GetDeleteAfter(),
		CleanupAfter:      c.GetCleanupAfter(),
		MaxHistoryLength:  c.GetMaxHistoryLength(),
		MaxTracksPerAgent: c.GetMaxTracksPerAgent(),
	}
}

// AssociatorConfig builds the association engine configuration.
func (c *Tuning) AssociatorConfig() trust.AssociatorConfig {
	return trust.AssociatorConfig{
		GatingDistance:    c.GetGatingDistanceM(),
		RequireClassMatch: c.GetRequireClassMatch(),
		Policy:            c.GetAssociationPolicy(),
		TiePolicy:         c.GetTiePolicy(),
	}
}

// EstimatorConfig builds the trust estimator configuration.
func (c *Tuning) EstimatorConfig() trust.EstimatorConfig {
	return trust.EstimatorConfig{
		PriorAlpha:     c.GetTrustPriorAlpha(),
		PriorBeta:      c.GetTrustPriorBeta(),
		EvidenceWeight: c.GetTrustEvidenceWeight(),
		DecayRate:      c.GetTrustDecayRate(),
		Epsilon:        c.GetTrustEpsilon(),
	}
}

// FuserConfig builds the fusion engine configuration.
func (c *Tuning) FuserConfig() trust.FuserConfig {
	return trust.FuserConfig{
		AssignRadius:      c.GetFusionAssignRadiusM(),
		RequireClassMatch: c.GetRequireClassMatch(),
		Rule:              c.GetFusionRule(),
	}
}

// MeasurerConfig builds the evidence-generation configuration.
func (c *Tuning) MeasurerConfig() trust.MeasurerConfig {
	return trust.MeasurerConfig{
		AssignRadius:     c.GetFusionAssignRadiusM(),
		ReferenceAgentID: c.GetReferenceAgentID(),
	}
}
