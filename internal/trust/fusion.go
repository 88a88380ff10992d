package trust

import (
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
)

// FusionRule selects how contributing trust scores combine into the fused
// trust score.
type FusionRule string

const (
	// RuleNoisyOR combines scores as 1 − Π(1 − sᵢ): independent
	// corroboration raises the fused score above any individual score,
	// but it can never reach 1 and never drops below the maximum
	// contributing score. Default.
	RuleNoisyOR FusionRule = "noisy_or"
	// RuleWeightedAverage combines scores as Σsᵢ² / Σsᵢ (self-weighted
	// mean). It stays within [min sᵢ, max sᵢ].
	RuleWeightedAverage FusionRule = "weighted_average"
)

// FuserConfig holds cross-agent grouping and combination parameters.
type FuserConfig struct {
	// AssignRadius is the maximum distance (metres) at which two agents'
	// tracks are considered reports of the same real-world object.
	AssignRadius float64
	// RequireClassMatch forbids grouping tracks of different classes.
	RequireClassMatch bool
	Rule              FusionRule
}

// Contributor records one agent's share of a fused estimate.
type Contributor struct {
	AgentID string  `json:"agent_id"`
	TrackID string  `json:"track_id"`
	Score   float64 `json:"score"` // that agent's trust score for the track
	// Confidence is the detection confidence the contributing track last
	// reported; evidence generation weights consistent outcomes by it.
	Confidence float64 `json:"confidence"`
}

// FusedEstimate is a cross-agent combined estimate of one real-world
// object. Recomputed every fusion cycle; never persisted across cycles.
type FusedEstimate struct {
	// ObjectID is derived from the earliest contributing track so the
	// identity is stable across cycles while that track lives.
	ObjectID       string        `json:"object_id"`
	Position       Position      `json:"position"`
	Box            BoundingBox   `json:"box"`
	Class          string        `json:"class"`
	TrustScore     float64       `json:"trust_score"`
	Contributors   []Contributor `json:"contributors"`
	TimestampNanos int64         `json:"timestamp_nanos"`
}

// ScoreFunc resolves the current trust score for an (agent, track) pair.
type ScoreFunc func(agentID, trackID string) (float64, bool)

// Fuser combines multi-agent trust-weighted track reports into fused
// estimates. Stateless: each call operates on the cycle's snapshot.
type Fuser struct {
	cfg FuserConfig
}

// NewFuser creates a fuser with the given configuration.
func NewFuser(cfg FuserConfig) *Fuser {
	return &Fuser{cfg: cfg}
}

// group accumulates one cross-agent object during grouping.
type group struct {
	tracks []Track
	scores []float64
	// Running centroid used for gating subsequent agents' tracks.
	cx, cy, cz float64
	class      string
}

func (g *group) add(tr Track, score float64) {
	g.tracks = append(g.tracks, tr)
	g.scores = append(g.scores, score)
	n := float64(len(g.tracks))
	g.cx += (tr.X - g.cx) / n
	g.cy += (tr.Y - g.cy) / n
	g.cz += (tr.Z - g.cz) / n
	if g.class == "" {
		g.class = tr.Class
	}
}

// Fuse groups confirmed tracks across agents and combines each group into a
// FusedEstimate. Grouping reuses the association gating idea across agents:
// per agent, tracks are assigned one-to-one to existing groups by optimal
// assignment on Euclidean distance, gated by AssignRadius and class match;
// unassigned tracks seed new groups.
//
// Returns estimates ordered by object ID for stable output.
func (f *Fuser) Fuse(tracksByAgent map[string][]Track, score ScoreFunc, nowNanos int64) []FusedEstimate {
	agentIDs := make([]string, 0, len(tracksByAgent))
	for id := range tracksByAgent {
		agentIDs = append(agentIDs, id)
	}
	sort.Strings(agentIDs)

	var groups []*group
	for _, agentID := range agentIDs {
		tracks := tracksByAgent[agentID]
		if len(tracks) == 0 {
			continue
		}

		// Deterministic track order within the agent.
		ordered := make([]Track, len(tracks))
		copy(ordered, tracks)
		sort.Slice(ordered, func(i, j int) bool { return ordered[i].TrackID < ordered[j].TrackID })

		assign := f.assignToGroups(ordered, groups)
		for i, tr := range ordered {
			s, ok := score(agentID, tr.TrackID)
			if !ok {
				// No belief yet for a freshly confirmed track: treat it
				// as maximally uncertain rather than skipping the report.
				s = 0.5
			}
			if j := assign[i]; j >= 0 {
				groups[j].add(tr, s)
			} else {
				g := &group{}
				g.add(tr, s)
				groups = append(groups, g)
			}
		}
	}

	estimates := make([]FusedEstimate, 0, len(groups))
	for _, g := range groups {
		estimates = append(estimates, f.combine(g, nowNanos))
	}
	sort.Slice(estimates, func(i, j int) bool { return estimates[i].ObjectID < estimates[j].ObjectID })
	return estimates
}

// assignToGroups solves track-to-group assignment for one agent. Returns a
// slice indexed by track: group index or -1.
func (f *Fuser) assignToGroups(tracks []Track, groups []*group) []int {
	assign := make([]int, len(tracks))
	for i := range assign {
		assign[i] = -1
	}
	if len(groups) == 0 {
		return assign
	}

	cost := make([][]float64, len(tracks))
	for i, tr := range tracks {
		cost[i] = make([]float64, len(groups))
		for j, g := range groups {
			if f.cfg.RequireClassMatch && tr.Class != "" && g.class != "" && tr.Class != g.class {
				cost[i][j] = hungarianInf
				continue
			}
			dx, dy, dz := tr.X-g.cx, tr.Y-g.cy, tr.Z-g.cz
			d := math.Sqrt(dx*dx + dy*dy + dz*dz)
			if d > f.cfg.AssignRadius {
				cost[i][j] = hungarianInf
			} else {
				cost[i][j] = d
			}
		}
	}
	return HungarianAssign(cost)
}

// combine reduces one group to a fused estimate. Geometry is the
// trust-weighted mean of the contributing track states; the trust score
// follows the configured combination rule. A single contributor yields that
// agent's estimate and trust unchanged; corroboration that does not exist
// must not inflate the score.
func (f *Fuser) combine(g *group, nowNanos int64) FusedEstimate {
	// Weight floor keeps a fully distrusted group from producing a 0/0
	// weighted mean; the geometry then degrades to a plain average.
	const weightFloor = 1e-6

	weights := make([]float64, len(g.scores))
	for i, s := range g.scores {
		weights[i] = math.Max(s, weightFloor)
	}

	xs := make([]float64, len(g.tracks))
	ys := make([]float64, len(g.tracks))
	zs := make([]float64, len(g.tracks))
	ls := make([]float64, len(g.tracks))
	ws := make([]float64, len(g.tracks))
	hs := make([]float64, len(g.tracks))
	for i, tr := range g.tracks {
		xs[i], ys[i], zs[i] = tr.X, tr.Y, tr.Z
		ls[i], ws[i], hs[i] = tr.Box.Length, tr.Box.Width, tr.Box.Height
	}

	est := FusedEstimate{
		ObjectID: fusedObjectID(g.tracks),
		Position: Position{
			X: stat.Mean(xs, weights),
			Y: stat.Mean(ys, weights),
			Z: stat.Mean(zs, weights),
		},
		Box: BoundingBox{
			Length: stat.Mean(ls, weights),
			Width:  stat.Mean(ws, weights),
			Height: stat.Mean(hs, weights),
		},
		Class:          g.class,
		TrustScore:     f.combineScores(g.scores),
		TimestampNanos: nowNanos,
	}
	for i, tr := range g.tracks {
		est.Contributors = append(est.Contributors, Contributor{
			AgentID:    tr.AgentID,
			TrackID:    tr.TrackID,
			Score:      g.scores[i],
			Confidence: tr.Confidence,
		})
	}
	return est
}

func (f *Fuser) combineScores(scores []float64) float64 {
	if len(scores) == 1 {
		return scores[0]
	}
	switch f.cfg.Rule {
	case RuleWeightedAverage:
		var num, den float64
		for _, s := range scores {
			num += s * s
			den += s
		}
		if den == 0 {
			return 0
		}
		return num / den
	default: // RuleNoisyOR
		p := 1.0
		for _, s := range scores {
			p *= 1 - s
		}
		return 1 - p
	}
}

// fusedObjectID derives a stable cross-agent identity from the earliest
// contributing track.
func fusedObjectID(tracks []Track) string {
	seed := tracks[0]
	for _, tr := range tracks[1:] {
		if tr.FirstUnixNanos < seed.FirstUnixNanos ||
			(tr.FirstUnixNanos == seed.FirstUnixNanos && tr.TrackID < seed.TrackID) {
			seed = tr
		}
	}
	return "obj_" + strings.TrimPrefix(seed.TrackID, "trk_")
}
