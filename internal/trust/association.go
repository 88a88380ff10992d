package trust

import (
	"math"
	"sort"
)

// AssociationPolicy selects the matching algorithm used to resolve
// one-to-one detection-to-track pairs within a cycle.
type AssociationPolicy string

const (
	// PolicyHungarian solves the assignment problem optimally (default).
	PolicyHungarian AssociationPolicy = "hungarian"
	// PolicyGreedy matches nearest-first in detection arrival order.
	PolicyGreedy AssociationPolicy = "greedy"
)

// TiePolicy governs what happens to a detection that loses an exact
// similarity tie for a track: the earlier-arriving detection always wins;
// the loser either spawns a new tentative track or is dropped.
type TiePolicy string

const (
	TieSpawn TiePolicy = "spawn"
	TieDrop  TiePolicy = "drop"
)

// AssociatorConfig holds gating and matching parameters.
type AssociatorConfig struct {
	// GatingDistance is the maximum Euclidean distance (metres) at which
	// a detection may match a track.
	GatingDistance float64
	// RequireClassMatch, when true, forbids matching a detection to a
	// track of a different object class.
	RequireClassMatch bool
	Policy            AssociationPolicy
	TiePolicy         TiePolicy
}

// Match is the association outcome for one detection.
type Match struct {
	DetectionIndex int
	// TrackID is the matched track, or "" when the detection gated out
	// against every candidate.
	TrackID  string
	Distance float64
	// TieDropped is true when the detection lost an exact similarity tie
	// under TieDrop policy and must be discarded rather than spawn a track.
	TieDropped bool
}

// Associator matches incoming detections against a candidate track set.
// It is stateless; candidates come from the registry each cycle.
type Associator struct {
	cfg AssociatorConfig
}

// NewAssociator creates an associator with the given configuration.
func NewAssociator(cfg AssociatorConfig) *Associator {
	return &Associator{cfg: cfg}
}

// gatedDistance returns the Euclidean distance between detection and track,
// or hungarianInf when the pair fails gating (distance threshold or class
// mismatch).
func (a *Associator) gatedDistance(det Detection, tr Track) float64 {
	if a.cfg.RequireClassMatch && det.Class != "" && tr.Class != "" && det.Class != tr.Class {
		return hungarianInf
	}
	dx := det.Position.X - tr.X
	dy := det.Position.Y - tr.Y
	dz := det.Position.Z - tr.Z
	dist := math.Sqrt(dx*dx + dy*dy + dz*dz)
	if dist > a.cfg.GatingDistance {
		return hungarianInf
	}
	return dist
}

// Associate resolves one-to-one detection-to-track pairs for a single
// agent's cycle snapshot. Detections are taken in arrival order. Candidate
// tracks are ordered by creation time so that exact similarity ties resolve
// to the earliest-created track, and (under the greedy policy) to the
// earlier-arriving detection.
//
// The returned slice has one Match per detection, in detection order.
func (a *Associator) Associate(dets []Detection, candidates []Track) []Match {
	matches := make([]Match, len(dets))
	for i := range matches {
		matches[i] = Match{DetectionIndex: i, Distance: math.Inf(1)}
	}
	if len(dets) == 0 {
		return matches
	}

	// Deterministic candidate order: earliest creation first, track ID as
	// the final discriminator. This is the documented tie-break.
	ordered := make([]Track, len(candidates))
	copy(ordered, candidates)
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].FirstUnixNanos != ordered[j].FirstUnixNanos {
			return ordered[i].FirstUnixNanos < ordered[j].FirstUnixNanos
		}
		return ordered[i].TrackID < ordered[j].TrackID
	})

	if len(ordered) == 0 {
		return matches
	}

	switch a.cfg.Policy {
	case PolicyGreedy:
		a.associateGreedy(dets, ordered, matches)
	default:
		a.associateHungarian(dets, ordered, matches)
	}
	return matches
}

// associateGreedy matches each detection, in arrival order, to its nearest
// gated candidate that is still unclaimed. An exact-distance tie for the
// same track therefore always goes to the earlier-arriving detection; the
// loser is marked TieDropped under the drop policy.
func (a *Associator) associateGreedy(dets []Detection, ordered []Track, matches []Match) {
	claimed := make(map[string]float64, len(ordered)) // trackID → winning distance
	for i, det := range dets {
		best := -1
		bestDist := math.Inf(1)
		tied := false
		for j, tr := range ordered {
			if _, taken := claimed[tr.TrackID]; taken {
				// Exact tie against an already-claimed track: the earlier
				// detection won; remember the tie so the drop policy can
				// apply if nothing else gates in.
				if d := a.gatedDistance(det, tr); d < hungarianInf && d == claimed[tr.TrackID] {
					tied = true
				}
				continue
			}
			d := a.gatedDistance(det, tr)
			if d < bestDist {
				bestDist = d
				best = j
			}
		}
		if best >= 0 && bestDist < hungarianInf {
			matches[i].TrackID = ordered[best].TrackID
			matches[i].Distance = bestDist
			claimed[ordered[best].TrackID] = bestDist
		} else if tied && a.cfg.TiePolicy == TieDrop {
			matches[i].TieDropped = true
		}
	}
}

// associateHungarian builds a gated cost matrix and solves it optimally.
// A deterministic tie-break bias (far below any physical distance delta)
// is added per candidate index so that exact-cost ties resolve to the
// earlier-created track and the earlier-arriving detection.
func (a *Associator) associateHungarian(dets []Detection, ordered []Track, matches []Match) {
	const tieBias = 1e-9

	cost := make([][]float64, len(dets))
	raw := make([][]float64, len(dets))
	for i, det := range dets {
		cost[i] = make([]float64, len(ordered))
		raw[i] = make([]float64, len(ordered))
		for j, tr := range ordered {
			d := a.gatedDistance(det, tr)
			raw[i][j] = d
			if d >= hungarianInf {
				cost[i][j] = hungarianInf
			} else {
				cost[i][j] = d + tieBias*float64(j) + tieBias*float64(i)/float64(len(dets)+1)
			}
		}
	}

	assign := HungarianAssign(cost)
	for i := range dets {
		j := assign[i]
		if j < 0 {
			// Unmatched. Distinguish a pure gate-out from losing an exact
			// tie: if some gated-in candidate was claimed by another
			// detection at the identical raw distance, this is a tie loss.
			if a.cfg.TiePolicy == TieDrop && a.lostExactTie(i, raw, assign) {
				matches[i].TieDropped = true
			}
			continue
		}
		matches[i].TrackID = ordered[j].TrackID
		matches[i].Distance = raw[i][j]
	}
}

// lostExactTie reports whether unmatched detection i had a gated-in
// candidate that another detection claimed at the identical raw distance.
func (a *Associator) lostExactTie(i int, raw [][]float64, assign []int) bool {
	for j, d := range raw[i] {
		if d >= hungarianInf {
			continue
		}
		for other, col := range assign {
			if other != i && col == j && raw[other][j] == d {
				return true
			}
		}
	}
	return false
}
