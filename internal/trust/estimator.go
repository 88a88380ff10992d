package trust

import (
	"log"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat/distuv"
)

// EstimatorConfig holds the evidence and forgetting parameters for the
// trust estimator.
type EstimatorConfig struct {
	// PriorAlpha and PriorBeta define the neutral Beta prior. Equal values
	// give a neutral 0.5 score; the magnitude sets how much evidence is
	// needed to move away from it.
	PriorAlpha float64
	PriorBeta  float64

	// EvidenceWeight scales each outcome's pseudo-count contribution.
	// Effective increment is EvidenceWeight × outcome confidence.
	EvidenceWeight float64

	// DecayRate is the per-second exponential forgetting rate λ. Between
	// updates the belief parameters are pulled toward the prior by
	// exp(−λ·dt), so stale beliefs regress toward uncertainty instead of
	// staying pinned at an old extreme.
	DecayRate float64

	// Epsilon is the minimum value α and β are clamped to. Clamping is
	// logged as a warning, never fatal.
	Epsilon float64
}

// TrustState is the Beta-distributed belief that one agent's reports about
// one track are truthful. The zero TrackID form is used for agent-level
// beliefs aggregated over all of the agent's evidence.
type TrustState struct {
	AgentID string
	TrackID string

	Alpha float64
	Beta  float64

	LastUpdateNanos int64
}

// Score returns the belief mean α/(α+β), always in [0, 1].
func (s TrustState) Score() float64 {
	return distuv.Beta{Alpha: s.Alpha, Beta: s.Beta}.Mean()
}

// Variance returns the belief variance; high variance means the score is
// still dominated by the prior rather than evidence.
func (s TrustState) Variance() float64 {
	return distuv.Beta{Alpha: s.Alpha, Beta: s.Beta}.Variance()
}

// Quantile returns the q-th quantile of the belief. Useful for reporting a
// conservative lower confidence bound (e.g. q=0.05) alongside the mean.
func (s TrustState) Quantile(q float64) float64 {
	return distuv.Beta{Alpha: s.Alpha, Beta: s.Beta}.Quantile(q)
}

type trustKey struct {
	agentID string
	trackID string
}

// Estimator maintains per-(agent, track) and per-agent Beta trust beliefs.
// All mutation is serialized under the estimator lock; the pipeline calls
// Decay/Update from a single cycle goroutine while the HTTP API reads
// snapshots concurrently.
type Estimator struct {
	mu     sync.RWMutex
	cfg    EstimatorConfig
	tracks map[trustKey]*TrustState
	agents map[string]*TrustState

	// agentPriors remembers per-agent self-trust priors registered from
	// inbound agent metadata.
	agentPriors map[string][2]float64
}

// NewEstimator creates an estimator with the given configuration.
func NewEstimator(cfg EstimatorConfig) *Estimator {
	return &Estimator{
		cfg:         cfg,
		tracks:      make(map[trustKey]*TrustState),
		agents:      make(map[string]*TrustState),
		agentPriors: make(map[string][2]float64),
	}
}

// SetConfig replaces the evidence and forgetting parameters. Existing
// beliefs are untouched; new parameters apply from the next update.
func (e *Estimator) SetConfig(cfg EstimatorConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg = cfg
}

// RegisterAgent records an agent's self-trust prior. Existing beliefs are
// untouched; the prior applies when the agent-level belief is first created
// and as the decay target for that agent.
func (e *Estimator) RegisterAgent(ag Agent) {
	if ag.PriorAlpha <= 0 || ag.PriorBeta <= 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.agentPriors[ag.ID] = [2]float64{ag.PriorAlpha, ag.PriorBeta}
}

func (e *Estimator) priorFor(agentID string) (alpha, beta float64) {
	if p, ok := e.agentPriors[agentID]; ok {
		return p[0], p[1]
	}
	return e.cfg.PriorAlpha, e.cfg.PriorBeta
}

// Update folds one evidence outcome into the (agent, track) belief and the
// agent-level belief. A consistent outcome adds EvidenceWeight×confidence
// to α; an inconsistent one adds the same to β. Returns the resulting
// track-level state.
func (e *Estimator) Update(agentID, trackID string, outcome Outcome, confidence float64, nowNanos int64) TrustState {
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	w := e.cfg.EvidenceWeight * confidence

	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.trackStateLocked(agentID, trackID, nowNanos)
	e.decayStateLocked(st, nowNanos, e.cfg.PriorAlpha, e.cfg.PriorBeta)
	e.applyLocked(st, outcome, w, nowNanos)

	ag := e.agentStateLocked(agentID, nowNanos)
	pa, pb := e.priorFor(agentID)
	e.decayStateLocked(ag, nowNanos, pa, pb)
	e.applyLocked(ag, outcome, w, nowNanos)

	return *st
}

// UpdateAgent folds agent-only evidence (no associated track, e.g. a
// consensus object the agent failed to report) into the agent-level belief.
func (e *Estimator) UpdateAgent(agentID string, outcome Outcome, confidence float64, nowNanos int64) TrustState {
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	w := e.cfg.EvidenceWeight * confidence

	e.mu.Lock()
	defer e.mu.Unlock()

	ag := e.agentStateLocked(agentID, nowNanos)
	pa, pb := e.priorFor(agentID)
	e.decayStateLocked(ag, nowNanos, pa, pb)
	e.applyLocked(ag, outcome, w, nowNanos)
	return *ag
}

func (e *Estimator) applyLocked(st *TrustState, outcome Outcome, w float64, nowNanos int64) {
	switch outcome {
	case OutcomeConsistent:
		st.Alpha += w
	case OutcomeInconsistent:
		st.Beta += w
	}
	e.clampLocked(st)
	st.LastUpdateNanos = nowNanos
}

func (e *Estimator) clampLocked(st *TrustState) {
	eps := e.cfg.Epsilon
	if st.Alpha < eps || st.Beta < eps || math.IsNaN(st.Alpha) || math.IsNaN(st.Beta) {
		log.Printf("[Trust] degenerate belief for agent=%s track=%s (α=%g β=%g), clamping to ε=%g",
			st.AgentID, st.TrackID, st.Alpha, st.Beta, eps)
		if !(st.Alpha >= eps) { // catches NaN
			st.Alpha = eps
		}
		if !(st.Beta >= eps) {
			st.Beta = eps
		}
	}
}

func (e *Estimator) trackStateLocked(agentID, trackID string, nowNanos int64) *TrustState {
	key := trustKey{agentID, trackID}
	st, ok := e.tracks[key]
	if !ok {
		st = &TrustState{
			AgentID:         agentID,
			TrackID:         trackID,
			Alpha:           e.cfg.PriorAlpha,
			Beta:            e.cfg.PriorBeta,
			LastUpdateNanos: nowNanos,
		}
		e.tracks[key] = st
	}
	return st
}

func (e *Estimator) agentStateLocked(agentID string, nowNanos int64) *TrustState {
	st, ok := e.agents[agentID]
	if !ok {
		pa, pb := e.priorFor(agentID)
		st = &TrustState{
			AgentID:         agentID,
			Alpha:           pa,
			Beta:            pb,
			LastUpdateNanos: nowNanos,
		}
		e.agents[agentID] = st
	}
	return st
}

// decayStateLocked pulls α and β toward the given prior by exp(−λ·dt).
// The score therefore regresses monotonically toward the prior mean with
// no new evidence, approaching but never reaching it.
func (e *Estimator) decayStateLocked(st *TrustState, nowNanos int64, priorAlpha, priorBeta float64) {
	dt := float64(nowNanos-st.LastUpdateNanos) / 1e9
	if dt <= 0 || e.cfg.DecayRate <= 0 {
		return
	}
	f := math.Exp(-e.cfg.DecayRate * dt)
	st.Alpha = priorAlpha + (st.Alpha-priorAlpha)*f
	st.Beta = priorBeta + (st.Beta-priorBeta)*f
	e.clampLocked(st)
	st.LastUpdateNanos = nowNanos
}

// Decay propagates every belief to the given instant. Called once per cycle
// before evidence generation so scores reflect elapsed silence.
func (e *Estimator) Decay(nowNanos int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.tracks {
		e.decayStateLocked(st, nowNanos, e.cfg.PriorAlpha, e.cfg.PriorBeta)
	}
	for agentID, st := range e.agents {
		pa, pb := e.priorFor(agentID)
		e.decayStateLocked(st, nowNanos, pa, pb)
	}
}

// Score returns the (agent, track) trust score, or ok=false when no belief
// exists, including after the track's deletion cascaded through DropTrack.
func (e *Estimator) Score(agentID, trackID string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.tracks[trustKey{agentID, trackID}]
	if !ok {
		return 0, false
	}
	return st.Score(), true
}

// AgentScore returns the agent-level trust score, or ok=false for an agent
// the estimator has never seen evidence from.
func (e *Estimator) AgentScore(agentID string) (float64, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.agents[agentID]
	if !ok {
		return 0, false
	}
	return st.Score(), true
}

// DropTrack removes every belief referencing the track. Wired to the
// registry's deletion cascade so a TrustState never outlives its track.
func (e *Estimator) DropTrack(trackID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key := range e.tracks {
		if key.trackID == trackID {
			delete(e.tracks, key)
		}
	}
}

// TrackStates returns a snapshot of all (agent, track) beliefs, ordered by
// agent then track for stable output.
func (e *Estimator) TrackStates() []TrustState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]TrustState, 0, len(e.tracks))
	for _, st := range e.tracks {
		out = append(out, *st)
	}
	sortStates(out)
	return out
}

// AgentStates returns a snapshot of all agent-level beliefs, ordered by
// agent ID.
func (e *Estimator) AgentStates() []TrustState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]TrustState, 0, len(e.agents))
	for _, st := range e.agents {
		out = append(out, *st)
	}
	sortStates(out)
	return out
}

func sortStates(states []TrustState) {
	sort.Slice(states, func(i, j int) bool {
		if states[i].AgentID != states[j].AgentID {
			return states[i].AgentID < states[j].AgentID
		}
		return states[i].TrackID < states[j].TrackID
	})
}

// Reset discards all beliefs and registered priors.
func (e *Estimator) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks = make(map[trustKey]*TrustState)
	e.agents = make(map[string]*TrustState)
	e.agentPriors = make(map[string][2]float64)
}
