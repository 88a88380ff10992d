// Package pipeline runs the bridge's periodic fusion cycle: it buffers
// inbound detection batches, drives association and track lifecycle,
// recomputes the fused view, generates trust evidence from it, and hands
// the cycle's outputs to the publisher and audit store.
//
// Batches from the configured reference agent (the command-center track
// stream) flow through the same ingestion path, but its tracks anchor the
// fused consensus with a fixed trust score and the reference itself is
// never evaluated.
//
// All trust state mutation happens on the single cycle goroutine;
// EnqueueBatch and the read accessors are safe to call concurrently.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/avstack-lab/avtrust-bridge/internal/bridge"
	"github.com/avstack-lab/avtrust-bridge/internal/config"
	"github.com/avstack-lab/avtrust-bridge/internal/trust"
)

// Publisher receives the cycle's outbound messages. Satisfied by
// bridge.Publisher; nil disables publishing.
type Publisher interface {
	Publish(v any)
}

// Auditor persists per-cycle snapshots. Satisfied by the sqlite store; nil
// disables auditing.
type Auditor interface {
	RecordCycle(nowNanos int64, fused []trust.FusedEstimate, agents, tracks []trust.TrustState) error
}

// Config wires the pipeline's dependencies.
type Config struct {
	Store     *config.Store
	Publisher Publisher
	Audit     Auditor

	// Now overrides the clock; nil means time.Now. Tests drive cycles
	// with a synthetic clock.
	Now func() time.Time
}

// Pipeline owns the trust state machine and the cycle loop.
type Pipeline struct {
	store     *config.Store
	registry  *trust.Registry
	estimator *trust.Estimator
	pub       Publisher
	audit     Auditor
	now       func() time.Time

	mu        sync.Mutex
	pending   []*bridge.DetectionBatch
	lastBatch map[string]int64 // agent ID → last accepted batch timestamp
	agents    map[string]trust.Agent

	outMu     sync.RWMutex
	lastFused []trust.FusedEstimate
	lastPSMs  []trust.PSM

	cycles int64
}

// New creates a pipeline. Registry and estimator configuration come from
// the store's current tuning and are refreshed at the start of every cycle.
func New(cfg Config) *Pipeline {
	if cfg.Store == nil {
		cfg.Store = config.NewStore(nil)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	tun := cfg.Store.Current()
	p := &Pipeline{
		store:     cfg.Store,
		registry:  trust.NewRegistry(tun.RegistryConfig()),
		estimator: trust.NewEstimator(tun.EstimatorConfig()),
		pub:       cfg.Publisher,
		audit:     cfg.Audit,
		now:       now,
		lastBatch: make(map[string]int64),
		agents:    make(map[string]trust.Agent),
	}

	// A deleted track must not leave a trust belief behind.
	p.registry.OnDelete(p.estimator.DropTrack)
	return p
}

// Registry exposes the track registry for read-side consumers (HTTP API).
func (p *Pipeline) Registry() *trust.Registry { return p.registry }

// Estimator exposes the trust estimator for read-side consumers.
func (p *Pipeline) Estimator() *trust.Estimator { return p.estimator }

// EnqueueBatch buffers one decoded detection batch for the next cycle.
// Batch timestamps must be strictly increasing per agent: a batch at or
// before the agent's last accepted timestamp is a duplicate or out-of-order
// delivery and is rejected, which makes resubmission of an identical batch
// a no-op.
func (p *Pipeline) EnqueueBatch(batch *bridge.DetectionBatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.lastBatch[batch.AgentID]; ok && batch.TimestampNanos <= last {
		return fmt.Errorf("agent %s: batch timestamp %d not after last accepted %d",
			batch.AgentID, batch.TimestampNanos, last)
	}
	p.lastBatch[batch.AgentID] = batch.TimestampNanos
	p.agents[batch.AgentID] = batch.Agent()
	p.estimator.RegisterAgent(batch.Agent())
	p.pending = append(p.pending, batch)

	tracef("queued batch agent=%s ts=%d detections=%d",
		batch.AgentID, batch.TimestampNanos, len(batch.Detections))
	return nil
}

// Run drives the cycle loop until the context is cancelled. On shutdown a
// final cycle drains any buffered batches before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	tun := p.store.Current()
	interval := tun.GetCycleInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	diagf("cycle runtime started (interval %s)", interval)

	for {
		select {
		case <-ctx.Done():
			p.RunCycle(p.now().UnixNano())
			diagf("cycle runtime stopped after %d cycles", p.Cycles())
			return ctx.Err()
		case <-ticker.C:
			p.RunCycle(p.now().UnixNano())
			tun = p.store.Current()
			if next := tun.GetCycleInterval(); next != interval {
				diagf("cycle interval changed %s -> %s", interval, next)
				interval = next
				ticker.Reset(next)
			}
		}
	}
}

// RunCycle executes one full fusion cycle at the given instant. Exported so
// tests can drive the pipeline deterministically without the ticker.
func (p *Pipeline) RunCycle(nowNanos int64) {
	tun := p.store.Current()
	p.registry.SetConfig(tun.RegistryConfig())
	p.estimator.SetConfig(tun.EstimatorConfig())
	assoc := trust.NewAssociator(tun.AssociatorConfig())
	fuser := trust.NewFuser(tun.FuserConfig())
	measurer := trust.NewMeasurer(tun.MeasurerConfig())

	p.mu.Lock()
	batches := p.pending
	p.pending = nil
	agents := make(map[string]trust.Agent, len(p.agents))
	for id, ag := range p.agents {
		agents[id] = ag
	}
	p.mu.Unlock()

	// Deterministic processing order: agent, then batch timestamp.
	sort.Slice(batches, func(i, j int) bool {
		if batches[i].AgentID != batches[j].AgentID {
			return batches[i].AgentID < batches[j].AgentID
		}
		return batches[i].TimestampNanos < batches[j].TimestampNanos
	})

	for _, batch := range batches {
		p.applyBatch(assoc, batch)
	}

	p.registry.Sweep(nowNanos)
	p.estimator.Decay(nowNanos)

	// Reference tracks (the command-center stream) carry a fixed trust and
	// anchor the consensus; peer tracks use their estimated trust.
	refID := tun.GetReferenceAgentID()
	refTrust := tun.GetReferenceTrust()
	score := func(agentID, trackID string) (float64, bool) {
		if refID != "" && agentID == refID {
			return refTrust, true
		}
		return p.estimator.Score(agentID, trackID)
	}

	fused := fuser.Fuse(p.registry.ConfirmedByAgent(), score, nowNanos)

	live := make(map[string][]trust.Track, len(agents))
	for id := range agents {
		live[id] = p.registry.TracksByAgent(id)
	}
	psms := measurer.Generate(agents, live, fused, nowNanos)
	for _, psm := range psms {
		if psm.TrackID != "" {
			p.estimator.Update(psm.AgentID, psm.TrackID, psm.Outcome, psm.Confidence, psm.TimestampNanos)
		} else {
			p.estimator.UpdateAgent(psm.AgentID, psm.Outcome, psm.Confidence, psm.TimestampNanos)
		}
	}

	p.outMu.Lock()
	p.lastFused = fused
	p.lastPSMs = psms
	p.cycles++
	cycle := p.cycles
	p.outMu.Unlock()

	agentStates := p.estimator.AgentStates()
	trackStates := p.estimator.TrackStates()

	if p.pub != nil {
		p.pub.Publish(bridge.FusedMessage{
			Type:           bridge.MsgFused,
			TimestampNanos: nowNanos,
			Estimates:      fused,
		})
		p.pub.Publish(bridge.TrustMessage{
			Type:           bridge.MsgTrust,
			TimestampNanos: nowNanos,
			Agents:         trustRecords(agentStates),
			Tracks:         trustRecords(trackStates),
		})
		if len(psms) > 0 {
			p.pub.Publish(bridge.PSMMessage{
				Type:           bridge.MsgPSM,
				TimestampNanos: nowNanos,
				PSMs:           psms,
			})
		}
	}

	if p.audit != nil {
		if err := p.audit.RecordCycle(nowNanos, fused, agentStates, trackStates); err != nil {
			opsf("audit write failed: %v", err)
		}
	}

	total, tentative, confirmed, stale, _ := p.registry.Counts()
	tracef("cycle %d: batches=%d fused=%d psms=%d tracks=%d (tentative=%d confirmed=%d stale=%d)",
		cycle, len(batches), len(fused), len(psms), total, tentative, confirmed, stale)
}

// applyBatch associates one batch's detections against the agent's live
// tracks and applies the outcomes to the registry.
func (p *Pipeline) applyBatch(assoc *trust.Associator, batch *bridge.DetectionBatch) {
	dets := batch.ToDetections()
	candidates := p.registry.TracksByAgent(batch.AgentID)
	matches := assoc.Associate(dets, candidates)

	touched := make(map[string]bool, len(dets))
	for i, m := range matches {
		if m.TieDropped {
			tracef("agent=%s detection %d dropped on association tie", batch.AgentID, i)
			continue
		}
		tr, err := p.registry.Upsert(dets[i], m.TrackID)
		if err != nil {
			opsf("agent=%s dropping detection %d: %v", batch.AgentID, i, err)
			continue
		}
		touched[tr.TrackID] = true
	}

	// Tracks the batch did not touch lose their consecutive-hit streak.
	p.registry.ResetHits(batch.AgentID, touched)
}

// Fused returns the most recent cycle's fused estimates.
func (p *Pipeline) Fused() []trust.FusedEstimate {
	p.outMu.RLock()
	defer p.outMu.RUnlock()
	out := make([]trust.FusedEstimate, len(p.lastFused))
	copy(out, p.lastFused)
	return out
}

// PSMs returns the most recent cycle's generated evidence.
func (p *Pipeline) PSMs() []trust.PSM {
	p.outMu.RLock()
	defer p.outMu.RUnlock()
	out := make([]trust.PSM, len(p.lastPSMs))
	copy(out, p.lastPSMs)
	return out
}

// Cycles returns the number of completed cycles.
func (p *Pipeline) Cycles() int64 {
	p.outMu.RLock()
	defer p.outMu.RUnlock()
	return p.cycles
}

// Agents returns the known agents, sorted by ID.
func (p *Pipeline) Agents() []trust.Agent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]trust.Agent, 0, len(p.agents))
	for _, ag := range p.agents {
		out = append(out, ag)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Reset discards all tracks, beliefs, buffered batches and agent metadata.
func (p *Pipeline) Reset() {
	p.mu.Lock()
	p.pending = nil
	p.lastBatch = make(map[string]int64)
	p.agents = make(map[string]trust.Agent)
	p.mu.Unlock()

	p.registry.Reset()
	p.estimator.Reset()

	p.outMu.Lock()
	p.lastFused = nil
	p.lastPSMs = nil
	p.outMu.Unlock()

	opsf("state reset")
}

func trustRecords(states []trust.TrustState) []bridge.TrustRecord {
	records := make([]bridge.TrustRecord, len(states))
	for i, st := range states {
		records[i] = bridge.TrustRecord{
			AgentID: st.AgentID,
			TrackID: st.TrackID,
			Alpha:   st.Alpha,
			Beta:    st.Beta,
			Score:   st.Score(),
		}
	}
	return records
}
