package trust

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TrackStatus represents the lifecycle state of a track.
type TrackStatus string

const (
	TrackTentative TrackStatus = "tentative" // New track, needs confirmation
	TrackConfirmed TrackStatus = "confirmed" // Stable track with sufficient history
	TrackStale     TrackStatus = "stale"     // No detections within the silence interval
	TrackDeleted   TrackStatus = "deleted"   // Track marked for removal
)

// TrackPoint is a single entry in a track's position history.
type TrackPoint struct {
	X         float64
	Y         float64
	Z         float64
	Timestamp int64 // Unix nanos
}

// Track is one agent's evolving record of a single object. Tracks are owned
// exclusively by the Registry and mutated only through association outcomes
// and lifecycle sweeps.
type Track struct {
	TrackID string
	AgentID string
	Status  TrackStatus

	// Hits counts consecutive associated detections; it drives the
	// tentative → confirmed promotion and resets when a cycle passes
	// without an association.
	Hits int

	// Geometric state (world frame). Velocity is a finite-difference
	// estimate from the last two associated detections.
	X, Y, Z float64
	VX, VY  float64

	Box        BoundingBox
	Class      string
	Confidence float64 // latest associated detection's confidence

	FirstUnixNanos int64
	LastUnixNanos  int64

	History []TrackPoint
}

// Speed returns the current speed magnitude in m/s.
func (tr *Track) Speed() float64 {
	return math.Hypot(tr.VX, tr.VY)
}

// Position returns the track's current estimated position.
func (tr *Track) Position() Position {
	return Position{X: tr.X, Y: tr.Y, Z: tr.Z}
}

// RegistryConfig holds lifecycle parameters for the track registry.
type RegistryConfig struct {
	HitsToConfirm     int           // Consecutive detections needed for confirmation
	StaleAfter        time.Duration // Silence interval before confirmed/tentative → stale
	DeleteAfter       time.Duration // Grace period before stale → deleted
	CleanupAfter      time.Duration // How long deleted tracks linger before removal
	MaxHistoryLength  int           // Position trail cap
	MaxTracksPerAgent int           // Upper bound on live tracks per agent (0 = unlimited)
}

// Registry holds the set of currently known tracks, keyed by track ID and
// indexed per agent. All mutation happens under the registry lock; callers
// receive deep-copied snapshots so they never observe partial updates.
type Registry struct {
	mu     sync.RWMutex
	cfg    RegistryConfig
	tracks map[string]*Track
	byAgent map[string]map[string]*Track

	// onDelete listeners receive the track ID of every deleted track so
	// dependent state (trust beliefs) can cascade.
	onDelete []func(trackID string)

	tracksCreated   int
	tracksConfirmed int
}

// NewRegistry creates an empty registry with the given lifecycle config.
func NewRegistry(cfg RegistryConfig) *Registry {
	return &Registry{
		cfg:     cfg,
		tracks:  make(map[string]*Track),
		byAgent: make(map[string]map[string]*Track),
	}
}

// SetConfig replaces the lifecycle configuration. Takes effect from the
// next Upsert/Sweep; existing track state is untouched.
func (r *Registry) SetConfig(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// OnDelete registers a cascade listener invoked (under the registry lock)
// for every track that transitions to deleted.
func (r *Registry) OnDelete(fn func(trackID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDelete = append(r.onDelete, fn)
}

// Upsert applies an association outcome: if matchedTrackID is non-empty the
// detection extends that track's state and history; otherwise a new
// tentative track is created for the detection's agent. Returns a snapshot
// of the resulting track, or an error when the matched track is unknown or
// no longer live.
func (r *Registry) Upsert(det Detection, matchedTrackID string) (Track, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if matchedTrackID == "" {
		tr, err := r.createLocked(det)
		if err != nil {
			return Track{}, err
		}
		return snapshotTrack(tr), nil
	}

	tr, ok := r.tracks[matchedTrackID]
	if !ok || tr.Status == TrackDeleted {
		return Track{}, fmt.Errorf("track %s is not live", matchedTrackID)
	}
	r.extendLocked(tr, det)
	return snapshotTrack(tr), nil
}

func (r *Registry) createLocked(det Detection) (*Track, error) {
	if max := r.cfg.MaxTracksPerAgent; max > 0 {
		live := 0
		for _, tr := range r.byAgent[det.AgentID] {
			if tr.Status != TrackDeleted {
				live++
			}
		}
		if live >= max {
			return nil, fmt.Errorf("agent %s at track capacity (%d)", det.AgentID, max)
		}
	}

	tr := &Track{
		TrackID:        fmt.Sprintf("trk_%s", uuid.NewString()),
		AgentID:        det.AgentID,
		Status:         TrackTentative,
		Hits:           1,
		X:              det.Position.X,
		Y:              det.Position.Y,
		Z:              det.Position.Z,
		Box:            det.Box,
		Class:          det.Class,
		Confidence:     det.Confidence,
		FirstUnixNanos: det.TimestampNanos,
		LastUnixNanos:  det.TimestampNanos,
		History: []TrackPoint{{
			X: det.Position.X, Y: det.Position.Y, Z: det.Position.Z,
			Timestamp: det.TimestampNanos,
		}},
	}

	r.tracks[tr.TrackID] = tr
	agentTracks := r.byAgent[det.AgentID]
	if agentTracks == nil {
		agentTracks = make(map[string]*Track)
		r.byAgent[det.AgentID] = agentTracks
	}
	agentTracks[tr.TrackID] = tr
	r.tracksCreated++
	return tr, nil
}

func (r *Registry) extendLocked(tr *Track, det Detection) {
	// Finite-difference velocity from the previous state. Guard against a
	// zero dt (duplicate timestamps are rejected upstream, but a batch can
	// legitimately carry the previous cycle's timestamp after a restart).
	dt := float64(det.TimestampNanos-tr.LastUnixNanos) / 1e9
	if dt > 0 {
		tr.VX = (det.Position.X - tr.X) / dt
		tr.VY = (det.Position.Y - tr.Y) / dt
	}

	tr.X = det.Position.X
	tr.Y = det.Position.Y
	tr.Z = det.Position.Z
	tr.Box = det.Box
	tr.Class = det.Class
	tr.Confidence = det.Confidence
	tr.LastUnixNanos = det.TimestampNanos
	tr.Hits++

	// A stale track that receives a detection again becomes confirmed
	// (it already earned confirmation once); a tentative track promotes
	// once it accumulates enough consecutive hits.
	switch tr.Status {
	case TrackStale:
		tr.Status = TrackConfirmed
	case TrackTentative:
		if tr.Hits >= r.cfg.HitsToConfirm {
			tr.Status = TrackConfirmed
			r.tracksConfirmed++
		}
	}

	tr.History = append(tr.History, TrackPoint{
		X: det.Position.X, Y: det.Position.Y, Z: det.Position.Z,
		Timestamp: det.TimestampNanos,
	})
	if n := r.cfg.MaxHistoryLength; n > 0 && len(tr.History) > n {
		tr.History = tr.History[len(tr.History)-n:]
	}
}

// ResetHits clears the consecutive-hit counter for every live track of the
// given agent that is not in the matched set. Called once per cycle after
// association so confirmation requires genuinely consecutive detections.
func (r *Registry) ResetHits(agentID string, matched map[string]bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, tr := range r.byAgent[agentID] {
		if tr.Status != TrackDeleted && !matched[id] {
			tr.Hits = 0
		}
	}
}

// Get returns a snapshot of the track, or ok=false when the ID is unknown
// or the track has been deleted.
func (r *Registry) Get(trackID string) (Track, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tr, ok := r.tracks[trackID]
	if !ok || tr.Status == TrackDeleted {
		return Track{}, false
	}
	return snapshotTrack(tr), true
}

// MarkStale transitions every live track whose last update is older than
// the given instant to stale. Returns the IDs of newly stale tracks.
func (r *Registry) MarkStale(olderThanNanos int64) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string
	for id, tr := range r.tracks {
		if tr.Status == TrackDeleted || tr.Status == TrackStale {
			continue
		}
		if tr.LastUnixNanos < olderThanNanos {
			tr.Status = TrackStale
			stale = append(stale, id)
		}
	}
	return stale
}

// Delete marks a track deleted and notifies cascade listeners. Deleting an
// unknown or already-deleted track is a no-op.
func (r *Registry) Delete(trackID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteLocked(trackID)
}

func (r *Registry) deleteLocked(trackID string) {
	tr, ok := r.tracks[trackID]
	if !ok || tr.Status == TrackDeleted {
		return
	}
	tr.Status = TrackDeleted
	for _, fn := range r.onDelete {
		fn(trackID)
	}
}

// Sweep advances time-driven lifecycle transitions as of now: live tracks
// silent beyond StaleAfter become stale, stale tracks beyond DeleteAfter
// are deleted (with cascade), and deleted tracks beyond CleanupAfter are
// removed entirely. Association outcomes never flow through Sweep.
func (r *Registry) Sweep(nowNanos int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	staleCutoff := nowNanos - r.cfg.StaleAfter.Nanoseconds()
	deleteCutoff := nowNanos - (r.cfg.StaleAfter + r.cfg.DeleteAfter).Nanoseconds()

	for id, tr := range r.tracks {
		switch tr.Status {
		case TrackTentative, TrackConfirmed:
			if tr.LastUnixNanos < staleCutoff {
				tr.Status = TrackStale
			}
		case TrackStale:
			if tr.LastUnixNanos < deleteCutoff {
				r.deleteLocked(id)
			}
		}
	}

	// Remove deleted tracks past the cleanup grace period. The grace
	// period keeps recently deleted IDs around so late audit lookups can
	// distinguish "just deleted" from "never existed".
	cleanupCutoff := nowNanos - r.cfg.CleanupAfter.Nanoseconds()
	for id, tr := range r.tracks {
		if tr.Status == TrackDeleted && tr.LastUnixNanos < cleanupCutoff {
			delete(r.tracks, id)
			if agentTracks := r.byAgent[tr.AgentID]; agentTracks != nil {
				delete(agentTracks, id)
				if len(agentTracks) == 0 {
					delete(r.byAgent, tr.AgentID)
				}
			}
		}
	}
}

// TracksByAgent returns snapshots of the agent's live (non-deleted) tracks.
func (r *Registry) TracksByAgent(agentID string) []Track {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Track, 0, len(r.byAgent[agentID]))
	for _, tr := range r.byAgent[agentID] {
		if tr.Status != TrackDeleted {
			out = append(out, snapshotTrack(tr))
		}
	}
	return out
}

// ConfirmedByAgent returns snapshots of every confirmed track grouped by
// agent ID. This is the fusion engine's input: tentative and stale tracks
// never contribute to the fused view.
func (r *Registry) ConfirmedByAgent() map[string][]Track {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string][]Track, len(r.byAgent))
	for agentID, agentTracks := range r.byAgent {
		for _, tr := range agentTracks {
			if tr.Status == TrackConfirmed {
				out[agentID] = append(out[agentID], snapshotTrack(tr))
			}
		}
	}
	return out
}

// Counts returns track totals by status.
func (r *Registry) Counts() (total, tentative, confirmed, stale, deleted int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, tr := range r.tracks {
		total++
		switch tr.Status {
		case TrackTentative:
			tentative++
		case TrackConfirmed:
			confirmed++
		case TrackStale:
			stale++
		case TrackDeleted:
			deleted++
		}
	}
	return
}

// Stats returns lifetime creation/confirmation counters.
func (r *Registry) Stats() (created, confirmed int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tracksCreated, r.tracksConfirmed
}

// Reset clears all tracks and counters. Cascade listeners are retained.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracks = make(map[string]*Track)
	r.byAgent = make(map[string]map[string]*Track)
	r.tracksCreated = 0
	r.tracksConfirmed = 0
}

// snapshotTrack copies a track, deep-copying History so callers can read it
// without holding the registry lock.
func snapshotTrack(tr *Track) Track {
	copied := *tr
	if len(tr.History) > 0 {
		copied.History = make([]TrackPoint, len(tr.History))
		copy(copied.History, tr.History)
	}
	return copied
}
