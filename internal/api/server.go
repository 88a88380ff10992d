// Package api serves the bridge's HTTP surface: trust and fusion state
// reads, runtime parameter updates, and the state reset used between
// scenario runs.
package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/avstack-lab/avtrust-bridge/internal/config"
	"github.com/avstack-lab/avtrust-bridge/internal/pipeline"
	"github.com/avstack-lab/avtrust-bridge/internal/trust"
)

// ANSI escape codes for request log colouring
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// TrustHistorian serves recorded belief history. Satisfied by the sqlite
// audit store; nil means auditing is disabled.
type TrustHistorian interface {
	TrustHistory(agentID, trackID string, limit int) ([]trust.TrustState, error)
}

// Server exposes pipeline state over HTTP. All handlers read snapshots;
// only the params and reset endpoints mutate anything.
type Server struct {
	pipe    *pipeline.Pipeline
	store   *config.Store
	history TrustHistorian
}

// NewServer creates the API server around a pipeline, its config store, and
// the optional audit store.
func NewServer(pipe *pipeline.Pipeline, store *config.Store, history TrustHistorian) *Server {
	return &Server{pipe: pipe, store: store, history: history}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// ServeMux returns the API routing table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.healthz)
	mux.HandleFunc("/api/trust/agents", s.showAgentTrust)
	mux.HandleFunc("/api/trust/tracks", s.showTrackTrust)
	mux.HandleFunc("/api/trust/history", s.showTrustHistory)
	mux.HandleFunc("/api/tracks", s.showTracks)
	mux.HandleFunc("/api/fused", s.showFused)
	mux.HandleFunc("/api/psms", s.showPSMs)
	mux.HandleFunc("/api/params", s.handleParams)
	mux.HandleFunc("/api/reset", s.handleReset)
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Failed to encode API response: %v", err)
	}
}

func (s *Server) requireGet(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return false
	}
	return true
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]any{
		"status": "ok",
		"cycles": s.pipe.Cycles(),
	})
}

// trustEntry is the API rendering of one belief.
type trustEntry struct {
	AgentID  string  `json:"agent_id"`
	TrackID  string  `json:"track_id,omitempty"`
	Alpha    float64 `json:"alpha"`
	Beta     float64 `json:"beta"`
	Score    float64 `json:"score"`
	Variance float64 `json:"variance"`
}

func trustEntries(states []trust.TrustState) []trustEntry {
	out := make([]trustEntry, len(states))
	for i, st := range states {
		out[i] = trustEntry{
			AgentID:  st.AgentID,
			TrackID:  st.TrackID,
			Alpha:    st.Alpha,
			Beta:     st.Beta,
			Score:    st.Score(),
			Variance: st.Variance(),
		}
	}
	return out
}

func (s *Server) showAgentTrust(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	s.writeJSON(w, trustEntries(s.pipe.Estimator().AgentStates()))
}

func (s *Server) showTrackTrust(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	s.writeJSON(w, trustEntries(s.pipe.Estimator().TrackStates()))
}

// historyEntry is the API rendering of one recorded belief snapshot.
type historyEntry struct {
	CycleNanos int64   `json:"cycle_ts_ns"`
	AgentID    string  `json:"agent_id"`
	TrackID    string  `json:"track_id,omitempty"`
	Alpha      float64 `json:"alpha"`
	Beta       float64 `json:"beta"`
	Score      float64 `json:"score"`
}

// showTrustHistory serves recorded beliefs for one agent, newest first.
// Query params: agent_id (required), track_id, limit.
func (s *Server) showTrustHistory(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	if s.history == nil {
		s.writeJSONError(w, http.StatusNotFound, "audit store not configured")
		return
	}

	agentID := r.URL.Query().Get("agent_id")
	if agentID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeJSONError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	states, err := s.history.TrustHistory(agentID, r.URL.Query().Get("track_id"), limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]historyEntry, len(states))
	for i, st := range states {
		out[i] = historyEntry{
			CycleNanos: st.LastUpdateNanos,
			AgentID:    st.AgentID,
			TrackID:    st.TrackID,
			Alpha:      st.Alpha,
			Beta:       st.Beta,
			Score:      st.Score(),
		}
	}
	s.writeJSON(w, out)
}

// trackEntry is the API rendering of one track.
type trackEntry struct {
	TrackID    string            `json:"track_id"`
	AgentID    string            `json:"agent_id"`
	Status     trust.TrackStatus `json:"status"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Z          float64           `json:"z"`
	SpeedMPS   float64           `json:"speed_mps"`
	Class      string            `json:"class"`
	Confidence float64           `json:"confidence"`
	Hits       int               `json:"hits"`
	FirstNanos int64             `json:"first_unix_nanos"`
	LastNanos  int64             `json:"last_unix_nanos"`
}

func (s *Server) showTracks(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}

	var out []trackEntry
	for _, ag := range s.pipe.Agents() {
		for _, tr := range s.pipe.Registry().TracksByAgent(ag.ID) {
			out = append(out, trackEntry{
				TrackID:    tr.TrackID,
				AgentID:    tr.AgentID,
				Status:     tr.Status,
				X:          tr.X,
				Y:          tr.Y,
				Z:          tr.Z,
				SpeedMPS:   tr.Speed(),
				Class:      tr.Class,
				Confidence: tr.Confidence,
				Hits:       tr.Hits,
				FirstNanos: tr.FirstUnixNanos,
				LastNanos:  tr.LastUnixNanos,
			})
		}
	}
	s.writeJSON(w, out)
}

func (s *Server) showFused(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	s.writeJSON(w, s.pipe.Fused())
}

func (s *Server) showPSMs(w http.ResponseWriter, r *http.Request) {
	if !s.requireGet(w, r) {
		return
	}
	s.writeJSON(w, s.pipe.PSMs())
}

// handleParams serves the live tuning on GET and applies a partial update
// on POST. An invalid patch is rejected wholesale; the live tuning is
// unchanged.
func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		cur := s.store.Current()
		s.writeJSON(w, &cur)
	case http.MethodPost:
		patch := config.Empty()
		if err := json.NewDecoder(r.Body).Decode(patch); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
			return
		}
		if err := s.store.Apply(patch); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		cur := s.store.Current()
		s.writeJSON(w, &cur)
	default:
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.pipe.Reset()
	s.writeJSON(w, map[string]string{"status": "reset"})
}
