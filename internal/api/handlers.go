package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/valetbot/valet/internal/stats"
)

// HealthzResponse is the GET /healthz body.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Inflight      int    `json:"inflight_executions"`
}

// ErrorResponse is the body for non-2xx replies.
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	inflight := 0
	if s.inflight != nil {
		inflight = s.inflight.InflightCount()
	}
	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Inflight:      inflight,
	})
}

// handleStatsDaily handles GET /v1/stats/daily?date=YYYY-MM-DD (default today).
func (s *Server) handleStatsDaily(w http.ResponseWriter, r *http.Request) {
	day := time.Now()
	if d := r.URL.Query().Get("date"); d != "" {
		parsed, err := time.Parse("2006-01-02", d)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = parsed
	}

	totals, err := s.stats.Daily(r.Context(), day)
	if err != nil {
		s.logger.Error("failed to compute daily stats", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute daily stats")
		return
	}
	s.writeJSON(w, http.StatusOK, totals)
}

// handleStatsTrend handles GET /v1/stats/trend?days=N (default 7, max 90).
func (s *Server) handleStatsTrend(w http.ResponseWriter, r *http.Request) {
	days := 7
	if d := r.URL.Query().Get("days"); d != "" {
		n, err := strconv.Atoi(d)
		if err != nil || n < 1 || n > 90 {
			s.writeError(w, http.StatusBadRequest, "days must be between 1 and 90")
			return
		}
		days = n
	}

	trend, err := s.stats.Trend(r.Context(), days)
	if err != nil {
		s.logger.Error("failed to compute trend", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute trend")
		return
	}
	s.writeJSON(w, http.StatusOK, trend)
}

// handleStatsModels handles GET /v1/stats/models.
func (s *Server) handleStatsModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.stats.ByModel(r.Context())
	if err != nil {
		s.logger.Error("failed to compute model breakdown", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to compute model breakdown")
		return
	}
	if models == nil {
		models = []stats.ModelTotals{}
	}
	s.writeJSON(w, http.StatusOK, models)
}

// handleExecutions handles GET /v1/executions with optional status,
// conversation_id and limit query params.
func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := stats.Filter{
		Status:         q.Get("status"),
		ConversationID: q.Get("conversation_id"),
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	execs, err := s.stats.Executions(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list executions", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if execs == nil {
		execs = []stats.ExecutionSummary{}
	}
	s.writeJSON(w, http.StatusOK, execs)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, ErrorResponse{Error: msg})
}
