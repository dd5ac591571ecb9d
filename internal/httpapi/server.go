package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/planner/internal/agents"
	"github.com/ent0n29/planner/internal/config"
	"github.com/ent0n29/planner/internal/observability"
	"github.com/ent0n29/planner/internal/planning"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/tactical"
	"github.com/ent0n29/planner/internal/tree"
)

type Server struct {
	cfg      config.Config
	agents   *agents.Registry
	metrics  *observability.Metrics
	logger   *zap.Logger
	upgrader websocket.Upgrader

	// pingEvery must stay well under eventReadWait.
	pingEvery time.Duration
}

func New(cfg config.Config, registry *agents.Registry, metrics *observability.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		cfg:       cfg,
		agents:    registry,
		metrics:   metrics,
		logger:    logger,
		pingEvery: eventPingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/v1/perf/durations", s.handleDurations)

	r.Get("/v1/agents", s.handleListAgents)
	r.Route("/v1/agents/{agent}", func(r chi.Router) {
		r.Delete("/", s.handleUnloadAgent)

		r.Get("/queue", s.withPlanner(s.handleQueue))
		r.Get("/stats", s.withPlanner(s.handleStats))
		r.Get("/tree", s.withPlanner(s.handleTree))
		r.Get("/path", s.withPlanner(s.handleExecutionPath))
		r.Get("/focus", s.withPlanner(s.handleFocus))
		r.Get("/execution", s.withPlanner(s.handleExecution))
		r.Get("/events/ws", s.withPlanner(s.handleEventsWS))

		r.Post("/tasks", s.withPlanner(s.handleAddTask))
		r.Post("/tasks/{id}/cancel", s.withPlanner(s.handleCancelTask))
		r.Post("/tasks/{id}/fallback", s.withPlanner(s.handleRegisterFallback))
		r.Post("/goals", s.withPlanner(s.handleCreateGoal))
		r.Post("/goals/{id}/tasks", s.withPlanner(s.handleCreateGoalTask))
		r.Post("/goals/{id}/decompose", s.withPlanner(s.handleDecomposeGoal))

		r.Post("/process", s.withPlanner(s.handleProcessQueue))
		r.Get("/interruption", s.withPlanner(s.handleGetInterruption))
		r.Post("/interruption/reply", s.withPlanner(s.handleInterruptionReply))
		r.Post("/interruption/resolve", s.withPlanner(s.handleResolveInterruption))

		r.Post("/steps/complete", s.withPlanner(s.handleCompleteStep))
		r.Post("/steps/confirm", s.withPlanner(s.handleConfirmStep))
		r.Post("/steps/fail", s.withPlanner(s.handleStepFailure))
		r.Post("/current/complete", s.withPlanner(s.handleCompleteTask))
		r.Post("/current/fail", s.withPlanner(s.handleFailTask))

		r.Post("/prospective/sync", s.withPlanner(s.handleSyncProspective))
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"loaded_agents": s.agents.ActiveCount(),
		"store_mode":    s.storeMode(),
		"oracle_mode":   s.cfg.OracleMode,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":     "ready",
		"store_mode": s.storeMode(),
	})
}

func (s *Server) handleDurations(w http.ResponseWriter, _ *http.Request) {
	if s.metrics == nil {
		respondJSON(w, http.StatusOK, map[string]any{
			"generated_at": "",
			"window_size":  0,
			"statuses":     []any{},
		})
		return
	}
	respondJSON(w, http.StatusOK, s.metrics.Durations())
}

func (s *Server) handleListAgents(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"agents": s.agents.List()})
}

func (s *Server) handleUnloadAgent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "agent"))
	if err := s.agents.Remove(id); err != nil {
		respondPlannerError(w, err)
		return
	}
	s.observeAgents()
	w.WriteHeader(http.StatusNoContent)
}

type plannerHandler func(w http.ResponseWriter, r *http.Request, p *planning.Manager)

// withPlanner resolves the agent in the path to its planner, loading it on
// first use.
func (s *Server) withPlanner(h plannerHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, err := s.agents.Get(r.Context(), chi.URLParam(r, "agent"))
		if err != nil {
			respondPlannerError(w, err)
			return
		}
		s.observeAgents()
		h(w, r, p)
	}
}

func (s *Server) observeAgents() {
	if s.metrics != nil {
		s.metrics.LoadedAgents.Set(float64(s.agents.ActiveCount()))
	}
}

func (s *Server) storeMode() string {
	if strings.TrimSpace(s.cfg.DatabaseURL) == "" {
		return "in-memory"
	}
	return "postgres"
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondPlannerError maps planner sentinels to status codes.
func respondPlannerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, agents.ErrInvalidAgent):
		respondError(w, http.StatusBadRequest, "invalid_agent_id", err.Error())
	case errors.Is(err, agents.ErrNotFound):
		respondError(w, http.StatusNotFound, "agent_not_found", err.Error())
	case errors.Is(err, agents.ErrClosed):
		respondError(w, http.StatusServiceUnavailable, "shutting_down", err.Error())
	case errors.Is(err, planning.ErrTaskNotFound), errors.Is(err, queue.ErrTaskNotFound):
		respondError(w, http.StatusNotFound, "task_not_found", err.Error())
	case errors.Is(err, tree.ErrNodeNotFound):
		respondError(w, http.StatusNotFound, "node_not_found", err.Error())
	case errors.Is(err, planning.ErrNoActiveTask), errors.Is(err, tactical.ErrNoActiveExecution):
		respondError(w, http.StatusConflict, "no_active_task", err.Error())
	case errors.Is(err, planning.ErrNoPendingInterruption):
		respondError(w, http.StatusConflict, "no_pending_interruption", err.Error())
	case errors.Is(err, planning.ErrAwaitingConfirmation), errors.Is(err, tactical.ErrAwaitingConfirmation):
		respondError(w, http.StatusConflict, "awaiting_confirmation", err.Error())
	case errors.Is(err, planning.ErrInvalidRequest),
		errors.Is(err, tree.ErrInvalidNode),
		errors.Is(err, tree.ErrNotAGoal),
		errors.Is(err, tree.ErrNotATask),
		errors.Is(err, tactical.ErrNoConfirmation),
		errors.Is(err, queue.ErrInvalidTaskState):
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		respondError(w, http.StatusInternalServerError, "planner_error", err.Error())
	}
}
