package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ent0n29/planner/internal/planning"
	"github.com/ent0n29/planner/internal/queue"
	"github.com/ent0n29/planner/internal/reactive"
	"github.com/ent0n29/planner/internal/tactical"
	"github.com/ent0n29/planner/internal/work"
)

type queueResponse struct {
	queue.Queue
	Phase reactive.Phase `json:"phase"`
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request, p *planning.Manager) {
	respondJSON(w, http.StatusOK, queueResponse{Queue: p.GetQueueState(), Phase: p.Phase()})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, p *planning.Manager) {
	respondJSON(w, http.StatusOK, p.Stats())
}

func (s *Server) handleTree(w http.ResponseWriter, _ *http.Request, p *planning.Manager) {
	respondJSON(w, http.StatusOK, p.Tree())
}

func (s *Server) handleExecutionPath(w http.ResponseWriter, _ *http.Request, p *planning.Manager) {
	path := p.ExecutionPath()
	if path == nil {
		path = []string{}
	}
	respondJSON(w, http.StatusOK, map[string]any{"path": path})
}

func (s *Server) handleFocus(w http.ResponseWriter, _ *http.Request, p *planning.Manager) {
	respondJSON(w, http.StatusOK, p.Focus())
}

func (s *Server) handleExecution(w http.ResponseWriter, _ *http.Request, p *planning.Manager) {
	state, ok := p.Execution()
	if !ok {
		respondError(w, http.StatusNotFound, "no_execution", "no task is executing")
		return
	}
	respondJSON(w, http.StatusOK, state)
}

func (s *Server) handleAddTask(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	var req planning.TaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	task, err := p.AddTask(r.Context(), req)
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

func (s *Server) handleCreateGoal(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	var req planning.GoalRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	res, err := p.CreateGoal(r.Context(), req)
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, res)
}

func (s *Server) handleCreateGoalTask(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	goalID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req planning.TaskRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	task, err := p.CreateTask(r.Context(), goalID, req)
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, task)
}

type decomposeRequest struct {
	Urgency string `json:"urgency"`
	Replace bool   `json:"replace"`
}

func (s *Server) handleDecomposeGoal(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	goalID := strings.TrimSpace(chi.URLParam(r, "id"))
	var req decomposeRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	urgency := work.ParseUrgency(req.Urgency, work.UrgencyMedium)

	var (
		res planning.GoalResult
		err error
	)
	if req.Replace {
		res, err = p.RedecomposeGoal(r.Context(), goalID, urgency)
	} else {
		res, err = p.DecomposeGoal(r.Context(), goalID, urgency)
	}
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type processRequest struct {
	ConversationID string `json:"conversation_id"`
	Message        string `json:"message"`
}

func (s *Server) handleProcessQueue(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	var req processRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	res, err := p.ProcessQueue(r.Context(), strings.TrimSpace(req.ConversationID), req.Message)
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetInterruption(w http.ResponseWriter, _ *http.Request, p *planning.Manager) {
	pending := p.GetPendingInterruption()
	if pending == nil {
		respondError(w, http.StatusNotFound, "no_pending_interruption", planning.ErrNoPendingInterruption.Error())
		return
	}
	respondJSON(w, http.StatusOK, pending)
}

type replyRequest struct {
	Text string `json:"text"`
}

type resolutionResponse struct {
	Resolution planning.Resolution    `json:"resolution"`
	Result     planning.ProcessResult `json:"result"`
}

func (s *Server) handleInterruptionReply(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	var req replyRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}
	res, out, err := p.HandleInterruptionConfirmation(r.Context(), req.Text)
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resolutionResponse{Resolution: res, Result: out})
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

func (s *Server) handleResolveInterruption(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	res := planning.Resolution(strings.ToLower(strings.TrimSpace(req.Resolution)))
	switch res {
	case planning.ResolutionProceed, planning.ResolutionAddToQueue, planning.ResolutionDiscard:
	default:
		respondError(w, http.StatusBadRequest, "invalid_resolution", "resolution must be proceed, add_to_queue or discard")
		return
	}
	out, err := p.ResolveInterruption(r.Context(), res)
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, resolutionResponse{Resolution: res, Result: out})
}

type resultRequest struct {
	Result string `json:"result"`
}

func (s *Server) handleCompleteStep(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	var req resultRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	res, err := p.CompleteCurrentStep(r.Context(), req.Result)
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type confirmRequest struct {
	Approved bool `json:"approved"`
}

type confirmResponse struct {
	Step    tactical.Step     `json:"step"`
	Failure *planning.Failure `json:"failure,omitempty"`
}

func (s *Server) handleConfirmStep(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	var req confirmRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	step, failure, err := p.ConfirmCurrentStep(r.Context(), req.Approved)
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, confirmResponse{Step: step, Failure: failure})
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) handleStepFailure(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	failure := p.HandleStepFailure(r.Context(), req.Reason)
	if failure == nil {
		respondPlannerError(w, planning.ErrNoActiveTask)
		return
	}
	respondJSON(w, http.StatusOK, failure)
}

func (s *Server) handleCompleteTask(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	var req resultRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	completion := p.CompleteCurrentTask(r.Context(), req.Result)
	if completion == nil {
		respondPlannerError(w, planning.ErrNoActiveTask)
		return
	}
	respondJSON(w, http.StatusOK, completion)
}

func (s *Server) handleFailTask(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	failure := p.FailCurrentTask(r.Context(), req.Reason)
	if failure == nil {
		respondPlannerError(w, planning.ErrNoActiveTask)
		return
	}
	respondJSON(w, http.StatusOK, failure)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req reasonRequest
	if err := decodeJSON(r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	out, err := p.CancelTask(r.Context(), id, req.Reason)
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, out)
}

type fallbackRequest struct {
	Description string  `json:"description"`
	Priority    float64 `json:"priority"`
}

func (s *Server) handleRegisterFallback(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	var req fallbackRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_json", "invalid json body")
		return
	}
	plan, err := p.RegisterFallback(id, req.Description, req.Priority)
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, plan)
}

func (s *Server) handleSyncProspective(w http.ResponseWriter, r *http.Request, p *planning.Manager) {
	added, err := p.SyncProspectiveMemories(r.Context())
	if err != nil {
		respondPlannerError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"added": added, "count": len(added)})
}
