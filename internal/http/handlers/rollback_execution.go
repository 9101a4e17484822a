package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/telopea-platform/compliance-backend/internal/http/response"
	"github.com/telopea-platform/compliance-backend/internal/platform/ctxutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type RollbackExecutionHandler struct {
	rollback services.RollbackService
	jobs     services.JobService
}

func NewRollbackExecutionHandler(rollback services.RollbackService, jobs services.JobService) *RollbackExecutionHandler {
	return &RollbackExecutionHandler{rollback: rollback, jobs: jobs}
}

// POST /api/rollback-plans/:id/execute
//
// Creates the execution record, then hands the run to the job worker.
// Responds 202; progress arrives over SSE and GET /api/rollback-executions/:id.
func (h *RollbackExecutionHandler) ExecutePlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_plan_id", err)
		return
	}
	exec, err := h.rollback.StartExecution(c.Request.Context(), planID, requestActor(c))
	if err != nil {
		response.RespondError(c, http.StatusConflict, "start_execution_failed", err)
		return
	}
	requestedBy := uuid.Nil
	if rd := ctxutil.GetRequestData(c.Request.Context()); rd != nil {
		requestedBy = rd.ActorID
	}
	job, err := h.jobs.EnqueueRollbackExecution(dbctx.Context{Ctx: c.Request.Context()}, requestedBy, exec.ID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "enqueue_execution_failed", err)
		return
	}
	response.RespondAccepted(c, gin.H{"execution": exec, "job": job})
}

// GET /api/rollback-executions
func (h *RollbackExecutionHandler) ListExecutions(c *gin.Context) {
	planID := uuid.Nil
	if raw := c.Query("plan_id"); raw != "" {
		parsed, err := uuid.Parse(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_plan_id", err)
			return
		}
		planID = parsed
	}
	execs, err := h.rollback.ListExecutions(c.Request.Context(), planID, parseLimit(c, 50))
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_executions_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"executions": execs})
}

// GET /api/rollback-executions/:id
func (h *RollbackExecutionHandler) GetExecution(c *gin.Context) {
	execID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_execution_id", err)
		return
	}
	exec, err := h.rollback.GetExecution(c.Request.Context(), execID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "execution_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"execution": exec})
}

// POST /api/rollback-executions/:id/cancel
//
// Cancellation is cooperative: the executor stops at the next phase
// boundary, never mid-step.
func (h *RollbackExecutionHandler) CancelExecution(c *gin.Context) {
	execID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_execution_id", err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	if err := h.rollback.CancelExecution(c.Request.Context(), execID, req.Reason); err != nil {
		response.RespondError(c, http.StatusConflict, "cancel_execution_failed", err)
		return
	}
	exec, err := h.rollback.GetExecution(c.Request.Context(), execID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "execution_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"execution": exec})
}
