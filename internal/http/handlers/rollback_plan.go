package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/telopea-platform/compliance-backend/internal/http/response"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type RollbackPlanHandler struct {
	plans services.RollbackPlanService
}

func NewRollbackPlanHandler(plans services.RollbackPlanService) *RollbackPlanHandler {
	return &RollbackPlanHandler{plans: plans}
}

// POST /api/rollback-plans
func (h *RollbackPlanHandler) CreatePlan(c *gin.Context) {
	var req services.CreateRollbackPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	req.Actor = requestActor(c)
	plan, err := h.plans.CreatePlan(c.Request.Context(), req)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "create_plan_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"plan": plan})
}

// GET /api/rollback-plans
func (h *RollbackPlanHandler) ListPlans(c *gin.Context) {
	plans, err := h.plans.ListPlans(c.Request.Context(), c.Query("status"), parseLimit(c, 50))
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_plans_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"plans": plans})
}

// GET /api/rollback-plans/:id
func (h *RollbackPlanHandler) GetPlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_plan_id", err)
		return
	}
	plan, err := h.plans.GetPlan(c.Request.Context(), planID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "plan_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"plan": plan})
}

// POST /api/rollback-plans/:id/validate
func (h *RollbackPlanHandler) ValidatePlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_plan_id", err)
		return
	}
	results, err := h.plans.ValidatePlan(c.Request.Context(), planID)
	if err != nil {
		response.RespondError(c, http.StatusConflict, "validate_plan_failed", err)
		return
	}
	passed := true
	for _, r := range results {
		if !r.Passed {
			passed = false
			break
		}
	}
	response.RespondOK(c, gin.H{"plan_id": planID, "passed": passed, "checks": results})
}

// POST /api/rollback-plans/:id/approve
func (h *RollbackPlanHandler) ApprovePlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_plan_id", err)
		return
	}
	plan, err := h.plans.ApprovePlan(c.Request.Context(), planID)
	if err != nil {
		response.RespondError(c, http.StatusConflict, "approve_plan_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"plan": plan})
}

// POST /api/rollback-plans/:id/cancel
func (h *RollbackPlanHandler) CancelPlan(c *gin.Context) {
	planID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_plan_id", err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	plan, err := h.plans.CancelPlan(c.Request.Context(), planID, req.Reason)
	if err != nil {
		response.RespondError(c, http.StatusConflict, "cancel_plan_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"plan": plan})
}
