package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/telopea-platform/compliance-backend/internal/http/response"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type PolicySetHandler struct {
	policySets services.AtomicPolicySetService
}

func NewPolicySetHandler(policySets services.AtomicPolicySetService) *PolicySetHandler {
	return &PolicySetHandler{policySets: policySets}
}

// POST /api/policy-sets
//
// Applies the whole set or none of it. A business failure compensates
// already-applied operations and still returns 200 with success=false,
// so callers can distinguish "rejected request" from "rolled back".
func (h *PolicySetHandler) ApplyPolicySet(c *gin.Context) {
	var req services.PolicySetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	req.Actor = requestActor(c)
	result, err := h.policySets.Apply(c.Request.Context(), req)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "policy_set_rejected", err)
		return
	}
	response.RespondOK(c, gin.H{"result": result})
}

// GET /api/policy-sets/:id
func (h *PolicySetHandler) GetTransaction(c *gin.Context) {
	tx, ok := h.policySets.GetTransaction(c.Param("id"))
	if !ok {
		response.RespondError(c, http.StatusNotFound, "transaction_not_found", nil)
		return
	}
	response.RespondOK(c, gin.H{"transaction": tx})
}

// POST /api/policy-sets/:id/cancel
func (h *PolicySetHandler) CancelTransaction(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	tx, err := h.policySets.CancelTransaction(c.Request.Context(), c.Param("id"), requestActor(c), req.Reason)
	if err != nil {
		response.RespondError(c, http.StatusConflict, "cancel_transaction_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"transaction": tx})
}
