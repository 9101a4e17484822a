package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/telopea-platform/compliance-backend/internal/http/response"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type PolicyHandler struct {
	policies services.PolicyService
}

func NewPolicyHandler(policies services.PolicyService) *PolicyHandler {
	return &PolicyHandler{policies: policies}
}

// GET /api/policies
func (h *PolicyHandler) ListPolicies(c *gin.Context) {
	latest, err := h.policies.ListPolicies(c.Request.Context())
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_policies_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"policies": latest})
}

// GET /api/policies/:id/latest
func (h *PolicyHandler) GetLatest(c *gin.Context) {
	policyID := c.Param("id")
	version, err := h.policies.GetLatest(c.Request.Context(), policyID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "policy_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"version": version})
}

// GET /api/policies/:id/versions
func (h *PolicyHandler) History(c *gin.Context) {
	policyID := c.Param("id")
	versions, err := h.policies.History(c.Request.Context(), policyID, parseLimit(c, 50))
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "policy_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"policy_id": policyID, "versions": versions})
}

// GET /api/policies/:id/versions/:version
func (h *PolicyHandler) GetVersion(c *gin.Context) {
	policyID := c.Param("id")
	version, err := h.policies.GetVersion(c.Request.Context(), policyID, c.Param("version"))
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "version_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"version": version})
}
