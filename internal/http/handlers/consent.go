package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/telopea-platform/compliance-backend/internal/http/response"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type ConsentHandler struct {
	consents services.ConsentService
}

func NewConsentHandler(consents services.ConsentService) *ConsentHandler {
	return &ConsentHandler{consents: consents}
}

// POST /api/consents
func (h *ConsentHandler) RequestConsent(c *gin.Context) {
	var req services.RequestConsentInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	req.Actor = requestActor(c)
	record, err := h.consents.RequestConsent(c.Request.Context(), req)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "request_consent_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"consent": record})
}

// GET /api/consents?subject_id=...
func (h *ConsentHandler) ListConsents(c *gin.Context) {
	records, err := h.consents.ListConsents(c.Request.Context(), c.Query("subject_id"), parseLimit(c, 50))
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_consents_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"consents": records})
}

// GET /api/consents/status?subject_id=...&purpose=...
//
// The yes/no answer downstream services poll before touching data
// covered by a consent purpose.
func (h *ConsentHandler) ConsentStatus(c *gin.Context) {
	subjectID := c.Query("subject_id")
	purpose := c.Query("purpose")
	if subjectID == "" || purpose == "" {
		response.RespondError(c, http.StatusBadRequest, "missing_subject_or_purpose", nil)
		return
	}
	record, active, err := h.consents.ConsentStatus(c.Request.Context(), subjectID, purpose)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "consent_status_failed", err)
		return
	}
	payload := gin.H{"subject_id": subjectID, "purpose": purpose, "active": active}
	if record != nil {
		payload["consent"] = record
	}
	response.RespondOK(c, payload)
}

// GET /api/consents/:id
func (h *ConsentHandler) GetConsent(c *gin.Context) {
	consentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_consent_id", err)
		return
	}
	record, err := h.consents.GetConsent(c.Request.Context(), consentID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "consent_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"consent": record})
}

// POST /api/consents/:id/grant
func (h *ConsentHandler) GrantConsent(c *gin.Context) {
	consentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_consent_id", err)
		return
	}
	var req services.GrantConsentInput
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	req.Actor = requestActor(c)
	record, err := h.consents.GrantConsent(c.Request.Context(), consentID, req)
	if err != nil {
		response.RespondError(c, http.StatusConflict, "grant_consent_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"consent": record})
}

// POST /api/consents/:id/revoke
func (h *ConsentHandler) RevokeConsent(c *gin.Context) {
	consentID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_consent_id", err)
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	record, err := h.consents.RevokeConsent(c.Request.Context(), consentID, req.Reason, requestActor(c))
	if err != nil {
		response.RespondError(c, http.StatusConflict, "revoke_consent_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"consent": record})
}
