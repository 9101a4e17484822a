package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	"github.com/telopea-platform/compliance-backend/internal/http/response"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type AuditHandler struct {
	audit services.AuditService
}

func NewAuditHandler(audit services.AuditService) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// GET /api/audit
func (h *AuditHandler) QueryEntries(c *gin.Context) {
	q := repos.AuditEntryQuery{
		ActorID:   c.Query("actor_id"),
		Action:    c.Query("action"),
		Category:  c.Query("category"),
		Result:    c.Query("result"),
		SessionID: c.Query("session_id"),
		Limit:     parseLimit(c, 100),
		Offset:    parseOffset(c),
	}
	if raw := c.Query("cultural_sensitive"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_cultural_sensitive", err)
			return
		}
		q.CulturalSensitive = &v
	}
	if raw := c.Query("from"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_from", err)
			return
		}
		q.From = &t
	}
	if raw := c.Query("to"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			response.RespondError(c, http.StatusBadRequest, "invalid_to", err)
			return
		}
		q.To = &t
	}

	entries, total, err := h.audit.Query(c.Request.Context(), q)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "audit_query_failed", err)
		return
	}
	response.RespondOK(c, gin.H{
		"entries": entries,
		"total":   total,
		"limit":   q.Limit,
		"offset":  q.Offset,
	})
}

// GET /api/audit/verify
//
// Walks the hash chain front to back. Any gap means the log was
// truncated or edited after the fact.
func (h *AuditHandler) VerifyChain(c *gin.Context) {
	verification, err := h.audit.VerifyChain(c.Request.Context())
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "verify_chain_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"verification": verification})
}
