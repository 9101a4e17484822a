package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/telopea-platform/compliance-backend/internal/http/response"
	"github.com/telopea-platform/compliance-backend/internal/platform/ctxutil"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type AuthHandler struct {
	authService services.AuthService
}

func NewAuthHandler(authService services.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// POST /api/login
func (ah *AuthHandler) Login(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	accessToken, user, err := ah.authService.Login(c.Request.Context(), req.Email, req.Password)
	if err != nil {
		response.RespondError(c, http.StatusUnauthorized, "invalid_credentials", err)
		return
	}
	expiresIn := int(ah.authService.AccessTTL().Seconds())
	response.RespondOK(c, gin.H{
		"access_token": accessToken,
		"expires_in":   expiresIn,
		"user":         user,
	})
}

// POST /api/register (admin only; operators and auditors cannot mint accounts)
func (ah *AuthHandler) Register(c *gin.Context) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Role     string `json:"role"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}
	user, err := ah.authService.Register(c.Request.Context(), req.Email, req.Password, req.Role)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "registration_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"user": user})
}

// GET /api/me
func (ah *AuthHandler) Me(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		response.RespondError(c, http.StatusUnauthorized, "unauthorized", nil)
		return
	}
	user, err := ah.authService.GetUser(c.Request.Context(), rd.ActorID)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "user_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"user": user})
}
