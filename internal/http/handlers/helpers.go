package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/telopea-platform/compliance-backend/internal/platform/ctxutil"
)

func parseLimit(c *gin.Context, def int) int {
	raw := c.Query("limit")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func parseOffset(c *gin.Context) int {
	n, err := strconv.Atoi(c.Query("offset"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// requestActor returns the audit actor label for the request, the
// authenticated admin's UUID.
func requestActor(c *gin.Context) string {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil {
		return ""
	}
	return rd.ActorID.String()
}
