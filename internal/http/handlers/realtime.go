package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/telopea-platform/compliance-backend/internal/platform/ctxutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/realtime"
)

type RealtimeHandler struct {
	Log *logger.Logger
	Hub *realtime.SSEHub

	mu      sync.RWMutex
	clients map[uuid.UUID]*realtime.SSEClient // key: SessionID
}

func NewRealtimeHandler(log *logger.Logger, hub *realtime.SSEHub) *RealtimeHandler {
	return &RealtimeHandler{
		Log:     log,
		Hub:     hub,
		clients: make(map[uuid.UUID]*realtime.SSEClient),
	}
}

// GET /api/stream
//
// Every session is subscribed to its actor channel plus the shared
// compliance channel, which carries transaction, rollback and consent
// lifecycle events.
func (h *RealtimeHandler) SSEStream(c *gin.Context) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil || rd.ActorID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	actorID := rd.ActorID
	sessionID := rd.SessionID
	h.Log.Info("SSEStream open", "actor_id", actorID.String(), "session_id", sessionID.String())
	if sessionID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing session id"})
		return
	}

	h.mu.Lock()
	// One stream per session: replace any client left from a reconnect.
	if existing, ok := h.clients[sessionID]; ok {
		h.Hub.CloseClient(existing)
		delete(h.clients, sessionID)
	}
	client := h.Hub.NewSSEClient(actorID)
	client.ID = uuid.New()
	client.Logger = h.Log.With("SSEClientID", client.ID)
	h.clients[sessionID] = client
	h.mu.Unlock()

	h.Hub.AddChannel(client, actorID.String())
	h.Hub.AddChannel(client, realtime.ChannelCompliance)

	h.Hub.ServeHTTP(c.Writer, c.Request, client)

	h.mu.Lock()
	delete(h.clients, sessionID)
	h.mu.Unlock()
	h.Hub.CloseClient(client)
}

// POST /api/stream/subscribe
//
// Adds a channel to the session's stream, typically a rollback
// execution or policy-set transaction ID for progress events.
func (h *RealtimeHandler) SSESubscribe(c *gin.Context) {
	client, ok := h.sessionClient(c)
	if !ok {
		return
	}
	var req struct {
		Channel string `json:"channel"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel"})
		return
	}
	h.Hub.AddChannel(client, req.Channel)
	c.JSON(http.StatusOK, gin.H{"message": "subscribed", "channel": req.Channel})
}

// POST /api/stream/unsubscribe
func (h *RealtimeHandler) SSEUnsubscribe(c *gin.Context) {
	client, ok := h.sessionClient(c)
	if !ok {
		return
	}
	var req struct {
		Channel string `json:"channel"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Channel == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid channel"})
		return
	}
	h.Hub.RemoveChannel(client, req.Channel)
	c.JSON(http.StatusOK, gin.H{"message": "unsubscribed", "channel": req.Channel})
}

func (h *RealtimeHandler) sessionClient(c *gin.Context) (*realtime.SSEClient, bool) {
	rd := ctxutil.GetRequestData(c.Request.Context())
	if rd == nil || rd.ActorID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return nil, false
	}
	if rd.SessionID == uuid.Nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing session id"})
		return nil, false
	}
	h.mu.RLock()
	client, exists := h.clients[rd.SessionID]
	h.mu.RUnlock()
	if !exists {
		c.JSON(http.StatusConflict, gin.H{"error": "no active SSE connection for this session"})
		return nil, false
	}
	return client, true
}
