package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/interviewlink/backend/internal/middleware"
	"github.com/interviewlink/backend/internal/models"
	"github.com/interviewlink/backend/pkg/queue"
	"github.com/interviewlink/backend/pkg/response"
)

// maxBeaconBody caps leave-beacon bodies; a beacon only carries a session id and a reason.
const maxBeaconBody = 4 << 10

// inlineLeaveTimeout bounds a beacon leave handled without the queue.
const inlineLeaveTimeout = 10 * time.Second

// LeaveQueue defers beacon leaves to the worker. *queue.Queue satisfies it.
type LeaveQueue interface {
	EnqueueSessionLeave(ctx context.Context, payload queue.SessionLeavePayload) error
}

// Handler serves the call-session endpoints.
type Handler struct {
	svc    *Service
	leaves LeaveQueue
	logger *zap.Logger
}

// NewHandler creates a call-session handler. leaves may be nil, in which case
// beacon leaves are ended in-process.
func NewHandler(svc *Service, leaves LeaveQueue, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, leaves: leaves, logger: logger}
}

// tokenUserID returns the authenticated user id set by the JWT middleware, if any.
func tokenUserID(c *gin.Context) string {
	v, ok := c.Get(middleware.ContextUserID)
	if !ok {
		return ""
	}
	if id, ok := v.(uuid.UUID); ok && id != uuid.Nil {
		return id.String()
	}
	return ""
}

// Create handles POST /call-sessions.
func (h *Handler) Create(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "meeting_id and peer_id are required")
		return
	}
	if id := tokenUserID(c); id != "" {
		req.UserID = id
	}
	session, created, err := h.svc.Create(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("create call session failed", zap.String("meeting_id", req.MeetingID), zap.Error(err))
		response.Internal(c, "failed to create call session")
		return
	}
	body := gin.H{"session_id": session.ID, "session": session}
	if created {
		response.Created(c, body)
		return
	}
	response.OK(c, body)
}

// Join handles POST /call-sessions/join.
func (h *Handler) Join(c *gin.Context) {
	var req models.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "meeting_id and peer_id are required")
		return
	}
	if id := tokenUserID(c); id != "" {
		req.UserID = id
	}
	session, created, err := h.svc.Join(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("join call session failed", zap.String("meeting_id", req.MeetingID), zap.Error(err))
		response.Internal(c, "failed to join call session")
		return
	}
	if created {
		response.Created(c, gin.H{"session": session})
		return
	}
	response.OK(c, gin.H{"session": session})
}

// Active handles GET /call-sessions/active?meeting_id=&user_id=.
func (h *Handler) Active(c *gin.Context) {
	meetingID := strings.TrimSpace(c.Query("meeting_id"))
	if meetingID == "" {
		response.BadRequest(c, "meeting_id is required")
		return
	}
	userID := c.Query("user_id")
	if id := tokenUserID(c); id != "" {
		userID = id
	}
	session, err := h.svc.FindActive(c.Request.Context(), meetingID, userID)
	if err != nil {
		h.logger.Error("find active session failed", zap.String("meeting_id", meetingID), zap.Error(err))
		response.Internal(c, "failed to check active session")
		return
	}
	if session == nil {
		response.OK(c, gin.H{"has_active_session": false, "session_id": nil})
		return
	}
	response.OK(c, gin.H{"has_active_session": true, "session_id": session.ID, "session": session})
}

// Leave handles POST /call-sessions/leave. Leaving an ended or unknown session succeeds with duration 0.
func (h *Handler) Leave(c *gin.Context) {
	var req models.LeaveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "session_id is required")
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	result, err := h.svc.End(c.Request.Context(), sessionID, req.DisconnectReason)
	if errors.Is(err, ErrSessionNotFound) {
		response.OK(c, models.LeaveResult{Success: true, Duration: 0})
		return
	}
	if err != nil {
		h.logger.Error("leave call session failed", zap.String("session_id", req.SessionID), zap.Error(err))
		response.Internal(c, "failed to leave call session")
		return
	}
	response.OK(c, result)
}

// LeaveBeacon handles POST /call-sessions/leave-beacon. Page-unload beacons arrive as
// text/plain or JSON and cannot read a response, so the leave is deferred and 202 returned.
func (h *Handler) LeaveBeacon(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBeaconBody))
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	var req models.LeaveRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		response.BadRequest(c, "invalid beacon body")
		return
	}
	sessionID, err := uuid.Parse(req.SessionID)
	if err != nil {
		response.BadRequest(c, "invalid session id")
		return
	}
	reason := req.DisconnectReason
	if reason == "" {
		reason = models.ReasonTabClosed
	}

	requestedAt := time.Now()
	if h.leaves != nil {
		err := h.leaves.EnqueueSessionLeave(c.Request.Context(), queue.SessionLeavePayload{
			SessionID:        sessionID,
			DisconnectReason: string(reason),
			RequestedAt:      requestedAt,
		})
		if err == nil {
			response.Accepted(c, gin.H{"session_id": sessionID})
			return
		}
		h.logger.Warn("enqueue leave beacon failed, ending inline", zap.String("session_id", req.SessionID), zap.Error(err))
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), inlineLeaveTimeout)
		defer cancel()
		if _, err := h.svc.EndAt(ctx, sessionID, reason, requestedAt); err != nil && !errors.Is(err, ErrSessionNotFound) {
			h.logger.Error("inline beacon leave failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		}
	}()
	response.Accepted(c, gin.H{"session_id": sessionID})
}

// Participants handles GET /meetings/:meetingId/participants.
func (h *Handler) Participants(c *gin.Context) {
	meetingID := strings.TrimSpace(c.Param("meetingId"))
	if meetingID == "" {
		response.BadRequest(c, "meeting id is required")
		return
	}
	list, err := h.svc.Participants(c.Request.Context(), meetingID)
	if err != nil {
		h.logger.Error("list participants failed", zap.String("meeting_id", meetingID), zap.Error(err))
		response.Internal(c, "failed to list participants")
		return
	}
	response.OK(c, list)
}

// History handles GET /meetings/:meetingId/sessions?user_id=.
func (h *Handler) History(c *gin.Context) {
	meetingID := strings.TrimSpace(c.Param("meetingId"))
	if meetingID == "" {
		response.BadRequest(c, "meeting id is required")
		return
	}
	history, err := h.svc.History(c.Request.Context(), meetingID, c.Query("user_id"))
	if err != nil {
		h.logger.Error("session history failed", zap.String("meeting_id", meetingID), zap.Error(err))
		response.Internal(c, "failed to load session history")
		return
	}
	response.OK(c, history)
}

// RegisterRoutes mounts the call-session routes. optionalAuth runs on the create/join/check
// routes, requiredAuth on history.
func (h *Handler) RegisterRoutes(r gin.IRouter, optionalAuth, requiredAuth gin.HandlerFunc) {
	cs := r.Group("/call-sessions")
	cs.POST("", optionalAuth, h.Create)
	cs.POST("/join", optionalAuth, h.Join)
	cs.GET("/active", optionalAuth, h.Active)
	cs.POST("/leave", h.Leave)
	cs.POST("/leave-beacon", h.LeaveBeacon)

	m := r.Group("/meetings/:meetingId")
	m.GET("/participants", h.Participants)
	m.GET("/sessions", requiredAuth, h.History)
}
