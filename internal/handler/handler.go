// Package handler exposes the engine's operations over HTTP and WebSocket.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"presence/internal/archive"
	"presence/internal/auth"
	"presence/internal/engine"
	"presence/internal/geo"
	"presence/internal/session"
	"presence/internal/ws"
)

// requestTimeout bounds join and heartbeat processing; the mutation is
// atomic, so a timed-out request leaves no partial state.
const requestTimeout = 5 * time.Second

// Handler holds the engine and its collaborators.
type Handler struct {
	engine   *engine.Engine
	repo     *archive.Repository // nil when Postgres is not configured
	streamer *ws.Streamer
	log      zerolog.Logger

	jwtKey    string
	jwtIssuer string
	accessTTL time.Duration
}

// New creates a handler. repo may be nil; history endpoints then return 503.
func New(eng *engine.Engine, repo *archive.Repository, streamer *ws.Streamer, log zerolog.Logger, jwtKey, jwtIssuer string, accessTTL time.Duration) *Handler {
	return &Handler{
		engine:    eng,
		repo:      repo,
		streamer:  streamer,
		log:       log,
		jwtKey:    jwtKey,
		jwtIssuer: jwtIssuer,
		accessTTL: accessTTL,
	}
}

// Register mounts all routes on r.
func (h *Handler) Register(r *gin.Engine) {
	r.POST("/v1/auth/token", h.issueToken)

	v1 := r.Group("/v1", auth.Bearer(h.jwtKey, h.jwtIssuer))

	faculty := v1.Group("", auth.RequireRole(auth.RoleFaculty))
	faculty.POST("/sessions", h.openSession)
	faculty.POST("/sessions/:id/close", h.closeSession)
	faculty.GET("/sessions/recent", h.recentSessions)

	student := v1.Group("", auth.RequireRole(auth.RoleStudent))
	student.POST("/sessions/join", h.joinSession)
	student.POST("/sessions/:id/location", h.reverifyLocation)
	student.POST("/sessions/:id/leave", h.leaveSession)
	student.GET("/attendance/history", h.studentHistory)

	v1.GET("/sessions/:id/roster", h.getRoster)
	v1.GET("/sessions/:id/summary", h.getSummary)
	v1.GET("/sessions/:id/events", h.subscribe)
}

// issueToken stands in for the external authentication collaborator: it
// issues a signed (userId, role) token without credential checks.
func (h *Handler) issueToken(c *gin.Context) {
	var req struct {
		UserID string `json:"user_id" binding:"required"`
		Role   string `json:"role" binding:"required,oneof=faculty student"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	token, exp, err := auth.Issue(req.UserID, req.Role, h.jwtIssuer, h.jwtKey, h.accessTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"access_token": token,
		"expires_at":   exp.Unix(),
	})
}

func (h *Handler) openSession(c *gin.Context) {
	var req struct {
		ClassID          string   `json:"class_id" binding:"required"`
		Latitude         float64  `json:"lat"`
		Longitude        float64  `json:"lng"`
		RadiusMeters     float64  `json:"radius_meters"`
		ThresholdMinutes int      `json:"threshold_minutes"`
		Enrolled         []string `json:"enrolled"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	claims := auth.FromContext(c)
	sess, err := h.engine.OpenSession(c.Request.Context(), session.Spec{
		FacultyID: claims.Subject,
		ClassID:   req.ClassID,
		Geofence: geo.Geofence{
			Center:       geo.Coordinate{Latitude: req.Latitude, Longitude: req.Longitude},
			RadiusMeters: req.RadiusMeters,
		},
		Threshold: time.Duration(req.ThresholdMinutes) * time.Minute,
		Enrolled:  req.Enrolled,
	})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

func (h *Handler) joinSession(c *gin.Context) {
	var req struct {
		Code      string  `json:"code" binding:"required"`
		Latitude  float64 `json:"lat"`
		Longitude float64 `json:"lng"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	claims := auth.FromContext(c)
	rec, err := h.engine.JoinSession(ctx, req.Code, claims.Subject,
		geo.Coordinate{Latitude: req.Latitude, Longitude: req.Longitude})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) reverifyLocation(c *gin.Context) {
	var req struct {
		Latitude  float64 `json:"lat"`
		Longitude float64 `json:"lng"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	claims := auth.FromContext(c)
	rec, err := h.engine.ReverifyLocation(ctx, c.Param("id"), claims.Subject,
		geo.Coordinate{Latitude: req.Latitude, Longitude: req.Longitude})
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) leaveSession(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
	defer cancel()

	claims := auth.FromContext(c)
	rec, err := h.engine.LeaveSession(ctx, c.Param("id"), claims.Subject)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (h *Handler) closeSession(c *gin.Context) {
	claims := auth.FromContext(c)
	roster, err := h.engine.CloseSession(c.Request.Context(), c.Param("id"), claims.Subject)
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, roster)
}

func (h *Handler) getRoster(c *gin.Context) {
	roster, err := h.engine.GetRoster(c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, roster)
}

func (h *Handler) getSummary(c *gin.Context) {
	sum, err := h.engine.Summarize(c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"session_id":      sum.SessionID,
		"code":            sum.Code,
		"class_id":        sum.ClassID,
		"state":           sum.State,
		"elapsed_seconds": int(sum.Elapsed.Seconds()),
		"students_joined": sum.StudentsJoined,
	})
}

func (h *Handler) subscribe(c *gin.Context) {
	sub, err := h.engine.Subscribe(c.Param("id"))
	if err != nil {
		h.renderError(c, err)
		return
	}
	h.streamer.Serve(c.Writer, c.Request, sub)
}

func (h *Handler) recentSessions(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive not configured"})
		return
	}
	claims := auth.FromContext(c)
	rows, err := h.repo.ListFacultySessions(c.Request.Context(), claims.Subject, 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": rows})
}

func (h *Handler) studentHistory(c *gin.Context) {
	if h.repo == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "archive not configured"})
		return
	}
	claims := auth.FromContext(c)
	rows, err := h.repo.ListStudentHistory(c.Request.Context(), claims.Subject, 20)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": rows})
}

// renderError maps engine errors to HTTP statuses. Validation failures and
// terminal states surface verbatim so clients can react.
func (h *Handler) renderError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, session.ErrSessionExpired),
		errors.Is(err, session.ErrSessionClosed),
		errors.Is(err, session.ErrAlreadyClosed):
		c.JSON(http.StatusGone, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNotOwner):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrNotJoined):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, geo.ErrInvalidCoordinate),
		errors.Is(err, engine.ErrInvalidRadius),
		errors.Is(err, engine.ErrInvalidThreshold):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusGatewayTimeout, gin.H{"error": "request deadline exceeded"})
	default:
		h.log.Error().Err(err).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
