package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/proctorgrid/engine/internal/config"
	"github.com/proctorgrid/engine/internal/engine"
	"github.com/proctorgrid/engine/internal/health"
	"github.com/proctorgrid/engine/internal/logging"
	"github.com/proctorgrid/engine/internal/pagination"
	"github.com/proctorgrid/engine/internal/session"
	"github.com/proctorgrid/engine/internal/signal"
	"github.com/proctorgrid/engine/internal/validation"
)

// -----------------------------------------------------------------------------
// Session lifecycle
// -----------------------------------------------------------------------------

// sessionConfigRequest carries the optional per-session overrides. Durations
// come in as seconds so dashboard clients don't deal in nanoseconds.
type sessionConfigRequest struct {
	SeverityTable      map[signal.Type]signal.Severity `json:"severityTable,omitempty"`
	EnabledTypes       []signal.Type                   `json:"enabledTypes,omitempty"`
	DecayWeights       map[signal.Severity]float64     `json:"decayWeights,omitempty"`
	GraceWindowSeconds *float64                        `json:"graceWindowSeconds,omitempty"`
	RecoveryPerSecond  *float64                        `json:"recoveryPerSecond,omitempty"`
	WarningBelow       *float64                        `json:"warningBelow,omitempty"`
	CriticalBelow      *float64                        `json:"criticalBelow,omitempty"`
	NotifyResolved     *bool                           `json:"notifyResolved,omitempty"`
}

func (r *sessionConfigRequest) apply(cfg *config.SessionConfig) {
	if r.SeverityTable != nil {
		cfg.SeverityTable = r.SeverityTable
	}
	if r.EnabledTypes != nil {
		cfg.EnabledTypes = r.EnabledTypes
	}
	if r.DecayWeights != nil {
		cfg.DecayWeights = r.DecayWeights
	}
	if r.GraceWindowSeconds != nil {
		cfg.GraceWindow = time.Duration(*r.GraceWindowSeconds * float64(time.Second))
	}
	if r.RecoveryPerSecond != nil {
		cfg.RecoveryPerSecond = *r.RecoveryPerSecond
	}
	if r.WarningBelow != nil {
		cfg.WarningBelow = *r.WarningBelow
	}
	if r.CriticalBelow != nil {
		cfg.CriticalBelow = *r.CriticalBelow
	}
	if r.NotifyResolved != nil {
		cfg.NotifyResolved = *r.NotifyResolved
	}
}

// createSession handles POST /v1/sessions
func (s *Server) createSession(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		SessionID string                `json:"sessionId"`
		StudentID string                `json:"studentId" binding:"required"`
		ExamID    string                `json:"examId" binding:"required"`
		Config    *sessionConfigRequest `json:"config,omitempty"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "studentId and examId are required",
		})
		return
	}

	req.StudentID = validation.SanitizeString(req.StudentID, 64)
	req.ExamID = validation.SanitizeString(req.ExamID, 64)
	if verrs := validation.Validate(
		validation.ValidID("sessionId", req.SessionID),
		validation.ValidID("studentId", req.StudentID),
		validation.ValidID("examId", req.ExamID),
	); len(verrs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": verrs.Error(),
			"details": verrs,
		})
		return
	}

	cfg := config.DefaultSessionConfig()
	if req.Config != nil {
		req.Config.apply(&cfg)
	}

	sess, err := s.engine.StartSession(ctx, engine.StartRequest{
		SessionID: req.SessionID,
		StudentID: req.StudentID,
		ExamID:    req.ExamID,
		Config:    &cfg,
	})
	if err != nil {
		if errors.Is(err, session.ErrAlreadyExists) {
			c.JSON(http.StatusConflict, gin.H{
				"error":   "session_exists",
				"message": "A session with this ID already exists",
			})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_config",
			"message": err.Error(),
		})
		return
	}

	// Subscribe to the upstream signal stream, if one is configured.
	s.startGateway(sess.ID)

	c.JSON(http.StatusCreated, sess)
}

// startSession handles POST /v1/sessions/:id/start
func (s *Server) startSession(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Activate(c.Request.Context(), id); err != nil {
		s.writeEngineError(c, err)
		return
	}
	sess, err := s.engine.GetSession(id)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// endSession handles POST /v1/sessions/:id/end
func (s *Server) endSession(c *gin.Context) {
	id := c.Param("id")

	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req) // body optional
	if req.Reason == "" {
		req.Reason = "submitted"
	}

	if err := s.engine.CompleteSession(c.Request.Context(), id, req.Reason); err != nil {
		s.writeEngineError(c, err)
		return
	}

	s.stopGateway(id)

	sess, err := s.engine.GetSession(id)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// getSession handles GET /v1/sessions/:id
func (s *Server) getSession(c *gin.Context) {
	sess, err := s.engine.GetSession(c.Param("id"))
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, sess)
}

// listSessions handles GET /v1/sessions?examId=...&status=...&violationType=...
func (s *Server) listSessions(c *gin.Context) {
	examID := c.Query("examId")
	if examID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "missing_exam_id",
			"message": "examId query parameter is required",
		})
		return
	}

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be between 1 and 500",
			})
			return
		}
		limit = n
	}

	cursor, err := pagination.Parse(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	var sessions []*session.Session
	if status := c.Query("status"); status != "" {
		sessions = s.engine.Registry().ListByStatus(examID, session.Status(status))
	} else {
		sessions = s.engine.Registry().ListByExam(examID)
	}

	if vt := c.Query("violationType"); vt != "" {
		filtered := sessions[:0]
		for _, sess := range sessions {
			counts, err := s.engine.ViolationsByType(c.Request.Context(), sess.ID)
			if err != nil {
				continue
			}
			if counts[signal.Type(vt)] > 0 {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}

	sessionKey := func(s *session.Session) (time.Time, string) {
		return s.CreatedAt, s.ID
	}
	sessions = pagination.SeekPast(sessions, cursor, sessionKey)
	if len(sessions) > limit+1 {
		sessions = sessions[:limit+1]
	}
	page, next, hasMore := pagination.Page(sessions, limit, sessionKey)

	c.JSON(http.StatusOK, gin.H{
		"sessions":    page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    hasMore,
	})
}

// -----------------------------------------------------------------------------
// Signal ingestion
// -----------------------------------------------------------------------------

// ingestEvent handles POST /v1/events. This is the HTTP push path for
// producers that don't maintain a ws stream; semantics are identical to
// gateway delivery, including idempotent duplicate handling.
func (s *Server) ingestEvent(c *gin.Context) {
	var event signal.Event
	if err := c.ShouldBindJSON(&event); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a valid signal event",
		})
		return
	}
	if err := event.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_event",
			"message": err.Error(),
		})
		return
	}

	s.engine.HandleEvent(c.Request.Context(), &event)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// -----------------------------------------------------------------------------
// Score and alert reads
// -----------------------------------------------------------------------------

func (s *Server) getScore(c *gin.Context) {
	view, err := s.engine.GetScore(c.Param("id"))
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

func (s *Server) getScoreHistory(c *gin.Context) {
	samples, err := s.engine.GetScoreHistory(c.Param("id"))
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": c.Param("id"),
		"samples":   samples,
	})
}

func (s *Server) getAlertState(c *gin.Context) {
	state, err := s.engine.GetAlertState(c.Param("id"))
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

// -----------------------------------------------------------------------------
// Violations
// -----------------------------------------------------------------------------

func (s *Server) listViolations(c *gin.Context) {
	violations, err := s.engine.GetViolations(c.Param("id"))
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId":  c.Param("id"),
		"violations": violations,
		"count":      len(violations),
	})
}

func (s *Server) acknowledgeViolation(c *gin.Context) {
	err := s.engine.AcknowledgeViolation(c.Param("id"), c.Param("violationId"))
	if err != nil {
		if errors.Is(err, engine.ErrViolationUnknown) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "violation_not_found",
				"message": "No violation with this ID in the session",
			})
			return
		}
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"acknowledged": true})
}

// -----------------------------------------------------------------------------
// History and export
// -----------------------------------------------------------------------------

func (s *Server) getHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error":   "invalid_limit",
				"message": "limit must be a non-negative integer",
			})
			return
		}
		limit = n
	}

	entries, err := s.engine.GetHistory(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"sessionId": c.Param("id"),
		"entries":   entries,
		"count":     len(entries),
	})
}

func (s *Server) exportSession(c *gin.Context) {
	export, err := s.engine.ExportSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeEngineError(c, err)
		return
	}
	c.Header("Content-Disposition", "attachment; filename="+export.SessionID+".json")
	c.JSON(http.StatusOK, export)
}

// -----------------------------------------------------------------------------
// Aggregates and misc
// -----------------------------------------------------------------------------

func (s *Server) getExamAggregate(c *gin.Context) {
	agg, err := s.engine.GetExamAggregate(c.Request.Context(), c.Param("examId"))
	if err != nil {
		logging.L(c.Request.Context()).Error("failed to compute exam aggregate",
			"exam_id", c.Param("examId"),
			"error", err,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to compute exam aggregate",
		})
		return
	}
	c.JSON(http.StatusOK, agg)
}

func (s *Server) streamStatsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.realtimeHub.Stats())
}

func (s *Server) infoHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":        "ProctorGrid Engine",
		"description": "Trust scoring engine for remote exam proctoring",
		"version":     "0.1.0",
	})
}

// -----------------------------------------------------------------------------
// Health handlers
// -----------------------------------------------------------------------------

// HealthResponse for health check endpoints
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version"`
	Checks    []health.Status `json:"checks,omitempty"`
	Timestamp string          `json:"timestamp"`
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	healthy, statuses := s.checks.CheckAll(ctx)

	status := "healthy"
	httpStatus := http.StatusOK
	if !healthy {
		status = "degraded"
		httpStatus = http.StatusServiceUnavailable
	}

	c.JSON(httpStatus, HealthResponse{
		Status:    status,
		Version:   "0.1.0",
		Checks:    statuses,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) livenessHandler(c *gin.Context) {
	if !s.healthy.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "alive"})
}

func (s *Server) readinessHandler(c *gin.Context) {
	if !s.ready.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func (s *Server) writeEngineError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, engine.ErrSessionNotFound), errors.Is(err, session.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "No session with this ID",
		})
	case errors.Is(err, session.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "invalid_transition",
			"message": err.Error(),
		})
	default:
		logging.L(c.Request.Context()).Error("request failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "An unexpected error occurred",
		})
	}
}
