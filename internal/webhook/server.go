// Package webhook serves the push trigger through which the backend delivers
// attendance events without waiting for the next poll.
package webhook

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"unicontrol_bot/internal/metrics"
	"unicontrol_bot/internal/model"
	"unicontrol_bot/internal/scheduler"
)

const (
	headerToken     = "X-Bot-Token"
	headerRequestID = "X-Request-ID"
	maxBodyBytes    = 64 << 10
)

// Immediate delivers one attendance event to a group's audience.
type Immediate interface {
	SendImmediate(ctx context.Context, groupCode string, ev model.AttendanceEvent) (scheduler.Result, error)
}

// AttendanceRequest is the body of POST /webhook/attendance.
type AttendanceRequest struct {
	AttendanceID int64  `json:"attendance_id" binding:"required"`
	StudentID    int64  `json:"student_id"`
	StudentName  string `json:"student_name"`
	GroupCode    string `json:"group_code" binding:"required"`
	Status       string `json:"status" binding:"required"`
	Reason       string `json:"reason"`
	LateMinutes  int    `json:"late_minutes"`
	LessonNumber int    `json:"lesson_number"`
	Subject      string `json:"subject"`
	Date         string `json:"date"`
}

// AttendanceResponse reports per-recipient outcomes.
type AttendanceResponse struct {
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

type errorResponse struct {
	RequestID string `json:"request_id,omitempty"`
	Code      string `json:"code"`
	Message   string `json:"message"`
}

// Server is the gin-based push-trigger endpoint.
type Server struct {
	engine    *gin.Engine
	immediate Immediate
	token     string
	log       *slog.Logger
}

// New builds the router. Requests to the webhook must carry token in X-Bot-Token.
func New(immediate Immediate, token string, log *slog.Logger) *Server {
	s := &Server{
		engine:    gin.New(),
		immediate: immediate,
		token:     token,
		log:       log,
	}

	r := s.engine
	r.HandleMethodNotAllowed = true
	r.Use(requestID(), s.logRequests(), gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/webhook/attendance", s.authorize, s.handleAttendance)

	return s
}

// Handler exposes the router for tests and custom servers.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("webhook server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		s.log.Info("webhook server stopped")
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *Server) authorize(c *gin.Context) {
	got := c.GetHeader(headerToken)
	if s.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
		fail(c, http.StatusUnauthorized, "unauthorized", "invalid bot token")
		return
	}
	c.Next()
}

func (s *Server) handleAttendance(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)

	var req AttendanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	ev := model.AttendanceEvent{
		ID:           req.AttendanceID,
		StudentID:    req.StudentID,
		StudentName:  req.StudentName,
		Status:       model.Status(strings.ToLower(strings.TrimSpace(req.Status))),
		Reason:       req.Reason,
		LateMinutes:  req.LateMinutes,
		LessonNumber: req.LessonNumber,
		Subject:      req.Subject,
		Date:         req.Date,
		GroupCode:    req.GroupCode,
	}

	res, err := s.immediate.SendImmediate(c.Request.Context(), req.GroupCode, ev)
	if err != nil {
		s.log.Error("immediate notification", "request_id", c.GetString("request_id"), "group_code", req.GroupCode, "error", err)
		fail(c, http.StatusInternalServerError, "internal", "failed to dispatch notification")
		return
	}

	c.JSON(http.StatusOK, AttendanceResponse{Sent: res.Sent, Skipped: res.Skipped, Failed: res.Failed})
}

func (s *Server) logRequests() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		status := c.Writer.Status()
		metrics.WebhookRequests.WithLabelValues(path, strconv.Itoa(status)).Inc()
		s.log.Debug("http request",
			"request_id", c.GetString("request_id"),
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration", time.Since(start),
		)
	}
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(headerRequestID)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func fail(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorResponse{
		RequestID: c.GetString("request_id"),
		Code:      code,
		Message:   msg,
	})
}
