// Package api exposes the admission subsystem over HTTP using gin:
// run admission, active-run queries, cancellation, and a Server-Sent
// Events capacity stream.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	supercheck "github.com/supercheck-io/supercheck-sub009"
	"github.com/supercheck-io/supercheck-sub009/admission"
	"github.com/supercheck-io/supercheck-sub009/id"
	"github.com/supercheck-io/supercheck-sub009/recon"
	"github.com/supercheck-io/supercheck-sub009/run"
	"github.com/supercheck-io/supercheck-sub009/telemetry"
)

// timeFormat is the wire format for timestamps.
const timeFormat = time.RFC3339

// NameResolver resolves display names for test definitions. Implemented
// by the job-definition collaborator; a nil resolver leaves names empty.
type NameResolver interface {
	TestName(ctx context.Context, orgID, testID string) (string, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithNameResolver attaches the display-name collaborator.
func WithNameResolver(r NameResolver) Option {
	return func(s *Server) { s.names = r }
}

// WithConfig overrides the streaming configuration.
func WithConfig(cfg supercheck.Config) Option {
	return func(s *Server) { s.cfg = cfg }
}

// Server carries the HTTP handlers.
type Server struct {
	ctrl   *admission.Controller
	recon  *recon.Reconciler
	pub    *telemetry.Publisher
	names  NameResolver
	cfg    supercheck.Config
	logger *slog.Logger
}

// NewServer creates a Server.
func NewServer(ctrl *admission.Controller, rec *recon.Reconciler, pub *telemetry.Publisher, opts ...Option) *Server {
	s := &Server{
		ctrl:   ctrl,
		recon:  rec,
		pub:    pub,
		cfg:    supercheck.DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register mounts all routes on the router group.
func (s *Server) Register(r gin.IRouter) {
	v1 := r.Group("/v1")
	v1.POST("/orgs/:orgId/runs", s.createRun)
	v1.GET("/orgs/:orgId/runs/active", s.activeRuns)
	v1.GET("/orgs/:orgId/runs/stream", s.streamCapacity)
	v1.POST("/runs/:runId/cancel", s.cancelRun)
}

// ──────────────────────────────────────────────────
// Request / response shapes
// ──────────────────────────────────────────────────

type createRunRequest struct {
	JobID     string            `json:"jobId,omitempty"`
	Engine    string            `json:"engine" binding:"required"`
	Location  string            `json:"location,omitempty"`
	TestID    string            `json:"testId,omitempty"`
	ProjectID string            `json:"projectId,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type createRunResponse struct {
	RunID         string `json:"runId"`
	Status        string `json:"status"`
	QueuePosition int    `json:"queuePosition,omitempty"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type runView struct {
	RunID     string `json:"runId"`
	TestID    string `json:"testId,omitempty"`
	TestName  string `json:"testName,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	Engine    string `json:"engine"`
	Location  string `json:"location,omitempty"`
	Status    string `json:"status"`
	StartedAt string `json:"startedAt,omitempty"`
	CreatedAt string `json:"createdAt"`
}

type activeRunsResponse struct {
	Running         []runView `json:"running"`
	Queued          []runView `json:"queued"`
	RunningCapacity int64     `json:"runningCapacity"`
	QueuedCapacity  int64     `json:"queuedCapacity"`
}

type cancelResponse struct {
	Status          string `json:"status"`
	AlreadyFinished bool   `json:"alreadyFinished,omitempty"`
}

// ──────────────────────────────────────────────────
// Handlers
// ──────────────────────────────────────────────────

func (s *Server) createRun(c *gin.Context) {
	orgID := c.Param("orgId")

	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: err.Error()})
		return
	}

	spec := admission.RunSpec{
		ProjectID: req.ProjectID,
		TestID:    req.TestID,
		Engine:    run.Engine(req.Engine),
		Location:  req.Location,
		Metadata:  req.Metadata,
	}
	if req.JobID != "" {
		jobID, err := id.Parse(req.JobID)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "malformed jobId"})
			return
		}
		spec.JobID = &jobID
	}

	decision, err := s.ctrl.Request(c.Request.Context(), orgID, spec)
	if err != nil {
		switch {
		case errors.Is(err, supercheck.ErrCapacityExceeded):
			c.JSON(http.StatusTooManyRequests, errorResponse{
				Code:    "CAPACITY_EXCEEDED",
				Message: "all running and queued slots are in use, retry later",
			})
		case errors.Is(err, supercheck.ErrPlanLimit):
			c.JSON(http.StatusPaymentRequired, errorResponse{
				Code:    "PLAN_LIMIT",
				Message: "the current plan allows no concurrent runs",
			})
		case errors.Is(err, supercheck.ErrEnqueueFailed):
			c.JSON(http.StatusBadGateway, errorResponse{
				Code:    "ENQUEUE_FAILED",
				Message: "the execution queue rejected the dispatch",
			})
		default:
			s.logger.Error("admission request failed",
				slog.String("org_id", orgID),
				slog.String("error", err.Error()),
			)
			c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "admission failed"})
		}
		return
	}

	c.JSON(http.StatusCreated, createRunResponse{
		RunID:         decision.Run.ID.String(),
		Status:        string(decision.Run.Status),
		QueuePosition: decision.QueuePosition,
	})
}

func (s *Server) activeRuns(c *gin.Context) {
	orgID := c.Param("orgId")
	ctx := c.Request.Context()

	active, err := s.recon.ListActive(ctx, orgID, recon.ModeTrusted)
	if err != nil {
		s.logger.Error("active runs query failed",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "query failed"})
		return
	}

	snap, err := s.ctrl.Snapshot(ctx, orgID)
	if err != nil {
		s.logger.Warn("capacity snapshot unavailable",
			slog.String("org_id", orgID),
			slog.String("error", err.Error()),
		)
	}

	resp := activeRunsResponse{
		Running:         s.views(ctx, orgID, active.Running),
		Queued:          s.views(ctx, orgID, active.Queued),
		RunningCapacity: snap.RunningCapacity,
		QueuedCapacity:  snap.QueuedCapacity,
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) cancelRun(c *gin.Context) {
	runID, err := id.ParseRunID(c.Param("runId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Code: "INVALID_REQUEST", Message: "malformed runId"})
		return
	}

	decision, err := s.ctrl.Cancel(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, supercheck.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, errorResponse{Code: "NOT_FOUND", Message: "run not found"})
			return
		}
		s.logger.Error("cancel failed",
			slog.String("run_id", runID.String()),
			slog.String("error", err.Error()),
		)
		c.JSON(http.StatusInternalServerError, errorResponse{Code: "INTERNAL", Message: "cancel failed"})
		return
	}

	c.JSON(http.StatusOK, cancelResponse{
		Status:          string(decision.Run.Status),
		AlreadyFinished: decision.AlreadyFinished,
	})
}

// views converts run records to API shapes, enriching each with its test
// display name when a resolver is attached.
func (s *Server) views(ctx context.Context, orgID string, runs []*run.Run) []runView {
	out := make([]runView, 0, len(runs))
	for _, r := range runs {
		v := runView{
			RunID:     r.ID.String(),
			TestID:    r.TestID,
			ProjectID: r.ProjectID,
			Engine:    string(r.Engine),
			Location:  r.Location,
			Status:    string(r.Status),
			CreatedAt: r.CreatedAt.Format(timeFormat),
		}
		if r.StartedAt != nil {
			v.StartedAt = r.StartedAt.Format(timeFormat)
		}
		if s.names != nil && r.TestID != "" {
			name, err := s.names.TestName(ctx, orgID, r.TestID)
			if err == nil {
				v.TestName = name
			}
		}
		out = append(out, v)
	}
	return out
}
