package services

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/ctxutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

const (
	JobTypePolicyRollback = "policy_rollback"
	JobTypeConsentExpiry  = "consent_expiry"
	JobTypeAuditRetention = "audit_retention"
)

const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCanceled  = "canceled"
)

var terminalJobStatuses = []string{JobStatusSucceeded, JobStatusFailed, JobStatusCanceled}

// JobService owns job_run rows. There is no separate dispatch step: workers
// claim queued rows straight from the table, so a job enqueued inside a
// transaction becomes runnable exactly when that transaction commits.
type JobService interface {
	Enqueue(dbc dbctx.Context, requestedBy uuid.UUID, jobType string, entityType string, entityID *uuid.UUID, payload map[string]any) (*types.JobRun, error)
	EnqueueRollbackExecution(dbc dbctx.Context, requestedBy uuid.UUID, executionID uuid.UUID) (*types.JobRun, error)
	EnqueueConsentExpirySweep(dbc dbctx.Context) (*types.JobRun, bool, error)
	EnqueueAuditRetentionSweep(dbc dbctx.Context) (*types.JobRun, bool, error)
	Get(dbc dbctx.Context, jobID uuid.UUID) (*types.JobRun, error)
	List(dbc dbctx.Context, jobType string, status string, limit int) ([]*types.JobRun, error)
	Cancel(dbc dbctx.Context, jobID uuid.UUID) (*types.JobRun, error)
	Restart(dbc dbctx.Context, jobID uuid.UUID) (*types.JobRun, error)
}

type jobService struct {
	db     *gorm.DB
	log    *logger.Logger
	repo   repos.JobRunRepo
	notify JobNotifier
}

func NewJobService(db *gorm.DB, baseLog *logger.Logger, repo repos.JobRunRepo, notify JobNotifier) JobService {
	return &jobService{
		db:     db,
		log:    baseLog.With("service", "JobService"),
		repo:   repo,
		notify: notify,
	}
}

func (s *jobService) Enqueue(dbc dbctx.Context, requestedBy uuid.UUID, jobType string, entityType string, entityID *uuid.UUID, payload map[string]any) (*types.JobRun, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("job service not initialized")
	}
	if jobType == "" {
		return nil, fmt.Errorf("missing job_type")
	}
	if payload == nil {
		payload = map[string]any{}
	}
	if td := ctxutil.GetTraceData(dbc.Ctx); td != nil {
		if td.TraceID != "" {
			if _, ok := payload["trace_id"]; !ok {
				payload["trace_id"] = td.TraceID
			}
		}
		if td.RequestID != "" {
			if _, ok := payload["request_id"]; !ok {
				payload["request_id"] = td.RequestID
			}
		}
	}
	b, _ := json.Marshal(payload)
	now := time.Now()
	job := &types.JobRun{
		ID:         uuid.New(),
		JobType:    jobType,
		EntityType: entityType,
		EntityID:   entityID,
		Status:     JobStatusQueued,
		Stage:      "queued",
		Progress:   0,
		Attempts:   0,
		Message:    "Queued",
		Payload:    datatypes.JSON(b),
		Result:     datatypes.JSON([]byte(`{}`)),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if requestedBy != uuid.Nil {
		job.RequestedBy = &requestedBy
	}
	if _, err := s.repo.Create(dbc, []*types.JobRun{job}); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	if s.notify != nil {
		s.notify.JobCreated(requestedBy, job)
	}
	return job, nil
}

func (s *jobService) EnqueueRollbackExecution(dbc dbctx.Context, requestedBy uuid.UUID, executionID uuid.UUID) (*types.JobRun, error) {
	if executionID == uuid.Nil {
		return nil, fmt.Errorf("missing execution id")
	}
	entityID := executionID
	exists, err := s.repo.ExistsRunnable(dbc, JobTypePolicyRollback, "rollback_execution", &entityID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("rollback execution %s already enqueued", executionID)
	}
	payload := map[string]any{
		"execution_id": executionID.String(),
	}
	return s.Enqueue(dbc, requestedBy, JobTypePolicyRollback, "rollback_execution", &entityID, payload)
}

func (s *jobService) EnqueueConsentExpirySweep(dbc dbctx.Context) (*types.JobRun, bool, error) {
	exists, err := s.repo.ExistsRunnable(dbc, JobTypeConsentExpiry, "", nil)
	if err != nil {
		return nil, false, err
	}
	if exists {
		return nil, false, nil
	}
	job, err := s.Enqueue(dbc, uuid.Nil, JobTypeConsentExpiry, "", nil, map[string]any{"trigger": "schedule"})
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *jobService) EnqueueAuditRetentionSweep(dbc dbctx.Context) (*types.JobRun, bool, error) {
	exists, err := s.repo.ExistsRunnable(dbc, JobTypeAuditRetention, "", nil)
	if err != nil {
		return nil, false, err
	}
	if exists {
		return nil, false, nil
	}
	job, err := s.Enqueue(dbc, uuid.Nil, JobTypeAuditRetention, "", nil, map[string]any{"trigger": "schedule"})
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (s *jobService) Get(dbc dbctx.Context, jobID uuid.UUID) (*types.JobRun, error) {
	if jobID == uuid.Nil {
		return nil, fmt.Errorf("missing job id")
	}
	job, err := s.repo.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job not found")
	}
	return job, nil
}

func (s *jobService) List(dbc dbctx.Context, jobType string, status string, limit int) ([]*types.JobRun, error) {
	return s.repo.List(dbc, strings.TrimSpace(jobType), strings.TrimSpace(status), limit)
}

func (s *jobService) Cancel(dbc dbctx.Context, jobID uuid.UUID) (*types.JobRun, error) {
	if jobID == uuid.Nil {
		return nil, fmt.Errorf("missing job id")
	}
	job, err := s.repo.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job not found")
	}

	status := strings.ToLower(strings.TrimSpace(job.Status))
	if status == JobStatusSucceeded || status == JobStatusFailed || status == JobStatusCanceled {
		return job, nil
	}

	now := time.Now().UTC()
	committed, err := s.repo.UpdateFieldsUnlessStatus(dbc, jobID, terminalJobStatuses, map[string]interface{}{
		"status":       JobStatusCanceled,
		"message":      "Canceled",
		"locked_at":    nil,
		"heartbeat_at": now,
		"updated_at":   now,
	})
	if err != nil {
		return nil, err
	}
	if !committed {
		// Finished while we looked; report what it became.
		return s.repo.GetByID(dbc, jobID)
	}

	job.Status = JobStatusCanceled
	job.Message = "Canceled"
	job.LockedAt = nil
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	if s.notify != nil && job.RequestedBy != nil {
		s.notify.JobCanceled(*job.RequestedBy, job)
	}
	return job, nil
}

func (s *jobService) Restart(dbc dbctx.Context, jobID uuid.UUID) (*types.JobRun, error) {
	if jobID == uuid.Nil {
		return nil, fmt.Errorf("missing job id")
	}
	job, err := s.repo.GetByID(dbc, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job not found")
	}

	status := strings.ToLower(strings.TrimSpace(job.Status))
	if status != JobStatusCanceled && status != JobStatusFailed {
		return nil, fmt.Errorf("job not restartable")
	}

	now := time.Now().UTC()
	if err := s.repo.UpdateFields(dbc, jobID, map[string]interface{}{
		"status":        JobStatusQueued,
		"stage":         "queued",
		"progress":      0,
		"message":       "Restarting…",
		"error":         "",
		"last_error_at": nil,
		"attempts":      0,
		"locked_at":     nil,
		"heartbeat_at":  now,
		"updated_at":    now,
	}); err != nil {
		return nil, err
	}

	job.Status = JobStatusQueued
	job.Stage = "queued"
	job.Progress = 0
	job.Message = "Restarting…"
	job.Error = ""
	job.LastErrorAt = nil
	job.Attempts = 0
	job.LockedAt = nil
	job.HeartbeatAt = &now
	job.UpdatedAt = now
	if s.notify != nil && job.RequestedBy != nil {
		s.notify.JobRestarted(*job.RequestedBy, job)
	}
	return job, nil
}
