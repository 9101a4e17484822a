package services

import (
	"context"

	"github.com/google/uuid"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/realtime"
)

// =========================
// Job notifier
// =========================

type JobNotifier interface {
	JobCreated(userID uuid.UUID, job *types.JobRun)
	JobProgress(userID uuid.UUID, job *types.JobRun, stage string, progress int, message string)
	JobFailed(userID uuid.UUID, job *types.JobRun, stage string, errorMessage string)
	JobDone(userID uuid.UUID, job *types.JobRun)
	JobCanceled(userID uuid.UUID, job *types.JobRun)
	JobRestarted(userID uuid.UUID, job *types.JobRun)
}

type jobNotifier struct {
	emit SSEEmitter
}

func NewJobNotifier(emit SSEEmitter) JobNotifier {
	return &jobNotifier{emit: emit}
}

func (n *jobNotifier) JobCreated(userID uuid.UUID, job *types.JobRun) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventJobCreated,
		Data:    map[string]any{"job": job},
	})
}

func (n *jobNotifier) JobProgress(userID uuid.UUID, job *types.JobRun, stage string, progress int, message string) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventJobProgress,
		Data: map[string]any{
			"job_id":   safeJobID(job),
			"job_type": safeJobType(job),
			"stage":    stage,
			"progress": progress,
			"message":  message,
			"job":      job,
		},
	})
}

func (n *jobNotifier) JobFailed(userID uuid.UUID, job *types.JobRun, stage string, errorMessage string) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventJobFailed,
		Data: map[string]any{
			"job_id":   safeJobID(job),
			"job_type": safeJobType(job),
			"stage":    stage,
			"error":    errorMessage,
			"job":      job,
		},
	})
}

func (n *jobNotifier) JobDone(userID uuid.UUID, job *types.JobRun) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventJobDone,
		Data: map[string]any{
			"job_id":   safeJobID(job),
			"job_type": safeJobType(job),
			"job":      job,
		},
	})
}

func (n *jobNotifier) JobCanceled(userID uuid.UUID, job *types.JobRun) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventJobCanceled,
		Data: map[string]any{
			"job_id":   safeJobID(job),
			"job_type": safeJobType(job),
			"job":      job,
		},
	})
}

func (n *jobNotifier) JobRestarted(userID uuid.UUID, job *types.JobRun) {
	if n == nil || n.emit == nil || userID == uuid.Nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: userID.String(),
		Event:   realtime.SSEEventJobRestarted,
		Data: map[string]any{
			"job_id":   safeJobID(job),
			"job_type": safeJobType(job),
			"job":      job,
		},
	})
}

// =========================
// Compliance notifier
// =========================

// ComplianceNotifier pushes policy, rollback and consent events to connected
// operator consoles. Terminal events go to the shared compliance channel;
// rollback progress goes to the execution's own channel so a console
// following one execution is not flooded by the rest.
type ComplianceNotifier interface {
	PolicySetCommitted(result *PolicySetResult)
	PolicySetFailed(result *PolicySetResult)

	RollbackProgress(exec *types.RollbackExecution, phase string, progress int, message string)
	RollbackCompleted(exec *types.RollbackExecution, result *types.RollbackResult)
	RollbackFailed(exec *types.RollbackExecution, errorMessage string)

	ConsentChanged(record *types.ConsentRecord, change string)
}

type complianceNotifier struct {
	emit SSEEmitter
}

func NewComplianceNotifier(emit SSEEmitter) ComplianceNotifier {
	return &complianceNotifier{emit: emit}
}

func (n *complianceNotifier) PolicySetCommitted(result *PolicySetResult) {
	if n == nil || n.emit == nil || result == nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: realtime.ChannelCompliance,
		Event:   realtime.SSEEventPolicySetCommitted,
		Data: map[string]any{
			"transaction_id": result.TransactionID,
			"result":         result,
		},
	})
}

func (n *complianceNotifier) PolicySetFailed(result *PolicySetResult) {
	if n == nil || n.emit == nil || result == nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: realtime.ChannelCompliance,
		Event:   realtime.SSEEventPolicySetFailed,
		Data: map[string]any{
			"transaction_id": result.TransactionID,
			"result":         result,
		},
	})
}

func (n *complianceNotifier) RollbackProgress(exec *types.RollbackExecution, phase string, progress int, message string) {
	if n == nil || n.emit == nil || exec == nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: exec.ID.String(),
		Event:   realtime.SSEEventRollbackProgress,
		Data: map[string]any{
			"execution_id": exec.ID,
			"plan_id":      exec.PlanID,
			"phase":        phase,
			"progress":     progress,
			"message":      message,
		},
	})
}

func (n *complianceNotifier) RollbackCompleted(exec *types.RollbackExecution, result *types.RollbackResult) {
	if n == nil || n.emit == nil || exec == nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: realtime.ChannelCompliance,
		Event:   realtime.SSEEventRollbackCompleted,
		Data: map[string]any{
			"execution_id": exec.ID,
			"plan_id":      exec.PlanID,
			"result":       result,
		},
	})
}

func (n *complianceNotifier) RollbackFailed(exec *types.RollbackExecution, errorMessage string) {
	if n == nil || n.emit == nil || exec == nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: realtime.ChannelCompliance,
		Event:   realtime.SSEEventRollbackFailed,
		Data: map[string]any{
			"execution_id": exec.ID,
			"plan_id":      exec.PlanID,
			"error":        errorMessage,
		},
	})
}

func (n *complianceNotifier) ConsentChanged(record *types.ConsentRecord, change string) {
	if n == nil || n.emit == nil || record == nil {
		return
	}
	n.emit.Emit(context.Background(), realtime.SSEMessage{
		Channel: realtime.ChannelCompliance,
		Event:   realtime.SSEEventConsentChanged,
		Data: map[string]any{
			"record_id":  record.ID,
			"subject_id": record.SubjectID,
			"purpose":    record.Purpose,
			"status":     record.Status,
			"change":     change,
		},
	})
}

// =========================
// helpers
// =========================

func safeJobID(job *types.JobRun) uuid.UUID {
	if job == nil {
		return uuid.Nil
	}
	return job.ID
}

func safeJobType(job *types.JobRun) string {
	if job == nil {
		return ""
	}
	return job.JobType
}
