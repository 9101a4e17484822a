package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/observability"
	"github.com/telopea-platform/compliance-backend/internal/platform/ctxutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/envutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/platform/rediscache"
)

const (
	ExecStatusPreparing        = "preparing"
	ExecStatusValidating       = "validating"
	ExecStatusExecuting        = "executing"
	ExecStatusValidatingResult = "validating_result"
	ExecStatusCompleted        = "completed"
	ExecStatusFailed           = "failed"
	ExecStatusCancelled        = "cancelled"
	ExecStatusRollingBack      = "rolling_back"
)

// Statuses an execution can no longer move out of. Every progress write is
// guarded on these so a concurrent cancel wins over the driver.
var terminalExecutionStatuses = []string{ExecStatusCompleted, ExecStatusFailed, ExecStatusCancelled}

const (
	stepStatusRunning   = "running"
	stepStatusCompleted = "completed"
	stepStatusFailed    = "failed"
)

// RollbackService drives approved plans through their phases. StartExecution
// creates the execution row and hands it to the job queue (or a detached
// goroutine when no queue is wired); Execute is the driver the worker calls.
//
// Execute returns an error only for infrastructure faults. A run that reaches
// a terminal status, failed included, returns nil: the outcome lives on the
// execution row.
type RollbackService interface {
	StartExecution(ctx context.Context, planID uuid.UUID, actor string) (*types.RollbackExecution, error)
	Execute(ctx context.Context, executionID uuid.UUID) error
	GetExecution(ctx context.Context, id uuid.UUID) (*types.RollbackExecution, error)
	ListExecutions(ctx context.Context, planID uuid.UUID, limit int) ([]*types.RollbackExecution, error)
	CancelExecution(ctx context.Context, id uuid.UUID, reason string) error
}

type rollbackService struct {
	db         *gorm.DB
	log        *logger.Logger
	txr        TxRunner
	plans      repos.RollbackPlanRepo
	executions repos.RollbackExecutionRepo
	versions   repos.PolicyVersionRepo
	changeSets repos.PolicyChangeSetRepo
	auditLog   repos.AuditEntryRepo
	locks      PolicyLockService
	cache      rediscache.PolicyCache
	notify     ComplianceNotifier
	jobs       JobService
}

func NewRollbackService(
	db *gorm.DB,
	baseLog *logger.Logger,
	txr TxRunner,
	plans repos.RollbackPlanRepo,
	executions repos.RollbackExecutionRepo,
	versions repos.PolicyVersionRepo,
	changeSets repos.PolicyChangeSetRepo,
	auditLog repos.AuditEntryRepo,
	locks PolicyLockService,
	cache rediscache.PolicyCache,
	notify ComplianceNotifier,
	jobs JobService,
) RollbackService {
	return &rollbackService{
		db:         db,
		log:        baseLog.With("service", "RollbackService"),
		txr:        txr,
		plans:      plans,
		executions: executions,
		versions:   versions,
		changeSets: changeSets,
		auditLog:   auditLog,
		locks:      locks,
		cache:      cache,
		notify:     notify,
		jobs:       jobs,
	}
}

// rollbackRun is the driver's in-memory state for one execution. Phases, logs
// and metrics are flushed to the row at every stage and phase boundary.
type rollbackRun struct {
	exec *types.RollbackExecution
	plan *types.RollbackPlan

	target   types.RollbackTarget
	scope    types.RollbackScope
	resolved map[string]restoreDirective
	phases   []types.RollbackPhase

	phaseExecs        []types.PhaseExecution
	logs              []types.ExecutionLogEntry
	metrics           types.ExecutionMetrics
	validationResults []types.ValidationResult

	startedAt   time.Time
	policyCount int
	restored    int
	compensated bool
	// compensationOK means every backed up policy was restored after a failure.
	compensationOK bool
}

func (run *rollbackRun) logf(level, source, format string, args ...any) {
	run.logs = append(run.logs, types.ExecutionLogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Source:    source,
		Message:   fmt.Sprintf(format, args...),
	})
}

func (run *rollbackRun) progressPct() int {
	if len(run.phases) == 0 {
		return 0
	}
	pct := (run.metrics.PhasesCompleted * 100) / len(run.phases)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// snapshotUpdates marshals the run's live state into an update map. The
// marshals cannot fail on these shapes.
func (run *rollbackRun) snapshotUpdates() map[string]interface{} {
	_ = run.exec.SetPhases(run.phaseExecs)
	_ = run.exec.SetLogs(run.logs)
	_ = run.exec.SetMetrics(run.metrics)
	return map[string]interface{}{
		"phases":  run.exec.Phases,
		"logs":    run.exec.Logs,
		"metrics": run.exec.Metrics,
	}
}

func (run *rollbackRun) buildResult(success bool) types.RollbackResult {
	res := types.RollbackResult{
		Success:           success,
		ValidationResults: run.validationResults,
		DataIntegrity:     success || run.restored == 0 || run.compensationOK,
		PerformanceBefore: map[string]float64{"policy_count": float64(run.policyCount)},
		PerformanceAfter: map[string]float64{
			"policy_count":      float64(run.policyCount),
			"versions_restored": float64(run.restored),
			"duration_seconds":  time.Since(run.startedAt).Seconds(),
		},
	}
	for _, pe := range run.phaseExecs {
		switch pe.Status {
		case stepStatusCompleted:
			res.CompletedPhases = append(res.CompletedPhases, pe.PhaseID)
		case stepStatusFailed:
			res.FailedPhases = append(res.FailedPhases, pe.PhaseID)
		}
	}
	return res
}

func (run *rollbackRun) recommendations() []string {
	if run.restored > 0 && !run.compensationOK {
		actions := []string{"re-run plan validation before unlocking the affected policies"}
		if run.exec.BackupChangeSetID != nil {
			actions = append([]string{fmt.Sprintf("restore manually from backup change set %s", run.exec.BackupChangeSetID)}, actions...)
		}
		return actions
	}
	if run.compensated && run.compensationOK {
		return []string{"backup restored; investigate the failed phase before retrying"}
	}
	return []string{"no policies were modified; fix the reported cause and retry"}
}

func (s *rollbackService) StartExecution(ctx context.Context, planID uuid.UUID, actor string) (*types.RollbackExecution, error) {
	if s == nil || s.db == nil || s.txr == nil {
		return nil, fmt.Errorf("rollback service not initialized")
	}
	dbc := dbctx.Context{Ctx: ctx}
	plan, err := s.plans.GetByID(dbc, planID)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("rollback plan %s not found", planID)
	}
	switch plan.Status {
	case PlanStatusApproved, PlanStatusScheduled:
	default:
		return nil, fmt.Errorf("plan %s is not approved for execution (status %s)", planID, plan.Status)
	}
	active, err := s.executions.ExistsActiveForPlan(dbc, planID)
	if err != nil {
		return nil, err
	}
	if active {
		return nil, fmt.Errorf("plan %s already has an active execution", planID)
	}

	executedBy := actorFrom(ctx, actor)
	now := time.Now().UTC()
	exec := &types.RollbackExecution{
		PlanID:     planID,
		Status:     ExecStatusPreparing,
		ExecutedBy: executedBy,
		StartedAt:  &now,
	}
	err = s.txr.InTx(ctx, func(dbc dbctx.Context) error {
		if _, err := s.executions.Create(dbc, exec); err != nil {
			return err
		}
		if err := s.plans.UpdateFields(dbc, planID, map[string]interface{}{"status": PlanStatusScheduled}); err != nil {
			return err
		}
		entry := &types.AuditEntry{
			ActorID:  executedBy,
			Action:   "rollback.execution.started",
			Target:   exec.ID.String(),
			Category: AuditCategoryRollback,
			Result:   AuditResultSuccess,
		}
		if err := entry.SetDetails(map[string]any{"plan_id": planID.String()}); err != nil {
			return err
		}
		_, err := s.auditLog.Append(dbc, entry)
		return err
	})
	if err != nil {
		return nil, err
	}

	if s.jobs != nil {
		requestedBy := uuid.Nil
		if rd := ctxutil.GetRequestData(ctx); rd != nil {
			requestedBy = rd.ActorID
		}
		if _, err := s.jobs.EnqueueRollbackExecution(dbctx.Context{Ctx: ctx}, requestedBy, exec.ID); err != nil {
			bg := dbctx.Context{Ctx: context.Background()}
			_ = s.executions.UpdateFields(bg, exec.ID, map[string]interface{}{
				"status":       ExecStatusFailed,
				"error":        "enqueue failed: " + err.Error(),
				"completed_at": time.Now().UTC(),
			})
			_ = s.plans.UpdateFields(bg, planID, map[string]interface{}{"status": PlanStatusApproved})
			return nil, fmt.Errorf("enqueue rollback execution: %w", err)
		}
	} else {
		go s.runDetached(exec.ID)
	}
	s.log.Info("rollback execution started", "execution_id", exec.ID, "plan_id", planID, "executed_by", executedBy)
	return exec, nil
}

func (s *rollbackService) runDetached(executionID uuid.UUID) {
	if err := s.Execute(context.Background(), executionID); err != nil {
		s.log.Error("rollback execution driver failed", "execution_id", executionID, "error", err)
	}
}

func (s *rollbackService) GetExecution(ctx context.Context, id uuid.UUID) (*types.RollbackExecution, error) {
	if s == nil || s.executions == nil {
		return nil, fmt.Errorf("rollback service not initialized")
	}
	return s.executions.GetByID(dbctx.Context{Ctx: ctx}, id)
}

func (s *rollbackService) ListExecutions(ctx context.Context, planID uuid.UUID, limit int) ([]*types.RollbackExecution, error) {
	if s == nil || s.executions == nil {
		return nil, fmt.Errorf("rollback service not initialized")
	}
	return s.executions.ListByPlan(dbctx.Context{Ctx: ctx}, planID, limit)
}

func (s *rollbackService) CancelExecution(ctx context.Context, id uuid.UUID, reason string) error {
	if s == nil || s.executions == nil || s.txr == nil {
		return fmt.Errorf("rollback service not initialized")
	}
	actor := actorFrom(ctx, "")
	now := time.Now().UTC()
	var committed bool
	err := s.txr.InTx(ctx, func(dbc dbctx.Context) error {
		var err error
		committed, err = s.executions.UpdateFieldsUnlessStatus(dbc, id, terminalExecutionStatuses, map[string]interface{}{
			"status":       ExecStatusCancelled,
			"error":        reason,
			"completed_at": now,
		})
		if err != nil || !committed {
			return err
		}
		entry := &types.AuditEntry{
			ActorID:  actor,
			Action:   "rollback.execution.cancelled",
			Target:   id.String(),
			Category: AuditCategoryRollback,
			Result:   AuditResultSuccess,
		}
		if err := entry.SetDetails(map[string]any{"reason": reason}); err != nil {
			return err
		}
		_, err = s.auditLog.Append(dbc, entry)
		return err
	})
	if err != nil {
		return err
	}
	if !committed {
		exec, err := s.executions.GetByID(dbctx.Context{Ctx: ctx}, id)
		if err != nil {
			return err
		}
		if exec == nil {
			return fmt.Errorf("rollback execution %s not found", id)
		}
		return fmt.Errorf("execution %s already finished (status %s)", id, exec.Status)
	}
	s.log.Info("rollback execution cancelled", "execution_id", id, "reason", reason)
	return nil
}

// Execute drives one execution from preparing to a terminal status. The
// driver re-validates against the live store before touching anything, takes
// policy leases for the whole run, and flushes progress at every boundary so
// cancellation is observed between phases.
func (s *rollbackService) Execute(ctx context.Context, executionID uuid.UUID) error {
	if s == nil || s.db == nil || s.txr == nil {
		return fmt.Errorf("rollback service not initialized")
	}
	timeout := time.Duration(envutil.Int("ROLLBACK_EXECUTION_TIMEOUT_MINUTES", 30)) * time.Minute
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	dbc := dbctx.Context{Ctx: ctx}

	exec, err := s.executions.GetByID(dbc, executionID)
	if err != nil {
		return err
	}
	if exec == nil {
		return fmt.Errorf("rollback execution %s not found", executionID)
	}
	if exec.Status != ExecStatusPreparing {
		return fmt.Errorf("execution %s already started (status %s)", executionID, exec.Status)
	}
	plan, err := s.plans.GetByID(dbc, exec.PlanID)
	if err != nil {
		return err
	}

	run := &rollbackRun{exec: exec, plan: plan, startedAt: time.Now().UTC()}
	if plan == nil {
		return s.finishFailed(run, fmt.Sprintf("plan %s not found", exec.PlanID))
	}
	run.logf("info", "executor", "execution started by %s", exec.ExecutedBy)

	if run.target, err = plan.DecodeTarget(); err != nil {
		return s.finishFailed(run, fmt.Sprintf("plan target unreadable: %v", err))
	}
	if run.scope, err = plan.DecodeScope(); err != nil {
		return s.finishFailed(run, fmt.Sprintf("plan scope unreadable: %v", err))
	}
	if run.phases, err = plan.DecodePhases(); err != nil {
		return s.finishFailed(run, fmt.Sprintf("plan phases unreadable: %v", err))
	}
	sort.SliceStable(run.phases, func(i, j int) bool { return run.phases[i].Order < run.phases[j].Order })

	// Stage: validating. The world may have moved since approval.
	ok, err := s.transition(ctx, run, ExecStatusValidating)
	if err != nil {
		return err
	}
	if !ok {
		return s.observeCancelled(run)
	}
	s.notifyProgress(run, "", "re-validating plan against current state")

	resolved, err := resolveRollbackTarget(dbc, s.versions, s.changeSets, run.target, &run.scope)
	if err != nil {
		return s.finishFailed(run, fmt.Sprintf("target no longer resolvable: %v", err))
	}
	run.resolved = resolved
	run.policyCount = len(resolved)

	results := runPreRollbackChecks(dbc, s.versions, s.changeSets, s.locks, plan, run.target, &run.scope)
	var failedCritical []string
	for _, r := range results {
		if r.Passed {
			run.metrics.ValidationsPassed++
			continue
		}
		run.metrics.ValidationsFailed++
		if criticalCheck(r.CheckID) {
			failedCritical = append(failedCritical, r.CheckID)
		} else {
			run.logf("warn", "executor", "non-critical pre-check %s failed: %s", r.CheckID, r.Message)
		}
	}
	if len(failedCritical) > 0 {
		return s.finishFailed(run, "pre-rollback validation failed: "+strings.Join(failedCritical, ", "))
	}

	// Hold leases for the whole run so policy sets cannot race the restore.
	if err := s.locks.AcquireAll(exec.ID.String(), run.scope.IncludedPolicies); err != nil {
		return s.finishFailed(run, fmt.Sprintf("policy lease conflict: %v", err))
	}
	defer s.locks.ReleaseAll(exec.ID.String())

	// Stage: executing.
	ok, err = s.transition(ctx, run, ExecStatusExecuting)
	if err != nil {
		return err
	}
	if !ok {
		return s.observeCancelled(run)
	}
	if err := s.plans.UpdateFields(dbc, plan.ID, map[string]interface{}{"status": PlanStatusInProgress}); err != nil {
		s.log.Warn("rollback: plan status update failed", "plan_id", plan.ID, "error", err)
	}

	completed := map[string]bool{}
	for i := range run.phases {
		phase := run.phases[i]
		if ctx.Err() != nil {
			s.compensateIfNeeded(run)
			return s.finishFailed(run, fmt.Sprintf("execution aborted: %v", ctx.Err()))
		}
		// A phase only starts once every phase it depends on has completed.
		// With in-order execution and fail-fast phases this can only trip on
		// a malformed or hand-edited plan, but the restore must not run then.
		if dep, ok := unmetDependency(phase, completed); !ok {
			now := time.Now().UTC()
			run.phaseExecs = append(run.phaseExecs, types.PhaseExecution{
				PhaseID:     phase.ID,
				Name:        phase.Name,
				Order:       phase.Order,
				Status:      stepStatusFailed,
				StartedAt:   &now,
				CompletedAt: &now,
				Error:       fmt.Sprintf("dependency %s has not completed", dep),
			})
			run.metrics.Errors++
			run.logf("error", phase.ID, "dependency %s has not completed", dep)
			if phase.RollbackOnFailure {
				s.compensateIfNeeded(run)
			}
			return s.finishFailed(run, fmt.Sprintf("phase %s blocked: dependency %s has not completed", phase.ID, dep))
		}
		started := time.Now().UTC()
		phaseExec := types.PhaseExecution{
			PhaseID:   phase.ID,
			Name:      phase.Name,
			Order:     phase.Order,
			Status:    stepStatusRunning,
			StartedAt: &started,
		}
		run.logf("info", phase.ID, "phase started (%d operations)", len(phase.Operations))
		s.notifyProgress(run, phase.ID, "phase started")

		perr := s.runPhase(ctx, run, &phaseExec, phase)
		done := time.Now().UTC()
		phaseExec.CompletedAt = &done
		if perr != nil {
			phaseExec.Status = stepStatusFailed
			phaseExec.Error = perr.Error()
			run.phaseExecs = append(run.phaseExecs, phaseExec)
			run.metrics.Errors++
			run.logf("error", phase.ID, "phase failed: %v", perr)
			if metrics := observability.Current(); metrics != nil {
				metrics.ObserveRollbackPhase(phase.Name, stepStatusFailed, done.Sub(started))
			}
			if phase.RollbackOnFailure {
				s.compensateIfNeeded(run)
			}
			return s.finishFailed(run, fmt.Sprintf("phase %s failed: %v", phase.ID, perr))
		}
		phaseExec.Status = stepStatusCompleted
		run.phaseExecs = append(run.phaseExecs, phaseExec)
		run.metrics.PhasesCompleted++
		completed[phase.ID] = true
		if metrics := observability.Current(); metrics != nil {
			metrics.ObserveRollbackPhase(phase.Name, stepStatusCompleted, done.Sub(started))
		}
		run.logf("info", phase.ID, "phase completed")
		s.notifyProgress(run, phase.ID, "phase completed")

		ok, err = s.persistProgress(ctx, run)
		if err != nil {
			return err
		}
		if !ok {
			return s.observeCancelled(run)
		}
	}

	// Stage: validating_result. The validate phase already ran the post
	// suite; this stage only seals the outcome.
	ok, err = s.transition(ctx, run, ExecStatusValidatingResult)
	if err != nil {
		return err
	}
	if !ok {
		return s.observeCancelled(run)
	}
	return s.finishCompleted(run)
}

func (s *rollbackService) notifyProgress(run *rollbackRun, phase string, message string) {
	if s.notify == nil {
		return
	}
	s.notify.RollbackProgress(run.exec, phase, run.progressPct(), message)
}

func (s *rollbackService) transition(ctx context.Context, run *rollbackRun, status string) (bool, error) {
	updates := run.snapshotUpdates()
	updates["status"] = status
	committed, err := s.executions.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, run.exec.ID, terminalExecutionStatuses, updates)
	if err != nil {
		return false, fmt.Errorf("persist status %s: %w", status, err)
	}
	if committed {
		run.exec.Status = status
	}
	return committed, nil
}

func (s *rollbackService) persistProgress(ctx context.Context, run *rollbackRun) (bool, error) {
	committed, err := s.executions.UpdateFieldsUnlessStatus(dbctx.Context{Ctx: ctx}, run.exec.ID, terminalExecutionStatuses, run.snapshotUpdates())
	if err != nil {
		return false, fmt.Errorf("persist progress: %w", err)
	}
	return committed, nil
}

// observeCancelled runs when a guarded write is rejected: someone flipped the
// row to a terminal status under the driver, which for a live driver means
// cancellation. Flushes logs without touching status.
func (s *rollbackService) observeCancelled(run *rollbackRun) error {
	bg := dbctx.Context{Ctx: context.Background()}
	row, err := s.executions.GetByID(bg, run.exec.ID)
	if err != nil {
		return err
	}
	if row == nil || row.Status != ExecStatusCancelled {
		status := "missing"
		if row != nil {
			status = row.Status
		}
		return fmt.Errorf("execution %s: progress write rejected (status %s)", run.exec.ID, status)
	}
	run.logf("warn", "executor", "cancellation observed; stopping")
	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveRollback(time.Since(run.startedAt), ExecStatusCancelled)
	}
	if err := s.executions.UpdateFields(bg, run.exec.ID, run.snapshotUpdates()); err != nil {
		s.log.Warn("rollback: final log flush failed", "execution_id", run.exec.ID, "error", err)
	}
	planStatus := PlanStatusApproved
	if run.restored > 0 {
		planStatus = PlanStatusPartial
	}
	if err := s.plans.UpdateFields(bg, run.exec.PlanID, map[string]interface{}{"status": planStatus}); err != nil {
		s.log.Warn("rollback: plan status update failed", "plan_id", run.exec.PlanID, "error", err)
	}
	if s.notify != nil {
		s.notify.RollbackFailed(run.exec, "execution cancelled")
	}
	s.log.Info("rollback execution stopped on cancellation",
		"execution_id", run.exec.ID,
		"phases_completed", run.metrics.PhasesCompleted)
	return nil
}

func (s *rollbackService) finishCompleted(run *rollbackRun) error {
	bg := dbctx.Context{Ctx: context.Background()}
	result := run.buildResult(true)
	run.logf("info", "executor", "execution completed; %d policies restored", run.restored)

	updates := run.snapshotUpdates()
	updates["status"] = ExecStatusCompleted
	updates["completed_at"] = time.Now().UTC()
	_ = run.exec.SetResult(result)
	updates["result"] = run.exec.Result

	committed, err := s.executions.UpdateFieldsUnlessStatus(bg, run.exec.ID, terminalExecutionStatuses, updates)
	if err != nil {
		return fmt.Errorf("persist completion: %w", err)
	}
	if !committed {
		return s.observeCancelled(run)
	}
	run.exec.Status = ExecStatusCompleted
	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveRollback(time.Since(run.startedAt), ExecStatusCompleted)
	}
	if err := s.plans.UpdateFields(bg, run.exec.PlanID, map[string]interface{}{"status": PlanStatusCompleted}); err != nil {
		s.log.Warn("rollback: plan status update failed", "plan_id", run.exec.PlanID, "error", err)
	}
	s.recordExecutionAudit(run, "rollback.execution.completed", AuditResultSuccess, "")
	if s.notify != nil {
		s.notify.RollbackCompleted(run.exec, &result)
	}
	s.log.Info("rollback execution completed",
		"execution_id", run.exec.ID,
		"plan_id", run.exec.PlanID,
		"policies_restored", run.restored,
		"duration", time.Since(run.startedAt))
	return nil
}

func (s *rollbackService) finishFailed(run *rollbackRun, cause string) error {
	bg := dbctx.Context{Ctx: context.Background()}
	run.metrics.Errors++
	run.logf("error", "executor", "execution failed: %s", cause)
	result := run.buildResult(false)
	result.RecommendedActions = run.recommendations()

	updates := run.snapshotUpdates()
	updates["status"] = ExecStatusFailed
	updates["error"] = cause
	updates["completed_at"] = time.Now().UTC()
	_ = run.exec.SetResult(result)
	updates["result"] = run.exec.Result

	committed, err := s.executions.UpdateFieldsUnlessStatus(bg, run.exec.ID, terminalExecutionStatuses, updates)
	if err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	if !committed {
		// Cancelled under us; keep the cancel, still flush the logs.
		if err := s.executions.UpdateFields(bg, run.exec.ID, run.snapshotUpdates()); err != nil {
			s.log.Warn("rollback: final log flush failed", "execution_id", run.exec.ID, "error", err)
		}
	} else {
		run.exec.Status = ExecStatusFailed
	}

	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveRollback(time.Since(run.startedAt), ExecStatusFailed)
	}
	planStatus := PlanStatusFailed
	if run.restored > 0 && !run.compensationOK {
		planStatus = PlanStatusPartial
	}
	if err := s.plans.UpdateFields(bg, run.exec.PlanID, map[string]interface{}{"status": planStatus}); err != nil {
		s.log.Warn("rollback: plan status update failed", "plan_id", run.exec.PlanID, "error", err)
	}
	s.recordExecutionAudit(run, "rollback.execution.failed", AuditResultFailure, cause)
	if s.notify != nil {
		s.notify.RollbackFailed(run.exec, cause)
	}
	s.log.Error("rollback execution failed",
		"execution_id", run.exec.ID,
		"plan_id", run.exec.PlanID,
		"cause", cause,
		"plan_status", planStatus)
	return nil
}

func unmetDependency(phase types.RollbackPhase, completed map[string]bool) (string, bool) {
	for _, dep := range phase.Dependencies {
		if !completed[dep] {
			return dep, false
		}
	}
	return "", true
}

// recordExecutionAudit appends the terminal audit entry outside the caller's
// transaction; audit failures are logged, never raised.
func (s *rollbackService) recordExecutionAudit(run *rollbackRun, action, result, cause string) {
	details := map[string]any{
		"plan_id":          run.exec.PlanID.String(),
		"phases_completed": run.metrics.PhasesCompleted,
		"restored":         run.restored,
	}
	if cause != "" {
		details["cause"] = cause
	}
	entry := &types.AuditEntry{
		ActorID:  run.exec.ExecutedBy,
		Action:   action,
		Target:   run.exec.ID.String(),
		Category: AuditCategoryRollback,
		Result:   result,
	}
	if err := entry.SetDetails(details); err != nil {
		s.log.Warn("rollback: audit details marshal failed", "error", err)
		return
	}
	if _, err := s.auditLog.Append(dbctx.Context{Ctx: context.Background()}, entry); err != nil {
		s.log.Warn("rollback: audit append failed", "action", action, "error", err)
	}
}
