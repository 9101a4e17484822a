package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"gorm.io/datatypes"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/envutil"
)

// runPhase executes a phase's operations in order. A critical operation that
// exhausts its retries fails the phase; non-critical failures are logged and
// the phase moves on.
func (s *rollbackService) runPhase(ctx context.Context, run *rollbackRun, phaseExec *types.PhaseExecution, phase types.RollbackPhase) error {
	phaseCtx := ctx
	if phase.TimeoutMinutes > 0 {
		var cancel context.CancelFunc
		phaseCtx, cancel = context.WithTimeout(ctx, time.Duration(phase.TimeoutMinutes)*time.Minute)
		defer cancel()
	}
	for _, op := range phase.Operations {
		if phaseCtx.Err() != nil {
			return phaseCtx.Err()
		}
		opExec := s.runOperation(phaseCtx, run, phase, op)
		phaseExec.Operations = append(phaseExec.Operations, opExec)
		if opExec.Status == stepStatusFailed {
			if op.Critical {
				return fmt.Errorf("critical operation %s failed: %s", op.ID, opExec.Error)
			}
			run.metrics.Warnings++
			run.logf("warn", phase.ID, "non-critical operation %s failed: %s", op.ID, opExec.Error)
			continue
		}
		run.metrics.OperationsCompleted++
	}
	return nil
}

// runOperation drives one operation through its retry budget. Backoff doubles
// per attempt and the wait aborts early on cancellation.
func (s *rollbackService) runOperation(ctx context.Context, run *rollbackRun, phase types.RollbackPhase, op types.RollbackOperation) types.OperationExecution {
	started := time.Now().UTC()
	opExec := types.OperationExecution{
		OperationID: op.ID,
		Type:        op.Type,
		Target:      op.Target,
		Status:      stepStatusRunning,
		StartedAt:   &started,
	}

	attempts := op.RetryCount + 1
	var lastErr error
retry:
	for attempt := 1; attempt <= attempts; attempt++ {
		opExec.Attempts = attempt
		opCtx := ctx
		var cancel context.CancelFunc
		if op.TimeoutSeconds > 0 {
			opCtx, cancel = context.WithTimeout(ctx, time.Duration(op.TimeoutSeconds)*time.Second)
		}
		lastErr = s.applyOperation(opCtx, run, phase, op)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			break
		}
		run.logf("warn", phase.ID, "operation %s attempt %d/%d failed: %v", op.ID, attempt, attempts, lastErr)
		if attempt < attempts {
			run.metrics.RetryAttempts++
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break retry
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			}
		}
	}

	done := time.Now().UTC()
	opExec.CompletedAt = &done
	if lastErr != nil {
		opExec.Status = stepStatusFailed
		opExec.Error = lastErr.Error()
	} else {
		opExec.Status = stepStatusCompleted
	}
	return opExec
}

func (s *rollbackService) applyOperation(ctx context.Context, run *rollbackRun, phase types.RollbackPhase, op types.RollbackOperation) error {
	dbc := dbctx.Context{Ctx: ctx}
	switch op.Type {
	case OpTypeBackupCurrent:
		return s.opBackupCurrent(dbc, run, phase)
	case OpTypeRestorePolicy:
		return s.opRestorePolicy(dbc, run, phase, op)
	case OpTypeClearCache:
		return s.opClearCache(ctx, run, phase)
	case OpTypeValidateState:
		return s.opValidateState(ctx, run, phase)
	case OpTypeRestoreData:
		return s.opRestoreData(run, phase, op)
	case OpTypeRestartService:
		return s.opSignal(run, phase, op, "service restart requested")
	case OpTypeExecuteScript:
		script, _ := op.Parameters["script"].(string)
		if strings.TrimSpace(script) == "" {
			return fmt.Errorf("operation %s has no script parameter", op.ID)
		}
		return s.opSignal(run, phase, op, "script execution requested: "+script)
	case OpTypeNotifySystems:
		return s.opSignal(run, phase, op, fmt.Sprintf("rollback notification sent to %d systems", len(run.scope.AffectedSystems)))
	case OpTypeUpdateConfig:
		return s.opSignal(run, phase, op, "configuration update requested")
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// opBackupCurrent snapshots the latest version of every policy in scope into
// a backup change set and pins its ID on the execution row. Compensation and
// manual recovery both start from this change set.
func (s *rollbackService) opBackupCurrent(dbc dbctx.Context, run *rollbackRun, phase types.RollbackPhase) error {
	ids := run.scope.IncludedPolicies
	latest, err := s.versions.GetLatestBatch(dbc, ids)
	if err != nil {
		return err
	}
	entries := make([]types.ChangeSetEntry, 0, len(ids))
	for _, id := range ids {
		row := latest[id]
		if row == nil {
			run.logf("warn", phase.ID, "policy %s has no versions to back up", id)
			continue
		}
		entries = append(entries, types.ChangeSetEntry{
			PolicyID:      id,
			BeforeVersion: row.Version,
			Snapshot:      snapshotOf(row),
		})
	}
	cs := &types.PolicyChangeSet{
		Kind:        ChangeSetKindBackup,
		Description: fmt.Sprintf("pre-rollback backup for execution %s", run.exec.ID),
		CreatedBy:   run.exec.ExecutedBy,
	}
	if err := cs.SetEntries(entries); err != nil {
		return err
	}
	err = s.txr.InTx(dbc.Ctx, func(dbc dbctx.Context) error {
		if _, err := s.changeSets.Create(dbc, cs); err != nil {
			return err
		}
		return s.executions.UpdateFields(dbc, run.exec.ID, map[string]interface{}{"backup_change_set_id": cs.ID})
	})
	if err != nil {
		return err
	}
	run.exec.BackupChangeSetID = &cs.ID
	run.logf("info", phase.ID, "backed up %d policies to change set %s", len(entries), cs.ID)
	return nil
}

// opRestorePolicy brings one policy to its resolved directive: a new version
// row carrying the target content, or an archive for policies the target
// predates. Re-running against an already restored policy is a no-op, so
// retries and re-runs are safe.
func (s *rollbackService) opRestorePolicy(dbc dbctx.Context, run *rollbackRun, phase types.RollbackPhase, op types.RollbackOperation) error {
	policyID := strings.TrimSpace(op.Target)
	if policyID == "" {
		return fmt.Errorf("operation %s has no target policy", op.ID)
	}
	latest, err := s.versions.GetLatest(dbc, policyID)
	if err != nil {
		return err
	}

	if archive, _ := op.Parameters["archive"].(bool); archive {
		if latest == nil || latest.Status == PolicyStatusArchived {
			run.logf("info", phase.ID, "policy %s already absent or archived", policyID)
			return nil
		}
		if err := s.versions.UpdateFields(dbc, latest.ID, map[string]interface{}{"status": PolicyStatusArchived}); err != nil {
			return err
		}
		run.restored++
		run.logf("info", phase.ID, "policy %s archived; it did not exist at the target", policyID)
		return nil
	}

	version, _ := op.Parameters["version"].(string)
	if version == "" {
		return fmt.Errorf("operation %s has no version parameter", op.ID)
	}
	target, err := s.versions.GetByPolicyVersion(dbc, policyID, version)
	if err != nil {
		return err
	}
	if target == nil {
		return fmt.Errorf("policy %s has no version %s", policyID, version)
	}
	if latest == nil {
		return fmt.Errorf("policy %s has no latest version", policyID)
	}
	if latest.ContentHash == target.ContentHash {
		run.logf("info", phase.ID, "policy %s already at target content", policyID)
		return nil
	}
	next, err := nextPatchVersion(latest.Version)
	if err != nil {
		return err
	}
	row := &types.PolicyVersion{
		PolicyID:      policyID,
		Version:       next,
		ContentHash:   target.ContentHash,
		Content:       target.Content,
		Metadata:      target.Metadata,
		ParentVersion: target.Version,
		Tags:          target.Tags,
		Status:        PolicyStatusRollbackTarget,
		CreatedBy:     run.exec.ExecutedBy,
	}
	if _, err := s.versions.Create(dbc, []*types.PolicyVersion{row}); err != nil {
		return err
	}
	run.restored++
	run.logf("info", phase.ID, "policy %s restored to content of %s as %s", policyID, version, next)
	return nil
}

func (s *rollbackService) opClearCache(ctx context.Context, run *rollbackRun, phase types.RollbackPhase) error {
	if s.cache == nil {
		run.logf("info", phase.ID, "cache not configured; nothing to clear")
		return nil
	}
	if err := s.cache.Invalidate(ctx, run.scope.IncludedPolicies); err != nil {
		return err
	}
	run.logf("info", phase.ID, "invalidated %d cached policies", len(run.scope.IncludedPolicies))
	return nil
}

// opValidateState runs the plan's post-rollback suite against the live store.
// Results land on the run for the final report; a failed critical check fails
// the operation.
func (s *rollbackService) opValidateState(ctx context.Context, run *rollbackRun, phase types.RollbackPhase) error {
	validation, err := run.plan.DecodeValidation()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	var failedCritical []string
	for _, check := range validation.PostRollback {
		res := types.ValidationResult{CheckID: check.ID, Timestamp: now}
		switch check.ID {
		case CheckContentHashMatch:
			mismatched, err := s.checkContentHashes(ctx, run)
			if err != nil {
				return err
			}
			if len(mismatched) > 0 {
				res.Message = "content mismatch: " + strings.Join(mismatched, ", ")
			} else {
				res.Passed = true
				res.Message = fmt.Sprintf("%d policies match target content", len(run.resolved))
			}
		case CheckCacheConsistency:
			stale, err := s.checkCacheConsistency(ctx, run)
			if err != nil {
				return err
			}
			if s.cache == nil {
				res.Passed = true
				res.Message = "cache not configured"
			} else if len(stale) > 0 {
				res.Message = "stale cache entries: " + strings.Join(stale, ", ")
			} else {
				res.Passed = true
			}
		default:
			res.Message = fmt.Sprintf("no runner registered for check %s", check.ID)
		}
		if res.Passed {
			run.metrics.ValidationsPassed++
		} else {
			run.metrics.ValidationsFailed++
			if criticalCheck(check.ID) {
				failedCritical = append(failedCritical, check.ID)
			}
		}
		run.validationResults = append(run.validationResults, res)
		run.logf("info", phase.ID, "check %s: passed=%v %s", check.ID, res.Passed, res.Message)
	}
	if len(failedCritical) > 0 {
		return fmt.Errorf("critical validation failed: %s", strings.Join(failedCritical, ", "))
	}
	return nil
}

// checkContentHashes compares every restored policy's latest content hash
// against its directive. Reads fan out; the store is the bottleneck on wide
// scopes.
func (s *rollbackService) checkContentHashes(ctx context.Context, run *rollbackRun) ([]string, error) {
	maxConc := envutil.Int("ROLLBACK_VALIDATE_CONCURRENCY", 8)
	if maxConc < 1 {
		maxConc = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConc)

	var mu sync.Mutex
	mismatched := []string{}
	for policyID, d := range run.resolved {
		policyID, d := policyID, d
		g.Go(func() error {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			gdbc := dbctx.Context{Ctx: gctx}
			latest, err := s.versions.GetLatest(gdbc, policyID)
			if err != nil {
				return err
			}
			bad := false
			if d.Archive {
				bad = latest != nil && latest.Status != PolicyStatusArchived
			} else {
				target, err := s.versions.GetByPolicyVersion(gdbc, policyID, d.Version)
				if err != nil {
					return err
				}
				bad = target == nil || latest == nil || latest.ContentHash != target.ContentHash
			}
			if bad {
				mu.Lock()
				mismatched = append(mismatched, policyID)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Strings(mismatched)
	return mismatched, nil
}

// checkCacheConsistency flags cached rows that no longer match the store's
// latest. A miss is consistent; the read-through refills it.
func (s *rollbackService) checkCacheConsistency(ctx context.Context, run *rollbackRun) ([]string, error) {
	if s.cache == nil {
		return nil, nil
	}
	stale := []string{}
	dbc := dbctx.Context{Ctx: ctx}
	for policyID := range run.resolved {
		cached, ok := s.cache.GetLatest(ctx, policyID)
		if !ok {
			continue
		}
		latest, err := s.versions.GetLatest(dbc, policyID)
		if err != nil {
			return nil, err
		}
		if latest == nil || cached.ID != latest.ID {
			stale = append(stale, policyID)
		}
	}
	sort.Strings(stale)
	return stale, nil
}

// opRestoreData publishes a data-restore request for the systems that own the
// data; the policy store itself only versions policy content. Skipped when
// the target excludes data.
func (s *rollbackService) opRestoreData(run *rollbackRun, phase types.RollbackPhase, op types.RollbackOperation) error {
	if !run.target.IncludeData {
		run.logf("info", phase.ID, "operation %s skipped; target excludes data", op.ID)
		return nil
	}
	return s.opSignal(run, phase, op, fmt.Sprintf("data restore requested from %d systems", len(run.scope.AffectedSystems)))
}

// opSignal covers the operation types that are integration points rather
// than store mutations: the request is logged and published on the event
// stream for the owning system to act on.
func (s *rollbackService) opSignal(run *rollbackRun, phase types.RollbackPhase, op types.RollbackOperation, message string) error {
	s.notifyProgress(run, phase.ID, message)
	run.logf("info", phase.ID, "%s (operation %s, target %q)", message, op.ID, op.Target)
	return nil
}

// compensateIfNeeded unwinds a failed run by restoring the backup change set.
// Runs on a background context; the request context may already be dead. A
// run that never restored anything has nothing to unwind.
func (s *rollbackService) compensateIfNeeded(run *rollbackRun) {
	if run.restored == 0 {
		run.logf("info", "executor", "no restores applied; compensation not needed")
		return
	}
	bg := dbctx.Context{Ctx: context.Background()}
	if committed, err := s.executions.UpdateFieldsUnlessStatus(bg, run.exec.ID, terminalExecutionStatuses, map[string]interface{}{"status": ExecStatusRollingBack}); err != nil {
		s.log.Warn("rollback: status update failed before compensation", "execution_id", run.exec.ID, "error", err)
	} else if committed {
		run.exec.Status = ExecStatusRollingBack
	}
	run.compensated = true
	run.compensationOK = s.restoreFromBackup(run)
	if s.cache != nil {
		if err := s.cache.Invalidate(context.Background(), run.scope.IncludedPolicies); err != nil {
			s.log.Warn("rollback: cache invalidate after compensation failed", "error", err)
		}
	}
}

// restoreFromBackup walks the backup change set and brings every drifted
// policy back to its snapshot. Same content but wrong status flips the status
// in place; drifted content gets a new version row carrying the snapshot.
func (s *rollbackService) restoreFromBackup(run *rollbackRun) bool {
	dbc := dbctx.Context{Ctx: context.Background()}
	if run.exec.BackupChangeSetID == nil {
		run.logf("error", "executor", "no backup change set recorded; manual recovery required")
		return false
	}
	cs, err := s.changeSets.GetByID(dbc, *run.exec.BackupChangeSetID)
	if err != nil || cs == nil {
		run.logf("error", "executor", "backup change set %s unavailable: %v", run.exec.BackupChangeSetID, err)
		return false
	}
	entries, err := cs.DecodeEntries()
	if err != nil {
		run.logf("error", "executor", "backup change set %s unreadable: %v", cs.ID, err)
		return false
	}

	ok := true
	restored := 0
	for _, e := range entries {
		if e.Snapshot == nil {
			continue
		}
		latest, err := s.versions.GetLatest(dbc, e.PolicyID)
		if err != nil {
			run.logf("error", "executor", "compensate %s: %v", e.PolicyID, err)
			ok = false
			continue
		}
		if latest == nil {
			run.logf("error", "executor", "compensate %s: no versions found", e.PolicyID)
			ok = false
			continue
		}
		if latest.ContentHash == e.Snapshot.ContentHash {
			if latest.Status != e.Snapshot.Status {
				if err := s.versions.UpdateFields(dbc, latest.ID, map[string]interface{}{"status": e.Snapshot.Status}); err != nil {
					run.logf("error", "executor", "compensate %s: status restore failed: %v", e.PolicyID, err)
					ok = false
					continue
				}
				restored++
			}
			continue
		}
		next, err := nextPatchVersion(latest.Version)
		if err != nil {
			run.logf("error", "executor", "compensate %s: %v", e.PolicyID, err)
			ok = false
			continue
		}
		row := &types.PolicyVersion{
			PolicyID:      e.PolicyID,
			Version:       next,
			ContentHash:   e.Snapshot.ContentHash,
			Content:       datatypes.JSON(e.Snapshot.Content),
			Metadata:      datatypes.JSON(e.Snapshot.Metadata),
			ParentVersion: e.Snapshot.Version,
			Status:        e.Snapshot.Status,
			CreatedBy:     run.exec.ExecutedBy,
		}
		if _, err := s.versions.Create(dbc, []*types.PolicyVersion{row}); err != nil {
			run.logf("error", "executor", "compensate %s: %v", e.PolicyID, err)
			ok = false
			continue
		}
		restored++
	}
	run.logf("info", "executor", "compensation restored %d policies from backup %s", restored, cs.ID)
	return ok
}
