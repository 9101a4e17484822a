package services

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
)

type execHarness struct {
	plansvc  RollbackPlanService
	execsvc  RollbackService
	plans    *fakePlanRepo
	execs    *fakeExecutionRepo
	versions *fakeVersionRepo
	changes  *fakeChangeSetRepo
	audit    *fakeAuditRepo
	locks    PolicyLockService
	cache    *captureCache
	notify   *captureComplianceNotifier
	jobs     *fakeJobQueue
}

func newExecHarness(t *testing.T) *execHarness {
	t.Helper()
	h := &execHarness{
		plans:    newFakePlanRepo(),
		execs:    newFakeExecutionRepo(),
		versions: newFakeVersionRepo(),
		changes:  newFakeChangeSetRepo(),
		audit:    newFakeAuditRepo(),
		locks:    NewPolicyLockService(),
		cache:    newCaptureCache(),
		notify:   &captureComplianceNotifier{},
		jobs:     &fakeJobQueue{},
	}
	log := newTestLogger(t)
	h.plansvc = NewRollbackPlanService(
		&gorm.DB{}, log, passTxRunner{},
		h.plans, h.versions, h.changes, h.audit, h.locks)
	h.execsvc = NewRollbackService(
		&gorm.DB{}, log, passTxRunner{},
		h.plans, h.execs, h.versions, h.changes, h.audit,
		h.locks, h.cache, h.notify, h.jobs)
	return h
}

// approvedPlan walks a version-target plan through validation and second
// operator approval.
func approvedPlan(t *testing.T, h *execHarness, policyIDs ...string) *types.RollbackPlan {
	t.Helper()
	plan, err := h.plansvc.CreatePlan(actorContext(uuid.New(), "admin"), CreateRollbackPlanRequest{
		Name:   "Revert to baseline",
		Target: types.RollbackTarget{Type: TargetTypeVersion, Value: "1.0.0", PolicyIDs: policyIDs},
	})
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if _, err := h.plansvc.ValidatePlan(context.Background(), plan.ID); err != nil {
		t.Fatalf("ValidatePlan: %v", err)
	}
	approved, err := h.plansvc.ApprovePlan(actorContext(uuid.New(), "admin"), plan.ID)
	if err != nil {
		t.Fatalf("ApprovePlan: %v", err)
	}
	return approved
}

func TestStartExecutionGuards(t *testing.T) {
	h := newExecHarness(t)
	h.versions.seed("policy.kyc", "1.0.0", `{"limit":1}`, PolicyStatusActive)

	draft, err := h.plansvc.CreatePlan(context.Background(), CreateRollbackPlanRequest{
		Name:   "Draft",
		Target: types.RollbackTarget{Type: TargetTypeVersion, Value: "1.0.0", PolicyIDs: []string{"policy.kyc"}},
	})
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if _, err := h.execsvc.StartExecution(context.Background(), draft.ID, ""); err == nil ||
		!strings.Contains(err.Error(), "not approved for execution (status draft)") {
		t.Fatalf("start on draft: got %v", err)
	}

	plan := approvedPlan(t, h, "policy.kyc")
	exec, err := h.execsvc.StartExecution(context.Background(), plan.ID, "ops")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if exec.Status != ExecStatusPreparing || exec.ExecutedBy != "ops" {
		t.Fatalf("execution: %+v", exec)
	}
	if len(h.jobs.executions) != 1 || h.jobs.executions[0] != exec.ID {
		t.Fatalf("job queue: want [%s] got %v", exec.ID, h.jobs.executions)
	}
	stored, _ := h.plans.GetByID(readCtx(), plan.ID)
	if stored.Status != PlanStatusScheduled {
		t.Fatalf("plan after start: want scheduled got %s", stored.Status)
	}
	if !h.audit.hasAction("rollback.execution.started") {
		t.Fatalf("audit: want rollback.execution.started, got %v", h.audit.actions())
	}

	// One live execution per plan.
	if _, err := h.execsvc.StartExecution(context.Background(), plan.ID, "ops"); err == nil ||
		!strings.Contains(err.Error(), "already has an active execution") {
		t.Fatalf("duplicate start: got %v", err)
	}
}

func TestStartExecutionUnspoolsOnEnqueueFailure(t *testing.T) {
	h := newExecHarness(t)
	h.versions.seed("policy.kyc", "1.0.0", `{"limit":1}`, PolicyStatusActive)
	plan := approvedPlan(t, h, "policy.kyc")

	h.jobs.enqueueErr = errors.New("queue unavailable")
	_, err := h.execsvc.StartExecution(context.Background(), plan.ID, "ops")
	if err == nil || !strings.Contains(err.Error(), "enqueue rollback execution") {
		t.Fatalf("StartExecution: got %v", err)
	}

	execs, _ := h.execs.ListByPlan(readCtx(), plan.ID, 0)
	if len(execs) != 1 {
		t.Fatalf("executions: want 1 got %d", len(execs))
	}
	if execs[0].Status != ExecStatusFailed || !strings.Contains(execs[0].Error, "enqueue failed") {
		t.Fatalf("execution row: %+v", execs[0])
	}
	stored, _ := h.plans.GetByID(readCtx(), plan.ID)
	if stored.Status != PlanStatusApproved {
		t.Fatalf("plan after failed enqueue: want approved got %s", stored.Status)
	}
}

func TestExecuteRestoresTargetVersions(t *testing.T) {
	h := newExecHarness(t)
	h.versions.seed("policy.kyc", "1.0.0", `{"limit":100}`, PolicyStatusActive)
	h.versions.seed("policy.kyc", "1.0.1", `{"limit":900}`, PolicyStatusActive)
	plan := approvedPlan(t, h, "policy.kyc")

	operator := uuid.New()
	exec, err := h.execsvc.StartExecution(actorContext(operator, "admin"), plan.ID, "")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if err := h.execsvc.Execute(context.Background(), exec.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	row, _ := h.execs.GetByID(readCtx(), exec.ID)
	if row.Status != ExecStatusCompleted || row.CompletedAt == nil {
		t.Fatalf("execution: want completed got %s error=%q", row.Status, row.Error)
	}
	if row.BackupChangeSetID == nil {
		t.Fatalf("execution has no backup change set")
	}

	latest, _ := h.versions.GetLatest(readCtx(), "policy.kyc")
	if latest.Version != "1.0.2" || latest.Status != PolicyStatusRollbackTarget {
		t.Fatalf("restored version: want 1.0.2/rollback_target got %s/%s", latest.Version, latest.Status)
	}
	target, _ := h.versions.GetByPolicyVersion(readCtx(), "policy.kyc", "1.0.0")
	if latest.ContentHash != target.ContentHash {
		t.Fatalf("restored content hash: want %s got %s", target.ContentHash, latest.ContentHash)
	}
	if latest.CreatedBy != operator.String() {
		t.Fatalf("restored row creator: want %s got %s", operator, latest.CreatedBy)
	}

	backups := h.changes.byKind(ChangeSetKindBackup)
	if len(backups) != 1 {
		t.Fatalf("backup change sets: want 1 got %d", len(backups))
	}
	entries, _ := backups[0].DecodeEntries()
	if len(entries) != 1 || entries[0].BeforeVersion != "1.0.1" || entries[0].Snapshot == nil {
		t.Fatalf("backup entries: %+v", entries)
	}

	phases, _ := row.DecodePhases()
	if len(phases) != 4 {
		t.Fatalf("phase executions: want 4 got %d", len(phases))
	}
	for _, p := range phases {
		if p.Status != stepStatusCompleted {
			t.Fatalf("phase %s: want completed got %s (%s)", p.PhaseID, p.Status, p.Error)
		}
	}
	metrics, _ := row.DecodeMetrics()
	if metrics.PhasesCompleted != 4 || metrics.ValidationsFailed != 0 {
		t.Fatalf("metrics: %+v", metrics)
	}
	result, err := row.DecodeResult()
	if err != nil || result == nil {
		t.Fatalf("DecodeResult: %v %v", result, err)
	}
	if !result.Success || !result.DataIntegrity || len(result.CompletedPhases) != 4 {
		t.Fatalf("result: %+v", result)
	}

	stored, _ := h.plans.GetByID(readCtx(), plan.ID)
	if stored.Status != PlanStatusCompleted {
		t.Fatalf("plan: want completed got %s", stored.Status)
	}
	if len(h.notify.completedExecs) != 1 || h.notify.completedExecs[0] != exec.ID {
		t.Fatalf("notify completed: %v", h.notify.completedExecs)
	}
	if h.notify.progressCalls == 0 {
		t.Fatalf("no progress notifications during run")
	}
	if len(h.cache.invalidated) == 0 {
		t.Fatalf("cache never invalidated")
	}
	if !h.audit.hasAction("rollback.execution.completed") {
		t.Fatalf("audit: want rollback.execution.completed, got %v", h.audit.actions())
	}
	if _, held := h.locks.Holder("policy.kyc"); held {
		t.Fatalf("policy lease still held after run")
	}

	// The driver is one-shot per execution row.
	if err := h.execsvc.Execute(context.Background(), exec.ID); err == nil ||
		!strings.Contains(err.Error(), "already started (status completed)") {
		t.Fatalf("re-run: got %v", err)
	}
}

func TestExecuteSkipsRestoreWhenContentMatches(t *testing.T) {
	h := newExecHarness(t)
	h.versions.seed("policy.kyc", "1.0.0", `{"limit":100}`, PolicyStatusActive)
	plan := approvedPlan(t, h, "policy.kyc")

	exec, err := h.execsvc.StartExecution(context.Background(), plan.ID, "ops")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if err := h.execsvc.Execute(context.Background(), exec.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	row, _ := h.execs.GetByID(readCtx(), exec.ID)
	if row.Status != ExecStatusCompleted {
		t.Fatalf("execution: want completed got %s error=%q", row.Status, row.Error)
	}
	if n := h.versions.count("policy.kyc"); n != 1 {
		t.Fatalf("already-at-target restore wrote rows: want 1 got %d", n)
	}
	result, _ := row.DecodeResult()
	if restored := result.PerformanceAfter["versions_restored"]; restored != 0 {
		t.Fatalf("versions_restored: want 0 got %v", restored)
	}
}

func TestExecuteFailsPreCheckOnHeldLease(t *testing.T) {
	h := newExecHarness(t)
	h.versions.seed("policy.kyc", "1.0.0", `{"limit":1}`, PolicyStatusActive)
	h.versions.seed("policy.kyc", "1.0.1", `{"limit":2}`, PolicyStatusActive)
	plan := approvedPlan(t, h, "policy.kyc")

	exec, err := h.execsvc.StartExecution(context.Background(), plan.ID, "ops")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if err := h.locks.AcquireAll("live-transaction", []string{"policy.kyc"}); err != nil {
		t.Fatalf("pre-acquire: %v", err)
	}

	if err := h.execsvc.Execute(context.Background(), exec.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	row, _ := h.execs.GetByID(readCtx(), exec.ID)
	if row.Status != ExecStatusFailed {
		t.Fatalf("execution: want failed got %s", row.Status)
	}
	if want := "pre-rollback validation failed: " + CheckPoliciesUnlocked; row.Error != want {
		t.Fatalf("error: want %q got %q", want, row.Error)
	}
	if n := h.versions.count("policy.kyc"); n != 2 {
		t.Fatalf("failed pre-check wrote rows: want 2 got %d", n)
	}
	stored, _ := h.plans.GetByID(readCtx(), plan.ID)
	if stored.Status != PlanStatusFailed {
		t.Fatalf("plan: want failed got %s", stored.Status)
	}
	if len(h.notify.failedExecs) != 1 {
		t.Fatalf("notify failed: %v", h.notify.failedExecs)
	}
	if !h.audit.hasAction("rollback.execution.failed") {
		t.Fatalf("audit: want rollback.execution.failed, got %v", h.audit.actions())
	}
}

func TestExecuteBlocksOnUnmetPhaseDependency(t *testing.T) {
	h := newExecHarness(t)
	h.versions.seed("policy.kyc", "1.0.0", `{"limit":1}`, PolicyStatusActive)
	h.versions.seed("policy.kyc", "1.0.1", `{"limit":2}`, PolicyStatusActive)
	plan := approvedPlan(t, h, "policy.kyc")

	// Reorder the stored phases so a phase runs before its dependency.
	h.plans.mutate(plan.ID, func(p *types.RollbackPlan) {
		phases, _ := p.DecodePhases()
		for i := range phases {
			if phases[i].ID == "clear-caches" {
				phases[i].Order = 0
			}
		}
		_ = p.SetPhases(phases)
	})

	exec, err := h.execsvc.StartExecution(context.Background(), plan.ID, "ops")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if err := h.execsvc.Execute(context.Background(), exec.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	row, _ := h.execs.GetByID(readCtx(), exec.ID)
	if row.Status != ExecStatusFailed {
		t.Fatalf("execution: want failed got %s", row.Status)
	}
	if want := "phase clear-caches blocked: dependency restore-policies has not completed"; row.Error != want {
		t.Fatalf("error: want %q got %q", want, row.Error)
	}
	phases, _ := row.DecodePhases()
	if len(phases) != 1 || phases[0].Status != stepStatusFailed {
		t.Fatalf("phase executions: %+v", phases)
	}
	if n := h.versions.count("policy.kyc"); n != 2 {
		t.Fatalf("blocked run wrote rows: want 2 got %d", n)
	}
}

func TestExecuteCompensatesAfterRestoreFailure(t *testing.T) {
	h := newExecHarness(t)
	h.versions.seed("policy.aml", "1.0.0", `{"limit":1}`, PolicyStatusActive)
	h.versions.seed("policy.aml", "1.0.1", `{"limit":2}`, PolicyStatusActive)
	h.versions.seed("policy.kyc", "1.0.0", `{"limit":3}`, PolicyStatusActive)
	h.versions.seed("policy.kyc", "1.0.1", `{"limit":4}`, PolicyStatusActive)
	plan := approvedPlan(t, h, "policy.aml", "policy.kyc")

	// Trim retry budgets so the failing operation exhausts immediately.
	h.plans.mutate(plan.ID, func(p *types.RollbackPlan) {
		phases, _ := p.DecodePhases()
		for i := range phases {
			for j := range phases[i].Operations {
				phases[i].Operations[j].RetryCount = 0
			}
		}
		_ = p.SetPhases(phases)
	})
	// policy.aml restores first; the write for policy.kyc then fails.
	h.versions.failCreate = map[string]error{"policy.kyc": errors.New("storage refused")}

	exec, err := h.execsvc.StartExecution(context.Background(), plan.ID, "ops")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if err := h.execsvc.Execute(context.Background(), exec.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	row, _ := h.execs.GetByID(readCtx(), exec.ID)
	if row.Status != ExecStatusFailed {
		t.Fatalf("execution: want failed got %s error=%q", row.Status, row.Error)
	}
	if !strings.Contains(row.Error, "critical operation restore-policy.kyc failed: storage refused") {
		t.Fatalf("error: %q", row.Error)
	}

	// policy.aml was restored to 1.0.0 content as 1.0.2, then compensation
	// brought back the 1.0.1 snapshot as 1.0.3.
	latest, _ := h.versions.GetLatest(readCtx(), "policy.aml")
	if latest.Version != "1.0.3" {
		t.Fatalf("policy.aml after compensation: want 1.0.3 got %s", latest.Version)
	}
	before, _ := h.versions.GetByPolicyVersion(readCtx(), "policy.aml", "1.0.1")
	if latest.ContentHash != before.ContentHash || latest.Status != before.Status {
		t.Fatalf("compensation content: want %s/%s got %s/%s",
			before.ContentHash, before.Status, latest.ContentHash, latest.Status)
	}

	result, _ := row.DecodeResult()
	if result == nil || result.Success {
		t.Fatalf("result: %+v", result)
	}
	if !result.DataIntegrity {
		t.Fatalf("compensated run must report data integrity, got %+v", result)
	}
	found := false
	for _, a := range result.RecommendedActions {
		if strings.Contains(a, "backup restored") {
			found = true
		}
	}
	if !found {
		t.Fatalf("recommended actions: %v", result.RecommendedActions)
	}

	stored, _ := h.plans.GetByID(readCtx(), plan.ID)
	if stored.Status != PlanStatusFailed {
		t.Fatalf("plan after clean compensation: want failed got %s", stored.Status)
	}
	if !h.audit.hasAction("rollback.execution.failed") {
		t.Fatalf("audit: want rollback.execution.failed, got %v", h.audit.actions())
	}
}

func TestExecuteObservesConcurrentCancel(t *testing.T) {
	h := newExecHarness(t)
	h.versions.seed("policy.kyc", "1.0.0", `{"limit":1}`, PolicyStatusActive)
	h.versions.seed("policy.kyc", "1.0.1", `{"limit":2}`, PolicyStatusActive)
	plan := approvedPlan(t, h, "policy.kyc")

	exec, err := h.execsvc.StartExecution(context.Background(), plan.ID, "ops")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}

	// Flip the row to cancelled under the driver right before it moves to
	// executing; the guarded write must lose and the driver must stop.
	guardedWrites := 0
	h.execs.beforeGuardedUpdate = func(f *fakeExecutionRepo, id uuid.UUID) {
		guardedWrites++
		if guardedWrites == 2 {
			f.setStatus(id, ExecStatusCancelled)
		}
	}

	if err := h.execsvc.Execute(context.Background(), exec.ID); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	row, _ := h.execs.GetByID(readCtx(), exec.ID)
	if row.Status != ExecStatusCancelled {
		t.Fatalf("execution: want cancelled got %s", row.Status)
	}
	if n := h.versions.count("policy.kyc"); n != 2 {
		t.Fatalf("cancelled run wrote rows: want 2 got %d", n)
	}
	stored, _ := h.plans.GetByID(readCtx(), plan.ID)
	if stored.Status != PlanStatusApproved {
		t.Fatalf("plan after cancel before writes: want approved got %s", stored.Status)
	}
	if h.notify.lastFailure != "execution cancelled" {
		t.Fatalf("notify failure message: %q", h.notify.lastFailure)
	}
	logs, _ := row.DecodeLogs()
	seen := false
	for _, l := range logs {
		if strings.Contains(l.Message, "cancellation observed") {
			seen = true
		}
	}
	if !seen {
		t.Fatalf("cancellation not logged: %+v", logs)
	}
}

func TestCancelExecutionGuards(t *testing.T) {
	h := newExecHarness(t)
	h.versions.seed("policy.kyc", "1.0.0", `{"limit":1}`, PolicyStatusActive)
	plan := approvedPlan(t, h, "policy.kyc")

	if err := h.execsvc.CancelExecution(context.Background(), uuid.New(), "typo"); err == nil ||
		!strings.Contains(err.Error(), "not found") {
		t.Fatalf("cancel unknown: got %v", err)
	}

	exec, err := h.execsvc.StartExecution(context.Background(), plan.ID, "ops")
	if err != nil {
		t.Fatalf("StartExecution: %v", err)
	}
	if err := h.execsvc.CancelExecution(context.Background(), exec.ID, "wrong plan"); err != nil {
		t.Fatalf("CancelExecution: %v", err)
	}
	row, _ := h.execs.GetByID(readCtx(), exec.ID)
	if row.Status != ExecStatusCancelled || row.Error != "wrong plan" {
		t.Fatalf("cancelled row: %+v", row)
	}
	if !h.audit.hasAction("rollback.execution.cancelled") {
		t.Fatalf("audit: want rollback.execution.cancelled, got %v", h.audit.actions())
	}

	h.execs.setStatus(exec.ID, ExecStatusCompleted)
	if err := h.execsvc.CancelExecution(context.Background(), exec.ID, "too late"); err == nil ||
		!strings.Contains(err.Error(), "already finished (status completed)") {
		t.Fatalf("cancel finished: got %v", err)
	}
}
