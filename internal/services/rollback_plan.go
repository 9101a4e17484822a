package services

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/observability"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/envutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

const (
	PlanStatusDraft      = "draft"
	PlanStatusPlanned    = "planned"
	PlanStatusApproved   = "approved"
	PlanStatusScheduled  = "scheduled"
	PlanStatusInProgress = "in_progress"
	PlanStatusCompleted  = "completed"
	PlanStatusFailed     = "failed"
	PlanStatusCancelled  = "cancelled"
	PlanStatusPartial    = "partial"
)

const (
	OpTypeBackupCurrent  = "backup_current"
	OpTypeRestorePolicy  = "restore_policy"
	OpTypeRestoreData    = "restore_data"
	OpTypeClearCache     = "clear_cache"
	OpTypeRestartService = "restart_service"
	OpTypeExecuteScript  = "execute_script"
	OpTypeValidateState  = "validate_state"
	OpTypeNotifySystems  = "notify_systems"
	OpTypeUpdateConfig   = "update_config"
)

const (
	TargetTypeVersion   = "version"
	TargetTypeTimestamp = "timestamp"
	TargetTypeChangeSet = "changeset"
	TargetTypeTag       = "tag"
)

const (
	CheckTargetResolvable = "target-resolvable"
	CheckPoliciesUnlocked = "critical-policies-unlocked"
	CheckContentHashMatch = "critical-content-hash-match"
	CheckCacheConsistency = "cache-consistency"
	CheckPhaseStructure   = "critical-phase-structure"
	CheckTimeWindow       = "critical-time-window"
)

const (
	phaseBackupCurrent   = "backup-current"
	phaseRestorePolicies = "restore-policies"
	phaseClearCaches     = "clear-caches"
	phaseValidateFinal   = "validate-final-state"
)

const rollbackPhaseSpecEnv = "ROLLBACK_PHASE_SPEC_YAML"

//go:embed rollback_phases.yaml
var rollbackPhasesFS embed.FS

// fallback template used when YAML is missing or invalid
var fallbackRollbackPhases = []types.RollbackPhase{
	{
		ID:    phaseBackupCurrent,
		Name:  "Backup current state",
		Order: 1,
		Operations: []types.RollbackOperation{
			{ID: "backup-current-state", Type: OpTypeBackupCurrent, Critical: true, RetryCount: 1, TimeoutSeconds: 300},
		},
		TimeoutMinutes: 10,
	},
	{
		ID:                phaseRestorePolicies,
		Name:              "Restore policy versions",
		Order:             2,
		Dependencies:      []string{phaseBackupCurrent},
		RollbackOnFailure: true,
		TimeoutMinutes:    30,
	},
	{
		ID:           phaseClearCaches,
		Name:         "Clear policy caches",
		Order:        3,
		Dependencies: []string{phaseRestorePolicies},
		Operations: []types.RollbackOperation{
			{ID: "clear-policy-cache", Type: OpTypeClearCache, RetryCount: 2, TimeoutSeconds: 60},
		},
		TimeoutMinutes: 5,
	},
	{
		ID:           phaseValidateFinal,
		Name:         "Validate restored state",
		Order:        4,
		Dependencies: []string{phaseClearCaches},
		Operations: []types.RollbackOperation{
			{ID: "validate-restored-state", Type: OpTypeValidateState, Critical: true, RetryCount: 1, TimeoutSeconds: 300},
		},
		TimeoutMinutes: 15,
	},
}

type yamlPhaseTemplate struct {
	Version int             `yaml:"version"`
	Phases  []yamlPhaseSpec `yaml:"phases"`
}

type yamlPhaseSpec struct {
	ID                string       `yaml:"id"`
	Name              string       `yaml:"name"`
	Order             int          `yaml:"order"`
	Dependencies      []string     `yaml:"dependencies"`
	TimeoutMinutes    int          `yaml:"timeout_minutes"`
	RollbackOnFailure bool         `yaml:"rollback_on_failure"`
	Operations        []yamlOpSpec `yaml:"operations"`
}

type yamlOpSpec struct {
	ID             string `yaml:"id"`
	Type           string `yaml:"type"`
	Target         string `yaml:"target"`
	Critical       bool   `yaml:"critical"`
	RetryCount     int    `yaml:"retry_count"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

var rollbackPhasesOnce sync.Once
var rollbackPhasesCache []types.RollbackPhase
var rollbackPhasesErr error

func currentPhaseTemplate(log *logger.Logger) []types.RollbackPhase {
	rollbackPhasesOnce.Do(func() {
		rollbackPhasesCache, rollbackPhasesErr = loadPhaseTemplate()
	})
	if rollbackPhasesErr != nil {
		if log != nil {
			log.Warn("rollback: phase template load failed; using fallback", "error", rollbackPhasesErr)
		}
		return clonePhases(fallbackRollbackPhases)
	}
	return clonePhases(rollbackPhasesCache)
}

func loadPhaseTemplate() ([]types.RollbackPhase, error) {
	data, err := readPhaseSpec()
	if err != nil {
		return nil, err
	}

	var spec yamlPhaseTemplate
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, err
	}

	phases := make([]types.RollbackPhase, 0, len(spec.Phases))
	for _, p := range spec.Phases {
		phase := types.RollbackPhase{
			ID:                strings.TrimSpace(p.ID),
			Name:              p.Name,
			Order:             p.Order,
			Dependencies:      p.Dependencies,
			RollbackOnFailure: p.RollbackOnFailure,
			TimeoutMinutes:    p.TimeoutMinutes,
		}
		for _, op := range p.Operations {
			phase.Operations = append(phase.Operations, types.RollbackOperation{
				ID:             strings.TrimSpace(op.ID),
				Type:           strings.TrimSpace(op.Type),
				Target:         op.Target,
				Critical:       op.Critical,
				RetryCount:     op.RetryCount,
				TimeoutSeconds: op.TimeoutSeconds,
			})
		}
		phases = append(phases, phase)
	}
	if err := validatePhases(phases); err != nil {
		return nil, err
	}
	return phases, nil
}

func readPhaseSpec() ([]byte, error) {
	if path := strings.TrimSpace(os.Getenv(rollbackPhaseSpecEnv)); path != "" {
		return os.ReadFile(path)
	}
	return rollbackPhasesFS.ReadFile("rollback_phases.yaml")
}

func clonePhases(in []types.RollbackPhase) []types.RollbackPhase {
	out := make([]types.RollbackPhase, len(in))
	for i, p := range in {
		out[i] = p
		out[i].Operations = append([]types.RollbackOperation(nil), p.Operations...)
		out[i].Dependencies = append([]string(nil), p.Dependencies...)
	}
	return out
}

// validatePhases rejects a phase list the executor could not run to
// completion: duplicate or missing IDs, duplicate orders, unknown operation
// types, or dependencies that do not run strictly earlier.
func validatePhases(phases []types.RollbackPhase) error {
	if len(phases) == 0 {
		return errors.New("no phases defined")
	}
	ids := map[string]bool{}
	orders := map[int]string{}
	for _, p := range phases {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return errors.New("phase id is required")
		}
		if ids[id] {
			return fmt.Errorf("duplicate phase id: %s", id)
		}
		ids[id] = true
		if other, ok := orders[p.Order]; ok {
			return fmt.Errorf("phase %s: duplicate order %d (also %s)", id, p.Order, other)
		}
		orders[p.Order] = id
		if p.TimeoutMinutes < 0 {
			return fmt.Errorf("phase %s: negative timeout", id)
		}
		opIDs := map[string]bool{}
		for _, op := range p.Operations {
			if strings.TrimSpace(op.ID) == "" {
				return fmt.Errorf("phase %s: operation id is required", id)
			}
			if opIDs[op.ID] {
				return fmt.Errorf("phase %s: duplicate operation id %s", id, op.ID)
			}
			opIDs[op.ID] = true
			if !knownOpType(op.Type) {
				return fmt.Errorf("phase %s: operation %s: unknown type %q", id, op.ID, op.Type)
			}
			if op.RetryCount < 0 || op.TimeoutSeconds < 0 {
				return fmt.Errorf("phase %s: operation %s: negative retry or timeout", id, op.ID)
			}
		}
	}
	orderOf := map[string]int{}
	for _, p := range phases {
		orderOf[p.ID] = p.Order
	}
	for _, p := range phases {
		for _, dep := range p.Dependencies {
			if !ids[dep] {
				return fmt.Errorf("phase %s: unknown dependency %s", p.ID, dep)
			}
			if orderOf[dep] >= p.Order {
				return fmt.Errorf("phase %s: dependency %s does not run earlier", p.ID, dep)
			}
		}
	}
	return nil
}

func knownOpType(t string) bool {
	switch t {
	case OpTypeBackupCurrent, OpTypeRestorePolicy, OpTypeRestoreData, OpTypeClearCache,
		OpTypeRestartService, OpTypeExecuteScript, OpTypeValidateState, OpTypeNotifySystems, OpTypeUpdateConfig:
		return true
	}
	return false
}

// criticalCheck reports whether a validation check gates approval and
// execution.
func criticalCheck(id string) bool { return strings.Contains(id, "critical") }

// restoreDirective is what the builder resolved for one policy: either the
// version to bring back or, for policies that did not exist at the target,
// an archive.
type restoreDirective struct {
	Version string
	Archive bool
}

type CreateRollbackPlanRequest struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Target      types.RollbackTarget   `json:"target"`
	Scope       *types.RollbackScope   `json:"scope,omitempty"`
	Contingency *types.ContingencyPlan `json:"contingency,omitempty"`
	Actor       string                 `json:"actor,omitempty"`
}

// RollbackPlanService builds, validates and approves rollback plans. A plan
// moves draft -> planned (validation passed) -> approved (second operator
// signed off) before the executor will touch it.
type RollbackPlanService interface {
	CreatePlan(ctx context.Context, req CreateRollbackPlanRequest) (*types.RollbackPlan, error)
	GetPlan(ctx context.Context, id uuid.UUID) (*types.RollbackPlan, error)
	ListPlans(ctx context.Context, status string, limit int) ([]*types.RollbackPlan, error)
	ValidatePlan(ctx context.Context, id uuid.UUID) ([]types.ValidationResult, error)
	ApprovePlan(ctx context.Context, id uuid.UUID) (*types.RollbackPlan, error)
	CancelPlan(ctx context.Context, id uuid.UUID, reason string) (*types.RollbackPlan, error)
}

type rollbackPlanService struct {
	db         *gorm.DB
	log        *logger.Logger
	txr        TxRunner
	plans      repos.RollbackPlanRepo
	versions   repos.PolicyVersionRepo
	changeSets repos.PolicyChangeSetRepo
	auditLog   repos.AuditEntryRepo
	locks      PolicyLockService
}

func NewRollbackPlanService(
	db *gorm.DB,
	baseLog *logger.Logger,
	txr TxRunner,
	plans repos.RollbackPlanRepo,
	versions repos.PolicyVersionRepo,
	changeSets repos.PolicyChangeSetRepo,
	auditLog repos.AuditEntryRepo,
	locks PolicyLockService,
) RollbackPlanService {
	return &rollbackPlanService{
		db:         db,
		log:        baseLog.With("service", "RollbackPlanService"),
		txr:        txr,
		plans:      plans,
		versions:   versions,
		changeSets: changeSets,
		auditLog:   auditLog,
		locks:      locks,
	}
}

func (s *rollbackPlanService) CreatePlan(ctx context.Context, req CreateRollbackPlanRequest) (*types.RollbackPlan, error) {
	if s == nil || s.db == nil || s.txr == nil {
		return nil, fmt.Errorf("rollback plan service not initialized")
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, fmt.Errorf("missing plan name")
	}
	target := req.Target
	target.Type = strings.ToLower(strings.TrimSpace(target.Type))
	target.Value = strings.TrimSpace(target.Value)

	dbc := dbctx.Context{Ctx: ctx}
	resolved, err := resolveRollbackTarget(dbc, s.versions, s.changeSets, target, req.Scope)
	if err != nil {
		return nil, err
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("target resolves to no policies")
	}
	policyIDs := make([]string, 0, len(resolved))
	for id := range resolved {
		policyIDs = append(policyIDs, id)
	}
	sort.Strings(policyIDs)

	phases := currentPhaseTemplate(s.log)
	found := false
	for i := range phases {
		if phases[i].ID == phaseRestorePolicies {
			phases[i].Operations = buildRestoreOps(policyIDs, resolved)
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("phase template has no %s phase", phaseRestorePolicies)
	}
	if err := validatePhases(phases); err != nil {
		return nil, err
	}

	scope := types.RollbackScope{}
	if req.Scope != nil {
		scope = *req.Scope
	}
	scope.IncludedPolicies = policyIDs

	contingency := defaultContingency()
	if req.Contingency != nil {
		contingency = *req.Contingency
	}

	actor := actorFrom(ctx, req.Actor)
	plan := &types.RollbackPlan{
		Name:        name,
		Description: req.Description,
		Status:      PlanStatusDraft,
		CreatedBy:   actor,
	}
	if err := plan.SetTarget(target); err != nil {
		return nil, err
	}
	if err := plan.SetScope(scope); err != nil {
		return nil, err
	}
	if err := plan.SetPhases(phases); err != nil {
		return nil, err
	}
	if err := plan.SetValidation(defaultValidation()); err != nil {
		return nil, err
	}
	if err := plan.SetContingency(contingency); err != nil {
		return nil, err
	}

	err = s.txr.InTx(ctx, func(dbc dbctx.Context) error {
		if _, err := s.plans.Create(dbc, plan); err != nil {
			return err
		}
		entry := &types.AuditEntry{
			ActorID:  actor,
			Action:   "rollback.plan.created",
			Target:   plan.ID.String(),
			Category: AuditCategoryRollback,
			Result:   AuditResultSuccess,
		}
		if err := entry.SetDetails(map[string]any{
			"name":        name,
			"target_type": target.Type,
			"target":      target.Value,
			"policies":    len(policyIDs),
		}); err != nil {
			return err
		}
		_, err := s.auditLog.Append(dbc, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("rollback plan created",
		"plan_id", plan.ID,
		"target_type", target.Type,
		"policies", len(policyIDs))
	return plan, nil
}

func (s *rollbackPlanService) GetPlan(ctx context.Context, id uuid.UUID) (*types.RollbackPlan, error) {
	if s == nil || s.plans == nil {
		return nil, fmt.Errorf("rollback plan service not initialized")
	}
	return s.plans.GetByID(dbctx.Context{Ctx: ctx}, id)
}

func (s *rollbackPlanService) ListPlans(ctx context.Context, status string, limit int) ([]*types.RollbackPlan, error) {
	if s == nil || s.plans == nil {
		return nil, fmt.Errorf("rollback plan service not initialized")
	}
	return s.plans.List(dbctx.Context{Ctx: ctx}, strings.TrimSpace(status), limit)
}

func (s *rollbackPlanService) ValidatePlan(ctx context.Context, id uuid.UUID) ([]types.ValidationResult, error) {
	if s == nil || s.plans == nil {
		return nil, fmt.Errorf("rollback plan service not initialized")
	}
	dbc := dbctx.Context{Ctx: ctx}
	plan, err := s.plans.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("rollback plan %s not found", id)
	}
	switch plan.Status {
	case PlanStatusDraft, PlanStatusPlanned:
	default:
		return nil, fmt.Errorf("plan %s cannot be validated in status %s", id, plan.Status)
	}

	target, err := plan.DecodeTarget()
	if err != nil {
		return nil, err
	}
	scope, err := plan.DecodeScope()
	if err != nil {
		return nil, err
	}
	results := structuralChecks(plan, target, &scope)
	results = append(results, runPreRollbackChecks(dbc, s.versions, s.changeSets, s.locks, plan, target, &scope)...)

	metrics := observability.Current()
	allPassed := true
	for _, r := range results {
		if metrics != nil {
			metrics.IncPlanValidation(r.CheckID, r.Passed)
		}
		if !r.Passed {
			allPassed = false
		}
	}
	if err := plan.SetValidationResults(results); err != nil {
		return nil, err
	}
	updates := map[string]interface{}{"validation_results": plan.ValidationResults}
	if allPassed && plan.Status == PlanStatusDraft {
		updates["status"] = PlanStatusPlanned
	}

	actor := actorFrom(ctx, "")
	err = s.txr.InTx(ctx, func(dbc dbctx.Context) error {
		if err := s.plans.UpdateFields(dbc, plan.ID, updates); err != nil {
			return err
		}
		entry := &types.AuditEntry{
			ActorID:  actor,
			Action:   "rollback.plan.validated",
			Target:   plan.ID.String(),
			Category: AuditCategoryRollback,
			Result:   AuditResultSuccess,
		}
		if !allPassed {
			entry.Result = AuditResultFailure
		}
		if err := entry.SetDetails(map[string]any{
			"checks": len(results),
			"passed": allPassed,
		}); err != nil {
			return err
		}
		_, err := s.auditLog.Append(dbc, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// structuralChecks covers the plan document itself: the phase list must be
// one the executor can run, and a declared time window must be coherent.
// They run on every validation regardless of the stored suite.
func structuralChecks(plan *types.RollbackPlan, target types.RollbackTarget, scope *types.RollbackScope) []types.ValidationResult {
	now := time.Now().UTC()

	phaseRes := types.ValidationResult{CheckID: CheckPhaseStructure, Timestamp: now}
	phases, err := plan.DecodePhases()
	switch {
	case err != nil:
		phaseRes.Message = fmt.Sprintf("phases unreadable: %v", err)
	default:
		if verr := validatePhases(phases); verr != nil {
			phaseRes.Message = verr.Error()
		} else {
			opCount := 0
			for _, p := range phases {
				opCount += len(p.Operations)
			}
			phaseRes.Passed = true
			phaseRes.Message = fmt.Sprintf("%d phases, %d operations", len(phases), opCount)
		}
	}

	windowRes := types.ValidationResult{CheckID: CheckTimeWindow, Timestamp: now, Passed: true}
	if scope != nil && scope.TimeWindow != nil {
		w := scope.TimeWindow
		if w.Start != nil && w.End != nil && !w.Start.Before(*w.End) {
			windowRes.Passed = false
			windowRes.Message = "window start is not before end"
		} else if target.Type == TargetTypeTimestamp {
			if ts, perr := time.Parse(time.RFC3339, target.Value); perr == nil {
				if (w.Start != nil && ts.Before(*w.Start)) || (w.End != nil && ts.After(*w.End)) {
					windowRes.Passed = false
					windowRes.Message = fmt.Sprintf("target %s is outside the approved window", target.Value)
				}
			}
		}
	}

	return []types.ValidationResult{phaseRes, windowRes}
}

// runPreRollbackChecks executes a plan's pre-rollback suite against the live
// store. Both validation and the executor's own gate run the same checks.
func runPreRollbackChecks(dbc dbctx.Context, versions repos.PolicyVersionRepo, changeSets repos.PolicyChangeSetRepo, locks PolicyLockService, plan *types.RollbackPlan, target types.RollbackTarget, scope *types.RollbackScope) []types.ValidationResult {
	validation, err := plan.DecodeValidation()
	if err != nil {
		return []types.ValidationResult{{
			CheckID:   CheckTargetResolvable,
			Message:   fmt.Sprintf("validation suite unreadable: %v", err),
			Timestamp: time.Now().UTC(),
		}}
	}
	now := time.Now().UTC()
	out := make([]types.ValidationResult, 0, len(validation.PreRollback))
	for _, check := range validation.PreRollback {
		res := types.ValidationResult{CheckID: check.ID, Timestamp: now}
		switch check.ID {
		case CheckTargetResolvable:
			resolved, err := resolveRollbackTarget(dbc, versions, changeSets, target, scope)
			if err != nil {
				res.Message = err.Error()
			} else {
				res.Passed = true
				res.Message = fmt.Sprintf("%d policies resolved", len(resolved))
			}
		case CheckPoliciesUnlocked:
			held := []string{}
			for _, pid := range scope.IncludedPolicies {
				if holder, ok := locks.Holder(pid); ok {
					held = append(held, pid+" ("+holder+")")
				}
			}
			if len(held) > 0 {
				res.Message = "locked: " + strings.Join(held, ", ")
			} else {
				res.Passed = true
			}
		default:
			res.Message = fmt.Sprintf("no runner registered for check %s", check.ID)
		}
		out = append(out, res)
	}
	return out
}

func (s *rollbackPlanService) ApprovePlan(ctx context.Context, id uuid.UUID) (*types.RollbackPlan, error) {
	if s == nil || s.plans == nil {
		return nil, fmt.Errorf("rollback plan service not initialized")
	}
	dbc := dbctx.Context{Ctx: ctx}
	plan, err := s.plans.GetByID(dbc, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("rollback plan %s not found", id)
	}
	if plan.Status != PlanStatusPlanned {
		return nil, fmt.Errorf("plan %s must pass validation before approval (status %s)", id, plan.Status)
	}
	actor := actorFrom(ctx, "")
	if actor == plan.CreatedBy {
		return nil, fmt.Errorf("plan %s cannot be approved by its creator", id)
	}
	results, err := plan.DecodeValidationResults()
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("plan %s has no validation results", id)
	}
	for _, r := range results {
		if criticalCheck(r.CheckID) && !r.Passed {
			return nil, fmt.Errorf("plan %s failed critical check %s", id, r.CheckID)
		}
	}

	now := time.Now().UTC()
	err = s.txr.InTx(ctx, func(dbc dbctx.Context) error {
		if err := s.plans.UpdateFields(dbc, plan.ID, map[string]interface{}{
			"status":      PlanStatusApproved,
			"approved_by": actor,
			"approved_at": now,
		}); err != nil {
			return err
		}
		entry := &types.AuditEntry{
			ActorID:  actor,
			Action:   "rollback.plan.approved",
			Target:   plan.ID.String(),
			Category: AuditCategoryRollback,
			Result:   AuditResultSuccess,
		}
		if err := entry.SetDetails(map[string]any{"created_by": plan.CreatedBy}); err != nil {
			return err
		}
		_, err := s.auditLog.Append(dbc, entry)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("rollback plan approved", "plan_id", plan.ID, "approved_by", actor)
	return s.plans.GetByID(dbc, id)
}

func (s *rollbackPlanService) CancelPlan(ctx context.Context, id uuid.UUID, reason string) (*types.RollbackPlan, error) {
	if s == nil || s.plans == nil {
		return nil, fmt.Errorf("rollback plan service not initialized")
	}
	actor := actorFrom(ctx, "")
	var committed bool
	err := s.txr.InTx(ctx, func(dbc dbctx.Context) error {
		var err error
		committed, err = s.plans.UpdateFieldsUnlessStatus(dbc, id,
			[]string{PlanStatusInProgress, PlanStatusCompleted, PlanStatusFailed, PlanStatusPartial, PlanStatusCancelled},
			map[string]interface{}{"status": PlanStatusCancelled})
		if err != nil || !committed {
			return err
		}
		entry := &types.AuditEntry{
			ActorID:  actor,
			Action:   "rollback.plan.cancelled",
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
		return nil, err
	}
	plan, err := s.plans.GetByID(dbctx.Context{Ctx: ctx}, id)
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, fmt.Errorf("rollback plan %s not found", id)
	}
	if !committed {
		return nil, fmt.Errorf("plan %s cannot be cancelled in status %s", id, plan.Status)
	}
	return plan, nil
}

// resolveRollbackTarget turns a target declaration into the exact version
// each policy in scope restores to. Policies the target cannot account for
// are an error, not a silent skip: the operator either excludes them or picks
// a different target.
func resolveRollbackTarget(dbc dbctx.Context, versions repos.PolicyVersionRepo, changeSets repos.PolicyChangeSetRepo, target types.RollbackTarget, scope *types.RollbackScope) (map[string]restoreDirective, error) {
	out := map[string]restoreDirective{}
	switch target.Type {
	case TargetTypeVersion:
		if target.Value == "" {
			return nil, fmt.Errorf("version target requires a version value")
		}
		if len(target.PolicyIDs) == 0 {
			return nil, fmt.Errorf("version target requires explicit policy_ids")
		}
		for _, id := range applyScope(target.PolicyIDs, nil, scope) {
			row, err := versions.GetByPolicyVersion(dbc, id, target.Value)
			if err != nil {
				return nil, err
			}
			if row == nil {
				return nil, fmt.Errorf("policy %s has no version %s", id, target.Value)
			}
			out[id] = restoreDirective{Version: row.Version}
		}

	case TargetTypeTimestamp:
		at, err := time.Parse(time.RFC3339, target.Value)
		if err != nil {
			return nil, fmt.Errorf("timestamp target: %w", err)
		}
		ids, err := basePolicyIDs(dbc, versions, target)
		if err != nil {
			return nil, err
		}
		for _, id := range applyScope(ids, nil, scope) {
			row, err := versions.LatestAsOf(dbc, id, at)
			if err != nil {
				return nil, err
			}
			if row == nil {
				return nil, fmt.Errorf("policy %s has no version at %s; exclude it from scope", id, target.Value)
			}
			out[id] = restoreDirective{Version: row.Version}
		}

	case TargetTypeChangeSet:
		csID, err := uuid.Parse(target.Value)
		if err != nil {
			return nil, fmt.Errorf("changeset target: %w", err)
		}
		cs, err := changeSets.GetByID(dbc, csID)
		if err != nil {
			return nil, err
		}
		if cs == nil {
			return nil, fmt.Errorf("change set %s not found", target.Value)
		}
		entries, err := cs.DecodeEntries()
		if err != nil {
			return nil, err
		}
		byPolicy := map[string]types.ChangeSetEntry{}
		entryIDs := make([]string, 0, len(entries))
		for _, e := range entries {
			byPolicy[e.PolicyID] = e
			entryIDs = append(entryIDs, e.PolicyID)
		}
		for _, id := range applyScope(entryIDs, target.PolicyIDs, scope) {
			e := byPolicy[id]
			if e.BeforeVersion == "" {
				out[id] = restoreDirective{Archive: true}
			} else {
				out[id] = restoreDirective{Version: e.BeforeVersion}
			}
		}
		if len(out) == 0 {
			return nil, fmt.Errorf("change set %s holds no policies in scope", target.Value)
		}

	case TargetTypeTag:
		if target.Value == "" {
			return nil, fmt.Errorf("tag target requires a tag value")
		}
		ids, err := basePolicyIDs(dbc, versions, target)
		if err != nil {
			return nil, err
		}
		for _, id := range applyScope(ids, nil, scope) {
			row, err := versions.LatestTagged(dbc, id, target.Value)
			if err != nil {
				return nil, err
			}
			if row == nil {
				return nil, fmt.Errorf("policy %s has no version tagged %q", id, target.Value)
			}
			out[id] = restoreDirective{Version: row.Version}
		}

	default:
		return nil, fmt.Errorf("unknown target type %q", target.Type)
	}
	return out, nil
}

func basePolicyIDs(dbc dbctx.Context, versions repos.PolicyVersionRepo, target types.RollbackTarget) ([]string, error) {
	if len(target.PolicyIDs) > 0 {
		return target.PolicyIDs, nil
	}
	return versions.ListPolicyIDs(dbc)
}

// applyScope intersects ids with restrict (when non-empty) and the scope's
// include list, then drops the exclude list. Returns a sorted, deduped copy.
func applyScope(ids []string, restrict []string, scope *types.RollbackScope) []string {
	restrictSet := map[string]bool{}
	for _, id := range restrict {
		restrictSet[id] = true
	}
	include := map[string]bool{}
	exclude := map[string]bool{}
	if scope != nil {
		for _, id := range scope.IncludedPolicies {
			include[id] = true
		}
		for _, id := range scope.ExcludedPolicies {
			exclude[id] = true
		}
	}
	seen := map[string]bool{}
	out := []string{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		if len(restrictSet) > 0 && !restrictSet[id] {
			continue
		}
		if len(include) > 0 && !include[id] {
			continue
		}
		if exclude[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func buildRestoreOps(policyIDs []string, resolved map[string]restoreDirective) []types.RollbackOperation {
	ops := make([]types.RollbackOperation, 0, len(policyIDs))
	for _, policyID := range policyIDs {
		d := resolved[policyID]
		params := map[string]any{}
		if d.Archive {
			params["archive"] = true
		} else {
			params["version"] = d.Version
		}
		ops = append(ops, types.RollbackOperation{
			ID:             "restore-" + policyID,
			Type:           OpTypeRestorePolicy,
			Target:         policyID,
			Parameters:     params,
			Critical:       true,
			RetryCount:     2,
			TimeoutSeconds: 300,
		})
	}
	return ops
}

func defaultValidation() types.RollbackValidation {
	return types.RollbackValidation{
		PreRollback: []types.ValidationCheck{
			{ID: CheckTargetResolvable, Name: "Target versions resolvable", Type: "store"},
			{ID: CheckPoliciesUnlocked, Name: "No live leases on affected policies", Type: "locks"},
		},
		PostRollback: []types.ValidationCheck{
			{ID: CheckContentHashMatch, Name: "Restored content matches target hashes", Type: "store"},
			{ID: CheckCacheConsistency, Name: "Cache serves restored versions", Type: "cache"},
		},
	}
}

func defaultContingency() types.ContingencyPlan {
	c := types.ContingencyPlan{
		Description: "If the rollback fails mid-run the executor restores the backup change set taken in the first phase. If that also fails, restore manually from the backup change set and re-validate before unlocking the affected policies.",
		ManualSteps: []string{
			"Identify the backup change set on the failed execution record",
			"Apply a policy set restoring each policy to its backup version",
			"Re-run plan validation before unlocking the affected policies",
		},
	}
	if contacts := envutil.Str("COMPLIANCE_ESCALATION_CONTACTS", ""); contacts != "" {
		for _, c2 := range strings.Split(contacts, ",") {
			if c2 = strings.TrimSpace(c2); c2 != "" {
				c.EscalationContacts = append(c.EscalationContacts, c2)
			}
		}
	}
	return c
}
