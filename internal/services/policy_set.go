package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
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
	PolicySetOpCreate  = "create"
	PolicySetOpUpdate  = "update"
	PolicySetOpDelete  = "delete"
	PolicySetOpRestore = "restore"
)

const (
	PolicySetStatusPreparing   = "preparing"
	PolicySetStatusValidating  = "validating"
	PolicySetStatusExecuting   = "executing"
	PolicySetStatusRollingBack = "rolling_back"
	PolicySetStatusCompleted   = "completed"
	PolicySetStatusFailed      = "failed"
	PolicySetStatusCancelled   = "cancelled"
)

const (
	ChangeSetKindTransaction = "transaction"
	ChangeSetKindBackup      = "backup"
)

const policySetHistoryLimit = 256

type PolicySetOperation struct {
	// create|update|delete|restore
	Type     string `json:"type"`
	PolicyID string `json:"policy_id"`

	Content  json.RawMessage `json:"content,omitempty"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
	Tags     []string        `json:"tags,omitempty"`

	// update: optimistic concurrency guard; restore: the version to bring back
	TargetVersion string `json:"target_version,omitempty"`

	// policy IDs whose operations must apply before this one
	DependsOn []string `json:"depends_on,omitempty"`
}

type PolicySetRequest struct {
	Description string               `json:"description,omitempty"`
	Operations  []PolicySetOperation `json:"operations"`
	DryRun      bool                 `json:"dry_run,omitempty"`
	Actor       string               `json:"actor,omitempty"`
}

type PolicySetOpResult struct {
	PolicyID      string `json:"policy_id"`
	Type          string `json:"type"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	BeforeVersion string `json:"before_version,omitempty"`
	AfterVersion  string `json:"after_version,omitempty"`

	// set when the checkpoint for this operation was unwound
	RolledBack         bool   `json:"rolled_back,omitempty"`
	RollbackSuccessful bool   `json:"rollback_successful,omitempty"`
	RollbackError      string `json:"rollback_error,omitempty"`
}

type PolicySetResult struct {
	TransactionID string              `json:"transaction_id"`
	Status        string              `json:"status"`
	Success       bool                `json:"success"`
	DryRun        bool                `json:"dry_run,omitempty"`
	ChangeSetID   *uuid.UUID          `json:"change_set_id,omitempty"`
	Results       []PolicySetOpResult `json:"results,omitempty"`
	Error         string              `json:"error,omitempty"`
}

// OpCheckpoint records one applied operation so a failed set can be unwound
// in reverse order.
type OpCheckpoint struct {
	PolicyID  string                `json:"policy_id"`
	Op        string                `json:"op"`
	RowID     uuid.UUID             `json:"row_id,omitempty"`
	Before    *types.PolicySnapshot `json:"before,omitempty"`
	After     *types.PolicySnapshot `json:"after,omitempty"`
	AppliedAt time.Time             `json:"applied_at"`

	RolledBack    bool   `json:"rolled_back,omitempty"`
	RollbackError string `json:"rollback_error,omitempty"`
}

type PolicySetTransaction struct {
	ID          string         `json:"id"`
	Status      string         `json:"status"`
	Description string         `json:"description,omitempty"`
	Actor       string         `json:"actor,omitempty"`
	DryRun      bool           `json:"dry_run,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty"`
	Checkpoints []OpCheckpoint `json:"checkpoints,omitempty"`
	Locks       []PolicyLock   `json:"locks,omitempty"`
	Error       string         `json:"error,omitempty"`

	CancelledBy  string `json:"cancelled_by,omitempty"`
	CancelReason string `json:"cancel_reason,omitempty"`

	cancelRequested bool
}

// AtomicPolicySetService applies a set of policy operations so that either
// every operation commits or none of them remain visible. Each operation
// commits in its own small transaction; a checkpoint log makes the applied
// prefix reversible when a later operation fails. Validation errors and
// store faults return an error; an operation failing on a well-formed
// request comes back inside the result with Success=false.
//
// Cancellation is cooperative: CancelTransaction flags the transaction and
// Apply honors the flag at the next operation boundary, unwinding what has
// already landed before finishing as cancelled.
type AtomicPolicySetService interface {
	Apply(ctx context.Context, req PolicySetRequest) (*PolicySetResult, error)
	GetTransaction(id string) (*PolicySetTransaction, bool)
	CancelTransaction(ctx context.Context, id, actor, reason string) (*PolicySetTransaction, error)
}

type atomicPolicySetService struct {
	db         *gorm.DB
	log        *logger.Logger
	txr        TxRunner
	versions   repos.PolicyVersionRepo
	changeSets repos.PolicyChangeSetRepo
	auditLog   repos.AuditEntryRepo
	locks      PolicyLockService
	cache      rediscache.PolicyCache
	notify     ComplianceNotifier

	timeout time.Duration

	mu           sync.Mutex
	transactions map[string]*PolicySetTransaction
	order        []string
}

func NewAtomicPolicySetService(
	db *gorm.DB,
	baseLog *logger.Logger,
	txr TxRunner,
	versions repos.PolicyVersionRepo,
	changeSets repos.PolicyChangeSetRepo,
	auditLog repos.AuditEntryRepo,
	locks PolicyLockService,
	cache rediscache.PolicyCache,
	notify ComplianceNotifier,
) AtomicPolicySetService {
	return &atomicPolicySetService{
		db:           db,
		log:          baseLog.With("service", "AtomicPolicySetService"),
		txr:          txr,
		versions:     versions,
		changeSets:   changeSets,
		auditLog:     auditLog,
		locks:        locks,
		cache:        cache,
		notify:       notify,
		timeout:      time.Duration(envutil.Int("TRANSACTION_TIMEOUT_MINUTES", 30)) * time.Minute,
		transactions: map[string]*PolicySetTransaction{},
	}
}

func (s *atomicPolicySetService) Apply(ctx context.Context, req PolicySetRequest) (*PolicySetResult, error) {
	if s == nil || s.db == nil || s.txr == nil {
		return nil, fmt.Errorf("policy set service not initialized")
	}
	if len(req.Operations) == 0 {
		return nil, fmt.Errorf("policy set has no operations")
	}
	ops, err := validateOperations(req.Operations)
	if err != nil {
		return nil, err
	}
	ordered, err := orderOperations(ops)
	if err != nil {
		return nil, err
	}

	// Coarse wall clock over the whole set; a set that outlives it fails
	// at the next operation boundary no matter where it is.
	ctx, cancelCtx := context.WithTimeout(ctx, s.timeout)
	defer cancelCtx()

	actor := actorFrom(ctx, req.Actor)
	tx := s.newTransaction(req, actor)
	result := &PolicySetResult{TransactionID: tx.ID, DryRun: req.DryRun}

	policyIDs := make([]string, 0, len(ordered))
	for _, op := range ordered {
		policyIDs = append(policyIDs, op.PolicyID)
	}
	if err := s.locks.AcquireAll(tx.ID, policyIDs); err != nil {
		s.finish(tx, result, PolicySetStatusFailed, err.Error())
		if !req.DryRun && s.notify != nil {
			s.notify.PolicySetFailed(result)
		}
		return result, nil
	}
	defer s.locks.ReleaseAll(tx.ID)
	s.setLocks(tx, s.locks.HeldBy(tx.ID))

	s.setStatus(tx, PolicySetStatusValidating)
	readOnly := dbctx.Context{Ctx: ctx}
	validationFailed := false
	for _, op := range ordered {
		cp, opErr := s.applyOp(readOnly, op, actor, true)
		result.Results = append(result.Results, opResult(op, cp, opErr))
		if opErr != nil {
			validationFailed = true
		}
	}
	if validationFailed {
		s.finish(tx, result, PolicySetStatusFailed, "validation failed")
		if !req.DryRun && s.notify != nil {
			s.notify.PolicySetFailed(result)
		}
		return result, nil
	}
	if req.DryRun {
		s.finish(tx, result, PolicySetStatusCompleted, "")
		return result, nil
	}
	if by, reason, requested := s.cancelState(tx); requested {
		s.recordCancellation(tx, by, reason, nil)
		s.finish(tx, result, PolicySetStatusCancelled, cancelMessage(by, reason))
		if s.notify != nil {
			s.notify.PolicySetFailed(result)
		}
		return result, nil
	}

	s.setStatus(tx, PolicySetStatusExecuting)
	if err := s.recordStart(ctx, tx.ID, actor, policyIDs, len(ordered), req.Description); err != nil {
		// No audit trail, no writes.
		s.finish(tx, result, PolicySetStatusFailed, fmt.Sprintf("audit transaction start: %v", err))
		if s.notify != nil {
			s.notify.PolicySetFailed(result)
		}
		return result, nil
	}
	result.Results = result.Results[:0]
	applied := make([]*OpCheckpoint, 0, len(ordered))
	var failedOp *PolicySetOperation
	var opErr error
	var cancelledBy, cancelReason string
	for i := range ordered {
		op := ordered[i]
		if by, reason, requested := s.cancelState(tx); requested {
			cancelledBy, cancelReason = by, reason
			break
		}
		if err := ctx.Err(); err != nil {
			failedOp, opErr = &op, err
			break
		}
		var cp *OpCheckpoint
		err := s.txr.InTx(ctx, func(dbc dbctx.Context) error {
			var inErr error
			cp, inErr = s.applyOp(dbc, op, actor, false)
			return inErr
		})
		if err != nil {
			failedOp, opErr = &op, err
			result.Results = append(result.Results, opResult(op, nil, err))
			if metrics := observability.Current(); metrics != nil {
				metrics.IncTransactionOp(op.Type, "failed")
			}
			break
		}
		applied = append(applied, cp)
		s.appendCheckpoint(tx, cp)
		result.Results = append(result.Results, opResult(op, cp, nil))
		if metrics := observability.Current(); metrics != nil {
			metrics.IncTransactionOp(op.Type, "applied")
		}
	}
	if cancelledBy == "" && opErr == nil {
		if by, reason, requested := s.cancelState(tx); requested {
			cancelledBy, cancelReason = by, reason
		}
	}

	if cancelledBy != "" {
		s.setStatus(tx, PolicySetStatusRollingBack)
		s.compensate(tx, applied)
		s.syncRollbackOutcome(tx, result, applied)
		s.invalidateCache(context.Background(), tx.ID, policyIDs)
		s.recordCancellation(tx, cancelledBy, cancelReason, applied)
		s.finish(tx, result, PolicySetStatusCancelled, cancelMessage(cancelledBy, cancelReason))
		if s.notify != nil {
			s.notify.PolicySetFailed(result)
		}
		return result, nil
	}

	if opErr != nil {
		msg := fmt.Sprintf("%s %s: %v", failedOp.Type, failedOp.PolicyID, opErr)
		s.setStatus(tx, PolicySetStatusRollingBack)
		s.compensate(tx, applied)
		s.syncRollbackOutcome(tx, result, applied)
		s.invalidateCache(context.Background(), tx.ID, policyIDs)
		s.recordFailure(actor, tx.ID, policyIDs, msg)
		s.finish(tx, result, PolicySetStatusFailed, msg)
		if s.notify != nil {
			s.notify.PolicySetFailed(result)
		}
		return result, nil
	}

	changeSet := &types.PolicyChangeSet{
		Kind:        ChangeSetKindTransaction,
		Description: req.Description,
		CreatedBy:   actor,
	}
	if err := changeSet.SetEntries(entriesFromCheckpoints(applied)); err != nil {
		s.setStatus(tx, PolicySetStatusRollingBack)
		s.compensate(tx, applied)
		s.syncRollbackOutcome(tx, result, applied)
		s.invalidateCache(context.Background(), tx.ID, policyIDs)
		s.finish(tx, result, PolicySetStatusFailed, err.Error())
		return result, nil
	}
	err = s.txr.InTx(ctx, func(dbc dbctx.Context) error {
		if _, err := s.changeSets.Create(dbc, changeSet); err != nil {
			return err
		}
		entry := &types.AuditEntry{
			ActorID:  actor,
			Action:   "policy.set.committed",
			Target:   changeSet.ID.String(),
			Category: AuditCategoryPolicy,
			Result:   AuditResultSuccess,
		}
		if err := entry.SetDetails(map[string]any{
			"transaction_id": tx.ID,
			"change_set_id":  changeSet.ID,
			"operations":     len(applied),
			"policy_ids":     policyIDs,
		}); err != nil {
			return err
		}
		_, err := s.auditLog.Append(dbc, entry)
		return err
	})
	if err != nil {
		// The operations landed but the change set did not. Unwind so a half
		// recorded commit never becomes visible.
		msg := fmt.Sprintf("record change set: %v", err)
		s.setStatus(tx, PolicySetStatusRollingBack)
		s.compensate(tx, applied)
		s.syncRollbackOutcome(tx, result, applied)
		s.invalidateCache(context.Background(), tx.ID, policyIDs)
		s.recordFailure(actor, tx.ID, policyIDs, msg)
		s.finish(tx, result, PolicySetStatusFailed, msg)
		if s.notify != nil {
			s.notify.PolicySetFailed(result)
		}
		return result, nil
	}

	s.invalidateCache(ctx, tx.ID, policyIDs)
	result.ChangeSetID = &changeSet.ID
	s.finish(tx, result, PolicySetStatusCompleted, "")
	if s.notify != nil {
		s.notify.PolicySetCommitted(result)
	}
	s.log.Info("policy set committed",
		"transaction_id", tx.ID,
		"change_set_id", changeSet.ID,
		"operations", len(applied))
	return result, nil
}

func (s *atomicPolicySetService) GetTransaction(id string) (*PolicySetTransaction, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx, ok := s.transactions[id]
	if !ok {
		return nil, false
	}
	return snapshotTx(tx), true
}

// CancelTransaction flags a live transaction for cancellation. The flag is
// honored by Apply at its next boundary; the checkpoint rollback and the
// terminal status flip happen there, not here.
func (s *atomicPolicySetService) CancelTransaction(ctx context.Context, id, actor, reason string) (*PolicySetTransaction, error) {
	if s == nil {
		return nil, fmt.Errorf("policy set service not initialized")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, fmt.Errorf("cancellation reason is required")
	}
	actor = actorFrom(ctx, actor)

	s.mu.Lock()
	tx, ok := s.transactions[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("transaction %s not found", id)
	}
	if policySetTerminal(tx.Status) {
		status := tx.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("transaction %s is already %s", id, status)
	}
	tx.cancelRequested = true
	tx.CancelledBy = actor
	tx.CancelReason = reason
	out := snapshotTx(tx)
	s.mu.Unlock()

	s.log.Info("policy set cancellation requested",
		"transaction_id", id,
		"actor", actor,
		"reason", reason)
	return out, nil
}

// applyOp resolves one operation against the current store state and, unless
// dryRun is set, performs its write. The returned checkpoint always carries
// the before and after snapshots so callers can report or unwind.
func (s *atomicPolicySetService) applyOp(dbc dbctx.Context, op PolicySetOperation, actor string, dryRun bool) (*OpCheckpoint, error) {
	latest, err := s.versions.GetLatest(dbc, op.PolicyID)
	if err != nil {
		return nil, err
	}
	cp := &OpCheckpoint{PolicyID: op.PolicyID, Op: op.Type, Before: snapshotOf(latest)}

	switch op.Type {
	case PolicySetOpCreate:
		if latest != nil && latest.Status != PolicyStatusArchived {
			return nil, fmt.Errorf("policy %s already exists (latest %s)", op.PolicyID, latest.Version)
		}
		version := initialPolicyVersion
		parent := ""
		if latest != nil {
			version, err = nextPatchVersion(latest.Version)
			if err != nil {
				return nil, err
			}
			parent = latest.Version
		}
		row := &types.PolicyVersion{
			PolicyID:      op.PolicyID,
			Version:       version,
			ContentHash:   contentHash(op.Content),
			Content:       datatypes.JSON(canonicalJSON(op.Content)),
			ParentVersion: parent,
			Status:        PolicyStatusDraft,
			CreatedBy:     actor,
		}
		if len(op.Metadata) > 0 {
			row.Metadata = datatypes.JSON(op.Metadata)
		}
		if op.Tags != nil {
			raw, err := json.Marshal(op.Tags)
			if err != nil {
				return nil, err
			}
			row.Tags = datatypes.JSON(raw)
		}
		if !dryRun {
			if _, err := s.versions.Create(dbc, []*types.PolicyVersion{row}); err != nil {
				return nil, err
			}
		}
		cp.RowID = row.ID
		cp.After = snapshotOf(row)

	case PolicySetOpUpdate:
		if latest == nil {
			return nil, fmt.Errorf("policy %s not found", op.PolicyID)
		}
		if latest.Status == PolicyStatusArchived {
			return nil, fmt.Errorf("policy %s is archived", op.PolicyID)
		}
		if op.TargetVersion != "" && op.TargetVersion != latest.Version {
			return nil, fmt.Errorf("version conflict on policy %s: expected %s, latest is %s", op.PolicyID, op.TargetVersion, latest.Version)
		}
		content := []byte(latest.Content)
		if len(op.Content) > 0 {
			content, err = mergeContent(latest.Content, op.Content)
			if err != nil {
				return nil, err
			}
		}
		version, err := nextPatchVersion(latest.Version)
		if err != nil {
			return nil, err
		}
		row := &types.PolicyVersion{
			PolicyID:      op.PolicyID,
			Version:       version,
			ContentHash:   contentHash(content),
			Content:       datatypes.JSON(canonicalJSON(content)),
			Metadata:      latest.Metadata,
			ParentVersion: latest.Version,
			Tags:          latest.Tags,
			Status:        latest.Status,
			CreatedBy:     actor,
		}
		if len(op.Metadata) > 0 {
			row.Metadata = datatypes.JSON(op.Metadata)
		}
		if op.Tags != nil {
			raw, err := json.Marshal(op.Tags)
			if err != nil {
				return nil, err
			}
			row.Tags = datatypes.JSON(raw)
		}
		if !dryRun {
			if _, err := s.versions.Create(dbc, []*types.PolicyVersion{row}); err != nil {
				return nil, err
			}
		}
		cp.RowID = row.ID
		cp.After = snapshotOf(row)

	case PolicySetOpDelete:
		if latest == nil {
			return nil, fmt.Errorf("policy %s not found", op.PolicyID)
		}
		if latest.Status == PolicyStatusArchived {
			return nil, fmt.Errorf("policy %s is already archived", op.PolicyID)
		}
		if !dryRun {
			if err := s.versions.UpdateFields(dbc, latest.ID, map[string]interface{}{"status": PolicyStatusArchived}); err != nil {
				return nil, err
			}
		}
		after := *latest
		after.Status = PolicyStatusArchived
		cp.RowID = latest.ID
		cp.After = snapshotOf(&after)

	case PolicySetOpRestore:
		if latest == nil {
			return nil, fmt.Errorf("policy %s not found", op.PolicyID)
		}
		target, err := s.versions.GetByPolicyVersion(dbc, op.PolicyID, op.TargetVersion)
		if err != nil {
			return nil, err
		}
		if target == nil {
			return nil, fmt.Errorf("policy %s has no version %s", op.PolicyID, op.TargetVersion)
		}
		version, err := nextPatchVersion(latest.Version)
		if err != nil {
			return nil, err
		}
		row := &types.PolicyVersion{
			PolicyID:      op.PolicyID,
			Version:       version,
			ContentHash:   target.ContentHash,
			Content:       target.Content,
			Metadata:      target.Metadata,
			ParentVersion: target.Version,
			Tags:          target.Tags,
			Status:        PolicyStatusRollbackTarget,
			CreatedBy:     actor,
		}
		if !dryRun {
			if _, err := s.versions.Create(dbc, []*types.PolicyVersion{row}); err != nil {
				return nil, err
			}
		}
		cp.RowID = row.ID
		cp.After = snapshotOf(row)

	default:
		return nil, fmt.Errorf("unknown operation type %q", op.Type)
	}

	cp.AppliedAt = time.Now().UTC()
	return cp, nil
}

// compensate unwinds applied operations newest first. Rows a failed set
// created are removed outright; status flips are put back. Best effort: one
// failed reversal is recorded on its checkpoint and does not stop the rest.
// Runs on a fresh context because the request that started the set may
// already be gone.
func (s *atomicPolicySetService) compensate(tx *PolicySetTransaction, applied []*OpCheckpoint) {
	dbc := dbctx.Context{Ctx: context.Background()}
	metrics := observability.Current()
	for i := len(applied) - 1; i >= 0; i-- {
		cp := applied[i]
		var err error
		switch cp.Op {
		case PolicySetOpCreate, PolicySetOpUpdate, PolicySetOpRestore:
			err = s.versions.DeleteByID(dbc, cp.RowID)
		case PolicySetOpDelete:
			if cp.Before != nil {
				err = s.versions.UpdateFields(dbc, cp.RowID, map[string]interface{}{"status": cp.Before.Status})
			}
		}
		cp.RolledBack = true
		if metrics != nil {
			metrics.IncCompensation()
		}
		if err != nil {
			cp.RollbackError = err.Error()
			s.log.Warn("policy set compensate failed",
				"transaction_id", tx.ID,
				"policy_id", cp.PolicyID,
				"op", cp.Op,
				"error", err)
		}
	}
}

// syncRollbackOutcome copies compensation outcomes from the applied
// checkpoints onto the stored transaction and the per-operation results.
func (s *atomicPolicySetService) syncRollbackOutcome(tx *PolicySetTransaction, result *PolicySetResult, applied []*OpCheckpoint) {
	s.mu.Lock()
	for i, cp := range applied {
		if i < len(tx.Checkpoints) {
			tx.Checkpoints[i].RolledBack = cp.RolledBack
			tx.Checkpoints[i].RollbackError = cp.RollbackError
		}
	}
	s.mu.Unlock()
	for _, cp := range applied {
		for i := range result.Results {
			if result.Results[i].PolicyID != cp.PolicyID {
				continue
			}
			result.Results[i].RolledBack = cp.RolledBack
			result.Results[i].RollbackSuccessful = cp.RolledBack && cp.RollbackError == ""
			result.Results[i].RollbackError = cp.RollbackError
			break
		}
	}
}

func (s *atomicPolicySetService) invalidateCache(ctx context.Context, txID string, policyIDs []string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, policyIDs); err != nil {
		s.log.Warn("policy cache invalidate failed", "transaction_id", txID, "error", err)
	}
}

func (s *atomicPolicySetService) recordStart(ctx context.Context, txID, actor string, policyIDs []string, opCount int, description string) error {
	entry := &types.AuditEntry{
		ActorID:  actor,
		Action:   "policy.set.started",
		Target:   txID,
		Category: AuditCategoryPolicy,
		Result:   AuditResultSuccess,
	}
	if err := entry.SetDetails(map[string]any{
		"transaction_id": txID,
		"policy_ids":     policyIDs,
		"operations":     opCount,
		"description":    description,
	}); err != nil {
		return err
	}
	_, err := s.auditLog.Append(dbctx.Context{Ctx: ctx}, entry)
	return err
}

func (s *atomicPolicySetService) recordCancellation(tx *PolicySetTransaction, by, reason string, applied []*OpCheckpoint) {
	entry := &types.AuditEntry{
		ActorID:  by,
		Action:   "policy.set.cancelled",
		Target:   tx.ID,
		Category: AuditCategoryPolicy,
		Result:   AuditResultSuccess,
	}
	if err := entry.SetDetails(map[string]any{
		"transaction_id":         tx.ID,
		"reason":                 reason,
		"rolled_back_operations": len(applied),
	}); err != nil {
		s.log.Warn("policy set cancellation details encode failed", "transaction_id", tx.ID, "error", err)
	}
	if _, err := s.auditLog.Append(dbctx.Context{Ctx: context.Background()}, entry); err != nil {
		s.log.Warn("policy set cancellation audit append failed", "transaction_id", tx.ID, "error", err)
	}
}

func (s *atomicPolicySetService) recordFailure(actor, txID string, policyIDs []string, msg string) {
	entry := &types.AuditEntry{
		ActorID:  actor,
		Action:   "policy.set.failed",
		Category: AuditCategoryPolicy,
		Result:   AuditResultFailure,
	}
	if err := entry.SetDetails(map[string]any{
		"transaction_id": txID,
		"policy_ids":     policyIDs,
		"error":          msg,
	}); err != nil {
		s.log.Warn("policy set failure details encode failed", "transaction_id", txID, "error", err)
	}
	if _, err := s.auditLog.Append(dbctx.Context{Ctx: context.Background()}, entry); err != nil {
		s.log.Warn("policy set failure audit append failed", "transaction_id", txID, "error", err)
	}
}

func (s *atomicPolicySetService) newTransaction(req PolicySetRequest, actor string) *PolicySetTransaction {
	tx := &PolicySetTransaction{
		ID:          uuid.New().String(),
		Status:      PolicySetStatusPreparing,
		Description: req.Description,
		Actor:       actor,
		DryRun:      req.DryRun,
		StartedAt:   time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transactions[tx.ID] = tx
	s.order = append(s.order, tx.ID)
	s.evictLocked()
	return tx
}

func (s *atomicPolicySetService) evictLocked() {
	for len(s.order) > policySetHistoryLimit {
		evicted := false
		for i, id := range s.order {
			t := s.transactions[id]
			if t == nil || policySetTerminal(t.Status) {
				s.order = append(s.order[:i], s.order[i+1:]...)
				delete(s.transactions, id)
				evicted = true
				break
			}
		}
		if !evicted {
			id := s.order[0]
			s.order = s.order[1:]
			delete(s.transactions, id)
		}
	}
}

func (s *atomicPolicySetService) setStatus(tx *PolicySetTransaction, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.Status = status
}

func (s *atomicPolicySetService) setLocks(tx *PolicySetTransaction, locks []PolicyLock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.Locks = locks
}

func (s *atomicPolicySetService) appendCheckpoint(tx *PolicySetTransaction, cp *OpCheckpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx.Checkpoints = append(tx.Checkpoints, *cp)
}

func (s *atomicPolicySetService) cancelState(tx *PolicySetTransaction) (by, reason string, requested bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return tx.CancelledBy, tx.CancelReason, tx.cancelRequested
}

func (s *atomicPolicySetService) finish(tx *PolicySetTransaction, result *PolicySetResult, status, errMsg string) {
	now := time.Now().UTC()
	s.mu.Lock()
	tx.Status = status
	tx.CompletedAt = &now
	tx.Error = errMsg
	started := tx.StartedAt
	s.mu.Unlock()
	result.Status = status
	result.Error = errMsg
	result.Success = status == PolicySetStatusCompleted
	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveTransaction(status, now.Sub(started))
	}
}

func policySetTerminal(status string) bool {
	switch status {
	case PolicySetStatusCompleted, PolicySetStatusFailed, PolicySetStatusCancelled:
		return true
	}
	return false
}

func cancelMessage(by, reason string) string {
	return fmt.Sprintf("cancelled by %s: %s", by, reason)
}

func snapshotTx(tx *PolicySetTransaction) *PolicySetTransaction {
	out := *tx
	out.Checkpoints = append([]OpCheckpoint(nil), tx.Checkpoints...)
	out.Locks = append([]PolicyLock(nil), tx.Locks...)
	return &out
}

func validateOperations(ops []PolicySetOperation) ([]PolicySetOperation, error) {
	out := make([]PolicySetOperation, 0, len(ops))
	for i, op := range ops {
		op.Type = strings.ToLower(strings.TrimSpace(op.Type))
		op.PolicyID = strings.TrimSpace(op.PolicyID)
		op.TargetVersion = strings.TrimSpace(op.TargetVersion)
		if op.PolicyID == "" {
			return nil, fmt.Errorf("operation %d: missing policy_id", i)
		}
		switch op.Type {
		case PolicySetOpCreate:
			if len(op.Content) == 0 {
				return nil, fmt.Errorf("create %s: content is required", op.PolicyID)
			}
			if len(op.Metadata) == 0 {
				return nil, fmt.Errorf("create %s: metadata is required", op.PolicyID)
			}
		case PolicySetOpUpdate:
			if len(op.Content) == 0 && len(op.Metadata) == 0 && op.Tags == nil {
				return nil, fmt.Errorf("update %s: nothing to change", op.PolicyID)
			}
		case PolicySetOpDelete:
		case PolicySetOpRestore:
			if op.TargetVersion == "" {
				return nil, fmt.Errorf("restore %s: target_version is required", op.PolicyID)
			}
		default:
			return nil, fmt.Errorf("operation %d: unknown type %q", i, op.Type)
		}
		if len(op.Content) > 0 && !json.Valid(op.Content) {
			return nil, fmt.Errorf("%s %s: content is not valid JSON", op.Type, op.PolicyID)
		}
		if len(op.Metadata) > 0 && !json.Valid(op.Metadata) {
			return nil, fmt.Errorf("%s %s: metadata is not valid JSON", op.Type, op.PolicyID)
		}
		deps := make([]string, 0, len(op.DependsOn))
		for _, dep := range op.DependsOn {
			if dep = strings.TrimSpace(dep); dep != "" {
				deps = append(deps, dep)
			}
		}
		op.DependsOn = deps
		out = append(out, op)
	}
	return out, nil
}

// orderOperations topologically sorts the set by its depends_on edges,
// keeping request order among operations whose dependencies are satisfied.
func orderOperations(ops []PolicySetOperation) ([]PolicySetOperation, error) {
	index := map[string]bool{}
	for _, op := range ops {
		if index[op.PolicyID] {
			return nil, fmt.Errorf("duplicate operation for policy %s", op.PolicyID)
		}
		index[op.PolicyID] = true
	}
	for _, op := range ops {
		for _, dep := range op.DependsOn {
			if dep == op.PolicyID {
				return nil, fmt.Errorf("operation for policy %s depends on itself", op.PolicyID)
			}
			if !index[dep] {
				return nil, fmt.Errorf("operation for policy %s: unknown dependency %s", op.PolicyID, dep)
			}
		}
	}
	if cycle := findDependencyCycle(ops); len(cycle) > 0 {
		return nil, fmt.Errorf("dependency cycle between policy operations: %s", strings.Join(cycle, " -> "))
	}

	ordered := make([]PolicySetOperation, 0, len(ops))
	done := map[string]bool{}
	for len(ordered) < len(ops) {
		progressed := false
		for _, op := range ops {
			if done[op.PolicyID] {
				continue
			}
			ready := true
			for _, dep := range op.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				ordered = append(ordered, op)
				done[op.PolicyID] = true
				progressed = true
			}
		}
		if !progressed {
			// Unreachable once findDependencyCycle has passed; kept so a bug
			// there cannot spin this loop forever.
			return nil, fmt.Errorf("policy operations did not converge to an order")
		}
	}
	return ordered, nil
}

// findDependencyCycle walks depends_on edges depth first, tracking the
// in-progress path. A back edge into the path is a cycle; the returned slice
// spells it out ending on the repeated node.
func findDependencyCycle(ops []PolicySetOperation) []string {
	deps := make(map[string][]string, len(ops))
	for _, op := range ops {
		deps[op.PolicyID] = op.DependsOn
	}

	const (
		white = 0 // untouched
		gray  = 1 // on the current path
		black = 2 // fully explored
	)
	state := make(map[string]int, len(ops))
	path := []string{}

	var visit func(id string) []string
	visit = func(id string) []string {
		state[id] = gray
		path = append(path, id)
		for _, dep := range deps[id] {
			switch state[dep] {
			case gray:
				start := 0
				for i, v := range path {
					if v == dep {
						start = i
						break
					}
				}
				cycle := append([]string(nil), path[start:]...)
				return append(cycle, dep)
			case white:
				if cycle := visit(dep); cycle != nil {
					return cycle
				}
			}
		}
		path = path[:len(path)-1]
		state[id] = black
		return nil
	}

	for _, op := range ops {
		if state[op.PolicyID] == white {
			if cycle := visit(op.PolicyID); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

func opResult(op PolicySetOperation, cp *OpCheckpoint, opErr error) PolicySetOpResult {
	res := PolicySetOpResult{PolicyID: op.PolicyID, Type: op.Type}
	if opErr != nil {
		res.Error = opErr.Error()
		return res
	}
	res.Success = true
	if cp != nil {
		if cp.Before != nil {
			res.BeforeVersion = cp.Before.Version
		}
		if cp.After != nil {
			res.AfterVersion = cp.After.Version
		}
	}
	return res
}

func entriesFromCheckpoints(applied []*OpCheckpoint) []types.ChangeSetEntry {
	out := make([]types.ChangeSetEntry, 0, len(applied))
	for _, cp := range applied {
		entry := types.ChangeSetEntry{PolicyID: cp.PolicyID, Operation: cp.Op}
		if cp.Before != nil {
			entry.BeforeVersion = cp.Before.Version
		}
		if cp.After != nil {
			entry.AfterVersion = cp.After.Version
		}
		out = append(out, entry)
	}
	return out
}

func snapshotOf(row *types.PolicyVersion) *types.PolicySnapshot {
	if row == nil {
		return nil
	}
	return &types.PolicySnapshot{
		PolicyID:    row.PolicyID,
		Version:     row.Version,
		ContentHash: row.ContentHash,
		Content:     json.RawMessage(row.Content),
		Metadata:    json.RawMessage(row.Metadata),
		Status:      row.Status,
	}
}

func actorFrom(ctx context.Context, explicit string) string {
	if v := strings.TrimSpace(explicit); v != "" {
		return v
	}
	if rd := ctxutil.GetRequestData(ctx); rd != nil && rd.ActorID != uuid.Nil {
		return rd.ActorID.String()
	}
	return "system"
}
