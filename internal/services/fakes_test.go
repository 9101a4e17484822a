package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/ctxutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

// In-memory fakes for the service tests. Repo behavior against a real
// Postgres is covered by the repo tests; these mirror just enough of each
// repo's contract for the services to run without a database.

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return log
}

// passTxRunner runs the function without a surrounding transaction.
type passTxRunner struct{}

func (passTxRunner) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	return fn(dbctx.Context{Ctx: ctx})
}

func readCtx() dbctx.Context { return dbctx.Context{Ctx: context.Background()} }

// =========================
// policy versions
// =========================

type fakeVersionRepo struct {
	mu   sync.Mutex
	rows []*types.PolicyVersion
	tick int

	// failCreate fails Create for the named policy, for exercising the
	// compensation paths.
	failCreate map[string]error
}

func newFakeVersionRepo() *fakeVersionRepo { return &fakeVersionRepo{} }

func (f *fakeVersionRepo) stamp() time.Time {
	f.tick++
	return time.Now().UTC().Add(-time.Hour).Add(time.Duration(f.tick) * time.Second)
}

func (f *fakeVersionRepo) Create(dbc dbctx.Context, rows []*types.PolicyVersion) ([]*types.PolicyVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range rows {
		if err := f.failCreate[row.PolicyID]; err != nil {
			return nil, err
		}
	}
	for _, row := range rows {
		if row.ID == uuid.Nil {
			row.ID = uuid.New()
		}
		if row.CreatedAt.IsZero() {
			row.CreatedAt = f.stamp()
		}
		cp := *row
		f.rows = append(f.rows, &cp)
	}
	return rows, nil
}

func (f *fakeVersionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PolicyVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeVersionRepo) GetLatest(dbc dbctx.Context, policyID string) (*types.PolicyVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.latestLocked(policyID), nil
}

func (f *fakeVersionRepo) latestLocked(policyID string) *types.PolicyVersion {
	var best *types.PolicyVersion
	for _, row := range f.rows {
		if row.PolicyID != policyID {
			continue
		}
		if best == nil || !row.CreatedAt.Before(best.CreatedAt) {
			best = row
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

func (f *fakeVersionRepo) GetLatestBatch(dbc dbctx.Context, policyIDs []string) (map[string]*types.PolicyVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]*types.PolicyVersion{}
	for _, id := range policyIDs {
		if row := f.latestLocked(id); row != nil {
			out[id] = row
		}
	}
	return out, nil
}

func (f *fakeVersionRepo) GetByPolicyVersion(dbc dbctx.Context, policyID string, version string) (*types.PolicyVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.PolicyID == policyID && row.Version == version {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeVersionRepo) ListVersions(dbc dbctx.Context, policyID string, limit int) ([]*types.PolicyVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.PolicyVersion{}
	for _, row := range f.rows {
		if row.PolicyID == policyID {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeVersionRepo) ListPolicyIDs(dbc dbctx.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	out := []string{}
	for _, row := range f.rows {
		if !seen[row.PolicyID] {
			seen[row.PolicyID] = true
			out = append(out, row.PolicyID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *fakeVersionRepo) LatestAsOf(dbc dbctx.Context, policyID string, at time.Time) (*types.PolicyVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *types.PolicyVersion
	for _, row := range f.rows {
		if row.PolicyID != policyID || row.CreatedAt.After(at) {
			continue
		}
		if best == nil || !row.CreatedAt.Before(best.CreatedAt) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (f *fakeVersionRepo) LatestTagged(dbc dbctx.Context, policyID string, tag string) (*types.PolicyVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *types.PolicyVersion
	for _, row := range f.rows {
		if row.PolicyID != policyID || !hasTag(row.Tags, tag) {
			continue
		}
		if best == nil || !row.CreatedAt.Before(best.CreatedAt) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func hasTag(raw datatypes.JSON, tag string) bool {
	if len(raw) == 0 {
		return false
	}
	var tags []string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return false
	}
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (f *fakeVersionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID != id {
			continue
		}
		if v, ok := updates["status"].(string); ok {
			row.Status = v
		}
		return nil
	}
	return fmt.Errorf("policy version %s not found", id)
}

func (f *fakeVersionRepo) DeleteByID(dbc dbctx.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, row := range f.rows {
		if row.ID == id {
			f.rows = append(f.rows[:i], f.rows[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeVersionRepo) count(policyID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, row := range f.rows {
		if row.PolicyID == policyID {
			n++
		}
	}
	return n
}

func (f *fakeVersionRepo) setTags(policyID, version string, tags []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw, _ := json.Marshal(tags)
	for _, row := range f.rows {
		if row.PolicyID == policyID && row.Version == version {
			row.Tags = datatypes.JSON(raw)
		}
	}
}

// seed inserts a version row directly, bypassing Create's failure injection.
func (f *fakeVersionRepo) seed(policyID, version, content string, status string) *types.PolicyVersion {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := &types.PolicyVersion{
		ID:          uuid.New(),
		PolicyID:    policyID,
		Version:     version,
		ContentHash: contentHash([]byte(content)),
		Content:     datatypes.JSON(canonicalJSON([]byte(content))),
		Status:      status,
		CreatedAt:   f.stamp(),
	}
	cp := *row
	f.rows = append(f.rows, &cp)
	return row
}

// =========================
// change sets
// =========================

type fakeChangeSetRepo struct {
	mu   sync.Mutex
	rows []*types.PolicyChangeSet
	tick int

	createErr error
}

func newFakeChangeSetRepo() *fakeChangeSetRepo { return &fakeChangeSetRepo{} }

func (f *fakeChangeSetRepo) Create(dbc dbctx.Context, cs *types.PolicyChangeSet) (*types.PolicyChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	if cs.ID == uuid.Nil {
		cs.ID = uuid.New()
	}
	if cs.CreatedAt.IsZero() {
		f.tick++
		cs.CreatedAt = time.Now().UTC().Add(time.Duration(f.tick) * time.Millisecond)
	}
	cp := *cs
	f.rows = append(f.rows, &cp)
	return cs, nil
}

func (f *fakeChangeSetRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PolicyChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeChangeSetRepo) List(dbc dbctx.Context, kind string, limit int) ([]*types.PolicyChangeSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.PolicyChangeSet{}
	for _, row := range f.rows {
		if kind != "" && row.Kind != kind {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeChangeSetRepo) byKind(kind string) []*types.PolicyChangeSet {
	out, _ := f.List(dbctx.Context{Ctx: context.Background()}, kind, 0)
	return out
}

// =========================
// audit entries
// =========================

type fakeAuditRepo struct {
	mu   sync.Mutex
	rows []*types.AuditEntry

	appendErr error
}

func newFakeAuditRepo() *fakeAuditRepo { return &fakeAuditRepo{} }

func (f *fakeAuditRepo) Append(dbc dbctx.Context, e *types.AuditEntry) (*types.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return nil, f.appendErr
	}
	if e == nil {
		return nil, nil
	}
	var last *types.AuditEntry
	for _, row := range f.rows {
		if last == nil || row.Seq > last.Seq {
			last = row
		}
	}
	if last != nil {
		e.Seq = last.Seq + 1
		e.PrevHash = last.Hash
	} else {
		e.Seq = 1
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC().Truncate(time.Microsecond)
	}
	e.Hash = types.ComputeAuditHash(e)
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	cp := *e
	f.rows = append(f.rows, &cp)
	return e, nil
}

func matchAction(filter, action string) bool {
	if filter == "" || filter == "*" {
		return true
	}
	if strings.HasSuffix(filter, ".*") {
		return strings.HasPrefix(action, strings.TrimSuffix(filter, "*"))
	}
	return filter == action
}

func (f *fakeAuditRepo) matches(row *types.AuditEntry, q repos.AuditEntryQuery) bool {
	if q.ActorID != "" && row.ActorID != q.ActorID {
		return false
	}
	if !matchAction(q.Action, row.Action) {
		return false
	}
	if q.Category != "" && row.Category != q.Category {
		return false
	}
	if q.Result != "" && row.Result != q.Result {
		return false
	}
	if q.SessionID != "" && row.SessionID != q.SessionID {
		return false
	}
	if q.CulturalSensitive != nil && row.CulturalSensitive != *q.CulturalSensitive {
		return false
	}
	if q.From != nil && row.CreatedAt.Before(*q.From) {
		return false
	}
	if q.To != nil && row.CreatedAt.After(*q.To) {
		return false
	}
	return true
}

func (f *fakeAuditRepo) List(dbc dbctx.Context, q repos.AuditEntryQuery) ([]*types.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.AuditEntry{}
	for _, row := range f.rows {
		if f.matches(row, q) {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if q.Offset > 0 {
		if q.Offset >= len(out) {
			return []*types.AuditEntry{}, nil
		}
		out = out[q.Offset:]
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

func (f *fakeAuditRepo) Count(dbc dbctx.Context, q repos.AuditEntryQuery) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, row := range f.rows {
		if f.matches(row, q) {
			n++
		}
	}
	return n, nil
}

func (f *fakeAuditRepo) ListChain(dbc dbctx.Context, afterSeq int64, limit int) ([]*types.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.AuditEntry{}
	for _, row := range f.rows {
		if row.Seq > afterSeq {
			cp := *row
			out = append(out, &cp)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeAuditRepo) Latest(dbc dbctx.Context) (*types.AuditEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var last *types.AuditEntry
	for _, row := range f.rows {
		if last == nil || row.Seq > last.Seq {
			last = row
		}
	}
	if last == nil {
		return nil, nil
	}
	cp := *last
	return &cp, nil
}

func (f *fakeAuditRepo) PurgeExpired(dbc dbctx.Context, category string, before time.Time) (repos.AuditPurgeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := repos.AuditPurgeResult{}
	kept := f.rows[:0]
	for _, row := range f.rows {
		if row.Category == category && !row.CulturalSensitive && row.CreatedAt.Before(before) {
			res.Removed++
			if res.MinSeq == 0 || row.Seq < res.MinSeq {
				res.MinSeq = row.Seq
			}
			if row.Seq > res.MaxSeq {
				res.MaxSeq = row.Seq
			}
			continue
		}
		kept = append(kept, row)
	}
	f.rows = kept
	return res, nil
}

// actions returns every recorded action in append order.
func (f *fakeAuditRepo) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.rows))
	for _, row := range f.rows {
		out = append(out, row.Action)
	}
	return out
}

func (f *fakeAuditRepo) hasAction(action string) bool {
	for _, a := range f.actions() {
		if a == action {
			return true
		}
	}
	return false
}

// tamper rewrites a stored field without recomputing the hash.
func (f *fakeAuditRepo) tamper(seq int64, mutate func(e *types.AuditEntry)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Seq == seq {
			mutate(row)
			return
		}
	}
}

// =========================
// rollback plans
// =========================

type fakePlanRepo struct {
	mu   sync.Mutex
	rows []*types.RollbackPlan
}

func newFakePlanRepo() *fakePlanRepo { return &fakePlanRepo{} }

func (f *fakePlanRepo) Create(dbc dbctx.Context, plan *types.RollbackPlan) (*types.RollbackPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if plan.ID == uuid.Nil {
		plan.ID = uuid.New()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	cp := *plan
	f.rows = append(f.rows, &cp)
	return plan, nil
}

func (f *fakePlanRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.RollbackPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakePlanRepo) List(dbc dbctx.Context, status string, limit int) ([]*types.RollbackPlan, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.RollbackPlan{}
	for _, row := range f.rows {
		if status != "" && row.Status != status {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func applyPlanUpdates(row *types.RollbackPlan, updates map[string]interface{}) {
	for key, val := range updates {
		switch key {
		case "status":
			row.Status, _ = val.(string)
		case "approved_by":
			row.ApprovedBy, _ = val.(string)
		case "approved_at":
			if v, ok := val.(time.Time); ok {
				row.ApprovedAt = &v
			}
		case "validation_results":
			if v, ok := val.(datatypes.JSON); ok {
				row.ValidationResults = v
			}
		}
	}
}

func (f *fakePlanRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			applyPlanUpdates(row, updates)
			return nil
		}
	}
	return fmt.Errorf("rollback plan %s not found", id)
}

func (f *fakePlanRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID != id {
			continue
		}
		for _, status := range disallowed {
			if row.Status == status {
				return false, nil
			}
		}
		applyPlanUpdates(row, updates)
		return true, nil
	}
	return false, nil
}

// setStatus force-sets a plan's stored status, for arranging test states the
// service would otherwise only reach through its own flow.
func (f *fakePlanRepo) setStatus(id uuid.UUID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			row.Status = status
			return
		}
	}
}

func (f *fakePlanRepo) mutate(id uuid.UUID, fn func(p *types.RollbackPlan)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			fn(row)
			return
		}
	}
}

// =========================
// rollback executions
// =========================

type fakeExecutionRepo struct {
	mu   sync.Mutex
	rows []*types.RollbackExecution

	// beforeGuardedUpdate runs at the top of every UpdateFieldsUnlessStatus,
	// for injecting a concurrent cancel between driver stages.
	beforeGuardedUpdate func(f *fakeExecutionRepo, id uuid.UUID)
}

func newFakeExecutionRepo() *fakeExecutionRepo { return &fakeExecutionRepo{} }

func (f *fakeExecutionRepo) Create(dbc dbctx.Context, exec *types.RollbackExecution) (*types.RollbackExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if exec.ID == uuid.Nil {
		exec.ID = uuid.New()
	}
	if exec.CreatedAt.IsZero() {
		exec.CreatedAt = time.Now().UTC()
	}
	cp := *exec
	f.rows = append(f.rows, &cp)
	return exec, nil
}

func (f *fakeExecutionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.RollbackExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeExecutionRepo) ListByPlan(dbc dbctx.Context, planID uuid.UUID, limit int) ([]*types.RollbackExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.RollbackExecution{}
	for _, row := range f.rows {
		if planID != uuid.Nil && row.PlanID != planID {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeExecutionRepo) ExistsActiveForPlan(dbc dbctx.Context, planID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.PlanID != planID {
			continue
		}
		switch row.Status {
		case ExecStatusCompleted, ExecStatusFailed, ExecStatusCancelled:
		default:
			return true, nil
		}
	}
	return false, nil
}

func applyExecutionUpdates(row *types.RollbackExecution, updates map[string]interface{}) {
	for key, val := range updates {
		switch key {
		case "status":
			row.Status, _ = val.(string)
		case "error":
			row.Error, _ = val.(string)
		case "completed_at":
			if v, ok := val.(time.Time); ok {
				row.CompletedAt = &v
			}
		case "phases":
			if v, ok := val.(datatypes.JSON); ok {
				row.Phases = v
			}
		case "logs":
			if v, ok := val.(datatypes.JSON); ok {
				row.Logs = v
			}
		case "metrics":
			if v, ok := val.(datatypes.JSON); ok {
				row.Metrics = v
			}
		case "result":
			if v, ok := val.(datatypes.JSON); ok {
				row.Result = v
			}
		case "backup_change_set_id":
			if v, ok := val.(uuid.UUID); ok {
				id := v
				row.BackupChangeSetID = &id
			}
		}
	}
}

func (f *fakeExecutionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			applyExecutionUpdates(row, updates)
			return nil
		}
	}
	return fmt.Errorf("rollback execution %s not found", id)
}

func (f *fakeExecutionRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	if f.beforeGuardedUpdate != nil {
		f.beforeGuardedUpdate(f, id)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID != id {
			continue
		}
		for _, status := range disallowed {
			if row.Status == status {
				return false, nil
			}
		}
		applyExecutionUpdates(row, updates)
		return true, nil
	}
	return false, nil
}

func (f *fakeExecutionRepo) setStatus(id uuid.UUID, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			row.Status = status
			return
		}
	}
}

// =========================
// consent records
// =========================

type fakeConsentRepo struct {
	mu   sync.Mutex
	rows []*types.ConsentRecord
}

func newFakeConsentRepo() *fakeConsentRepo { return &fakeConsentRepo{} }

func (f *fakeConsentRepo) Create(dbc dbctx.Context, rec *types.ConsentRecord) (*types.ConsentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = now
	}
	cp := *rec
	f.rows = append(f.rows, &cp)
	return rec, nil
}

func (f *fakeConsentRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ConsentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeConsentRepo) GetLive(dbc dbctx.Context, subjectID string, purpose string) (*types.ConsentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *types.ConsentRecord
	for _, row := range f.rows {
		if row.SubjectID != subjectID || row.Purpose != purpose {
			continue
		}
		if row.Status != ConsentStatusPending && row.Status != ConsentStatusGranted {
			continue
		}
		if best == nil || row.CreatedAt.After(best.CreatedAt) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (f *fakeConsentRepo) ListBySubject(dbc dbctx.Context, subjectID string, limit int) ([]*types.ConsentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.ConsentRecord{}
	for _, row := range f.rows {
		if row.SubjectID != subjectID {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeConsentRepo) ListExpiring(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.ConsentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.ConsentRecord{}
	for _, row := range f.rows {
		if row.Status != ConsentStatusGranted || row.ExpiresAt == nil || row.ExpiresAt.After(cutoff) {
			continue
		}
		cp := *row
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (f *fakeConsentRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID != id {
			continue
		}
		for _, status := range disallowed {
			if row.Status == status {
				return false, nil
			}
		}
		for key, val := range updates {
			switch key {
			case "status":
				row.Status, _ = val.(string)
			case "granted_by":
				row.GrantedBy, _ = val.(string)
			case "cultural_authority":
				row.CulturalAuthority, _ = val.(string)
			case "revoke_reason":
				row.RevokeReason, _ = val.(string)
			case "granted_at":
				if v, ok := val.(time.Time); ok {
					row.GrantedAt = &v
				}
			case "revoked_at":
				if v, ok := val.(time.Time); ok {
					row.RevokedAt = &v
				}
			case "expires_at":
				if v, ok := val.(time.Time); ok {
					row.ExpiresAt = &v
				}
			}
		}
		row.UpdatedAt = time.Now().UTC()
		return true, nil
	}
	return false, nil
}

func (f *fakeConsentRepo) mutate(id uuid.UUID, fn func(rec *types.ConsentRecord)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			fn(row)
			return
		}
	}
}

// =========================
// admin users
// =========================

type fakeUserRepo struct {
	mu   sync.Mutex
	rows []*types.AdminUser
}

func newFakeUserRepo() *fakeUserRepo { return &fakeUserRepo{} }

func (f *fakeUserRepo) Create(dbc dbctx.Context, u *types.AdminUser) (*types.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Email == u.Email {
			return nil, fmt.Errorf("duplicate email")
		}
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	cp := *u
	f.rows = append(f.rows, &cp)
	return u, nil
}

func (f *fakeUserRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeUserRepo) GetByEmail(dbc dbctx.Context, email string) (*types.AdminUser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Email == email {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeUserRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID != id {
			continue
		}
		if v, ok := updates["last_login_at"].(time.Time); ok {
			row.LastLoginAt = &v
		}
		return nil
	}
	return fmt.Errorf("admin user %s not found", id)
}

// =========================
// job runs
// =========================

type fakeJobRepo struct {
	mu   sync.Mutex
	rows []*types.JobRun
}

func newFakeJobRepo() *fakeJobRepo { return &fakeJobRepo{} }

func (f *fakeJobRepo) Create(dbc dbctx.Context, jobs []*types.JobRun) ([]*types.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, job := range jobs {
		if job.ID == uuid.Nil {
			job.ID = uuid.New()
		}
		cp := *job
		f.rows = append(f.rows, &cp)
	}
	return jobs, nil
}

func (f *fakeJobRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			cp := *row
			return &cp, nil
		}
	}
	return nil, nil
}

func (f *fakeJobRepo) GetByIDs(dbc dbctx.Context, ids []uuid.UUID) ([]*types.JobRun, error) {
	out := []*types.JobRun{}
	for _, id := range ids {
		row, _ := f.GetByID(dbc, id)
		if row != nil {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeJobRepo) List(dbc dbctx.Context, jobType string, status string, limit int) ([]*types.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []*types.JobRun{}
	for _, row := range f.rows {
		if jobType != "" && row.JobType != jobType {
			continue
		}
		if status != "" && row.Status != status {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (f *fakeJobRepo) GetLatestByEntity(dbc dbctx.Context, entityType string, entityID uuid.UUID, jobType string) (*types.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var best *types.JobRun
	for _, row := range f.rows {
		if row.EntityType != entityType || row.JobType != jobType {
			continue
		}
		if row.EntityID == nil || *row.EntityID != entityID {
			continue
		}
		if best == nil || row.CreatedAt.After(best.CreatedAt) {
			best = row
		}
	}
	if best == nil {
		return nil, nil
	}
	cp := *best
	return &cp, nil
}

func (f *fakeJobRepo) ClaimNextRunnable(dbc dbctx.Context, maxAttempts int, retryDelay time.Duration, staleRunning time.Duration) (*types.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.Status != JobStatusQueued {
			continue
		}
		now := time.Now().UTC()
		row.Status = JobStatusRunning
		row.Attempts++
		row.LockedAt = &now
		row.HeartbeatAt = &now
		cp := *row
		return &cp, nil
	}
	return nil, nil
}

func applyJobUpdates(row *types.JobRun, updates map[string]interface{}) {
	for key, val := range updates {
		switch key {
		case "status":
			row.Status, _ = val.(string)
		case "stage":
			row.Stage, _ = val.(string)
		case "message":
			row.Message, _ = val.(string)
		case "error":
			row.Error, _ = val.(string)
		case "progress":
			if v, ok := val.(int); ok {
				row.Progress = v
			}
		case "attempts":
			if v, ok := val.(int); ok {
				row.Attempts = v
			}
		case "result":
			if v, ok := val.(datatypes.JSON); ok {
				row.Result = v
			}
		case "locked_at":
			if v, ok := val.(time.Time); ok {
				row.LockedAt = &v
			} else {
				row.LockedAt = nil
			}
		case "heartbeat_at":
			if v, ok := val.(time.Time); ok {
				row.HeartbeatAt = &v
			} else {
				row.HeartbeatAt = nil
			}
		case "last_error_at":
			if v, ok := val.(time.Time); ok {
				row.LastErrorAt = &v
			} else {
				row.LastErrorAt = nil
			}
		case "updated_at":
			if v, ok := val.(time.Time); ok {
				row.UpdatedAt = v
			}
		}
	}
}

func (f *fakeJobRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID == id {
			applyJobUpdates(row, updates)
			return nil
		}
	}
	return fmt.Errorf("job %s not found", id)
}

func (f *fakeJobRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowed []string, updates map[string]interface{}) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.ID != id {
			continue
		}
		for _, status := range disallowed {
			if row.Status == status {
				return false, nil
			}
		}
		applyJobUpdates(row, updates)
		return true, nil
	}
	return false, nil
}

func (f *fakeJobRepo) Heartbeat(dbc dbctx.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return f.UpdateFields(dbc, id, map[string]interface{}{"heartbeat_at": now})
}

func (f *fakeJobRepo) ExistsRunnable(dbc dbctx.Context, jobType string, entityType string, entityID *uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.rows {
		if row.JobType != jobType {
			continue
		}
		if entityType != "" && row.EntityType != entityType {
			continue
		}
		if entityID != nil && (row.EntityID == nil || *row.EntityID != *entityID) {
			continue
		}
		if row.Status == JobStatusQueued || row.Status == JobStatusRunning {
			return true, nil
		}
	}
	return false, nil
}

// =========================
// notifier and cache captures
// =========================

type captureComplianceNotifier struct {
	mu sync.Mutex

	committed []*PolicySetResult
	failedSet []*PolicySetResult

	progressCalls  int
	completedExecs []uuid.UUID
	failedExecs    []uuid.UUID
	lastFailure    string

	consentChanges []string
}

func (c *captureComplianceNotifier) PolicySetCommitted(result *PolicySetResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, result)
}

func (c *captureComplianceNotifier) PolicySetFailed(result *PolicySetResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedSet = append(c.failedSet, result)
}

func (c *captureComplianceNotifier) RollbackProgress(exec *types.RollbackExecution, phase string, progress int, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.progressCalls++
}

func (c *captureComplianceNotifier) RollbackCompleted(exec *types.RollbackExecution, result *types.RollbackResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.completedExecs = append(c.completedExecs, exec.ID)
}

func (c *captureComplianceNotifier) RollbackFailed(exec *types.RollbackExecution, errorMessage string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failedExecs = append(c.failedExecs, exec.ID)
	c.lastFailure = errorMessage
}

func (c *captureComplianceNotifier) ConsentChanged(record *types.ConsentRecord, change string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.consentChanges = append(c.consentChanges, change)
}

type captureJobNotifier struct {
	mu        sync.Mutex
	created   int
	canceled  int
	restarted int
}

func (c *captureJobNotifier) JobCreated(userID uuid.UUID, job *types.JobRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.created++
}

func (c *captureJobNotifier) JobProgress(userID uuid.UUID, job *types.JobRun, stage string, progress int, message string) {
}

func (c *captureJobNotifier) JobFailed(userID uuid.UUID, job *types.JobRun, stage string, errorMessage string) {
}

func (c *captureJobNotifier) JobDone(userID uuid.UUID, job *types.JobRun) {}

func (c *captureJobNotifier) JobCanceled(userID uuid.UUID, job *types.JobRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.canceled++
}

func (c *captureJobNotifier) JobRestarted(userID uuid.UUID, job *types.JobRun) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.restarted++
}

type captureCache struct {
	mu          sync.Mutex
	entries     map[string]*types.PolicyVersion
	invalidated [][]string
}

func newCaptureCache() *captureCache {
	return &captureCache{entries: map[string]*types.PolicyVersion{}}
}

func (c *captureCache) GetLatest(ctx context.Context, policyID string) (*types.PolicyVersion, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	row, ok := c.entries[policyID]
	if !ok {
		return nil, false
	}
	cp := *row
	return &cp, true
}

func (c *captureCache) SetLatest(ctx context.Context, pv *types.PolicyVersion) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *pv
	c.entries[pv.PolicyID] = &cp
}

func (c *captureCache) Invalidate(ctx context.Context, policyIDs []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated = append(c.invalidated, append([]string(nil), policyIDs...))
	for _, id := range policyIDs {
		delete(c.entries, id)
	}
	return nil
}

func (c *captureCache) Ping(ctx context.Context) error { return nil }
func (c *captureCache) Close() error                   { return nil }

// =========================
// job queue capture
// =========================

// fakeJobQueue satisfies JobService for services that only enqueue.
type fakeJobQueue struct {
	mu         sync.Mutex
	executions []uuid.UUID
	enqueueErr error
}

func (f *fakeJobQueue) Enqueue(dbc dbctx.Context, requestedBy uuid.UUID, jobType string, entityType string, entityID *uuid.UUID, payload map[string]any) (*types.JobRun, error) {
	return &types.JobRun{ID: uuid.New(), JobType: jobType, Status: JobStatusQueued}, nil
}

func (f *fakeJobQueue) EnqueueRollbackExecution(dbc dbctx.Context, requestedBy uuid.UUID, executionID uuid.UUID) (*types.JobRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.enqueueErr != nil {
		return nil, f.enqueueErr
	}
	f.executions = append(f.executions, executionID)
	return &types.JobRun{ID: uuid.New(), JobType: JobTypePolicyRollback, Status: JobStatusQueued}, nil
}

func (f *fakeJobQueue) EnqueueConsentExpirySweep(dbc dbctx.Context) (*types.JobRun, bool, error) {
	return nil, false, nil
}

func (f *fakeJobQueue) EnqueueAuditRetentionSweep(dbc dbctx.Context) (*types.JobRun, bool, error) {
	return nil, false, nil
}

func (f *fakeJobQueue) Get(dbc dbctx.Context, jobID uuid.UUID) (*types.JobRun, error) {
	return nil, fmt.Errorf("job not found")
}

func (f *fakeJobQueue) List(dbc dbctx.Context, jobType string, status string, limit int) ([]*types.JobRun, error) {
	return nil, nil
}

func (f *fakeJobQueue) Cancel(dbc dbctx.Context, jobID uuid.UUID) (*types.JobRun, error) {
	return nil, fmt.Errorf("job not found")
}

func (f *fakeJobQueue) Restart(dbc dbctx.Context, jobID uuid.UUID) (*types.JobRun, error) {
	return nil, fmt.Errorf("job not found")
}

// actorContext returns a context carrying an authenticated actor, the way
// the auth middleware would after verifying a token.
func actorContext(actorID uuid.UUID, role string) context.Context {
	return ctxutil.WithRequestData(context.Background(), &ctxutil.RequestData{
		ActorID:   actorID,
		Role:      role,
		SessionID: uuid.New(),
	})
}
