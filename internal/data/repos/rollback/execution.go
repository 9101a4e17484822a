package rollback

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

// Statuses an execution can still move out of.
var activeExecutionStatuses = []string{"preparing", "validating", "executing", "validating_result", "rolling_back"}

type ExecutionRepo interface {
	Create(dbc dbctx.Context, exec *types.RollbackExecution) (*types.RollbackExecution, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.RollbackExecution, error)
	ListByPlan(dbc dbctx.Context, planID uuid.UUID, limit int) ([]*types.RollbackExecution, error)
	ExistsActiveForPlan(dbc dbctx.Context, planID uuid.UUID) (bool, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
}

type executionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewExecutionRepo(db *gorm.DB, baseLog *logger.Logger) ExecutionRepo {
	return &executionRepo{
		db:  db,
		log: baseLog.With("repo", "RollbackExecutionRepo"),
	}
}

func (r *executionRepo) Create(dbc dbctx.Context, exec *types.RollbackExecution) (*types.RollbackExecution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if exec == nil {
		return nil, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(exec).Error; err != nil {
		return nil, err
	}
	return exec, nil
}

func (r *executionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.RollbackExecution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var row types.RollbackExecution
	err := transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Limit(1).
		Find(&row).Error
	if err != nil {
		return nil, err
	}
	if row.ID == uuid.Nil {
		return nil, nil
	}
	return &row, nil
}

func (r *executionRepo) ListByPlan(dbc dbctx.Context, planID uuid.UUID, limit int) ([]*types.RollbackExecution, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if planID == uuid.Nil {
		return nil, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("plan_id = ?", planID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []*types.RollbackExecution
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *executionRepo) ExistsActiveForPlan(dbc dbctx.Context, planID uuid.UUID) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if planID == uuid.Nil {
		return false, nil
	}
	var count int64
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.RollbackExecution{}).
		Where("plan_id = ? AND status IN ?", planID, activeExecutionStatuses).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *executionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}
	return transaction.WithContext(dbc.Ctx).
		Model(&types.RollbackExecution{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *executionRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now()
	}

	q := transaction.WithContext(dbc.Ctx).
		Model(&types.RollbackExecution{}).
		Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
