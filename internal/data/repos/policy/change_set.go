package policy

import (
	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

type ChangeSetRepo interface {
	Create(dbc dbctx.Context, cs *types.PolicyChangeSet) (*types.PolicyChangeSet, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PolicyChangeSet, error)
	List(dbc dbctx.Context, kind string, limit int) ([]*types.PolicyChangeSet, error)
}

type changeSetRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewChangeSetRepo(db *gorm.DB, baseLog *logger.Logger) ChangeSetRepo {
	return &changeSetRepo{
		db:  db,
		log: baseLog.With("repo", "PolicyChangeSetRepo"),
	}
}

func (r *changeSetRepo) Create(dbc dbctx.Context, cs *types.PolicyChangeSet) (*types.PolicyChangeSet, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if cs == nil {
		return nil, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(cs).Error; err != nil {
		return nil, err
	}
	return cs, nil
}

func (r *changeSetRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PolicyChangeSet, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var row types.PolicyChangeSet
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

func (r *changeSetRepo) List(dbc dbctx.Context, kind string, limit int) ([]*types.PolicyChangeSet, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	q := transaction.WithContext(dbc.Ctx).Order("created_at DESC")
	if kind != "" {
		q = q.Where("kind = ?", kind)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []*types.PolicyChangeSet
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}
