package consent

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

type RecordRepo interface {
	Create(dbc dbctx.Context, rec *types.ConsentRecord) (*types.ConsentRecord, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ConsentRecord, error)
	GetLive(dbc dbctx.Context, subjectID string, purpose string) (*types.ConsentRecord, error)
	ListBySubject(dbc dbctx.Context, subjectID string, limit int) ([]*types.ConsentRecord, error)
	ListExpiring(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.ConsentRecord, error)
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error)
}

type recordRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewRecordRepo(db *gorm.DB, baseLog *logger.Logger) RecordRepo {
	return &recordRepo{
		db:  db,
		log: baseLog.With("repo", "ConsentRecordRepo"),
	}
}

func (r *recordRepo) Create(dbc dbctx.Context, rec *types.ConsentRecord) (*types.ConsentRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if rec == nil {
		return nil, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(rec).Error; err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *recordRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.ConsentRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var row types.ConsentRecord
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

func (r *recordRepo) GetLive(dbc dbctx.Context, subjectID string, purpose string) (*types.ConsentRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if subjectID == "" || purpose == "" {
		return nil, nil
	}
	var row types.ConsentRecord
	err := transaction.WithContext(dbc.Ctx).
		Where("subject_id = ? AND purpose = ? AND status IN ?", subjectID, purpose, []string{"pending", "granted"}).
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

func (r *recordRepo) ListBySubject(dbc dbctx.Context, subjectID string, limit int) ([]*types.ConsentRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if subjectID == "" {
		return nil, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("subject_id = ?", subjectID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []*types.ConsentRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *recordRepo) ListExpiring(dbc dbctx.Context, cutoff time.Time, limit int) ([]*types.ConsentRecord, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if cutoff.IsZero() {
		return nil, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", "granted", cutoff).
		Order("expires_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []*types.ConsentRecord
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *recordRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []string, updates map[string]interface{}) (bool, error) {
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
		Model(&types.ConsentRecord{}).
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
