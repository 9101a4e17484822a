package policy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

type VersionRepo interface {
	Create(dbc dbctx.Context, rows []*types.PolicyVersion) ([]*types.PolicyVersion, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PolicyVersion, error)
	GetLatest(dbc dbctx.Context, policyID string) (*types.PolicyVersion, error)
	GetLatestBatch(dbc dbctx.Context, policyIDs []string) (map[string]*types.PolicyVersion, error)
	GetByPolicyVersion(dbc dbctx.Context, policyID string, version string) (*types.PolicyVersion, error)
	ListVersions(dbc dbctx.Context, policyID string, limit int) ([]*types.PolicyVersion, error)
	ListPolicyIDs(dbc dbctx.Context) ([]string, error)
	LatestAsOf(dbc dbctx.Context, policyID string, at time.Time) (*types.PolicyVersion, error)
	LatestTagged(dbc dbctx.Context, policyID string, tag string) (*types.PolicyVersion, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// DeleteByID physically removes a version row. Only compensation for a
	// failed policy-set transaction uses it; committed history is never
	// deleted.
	DeleteByID(dbc dbctx.Context, id uuid.UUID) error
}

type versionRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewVersionRepo(db *gorm.DB, baseLog *logger.Logger) VersionRepo {
	return &versionRepo{
		db:  db,
		log: baseLog.With("repo", "PolicyVersionRepo"),
	}
}

func (r *versionRepo) Create(dbc dbctx.Context, rows []*types.PolicyVersion) ([]*types.PolicyVersion, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if len(rows) == 0 {
		return []*types.PolicyVersion{}, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *versionRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.PolicyVersion, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var row types.PolicyVersion
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

func (r *versionRepo) GetLatest(dbc dbctx.Context, policyID string) (*types.PolicyVersion, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if policyID == "" {
		return nil, nil
	}
	var row types.PolicyVersion
	err := transaction.WithContext(dbc.Ctx).
		Where("policy_id = ?", policyID).
		Order("created_at DESC").
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

func (r *versionRepo) GetLatestBatch(dbc dbctx.Context, policyIDs []string) (map[string]*types.PolicyVersion, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	out := map[string]*types.PolicyVersion{}
	if len(policyIDs) == 0 {
		return out, nil
	}
	var rows []*types.PolicyVersion
	err := transaction.WithContext(dbc.Ctx).
		Select("DISTINCT ON (policy_id) *").
		Where("policy_id IN ?", policyIDs).
		Order("policy_id, created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.PolicyID] = row
	}
	return out, nil
}

func (r *versionRepo) GetByPolicyVersion(dbc dbctx.Context, policyID string, version string) (*types.PolicyVersion, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if policyID == "" || version == "" {
		return nil, nil
	}
	var row types.PolicyVersion
	err := transaction.WithContext(dbc.Ctx).
		Where("policy_id = ? AND version = ?", policyID, version).
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

func (r *versionRepo) ListVersions(dbc dbctx.Context, policyID string, limit int) ([]*types.PolicyVersion, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if policyID == "" {
		return nil, nil
	}
	q := transaction.WithContext(dbc.Ctx).
		Where("policy_id = ?", policyID).
		Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []*types.PolicyVersion
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return rows, nil
}

func (r *versionRepo) ListPolicyIDs(dbc dbctx.Context) ([]string, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	var ids []string
	err := transaction.WithContext(dbc.Ctx).
		Model(&types.PolicyVersion{}).
		Distinct("policy_id").
		Order("policy_id ASC").
		Pluck("policy_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *versionRepo) LatestAsOf(dbc dbctx.Context, policyID string, at time.Time) (*types.PolicyVersion, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if policyID == "" || at.IsZero() {
		return nil, nil
	}
	var row types.PolicyVersion
	err := transaction.WithContext(dbc.Ctx).
		Where("policy_id = ? AND created_at <= ?", policyID, at).
		Order("created_at DESC").
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

func (r *versionRepo) LatestTagged(dbc dbctx.Context, policyID string, tag string) (*types.PolicyVersion, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if policyID == "" || tag == "" {
		return nil, nil
	}
	needle, err := json.Marshal([]string{tag})
	if err != nil {
		return nil, err
	}
	var row types.PolicyVersion
	err = transaction.WithContext(dbc.Ctx).
		Where("policy_id = ? AND tags @> ?::jsonb", policyID, string(needle)).
		Order("created_at DESC").
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

func (r *versionRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.PolicyVersion{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *versionRepo) DeleteByID(dbc dbctx.Context, id uuid.UUID) error {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil
	}
	return transaction.WithContext(dbc.Ctx).
		Where("id = ?", id).
		Delete(&types.PolicyVersion{}).Error
}
