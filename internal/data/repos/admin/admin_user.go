package admin

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

type UserRepo interface {
	Create(dbc dbctx.Context, u *types.AdminUser) (*types.AdminUser, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AdminUser, error)
	GetByEmail(dbc dbctx.Context, email string) (*types.AdminUser, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
}

type userRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewUserRepo(db *gorm.DB, baseLog *logger.Logger) UserRepo {
	return &userRepo{
		db:  db,
		log: baseLog.With("repo", "AdminUserRepo"),
	}
}

func (r *userRepo) Create(dbc dbctx.Context, u *types.AdminUser) (*types.AdminUser, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if u == nil {
		return nil, nil
	}
	if err := transaction.WithContext(dbc.Ctx).Create(u).Error; err != nil {
		return nil, err
	}
	return u, nil
}

func (r *userRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*types.AdminUser, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if id == uuid.Nil {
		return nil, nil
	}
	var row types.AdminUser
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

func (r *userRepo) GetByEmail(dbc dbctx.Context, email string) (*types.AdminUser, error) {
	transaction := dbc.Tx
	if transaction == nil {
		transaction = r.db
	}
	if email == "" {
		return nil, nil
	}
	var row types.AdminUser
	err := transaction.WithContext(dbc.Ctx).
		Where("email = ?", email).
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

func (r *userRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
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
		Model(&types.AdminUser{}).
		Where("id = ?", id).
		Updates(updates).Error
}
