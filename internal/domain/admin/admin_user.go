package admin

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// AdminUser is an operator account for the compliance console.
type AdminUser struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	Email        string `gorm:"column:email;type:text;not null;uniqueIndex" json:"email"`
	PasswordHash string `gorm:"column:password_hash;type:text;not null" json:"-"`

	// admin|operator|auditor
	Role string `gorm:"column:role;type:text;not null;default:'operator';index" json:"role"`

	LastLoginAt *time.Time `gorm:"column:last_login_at" json:"last_login_at,omitempty"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (AdminUser) TableName() string { return "admin_user" }
