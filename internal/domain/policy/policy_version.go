package policy

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PolicyVersion is one immutable version of an administrative policy.
// Content never changes after insert; lifecycle transitions only touch
// Status. The newest row by CreatedAt is the policy's latest version.
type PolicyVersion struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	PolicyID string `gorm:"column:policy_id;type:text;not null;index:idx_policy_version_policy_version,unique,priority:1;index" json:"policy_id"`
	Version  string `gorm:"column:version;type:text;not null;index:idx_policy_version_policy_version,unique,priority:2" json:"version"`

	ContentHash string         `gorm:"column:content_hash;type:text;not null;index" json:"content_hash"`
	Content     datatypes.JSON `gorm:"column:content;type:jsonb;not null" json:"content"`
	Metadata    datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	// Version of the same policy this row was derived from; lineage is acyclic.
	ParentVersion string         `gorm:"column:parent_version;type:text;index" json:"parent_version,omitempty"`
	Tags          datatypes.JSON `gorm:"column:tags;type:jsonb" json:"tags,omitempty"`

	// draft|review|approved|active|deprecated|archived|rollback_target
	Status string `gorm:"column:status;type:text;not null;default:'draft';index" json:"status"`

	CreatedBy string    `gorm:"column:created_by;type:text;index" json:"created_by,omitempty"`
	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (PolicyVersion) TableName() string { return "policy_version" }

// PolicyMetadata is the documented shape of PolicyVersion.Metadata.
type PolicyMetadata struct {
	Title     string   `json:"title,omitempty"`
	Category  string   `json:"category,omitempty"`
	Severity  string   `json:"severity,omitempty"`
	Reviewers []string `json:"reviewers,omitempty"`
}
