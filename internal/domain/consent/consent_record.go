package consent

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ConsentRecord tracks one subject's consent for one purpose. Grants carry an
// optional expiry; revocation and expiry are terminal for the record, and a
// new grant for the same subject and purpose starts a fresh row so history
// stays intact.
type ConsentRecord struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	SubjectID string `gorm:"column:subject_id;type:text;not null;index:idx_consent_subject_purpose,priority:1" json:"subject_id"`
	Purpose   string `gorm:"column:purpose;type:text;not null;index:idx_consent_subject_purpose,priority:2" json:"purpose"`

	// What the subject consented to (data categories, processing operations).
	Scope datatypes.JSON `gorm:"column:scope;type:jsonb" json:"scope,omitempty"`

	// pending|granted|revoked|expired
	Status string `gorm:"column:status;type:text;not null;default:'pending';index" json:"status"`

	// Consent over culturally governed material. Granting requires a named
	// cultural authority and community.
	CulturalSensitive bool   `gorm:"column:cultural_sensitive;not null;default:false;index" json:"cultural_sensitive"`
	CulturalAuthority string `gorm:"column:cultural_authority;type:text" json:"cultural_authority,omitempty"`
	CommunityID       string `gorm:"column:community_id;type:text;index" json:"community_id,omitempty"`

	GrantedBy string     `gorm:"column:granted_by;type:text" json:"granted_by,omitempty"`
	GrantedAt *time.Time `gorm:"column:granted_at" json:"granted_at,omitempty"`
	ExpiresAt *time.Time `gorm:"column:expires_at;index" json:"expires_at,omitempty"`
	RevokedAt *time.Time `gorm:"column:revoked_at" json:"revoked_at,omitempty"`

	RevokeReason string `gorm:"column:revoke_reason;type:text" json:"revoke_reason,omitempty"`

	Metadata datatypes.JSON `gorm:"column:metadata;type:jsonb" json:"metadata,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (ConsentRecord) TableName() string { return "consent_record" }

func (c *ConsentRecord) SetScope(scope map[string]any) error {
	if scope == nil {
		c.Scope = nil
		return nil
	}
	b, err := json.Marshal(scope)
	if err != nil {
		return err
	}
	c.Scope = datatypes.JSON(b)
	return nil
}

func (c *ConsentRecord) SetMetadata(meta map[string]any) error {
	if meta == nil {
		c.Metadata = nil
		return nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	c.Metadata = datatypes.JSON(b)
	return nil
}
