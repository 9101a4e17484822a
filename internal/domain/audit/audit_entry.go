package audit

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// AuditEntry is one row of the append-only administrative audit trail. Seq is
// a gapless chain position assigned at insert; Hash covers the entry plus
// PrevHash, so any edit or deletion inside the chain is detectable.
type AuditEntry struct {
	ID  uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	Seq int64     `gorm:"column:seq;not null;uniqueIndex" json:"seq"`

	ActorID string `gorm:"column:actor_id;type:text;not null;index" json:"actor_id"`
	Action  string `gorm:"column:action;type:text;not null;index" json:"action"`
	Target  string `gorm:"column:target;type:text;index" json:"target,omitempty"`

	Details datatypes.JSON `gorm:"column:details;type:jsonb" json:"details,omitempty"`

	// success|failure|denied
	Result string `gorm:"column:result;type:text;not null;default:'success'" json:"result"`

	SessionID string `gorm:"column:session_id;type:text;index" json:"session_id,omitempty"`
	RequestID string `gorm:"column:request_id;type:text" json:"request_id,omitempty"`
	IPAddress string `gorm:"column:ip_address;type:text" json:"ip_address,omitempty"`

	// Entries touching culturally sensitive material are exempt from
	// retention purges regardless of age.
	CulturalSensitive bool   `gorm:"column:cultural_sensitive;not null;default:false;index" json:"cultural_sensitive"`
	Category          string `gorm:"column:category;type:text;not null;default:'general';index" json:"category"`

	PrevHash string `gorm:"column:prev_hash;type:text;not null" json:"prev_hash"`
	Hash     string `gorm:"column:hash;type:text;not null" json:"hash"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (AuditEntry) TableName() string { return "audit_entry" }

func (e *AuditEntry) SetDetails(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	e.Details = datatypes.JSON(raw)
	return nil
}

func (e *AuditEntry) DecodeDetails() (map[string]any, error) {
	if len(e.Details) == 0 {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(e.Details, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ChainGap describes a break found while verifying the audit chain.
type ChainGap struct {
	Seq    int64  `json:"seq"`
	Reason string `json:"reason"`
}

// ChainVerification is the outcome of walking the full chain.
type ChainVerification struct {
	Valid      bool       `json:"valid"`
	Entries    int64      `json:"entries"`
	Gaps       []ChainGap `json:"gaps,omitempty"`
	VerifiedAt time.Time  `json:"verified_at"`
}
