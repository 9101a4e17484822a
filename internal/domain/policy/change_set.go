package policy

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PolicyChangeSet records the per-policy effects of one committed policy-set
// transaction (kind "transaction"), or a point-in-time snapshot taken before a
// rollback touches the store (kind "backup"). Rows are append-only.
type PolicyChangeSet struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	// transaction|backup
	Kind        string `gorm:"column:kind;type:text;not null;default:'transaction';index" json:"kind"`
	Description string `gorm:"column:description;type:text" json:"description,omitempty"`

	Entries datatypes.JSON `gorm:"column:entries;type:jsonb;not null" json:"entries"`

	CreatedBy string    `gorm:"column:created_by;type:text;index" json:"created_by,omitempty"`
	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
}

func (PolicyChangeSet) TableName() string { return "policy_change_set" }

// ChangeSetEntry is one policy's slice of a change set. Transaction entries
// carry the before/after version pair; backup entries carry a full snapshot of
// the version that was latest when the backup ran.
type ChangeSetEntry struct {
	PolicyID      string          `json:"policy_id"`
	Operation     string          `json:"operation,omitempty"` // create|update|delete|restore
	BeforeVersion string          `json:"before_version,omitempty"`
	AfterVersion  string          `json:"after_version,omitempty"`
	Snapshot      *PolicySnapshot `json:"snapshot,omitempty"`
}

// PolicySnapshot is enough of a PolicyVersion to restore it verbatim.
type PolicySnapshot struct {
	PolicyID    string          `json:"policy_id"`
	Version     string          `json:"version"`
	ContentHash string          `json:"content_hash"`
	Content     json.RawMessage `json:"content"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Status      string          `json:"status"`
}

func (c *PolicyChangeSet) DecodeEntries() ([]ChangeSetEntry, error) {
	if len(c.Entries) == 0 {
		return nil, nil
	}
	var out []ChangeSetEntry
	if err := json.Unmarshal(c.Entries, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *PolicyChangeSet) SetEntries(entries []ChangeSetEntry) error {
	raw, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	c.Entries = datatypes.JSON(raw)
	return nil
}
