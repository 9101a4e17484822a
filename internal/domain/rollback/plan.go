package rollback

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RollbackPlan is a reviewed, approvable description of how to return a set
// of policies to an earlier state. Target, Scope, Phases, Validation and
// Contingency are frozen at build time; only Status, the approval fields and
// ValidationResults move afterwards.
type RollbackPlan struct {
	ID uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`

	Name        string `gorm:"column:name;type:text;not null" json:"name"`
	Description string `gorm:"column:description;type:text" json:"description,omitempty"`

	Target      datatypes.JSON `gorm:"column:target;type:jsonb;not null" json:"target"`
	Scope       datatypes.JSON `gorm:"column:scope;type:jsonb;not null" json:"scope"`
	Phases      datatypes.JSON `gorm:"column:phases;type:jsonb;not null" json:"phases"`
	Validation  datatypes.JSON `gorm:"column:validation;type:jsonb" json:"validation,omitempty"`
	Contingency datatypes.JSON `gorm:"column:contingency;type:jsonb" json:"contingency,omitempty"`

	// draft|planned|approved|scheduled|in_progress|completed|failed|cancelled|partial
	Status string `gorm:"column:status;type:text;not null;default:'draft';index" json:"status"`

	ValidationResults datatypes.JSON `gorm:"column:validation_results;type:jsonb" json:"validation_results,omitempty"`

	CreatedBy  string     `gorm:"column:created_by;type:text;index" json:"created_by,omitempty"`
	ApprovedBy string     `gorm:"column:approved_by;type:text" json:"approved_by,omitempty"`
	ApprovedAt *time.Time `gorm:"column:approved_at" json:"approved_at,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (RollbackPlan) TableName() string { return "rollback_plan" }

// RollbackTarget names the state a rollback restores.
type RollbackTarget struct {
	// version|timestamp|changeset|tag
	Type  string `json:"type"`
	Value string `json:"value"`

	PolicyIDs          []string `json:"policy_ids,omitempty"`
	IncludeData        bool     `json:"include_data,omitempty"`
	PreserveAuditTrail bool     `json:"preserve_audit_trail"`
}

// TimeWindow bounds the changes a rollback is allowed to undo.
type TimeWindow struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// RollbackScope is the blast-radius statement reviewers approve against.
type RollbackScope struct {
	IncludedPolicies []string    `json:"included_policies"`
	ExcludedPolicies []string    `json:"excluded_policies,omitempty"`
	AffectedSystems  []string    `json:"affected_systems,omitempty"`
	TimeWindow       *TimeWindow `json:"time_window,omitempty"`
	ImpactAssessment string      `json:"impact_assessment,omitempty"`
}

// RollbackOperation is one unit of work inside a phase.
type RollbackOperation struct {
	ID string `json:"id"`
	// backup_current|restore_policy|restore_data|clear_cache|restart_service|execute_script|validate_state|notify_systems|update_config
	Type       string         `json:"type"`
	Target     string         `json:"target,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`

	// Critical operations abort the run on failure; non-critical ones log and continue.
	Critical       bool `json:"critical"`
	RetryCount     int  `json:"retry_count,omitempty"`
	TimeoutSeconds int  `json:"timeout_seconds,omitempty"`
}

// RollbackPhase groups operations that run together, ordered by Order.
// Dependencies name phase IDs that must complete first.
type RollbackPhase struct {
	ID           string              `json:"id"`
	Name         string              `json:"name"`
	Order        int                 `json:"order"`
	Operations   []RollbackOperation `json:"operations"`
	Dependencies []string            `json:"dependencies,omitempty"`

	RollbackOnFailure bool `json:"rollback_on_failure"`
	TimeoutMinutes    int  `json:"timeout_minutes,omitempty"`
}

// ValidationCheck is one named check in a plan's pre or post suite. Checks
// whose ID contains "critical" gate approval and execution.
type ValidationCheck struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description,omitempty"`
}

// RollbackValidation holds the suites run before and after execution.
type RollbackValidation struct {
	PreRollback  []ValidationCheck `json:"pre_rollback,omitempty"`
	PostRollback []ValidationCheck `json:"post_rollback,omitempty"`
}

// ValidationResult is the outcome of one check run.
type ValidationResult struct {
	CheckID   string    `json:"check_id"`
	Passed    bool      `json:"passed"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ContingencyPlan tells operators what to do when the rollback itself fails.
type ContingencyPlan struct {
	Description        string   `json:"description,omitempty"`
	ManualSteps        []string `json:"manual_steps,omitempty"`
	EscalationContacts []string `json:"escalation_contacts,omitempty"`
}

func (p *RollbackPlan) DecodeTarget() (RollbackTarget, error) {
	var out RollbackTarget
	if len(p.Target) == 0 {
		return out, nil
	}
	err := json.Unmarshal(p.Target, &out)
	return out, err
}

func (p *RollbackPlan) SetTarget(t RollbackTarget) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	p.Target = datatypes.JSON(raw)
	return nil
}

func (p *RollbackPlan) DecodeScope() (RollbackScope, error) {
	var out RollbackScope
	if len(p.Scope) == 0 {
		return out, nil
	}
	err := json.Unmarshal(p.Scope, &out)
	return out, err
}

func (p *RollbackPlan) SetScope(s RollbackScope) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return err
	}
	p.Scope = datatypes.JSON(raw)
	return nil
}

func (p *RollbackPlan) DecodePhases() ([]RollbackPhase, error) {
	if len(p.Phases) == 0 {
		return nil, nil
	}
	var out []RollbackPhase
	if err := json.Unmarshal(p.Phases, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *RollbackPlan) SetPhases(phases []RollbackPhase) error {
	raw, err := json.Marshal(phases)
	if err != nil {
		return err
	}
	p.Phases = datatypes.JSON(raw)
	return nil
}

func (p *RollbackPlan) DecodeValidation() (RollbackValidation, error) {
	var out RollbackValidation
	if len(p.Validation) == 0 {
		return out, nil
	}
	err := json.Unmarshal(p.Validation, &out)
	return out, err
}

func (p *RollbackPlan) SetValidation(v RollbackValidation) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	p.Validation = datatypes.JSON(raw)
	return nil
}

func (p *RollbackPlan) DecodeContingency() (ContingencyPlan, error) {
	var out ContingencyPlan
	if len(p.Contingency) == 0 {
		return out, nil
	}
	err := json.Unmarshal(p.Contingency, &out)
	return out, err
}

func (p *RollbackPlan) SetContingency(c ContingencyPlan) error {
	raw, err := json.Marshal(c)
	if err != nil {
		return err
	}
	p.Contingency = datatypes.JSON(raw)
	return nil
}

func (p *RollbackPlan) DecodeValidationResults() ([]ValidationResult, error) {
	if len(p.ValidationResults) == 0 {
		return nil, nil
	}
	var out []ValidationResult
	if err := json.Unmarshal(p.ValidationResults, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *RollbackPlan) SetValidationResults(results []ValidationResult) error {
	raw, err := json.Marshal(results)
	if err != nil {
		return err
	}
	p.ValidationResults = datatypes.JSON(raw)
	return nil
}
