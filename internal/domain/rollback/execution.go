package rollback

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// RollbackExecution is one run of an approved plan. Phases, Logs and Metrics
// are re-persisted at every phase and operation boundary so a poller watching
// the row sees progress without waiting for the run to finish.
type RollbackExecution struct {
	ID     uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	PlanID uuid.UUID `gorm:"column:plan_id;type:uuid;not null;index" json:"plan_id"`

	// preparing|validating|executing|validating_result|completed|failed|cancelled|rolling_back
	Status string `gorm:"column:status;type:text;not null;default:'preparing';index" json:"status"`

	ExecutedBy  string     `gorm:"column:executed_by;type:text;index" json:"executed_by,omitempty"`
	StartedAt   *time.Time `gorm:"column:started_at" json:"started_at,omitempty"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completed_at,omitempty"`

	Phases  datatypes.JSON `gorm:"column:phases;type:jsonb" json:"phases,omitempty"`
	Logs    datatypes.JSON `gorm:"column:logs;type:jsonb" json:"logs,omitempty"`
	Metrics datatypes.JSON `gorm:"column:metrics;type:jsonb" json:"metrics,omitempty"`
	Result  datatypes.JSON `gorm:"column:result;type:jsonb" json:"result,omitempty"`

	// Change set written by the backup phase; compensation restores from it.
	BackupChangeSetID *uuid.UUID `gorm:"column:backup_change_set_id;type:uuid" json:"backup_change_set_id,omitempty"`

	Error string `gorm:"column:error;type:text" json:"error,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now();index" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now();index" json:"updated_at"`
}

func (RollbackExecution) TableName() string { return "rollback_execution" }

// OperationExecution tracks one operation inside a running phase.
type OperationExecution struct {
	OperationID string `json:"operation_id"`
	Type        string `json:"type"`
	Target      string `json:"target,omitempty"`
	// pending|running|completed|failed|skipped
	Status      string     `json:"status"`
	Attempts    int        `json:"attempts"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// PhaseExecution tracks one phase of a running plan.
type PhaseExecution struct {
	PhaseID string `json:"phase_id"`
	Name    string `json:"name"`
	Order   int    `json:"order"`
	// pending|running|completed|failed|skipped
	Status      string               `json:"status"`
	StartedAt   *time.Time           `json:"started_at,omitempty"`
	CompletedAt *time.Time           `json:"completed_at,omitempty"`
	Operations  []OperationExecution `json:"operations,omitempty"`
	Error       string               `json:"error,omitempty"`
}

// ExecutionLogEntry is one line of the run's append-only log.
type ExecutionLogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	// info|warn|error
	Level   string `json:"level"`
	Source  string `json:"source,omitempty"`
	Message string `json:"message"`
}

// ExecutionMetrics are running counters persisted with the row.
type ExecutionMetrics struct {
	PhasesCompleted     int `json:"phases_completed"`
	OperationsCompleted int `json:"operations_completed"`
	ValidationsPassed   int `json:"validations_passed"`
	ValidationsFailed   int `json:"validations_failed"`
	RetryAttempts       int `json:"retry_attempts"`
	Errors              int `json:"errors"`
	Warnings            int `json:"warnings"`
}

// RollbackResult is the final summary written when a run reaches a terminal
// status.
type RollbackResult struct {
	Success            bool               `json:"success"`
	CompletedPhases    []string           `json:"completed_phases,omitempty"`
	FailedPhases       []string           `json:"failed_phases,omitempty"`
	ValidationResults  []ValidationResult `json:"validation_results,omitempty"`
	PerformanceBefore  map[string]float64 `json:"performance_before,omitempty"`
	PerformanceAfter   map[string]float64 `json:"performance_after,omitempty"`
	DataIntegrity      bool               `json:"data_integrity"`
	RecommendedActions []string           `json:"recommended_actions,omitempty"`
}

func (e *RollbackExecution) DecodePhases() ([]PhaseExecution, error) {
	if len(e.Phases) == 0 {
		return nil, nil
	}
	var out []PhaseExecution
	if err := json.Unmarshal(e.Phases, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *RollbackExecution) SetPhases(phases []PhaseExecution) error {
	raw, err := json.Marshal(phases)
	if err != nil {
		return err
	}
	e.Phases = datatypes.JSON(raw)
	return nil
}

func (e *RollbackExecution) DecodeLogs() ([]ExecutionLogEntry, error) {
	if len(e.Logs) == 0 {
		return nil, nil
	}
	var out []ExecutionLogEntry
	if err := json.Unmarshal(e.Logs, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *RollbackExecution) SetLogs(logs []ExecutionLogEntry) error {
	raw, err := json.Marshal(logs)
	if err != nil {
		return err
	}
	e.Logs = datatypes.JSON(raw)
	return nil
}

func (e *RollbackExecution) DecodeMetrics() (ExecutionMetrics, error) {
	var out ExecutionMetrics
	if len(e.Metrics) == 0 {
		return out, nil
	}
	err := json.Unmarshal(e.Metrics, &out)
	return out, err
}

func (e *RollbackExecution) SetMetrics(m ExecutionMetrics) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	e.Metrics = datatypes.JSON(raw)
	return nil
}

func (e *RollbackExecution) DecodeResult() (*RollbackResult, error) {
	if len(e.Result) == 0 {
		return nil, nil
	}
	var out RollbackResult
	if err := json.Unmarshal(e.Result, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (e *RollbackExecution) SetResult(r RollbackResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	e.Result = datatypes.JSON(raw)
	return nil
}
