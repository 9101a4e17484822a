package domain

import (
	"github.com/telopea-platform/compliance-backend/internal/domain/admin"
	"github.com/telopea-platform/compliance-backend/internal/domain/audit"
	"github.com/telopea-platform/compliance-backend/internal/domain/consent"
	"github.com/telopea-platform/compliance-backend/internal/domain/jobs"
	"github.com/telopea-platform/compliance-backend/internal/domain/policy"
	"github.com/telopea-platform/compliance-backend/internal/domain/rollback"
)

type PolicyVersion = policy.PolicyVersion
type PolicyMetadata = policy.PolicyMetadata
type PolicyChangeSet = policy.PolicyChangeSet
type ChangeSetEntry = policy.ChangeSetEntry
type PolicySnapshot = policy.PolicySnapshot

type RollbackPlan = rollback.RollbackPlan
type RollbackTarget = rollback.RollbackTarget
type RollbackScope = rollback.RollbackScope
type TimeWindow = rollback.TimeWindow
type RollbackPhase = rollback.RollbackPhase
type RollbackOperation = rollback.RollbackOperation
type RollbackValidation = rollback.RollbackValidation
type ValidationCheck = rollback.ValidationCheck
type ValidationResult = rollback.ValidationResult
type ContingencyPlan = rollback.ContingencyPlan

type RollbackExecution = rollback.RollbackExecution
type PhaseExecution = rollback.PhaseExecution
type OperationExecution = rollback.OperationExecution
type ExecutionLogEntry = rollback.ExecutionLogEntry
type ExecutionMetrics = rollback.ExecutionMetrics
type RollbackResult = rollback.RollbackResult

type AuditEntry = audit.AuditEntry
type ChainGap = audit.ChainGap
type ChainVerification = audit.ChainVerification

func ComputeAuditHash(e *audit.AuditEntry) string { return audit.ComputeHash(e) }

type ConsentRecord = consent.ConsentRecord

type AdminUser = admin.AdminUser

type JobRun = jobs.JobRun
