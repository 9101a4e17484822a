package repos

import (
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/repos/admin"
	"github.com/telopea-platform/compliance-backend/internal/data/repos/audit"
	"github.com/telopea-platform/compliance-backend/internal/data/repos/consent"
	"github.com/telopea-platform/compliance-backend/internal/data/repos/jobs"
	"github.com/telopea-platform/compliance-backend/internal/data/repos/policy"
	"github.com/telopea-platform/compliance-backend/internal/data/repos/rollback"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

type PolicyVersionRepo = policy.VersionRepo
type PolicyChangeSetRepo = policy.ChangeSetRepo

type RollbackPlanRepo = rollback.PlanRepo
type RollbackExecutionRepo = rollback.ExecutionRepo

type AuditEntryRepo = audit.EntryRepo
type AuditEntryQuery = audit.EntryQuery
type AuditPurgeResult = audit.PurgeResult

type ConsentRecordRepo = consent.RecordRepo

type AdminUserRepo = admin.UserRepo

type JobRunRepo = jobs.JobRunRepo

func NewPolicyVersionRepo(db *gorm.DB, baseLog *logger.Logger) PolicyVersionRepo {
	return policy.NewVersionRepo(db, baseLog)
}

func NewPolicyChangeSetRepo(db *gorm.DB, baseLog *logger.Logger) PolicyChangeSetRepo {
	return policy.NewChangeSetRepo(db, baseLog)
}

func NewRollbackPlanRepo(db *gorm.DB, baseLog *logger.Logger) RollbackPlanRepo {
	return rollback.NewPlanRepo(db, baseLog)
}

func NewRollbackExecutionRepo(db *gorm.DB, baseLog *logger.Logger) RollbackExecutionRepo {
	return rollback.NewExecutionRepo(db, baseLog)
}

func NewAuditEntryRepo(db *gorm.DB, baseLog *logger.Logger) AuditEntryRepo {
	return audit.NewEntryRepo(db, baseLog)
}

func NewConsentRecordRepo(db *gorm.DB, baseLog *logger.Logger) ConsentRecordRepo {
	return consent.NewRecordRepo(db, baseLog)
}

func NewAdminUserRepo(db *gorm.DB, baseLog *logger.Logger) AdminUserRepo {
	return admin.NewUserRepo(db, baseLog)
}

func NewJobRunRepo(db *gorm.DB, baseLog *logger.Logger) JobRunRepo {
	return jobs.NewJobRunRepo(db, baseLog)
}
