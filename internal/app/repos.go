package app

import (
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

type Repos struct {
	PolicyVersion     repos.PolicyVersionRepo
	PolicyChangeSet   repos.PolicyChangeSetRepo
	RollbackPlan      repos.RollbackPlanRepo
	RollbackExecution repos.RollbackExecutionRepo
	AuditEntry        repos.AuditEntryRepo
	ConsentRecord     repos.ConsentRecordRepo
	AdminUser         repos.AdminUserRepo
	JobRun            repos.JobRunRepo
}

func wireRepos(db *gorm.DB, log *logger.Logger) Repos {
	log.Info("Wiring repos...")
	return Repos{
		PolicyVersion:     repos.NewPolicyVersionRepo(db, log),
		PolicyChangeSet:   repos.NewPolicyChangeSetRepo(db, log),
		RollbackPlan:      repos.NewRollbackPlanRepo(db, log),
		RollbackExecution: repos.NewRollbackExecutionRepo(db, log),
		AuditEntry:        repos.NewAuditEntryRepo(db, log),
		ConsentRecord:     repos.NewConsentRecordRepo(db, log),
		AdminUser:         repos.NewAdminUserRepo(db, log),
		JobRun:            repos.NewJobRunRepo(db, log),
	}
}
