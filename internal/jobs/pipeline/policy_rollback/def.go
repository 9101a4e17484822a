package policy_rollback

import (
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/data/repos"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type Pipeline struct {
	db       *gorm.DB
	log      *logger.Logger
	rollback services.RollbackService
	execs    repos.RollbackExecutionRepo
}

func New(
	db *gorm.DB,
	baseLog *logger.Logger,
	rollback services.RollbackService,
	execs repos.RollbackExecutionRepo,
) *Pipeline {
	return &Pipeline{
		db:       db,
		log:      baseLog.With("job", services.JobTypePolicyRollback),
		rollback: rollback,
		execs:    execs,
	}
}

func (p *Pipeline) Type() string { return services.JobTypePolicyRollback }
