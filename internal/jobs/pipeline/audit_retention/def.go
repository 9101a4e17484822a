package audit_retention

import (
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type Pipeline struct {
	db    *gorm.DB
	log   *logger.Logger
	audit services.AuditService
}

func New(db *gorm.DB, baseLog *logger.Logger, audit services.AuditService) *Pipeline {
	return &Pipeline{
		db:    db,
		log:   baseLog.With("job", services.JobTypeAuditRetention),
		audit: audit,
	}
}

func (p *Pipeline) Type() string { return services.JobTypeAuditRetention }
