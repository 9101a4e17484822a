package consent_expiry

import (
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type Pipeline struct {
	db       *gorm.DB
	log      *logger.Logger
	consents services.ConsentService
}

func New(db *gorm.DB, baseLog *logger.Logger, consents services.ConsentService) *Pipeline {
	return &Pipeline{
		db:       db,
		log:      baseLog.With("job", services.JobTypeConsentExpiry),
		consents: consents,
	}
}

func (p *Pipeline) Type() string { return services.JobTypeConsentExpiry }
