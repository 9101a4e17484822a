package app

import (
	"fmt"
	"os"
	"strings"

	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/jobs/pipeline/audit_retention"
	"github.com/telopea-platform/compliance-backend/internal/jobs/pipeline/consent_expiry"
	"github.com/telopea-platform/compliance-backend/internal/jobs/pipeline/policy_rollback"
	jobruntime "github.com/telopea-platform/compliance-backend/internal/jobs/runtime"
	"github.com/telopea-platform/compliance-backend/internal/jobs/scheduler"
	"github.com/telopea-platform/compliance-backend/internal/jobs/worker"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/realtime"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type Services struct {
	// Auth + policy domain
	Auth         services.AuthService
	Policy       services.PolicyService
	PolicySet    services.AtomicPolicySetService
	RollbackPlan services.RollbackPlanService
	Rollback     services.RollbackService
	Audit        services.AuditService
	Consent      services.ConsentService

	// Advisory locks shared by the policy-set and rollback paths.
	Locks services.PolicyLockService

	// Jobs + notifications
	JobNotifier        services.JobNotifier
	ComplianceNotifier services.ComplianceNotifier
	JobService         services.JobService

	// Job infra
	JobRegistry  *jobruntime.Registry
	JobWorker    *worker.Worker
	JobScheduler *scheduler.Scheduler

	// Process role flags resolved from RUN_SERVER / RUN_WORKER.
	RunServer bool
	RunWorker bool
}

func wireServices(db *gorm.DB, log *logger.Logger, cfg Config, repos Repos, sseHub *realtime.SSEHub, clients Clients) (Services, error) {
	log.Info("Wiring services...")

	txr := services.NewTxRunner(db)
	locks := services.NewPolicyLockService()

	runServer := strings.EqualFold(strings.TrimSpace(os.Getenv("RUN_SERVER")), "true")
	runWorker := strings.EqualFold(strings.TrimSpace(os.Getenv("RUN_WORKER")), "true")
	if !runServer && !runWorker {
		// Single-binary default: API and worker in one process.
		runServer = true
		runWorker = true
	}

	var emitter services.SSEEmitter
	if runServer {
		// API: broadcast locally to connected clients
		emitter = &services.HubEmitter{Hub: sseHub}
	} else {
		// Worker: publish to Redis so the API can fan-out to clients
		if clients.SSEBus == nil {
			return Services{}, fmt.Errorf("worker requires REDIS_ADDR to publish SSE events")
		}
		emitter = &services.RedisEmitter{Bus: clients.SSEBus}
	}

	jobNotifier := services.NewJobNotifier(emitter)
	complianceNotifier := services.NewComplianceNotifier(emitter)
	jobService := services.NewJobService(db, log, repos.JobRun, jobNotifier)

	authService := services.NewAuthService(db, log, txr, repos.AdminUser, repos.AuditEntry, cfg.JWTSecretKey, cfg.AccessTokenTTL)
	policyService := services.NewPolicyService(db, log, repos.PolicyVersion, clients.Cache)
	auditService := services.NewAuditService(db, log, repos.AuditEntry)

	policySetService := services.NewAtomicPolicySetService(
		db, log, txr,
		repos.PolicyVersion,
		repos.PolicyChangeSet,
		repos.AuditEntry,
		locks,
		clients.Cache,
		complianceNotifier,
	)

	rollbackPlanService := services.NewRollbackPlanService(
		db, log, txr,
		repos.RollbackPlan,
		repos.PolicyVersion,
		repos.PolicyChangeSet,
		repos.AuditEntry,
		locks,
	)

	rollbackService := services.NewRollbackService(
		db, log, txr,
		repos.RollbackPlan,
		repos.RollbackExecution,
		repos.PolicyVersion,
		repos.PolicyChangeSet,
		repos.AuditEntry,
		locks,
		clients.Cache,
		complianceNotifier,
		jobService,
	)

	consentService := services.NewConsentService(db, log, txr, repos.ConsentRecord, repos.AuditEntry, complianceNotifier)

	// Job registry
	jobRegistry := jobruntime.NewRegistry()

	policyRollback := policy_rollback.New(db, log, rollbackService, repos.RollbackExecution)
	if err := jobRegistry.Register(policyRollback); err != nil {
		return Services{}, err
	}

	consentExpiry := consent_expiry.New(db, log, consentService)
	if err := jobRegistry.Register(consentExpiry); err != nil {
		return Services{}, err
	}

	auditRetention := audit_retention.New(db, log, auditService)
	if err := jobRegistry.Register(auditRetention); err != nil {
		return Services{}, err
	}

	var jobWorker *worker.Worker
	var jobScheduler *scheduler.Scheduler
	if runWorker {
		jobWorker = worker.NewWorker(db, log, repos.JobRun, jobRegistry, jobNotifier)
		jobScheduler = scheduler.NewScheduler(log, jobService)
	}

	return Services{
		Auth:               authService,
		Policy:             policyService,
		PolicySet:          policySetService,
		RollbackPlan:       rollbackPlanService,
		Rollback:           rollbackService,
		Audit:              auditService,
		Consent:            consentService,
		Locks:              locks,
		JobNotifier:        jobNotifier,
		ComplianceNotifier: complianceNotifier,
		JobService:         jobService,
		JobRegistry:        jobRegistry,
		JobWorker:          jobWorker,
		JobScheduler:       jobScheduler,
		RunServer:          runServer,
		RunWorker:          runWorker,
	}, nil
}
