package app

import (
	"gorm.io/gorm"

	"github.com/telopea-platform/compliance-backend/internal/http"
	httpH "github.com/telopea-platform/compliance-backend/internal/http/handlers"
	httpMW "github.com/telopea-platform/compliance-backend/internal/http/middleware"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/realtime"
)

type Middleware struct {
	Auth *httpMW.AuthMiddleware
}

type Handlers struct {
	Health    *httpH.HealthHandler
	Auth      *httpH.AuthHandler
	Realtime  *httpH.RealtimeHandler
	Policy    *httpH.PolicyHandler
	PolicySet *httpH.PolicySetHandler
	Plan      *httpH.RollbackPlanHandler
	Execution *httpH.RollbackExecutionHandler
	Audit     *httpH.AuditHandler
	Consent   *httpH.ConsentHandler
	Job       *httpH.JobHandler
}

func wireHandlers(db *gorm.DB, log *logger.Logger, services Services, sseHub *realtime.SSEHub) Handlers {
	log.Info("Wiring handlers...")
	return Handlers{
		Health:    httpH.NewHealthHandler(db),
		Auth:      httpH.NewAuthHandler(services.Auth),
		Realtime:  httpH.NewRealtimeHandler(log, sseHub),
		Policy:    httpH.NewPolicyHandler(services.Policy),
		PolicySet: httpH.NewPolicySetHandler(services.PolicySet),
		Plan:      httpH.NewRollbackPlanHandler(services.RollbackPlan),
		Execution: httpH.NewRollbackExecutionHandler(services.Rollback, services.JobService),
		Audit:     httpH.NewAuditHandler(services.Audit),
		Consent:   httpH.NewConsentHandler(services.Consent),
		Job:       httpH.NewJobHandler(services.JobService),
	}
}

func wireMiddleware(log *logger.Logger, services Services) Middleware {
	log.Info("Wiring middleware...")
	return Middleware{
		Auth: httpMW.NewAuthMiddleware(log, services.Auth),
	}
}

func wireRouter(log *logger.Logger, handlers Handlers, middleware Middleware) *http.Server {
	return http.NewServer(http.RouterConfig{
		Log:              log,
		HealthHandler:    handlers.Health,
		AuthHandler:      handlers.Auth,
		AuthMiddleware:   middleware.Auth,
		RealtimeHandler:  handlers.Realtime,
		PolicyHandler:    handlers.Policy,
		PolicySetHandler: handlers.PolicySet,
		PlanHandler:      handlers.Plan,
		ExecutionHandler: handlers.Execution,
		AuditHandler:     handlers.Audit,
		ConsentHandler:   handlers.Consent,
		JobHandler:       handlers.Job,
	})
}
