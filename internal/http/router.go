package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	httpH "github.com/telopea-platform/compliance-backend/internal/http/handlers"
	httpMW "github.com/telopea-platform/compliance-backend/internal/http/middleware"
	"github.com/telopea-platform/compliance-backend/internal/observability"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
	"github.com/telopea-platform/compliance-backend/internal/services"
)

type RouterConfig struct {
	Log *logger.Logger

	AuthHandler      *httpH.AuthHandler
	AuthMiddleware   *httpMW.AuthMiddleware
	RealtimeHandler  *httpH.RealtimeHandler
	PolicyHandler    *httpH.PolicyHandler
	PolicySetHandler *httpH.PolicySetHandler
	PlanHandler      *httpH.RollbackPlanHandler
	ExecutionHandler *httpH.RollbackExecutionHandler
	AuditHandler     *httpH.AuditHandler
	ConsentHandler   *httpH.ConsentHandler
	JobHandler       *httpH.JobHandler
	HealthHandler    *httpH.HealthHandler
}

// NewRouter wires the HTTP surface. Reads are open to every
// authenticated role; mutations require admin or operator, and account
// registration is admin only. Auditors get the whole read surface and
// nothing else.
func NewRouter(cfg RouterConfig) *gin.Engine {
	r := gin.Default()
	r.Use(httpMW.AttachTraceContext())
	r.Use(httpMW.CORS())
	r.Use(otelgin.Middleware("compliance-backend"))
	r.Use(httpMW.Metrics(observability.Current()))
	if cfg.Log != nil {
		r.Use(httpMW.RequestLogger(cfg.Log))
	}

	// Health
	if cfg.HealthHandler != nil {
		r.GET("/healthcheck", cfg.HealthHandler.HealthCheck)
		r.GET("/readyz", cfg.HealthHandler.Readiness)
	}

	if metrics := observability.Current(); metrics != nil {
		r.GET("/metrics", gin.WrapF(metrics.WriteHTTP))
	}

	api := r.Group("/api")
	{
		// Auth (public)
		if cfg.AuthHandler != nil {
			api.POST("/login", cfg.AuthHandler.Login)
		}
	}

	protected := api.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			protected.Use(cfg.AuthMiddleware.RequireAuth())
		}

		if cfg.AuthHandler != nil {
			protected.GET("/me", cfg.AuthHandler.Me)
		}

		// Realtime (SSE)
		if cfg.RealtimeHandler != nil {
			protected.GET("/stream", cfg.RealtimeHandler.SSEStream)
			protected.POST("/stream/subscribe", cfg.RealtimeHandler.SSESubscribe)
			protected.POST("/stream/unsubscribe", cfg.RealtimeHandler.SSEUnsubscribe)
		}

		// Policy reads
		if cfg.PolicyHandler != nil {
			protected.GET("/policies", cfg.PolicyHandler.ListPolicies)
			protected.GET("/policies/:id/latest", cfg.PolicyHandler.GetLatest)
			protected.GET("/policies/:id/versions", cfg.PolicyHandler.History)
			protected.GET("/policies/:id/versions/:version", cfg.PolicyHandler.GetVersion)
		}

		if cfg.PolicySetHandler != nil {
			protected.GET("/policy-sets/:id", cfg.PolicySetHandler.GetTransaction)
		}

		if cfg.PlanHandler != nil {
			protected.GET("/rollback-plans", cfg.PlanHandler.ListPlans)
			protected.GET("/rollback-plans/:id", cfg.PlanHandler.GetPlan)
		}

		if cfg.ExecutionHandler != nil {
			protected.GET("/rollback-executions", cfg.ExecutionHandler.ListExecutions)
			protected.GET("/rollback-executions/:id", cfg.ExecutionHandler.GetExecution)
		}

		// Audit log is read-only over HTTP; entries are written by the
		// services as side effects.
		if cfg.AuditHandler != nil {
			protected.GET("/audit", cfg.AuditHandler.QueryEntries)
			protected.GET("/audit/verify", cfg.AuditHandler.VerifyChain)
		}

		if cfg.ConsentHandler != nil {
			protected.GET("/consents", cfg.ConsentHandler.ListConsents)
			protected.GET("/consents/status", cfg.ConsentHandler.ConsentStatus)
			protected.GET("/consents/:id", cfg.ConsentHandler.GetConsent)
		}

		if cfg.JobHandler != nil {
			protected.GET("/jobs", cfg.JobHandler.ListJobs)
			protected.GET("/jobs/:id", cfg.JobHandler.GetJob)
		}
	}

	operator := protected.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			operator.Use(cfg.AuthMiddleware.RequireRole(services.RoleAdmin, services.RoleOperator))
		}

		if cfg.PolicySetHandler != nil {
			operator.POST("/policy-sets", cfg.PolicySetHandler.ApplyPolicySet)
			operator.POST("/policy-sets/:id/cancel", cfg.PolicySetHandler.CancelTransaction)
		}

		if cfg.PlanHandler != nil {
			operator.POST("/rollback-plans", cfg.PlanHandler.CreatePlan)
			operator.POST("/rollback-plans/:id/validate", cfg.PlanHandler.ValidatePlan)
			operator.POST("/rollback-plans/:id/approve", cfg.PlanHandler.ApprovePlan)
			operator.POST("/rollback-plans/:id/cancel", cfg.PlanHandler.CancelPlan)
		}

		if cfg.ExecutionHandler != nil {
			operator.POST("/rollback-plans/:id/execute", cfg.ExecutionHandler.ExecutePlan)
			operator.POST("/rollback-executions/:id/cancel", cfg.ExecutionHandler.CancelExecution)
		}

		if cfg.ConsentHandler != nil {
			operator.POST("/consents", cfg.ConsentHandler.RequestConsent)
			operator.POST("/consents/:id/grant", cfg.ConsentHandler.GrantConsent)
			operator.POST("/consents/:id/revoke", cfg.ConsentHandler.RevokeConsent)
		}

		if cfg.JobHandler != nil {
			operator.POST("/jobs/:id/cancel", cfg.JobHandler.CancelJob)
			operator.POST("/jobs/:id/restart", cfg.JobHandler.RestartJob)
		}
	}

	admin := protected.Group("/")
	{
		if cfg.AuthMiddleware != nil {
			admin.Use(cfg.AuthMiddleware.RequireRole(services.RoleAdmin))
		}
		if cfg.AuthHandler != nil {
			admin.POST("/register", cfg.AuthHandler.Register)
		}
	}

	return r
}
