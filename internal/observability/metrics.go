package observability

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

type Metrics struct {
	apiRequests *CounterVec
	apiLatency  *HistogramVec
	apiInflight *Gauge
	apiReqTotal *Counter
	apiReqError *Counter
	apiReqGood  *Counter

	txOutcome       *CounterVec
	txDuration      *HistogramVec
	txOps           *CounterVec
	txTotal         *Counter
	txFailed        *Counter
	txCompensations *Counter

	lockConflicts *Counter
	locksHeld     *Gauge

	rollbackTotal    *Counter
	rollbackFailed   *Counter
	rollbackSlow     *Counter
	rollbackDuration *HistogramVec
	phaseDuration    *HistogramVec
	planValidation   *CounterVec

	auditWrites        *Counter
	auditWriteFailures *Counter
	auditPurged        *Counter
	auditVerifications *CounterVec
	auditChainValid    *Gauge

	consentTransitions *CounterVec

	jobRuns     *CounterVec
	jobDuration *HistogramVec
	workerTotal *Counter
	workerError *Counter

	queueDepth *GaugeVec
	pgStats    *GaugeVec
	redisUp    *Gauge
	redisPing  *Gauge

	sloCompliance *GaugeVec
	sloBudget     *GaugeVec
	sloBurn       *GaugeVec

	sloLatencyThreshold      float64
	rollbackLatencyThreshold float64
}

var (
	initOnce sync.Once
	instance *Metrics
)

func Enabled() bool {
	v := strings.TrimSpace(os.Getenv("METRICS_ENABLED"))
	if v == "" {
		return false
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func Current() *Metrics {
	return instance
}

func scrapeInterval() time.Duration {
	v := strings.TrimSpace(os.Getenv("METRICS_SCRAPE_INTERVAL_SECONDS"))
	if v == "" {
		return 10 * time.Second
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 10 * time.Second
	}
	return time.Duration(n) * time.Second
}

func Init(log *logger.Logger) *Metrics {
	if !Enabled() {
		return nil
	}
	initOnce.Do(func() {
		latencyThreshold := 0.5
		if v := strings.TrimSpace(os.Getenv("SLO_API_LATENCY_THRESHOLD_SECONDS")); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				latencyThreshold = f
			}
		}
		rollbackThreshold := 900.0
		if v := strings.TrimSpace(os.Getenv("SLO_ROLLBACK_TIME_THRESHOLD_SECONDS")); v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
				rollbackThreshold = f
			}
		}
		instance = &Metrics{
			apiRequests: NewCounterVec("cb_api_requests_total", "Total API requests by method/route/status.", []string{"method", "route", "status"}),
			apiLatency: NewHistogramVec(
				"cb_api_request_duration_seconds",
				"API request latency in seconds by method/route/status.",
				[]string{"method", "route", "status"},
				[]float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			),
			apiInflight: NewGauge("cb_api_inflight_requests", "In-flight API requests."),
			apiReqTotal: NewCounter("cb_api_requests_total_all", "Total API requests (all)."),
			apiReqError: NewCounter("cb_api_requests_error_total", "Total API requests with 5xx status."),
			apiReqGood:  NewCounter("cb_api_requests_good_latency_total", "Total API requests under SLO latency threshold."),
			txOutcome: NewCounterVec(
				"cb_policy_transaction_total",
				"Atomic policy set transactions by terminal status.",
				[]string{"status"},
			),
			txDuration: NewHistogramVec(
				"cb_policy_transaction_duration_seconds",
				"Atomic policy set transaction duration in seconds by terminal status.",
				[]string{"status"},
				[]float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
			),
			txOps: NewCounterVec(
				"cb_policy_transaction_operations_total",
				"Policy operations applied inside transactions by type/result.",
				[]string{"type", "result"},
			),
			txTotal:         NewCounter("cb_policy_transaction_total_all", "Atomic policy set transactions (all)."),
			txFailed:        NewCounter("cb_policy_transaction_failed_total", "Atomic policy set transactions that finished failed."),
			txCompensations: NewCounter("cb_policy_transaction_compensations_total", "Checkpoint compensations attempted during transaction rollback."),
			lockConflicts:   NewCounter("cb_policy_lock_conflicts_total", "Policy lock acquisitions rejected because another holder held the lease."),
			locksHeld:       NewGauge("cb_policy_locks_held", "Unexpired policy locks currently registered."),
			rollbackTotal:   NewCounter("cb_rollback_execution_total", "Total rollback executions driven to a terminal status."),
			rollbackFailed:  NewCounter("cb_rollback_execution_failed_total", "Rollback executions that finished failed."),
			rollbackSlow:    NewCounter("cb_rollback_execution_slow_total", "Rollback executions over the latency threshold."),
			rollbackDuration: NewHistogramVec(
				"cb_rollback_execution_duration_seconds",
				"Rollback execution duration in seconds by terminal status.",
				[]string{"status"},
				[]float64{10, 30, 60, 120, 300, 600, 900, 1800, 3600},
			),
			phaseDuration: NewHistogramVec(
				"cb_rollback_phase_duration_seconds",
				"Rollback phase duration in seconds by phase/status.",
				[]string{"phase", "status"},
				[]float64{1, 5, 10, 30, 60, 120, 300, 600, 1200, 1800},
			),
			planValidation: NewCounterVec(
				"cb_rollback_plan_validation_total",
				"Rollback plan validation check results by check/status.",
				[]string{"check", "status"},
			),
			auditWrites:        NewCounter("cb_audit_writes_total", "Audit entries written."),
			auditWriteFailures: NewCounter("cb_audit_write_failures_total", "Audit entry writes that failed."),
			auditPurged:        NewCounter("cb_audit_purged_total", "Audit entries removed by retention purges."),
			auditVerifications: NewCounterVec(
				"cb_audit_chain_verifications_total",
				"Audit chain verifications by result.",
				[]string{"result"},
			),
			auditChainValid: NewGauge("cb_audit_chain_valid", "Last audit chain verification result (1=valid, 0=broken)."),
			consentTransitions: NewCounterVec(
				"cb_consent_transitions_total",
				"Consent record transitions by kind.",
				[]string{"transition"},
			),
			jobRuns: NewCounterVec(
				"cb_job_runs_total",
				"Finished job runs by job_type/status.",
				[]string{"job_type", "status"},
			),
			jobDuration: NewHistogramVec(
				"cb_job_run_duration_seconds",
				"Job run duration in seconds by job_type/status.",
				[]string{"job_type", "status"},
				[]float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 300, 1800},
			),
			workerTotal:              NewCounter("cb_worker_jobs_total", "Total jobs finished by the worker pool."),
			workerError:              NewCounter("cb_worker_jobs_error_total", "Total jobs finished with failure status."),
			queueDepth:               NewGaugeVec("cb_job_queue_depth", "Job queue depth by status.", []string{"status"}),
			pgStats:                  NewGaugeVec("cb_postgres_stats", "Postgres connection stats.", []string{"metric"}),
			redisUp:                  NewGauge("cb_redis_up", "Redis connectivity (1=up, 0=down)."),
			redisPing:                NewGauge("cb_redis_ping_seconds", "Redis ping latency in seconds."),
			sloCompliance:            NewGaugeVec("cb_slo_compliance", "SLO compliance (SLI) over window.", []string{"slo", "window"}),
			sloBudget:                NewGaugeVec("cb_slo_error_budget_remaining", "Error budget remaining (0-1).", []string{"slo", "window"}),
			sloBurn:                  NewGaugeVec("cb_slo_burn_rate", "Error budget burn rate.", []string{"slo", "window"}),
			sloLatencyThreshold:      latencyThreshold,
			rollbackLatencyThreshold: rollbackThreshold,
		}
		if log != nil {
			log.Info("observability metrics enabled")
		}
	})
	return instance
}

func (m *Metrics) StartServer(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(m.WriteHTTP),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = srv.Shutdown(shutdownCtx)
		cancel()
	}()
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if log != nil {
				log.Error("metrics server failed", "error", err, "addr", addr)
			}
		}
	}()
}

func (m *Metrics) WriteHTTP(w http.ResponseWriter, r *http.Request) {
	if m == nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	_ = m.WritePrometheus(w)
}

func (m *Metrics) WritePrometheus(w io.Writer) error {
	if m == nil {
		return nil
	}
	if err := m.apiRequests.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.apiLatency.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.apiInflight.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.apiReqTotal.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.apiReqError.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.apiReqGood.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.txOutcome.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.txDuration.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.txOps.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.txTotal.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.txFailed.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.txCompensations.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.lockConflicts.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.locksHeld.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.rollbackTotal.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.rollbackFailed.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.rollbackSlow.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.rollbackDuration.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.phaseDuration.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.planValidation.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.auditWrites.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.auditWriteFailures.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.auditPurged.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.auditVerifications.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.auditChainValid.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.consentTransitions.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.jobRuns.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.jobDuration.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.workerTotal.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.workerError.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.queueDepth.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.pgStats.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.redisUp.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.redisPing.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.sloCompliance.WritePrometheus(w); err != nil {
		return err
	}
	if err := m.sloBudget.WritePrometheus(w); err != nil {
		return err
	}
	return m.sloBurn.WritePrometheus(w)
}

func (m *Metrics) ObserveAPI(method, route, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if method == "" {
		method = "UNKNOWN"
	}
	if route == "" {
		route = "unknown"
	}
	if status == "" {
		status = "0"
	}
	m.apiRequests.Inc(method, route, status)
	m.apiLatency.Observe(dur.Seconds(), method, route, status)
	m.apiReqTotal.Inc()
	if isServerErrorStatus(status) {
		m.apiReqError.Inc()
	}
	if m.sloLatencyThreshold > 0 && dur.Seconds() <= m.sloLatencyThreshold {
		m.apiReqGood.Inc()
	}
}

func (m *Metrics) ApiInflightInc() {
	if m == nil {
		return
	}
	m.apiInflight.Inc()
}

func (m *Metrics) ApiInflightDec() {
	if m == nil {
		return
	}
	m.apiInflight.Dec()
}

// ObserveTransaction records one atomic policy set transaction reaching a
// terminal status.
func (m *Metrics) ObserveTransaction(status string, dur time.Duration) {
	if m == nil {
		return
	}
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		status = "unknown"
	}
	secs := dur.Seconds()
	if secs < 0 {
		secs = 0
	}
	m.txOutcome.Inc(status)
	m.txDuration.Observe(secs, status)
	m.txTotal.Inc()
	if status == "failed" {
		m.txFailed.Inc()
	}
}

func (m *Metrics) IncTransactionOp(opType, result string) {
	if m == nil {
		return
	}
	if opType == "" {
		opType = "unknown"
	}
	if result == "" {
		result = "unknown"
	}
	m.txOps.Inc(opType, result)
}

func (m *Metrics) IncCompensation() {
	if m == nil {
		return
	}
	m.txCompensations.Inc()
}

func (m *Metrics) IncLockConflict() {
	if m == nil {
		return
	}
	m.lockConflicts.Inc()
}

func (m *Metrics) SetLocksHeld(n int) {
	if m == nil {
		return
	}
	if n < 0 {
		n = 0
	}
	m.locksHeld.Set(float64(n))
}

func (m *Metrics) ObserveRollback(duration time.Duration, status string) {
	if m == nil {
		return
	}
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		status = "unknown"
	}
	secs := duration.Seconds()
	if secs < 0 {
		secs = 0
	}
	m.rollbackTotal.Inc()
	if status == "failed" {
		m.rollbackFailed.Inc()
	}
	if m.rollbackLatencyThreshold > 0 && secs > m.rollbackLatencyThreshold {
		m.rollbackSlow.Inc()
	}
	m.rollbackDuration.Observe(secs, status)
}

func (m *Metrics) ObserveRollbackPhase(phase, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if phase == "" {
		phase = "unknown"
	}
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		status = "unknown"
	}
	if dur < 0 {
		dur = 0
	}
	m.phaseDuration.Observe(dur.Seconds(), phase, status)
}

func (m *Metrics) IncPlanValidation(check string, passed bool) {
	if m == nil {
		return
	}
	if check == "" {
		check = "unknown"
	}
	status := "failed"
	if passed {
		status = "passed"
	}
	m.planValidation.Inc(check, status)
}

func (m *Metrics) IncAuditWrite(ok bool) {
	if m == nil {
		return
	}
	m.auditWrites.Inc()
	if !ok {
		m.auditWriteFailures.Inc()
	}
}

func (m *Metrics) IncChainVerification(valid bool) {
	if m == nil {
		return
	}
	result := "broken"
	chainVal := 0.0
	if valid {
		result = "valid"
		chainVal = 1
	}
	m.auditVerifications.Inc(result)
	m.auditChainValid.Set(chainVal)
}

// ObserveAuditPurge records one retention sweep: rows removed plus the chain
// verification that follows it.
func (m *Metrics) ObserveAuditPurge(removed int64, valid bool) {
	if m == nil {
		return
	}
	if removed > 0 {
		m.auditPurged.Add(float64(removed))
	}
	m.IncChainVerification(valid)
}

func (m *Metrics) IncConsentTransition(transition string) {
	if m == nil {
		return
	}
	transition = strings.TrimSpace(strings.ToLower(transition))
	if transition == "" {
		transition = "unknown"
	}
	m.consentTransitions.Inc(transition)
}

func (m *Metrics) ObserveConsentSweep(expired int) {
	if m == nil || expired <= 0 {
		return
	}
	m.consentTransitions.Add(float64(expired), "expired")
}

func (m *Metrics) ObserveJob(jobType, status string, dur time.Duration) {
	if m == nil {
		return
	}
	if jobType == "" {
		jobType = "unknown"
	}
	status = strings.TrimSpace(strings.ToLower(status))
	if status == "" {
		status = "unknown"
	}
	m.jobRuns.Inc(jobType, status)
	if dur > 0 {
		m.jobDuration.Observe(dur.Seconds(), jobType, status)
	}
	m.workerTotal.Inc()
	if isFailureStatus(status) {
		m.workerError.Inc()
	}
}

func (m *Metrics) StartPostgresCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sqlDB, err := db.DB()
				if err != nil {
					if log != nil {
						log.Warn("metrics: postgres stats unavailable", "error", err)
					}
					continue
				}
				stats := sqlDB.Stats()
				m.pgStats.Set(float64(stats.OpenConnections), "open_connections")
				m.pgStats.Set(float64(stats.InUse), "in_use")
				m.pgStats.Set(float64(stats.Idle), "idle")
				m.pgStats.Set(float64(stats.WaitCount), "wait_count")
				m.pgStats.Set(stats.WaitDuration.Seconds(), "wait_duration_seconds")
				m.pgStats.Set(float64(stats.MaxOpenConnections), "max_open_connections")
				m.pgStats.Set(float64(stats.MaxIdleClosed), "max_idle_closed")
				m.pgStats.Set(float64(stats.MaxIdleTimeClosed), "max_idle_time_closed")
				m.pgStats.Set(float64(stats.MaxLifetimeClosed), "max_lifetime_closed")
			}
		}
	}()
}

func (m *Metrics) StartRedisCollector(ctx context.Context, log *logger.Logger, addr string) {
	if m == nil {
		return
	}
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return
	}
	interval := scrapeInterval()
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = rdb.Close()
				return
			case <-ticker.C:
				start := time.Now()
				if err := rdb.Ping(ctx).Err(); err != nil {
					m.redisUp.Set(0)
					if log != nil {
						log.Warn("metrics: redis ping failed", "error", err)
					}
					continue
				}
				m.redisUp.Set(1)
				m.redisPing.Set(time.Since(start).Seconds())
			}
		}
	}()
}

func (m *Metrics) StartJobQueueCollector(ctx context.Context, log *logger.Logger, db *gorm.DB) {
	if m == nil || db == nil {
		return
	}
	interval := scrapeInterval()
	statuses := []string{"queued", "running", "succeeded", "failed", "canceled"}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, s := range statuses {
					m.queueDepth.Set(0, s)
				}
				var rows []struct {
					Status string
					Count  int64
				}
				if err := db.WithContext(ctx).
					Model(&types.JobRun{}).
					Select("status, count(*) as count").
					Group("status").
					Scan(&rows).Error; err != nil {
					if log != nil {
						log.Warn("metrics: job queue depth query failed", "error", err)
					}
					continue
				}
				for _, row := range rows {
					status := strings.TrimSpace(row.Status)
					if status == "" {
						status = "unknown"
					}
					m.queueDepth.Set(float64(row.Count), status)
				}
			}
		}
	}()
}

// ---- lightweight metric primitives (Prometheus exposition) ----

type CounterVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewCounterVec(name, help string, labels []string) *CounterVec {
	return &CounterVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (c *CounterVec) Inc(values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl]++
	c.mu.Unlock()
}

func (c *CounterVec) Add(v float64, values ...string) {
	if c == nil {
		return
	}
	lbl := labelString(c.labelNames, values)
	c.mu.Lock()
	c.values[lbl] += v
	c.mu.Unlock()
}

func (c *CounterVec) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	for k, v := range c.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", c.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type Counter struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewCounter(name, help string) *Counter {
	return &Counter{name: name, help: help}
}

func (c *Counter) Inc() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val++
	c.mu.Unlock()
}

func (c *Counter) Add(v float64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.val += v
	c.mu.Unlock()
}

func (c *Counter) Value() float64 {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.val
}

func (c *Counter) WritePrometheus(w io.Writer) error {
	if c == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", c.name, c.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s counter\n", c.name); err != nil {
		return err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", c.name, c.val)
	return err
}

type Gauge struct {
	name string
	help string
	mu   sync.RWMutex
	val  float64
}

func NewGauge(name, help string) *Gauge {
	return &Gauge{name: name, help: help}
}

func (g *Gauge) Set(v float64) {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val = v
	g.mu.Unlock()
}

func (g *Gauge) Inc() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val++
	g.mu.Unlock()
}

func (g *Gauge) Dec() {
	if g == nil {
		return
	}
	g.mu.Lock()
	g.val--
	g.mu.Unlock()
}

func (g *Gauge) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, err := fmt.Fprintf(w, "%s %f\n", g.name, g.val)
	return err
}

type GaugeVec struct {
	name       string
	help       string
	labelNames []string
	mu         sync.RWMutex
	values     map[string]float64
}

func NewGaugeVec(name, help string, labels []string) *GaugeVec {
	return &GaugeVec{name: name, help: help, labelNames: labels, values: map[string]float64{}}
}

func (g *GaugeVec) Set(v float64, values ...string) {
	if g == nil {
		return
	}
	lbl := labelString(g.labelNames, values)
	g.mu.Lock()
	g.values[lbl] = v
	g.mu.Unlock()
}

func (g *GaugeVec) WritePrometheus(w io.Writer) error {
	if g == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", g.name, g.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s gauge\n", g.name); err != nil {
		return err
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	for k, v := range g.values {
		if _, err := fmt.Fprintf(w, "%s%s %f\n", g.name, k, v); err != nil {
			return err
		}
	}
	return nil
}

type HistogramVec struct {
	name       string
	help       string
	labelNames []string
	buckets    []float64
	mu         sync.RWMutex
	values     map[string]*histogram
}

type histogram struct {
	buckets []float64
	counts  []uint64
	sum     float64
	total   uint64
}

func NewHistogramVec(name, help string, labels []string, buckets []float64) *HistogramVec {
	if len(buckets) == 0 {
		buckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
	}
	return &HistogramVec{name: name, help: help, labelNames: labels, buckets: buckets, values: map[string]*histogram{}}
}

func (h *HistogramVec) Observe(v float64, values ...string) {
	if h == nil {
		return
	}
	lbl := labelString(h.labelNames, values)
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.values[lbl]
	if !ok {
		hist = &histogram{
			buckets: h.buckets,
			counts:  make([]uint64, len(h.buckets)+1),
		}
		h.values[lbl] = hist
	}
	hist.sum += v
	hist.total++
	for i, b := range hist.buckets {
		if v <= b {
			hist.counts[i]++
		}
	}
	hist.counts[len(hist.counts)-1]++
}

func (h *HistogramVec) WritePrometheus(w io.Writer) error {
	if h == nil {
		return nil
	}
	if _, err := fmt.Fprintf(w, "# HELP %s %s\n", h.name, h.help); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "# TYPE %s histogram\n", h.name); err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for k, v := range h.values {
		for i, b := range v.buckets {
			if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, fmt.Sprintf("%g", b)), v.counts[i]); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(w, "%s_bucket%s %d\n", h.name, withLe(k, "+Inf"), v.counts[len(v.counts)-1]); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_sum%s %f\n", h.name, k, v.sum); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "%s_count%s %d\n", h.name, k, v.total); err != nil {
			return err
		}
	}
	return nil
}

func labelString(names []string, values []string) string {
	if len(names) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("{")
	for i, name := range names {
		if i > 0 {
			b.WriteString(",")
		}
		val := "unknown"
		if i < len(values) {
			val = values[i]
		}
		b.WriteString(name)
		b.WriteString("=\"")
		b.WriteString(escapeLabel(val))
		b.WriteString("\"")
	}
	b.WriteString("}")
	return b.String()
}

func escapeLabel(v string) string {
	if v == "" {
		return ""
	}
	v = strings.ReplaceAll(v, "\\", "\\\\")
	v = strings.ReplaceAll(v, "\"", "\\\"")
	v = strings.ReplaceAll(v, "\n", "\\n")
	return v
}

func withLe(labels string, le string) string {
	le = escapeLabel(le)
	if labels == "" || labels == "{}" {
		return "{le=\"" + le + "\"}"
	}
	if strings.HasSuffix(labels, "}") {
		return strings.TrimSuffix(labels, "}") + ",le=\"" + le + "\"}"
	}
	return "{le=\"" + le + "\"}"
}

func isServerErrorStatus(status string) bool {
	status = strings.TrimSpace(status)
	if len(status) < 3 {
		return false
	}
	return status[0] == '5'
}

func isFailureStatus(status string) bool {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "failed", "error", "timeout", "panic":
		return true
	default:
		return false
	}
}
