package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	"github.com/telopea-platform/compliance-backend/internal/platform/ctxutil"
	"github.com/telopea-platform/compliance-backend/internal/platform/logger"
)

type chainAlertState struct {
	mu   sync.Mutex
	last map[string]time.Time
}

var chainAlerts chainAlertState

// ReportChainBreak posts a webhook alert when a chain verification comes back
// broken. Debounced so a persistently broken chain does not flood the channel;
// the verification counters keep the full record.
func ReportChainBreak(ctx context.Context, log *logger.Logger, verification *types.ChainVerification, meta map[string]any) {
	if verification == nil || verification.Valid {
		return
	}
	if !chainAlertsEnabled() {
		return
	}
	if meta == nil {
		meta = map[string]any{}
	}
	if td := ctxutil.GetTraceData(ctx); td != nil {
		if td.TraceID != "" {
			meta["trace_id"] = td.TraceID
		}
		if td.RequestID != "" {
			meta["request_id"] = td.RequestID
		}
	}

	webhook := chainAlertWebhook()
	if webhook == "" {
		return
	}
	key := "audit_chain"
	chainAlerts.mu.Lock()
	if chainAlerts.last == nil {
		chainAlerts.last = map[string]time.Time{}
	}
	last := chainAlerts.last[key]
	minInterval := chainAlertMinInterval()
	if !last.IsZero() && time.Since(last) < minInterval {
		chainAlerts.mu.Unlock()
		return
	}
	chainAlerts.last[key] = time.Now()
	chainAlerts.mu.Unlock()

	gaps := make([]map[string]any, 0, len(verification.Gaps))
	for _, g := range verification.Gaps {
		gaps = append(gaps, map[string]any{"seq": g.Seq, "reason": g.Reason})
	}
	payload := map[string]any{
		"title":     "Audit chain integrity break",
		"entries":   verification.Entries,
		"gaps":      gaps,
		"meta":      meta,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	body, _ := json.Marshal(payload)
	req, err := http.NewRequest(http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		if log != nil {
			log.Warn("chain alert request build failed", "error", err)
		}
		return
	}
	req.Header.Set("Content-Type", "application/json")
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		if log != nil {
			log.Warn("chain alert post failed", "error", err)
		}
		return
	}
	_ = resp.Body.Close()
	if log != nil {
		log.Info("chain alert sent", "status", resp.StatusCode, "gaps", len(verification.Gaps))
	}
}

func chainAlertsEnabled() bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv("AUDIT_CHAIN_ALERTS_ENABLED")))
	if v == "" {
		return false
	}
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func chainAlertWebhook() string {
	val := strings.TrimSpace(os.Getenv("AUDIT_CHAIN_ALERT_WEBHOOK_URL"))
	if val != "" {
		return val
	}
	return strings.TrimSpace(os.Getenv("SLO_ALERT_WEBHOOK_URL"))
}

func chainAlertMinInterval() time.Duration {
	raw := strings.TrimSpace(os.Getenv("AUDIT_CHAIN_ALERT_MIN_INTERVAL_SECONDS"))
	if raw == "" {
		return 10 * time.Minute
	}
	seconds, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seconds <= 0 {
		return 10 * time.Minute
	}
	return time.Duration(seconds) * time.Second
}
