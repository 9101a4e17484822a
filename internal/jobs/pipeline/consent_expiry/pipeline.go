package consent_expiry

import (
	"fmt"
	"strconv"
	"strings"

	jobrt "github.com/telopea-platform/compliance-backend/internal/jobs/runtime"
	"github.com/telopea-platform/compliance-backend/internal/observability"
)

const defaultBatch = 500

// Run sweeps granted consents whose expiry has passed and flips them to
// expired, batch by batch until a pass finds nothing left.
func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if p.consents == nil {
		jc.Fail("deps", fmt.Errorf("missing consent service"))
		return nil
	}
	batch := intFromPayload(jc, "batch_size", defaultBatch)

	jc.Progress("sweep", 10, "Expiring due consents")
	total := 0
	passes := 0
	for {
		if err := jc.Ctx.Err(); err != nil {
			jc.Fail("sweep", err)
			return nil
		}
		n, err := p.consents.ExpireDue(jc.Ctx, batch)
		if err != nil {
			jc.Fail("sweep", err)
			return nil
		}
		total += n
		passes++
		if n < batch {
			break
		}
		jc.Progress("sweep", 50, fmt.Sprintf("Expired %d consents so far", total))
	}

	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveConsentSweep(total)
	}
	p.log.Info("consent expiry sweep finished", "expired", total, "passes", passes)
	jc.Succeed("done", map[string]any{
		"expired": total,
		"passes":  passes,
	})
	return nil
}

func intFromPayload(jc *jobrt.Context, key string, def int) int {
	s := strings.TrimSpace(jc.PayloadString(key))
	if s == "" {
		return def
	}
	i, err := strconv.Atoi(s)
	if err != nil || i < 1 {
		return def
	}
	return i
}
