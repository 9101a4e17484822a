package audit_retention

import (
	"fmt"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
	jobrt "github.com/telopea-platform/compliance-backend/internal/jobs/runtime"
	"github.com/telopea-platform/compliance-backend/internal/observability"
)

// Run applies the retention schedule and then re-verifies the hash chain, so
// every purge is immediately checked against the gap markers it left behind.
func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if p.audit == nil {
		jc.Fail("deps", fmt.Errorf("missing audit service"))
		return nil
	}

	jc.Progress("purge", 10, "Applying retention schedule")
	purged, err := p.audit.PurgeExpired(jc.Ctx)
	if err != nil {
		jc.Fail("purge", err)
		return nil
	}
	var removed int64
	for _, pr := range purged {
		removed += pr.Removed
	}

	jc.Progress("verify", 70, "Re-verifying audit chain")
	verification, err := p.audit.VerifyChain(jc.Ctx)
	if err != nil {
		jc.Fail("verify", err)
		return nil
	}
	if metrics := observability.Current(); metrics != nil {
		metrics.ObserveAuditPurge(removed, verification.Valid)
	}
	if !verification.Valid {
		// A purge must never break the chain beyond its recorded gaps.
		jc.Fail("verify", fmt.Errorf("audit chain invalid after purge: %s", firstGapReason(verification)))
		return nil
	}

	p.log.Info("audit retention sweep finished",
		"removed", removed,
		"categories", len(purged),
		"chain_entries", verification.Entries)
	jc.Succeed("done", map[string]any{
		"removed":    removed,
		"categories": purged,
		"chain": map[string]any{
			"valid":   verification.Valid,
			"entries": verification.Entries,
			"gaps":    len(verification.Gaps),
		},
	})
	return nil
}

func firstGapReason(v *types.ChainVerification) string {
	if v == nil || len(v.Gaps) == 0 {
		return "unknown break"
	}
	return fmt.Sprintf("%d gaps, first at seq %d: %s", len(v.Gaps), v.Gaps[0].Seq, v.Gaps[0].Reason)
}
