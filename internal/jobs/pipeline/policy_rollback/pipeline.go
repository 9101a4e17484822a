package policy_rollback

import (
	"fmt"

	jobrt "github.com/telopea-platform/compliance-backend/internal/jobs/runtime"
	"github.com/telopea-platform/compliance-backend/internal/platform/dbctx"
)

// Run drives one rollback execution to a terminal status. The execution row
// carries the real outcome; the job only mirrors it. A rollback that fails
// on its own terms still succeeds as a job, otherwise the claim loop would
// retry a run the executor has already sealed.
func (p *Pipeline) Run(jc *jobrt.Context) error {
	if jc == nil || jc.Job == nil {
		return nil
	}
	if p.rollback == nil || p.execs == nil {
		jc.Fail("deps", fmt.Errorf("missing rollback service"))
		return nil
	}

	execID, ok := jc.PayloadUUID("execution_id")
	if !ok {
		jc.Fail("resolve", fmt.Errorf("missing execution_id"))
		return nil
	}

	jc.Progress("execute", 10, "Driving rollback execution")
	if err := p.rollback.Execute(jc.Ctx, execID); err != nil {
		jc.Fail("execute", err)
		return nil
	}

	exec, err := p.execs.GetByID(dbctx.Context{Ctx: jc.Ctx}, execID)
	if err != nil {
		jc.Fail("finalize", err)
		return nil
	}
	if exec == nil {
		jc.Fail("finalize", fmt.Errorf("execution %s not found after run", execID))
		return nil
	}

	out := map[string]any{
		"execution_id": execID.String(),
		"plan_id":      exec.PlanID.String(),
		"status":       exec.Status,
	}
	if exec.Error != "" {
		out["error"] = exec.Error
	}
	jc.Succeed("done", out)
	return nil
}
