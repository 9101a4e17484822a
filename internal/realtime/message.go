package realtime

type SSEEvent string

const (
	SSEEventJobCreated   SSEEvent = "JobCreated"
	SSEEventJobProgress  SSEEvent = "JobProgress"
	SSEEventJobFailed    SSEEvent = "JobFailed"
	SSEEventJobDone      SSEEvent = "JobDone"
	SSEEventJobCanceled  SSEEvent = "JobCanceled"
	SSEEventJobRestarted SSEEvent = "JobRestarted"

	SSEEventPolicySetCommitted SSEEvent = "PolicySetCommitted"
	SSEEventPolicySetFailed    SSEEvent = "PolicySetFailed"

	SSEEventRollbackProgress  SSEEvent = "RollbackProgress"
	SSEEventRollbackCompleted SSEEvent = "RollbackCompleted"
	SSEEventRollbackFailed    SSEEvent = "RollbackFailed"

	SSEEventConsentChanged SSEEvent = "ConsentChanged"
)

// ChannelCompliance carries events every connected operator console should
// see; per-entity channels (execution ID, plan ID) carry the detailed feeds.
const ChannelCompliance = "compliance"

type SSEMessage struct {
	Channel string   `json:"channel"`
	Event   SSEEvent `json:"event"`
	Data    any      `json:"data,omitempty"`
}
