package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
)

// ComputeHash returns the chain hash for e. The digest covers every stored
// field plus PrevHash, so recomputing it over a read-back row detects edits.
// Details is canonicalized first because jsonb storage does not preserve the
// exact bytes it was given, and CreatedAt is hashed at microsecond precision
// to match what Postgres keeps.
func ComputeHash(e *AuditEntry) string {
	parts := []string{
		fmt.Sprintf("%d", e.Seq),
		e.ActorID,
		e.Action,
		e.Target,
		canonicalJSON(e.Details),
		e.Result,
		e.SessionID,
		e.RequestID,
		e.IPAddress,
		fmt.Sprintf("%t", e.CulturalSensitive),
		e.Category,
		fmt.Sprintf("%d", e.CreatedAt.UTC().UnixMicro()),
		e.PrevHash,
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

func canonicalJSON(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}
