package checkpoint

import "time"

// RecordKind identifies the category of record a TTL applies to.
type RecordKind string

const (
	KindExecutionState RecordKind = "execution_state"
	KindExecutionTrace RecordKind = "execution_trace"
	KindIntentHistory  RecordKind = "intent_history"
	KindPlanCache      RecordKind = "plan_cache"
	KindToolResult     RecordKind = "tool_result"
	KindUserContext    RecordKind = "user_context"
	KindSystemConfig   RecordKind = "system_config"
)

// maxTTL is the hard cap every TTL is clamped to, regardless of table
// entry.
const maxTTL = 7 * 24 * time.Hour

var ttlTable = map[RecordKind]time.Duration{
	KindExecutionState: 24 * time.Hour,
	KindExecutionTrace: 24 * time.Hour,
	KindIntentHistory:  3 * 24 * time.Hour,
	KindPlanCache:      time.Hour,
	KindToolResult:     30 * time.Minute,
	KindUserContext:    7 * 24 * time.Hour,
	KindSystemConfig:   0, // no expiry
}

// TTLFor is the single source of truth for how long a record of kind
// lives before expiring. Every other package asks this function rather
// than keeping its own copy of the table.
func TTLFor(kind RecordKind) time.Duration {
	ttl, ok := ttlTable[kind]
	if !ok {
		return maxTTL
	}
	if ttl > maxTTL {
		return maxTTL
	}
	return ttl
}
