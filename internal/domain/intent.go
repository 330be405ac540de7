package domain

import "time"

// IntentType enumerates the recognized shapes an intent can take. The
// planner (external collaborator, see internal/planner) is the only
// producer of new intents; this module treats the set as closed but
// extensible by string value rather than a hard Go enum, since new
// intent types are registered by the surrounding product without a
// rebuild of this core.
type IntentType string

// Intent is immutable once accepted. It may supersede a prior intent via
// ParentIntentID, forming the causal chain the idempotency gate and
// Lamport ordering key off of.
type Intent struct {
	ID             string         `json:"id"`
	ParentIntentID string         `json:"parent_intent_id,omitempty"`
	Type           IntentType     `json:"type"`
	Parameters     map[string]any `json:"parameters"`
	RawText        string         `json:"raw_text"`
	Confidence     float64        `json:"confidence"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ContentHash    string         `json:"content_hash,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
