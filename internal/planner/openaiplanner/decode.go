package openaiplanner

import "encoding/json"

// decodeArguments parses a tool call's JSON-encoded arguments string
// into a plain map; the plan builder needs real field access, not an
// opaque blob.
func decodeArguments(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return out, nil
}
