package engine

import (
	"encoding/json"

	"github.com/nervelabs/nerve/internal/nerverr"
)

// decodeParams reshapes a command's loosely-typed params map into a
// concrete struct via a JSON round-trip — the same approach the wire
// layer already used to get params into a map in the first place, so
// struct tags double as the wire field names.
func decodeParams(params map[string]any, out any) error {
	raw, err := json.Marshal(params)
	if err != nil {
		return nerverr.New(nerverr.InvalidParams, "malformed params: %v", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return nerverr.New(nerverr.InvalidParams, "malformed params: %v", err)
	}
	return nil
}

func stringParam(params map[string]any, key string) string {
	if v, ok := params[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func sessionIDParam(params map[string]any) string {
	return stringParam(params, "session_id")
}
