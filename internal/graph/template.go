package graph

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// templateRef matches a `{step_id}` or `{step_id.nested.path}` reference.
var templateRef = regexp.MustCompile(`\{([a-zA-Z0-9_]+(?:\.[a-zA-Z0-9_]+)*)\}`)

// resolveInput substitutes `{step.path}` references in a string input
// against the upstream results collected so far. A string that is
// exactly one reference resolves to the referenced value verbatim
// (preserving its type); references embedded in a larger string are
// stringified in place. Non-string inputs pass through unchanged.
func resolveInput(raw any, upstream map[string]any) any {
	s, ok := raw.(string)
	if !ok {
		return raw
	}
	if m := templateRef.FindStringSubmatch(s); m != nil && m[0] == s {
		v, _ := lookupPath(upstream, m[1])
		return v
	}
	return templateRef.ReplaceAllStringFunc(s, func(match string) string {
		path := strings.Trim(match, "{}")
		v, ok := lookupPath(upstream, path)
		if !ok {
			return match
		}
		return fmt.Sprintf("%v", v)
	})
}

// lookupPath resolves "step_id" or "step_id.field.path" against the
// upstream result map. The dotted remainder is evaluated with gjson
// against the step's JSON-marshaled output, so any nested field of a
// struct or map result is reachable.
func lookupPath(upstream map[string]any, path string) (any, bool) {
	parts := strings.SplitN(path, ".", 2)
	out, ok := upstream[parts[0]]
	if !ok {
		return nil, false
	}
	if len(parts) == 1 {
		return out, true
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(data, parts[1])
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}
