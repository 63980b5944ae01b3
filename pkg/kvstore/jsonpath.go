package kvstore

import (
	"encoding/json"
	"strings"
)

// lookupJSONPath and setJSONPath implement the small dot-path subset of
// subdoc addressing the in-process collaborators need: simple nested
// object field access. Array indices and wildcard paths are out of
// scope for this stand-in store.

func lookupJSONPath(body []byte, path string) ([]byte, bool) {
	if len(body) == 0 {
		return nil, false
	}
	var root any
	if err := json.Unmarshal(body, &root); err != nil {
		return nil, false
	}
	cur := root
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	out, err := json.Marshal(cur)
	if err != nil {
		return nil, false
	}
	return out, true
}

func setJSONPath(body []byte, path string, value []byte) []byte {
	var root map[string]any
	if len(body) > 0 {
		_ = json.Unmarshal(body, &root) //nolint:errcheck
	}
	if root == nil {
		root = map[string]any{}
	}
	parts := strings.Split(path, ".")
	cur := root
	for i, part := range parts {
		if i == len(parts)-1 {
			if value == nil {
				delete(cur, part)
				break
			}
			var v any
			if err := json.Unmarshal(value, &v); err != nil {
				v = string(value)
			}
			cur[part] = v
			break
		}
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	out, err := json.Marshal(root)
	if err != nil {
		return body
	}
	return out
}
