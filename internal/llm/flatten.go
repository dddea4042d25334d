package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// FlattenSchema inlines local $ref pointers in a JSON schema against its
// $defs table and drops the table, producing a schema suitable for
// tool-parameter declarations on providers that reject $ref indirection.
// Schemas without $refs pass through unchanged, so the operation is
// idempotent. Recursive definitions are rejected.
func FlattenSchema(schema json.RawMessage) (json.RawMessage, error) {
	var root map[string]any
	if err := json.Unmarshal(schema, &root); err != nil {
		return nil, fmt.Errorf("invalid schema: %w", err)
	}

	defs := map[string]any{}
	if d, ok := root["$defs"].(map[string]any); ok {
		defs = d
	}

	flattened, err := resolveRefs(root, defs, nil)
	if err != nil {
		return nil, err
	}
	result := flattened.(map[string]any)
	delete(result, "$defs")

	out, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func resolveRefs(node any, defs map[string]any, seen []string) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			name, err := refName(ref)
			if err != nil {
				return nil, err
			}
			for _, s := range seen {
				if s == name {
					return nil, fmt.Errorf("recursive schema definition: %s", name)
				}
			}
			def, ok := defs[name]
			if !ok {
				return nil, fmt.Errorf("unknown schema definition: %s", name)
			}
			return resolveRefs(def, defs, append(seen, name))
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			resolved, err := resolveRefs(child, defs, seen)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			resolved, err := resolveRefs(child, defs, seen)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return node, nil
	}
}

func refName(ref string) (string, error) {
	const prefix = "#/$defs/"
	if !strings.HasPrefix(ref, prefix) {
		return "", fmt.Errorf("unsupported $ref: %s", ref)
	}
	return strings.TrimPrefix(ref, prefix), nil
}
