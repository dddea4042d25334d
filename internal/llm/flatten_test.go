package llm

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlattenSchemaInlinesRefs(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {
			"task": {"$ref": "#/$defs/TaskData"}
		},
		"$defs": {
			"TaskData": {
				"type": "object",
				"properties": {
					"description": {"type": "string"},
					"progresses": {"type": "array", "items": {"type": "string"}}
				}
			}
		}
	}`)

	out, err := FlattenSchema(schema)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	assert.NotContains(t, m, "$defs")

	task := m["properties"].(map[string]any)["task"].(map[string]any)
	assert.Equal(t, "object", task["type"])
	assert.Contains(t, task["properties"], "description")
}

func TestFlattenSchemaNestedRefs(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"outer": {"$ref": "#/$defs/Outer"}},
		"$defs": {
			"Outer": {
				"type": "object",
				"properties": {"inner": {"$ref": "#/$defs/Inner"}}
			},
			"Inner": {"type": "string"}
		}
	}`)

	out, err := FlattenSchema(schema)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(out, &m))
	inner := m["properties"].(map[string]any)["outer"].(map[string]any)["properties"].(map[string]any)["inner"].(map[string]any)
	assert.Equal(t, "string", inner["type"])
}

func TestFlattenSchemaIdempotent(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"task": {"$ref": "#/$defs/T"}},
		"$defs": {"T": {"type": "integer"}}
	}`)

	once, err := FlattenSchema(schema)
	require.NoError(t, err)
	twice, err := FlattenSchema(once)
	require.NoError(t, err)
	assert.JSONEq(t, string(once), string(twice))
}

func TestFlattenSchemaNoRefsPassThrough(t *testing.T) {
	schema := json.RawMessage(`{"type": "object", "properties": {"x": {"type": "string"}}}`)
	out, err := FlattenSchema(schema)
	require.NoError(t, err)
	assert.JSONEq(t, string(schema), string(out))
}

func TestFlattenSchemaRejectsRecursion(t *testing.T) {
	schema := json.RawMessage(`{
		"type": "object",
		"properties": {"n": {"$ref": "#/$defs/Node"}},
		"$defs": {
			"Node": {
				"type": "object",
				"properties": {"next": {"$ref": "#/$defs/Node"}}
			}
		}
	}`)

	_, err := FlattenSchema(schema)
	assert.Error(t, err)
}

func TestFlattenSchemaUnknownDef(t *testing.T) {
	schema := json.RawMessage(`{"properties": {"x": {"$ref": "#/$defs/Missing"}}}`)
	_, err := FlattenSchema(schema)
	assert.Error(t, err)
}
