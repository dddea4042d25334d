// Package session holds the vendor-neutral message representation, the codecs
// that translate it to and from client wire formats, and the middle-out edit
// strategy applied when reading a session back.
package session

import (
	"encoding/json"
	"fmt"
)

// PartType discriminates the typed segments of a message payload.
type PartType string

const (
	PartText       PartType = "text"
	PartFile       PartType = "file"
	PartToolCall   PartType = "tool_call"
	PartToolResult PartType = "tool_result"
)

// Part is one typed segment of a message. Exactly one payload field matching
// Type is set.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	File       *FilePart       `json:"file,omitempty"`
	ToolCall   *ToolCallPart   `json:"tool_call,omitempty"`
	ToolResult *ToolResultPart `json:"tool_result,omitempty"`
}

// FilePart references uploaded file content. Small text payloads are inlined;
// anything else lives in the object store under BlobKey, content-addressed by
// SHA-256.
type FilePart struct {
	Filename   string `json:"filename"`
	MIME       string `json:"mime"`
	SHA256     string `json:"sha256"`
	SizeBytes  int64  `json:"size_bytes"`
	InlineText string `json:"inline_text,omitempty"`
	BlobKey    string `json:"blob_key,omitempty"`
}

// ToolCallPart is a model-issued tool invocation.
type ToolCallPart struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResultPart carries the result for a prior tool call.
type ToolResultPart struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// EncodeParts serializes parts for storage.
func EncodeParts(parts []Part) (json.RawMessage, error) {
	if parts == nil {
		parts = []Part{}
	}
	raw, err := json.Marshal(parts)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize parts: %w", err)
	}
	return raw, nil
}

// ParseParts deserializes a stored payload.
func ParseParts(raw json.RawMessage) ([]Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var parts []Part
	if err := json.Unmarshal(raw, &parts); err != nil {
		return nil, fmt.Errorf("failed to deserialize parts: %w", err)
	}
	for i, p := range parts {
		if err := validatePart(p); err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
	}
	return parts, nil
}

func validatePart(p Part) error {
	switch p.Type {
	case PartText:
		return nil
	case PartFile:
		if p.File == nil {
			return fmt.Errorf("file part missing file payload")
		}
	case PartToolCall:
		if p.ToolCall == nil {
			return fmt.Errorf("tool_call part missing payload")
		}
	case PartToolResult:
		if p.ToolResult == nil {
			return fmt.Errorf("tool_result part missing payload")
		}
	default:
		return fmt.Errorf("unknown part type %q", p.Type)
	}
	return nil
}
