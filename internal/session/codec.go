package session

import (
	"encoding/json"
	"fmt"
)

// Decoded is a message translated into the native representation.
type Decoded struct {
	Role  string
	Parts []Part
}

// Codec converts between a client wire format and native parts. The store
// always holds the native representation; codecs run only at the HTTP
// boundary.
type Codec interface {
	Format() string
	Decode(raw json.RawMessage) (*Decoded, error)
	Encode(role string, parts []Part) (json.RawMessage, error)
}

// CodecFor selects the codec for a format string. Empty format defaults to
// the native codec.
func CodecFor(format string) (Codec, error) {
	switch format {
	case "", "acontext":
		return nativeCodec{}, nil
	case "openai":
		return openaiCodec{}, nil
	case "anthropic":
		return anthropicCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown message format %q", format)
	}
}

func validRole(role string) error {
	switch role {
	case "user", "assistant", "system", "tool":
		return nil
	}
	return fmt.Errorf("unknown role %q", role)
}

// nativeCodec passes parts through untouched.
type nativeCodec struct{}

func (nativeCodec) Format() string { return "acontext" }

type nativeWire struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

func (nativeCodec) Decode(raw json.RawMessage) (*Decoded, error) {
	var w nativeWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("invalid message body: %w", err)
	}
	if err := validRole(w.Role); err != nil {
		return nil, err
	}
	for i, p := range w.Parts {
		if err := validatePart(p); err != nil {
			return nil, fmt.Errorf("part %d: %w", i, err)
		}
	}
	return &Decoded{Role: w.Role, Parts: w.Parts}, nil
}

func (nativeCodec) Encode(role string, parts []Part) (json.RawMessage, error) {
	if parts == nil {
		parts = []Part{}
	}
	return json.Marshal(nativeWire{Role: role, Parts: parts})
}

// openaiCodec maps role plus content/tool_calls/tool_call_id messages.
type openaiCodec struct{}

func (openaiCodec) Format() string { return "openai" }

type openaiWire struct {
	Role       string           `json:"role"`
	Content    json.RawMessage  `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type openaiContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func (openaiCodec) Decode(raw json.RawMessage) (*Decoded, error) {
	var w openaiWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("invalid openai message: %w", err)
	}
	if err := validRole(w.Role); err != nil {
		return nil, err
	}

	var parts []Part
	if len(w.Content) > 0 && string(w.Content) != "null" {
		// Content is either a plain string or a typed part list.
		var text string
		if err := json.Unmarshal(w.Content, &text); err == nil {
			if w.Role == "tool" {
				parts = append(parts, Part{
					Type:       PartToolResult,
					ToolResult: &ToolResultPart{ToolCallID: w.ToolCallID, Content: text},
				})
			} else if text != "" {
				parts = append(parts, Part{Type: PartText, Text: text})
			}
		} else {
			var contentParts []openaiContentPart
			if err := json.Unmarshal(w.Content, &contentParts); err != nil {
				return nil, fmt.Errorf("invalid openai content: %w", err)
			}
			for _, cp := range contentParts {
				if cp.Type != "text" {
					return nil, fmt.Errorf("unsupported openai content part %q", cp.Type)
				}
				parts = append(parts, Part{Type: PartText, Text: cp.Text})
			}
		}
	}
	for _, tc := range w.ToolCalls {
		parts = append(parts, Part{
			Type: PartToolCall,
			ToolCall: &ToolCallPart{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return &Decoded{Role: w.Role, Parts: parts}, nil
}

func (openaiCodec) Encode(role string, parts []Part) (json.RawMessage, error) {
	w := openaiWire{Role: role}

	var text string
	for _, p := range parts {
		switch p.Type {
		case PartText:
			text += p.Text
		case PartFile:
			if p.File.InlineText != "" {
				text += p.File.InlineText
			}
		case PartToolCall:
			tc := openaiToolCall{ID: p.ToolCall.ID, Type: "function"}
			tc.Function.Name = p.ToolCall.Name
			tc.Function.Arguments = p.ToolCall.Arguments
			w.ToolCalls = append(w.ToolCalls, tc)
		case PartToolResult:
			w.Role = "tool"
			w.ToolCallID = p.ToolResult.ToolCallID
			text += p.ToolResult.Content
		}
	}
	if text != "" || len(w.ToolCalls) == 0 {
		content, err := json.Marshal(text)
		if err != nil {
			return nil, err
		}
		w.Content = content
	}
	return json.Marshal(w)
}

// anthropicCodec maps role plus content-block messages.
type anthropicCodec struct{}

func (anthropicCodec) Format() string { return "anthropic" }

type anthropicWire struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

func (anthropicCodec) Decode(raw json.RawMessage) (*Decoded, error) {
	var w anthropicWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("invalid anthropic message: %w", err)
	}
	if err := validRole(w.Role); err != nil {
		return nil, err
	}

	var parts []Part
	var text string
	if err := json.Unmarshal(w.Content, &text); err == nil {
		if text != "" {
			parts = append(parts, Part{Type: PartText, Text: text})
		}
		return &Decoded{Role: w.Role, Parts: parts}, nil
	}

	var blocks []anthropicBlock
	if err := json.Unmarshal(w.Content, &blocks); err != nil {
		return nil, fmt.Errorf("invalid anthropic content: %w", err)
	}
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, Part{Type: PartText, Text: b.Text})
		case "tool_use":
			parts = append(parts, Part{
				Type:     PartToolCall,
				ToolCall: &ToolCallPart{ID: b.ID, Name: b.Name, Arguments: b.Input},
			})
		case "tool_result":
			parts = append(parts, Part{
				Type: PartToolResult,
				ToolResult: &ToolResultPart{
					ToolCallID: b.ToolUseID,
					Content:    b.Content,
					IsError:    b.IsError,
				},
			})
		default:
			return nil, fmt.Errorf("unsupported anthropic block %q", b.Type)
		}
	}
	return &Decoded{Role: w.Role, Parts: parts}, nil
}

func (anthropicCodec) Encode(role string, parts []Part) (json.RawMessage, error) {
	blocks := make([]anthropicBlock, 0, len(parts))
	for _, p := range parts {
		switch p.Type {
		case PartText:
			blocks = append(blocks, anthropicBlock{Type: "text", Text: p.Text})
		case PartFile:
			if p.File.InlineText != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: p.File.InlineText})
			}
		case PartToolCall:
			blocks = append(blocks, anthropicBlock{
				Type:  "tool_use",
				ID:    p.ToolCall.ID,
				Name:  p.ToolCall.Name,
				Input: p.ToolCall.Arguments,
			})
		case PartToolResult:
			blocks = append(blocks, anthropicBlock{
				Type:      "tool_result",
				ToolUseID: p.ToolResult.ToolCallID,
				Content:   p.ToolResult.Content,
				IsError:   p.ToolResult.IsError,
			})
		}
	}
	content, err := json.Marshal(blocks)
	if err != nil {
		return nil, err
	}
	return json.Marshal(anthropicWire{Role: role, Content: content})
}
