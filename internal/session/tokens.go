package session

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

func getEncoding() *tiktoken.Tiktoken {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			encoding = enc
		}
	})
	return encoding
}

// CountTokens returns a token count using cl100k_base, falling back to a
// character heuristic when the encoding is unavailable.
func CountTokens(text string) int {
	if enc := getEncoding(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return EstimateFast(text)
}

// EstimateFast returns max(runes/4, word count) as a cheap token estimate.
func EstimateFast(text string) int {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return 0
	}
	runes := len([]rune(trimmed))
	words := len(strings.Fields(trimmed))
	estimate := runes / 4
	if estimate < words {
		estimate = words
	}
	if estimate == 0 {
		estimate = 1
	}
	return estimate
}

// perMessageOverhead approximates the framing cost of one chat turn.
const perMessageOverhead = 4

// MessageTokens counts the tokens a message contributes to a model context.
func MessageTokens(parts []Part) int {
	total := perMessageOverhead
	for _, p := range parts {
		switch p.Type {
		case PartText:
			total += CountTokens(p.Text)
		case PartFile:
			if p.File.InlineText != "" {
				total += CountTokens(p.File.InlineText)
			} else {
				total += CountTokens(p.File.Filename)
			}
		case PartToolCall:
			total += CountTokens(p.ToolCall.Name)
			total += CountTokens(string(p.ToolCall.Arguments))
		case PartToolResult:
			total += CountTokens(p.ToolResult.Content)
		}
	}
	return total
}
