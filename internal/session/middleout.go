package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// View is a decoded message as seen by the read path.
type View struct {
	ID        string
	Role      string
	Parts     []Part
	Seq       int64
	CreatedAt time.Time
}

// EditStrategy is one entry of the ordered edit_strategies list on the
// message read endpoint.
type EditStrategy struct {
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

type middleOutParams struct {
	TokenReduceTo int `json:"token_reduce_to"`
}

// ApplyEditStrategies runs each strategy in order over the message list.
func ApplyEditStrategies(msgs []*View, strategies []EditStrategy) ([]*View, error) {
	out := msgs
	for _, s := range strategies {
		switch s.Type {
		case "middle_out":
			var p middleOutParams
			if len(s.Params) > 0 {
				if err := json.Unmarshal(s.Params, &p); err != nil {
					return nil, fmt.Errorf("invalid middle_out params: %w", err)
				}
			}
			var err error
			out, err = MiddleOut(out, p.TokenReduceTo)
			if err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown edit strategy %q", s.Type)
		}
	}
	return out, nil
}

// MiddleOut trims interior messages until the list fits within reduceTo
// tokens. The first two and last two messages are removed only after the
// interior is exhausted, the right-middle candidate goes first on even
// splits, tool-call/tool-result pairs are removed together, and the result
// never shrinks below two messages.
func MiddleOut(msgs []*View, reduceTo int) ([]*View, error) {
	if reduceTo <= 0 {
		return nil, fmt.Errorf("token_reduce_to must be positive, got %d", reduceTo)
	}
	n := len(msgs)
	if n <= 2 {
		return msgs, nil
	}

	tokens := make([]int, n)
	total := 0
	for i, m := range msgs {
		tokens[i] = MessageTokens(m.Parts)
		total += tokens[i]
	}
	if total <= reduceTo {
		return msgs, nil
	}

	partners := pairPartners(msgs)
	alive := make([]bool, n)
	for i := range alive {
		alive[i] = true
	}
	aliveCount := n
	blocked := make(map[int]bool)

	for _, protect := range []int{2, 1} {
		for total > reduceTo {
			idx := rightMiddle(alive, blocked, protect)
			if idx < 0 {
				break
			}
			set := removalSet(idx, partners, alive)
			if aliveCount-len(set) < 2 {
				// Removing this candidate (with its pair) would leave fewer
				// than two messages; leave it in place.
				blocked[idx] = true
				continue
			}
			for _, r := range set {
				alive[r] = false
				total -= tokens[r]
				aliveCount--
			}
		}
	}

	out := make([]*View, 0, aliveCount)
	for i, m := range msgs {
		if alive[i] {
			out = append(out, m)
		}
	}
	return out, nil
}

// rightMiddle picks the next removal candidate: the right-of-center alive
// message, excluding the first and last `protect` alive messages and any
// blocked indexes.
func rightMiddle(alive []bool, blocked map[int]bool, protect int) int {
	var order []int
	for i, a := range alive {
		if a {
			order = append(order, i)
		}
	}
	if len(order) <= 2*protect {
		return -1
	}
	candidates := order[protect : len(order)-protect]
	filtered := candidates[:0:len(candidates)]
	for _, c := range candidates {
		if !blocked[c] {
			filtered = append(filtered, c)
		}
	}
	if len(filtered) == 0 {
		return -1
	}
	return filtered[len(filtered)/2]
}

// removalSet expands an index to include its still-alive tool pair partners,
// so a call and its result leave the list together.
func removalSet(idx int, partners map[int][]int, alive []bool) []int {
	seen := map[int]bool{idx: true}
	queue := []int{idx}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, p := range partners[cur] {
			if alive[p] && !seen[p] {
				seen[p] = true
				queue = append(queue, p)
			}
		}
	}
	out := make([]int, 0, len(seen))
	for i := range seen {
		out = append(out, i)
	}
	return out
}

// pairPartners links messages carrying a tool call to the messages carrying
// the matching tool result, in both directions.
func pairPartners(msgs []*View) map[int][]int {
	callOwner := make(map[string]int)
	for i, m := range msgs {
		for _, p := range m.Parts {
			if p.Type == PartToolCall {
				callOwner[p.ToolCall.ID] = i
			}
		}
	}
	partners := make(map[int][]int)
	for i, m := range msgs {
		for _, p := range m.Parts {
			if p.Type != PartToolResult {
				continue
			}
			owner, ok := callOwner[p.ToolResult.ToolCallID]
			if !ok || owner == i {
				continue
			}
			partners[i] = append(partners[i], owner)
			partners[owner] = append(partners[owner], i)
		}
	}
	return partners
}
