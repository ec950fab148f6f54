package llm

import (
	"github.com/pkoukk/tiktoken-go"
)

// EstimateTokens counts tokens for text under the given model's encoding.
// Unknown models fall back to cl100k_base, then to a chars/4 heuristic when
// the encoding data is unavailable.
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err != nil || enc == nil {
		return (len(text) + 3) / 4
	}
	return len(enc.Encode(text, nil, nil))
}

// EstimateMessages sums token estimates over a conversation, adding a small
// per-message overhead for role framing.
func EstimateMessages(model string, messages []Message) int {
	total := 0
	for _, m := range messages {
		total += EstimateTokens(model, m.Content) + 4
	}
	return total
}
