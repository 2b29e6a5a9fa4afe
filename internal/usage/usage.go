// Package usage tracks token consumption and estimates turn cost.
package usage

// Tokens is the token consumption reported for one model call.
type Tokens struct {
	InputTokens       int `json:"input_tokens"`
	OutputTokens      int `json:"output_tokens"`
	CachedInputTokens int `json:"cached_input_tokens,omitempty"`
}

// Add accumulates another call's tokens, e.g. across tool continuation
// rounds within one turn.
func (t *Tokens) Add(other Tokens) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CachedInputTokens += other.CachedInputTokens
}

// Total returns the combined token count.
func (t Tokens) Total() int {
	return t.InputTokens + t.OutputTokens
}
