package anthropic

// cacheTTL keeps the static system prompts warm across a batch run.
const cacheTTL = "1h"

// CachedSystem wraps text in a single system block carrying a cache
// breakpoint.
func CachedSystem(text string) []SystemBlock {
	return []SystemBlock{{Text: text, CacheControl: &CacheControl{TTL: cacheTTL}}}
}

// Prompt builds a deterministic single-turn request with a cached system
// prompt and zero temperature.
func Prompt(model string, maxTokens int64, system, user string) MessageRequest {
	temp := 0.0
	return MessageRequest{
		Model:       model,
		MaxTokens:   maxTokens,
		System:      CachedSystem(system),
		Messages:    []Message{{Role: "user", Content: user}},
		Temperature: &temp,
	}
}

// Prompt returns every input token billed for the call, cached or not.
func (u TokenUsage) Prompt() int64 {
	return u.InputTokens + u.CacheCreationInputTokens + u.CacheReadInputTokens
}

// Truncated reports whether generation stopped on the token limit, in
// which case a line-oriented answer may be missing its tail.
func (r *MessageResponse) Truncated() bool {
	return r != nil && r.StopReason == "max_tokens"
}
