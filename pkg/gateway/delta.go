package gateway

// DeltaChunk is the payload of one streamed SSE data frame. Choices may be
// empty when the upstream sends malformed or usage-only frames.
type DeltaChunk struct {
	ID      string        `json:"id"`
	Model   string        `json:"model,omitempty"`
	Choices []DeltaChoice `json:"choices"`
	Usage   *Usage        `json:"usage,omitempty"`
}

// DeltaChoice is the incremental update for one choice.
type DeltaChoice struct {
	Index        int          `json:"index"`
	Delta        DeltaContent `json:"delta"`
	FinishReason *string      `json:"finish_reason,omitempty"`
}

// DeltaContent carries the partial message. Nil fields were absent on the wire.
type DeltaContent struct {
	Role         *Role           `json:"role,omitempty"`
	Content      *string         `json:"content,omitempty"`
	ToolCalls    []ToolCallDelta `json:"tool_calls,omitempty"`
	FinishReason *string         `json:"finish_reason,omitempty"`
}

// ToolCallDelta is a fragment of a tool call. Index is the position in the
// final tool-call array, not an identifier.
type ToolCallDelta struct {
	Index    int                `json:"index"`
	ID       *string            `json:"id,omitempty"`
	Type     *string            `json:"type,omitempty"`
	Function *FunctionCallDelta `json:"function,omitempty"`
}

// FunctionCallDelta is a fragment of a function call. Arguments is appended
// to what was received before, never replaces it.
type FunctionCallDelta struct {
	Name      *string `json:"name,omitempty"`
	Arguments *string `json:"arguments,omitempty"`
}

// Text returns the content fragment of the first choice, or "".
func (c DeltaChunk) Text() string {
	if len(c.Choices) == 0 || c.Choices[0].Delta.Content == nil {
		return ""
	}
	return *c.Choices[0].Delta.Content
}

// finishReason reports the finish reason of a choice, preferring the
// choice-level field over the one nested in the delta.
func (c DeltaChoice) finishReason() (string, bool) {
	if c.FinishReason != nil && *c.FinishReason != "" {
		return *c.FinishReason, true
	}
	if c.Delta.FinishReason != nil && *c.Delta.FinishReason != "" {
		return *c.Delta.FinishReason, true
	}
	return "", false
}
