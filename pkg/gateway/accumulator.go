package gateway

import "strings"

// ToolCallAccumulator collects the fragments of one tool call, addressed by
// its position in the tool-call array.
type ToolCallAccumulator struct {
	Index             int
	ID                string
	Type              string
	FunctionName      string
	FunctionArguments string
}

// IsComplete reports whether both the call id and the function name arrived.
// Arguments may still be an invalid JSON prefix if the stream was cut.
func (a ToolCallAccumulator) IsComplete() bool {
	return a.ID != "" && a.FunctionName != ""
}

// ToolCall converts the accumulator into a ToolCall. Type defaults to
// "function" when the stream never sent one.
func (a ToolCallAccumulator) ToolCall() ToolCall {
	typ := a.Type
	if typ == "" {
		typ = defaultToolType
	}
	return ToolCall{
		ID:   a.ID,
		Type: typ,
		Function: FunctionCall{
			Name:      a.FunctionName,
			Arguments: a.FunctionArguments,
		},
	}
}

func (a *ToolCallAccumulator) merge(d ToolCallDelta) {
	if d.ID != nil {
		a.ID = *d.ID
	}
	if d.Type != nil {
		a.Type = *d.Type
	}
	if d.Function == nil {
		return
	}
	if d.Function.Name != nil {
		a.FunctionName = *d.Function.Name
	}
	if d.Function.Arguments != nil {
		a.FunctionArguments += *d.Function.Arguments
	}
}

// StreamState is the running merge of every chunk of one stream. It is owned
// by the goroutine draining that stream and is not safe for concurrent use.
type StreamState struct {
	ID           string
	Model        string
	Role         Role
	Content      string
	ChunkCount   int
	ToolCalls    []ToolCallAccumulator
	Finished     bool
	FinishReason string
	Usage        *Usage
}

// MergeChunk returns the state obtained by merging chunk into state. The
// input state is left untouched.
func MergeChunk(state StreamState, chunk DeltaChunk) StreamState {
	next := state
	if state.ToolCalls != nil {
		next.ToolCalls = make([]ToolCallAccumulator, len(state.ToolCalls))
		copy(next.ToolCalls, state.ToolCalls)
	}
	next.Merge(chunk)
	return next
}

// Merge folds chunk into s in place. Only the first choice is read. Once the
// state is finished, text and tool calls are frozen; later chunks are
// counted and may still carry the trailing usage report.
func (s *StreamState) Merge(chunk DeltaChunk) {
	s.ChunkCount++

	if chunk.Usage != nil {
		u := *chunk.Usage
		s.Usage = &u
	}
	if s.Finished {
		return
	}
	if s.ID == "" {
		s.ID = chunk.ID
	}
	if chunk.Model != "" {
		s.Model = chunk.Model
	}
	if len(chunk.Choices) == 0 {
		return
	}

	choice := chunk.Choices[0]
	delta := choice.Delta

	if delta.Role != nil {
		s.Role = *delta.Role
	}
	if delta.Content != nil {
		s.Content += *delta.Content
	}
	for _, tc := range delta.ToolCalls {
		s.toolCallAt(tc.Index).merge(tc)
	}
	if reason, ok := choice.finishReason(); ok {
		s.Finished = true
		s.FinishReason = reason
	}
}

// toolCallAt returns the accumulator at index, growing the slice with empty
// placeholders so positions stay dense and aligned with the wire indices.
func (s *StreamState) toolCallAt(index int) *ToolCallAccumulator {
	if index < 0 {
		index = 0
	}
	for len(s.ToolCalls) <= index {
		s.ToolCalls = append(s.ToolCalls, ToolCallAccumulator{Index: len(s.ToolCalls)})
	}
	return &s.ToolCalls[index]
}

// CompletedToolCalls returns the tool calls that received both an id and a
// function name, in index order.
func (s *StreamState) CompletedToolCalls() []ToolCall {
	var calls []ToolCall
	for _, acc := range s.ToolCalls {
		if acc.IsComplete() {
			calls = append(calls, acc.ToolCall())
		}
	}
	return calls
}

// Message returns the accumulated assistant message.
func (s *StreamState) Message() Message {
	role := s.Role
	if role == "" {
		role = RoleAssistant
	}
	return Message{
		Role:      role,
		Content:   s.Content,
		ToolCalls: s.CompletedToolCalls(),
	}
}

// Response converts the final state into the shape of a non-streaming
// response, so callers can treat both paths alike.
func (s *StreamState) Response() *ChatResponse {
	return &ChatResponse{
		ID:    s.ID,
		Model: s.Model,
		Choices: []Choice{{
			Index:        0,
			Message:      s.Message(),
			FinishReason: s.FinishReason,
		}},
		Usage: s.Usage,
	}
}

// joinText concatenates the text fragments of chunks in order.
func joinText(chunks []DeltaChunk) string {
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Text())
	}
	return b.String()
}
