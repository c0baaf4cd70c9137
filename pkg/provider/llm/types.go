package llm

// Message is a single conversation turn.
type Message struct {
	// Role is one of "system", "user", "assistant".
	Role string

	// Content is the message text.
	Content string
}

// CompletionRequest describes one completion call.
type CompletionRequest struct {
	// Messages is the conversation, oldest first.
	Messages []Message

	// SystemPrompt, when non-empty, is prepended as a system message.
	SystemPrompt string

	// Temperature controls sampling randomness. Zero means provider default.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Chunk is one streamed fragment of a completion.
type Chunk struct {
	// Text is the fragment content. May be empty on control chunks.
	Text string

	// FinishReason is non-empty on the final chunk: "stop", "length", or
	// "error" (Text then carries the error message).
	FinishReason string
}

// Usage reports token accounting for a completed request.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the result of a single-shot completion.
type CompletionResponse struct {
	// Content is the full response text.
	Content string

	// Usage is the token accounting, when the backend reports it.
	Usage Usage
}
