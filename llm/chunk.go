package llm

// Chunk is one element of a round's response stream.
type Chunk interface {
	chunk()
}

// ResponseStarted carries the id used to continue this round
type ResponseStarted struct {
	ResponseID string
}

// MessageOpened is emitted when an assistant message item starts.
// Some providers deliver the first content block inline.
type MessageOpened struct {
	Refusal bool
	Text    string
}

// TextDelta is an incremental piece of assistant text
type TextDelta struct {
	Delta string
}

// TextDone closes an assistant utterance with its full text
type TextDone struct {
	Text string
}

// ToolCallDone is a fully-formed tool call
type ToolCallDone struct {
	Call ToolCall
}

func (ResponseStarted) chunk() {}
func (MessageOpened) chunk()   {}
func (TextDelta) chunk()       {}
func (TextDone) chunk()        {}
func (ToolCallDone) chunk()    {}
