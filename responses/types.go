package responses

import "encoding/json"

// request is the body of POST /responses
type request struct {
	Model              string `json:"model"`
	Instructions       string `json:"instructions,omitempty"`
	Input              []any  `json:"input"`
	Tools              []tool `json:"tools,omitempty"`
	PreviousResponseID string `json:"previous_response_id,omitempty"`
	Stream             bool   `json:"stream"`
}

type messageItem struct {
	Type    string `json:"type"`
	Role    string `json:"role"`
	Content string `json:"content"`
}

type functionCallOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type tool struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      bool            `json:"strict"`
}

// streamEvent is one SSE data payload
type streamEvent struct {
	Type        string          `json:"type"`
	Response    *streamResponse `json:"response,omitempty"`
	Item        *outputItem     `json:"item,omitempty"`
	Delta       string          `json:"delta,omitempty"`
	Text        string          `json:"text,omitempty"`
	OutputIndex int             `json:"output_index,omitempty"`

	// set on "error" events
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Param   string `json:"param,omitempty"`
}

type streamResponse struct {
	ID     string    `json:"id"`
	Status string    `json:"status,omitempty"`
	Error  *apiError `json:"error,omitempty"`
}

type outputItem struct {
	Type      string        `json:"type"`
	ID        string        `json:"id,omitempty"`
	Role      string        `json:"role,omitempty"`
	Content   []contentPart `json:"content,omitempty"`
	CallID    string        `json:"call_id,omitempty"`
	Name      string        `json:"name,omitempty"`
	Arguments string        `json:"arguments,omitempty"`
}

type contentPart struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Refusal string `json:"refusal,omitempty"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Param   string `json:"param,omitempty"`
	Code    string `json:"code,omitempty"`
}

// Stream event types consumed by the backend
const (
	eventResponseCreated   = "response.created"
	eventResponseCompleted = "response.completed"
	eventResponseFailed    = "response.failed"
	eventOutputItemAdded   = "response.output_item.added"
	eventOutputItemDone    = "response.output_item.done"
	eventOutputTextDelta   = "response.output_text.delta"
	eventOutputTextDone    = "response.output_text.done"
	eventError             = "error"
)

const (
	itemMessage            = "message"
	itemFunctionCall       = "function_call"
	itemFunctionCallOutput = "function_call_output"
	partRefusal            = "refusal"
)
