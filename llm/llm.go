// Package llm defines the contract between the orchestrator and a streaming
// language-model backend.
//
// A round is one streaming request. The initial round carries the full turn
// history; a continuation round carries only the tool outputs of the previous
// round plus that round's response id, and the backend rebuilds the context.
package llm

import (
	"context"
	"encoding/json"

	"github.com/room4-2/converse-relay/conversation"
)

// ToolSpec is a function tool advertised to the model
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON schema
	Strict      bool
}

// ToolCall is a completed tool invocation requested by the model
type ToolCall struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// ToolResult answers exactly one ToolCall of the same round
type ToolResult struct {
	CallID string
	Output string // JSON payload
}

// Request describes one round.
// Either Turns is set (initial round) or PreviousResponseID and ToolResults are (continuation).
type Request struct {
	Instructions       string
	Tools              []ToolSpec
	Turns              []conversation.Turn
	PreviousResponseID string
	ToolResults        []ToolResult
}

// IsContinuation reports whether the request continues a previous response
func (r *Request) IsContinuation() bool {
	return r.PreviousResponseID != ""
}

// Stream is a lazy, ordered sequence of chunks.
// Next returns io.EOF once the stream is drained.
type Stream interface {
	Next() (Chunk, error)
	Close() error
}

// Backend opens streaming rounds against a model provider
type Backend interface {
	Name() string
	Stream(ctx context.Context, req *Request) (Stream, error)
}
