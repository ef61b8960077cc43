// Package orchestrator drives the streaming tool-call loop for one call.
//
// Run opens an initial round with the full conversation, republishes the
// model's text as ordered text events, executes requested tools one at a
// time, and continues with the collected tool outputs until a round asks for
// no tools.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/room4-2/converse-relay/conversation"
	"github.com/room4-2/converse-relay/llm"
)

// ErrTooManyRounds is returned when MaxRounds is set and exceeded
var ErrTooManyRounds = errors.New("tool round limit reached")

// TextEvent is one piece of assistant speech.
// A terminal event (Last) has an empty Token and carries the whole utterance in FullText.
type TextEvent struct {
	Token    string
	Last     bool
	FullText string
}

// EmitFunc receives text events in stream order
type EmitFunc func(TextEvent)

// ToolRunner executes a tool call and returns its JSON result payload
type ToolRunner interface {
	Execute(ctx context.Context, name string, args json.RawMessage) string
}

// Options configure an Orchestrator
type Options struct {
	Instructions string
	Tools        []llm.ToolSpec
	// MaxRounds caps rounds per Run; 0 means unlimited.
	MaxRounds int
	Logger    *slog.Logger
}

// Orchestrator runs turns for a single conversation store
type Orchestrator struct {
	backend llm.Backend
	store   *conversation.Store
	tools   ToolRunner
	opts    Options
	logger  *slog.Logger
}

// New creates an orchestrator bound to one session's store
func New(backend llm.Backend, store *conversation.Store, tools ToolRunner, opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		backend: backend,
		store:   store,
		tools:   tools,
		opts:    opts,
		logger:  logger.With("backend", backend.Name()),
	}
}

// Run drives rounds until the model stops requesting tools.
// If a round cannot be opened the turn is abandoned: nothing further is emitted and the error is returned for logging.
func (o *Orchestrator) Run(ctx context.Context, emit EmitFunc) error {
	req := &llm.Request{
		Instructions: o.opts.Instructions,
		Tools:        o.opts.Tools,
		Turns:        o.store.Turns(),
	}

	for round := 1; ; round++ {
		if o.opts.MaxRounds > 0 && round > o.opts.MaxRounds {
			o.logger.Warn("tool round limit reached", "max_rounds", o.opts.MaxRounds)
			return ErrTooManyRounds
		}

		responseID, results, err := o.doRound(ctx, req, emit)
		if err != nil {
			return err
		}
		if len(results) == 0 {
			return nil
		}

		o.logger.Debug("continuing with tool results", "round", round, "response_id", responseID, "results", len(results))
		req = &llm.Request{
			Instructions:       o.opts.Instructions,
			Tools:              o.opts.Tools,
			PreviousResponseID: responseID,
			ToolResults:        results,
		}
	}
}

// doRound consumes one stream in arrival order and returns the round's response id and tool results
func (o *Orchestrator) doRound(ctx context.Context, req *llm.Request, emit EmitFunc) (string, []llm.ToolResult, error) {
	stream, err := o.backend.Stream(ctx, req)
	if err != nil {
		o.logger.Error("failed to open stream", "error", err, "continuation", req.IsContinuation())
		return "", nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	var (
		responseID string
		results    []llm.ToolResult
	)

	for {
		if err := ctx.Err(); err != nil {
			return responseID, nil, err
		}

		chunk, err := stream.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			o.logger.Error("stream failed", "error", err, "response_id", responseID)
			return responseID, nil, fmt.Errorf("read stream: %w", err)
		}

		switch c := chunk.(type) {
		case llm.ResponseStarted:
			responseID = c.ResponseID
			o.logger.Info("llm stream starting", "response_id", responseID)

		case llm.MessageOpened:
			if c.Refusal {
				continue
			}
			if c.Text != "" {
				emit(TextEvent{Token: c.Text})
			}

		case llm.TextDelta:
			emit(TextEvent{Token: c.Delta})

		case llm.TextDone:
			o.store.Append(conversation.Turn{Role: conversation.RoleAssistant, Content: c.Text})
			emit(TextEvent{Last: true, FullText: c.Text})

		case llm.ToolCallDone:
			o.logger.Info("tool call", "tool", c.Call.Name, "call_id", c.Call.CallID, "arguments", string(c.Call.Arguments))
			output := o.tools.Execute(ctx, c.Call.Name, c.Call.Arguments)
			if err := ctx.Err(); err != nil {
				return responseID, nil, err
			}
			o.logger.Info("tool result", "tool", c.Call.Name, "output", output)
			results = append(results, llm.ToolResult{CallID: c.Call.CallID, Output: output})
		}
	}

	return responseID, results, nil
}
