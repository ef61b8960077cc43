package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/converse-relay/conversation"
	"github.com/room4-2/converse-relay/functions"
	"github.com/room4-2/converse-relay/llm"
)

// scriptedBackend replays one chunk list per round and records every request
type scriptedBackend struct {
	rounds   [][]llm.Chunk
	requests []*llm.Request
	openErr  error
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Stream(_ context.Context, req *llm.Request) (llm.Stream, error) {
	b.requests = append(b.requests, req)
	if b.openErr != nil {
		return nil, b.openErr
	}
	i := len(b.requests) - 1
	if i >= len(b.rounds) {
		return &sliceStream{}, nil
	}
	return &sliceStream{chunks: b.rounds[i]}, nil
}

type sliceStream struct {
	chunks []llm.Chunk
	closed bool
}

func (s *sliceStream) Next() (llm.Chunk, error) {
	if len(s.chunks) == 0 {
		return nil, io.EOF
	}
	c := s.chunks[0]
	s.chunks = s.chunks[1:]
	return c, nil
}

func (s *sliceStream) Close() error {
	s.closed = true
	return nil
}

// recordingTools records calls in order and answers with a fixed payload per name
type recordingTools struct {
	calls []string
}

func (r *recordingTools) Execute(_ context.Context, name string, _ json.RawMessage) string {
	r.calls = append(r.calls, name)
	return `{"tool":"` + name + `"}`
}

func collect(events *[]TextEvent) EmitFunc {
	return func(ev TextEvent) { *events = append(*events, ev) }
}

func TestRun_DeltasThenDone(t *testing.T) {
	store := conversation.NewStore()
	store.Append(conversation.Turn{Role: conversation.RoleUser, Content: "hello"})
	backend := &scriptedBackend{rounds: [][]llm.Chunk{{
		llm.ResponseStarted{ResponseID: "resp_1"},
		llm.MessageOpened{},
		llm.TextDelta{Delta: "H"},
		llm.TextDelta{Delta: "i"},
		llm.TextDone{Text: "Hi"},
	}}}

	var events []TextEvent
	o := New(backend, store, &recordingTools{}, Options{Instructions: "be brief"})
	require.NoError(t, o.Run(context.Background(), collect(&events)))

	assert.Equal(t, []TextEvent{
		{Token: "H"},
		{Token: "i"},
		{Token: "", Last: true, FullText: "Hi"},
	}, events)

	turns := store.Turns()
	require.Len(t, turns, 2)
	assert.Equal(t, conversation.Turn{Role: conversation.RoleAssistant, Content: "Hi"}, turns[1])
	require.Len(t, backend.requests, 1)
}

func TestRun_InitialRoundCarriesFullHistory(t *testing.T) {
	store := conversation.NewStore()
	store.Append(conversation.Turn{Role: conversation.RoleAssistant, Content: "Welcome"})
	store.Append(conversation.Turn{Role: conversation.RoleUser, Content: "weather?"})
	backend := &scriptedBackend{}
	specs := functions.NewExecutor(nil, functions.DefaultTools()...).Specs()

	o := New(backend, store, &recordingTools{}, Options{Instructions: "sys", Tools: specs})
	require.NoError(t, o.Run(context.Background(), func(TextEvent) {}))

	require.Len(t, backend.requests, 1)
	req := backend.requests[0]
	assert.False(t, req.IsContinuation())
	assert.Equal(t, "sys", req.Instructions)
	assert.Equal(t, specs, req.Tools)
	assert.Equal(t, store.Turns(), req.Turns)
	assert.Empty(t, req.ToolResults)
}

func TestRun_MessageOpenedTextEmittedEarly(t *testing.T) {
	backend := &scriptedBackend{rounds: [][]llm.Chunk{{
		llm.MessageOpened{Text: "Sure"},
		llm.TextDelta{Delta: ", one moment"},
	}}}

	var events []TextEvent
	o := New(backend, conversation.NewStore(), &recordingTools{}, Options{})
	require.NoError(t, o.Run(context.Background(), collect(&events)))

	assert.Equal(t, []TextEvent{{Token: "Sure"}, {Token: ", one moment"}}, events)
}

func TestRun_RefusalIsSkipped(t *testing.T) {
	backend := &scriptedBackend{rounds: [][]llm.Chunk{{
		llm.MessageOpened{Refusal: true, Text: "I can't help with that"},
	}}}

	var events []TextEvent
	o := New(backend, conversation.NewStore(), &recordingTools{}, Options{})
	require.NoError(t, o.Run(context.Background(), collect(&events)))

	assert.Empty(t, events)
}

func TestRun_OneToolCallTriggersOneContinuation(t *testing.T) {
	tools := &recordingTools{}
	backend := &scriptedBackend{rounds: [][]llm.Chunk{
		{
			llm.ResponseStarted{ResponseID: "resp_1"},
			llm.ToolCallDone{Call: llm.ToolCall{CallID: "call_1", Name: "get_weather", Arguments: json.RawMessage(`{"location":"seattle"}`)}},
		},
		{
			llm.ResponseStarted{ResponseID: "resp_2"},
			llm.TextDone{Text: "It's raining."},
		},
	}}

	store := conversation.NewStore()
	o := New(backend, store, tools, Options{Instructions: "sys"})
	require.NoError(t, o.Run(context.Background(), func(TextEvent) {}))

	require.Len(t, backend.requests, 2)
	cont := backend.requests[1]
	assert.True(t, cont.IsContinuation())
	assert.Equal(t, "resp_1", cont.PreviousResponseID)
	assert.Nil(t, cont.Turns)
	assert.Equal(t, "sys", cont.Instructions)
	assert.Equal(t, []llm.ToolResult{{CallID: "call_1", Output: `{"tool":"get_weather"}`}}, cont.ToolResults)
	assert.Equal(t, []string{"get_weather"}, tools.calls)
}

func TestRun_ToolOutputsKeepCompletionOrder(t *testing.T) {
	tools := &recordingTools{}
	backend := &scriptedBackend{rounds: [][]llm.Chunk{
		{
			llm.ResponseStarted{ResponseID: "resp_1"},
			llm.ToolCallDone{Call: llm.ToolCall{CallID: "A", Name: "tool_a"}},
			llm.ToolCallDone{Call: llm.ToolCall{CallID: "B", Name: "tool_b"}},
		},
		{llm.TextDone{Text: "done"}},
	}}

	o := New(backend, conversation.NewStore(), tools, Options{})
	require.NoError(t, o.Run(context.Background(), func(TextEvent) {}))

	require.Len(t, backend.requests, 2)
	results := backend.requests[1].ToolResults
	require.Len(t, results, 2)
	assert.Equal(t, "A", results[0].CallID)
	assert.Equal(t, "B", results[1].CallID)
	assert.Equal(t, []string{"tool_a", "tool_b"}, tools.calls)
}

func TestRun_UnknownToolResultIsSentNextRound(t *testing.T) {
	executor := functions.NewExecutor(nil, functions.DefaultTools()...)
	backend := &scriptedBackend{rounds: [][]llm.Chunk{
		{
			llm.ResponseStarted{ResponseID: "resp_1"},
			llm.ToolCallDone{Call: llm.ToolCall{CallID: "call_foo", Name: "foo", Arguments: json.RawMessage(`{}`)}},
		},
		{llm.TextDone{Text: "Sorry, I can't do that."}},
	}}

	o := New(backend, conversation.NewStore(), executor, Options{})
	require.NoError(t, o.Run(context.Background(), func(TextEvent) {}))

	require.Len(t, backend.requests, 2)
	results := backend.requests[1].ToolResults
	require.Len(t, results, 1)
	assert.Equal(t, "call_foo", results[0].CallID)
	assert.JSONEq(t, `{"status":"error","message":"unknown tool"}`, results[0].Output)
}

func TestRun_ChainedContinuations(t *testing.T) {
	backend := &scriptedBackend{rounds: [][]llm.Chunk{
		{llm.ResponseStarted{ResponseID: "resp_1"}, llm.ToolCallDone{Call: llm.ToolCall{CallID: "c1", Name: "x"}}},
		{llm.ResponseStarted{ResponseID: "resp_2"}, llm.ToolCallDone{Call: llm.ToolCall{CallID: "c2", Name: "y"}}},
		{llm.ResponseStarted{ResponseID: "resp_3"}, llm.TextDone{Text: "ok"}},
	}}

	o := New(backend, conversation.NewStore(), &recordingTools{}, Options{})
	require.NoError(t, o.Run(context.Background(), func(TextEvent) {}))

	require.Len(t, backend.requests, 3)
	assert.Equal(t, "resp_1", backend.requests[1].PreviousResponseID)
	assert.Equal(t, "resp_2", backend.requests[2].PreviousResponseID)
	assert.Equal(t, "c2", backend.requests[2].ToolResults[0].CallID)
}

func TestRun_MaxRounds(t *testing.T) {
	loop := []llm.Chunk{llm.ResponseStarted{ResponseID: "r"}, llm.ToolCallDone{Call: llm.ToolCall{CallID: "c", Name: "x"}}}
	backend := &scriptedBackend{rounds: [][]llm.Chunk{loop, loop, loop}}

	o := New(backend, conversation.NewStore(), &recordingTools{}, Options{MaxRounds: 2})
	err := o.Run(context.Background(), func(TextEvent) {})

	assert.ErrorIs(t, err, ErrTooManyRounds)
	assert.Len(t, backend.requests, 2)
}

func TestRun_StreamOpenFailureEmitsNothing(t *testing.T) {
	store := conversation.NewStore()
	store.Append(conversation.Turn{Role: conversation.RoleUser, Content: "hi"})
	backend := &scriptedBackend{openErr: errors.New("connection refused")}

	var events []TextEvent
	o := New(backend, store, &recordingTools{}, Options{})
	err := o.Run(context.Background(), collect(&events))

	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, events)
	assert.Equal(t, 1, store.Len())
	assert.Len(t, backend.requests, 1)
}

func TestRun_CancelledContextStopsRound(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tools := &recordingTools{}
	backend := &scriptedBackend{rounds: [][]llm.Chunk{{
		llm.TextDelta{Delta: "first"},
		llm.TextDelta{Delta: "second"},
		llm.ToolCallDone{Call: llm.ToolCall{CallID: "c", Name: "x"}},
	}}}

	var events []TextEvent
	o := New(backend, conversation.NewStore(), tools, Options{})
	err := o.Run(ctx, func(ev TextEvent) {
		events = append(events, ev)
		cancel()
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []TextEvent{{Token: "first"}}, events)
	assert.Empty(t, tools.calls)
	assert.Len(t, backend.requests, 1)
}
