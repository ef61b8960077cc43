// Package chatcompletion streams rounds from a Chat Completions endpoint
// through go-openai. Tool-call fragments are accumulated by index and
// released once the round ends.
package chatcompletion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/room4-2/converse-relay/conversation"
	"github.com/room4-2/converse-relay/llm"
)

// ErrUnknownResponse is returned when a continuation names a round the backend does not remember
var ErrUnknownResponse = errors.New("chatcompletion: unknown previous response id")

// Backend implements llm.Backend with CreateChatCompletionStream
type Backend struct {
	client  *openai.Client
	model   string
	history *llm.History[[]openai.ChatCompletionMessage]
}

var _ llm.Backend = (*Backend)(nil)

// New creates a backend for an OpenAI-compatible endpoint; an empty baseURL uses the default
func New(apiKey, baseURL, model string) *Backend {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return NewWithClient(openai.NewClientWithConfig(config), model)
}

// NewAzure creates a backend for an Azure OpenAI deployment
func NewAzure(apiKey, endpoint, apiVersion, deployment string) *Backend {
	config := openai.DefaultAzureConfig(apiKey, endpoint)
	if apiVersion != "" {
		config.APIVersion = apiVersion
	}
	return NewWithClient(openai.NewClientWithConfig(config), deployment)
}

// NewWithClient wraps an existing client
func NewWithClient(client *openai.Client, model string) *Backend {
	return &Backend{
		client:  client,
		model:   model,
		history: llm.NewHistory[[]openai.ChatCompletionMessage](llm.DefaultHistoryLimit),
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return "chat"
}

// Stream opens one streaming round.
func (b *Backend) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	msgs, err := b.messagesFor(req)
	if err != nil {
		return nil, err
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    b.model,
		Messages: msgs,
		Stream:   true,
		Tools:    toolsFor(req.Tools),
	}

	s, err := b.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}
	return newStream(b, s, msgs), nil
}

// messagesFor builds the full message list for a round
func (b *Backend) messagesFor(req *llm.Request) ([]openai.ChatCompletionMessage, error) {
	if req.IsContinuation() {
		prev, ok := b.history.Take(req.PreviousResponseID)
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownResponse, req.PreviousResponseID)
		}
		for _, r := range req.ToolResults {
			prev = append(prev, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    r.Output,
				ToolCallID: r.CallID,
			})
		}
		return prev, nil
	}

	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.Instructions != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.Instructions,
		})
	}
	for _, t := range req.Turns {
		role := openai.ChatMessageRoleUser
		switch t.Role {
		case conversation.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		case conversation.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case conversation.RoleTool:
			continue
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return msgs, nil
}

func toolsFor(specs []llm.ToolSpec) []openai.Tool {
	if len(specs) == 0 {
		return nil
	}
	tools := make([]openai.Tool, 0, len(specs))
	for _, spec := range specs {
		def := &openai.FunctionDefinition{
			Name:        spec.Name,
			Description: spec.Description,
			Strict:      spec.Strict,
		}
		if len(spec.Parameters) > 0 {
			def.Parameters = spec.Parameters
		}
		tools = append(tools, openai.Tool{Type: openai.ToolTypeFunction, Function: def})
	}
	return tools
}

// callBuilder accumulates one tool call's streamed fragments
type callBuilder struct {
	id   string
	name string
	args strings.Builder
}

type stream struct {
	backend *Backend
	src     *openai.ChatCompletionStream
	msgs    []openai.ChatCompletionMessage

	responseID string
	text       strings.Builder
	opened     bool
	refused    bool
	calls      map[int]*callBuilder
	pending    []llm.Chunk
	finished   bool
	err        error
}

func newStream(b *Backend, src *openai.ChatCompletionStream, msgs []openai.ChatCompletionMessage) *stream {
	return &stream{
		backend: b,
		src:     src,
		msgs:    msgs,
		calls:   make(map[int]*callBuilder),
	}
}

// Next returns the next chunk, or io.EOF once the round is complete.
func (s *stream) Next() (llm.Chunk, error) {
	for {
		if len(s.pending) > 0 {
			c := s.pending[0]
			s.pending = s.pending[1:]
			return c, nil
		}
		if s.err != nil {
			return nil, s.err
		}
		if s.finished {
			return nil, io.EOF
		}

		resp, err := s.src.Recv()
		if errors.Is(err, io.EOF) {
			s.finish()
			continue
		}
		if err != nil {
			s.err = fmt.Errorf("chat completion stream: %w", err)
			continue
		}
		s.handle(resp)
	}
}

func (s *stream) handle(resp openai.ChatCompletionStreamResponse) {
	if s.responseID == "" {
		s.responseID = resp.ID
		if s.responseID == "" {
			s.responseID = "chatcmpl_" + uuid.New().String()
		}
		s.pending = append(s.pending, llm.ResponseStarted{ResponseID: s.responseID})
	}

	for _, choice := range resp.Choices {
		delta := choice.Delta

		if delta.Refusal != "" && !s.opened {
			s.opened = true
			s.refused = true
			s.pending = append(s.pending, llm.MessageOpened{Refusal: true})
		}

		if delta.Content != "" && !s.refused {
			if !s.opened {
				s.opened = true
				s.pending = append(s.pending, llm.MessageOpened{})
			}
			s.text.WriteString(delta.Content)
			s.pending = append(s.pending, llm.TextDelta{Delta: delta.Content})
		}

		for i, tc := range delta.ToolCalls {
			idx := i
			if tc.Index != nil {
				idx = *tc.Index
			}
			cb, ok := s.calls[idx]
			if !ok {
				cb = &callBuilder{}
				s.calls[idx] = cb
			}
			if tc.ID != "" {
				cb.id = tc.ID
			}
			if tc.Function.Name != "" {
				cb.name = tc.Function.Name
			}
			cb.args.WriteString(tc.Function.Arguments)
		}
	}
}

// finish releases the closing text and the completed tool calls
func (s *stream) finish() {
	s.finished = true

	if s.opened && !s.refused {
		s.pending = append(s.pending, llm.TextDone{Text: s.text.String()})
	}
	if len(s.calls) == 0 {
		return
	}

	indexes := make([]int, 0, len(s.calls))
	for idx := range s.calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)

	assistant := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: s.text.String(),
	}
	for _, idx := range indexes {
		cb := s.calls[idx]
		if cb.id == "" {
			cb.id = "call_" + uuid.New().String()
		}
		args := cb.args.String()
		if args == "" {
			args = "{}"
		}
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
			ID:       cb.id,
			Type:     openai.ToolTypeFunction,
			Function: openai.FunctionCall{Name: cb.name, Arguments: args},
		})
		s.pending = append(s.pending, llm.ToolCallDone{Call: llm.ToolCall{
			CallID:    cb.id,
			Name:      cb.name,
			Arguments: json.RawMessage(args),
		}})
	}

	msgs := append(append([]openai.ChatCompletionMessage(nil), s.msgs...), assistant)
	s.backend.history.Put(s.responseID, msgs)
}

// Close closes the HTTP stream
func (s *stream) Close() error {
	return s.src.Close()
}
