// Package gemini streams rounds from Gemini through the official genai SDK.
//
// Gemini has no server-side response storage, so the backend remembers the
// contents of every round that ended with function calls and rebuilds the
// continuation from its response id.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"google.golang.org/genai"

	"github.com/room4-2/converse-relay/conversation"
	"github.com/room4-2/converse-relay/llm"
)

// ErrUnknownResponse is returned when a continuation names a round the backend does not remember
var ErrUnknownResponse = errors.New("gemini: unknown previous response id")

// ErrNoToolResults is returned when a continuation answers none of the remembered calls
var ErrNoToolResults = errors.New("gemini: continuation without tool results")

// round is the context of a finished round that requested tools
type round struct {
	contents []*genai.Content
	calls    map[string]*genai.FunctionCall // by call id handed to the orchestrator
}

// Backend implements llm.Backend with GenerateContentStream
type Backend struct {
	client  *genai.Client
	model   string
	history *llm.History[*round]
	logger  *slog.Logger
}

var _ llm.Backend = (*Backend)(nil)

// New creates the GenAI client and backend
func New(ctx context.Context, apiKey, model string, logger *slog.Logger) (*Backend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return NewWithClient(client, model, logger), nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *genai.Client, model string, logger *slog.Logger) *Backend {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backend{
		client:  client,
		model:   model,
		history: llm.NewHistory[*round](llm.DefaultHistoryLimit),
		logger:  logger,
	}
}

// Name returns the backend identifier.
func (b *Backend) Name() string {
	return "gemini"
}

// Stream opens one streaming round.
func (b *Backend) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	contents, err := b.contentsFor(req)
	if err != nil {
		return nil, err
	}
	seq := b.client.Models.GenerateContentStream(ctx, b.model, contents, b.configFor(req))
	return b.newStream(seq, contents), nil
}

// contentsFor builds the model input for a round
func (b *Backend) contentsFor(req *llm.Request) ([]*genai.Content, error) {
	if !req.IsContinuation() {
		contents := make([]*genai.Content, 0, len(req.Turns))
		for _, t := range req.Turns {
			role := string(genai.RoleUser)
			switch t.Role {
			case conversation.RoleAssistant:
				role = string(genai.RoleModel)
			case conversation.RoleSystem, conversation.RoleTool:
				continue
			}
			contents = append(contents, &genai.Content{
				Role:  role,
				Parts: []*genai.Part{{Text: t.Content}},
			})
		}
		return contents, nil
	}

	prev, ok := b.history.Take(req.PreviousResponseID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResponse, req.PreviousResponseID)
	}

	parts := make([]*genai.Part, 0, len(req.ToolResults))
	for _, r := range req.ToolResults {
		call, ok := prev.calls[r.CallID]
		if !ok {
			b.logger.Warn("tool result for unknown call", "call_id", r.CallID)
			continue
		}
		parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: map[string]any{"output": decodeOutput(r.Output)},
		}})
	}

	if len(parts) == 0 {
		return nil, fmt.Errorf("%w: no tool result matches a call of %s", ErrNoToolResults, req.PreviousResponseID)
	}

	contents := append(prev.contents, &genai.Content{Role: string(genai.RoleUser), Parts: parts})
	return contents, nil
}

// configFor carries the instructions and tool declarations
func (b *Backend) configFor(req *llm.Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	instructions := req.Instructions
	for _, t := range req.Turns {
		if t.Role == conversation.RoleSystem {
			instructions = strings.TrimSpace(instructions + "\n\n" + t.Content)
		}
	}
	if instructions != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{{Text: instructions}},
		}
	}

	if len(req.Tools) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(req.Tools))
		for _, spec := range req.Tools {
			decl := &genai.FunctionDeclaration{
				Name:        spec.Name,
				Description: spec.Description,
			}
			if len(spec.Parameters) > 0 {
				var schema map[string]any
				if err := sonic.Unmarshal(spec.Parameters, &schema); err == nil {
					decl.ParametersJsonSchema = schema
				}
			}
			decls = append(decls, decl)
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return config
}

// decodeOutput hands Gemini structured output when the tool result is JSON
func decodeOutput(output string) any {
	var v any
	if err := sonic.UnmarshalString(output, &v); err != nil {
		return output
	}
	return v
}

// stream adapts the SDK iterator to llm.Stream
type stream struct {
	backend  *Backend
	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()
	contents []*genai.Content

	responseID string
	modelParts []*genai.Part
	calls      map[string]*genai.FunctionCall
	text       strings.Builder
	opened     bool
	pending    []llm.Chunk
	finished   bool
	err        error
}

func (b *Backend) newStream(seq iter.Seq2[*genai.GenerateContentResponse, error], contents []*genai.Content) *stream {
	next, stop := iter.Pull2(seq)
	return &stream{
		backend:  b,
		next:     next,
		stop:     stop,
		contents: contents,
		calls:    make(map[string]*genai.FunctionCall),
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

		resp, err, ok := s.next()
		if !ok {
			s.finish()
			continue
		}
		if err != nil {
			s.err = fmt.Errorf("gemini stream: %w", err)
			continue
		}
		s.handle(resp)
	}
}

// handle queues the chunks carried by one streamed response
func (s *stream) handle(resp *genai.GenerateContentResponse) {
	if s.responseID == "" {
		s.responseID = resp.ResponseID
		if s.responseID == "" {
			s.responseID = "gemini_" + uuid.New().String()
		}
		s.pending = append(s.pending, llm.ResponseStarted{ResponseID: s.responseID})
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return
	}

	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil {
			continue
		}
		s.modelParts = append(s.modelParts, part)

		switch {
		case part.FunctionCall != nil:
			call := part.FunctionCall
			callID := call.ID
			if callID == "" {
				callID = "call_" + uuid.New().String()
			}
			s.calls[callID] = call

			args, err := sonic.Marshal(call.Args)
			if err != nil || call.Args == nil {
				args = []byte("{}")
			}
			s.pending = append(s.pending, llm.ToolCallDone{Call: llm.ToolCall{
				CallID:    callID,
				Name:      call.Name,
				Arguments: args,
			}})

		case part.Text != "" && !part.Thought:
			if !s.opened {
				s.opened = true
				s.pending = append(s.pending, llm.MessageOpened{})
			}
			s.text.WriteString(part.Text)
			s.pending = append(s.pending, llm.TextDelta{Delta: part.Text})
		}
	}
}

// finish closes the utterance and remembers the round if it asked for tools
func (s *stream) finish() {
	s.finished = true
	if s.opened {
		s.pending = append(s.pending, llm.TextDone{Text: s.text.String()})
	}
	if len(s.calls) > 0 && s.responseID != "" {
		contents := append(append([]*genai.Content(nil), s.contents...), &genai.Content{
			Role:  string(genai.RoleModel),
			Parts: s.modelParts,
		})
		s.backend.history.Put(s.responseID, &round{contents: contents, calls: s.calls})
	}
}

// Close stops the underlying iterator
func (s *stream) Close() error {
	s.stop()
	return nil
}
