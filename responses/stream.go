package responses

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/room4-2/converse-relay/llm"
)

// eventStream turns a Responses SSE body into llm chunks
type eventStream struct {
	reader   *bufio.Reader
	closer   io.Closer
	err      error
	finished bool
}

func newEventStream(body io.ReadCloser) *eventStream {
	return &eventStream{
		reader: bufio.NewReader(body),
		closer: body,
	}
}

// Next returns the next chunk, or io.EOF when the response is complete.
func (s *eventStream) Next() (llm.Chunk, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.finished {
		return nil, io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.finished = true
				return nil, io.EOF
			}
			s.err = err
			return nil, err
		}

		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "event:") || strings.HasPrefix(line, ":") {
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			s.finished = true
			return nil, io.EOF
		}

		var event streamEvent
		if err := sonic.UnmarshalString(data, &event); err != nil {
			continue // skip unparseable payloads
		}

		chunk, err := s.handleEvent(&event)
		if err != nil {
			s.err = err
			return nil, err
		}
		if chunk != nil {
			return chunk, nil
		}
		if s.finished {
			return nil, io.EOF
		}
	}
}

// handleEvent maps one event to a chunk; events with no chunk return nil
func (s *eventStream) handleEvent(event *streamEvent) (llm.Chunk, error) {
	switch event.Type {
	case eventResponseCreated:
		if event.Response != nil {
			return llm.ResponseStarted{ResponseID: event.Response.ID}, nil
		}

	case eventOutputItemAdded:
		if event.Item == nil || event.Item.Type != itemMessage {
			return nil, nil
		}
		opened := llm.MessageOpened{}
		if len(event.Item.Content) > 0 {
			first := event.Item.Content[0]
			opened.Refusal = first.Type == partRefusal
			opened.Text = first.Text
		}
		return opened, nil

	case eventOutputTextDelta:
		return llm.TextDelta{Delta: event.Delta}, nil

	case eventOutputTextDone:
		return llm.TextDone{Text: event.Text}, nil

	case eventOutputItemDone:
		if event.Item == nil || event.Item.Type != itemFunctionCall {
			return nil, nil
		}
		args := event.Item.Arguments
		if args == "" {
			args = "{}"
		}
		return llm.ToolCallDone{Call: llm.ToolCall{
			CallID:    event.Item.CallID,
			Name:      event.Item.Name,
			Arguments: json.RawMessage(args),
		}}, nil

	case eventResponseCompleted:
		s.finished = true

	case eventResponseFailed:
		var apiErr *apiError
		if event.Response != nil {
			apiErr = event.Response.Error
		}
		return nil, streamError(apiErr)

	case eventError:
		return nil, streamError(&apiError{Message: event.Message, Code: event.Code, Param: event.Param})
	}
	return nil, nil
}

// Close releases the HTTP body
func (s *eventStream) Close() error {
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.closer = nil
	return err
}
