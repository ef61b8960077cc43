package agent

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/room4-2/converse-relay/config"
	"github.com/room4-2/converse-relay/conversation"
	"github.com/room4-2/converse-relay/functions"
	"github.com/room4-2/converse-relay/orchestrator"
)

func TestNewBackend_Selection(t *testing.T) {
	cases := []struct {
		cfg  config.Config
		name string
	}{
		{config.Config{LLMProvider: config.ProviderResponses, OpenAIBaseURL: "https://api.openai.com/v1"}, "responses"},
		{config.Config{LLMProvider: config.ProviderResponses, OpenAIBaseURL: "https://r.openai.azure.com", OpenAIAPIVersion: "2025-04-01-preview"}, "azure-responses"},
		{config.Config{LLMProvider: config.ProviderChat, OpenAIBaseURL: "https://api.openai.com/v1"}, "chat"},
		{config.Config{LLMProvider: config.ProviderChat, OpenAIBaseURL: "https://r.openai.azure.com", OpenAIAPIVersion: "2024-10-21"}, "chat"},
	}
	for _, tc := range cases {
		cfg := tc.cfg
		cfg.OpenAIAPIKey = "k"
		backend, err := NewBackend(context.Background(), &cfg, nil)
		require.NoError(t, err)
		assert.Equal(t, tc.name, backend.Name())
	}

	_, err := NewBackend(context.Background(), &config.Config{LLMProvider: "llama"}, nil)
	assert.Error(t, err)
}

// The assembled runner drives a real Responses backend against a canned stream
func TestRunnerFactory_EndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		_, _ = io.WriteString(w, `data: {"type":"response.created","response":{"id":"resp_1"}}

data: {"type":"response.output_text.delta","delta":"Twenty "}

data: {"type":"response.output_text.delta","delta":"degrees."}

data: {"type":"response.output_text.done","text":"Twenty degrees."}

data: {"type":"response.completed","response":{"id":"resp_1"}}

`)
	}))
	defer srv.Close()

	cfg := &config.Config{LLMProvider: config.ProviderResponses, OpenAIAPIKey: "k", OpenAIBaseURL: srv.URL, LLMModel: "m"}
	backend, err := NewBackend(context.Background(), cfg, nil)
	require.NoError(t, err)

	store := conversation.NewStore()
	store.Append(conversation.Turn{Role: conversation.RoleUser, Content: "how warm is it?"})

	newRunner := RunnerFactory(cfg, backend, functions.NewExecutor(nil, functions.DefaultTools()...), "be brief")
	var events []orchestrator.TextEvent
	err = newRunner(store, nil).Run(context.Background(), func(ev orchestrator.TextEvent) {
		events = append(events, ev)
	})
	require.NoError(t, err)

	assert.Equal(t, []orchestrator.TextEvent{
		{Token: "Twenty "},
		{Token: "degrees."},
		{Last: true, FullText: "Twenty degrees."},
	}, events)
	assert.Equal(t, 2, store.Len())
}
