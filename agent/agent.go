// Package agent assembles the configured model backend, the tool set and the
// per-call orchestrator.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/room4-2/converse-relay/chatcompletion"
	"github.com/room4-2/converse-relay/config"
	"github.com/room4-2/converse-relay/conversation"
	"github.com/room4-2/converse-relay/functions"
	"github.com/room4-2/converse-relay/gemini"
	"github.com/room4-2/converse-relay/llm"
	"github.com/room4-2/converse-relay/orchestrator"
	"github.com/room4-2/converse-relay/responses"
	"github.com/room4-2/converse-relay/session"
)

// NewBackend returns the backend selected by LLM_PROVIDER
func NewBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (llm.Backend, error) {
	switch cfg.LLMProvider {
	case config.ProviderResponses:
		opts := []responses.Option{responses.WithBaseURL(cfg.OpenAIBaseURL)}
		if cfg.IsAzure() {
			opts = append(opts, responses.WithAzure(cfg.OpenAIAPIVersion))
		}
		return responses.New(cfg.OpenAIAPIKey, cfg.LLMModel, opts...), nil

	case config.ProviderChat:
		if cfg.IsAzure() {
			return chatcompletion.NewAzure(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.OpenAIAPIVersion, cfg.LLMModel), nil
		}
		return chatcompletion.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.LLMModel), nil

	case config.ProviderGemini:
		return gemini.New(ctx, cfg.GeminiAPIKey, cfg.LLMModel, logger)

	default:
		return nil, fmt.Errorf("unknown LLM provider %q", cfg.LLMProvider)
	}
}

// RunnerFactory binds one orchestrator per call to the shared backend and tools
func RunnerFactory(cfg *config.Config, backend llm.Backend, executor *functions.Executor, instructions string) session.RunnerFactory {
	specs := executor.Specs()
	return func(store *conversation.Store, logger *slog.Logger) session.Runner {
		return orchestrator.New(backend, store, executor, orchestrator.Options{
			Instructions: instructions,
			Tools:        specs,
			MaxRounds:    cfg.MaxToolRounds,
			Logger:       logger,
		})
	}
}
