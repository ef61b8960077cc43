// llm-probe sends one prompt through the configured backend and tool set,
// printing the tokens as they would be spoken.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/room4-2/converse-relay/agent"
	"github.com/room4-2/converse-relay/config"
	"github.com/room4-2/converse-relay/conversation"
	"github.com/room4-2/converse-relay/functions"
	"github.com/room4-2/converse-relay/orchestrator"
	"github.com/room4-2/converse-relay/session"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Second, "Overall request timeout")
	verbose := flag.Bool("v", false, "Log backend and tool activity")
	flag.Parse()

	prompt := strings.Join(flag.Args(), " ")
	if prompt == "" {
		prompt = "Hello! What's the weather like in Paris right now?"
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	backend, err := agent.NewBackend(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create backend: %v", err)
	}
	log.Printf("🤖 %s / %s", backend.Name(), cfg.LLMModel)

	executor := functions.NewExecutor(logger, functions.DefaultTools()...)
	newRunner := agent.RunnerFactory(cfg, backend, executor, session.DefaultInstructions)

	store := conversation.NewStore()
	store.Append(conversation.Turn{Role: conversation.RoleUser, Content: prompt})

	start := time.Now()
	var first time.Duration
	err = newRunner(store, logger).Run(ctx, func(ev orchestrator.TextEvent) {
		if ev.Last {
			fmt.Println()
			return
		}
		if first == 0 {
			first = time.Since(start)
		}
		fmt.Print(ev.Token)
	})
	if err != nil {
		log.Fatalf("❌ Run failed: %v", err)
	}

	log.Printf("✅ First token after %s, done after %s, %d turns", first, time.Since(start), store.Len())
}
