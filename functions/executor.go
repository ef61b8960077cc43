package functions

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/bytedance/sonic"

	"github.com/room4-2/converse-relay/llm"
)

// ErrUnknownTool is reported in the result payload when no tool matches
var ErrUnknownTool = errors.New("unknown tool")

// Handler runs one tool invocation. Arguments match the tool's advertised schema.
type Handler func(ctx context.Context, args json.RawMessage) (any, error)

// Tool pairs an advertised schema with its implementation
type Tool struct {
	Spec    llm.ToolSpec
	Handler Handler
}

// ErrorResult is the payload returned to the model when a tool cannot run
type ErrorResult struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// Executor dispatches tool calls by name. It holds no per-call state and is
// safe to share across sessions once built.
type Executor struct {
	tools  map[string]Tool
	order  []string
	logger *slog.Logger
}

// NewExecutor creates an executor with the given tools registered
func NewExecutor(logger *slog.Logger, tools ...Tool) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Executor{
		tools:  make(map[string]Tool, len(tools)),
		logger: logger,
	}
	for _, t := range tools {
		e.Register(t)
	}
	return e
}

// DefaultTools returns the built-in voice agent tools
func DefaultTools() []Tool {
	return []Tool{
		WeatherTool(),
		CompanyInformationTool(),
	}
}

// Register adds or replaces a tool
func (e *Executor) Register(t Tool) {
	if _, exists := e.tools[t.Spec.Name]; !exists {
		e.order = append(e.order, t.Spec.Name)
	}
	e.tools[t.Spec.Name] = t
}

// Specs returns the advertised tool schemas in registration order
func (e *Executor) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(e.order))
	for _, name := range e.order {
		specs = append(specs, e.tools[name].Spec)
	}
	return specs
}

// Execute runs the named tool and returns its JSON result payload.
// Failures never escape: they become an error-status payload the model can react to.
func (e *Executor) Execute(ctx context.Context, name string, args json.RawMessage) string {
	tool, ok := e.tools[name]
	if !ok {
		e.logger.Warn("unknown tool called", "tool", name)
		return errorPayload(ErrUnknownTool.Error())
	}

	result, err := tool.Handler(ctx, args)
	if err != nil {
		e.logger.Warn("tool failed", "tool", name, "error", err)
		return errorPayload(err.Error())
	}

	out, err := sonic.MarshalString(result)
	if err != nil {
		e.logger.Error("tool result not encodable", "tool", name, "error", err)
		return errorPayload("result not encodable")
	}
	return out
}

func errorPayload(message string) string {
	out, _ := sonic.MarshalString(ErrorResult{Status: "error", Message: message})
	return out
}
