// Package responses streams rounds from the OpenAI Responses API, or from an
// Azure OpenAI deployment of it.
//
// Continuations are stored server-side: a continuation request sends only
// previous_response_id and the function_call_output items.
package responses

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/room4-2/converse-relay/conversation"
	"github.com/room4-2/converse-relay/llm"
)

// DefaultBaseURL is the default OpenAI API endpoint.
const DefaultBaseURL = "https://api.openai.com/v1"

// Option configures the Provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL (for testing or proxying).
func WithBaseURL(baseURL string) Option {
	return func(p *Provider) {
		if baseURL != "" {
			p.baseURL = strings.TrimRight(baseURL, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = client
	}
}

// WithAzure targets an Azure OpenAI resource. The base URL is the resource
// endpoint and requests authenticate with the api-key header.
func WithAzure(apiVersion string) Option {
	return func(p *Provider) {
		p.apiVersion = apiVersion
	}
}

// Provider implements llm.Backend over the Responses API.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
	httpClient *http.Client
}

var _ llm.Backend = (*Provider)(nil)

// New creates a Responses API backend for model
func New(apiKey, model string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		model:      model,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the backend identifier.
func (p *Provider) Name() string {
	if p.isAzure() {
		return "azure-responses"
	}
	return "responses"
}

func (p *Provider) isAzure() bool {
	return p.apiVersion != ""
}

// Stream opens one streaming round.
func (p *Provider) Stream(ctx context.Context, req *llm.Request) (llm.Stream, error) {
	body, err := sonic.Marshal(p.buildRequest(req))
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	p.setHeaders(httpReq)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}

	// Check for errors before returning stream
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, parseError(resp)
	}

	return newEventStream(resp.Body), nil
}

// buildRequest maps a round onto the wire request
func (p *Provider) buildRequest(req *llm.Request) *request {
	out := &request{
		Model:        p.model,
		Instructions: req.Instructions,
		Stream:       true,
	}

	for _, spec := range req.Tools {
		out.Tools = append(out.Tools, tool{
			Type:        "function",
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  spec.Parameters,
			Strict:      spec.Strict,
		})
	}

	if req.IsContinuation() {
		out.PreviousResponseID = req.PreviousResponseID
		out.Input = make([]any, 0, len(req.ToolResults))
		for _, r := range req.ToolResults {
			out.Input = append(out.Input, functionCallOutputItem{
				Type:   itemFunctionCallOutput,
				CallID: r.CallID,
				Output: r.Output,
			})
		}
		return out
	}

	out.Input = make([]any, 0, len(req.Turns))
	for _, t := range req.Turns {
		// tool turns have no call id to attach to; the API keeps those server-side
		if t.Role == conversation.RoleTool {
			continue
		}
		out.Input = append(out.Input, messageItem{
			Type:    itemMessage,
			Role:    string(t.Role),
			Content: t.Content,
		})
	}
	return out
}

func (p *Provider) endpoint() string {
	if p.isAzure() {
		return p.baseURL + "/openai/responses?api-version=" + url.QueryEscape(p.apiVersion)
	}
	return p.baseURL + "/responses"
}

func (p *Provider) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if p.isAzure() {
		req.Header.Set("api-key", p.apiKey)
		return
	}
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
}
