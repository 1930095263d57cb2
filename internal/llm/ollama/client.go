package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/quarry/internal/extract"
)

// ContextWindow is the num_ctx option sent with every request.
const ContextWindow = 8192

// Client implements extract.Generator and extract.Checker for an Ollama server.
type Client struct {
	host       string
	model      string
	httpClient *http.Client
}

// New creates a client for the Ollama server at host (e.g. http://localhost:11434).
func New(host, model string) (*Client, error) {
	if model == "" {
		return nil, extract.ConfigError("ollama: model is required")
	}
	u, err := url.Parse(host)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, extract.ConfigError("ollama: invalid host %q", host)
	}
	return &Client{
		host:  strings.TrimRight(host, "/"),
		model: model,
		httpClient: &http.Client{
			Timeout:   300 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}, nil
}

// Model returns the default model name.
func (c *Client) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type chatRequest struct {
	Model    string          `json:"model"`
	Messages []chatMessage   `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   json.RawMessage `json:"format,omitempty"`
	Options  chatOptions     `json:"options"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
}

type tagsResponse struct {
	Models []struct {
		Name  string `json:"name"`
		Model string `json:"model"`
	} `json:"models"`
}

// Generate sends one non-streaming chat request. A request schema is passed
// as the structured output format.
func (c *Client) Generate(ctx context.Context, req *extract.GenerateRequest) (*extract.GenerateResponse, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	creq := chatRequest{
		Model:  model,
		Stream: false,
		Options: chatOptions{
			Temperature: req.Temperature,
			NumCtx:      ContextWindow,
			NumPredict:  req.MaxTokens,
		},
	}
	if req.System != "" {
		creq.Messages = append(creq.Messages, chatMessage{Role: "system", Content: req.System})
	}
	creq.Messages = append(creq.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.Schema != nil {
		creq.Format = req.Schema.Document
	}

	body, err := json.Marshal(creq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var out chatResponse
	if err := c.do(ctx, http.MethodPost, "/api/chat", body, &out); err != nil {
		return nil, &extract.TransportError{Op: "ollama chat", Err: err}
	}

	return &extract.GenerateResponse{
		Text:  out.Message.Content,
		Model: out.Model,
		Usage: extract.Usage{
			InputTokens:  out.PromptEvalCount,
			OutputTokens: out.EvalCount,
		},
	}, nil
}

// Check verifies the server is reachable and the model has been pulled. An
// empty model checks the client's default.
func (c *Client) Check(ctx context.Context, model string) error {
	if model == "" {
		model = c.model
	}
	var tags tagsResponse
	if err := c.do(ctx, http.MethodGet, "/api/tags", nil, &tags); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return extract.ConfigError("ollama: %s unreachable: %v", c.host, err)
	}
	for _, m := range tags.Models {
		if m.Name == model || m.Model == model || strings.TrimSuffix(m.Name, ":latest") == model {
			return nil
		}
	}
	return extract.ConfigError("ollama: model %q is not available on %s", model, c.host)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.host+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama api error %d: %s", resp.StatusCode, string(respBody))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	return nil
}
