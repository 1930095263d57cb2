package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/linnemanlabs/quarry/internal/extract"
)

// Client implements extract.Generator over the Anthropic Messages API.
type Client struct {
	client anthropic.Client
	model  string
}

// New creates a Claude client. Extra request options (base URL, retries) are
// passed through to the SDK.
func New(apiKey, model string, opts ...option.RequestOption) (*Client, error) {
	if apiKey == "" {
		return nil, extract.ConfigError("claude: api key is required")
	}
	if model == "" {
		return nil, extract.ConfigError("claude: model is required")
	}
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey)}, opts...)
	return &Client{
		client: anthropic.NewClient(opts...),
		model:  model,
	}, nil
}

// Model returns the default model name.
func (c *Client) Model() string { return c.model }

// Generate sends one request. When the request carries a schema the model is
// forced to call a single tool whose input schema is that document, and the
// tool input is returned as the response text.
func (c *Client) Generate(ctx context.Context, req *extract.GenerateRequest) (*extract.GenerateResponse, error) {
	params, err := c.toParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return nil, &extract.TransportError{Op: "claude messages.new", Err: err}
	}

	text, err := responseText(msg, req.Schema)
	if err != nil {
		return nil, err
	}
	return &extract.GenerateResponse{
		Text:  text,
		Model: string(msg.Model),
		Usage: extract.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func (c *Client) toParams(req *extract.GenerateRequest) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = extract.DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt))},
		Temperature: anthropic.Float(req.Temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	if req.Schema != nil {
		tool, err := toSDKTool(req.Schema)
		if err != nil {
			return params, err
		}
		params.Tools = []anthropic.ToolUnionParam{tool}
		params.ToolChoice = anthropic.ToolChoiceUnionParam{
			OfTool: &anthropic.ToolChoiceToolParam{Name: req.Schema.Name},
		}
	}
	return params, nil
}

// toSDKTool turns an output schema into the single tool the model must call.
func toSDKTool(s *extract.OutputSchema) (anthropic.ToolUnionParam, error) {
	var doc struct {
		Properties map[string]any `json:"properties"`
		Required   []string       `json:"required"`
	}
	if err := json.Unmarshal(s.Document, &doc); err != nil {
		return anthropic.ToolUnionParam{}, fmt.Errorf("claude: decode %s schema: %w", s.Name, err)
	}
	return anthropic.ToolUnionParam{
		OfTool: &anthropic.ToolParam{
			Name:        s.Name,
			Description: anthropic.String(s.Description),
			InputSchema: anthropic.ToolInputSchemaParam{
				Properties: doc.Properties,
				Required:   doc.Required,
			},
		},
	}, nil
}

// responseText extracts the payload from a message: the forced tool input when
// a schema was requested, otherwise the concatenated text blocks.
func responseText(msg *anthropic.Message, schema *extract.OutputSchema) (string, error) {
	if schema != nil {
		for _, block := range msg.Content {
			if block.Type == "tool_use" && block.Name == schema.Name {
				return string(block.Input), nil
			}
		}
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	if b.Len() == 0 && schema != nil {
		return "", &extract.TransportError{
			Op:  "claude messages.new",
			Err: fmt.Errorf("no %s tool call in response (stop reason %s)", schema.Name, msg.StopReason),
		}
	}
	return b.String(), nil
}
