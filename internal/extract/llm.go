package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Generator is the interface for any text-generation backend.
type Generator interface {
	Generate(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
}

// Checker is implemented by generators that can verify the backend is usable
// before a run starts. An empty model means the generator's default model.
// A failing check aborts Run with ErrConfiguration.
type Checker interface {
	Check(ctx context.Context, model string) error
}

// Stage tells the backend (and metrics) which step of the workflow issued a call.
type Stage string

const (
	StageTriage   Stage = "triage"
	StageExtract  Stage = "extract"
	StageEvaluate Stage = "evaluate"
)

// OutputSchema constrains a generation to a JSON document.
type OutputSchema struct {
	Name        string
	Description string
	Document    json.RawMessage
}

// GenerateRequest is one prompt to the backend.
type GenerateRequest struct {
	Model       string
	System      string
	Prompt      string
	Schema      *OutputSchema
	Temperature float64
	MaxTokens   int

	Category Category
	Stage    Stage
}

// GenerateResponse is the raw backend output.
type GenerateResponse struct {
	Text  string
	Model string
	Usage Usage
}

// Usage is token accounting for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// ErrConfiguration marks errors that prevent a run from starting at all.
var ErrConfiguration = errors.New("extract: configuration error")

// ConfigError wraps err so that errors.Is(err, ErrConfiguration) holds.
func ConfigError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// TransportError is a failure to reach the backend or to get a usable reply from it.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ValidationError is model output that does not conform to the category schema.
// Its message is written to be handed back to the model as feedback.
type ValidationError struct {
	Category Category
	Reason   string
	Err      error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s output invalid: %s: %v", e.Category, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s output invalid: %s", e.Category, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }
