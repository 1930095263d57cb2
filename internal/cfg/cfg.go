// Package cfg holds the application flags of the quarry server.
package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/linnemanlabs/quarry/internal/extract"
)

// LLM providers.
const (
	ProviderClaude = "claude"
	ProviderOllama = "ollama"
)

// Config adds application fields to the common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	Provider      string
	ClaudeAPIKey  string
	ClaudeModel   string
	ClaudeBaseURL string
	OllamaHost    string
	OllamaModel   string

	RetryBudget       int
	Temperature       float64
	MaxTokens         int
	RunTimeoutSeconds int

	DatabaseURL     string
	SlowQueryMillis int
	SlackWebhookURL string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token(s) for the case API, comma separated to allow rotation")

	fs.StringVar(&c.Provider, "llm-provider", ProviderClaude, "LLM backend: claude or ollama")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.StringVar(&c.ClaudeBaseURL, "claude-base-url", "", "override the Claude API base URL (empty = SDK default)")
	fs.StringVar(&c.OllamaHost, "ollama-host", "http://localhost:11434", "Ollama server base URL")
	fs.StringVar(&c.OllamaModel, "ollama-model", "llama3.1:8b", "Ollama model to use")

	fs.IntVar(&c.RetryBudget, "retry-budget", extract.DefaultRetryBudget, "generate/evaluate attempts per category (1..10)")
	fs.Float64Var(&c.Temperature, "temperature", extract.DefaultTemperature, "sampling temperature for every LLM call, greater than 0 and at most 1")
	fs.IntVar(&c.MaxTokens, "max-tokens", extract.DefaultMaxTokens, "max output tokens per LLM call (1..65536)")
	fs.IntVar(&c.RunTimeoutSeconds, "run-timeout-seconds", 900, "upper bound for one extraction run, 0 = unbounded (0..3600)")

	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.IntVar(&c.SlowQueryMillis, "db-slow-query-ms", 0, "log successful statements only when slower than this, 0 = log all")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for run notifications")
}

// Validate checks all configuration fields and reports every problem at once.
func (c *Config) Validate() error {
	var errs []error

	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}
	if len(c.Tokens()) == 0 {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	switch c.Provider {
	case ProviderClaude:
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required for the claude provider"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required for the claude provider"))
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			errs = append(errs, errors.New("OLLAMA_HOST is required for the ollama provider"))
		}
		if c.OllamaModel == "" {
			errs = append(errs, errors.New("OLLAMA_MODEL is required for the ollama provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be claude or ollama)", c.Provider))
	}

	if c.RetryBudget < 1 || c.RetryBudget > extract.MaxRetryBudget {
		errs = append(errs, fmt.Errorf("invalid RETRY_BUDGET %d (must be 1..%d)", c.RetryBudget, extract.MaxRetryBudget))
	}
	// a zero temperature would be replaced by the engine default
	if c.Temperature <= 0 || c.Temperature > 1 {
		errs = append(errs, fmt.Errorf("invalid TEMPERATURE %g (must be greater than 0 and at most 1)", c.Temperature))
	}
	if c.MaxTokens < 1 || c.MaxTokens > 65536 {
		errs = append(errs, fmt.Errorf("invalid MAX_TOKENS %d (must be 1..65536)", c.MaxTokens))
	}
	if c.RunTimeoutSeconds < 0 || c.RunTimeoutSeconds > 3600 {
		errs = append(errs, fmt.Errorf("invalid RUN_TIMEOUT_SECONDS %d (must be 0..3600)", c.RunTimeoutSeconds))
	}
	if c.SlowQueryMillis < 0 {
		errs = append(errs, fmt.Errorf("invalid DB_SLOW_QUERY_MS %d (must be >= 0)", c.SlowQueryMillis))
	}

	return errors.Join(errs...)
}

// Tokens returns the non-empty API tokens.
func (c *Config) Tokens() []string {
	var out []string
	for _, t := range strings.Split(c.APIToken, ",") {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Model returns the model name of the selected provider.
func (c *Config) Model() string {
	if c.Provider == ProviderOllama {
		return c.OllamaModel
	}
	return c.ClaudeModel
}

// Generation returns the default generation settings for extraction runs.
func (c *Config) Generation() extract.GenerationConfig {
	return extract.GenerationConfig{
		Model:       c.Model(),
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
		RetryBudget: c.RetryBudget,
	}
}

// RunTimeout bounds one extraction run. Zero means unbounded.
func (c *Config) RunTimeout() time.Duration {
	return time.Duration(c.RunTimeoutSeconds) * time.Second
}

// SlowQuery is the statement log threshold.
func (c *Config) SlowQuery() time.Duration {
	return time.Duration(c.SlowQueryMillis) * time.Millisecond
}
