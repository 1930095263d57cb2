// Package slack posts extraction run summaries to Slack via incoming webhooks.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/linnemanlabs/go-core/log"

	"github.com/linnemanlabs/quarry/internal/cases"
	"github.com/linnemanlabs/quarry/internal/extract"
)

const (
	maxErrorLen = 2000
	httpTimeout = 10 * time.Second
)

// Notifier sends run summaries to a Slack webhook.
type Notifier struct {
	webhookURL string
	client     *http.Client
	logger     log.Logger
}

// New creates a Slack notifier. If webhookURL is empty, Send is a no-op.
func New(webhookURL string, logger log.Logger) *Notifier {
	if logger == nil {
		logger = log.Nop()
	}
	return &Notifier{
		webhookURL: webhookURL,
		client: &http.Client{
			Timeout:   httpTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

// Send posts a summary of run on case c.
func (n *Notifier) Send(ctx context.Context, c *cases.Case, r *cases.Run) error {
	if n.webhookURL == "" {
		return nil
	}

	body, err := json.Marshal(buildMessage(c, r))
	if err != nil {
		return fmt.Errorf("slack: marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req) //nolint:gosec // G704: webhookURL is from trusted config, not user input
	if err != nil {
		return fmt.Errorf("slack: post webhook: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack: webhook returned %d: %s", resp.StatusCode, string(respBody))
	}
	n.logger.Info(ctx, "slack notification sent", "run_id", r.ID, "case_id", c.ID)
	return nil
}

func buildMessage(c *cases.Case, r *cases.Run) map[string]any {
	return map[string]any{
		"blocks": []map[string]any{
			headerBlock(c, r),
			{"type": "divider"},
			fieldsBlock(r),
			{"type": "divider"},
			branchesBlock(r),
			{"type": "divider"},
			contextBlock(c, r),
		},
	}
}

func mrkdwn(format string, args ...any) map[string]any {
	return map[string]any{"type": "mrkdwn", "text": fmt.Sprintf(format, args...)}
}

func headerBlock(c *cases.Case, r *cases.Run) map[string]any {
	title := "Extraction Complete"
	if r.Status == cases.RunFailed {
		title = "Extraction Failed"
	}
	return map[string]any{
		"type": "header",
		"text": map[string]any{
			"type": "plain_text",
			"text": fmt.Sprintf("%s %s: %s", statusEmoji(r), title, c.Name),
		},
	}
}

func fieldsBlock(r *cases.Run) map[string]any {
	return map[string]any{
		"type": "section",
		"fields": []map[string]any{
			mrkdwn("*Status:* %s", r.Status),
			mrkdwn("*Model:* %s", shortModel(r.Model)),
			mrkdwn("*Host indicators:* %d", r.HostCount),
			mrkdwn("*Network indicators:* %d", r.NetworkCount),
			mrkdwn("*Timeline events:* %d", r.TimelineCount),
			mrkdwn("*Duration:* %.1fs", r.Duration),
			mrkdwn("*LLM calls:* %d", r.LLMCalls),
			mrkdwn("*Tokens:* %d in / %d out", r.InputTokens, r.OutputTokens),
		},
	}
}

func branchesBlock(r *cases.Run) map[string]any {
	var b strings.Builder
	b.WriteString("*Branches*\n")
	if r.Error != "" {
		fmt.Fprintf(&b, "\n```%s```", truncate(r.Error, maxErrorLen))
	}
	for _, br := range r.Branches {
		fmt.Fprintf(&b, "\n• *%s*: %s, %d attempt(s), %d record(s)", br.Category, decisionText(br), br.Attempts, br.Records)
	}
	if len(r.Branches) == 0 && r.Error == "" {
		b.WriteString("\n_No branch reports._")
	}
	return map[string]any{
		"type": "section",
		"text": map[string]any{"type": "mrkdwn", "text": b.String()},
	}
}

func decisionText(br extract.BranchReport) string {
	s := strings.ReplaceAll(string(br.Decision), "_", " ")
	if br.Interrupted {
		s += " (interrupted)"
	}
	return s
}

func contextBlock(c *cases.Case, r *cases.Run) map[string]any {
	ts := r.CompletedAt
	if ts.IsZero() {
		ts = r.CreatedAt
	}
	return map[string]any{
		"type": "context",
		"elements": []map[string]any{
			mrkdwn("quarry • %s • run %s • %s", c.ID, r.ID, ts.UTC().Format("2006-01-02 15:04 UTC")),
		},
	}
}

// statusEmoji is red for failed runs, yellow when any branch ran out of attempts, green otherwise.
func statusEmoji(r *cases.Run) string {
	if r.Status == cases.RunFailed {
		return "\U0001f534"
	}
	for _, br := range r.Branches {
		if br.Decision == extract.DecisionExhaustedRetries {
			return "\U0001f7e1"
		}
	}
	return "\U0001f7e2"
}

// dateModelRe matches model names ending with a YYYYMMDD date suffix.
var dateModelRe = regexp.MustCompile(`-\d{8}$`)

func shortModel(model string) string {
	if model == "" {
		return "default"
	}
	return dateModelRe.ReplaceAllString(model, "")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit-3] + "..."
}
