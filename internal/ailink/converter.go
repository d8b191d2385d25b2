package ailink

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/fulmenhq/gofulmen/logging"
	"go.uber.org/zap"

	"github.com/sqlshift/sqlshift/internal/ailink/driver"
	"github.com/sqlshift/sqlshift/internal/core"
)

const defaultSystemPrompt = "You are a database migration assistant. Convert the SQL you are given " +
	"from the source dialect to the target dialect, preserving semantics. Reply with the converted " +
	"SQL only, without explanations."

var fencePattern = regexp.MustCompile("(?s)```[a-zA-Z0-9_+-]*\\s*\\n(.*?)```")

// Converter turns conversion payloads into chat completion requests against
// the provider routed for the convert role.
type Converter struct {
	cfg      Config
	registry *Registry
	logger   *logging.Logger
}

// NewConverter builds a converter whose drivers share one retrying HTTP client.
func NewConverter(cfg Config, logger *logging.Logger) *Converter {
	return NewConverterWithClient(cfg, NewHTTPClient(cfg.Retry, logger), logger)
}

// NewConverterWithClient is NewConverter with a caller-supplied HTTP client.
func NewConverterWithClient(cfg Config, httpClient *http.Client, logger *logging.Logger) *Converter {
	return &Converter{
		cfg:      cfg,
		registry: NewRegistry(cfg, httpClient),
		logger:   logger,
	}
}

// Convert sends one payload to the provider. Errors wrap
// core.ErrRateLimitExceeded when the provider rejected the request for quota,
// and core.ErrConversion otherwise.
func (c *Converter) Convert(ctx context.Context, payload core.Payload) (*core.ConversionOutcome, error) {
	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	resolved, err := c.registry.Resolve(RoleConvert, c.cfg.Conversion.Model)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve provider: %v", core.ErrConversion, err)
	}

	req := &driver.Request{
		Model:       resolved.Model,
		Messages:    c.messages(payload),
		Temperature: c.cfg.Conversion.Temperature,
		Metadata:    map[string]string{"job": payload.Name},
	}
	if c.cfg.Conversion.MaxTokens > 0 {
		maxTokens := c.cfg.Conversion.MaxTokens
		req.MaxTokens = &maxTokens
	}

	started := time.Now()
	resp, err := resolved.Driver.Complete(ctx, req)
	if err != nil {
		mapped := mapProviderError(err)
		var perr *driver.ProviderError
		if errors.As(err, &perr) {
			mapped = withRawCapture(c.cfg.Debug, mapped, perr.RawResponse)
		}
		c.logDebug("Provider request failed",
			zap.String("provider", resolved.ProviderID),
			zap.String("model", resolved.Model),
			zap.String("object", payload.Name),
			zap.Error(mapped))
		return nil, mapped
	}

	output := ExtractSQL(resp.Text)
	if output == "" {
		err := fmt.Errorf("%w: provider returned no SQL (finish reason %q)", core.ErrConversion, resp.FinishReason)
		return nil, withRawCapture(c.cfg.Debug, err, resp.Raw)
	}

	outcome := &core.ConversionOutcome{
		Output:   output,
		Model:    resp.Model,
		Duration: time.Since(started),
	}
	if outcome.Model == "" {
		outcome.Model = resolved.Model
	}
	if resp.Usage != nil {
		outcome.Usage = &core.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		}
	}
	return outcome, nil
}

func (c *Converter) messages(payload core.Payload) []driver.Message {
	system := strings.TrimSpace(c.cfg.Conversion.SystemPrompt)
	if system == "" {
		system = defaultSystemPrompt
	}
	return []driver.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: UserPrompt(payload)},
	}
}

// UserPrompt renders the per-job instruction.
func UserPrompt(payload core.Payload) string {
	kind := string(payload.Kind)
	if kind == "" {
		kind = string(core.KindQuery)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Convert this %s from %s to %s.\n", kind, payload.SourceDialect, payload.TargetDialect)
	if name := strings.TrimSpace(payload.Name); name != "" {
		fmt.Fprintf(&b, "Object: %s\n", name)
	}
	b.WriteString("\n```sql\n")
	b.WriteString(strings.TrimSpace(payload.Source))
	b.WriteString("\n```\n")
	return b.String()
}

// ExtractSQL strips Markdown code fences from a model reply. Replies without
// fences are returned trimmed.
func ExtractSQL(text string) string {
	if match := fencePattern.FindStringSubmatch(text); match != nil {
		return strings.TrimSpace(match[1])
	}
	return strings.TrimSpace(text)
}

func validatePayload(payload core.Payload) error {
	switch {
	case strings.TrimSpace(payload.Source) == "":
		return fmt.Errorf("%w: source is empty", core.ErrConversion)
	case strings.TrimSpace(payload.SourceDialect) == "":
		return fmt.Errorf("%w: source dialect is required", core.ErrConversion)
	case strings.TrimSpace(payload.TargetDialect) == "":
		return fmt.Errorf("%w: target dialect is required", core.ErrConversion)
	}
	return nil
}

func (c *Converter) logDebug(msg string, fields ...zap.Field) {
	if c.logger != nil {
		c.logger.Debug(msg, fields...)
	}
}
