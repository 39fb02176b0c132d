package provider

import (
	"context"
	"errors"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
)

type claudeInvoker struct {
	sdk anthropicsdk.Client
}

// NewClaude builds the Anthropic adapter. The SDK reads
// ANTHROPIC_API_KEY from the environment.
func NewClaude() Invoker {
	return &claudeInvoker{sdk: anthropicsdk.NewClient()}
}

func (c *claudeInvoker) Generate(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = DefaultModels[Claude]
	}
	maxTokens := int64(4096)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(req.Prompt)),
		},
	}
	if req.System != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: req.System}}
	}

	msg, err := c.sdk.Messages.New(ctx, params)
	if err != nil {
		return "", mapClaudeError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		if b.Type == "text" {
			sb.WriteString(b.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &Error{Provider: Claude, Class: Transient, Message: "empty response"}
	}
	return text, nil
}

func mapClaudeError(err error) error {
	var apiErr *anthropicsdk.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Provider: Claude,
			Class:    classify(apiErr.StatusCode),
			Code:     apiErr.StatusCode,
			Message:  apiErr.Error(),
			Cause:    err,
		}
	}
	return &Error{Provider: Claude, Class: Transient, Message: "request failed", Cause: err}
}
