package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

type openaiInvoker struct {
	sdk *openai.Client
}

// NewGPT4 builds the OpenAI adapter from OPENAI_API_KEY.
func NewGPT4() (Invoker, error) {
	key := os.Getenv("OPENAI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("openai: OPENAI_API_KEY environment variable not set")
	}
	return &openaiInvoker{sdk: openai.NewClient(key)}, nil
}

func (c *openaiInvoker) Generate(ctx context.Context, req Request) (string, error) {
	model := req.Model
	if model == "" {
		model = DefaultModels[GPT4]
	}
	maxTokens := 4096
	if req.MaxTokens > 0 {
		maxTokens = req.MaxTokens
	}

	messages := []openai.ChatCompletionMessage{}
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Prompt,
	})

	resp, err := c.sdk.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     model,
		MaxTokens: maxTokens,
		Messages:  messages,
	})
	if err != nil {
		return "", mapOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return "", &Error{Provider: GPT4, Class: Transient, Message: "empty response"}
	}
	text := strings.TrimSpace(resp.Choices[0].Message.Content)
	if text == "" {
		return "", &Error{Provider: GPT4, Class: Transient, Message: "empty response"}
	}
	return text, nil
}

func mapOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &Error{
			Provider: GPT4,
			Class:    classify(apiErr.HTTPStatusCode),
			Code:     apiErr.HTTPStatusCode,
			Message:  apiErr.Message,
			Cause:    err,
		}
	}
	return &Error{Provider: GPT4, Class: Transient, Message: "request failed", Cause: err}
}
