package provider

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

type geminiInvoker struct {
	sdk *genai.Client
}

// NewGemini builds the Gemini adapter from GEMINI_API_KEY.
func NewGemini(ctx context.Context) (Invoker, error) {
	key := os.Getenv("GEMINI_API_KEY")
	if key == "" {
		return nil, fmt.Errorf("gemini: GEMINI_API_KEY environment variable not set")
	}
	sdk, err := genai.NewClient(ctx, option.WithAPIKey(key))
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	return &geminiInvoker{sdk: sdk}, nil
}

func (c *geminiInvoker) Generate(ctx context.Context, req Request) (string, error) {
	modelID := req.Model
	if modelID == "" {
		modelID = DefaultModels[Gemini]
	}
	model := c.sdk.GenerativeModel(modelID)
	if req.MaxTokens > 0 {
		n := int32(req.MaxTokens)
		model.MaxOutputTokens = &n
	}
	if req.System != "" {
		model.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}

	resp, err := model.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		return "", mapGeminiError(err)
	}

	var sb strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if t, ok := part.(genai.Text); ok {
				sb.WriteString(string(t))
			}
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", &Error{Provider: Gemini, Class: Transient, Message: "empty response"}
	}
	return text, nil
}

func mapGeminiError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return &Error{
			Provider: Gemini,
			Class:    classify(apiErr.Code),
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Cause:    err,
		}
	}
	return &Error{Provider: Gemini, Class: Transient, Message: "request failed", Cause: err}
}
