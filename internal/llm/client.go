package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/PuneetChandel/AIPaymentsAgentWorkflow/internal/faults"
)

// Response is model output plus the token usage the provider reported.
type Response struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
}

// Client is an abstraction over LLM providers
type Client interface {
	// GenerateJSON asks the model for a JSON object and returns it without
	// markdown wrappers.
	GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (*Response, error)
	// Close releases any resources held by the client
	Close() error
}

// GeminiClient implements Client for Google Gemini
type GeminiClient struct {
	client *genai.Client
	config *Config
}

// NewGeminiClient creates a new Gemini client
func NewGeminiClient(ctx context.Context, config *Config, apiKey string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("API key is required")
	}
	if config == nil {
		config = DefaultConfig()
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiClient{client: client, config: config}, nil
}

// GenerateJSON implements Client.
func (c *GeminiClient) GenerateJSON(ctx context.Context, prompt string, tier ModelTier) (*Response, error) {
	modelName := c.config.GetModel(tier)
	if modelName == "" {
		return nil, faults.New(faults.KindInternal, "llm.GenerateJSON", fmt.Sprintf("no model configured for tier %s", tier))
	}

	model := c.client.GenerativeModel(modelName)
	model.SetTemperature(0.1)
	model.ResponseMIMEType = "application/json"

	resp, err := model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, classify("llm.GenerateJSON", err)
	}

	text, err := extractTextFromResponse(resp)
	if err != nil {
		return nil, faults.Wrap(faults.KindInvalidInput, "llm.GenerateJSON", err)
	}

	out := &Response{Text: CleanJSONBlock(text), Model: modelName}
	if resp.UsageMetadata != nil {
		out.InputTokens = int64(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int64(resp.UsageMetadata.CandidatesTokenCount)
	}
	return out, nil
}

// Close releases resources held by the client
func (c *GeminiClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func extractTextFromResponse(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", fmt.Errorf("no candidates in response")
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil || len(candidate.Content.Parts) == 0 {
		return "", fmt.Errorf("no content in response")
	}

	var parts []string
	for _, part := range candidate.Content.Parts {
		if text, ok := part.(genai.Text); ok {
			parts = append(parts, string(text))
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no text parts in response")
	}
	return strings.Join(parts, ""), nil
}

// classify maps provider errors onto the fault taxonomy. Rate limits,
// timeouts and server-side failures are transient; blocked prompts and
// everything else are not.
func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return faults.Wrap(faults.KindInternal, op, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return faults.Transient(op, err)
	}

	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return faults.Wrap(faults.KindInvalidInput, op, err)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code == http.StatusRequestTimeout || apiErr.Code >= 500 {
			return faults.Transient(op, err)
		}
		return faults.Wrap(faults.KindInvalidInput, op, err)
	}

	switch status.Code(err) {
	case codes.Unavailable, codes.ResourceExhausted, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return faults.Transient(op, err)
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied, codes.Unauthenticated:
		return faults.Wrap(faults.KindInvalidInput, op, err)
	}
	return faults.Wrap(faults.KindInternal, op, fmt.Errorf("failed to generate content: %w", err))
}
