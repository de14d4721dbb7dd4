// Package vision describes page screenshots through an OpenAI-compatible
// chat completions endpoint. The image travels inline as a base64 data URL,
// so local compatible servers work without any object storage.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/openai/openai-go"

	"webpilot-mcp-server/internal/config"
)

const (
	// DefaultBaseURL is the default OpenAI API base URL.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when the config does not name one.
	DefaultModel = "gpt-4o-mini"

	// DefaultMaxTokens bounds the description length per call.
	DefaultMaxTokens = 512

	// DefaultPrompt is sent when the caller does not supply one.
	DefaultPrompt = "Describe what this page screenshot shows. Call out the main content, " +
		"any visible errors or warnings, and the state of forms or dialogs."
)

// Describer sends screenshots to an OpenAI-compatible API and returns the
// model's description of them.
type Describer struct {
	httpClient *http.Client
	apiKey     string
	baseURL    string
	model      string
	maxTokens  int
}

// DescriberOption configures a Describer.
type DescriberOption func(*Describer)

// WithModel overrides the model used for descriptions.
func WithModel(model string) DescriberOption {
	return func(d *Describer) {
		d.model = model
	}
}

// WithBaseURL overrides the endpoint base URL. This enables Azure OpenAI,
// local models, or other compatible services.
func WithBaseURL(baseURL string) DescriberOption {
	return func(d *Describer) {
		d.baseURL = baseURL
	}
}

// WithHTTPClient overrides the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) DescriberOption {
	return func(d *Describer) {
		d.httpClient = c
	}
}

// NewDescriber builds a describer from config. It fails when vision support
// is disabled or when the configured API key environment variable is unset,
// so callers can surface a precise reason instead of a connection error.
func NewDescriber(cfg config.VisionConfig, opts ...DescriberOption) (*Describer, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("vision support is disabled (set vision.enabled: true in config)")
	}

	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("vision API key is required (set the %s environment variable)", keyEnv)
	}

	d := &Describer{
		httpClient: &http.Client{Timeout: cfg.GetRequestTimeout()},
		apiKey:     apiKey,
		baseURL:    cfg.BaseURL,
		model:      cfg.Model,
		maxTokens:  cfg.MaxTokens,
	}
	if d.baseURL == "" {
		d.baseURL = DefaultBaseURL
	}
	if d.model == "" {
		d.model = DefaultModel
	}
	if d.maxTokens <= 0 {
		d.maxTokens = DefaultMaxTokens
	}

	for _, opt := range opts {
		opt(d)
	}

	return d, nil
}

// Model returns the model name being used.
func (d *Describer) Model() string {
	return d.model
}

// BaseURL returns the endpoint base URL being used.
func (d *Describer) BaseURL() string {
	return d.baseURL
}

// Describe sends the screenshot to the chat completions endpoint and returns
// the model's text response. format names the image encoding ("png" or
// "jpeg"); prompt may be empty, in which case DefaultPrompt is used.
func (d *Describer) Describe(ctx context.Context, image []byte, format, prompt string) (string, error) {
	if len(image) == 0 {
		return "", fmt.Errorf("cannot describe an empty screenshot")
	}
	if prompt == "" {
		prompt = DefaultPrompt
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(prompt),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{
				URL: DataURL(image, format),
			}),
		}),
	}

	reqBody := map[string]interface{}{
		"model":      d.model,
		"messages":   messages,
		"max_tokens": d.maxTokens,
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("failed to marshal request: %w", err)
	}

	url := d.baseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+d.apiKey)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("API request failed with status %d: %s", resp.StatusCode, string(raw))
	}

	var completion openai.ChatCompletion
	if err := json.Unmarshal(raw, &completion); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("API response contained no choices")
	}

	content := completion.Choices[0].Message.Content
	if content == "" {
		return "", fmt.Errorf("API response contained an empty description")
	}
	return content, nil
}

// DataURL encodes image bytes as an inline data URL for the given format.
// Anything other than "jpeg"/"jpg" is treated as PNG.
func DataURL(image []byte, format string) string {
	mime := "image/png"
	if format == "jpeg" || format == "jpg" {
		mime = "image/jpeg"
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, base64.StdEncoding.EncodeToString(image))
}
