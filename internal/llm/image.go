package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"quirk/internal/config"
)

const defaultImageEndpoint = "https://api.openai.com/v1/images/generations"

// ImageTransport calls an OpenAI-style image generation endpoint derived from
// the configured chat endpoint.
type ImageTransport struct {
	settings   func() config.Settings
	httpClient *http.Client
}

func NewImageTransport(settings func() config.Settings) *ImageTransport {
	return &ImageTransport{
		settings: settings,
		httpClient: &http.Client{
			Timeout: 300 * time.Second,
		},
	}
}

// imageEndpoint derives the generation URL from the chat endpoint so that a
// single base URL setting covers both call types.
func imageEndpoint(chatEndpoint string) string {
	if chatEndpoint == "" {
		return defaultImageEndpoint
	}
	if strings.Contains(chatEndpoint, "/chat/completions") {
		return strings.Replace(chatEndpoint, "/chat/completions", "/images/generations", 1)
	}
	return strings.TrimSuffix(chatEndpoint, "/") + "/images/generations"
}

// Generate returns a displayable image reference for the prompt: a data URL
// when the provider answers with base64 payloads, otherwise the hosted URL.
func (t *ImageTransport) Generate(ctx context.Context, prompt string) (string, error) {
	s := t.settings()

	model := s.ImageModel
	if model == "" {
		model = "dall-e-3"
	}

	body, err := json.Marshal(map[string]any{
		"model":  model,
		"prompt": prompt,
		"n":      1,
		"size":   "1024x1024",
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", imageEndpoint(s.Endpoint), bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.APIKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(errBody)}
	}

	var result struct {
		Data []struct {
			URL     string `json:"url"`
			B64JSON string `json:"b64_json"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode image response: %w", err)
	}
	if len(result.Data) == 0 {
		return "", fmt.Errorf("image response contained no data")
	}

	if b64 := result.Data[0].B64JSON; b64 != "" {
		return "data:image/png;base64," + b64, nil
	}
	if url := result.Data[0].URL; url != "" {
		return url, nil
	}
	return "", fmt.Errorf("image response contained neither url nor payload")
}
