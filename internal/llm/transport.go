// Package llm implements the provider-agnostic chat and image transports.
// The wire format is auto-detected from the configured endpoint: a local
// /api/chat server speaks NDJSON, Anthropic-style endpoints speak SSE
// content_block_delta events, and everything else is treated as an
// OpenAI-style SSE stream.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"quirk/internal/config"
	"quirk/internal/models"
)

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("LLM request failed with status %d: %s", e.StatusCode, e.Body)
}

// Transport is the streaming chat client. A single shared rate limiter keeps
// cycle-heavy boards from hammering the provider.
type Transport struct {
	settings   func() config.Settings
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewTransport creates a transport reading live settings through the getter.
func NewTransport(settings func() config.Settings) *Transport {
	return &Transport{
		settings: settings,
		httpClient: &http.Client{
			Timeout: 600 * time.Second, // local models may cold start
		},
		limiter: rate.NewLimiter(rate.Limit(4), 8),
	}
}

type call struct {
	endpoint  string
	provider  string
	model     string
	apiKey    string
	maxTokens int
}

func (t *Transport) resolve(override *models.LLMCallConfig) call {
	s := t.settings()
	c := call{
		endpoint:  s.Endpoint,
		provider:  s.Provider,
		model:     s.Model,
		apiKey:    s.APIKey,
		maxTokens: s.MaxTokens,
	}
	if override != nil {
		if override.Endpoint != "" {
			c.endpoint = override.Endpoint
			c.provider = config.DetectProvider(override.Endpoint)
		}
		if override.Provider != "" {
			c.provider = override.Provider
		}
		if override.Model != "" {
			c.model = override.Model
		}
		if override.APIKey != "" {
			c.apiKey = override.APIKey
		}
	}
	if c.provider == "" {
		c.provider = config.DetectProvider(c.endpoint)
	}
	return c
}

// Stream sends the prompt and invokes onChunk with the accumulated visible
// text (thinking spans removed) after every received chunk. It returns the
// final visible text. A nil onChunk turns this into a buffered completion.
func (t *Transport) Stream(ctx context.Context, prompt string, override *models.LLMCallConfig, onChunk func(string)) (string, error) {
	c := t.resolve(override)
	if c.endpoint == "" {
		return "", fmt.Errorf("no LLM endpoint configured")
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return "", err
	}

	req, err := t.buildRequest(ctx, c, prompt)
	if err != nil {
		return "", err
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("LLM request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &StatusError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	return t.consumeStream(ctx, c.provider, resp.Body, onChunk)
}

// Complete is the non-streaming variant used by quirk.llm(): it drains the
// stream and returns only the final text.
func (t *Transport) Complete(ctx context.Context, prompt string, override *models.LLMCallConfig) (string, error) {
	return t.Stream(ctx, prompt, override, nil)
}

func (t *Transport) buildRequest(ctx context.Context, c call, prompt string) (*http.Request, error) {
	var body map[string]any
	messages := []map[string]string{{"role": "user", "content": prompt}}

	switch c.provider {
	case config.ProviderLocal:
		body = map[string]any{
			"model":    c.model,
			"messages": messages,
			"stream":   true,
			"think":    true,
		}
	case config.ProviderAnthropic:
		body = map[string]any{
			"apiKey":     c.apiKey,
			"model":      c.model,
			"max_tokens": c.maxTokens,
			"messages":   messages,
			"stream":     true,
		}
	default: // OpenAI-style
		body = map[string]any{
			"model":    c.model,
			"messages": messages,
			"stream":   true,
		}
	}

	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" && c.provider != config.ProviderLocal && c.provider != config.ProviderAnthropic {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.provider == config.ProviderAnthropic {
		req.Header.Set("anthropic-version", "2023-06-01")
		if c.apiKey != "" {
			req.Header.Set("x-api-key", c.apiKey)
		}
	}
	return req, nil
}

// consumeStream accumulates chunks and fires the callback with thinking spans
// filtered out. Malformed lines are logged and skipped rather than aborting
// the stream.
func (t *Transport) consumeStream(ctx context.Context, provider string, reader io.Reader, onChunk func(string)) (string, error) {
	scanner := bufio.NewScanner(reader)

	// 1MB line buffer: large chunks overflow the 64KB default.
	const maxCapacity = 1024 * 1024
	buf := make([]byte, maxCapacity)
	scanner.Buffer(buf, maxCapacity)

	var raw strings.Builder

	emit := func(piece string) {
		if piece == "" {
			return
		}
		raw.WriteString(piece)
		if onChunk != nil {
			onChunk(StripThinking(raw.String()))
		}
	}

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return StripThinking(raw.String()), ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch provider {
		case config.ProviderLocal:
			piece, done, err := parseLocalLine(line)
			if err != nil {
				log.Printf("⚠️ [LLM] Skipping malformed stream line: %v", err)
				continue
			}
			emit(piece)
			if done {
				return StripThinking(raw.String()), scanner.Err()
			}
		default:
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				return StripThinking(raw.String()), scanner.Err()
			}
			var piece string
			var err error
			if provider == config.ProviderAnthropic {
				piece, err = parseAnthropicEvent(data)
			} else {
				piece, err = parseOpenAIEvent(data)
			}
			if err != nil {
				log.Printf("⚠️ [LLM] Skipping malformed stream line: %v", err)
				continue
			}
			emit(piece)
		}
	}

	if err := scanner.Err(); err != nil {
		return StripThinking(raw.String()), fmt.Errorf("stream read failed: %w", err)
	}
	return StripThinking(raw.String()), nil
}

// parseLocalLine decodes one NDJSON line from a local /api/chat server:
// {"message":{"thinking":..., "content":...}, "done":bool}. Thinking text is
// wrapped in <think> markers so the shared filter removes it uniformly.
func parseLocalLine(line string) (piece string, done bool, err error) {
	var chunk struct {
		Message struct {
			Thinking string `json:"thinking"`
			Content  string `json:"content"`
		} `json:"message"`
		Done bool `json:"done"`
	}
	if err := json.Unmarshal([]byte(line), &chunk); err != nil {
		return "", false, err
	}
	var b strings.Builder
	if chunk.Message.Thinking != "" {
		b.WriteString("<think>")
		b.WriteString(chunk.Message.Thinking)
		b.WriteString("</think>")
	}
	b.WriteString(chunk.Message.Content)
	return b.String(), chunk.Done, nil
}

// parseAnthropicEvent decodes an SSE data payload of the Anthropic shape:
// {"type":"content_block_delta","delta":{"text":...}}.
func parseAnthropicEvent(data string) (string, error) {
	var event struct {
		Type  string `json:"type"`
		Delta struct {
			Text string `json:"text"`
		} `json:"delta"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return "", err
	}
	if event.Type != "content_block_delta" {
		return "", nil
	}
	return event.Delta.Text, nil
}

// parseOpenAIEvent decodes an SSE data payload of the OpenAI shape:
// {"choices":[{"delta":{"content":...}}]}.
func parseOpenAIEvent(data string) (string, error) {
	var event struct {
		Choices []struct {
			Delta struct {
				Content string `json:"content"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		return "", err
	}
	if len(event.Choices) == 0 {
		return "", nil
	}
	return event.Choices[0].Delta.Content, nil
}

// StripThinking removes <think>...</think> spans from s. An unterminated
// <think> (mid-stream) removes everything from the marker to the end so
// thinking text is never displayed inline.
func StripThinking(s string) string {
	for {
		start := strings.Index(s, "<think>")
		if start < 0 {
			return s
		}
		rest := s[start+len("<think>"):]
		end := strings.Index(rest, "</think>")
		if end < 0 {
			return s[:start]
		}
		s = s[:start] + rest[end+len("</think>"):]
	}
}
