package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nebulachat/NebulaChat/internal/pkg/env"
)

// ErrUpstreamUnavailable indicates the model backend could not be reached or
// answered with a server error. Callers surface it to the user without retry;
// the message was not charged against the quota yet in that case.
var ErrUpstreamUnavailable = errors.New("inference: upstream unavailable")

// Message is one turn of a conversation in the wire format the backend
// expects.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client talks to an OpenAI-compatible chat completion backend.
type Client struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
}

// NewClientFromEnv builds a client from INFERENCE_API_KEY and
// INFERENCE_BASE_URL. Streaming responses can run long, so the timeout is
// generous; per-request deadlines come from the caller's context.
func NewClientFromEnv() *Client {
	return &Client{
		APIKey:  env.GetEnv("INFERENCE_API_KEY", ""),
		BaseURL: strings.TrimRight(env.GetEnv("INFERENCE_BASE_URL", "https://api.openai.com/v1"), "/"),
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream"`
}

type completionChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// StreamCompletion sends the conversation to the backend and invokes onChunk
// for every content delta as it arrives. It returns the assembled assistant
// reply. No retry on failure: a send either streams or errors out once.
func (c *Client) StreamCompletion(ctx context.Context, model string, messages []Message, onChunk func(delta string) error) (string, error) {
	body, err := json.Marshal(completionRequest{Model: model, Messages: messages, Stream: true})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return "", fmt.Errorf("%w: backend returned %d", ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("inference: backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" || payload == "[DONE]" {
			if payload == "[DONE]" {
				break
			}
			continue
		}
		var chunk completionChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			// Skip malformed keep-alive frames instead of killing the stream.
			continue
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content == "" {
				continue
			}
			full.WriteString(choice.Delta.Content)
			if onChunk != nil {
				if err := onChunk(choice.Delta.Content); err != nil {
					return full.String(), err
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
	}
	return full.String(), nil
}
