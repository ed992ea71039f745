package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"chatbridge/internal/domain"
)

const defaultHTTPTimeout = 120 * time.Second

// Client implements domain.Backend against the OpenAI Assistants API
// (threads, messages, runs — v2 wire shape).
type Client struct {
	apiKey  string
	apiBase string
	client  *http.Client
	logger  *slog.Logger
}

type Config struct {
	APIKey  string
	APIBase string
	Logger  *slog.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	return &Client{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		client:  &http.Client{Timeout: defaultHTTPTimeout},
		logger:  cfg.Logger,
	}
}

type threadResp struct {
	ID string `json:"id"`
}

type runResp struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	CompletedAt int64  `json:"completed_at"`
}

type messageListResp struct {
	Data []struct {
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"data"`
}

type runRequestBody struct {
	AssistantID  string `json:"assistant_id"`
	Instructions string `json:"instructions,omitempty"`
	Stream       bool   `json:"stream,omitempty"`
}

func (c *Client) CreateThread(ctx context.Context) (string, error) {
	var out threadResp
	if err := c.do(ctx, "POST", "/threads", map[string]any{}, &out); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return out.ID, nil
}

func (c *Client) DeleteThread(ctx context.Context, threadID string) error {
	if err := c.do(ctx, "DELETE", "/threads/"+threadID, nil, nil); err != nil {
		return fmt.Errorf("delete thread %s: %w", threadID, err)
	}
	return nil
}

func (c *Client) SubmitMessage(ctx context.Context, threadID, text string) error {
	body := map[string]string{"role": "user", "content": text}
	if err := c.do(ctx, "POST", "/threads/"+threadID+"/messages", body, nil); err != nil {
		return fmt.Errorf("submit message to %s: %w", threadID, err)
	}
	return nil
}

func (c *Client) StartRun(ctx context.Context, threadID string, req domain.RunRequest) (domain.Run, error) {
	body := runRequestBody{AssistantID: req.AssistantID, Instructions: req.Instructions}
	var out runResp
	if err := c.do(ctx, "POST", "/threads/"+threadID+"/runs", body, &out); err != nil {
		return domain.Run{}, fmt.Errorf("start run on %s: %w", threadID, err)
	}
	return domain.Run{ID: out.ID, Status: out.Status, CreatedAt: out.CreatedAt, CompletedAt: out.CompletedAt}, nil
}

func (c *Client) GetRun(ctx context.Context, threadID, runID string) (domain.Run, error) {
	var out runResp
	if err := c.do(ctx, "GET", "/threads/"+threadID+"/runs/"+runID, nil, &out); err != nil {
		return domain.Run{}, fmt.Errorf("get run %s: %w", runID, err)
	}
	return domain.Run{ID: out.ID, Status: out.Status, CreatedAt: out.CreatedAt, CompletedAt: out.CompletedAt}, nil
}

// LatestMessage returns the text of the newest message on the thread,
// which after a completed run is the assistant's reply.
func (c *Client) LatestMessage(ctx context.Context, threadID string) (string, error) {
	var out messageListResp
	if err := c.do(ctx, "GET", "/threads/"+threadID+"/messages?limit=1&order=desc", nil, &out); err != nil {
		return "", fmt.Errorf("list messages on %s: %w", threadID, err)
	}
	if len(out.Data) == 0 {
		return "", nil
	}
	for _, part := range out.Data[0].Content {
		if part.Type == "text" {
			return part.Text.Value, nil
		}
	}
	return "", nil
}

// Healthy checks API reachability and key validity.
func (c *Client) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("backend: invalid API key")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend returned %d", resp.StatusCode)
	}
	return nil
}

// do performs one JSON request/response round-trip.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal: %w", err)
		}
		reader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiBase+path, reader)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("backend request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("OpenAI-Beta", "assistants=v2")
}
