package assistant

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"chatbridge/internal/domain"
)

// Server-sent event names emitted by a streaming run.
const (
	eventMessageDelta = "thread.message.delta"
	eventRunCompleted = "thread.run.completed"
	eventRunFailed    = "thread.run.failed"
	eventRunCancelled = "thread.run.cancelled"
	eventRunExpired   = "thread.run.expired"
)

type messageDelta struct {
	Delta struct {
		Content []struct {
			Type string `json:"type"`
			Text struct {
				Value string `json:"value"`
			} `json:"text"`
		} `json:"content"`
	} `json:"delta"`
}

// StreamRun starts a streaming run and forwards text fragments in arrival
// order. The fragments channel is closed before returning; a nil error means
// the run reached completed status.
func (c *Client) StreamRun(ctx context.Context, threadID string, req domain.RunRequest, fragments chan<- string) error {
	defer close(fragments)

	body, err := json.Marshal(runRequestBody{
		AssistantID:  req.AssistantID,
		Instructions: req.Instructions,
		Stream:       true,
	})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.apiBase+"/threads/"+threadID+"/runs", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	c.setHeaders(httpReq)
	httpReq.Header.Set("Accept", "text/event-stream")

	// The overall deadline comes from ctx; the client's own timeout would
	// cut long streams short.
	streamClient := &http.Client{Transport: c.client.Transport}
	resp, err := streamClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("run stream request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("backend %d: %s", resp.StatusCode, string(respBody))
	}

	return c.consumeEvents(ctx, resp.Body, fragments)
}

// consumeEvents reads the SSE stream until a terminal run event or EOF.
func (c *Client) consumeEvents(ctx context.Context, body io.Reader, fragments chan<- string) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var event string
	terminal := ""
scan:
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if data == "[DONE]" {
				break scan
			}
			switch event {
			case eventMessageDelta:
				var delta messageDelta
				if err := json.Unmarshal([]byte(data), &delta); err != nil {
					c.logger.Warn("cannot parse message delta", "err", err)
					continue
				}
				for _, part := range delta.Delta.Content {
					if part.Type != "text" || part.Text.Value == "" {
						continue
					}
					select {
					case fragments <- part.Text.Value:
					case <-ctx.Done():
						return ctx.Err()
					}
				}
			case eventRunCompleted:
				terminal = domain.RunCompleted
				break scan
			case eventRunFailed, eventRunCancelled, eventRunExpired:
				terminal = strings.TrimPrefix(event, "thread.run.")
				break scan
			}
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("read stream: %w", err)
	}

	switch terminal {
	case domain.RunCompleted:
		return nil
	case "":
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("stream ended without terminal run status")
	default:
		return fmt.Errorf("run %s", terminal)
	}
}
