package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"chatbridge/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{APIKey: "sk-test", APIBase: srv.URL, Logger: testLogger()}), srv
}

func TestCreateThread(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/threads" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("OpenAI-Beta"); got != "assistants=v2" {
			t.Errorf("missing assistants header, got %q", got)
		}
		fmt.Fprint(w, `{"id": "thread_abc"}`)
	}))

	id, err := client.CreateThread(context.Background())
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	if id != "thread_abc" {
		t.Fatalf("expected thread_abc, got %q", id)
	}
}

func TestCreateThread_ServerError(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "boom"}`, http.StatusInternalServerError)
	}))

	if _, err := client.CreateThread(context.Background()); err == nil {
		t.Fatal("expected error on 500")
	}
}

func TestDeleteThread(t *testing.T) {
	var gotMethod, gotPath string
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		fmt.Fprint(w, `{"deleted": true}`)
	}))

	if err := client.DeleteThread(context.Background(), "thread_abc"); err != nil {
		t.Fatalf("delete thread: %v", err)
	}
	if gotMethod != "DELETE" || gotPath != "/threads/thread_abc" {
		t.Fatalf("unexpected request: %s %s", gotMethod, gotPath)
	}
}

func TestSubmitMessage(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/t1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"id": "msg_1"}`)
	}))

	if err := client.SubmitMessage(context.Background(), "t1", "hello"); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestStartAndGetRun(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == "POST" && r.URL.Path == "/threads/t1/runs":
			fmt.Fprint(w, `{"id": "run_1", "status": "queued", "created_at": 100}`)
		case r.Method == "GET" && r.URL.Path == "/threads/t1/runs/run_1":
			fmt.Fprint(w, `{"id": "run_1", "status": "completed", "created_at": 100, "completed_at": 104}`)
		default:
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
	}))

	run, err := client.StartRun(context.Background(), "t1", domain.RunRequest{AssistantID: "asst_1"})
	if err != nil {
		t.Fatalf("start run: %v", err)
	}
	if run.ID != "run_1" || run.Status != "queued" {
		t.Fatalf("unexpected run: %+v", run)
	}

	run, err = client.GetRun(context.Background(), "t1", "run_1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.RunCompleted || run.CompletedAt != 104 {
		t.Fatalf("unexpected run: %+v", run)
	}
}

func TestLatestMessage(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/threads/t1/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"data": [{"content": [{"type": "text", "text": {"value": "the answer"}}]}]}`)
	}))

	text, err := client.LatestMessage(context.Background(), "t1")
	if err != nil {
		t.Fatalf("latest message: %v", err)
	}
	if text != "the answer" {
		t.Fatalf("expected 'the answer', got %q", text)
	}
}

func TestLatestMessage_EmptyThread(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data": []}`)
	}))

	text, err := client.LatestMessage(context.Background(), "t1")
	if err != nil {
		t.Fatalf("latest message: %v", err)
	}
	if text != "" {
		t.Fatalf("expected empty, got %q", text)
	}
}

func sseBody(events ...[2]string) string {
	var b strings.Builder
	for _, ev := range events {
		fmt.Fprintf(&b, "event: %s\ndata: %s\n\n", ev[0], ev[1])
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func TestStreamRun_Completed(t *testing.T) {
	body := sseBody(
		[2]string{"thread.message.delta", `{"delta": {"content": [{"type": "text", "text": {"value": "Hello "}}]}}`},
		[2]string{"thread.message.delta", `{"delta": {"content": [{"type": "text", "text": {"value": "world"}}]}}`},
		[2]string{"thread.run.completed", `{"id": "run_1", "status": "completed"}`},
	)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))

	fragments := make(chan string, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.StreamRun(context.Background(), "t1", domain.RunRequest{AssistantID: "a"}, fragments)
	}()

	var got []string
	for f := range fragments {
		got = append(got, f)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("stream run: %v", err)
	}
	if strings.Join(got, "") != "Hello world" {
		t.Fatalf("fragments: %q", got)
	}
}

func TestStreamRun_Failed(t *testing.T) {
	body := sseBody(
		[2]string{"thread.run.failed", `{"id": "run_1", "status": "failed"}`},
	)
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, body)
	}))

	fragments := make(chan string, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.StreamRun(context.Background(), "t1", domain.RunRequest{AssistantID: "a"}, fragments)
	}()
	for range fragments {
	}
	if err := <-errCh; err == nil || !strings.Contains(err.Error(), "failed") {
		t.Fatalf("expected failed run error, got %v", err)
	}
}

func TestStreamRun_NoTerminalStatus(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "event: thread.message.delta\ndata: {\"delta\": {\"content\": []}}\n\n")
	}))

	fragments := make(chan string, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- client.StreamRun(context.Background(), "t1", domain.RunRequest{AssistantID: "a"}, fragments)
	}()
	for range fragments {
	}
	if err := <-errCh; err == nil {
		t.Fatal("expected error when stream ends without terminal status")
	}
}

func TestHealthy_Unauthorized(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))

	err := client.Healthy(context.Background())
	if err == nil || !strings.Contains(err.Error(), "API key") {
		t.Fatalf("expected invalid key error, got %v", err)
	}
}
