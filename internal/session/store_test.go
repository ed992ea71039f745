package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"chatbridge/internal/domain"
)

type fakeBackend struct {
	mu        sync.Mutex
	created   int
	deleted   []string
	createErr error
	deleteErr error
}

func (f *fakeBackend) CreateThread(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created++
	return fmt.Sprintf("thread_%d", f.created), nil
}

func (f *fakeBackend) DeleteThread(ctx context.Context, threadID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, threadID)
	return f.deleteErr
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func TestGetOrCreate_ReusesThread(t *testing.T) {
	backend := &fakeBackend{}
	store := NewStore(backend, testLogger())
	ctx := context.Background()

	first, err := store.GetOrCreate(ctx, "telegram:1")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := store.GetOrCreate(ctx, "telegram:1")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.ThreadID != second.ThreadID {
		t.Fatalf("thread changed between calls: %q vs %q", first.ThreadID, second.ThreadID)
	}
	if backend.created != 1 {
		t.Fatalf("expected 1 thread created, got %d", backend.created)
	}
}

func TestGetOrCreate_DistinctUsers(t *testing.T) {
	backend := &fakeBackend{}
	store := NewStore(backend, testLogger())
	ctx := context.Background()

	a, _ := store.GetOrCreate(ctx, "telegram:1")
	b, _ := store.GetOrCreate(ctx, "vk:1")
	if a.ThreadID == b.ThreadID {
		t.Fatal("distinct users must get distinct threads")
	}
}

func TestGetOrCreate_CreateFailure(t *testing.T) {
	backend := &fakeBackend{createErr: errors.New("api down")}
	store := NewStore(backend, testLogger())

	_, err := store.GetOrCreate(context.Background(), "telegram:1")
	if !errors.Is(err, domain.ErrThreadCreation) {
		t.Fatalf("expected ErrThreadCreation, got %v", err)
	}
	if _, ok := store.Get("telegram:1"); ok {
		t.Fatal("no session must be stored after a failed create")
	}
}

func TestTerminate_RemovesMappingAndDeletesThread(t *testing.T) {
	backend := &fakeBackend{}
	store := NewStore(backend, testLogger())
	ctx := context.Background()

	sess, _ := store.GetOrCreate(ctx, "telegram:1")
	store.Terminate(ctx, "telegram:1")

	if _, ok := store.Get("telegram:1"); ok {
		t.Fatal("session must be gone after terminate")
	}
	if len(backend.deleted) != 1 || backend.deleted[0] != sess.ThreadID {
		t.Fatalf("expected thread delete for %s, got %v", sess.ThreadID, backend.deleted)
	}
}

func TestTerminate_DeleteFailureStillRemovesMapping(t *testing.T) {
	backend := &fakeBackend{deleteErr: errors.New("api down")}
	store := NewStore(backend, testLogger())
	ctx := context.Background()

	store.GetOrCreate(ctx, "telegram:1")
	store.Terminate(ctx, "telegram:1")

	if _, ok := store.Get("telegram:1"); ok {
		t.Fatal("mapping must be removed even when backend delete fails")
	}
}

func TestTerminate_NoSession(t *testing.T) {
	backend := &fakeBackend{}
	store := NewStore(backend, testLogger())

	store.Terminate(context.Background(), "telegram:999")
	if len(backend.deleted) != 0 {
		t.Fatal("terminate without a session must not call the backend")
	}
}

func TestTerminateThenCreate_NewThread(t *testing.T) {
	backend := &fakeBackend{}
	store := NewStore(backend, testLogger())
	ctx := context.Background()

	first, _ := store.GetOrCreate(ctx, "telegram:1")
	store.Terminate(ctx, "telegram:1")
	second, _ := store.GetOrCreate(ctx, "telegram:1")

	if first.ThreadID == second.ThreadID {
		t.Fatal("a terminated user must get a fresh thread")
	}
}

func TestGetOrCreate_Concurrent(t *testing.T) {
	backend := &fakeBackend{}
	store := NewStore(backend, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	threads := make([]string, 16)
	for i := range threads {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := store.GetOrCreate(ctx, "telegram:1")
			if err != nil {
				t.Errorf("concurrent create: %v", err)
				return
			}
			threads[i] = sess.ThreadID
		}(i)
	}
	wg.Wait()

	for _, id := range threads {
		if id != threads[0] {
			t.Fatalf("concurrent callers saw different threads: %v", threads)
		}
	}
	if store.Len() != 1 {
		t.Fatalf("expected 1 live session, got %d", store.Len())
	}
}
