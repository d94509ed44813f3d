package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/textdesk/textdesk/internal/logging"
)

func newManager() *Manager {
	return NewManager(logging.New(nil, "silent"))
}

func TestEmit_CallsHandlersInOrder(t *testing.T) {
	m := newManager()

	var calls []string
	m.On(EventMessageReceived, "first", func(ctx context.Context, p Payload) error {
		calls = append(calls, "first")
		return nil
	})
	m.On(EventMessageReceived, "second", func(ctx context.Context, p Payload) error {
		calls = append(calls, "second")
		return nil
	})

	m.Emit(context.Background(), EventMessageReceived, map[string]any{"messageId": "SM1"})
	assert.Equal(t, []string{"first", "second"}, calls)
}

func TestEmit_PassesPayload(t *testing.T) {
	m := newManager()

	var got Payload
	m.On(EventStorageError, "capture", func(ctx context.Context, p Payload) error {
		got = p
		return nil
	})

	m.Emit(context.Background(), EventStorageError, map[string]any{"error": "disk full"})
	assert.Equal(t, EventStorageError, got.Event)
	assert.Equal(t, "disk full", got.Data["error"])
}

func TestEmit_HandlerErrorDoesNotStopOthers(t *testing.T) {
	m := newManager()

	ran := false
	m.On(EventOrphanedWebhook, "failing", func(ctx context.Context, p Payload) error {
		return errors.New("boom")
	})
	m.On(EventOrphanedWebhook, "after", func(ctx context.Context, p Payload) error {
		ran = true
		return nil
	})

	m.Emit(context.Background(), EventOrphanedWebhook, nil)
	assert.True(t, ran)
}

func TestEmit_NoHandlersIsNoop(t *testing.T) {
	newManager().Emit(context.Background(), EventGatewayStart, nil)
}

func TestOff_RemovesByName(t *testing.T) {
	m := newManager()

	var calls []string
	m.On(EventMessageSent, "keep", func(ctx context.Context, p Payload) error {
		calls = append(calls, "keep")
		return nil
	})
	m.On(EventMessageSent, "drop", func(ctx context.Context, p Payload) error {
		calls = append(calls, "drop")
		return nil
	})

	m.Off(EventMessageSent, "drop")
	m.Emit(context.Background(), EventMessageSent, nil)
	assert.Equal(t, []string{"keep"}, calls)
}

func TestEmitAsync_RunsAllHandlers(t *testing.T) {
	m := newManager()

	var wg sync.WaitGroup
	wg.Add(2)
	var mu sync.Mutex
	count := 0
	handler := func(ctx context.Context, p Payload) error {
		mu.Lock()
		count++
		mu.Unlock()
		wg.Done()
		return nil
	}
	m.On(EventGatewayStop, "a", handler)
	m.On(EventGatewayStop, "b", handler)

	m.EmitAsync(context.Background(), EventGatewayStop, nil)

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("async handlers never ran")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, count)
}

func TestCommandHandler_RunsWithEventEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "event.txt")

	h := CommandHandler("printf %s \"$TEXTDESK_HOOK_EVENT\" > "+out, 5*time.Second)
	err := h(context.Background(), Payload{Event: EventStorageError})
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, EventStorageError, strings.TrimSpace(string(data)))
}

func TestCommandHandler_FailingCommand(t *testing.T) {
	h := CommandHandler("exit 3", 5*time.Second)
	assert.Error(t, h(context.Background(), Payload{Event: EventGatewayStart}))
}

func TestCommandHandler_Timeout(t *testing.T) {
	h := CommandHandler("sleep 10", 50*time.Millisecond)

	start := time.Now()
	err := h(context.Background(), Payload{Event: EventGatewayStart})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}
