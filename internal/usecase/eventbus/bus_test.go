package eventbus

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/liuyngchng/my-mcp/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func newEvent(t domain.EventType, runID string) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now(), RunID: runID}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventRunStarted, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventRunStarted {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventRunStarted, "r1"))
	bus.Publish(context.Background(), newEvent(domain.EventRunRound, "r1"))
	bus.Close()
	assert.Equal(t, int32(1), got.Load())
	assert.Equal(t, uint64(2), bus.Published())
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), newEvent(domain.EventRunStarted, "r1"))
	bus.Publish(context.Background(), newEvent(domain.EventToolCallStarted, "r2"))
	bus.Close()
	assert.Equal(t, int32(2), got.Load())
}

func TestSubscribeRunFilters(t *testing.T) {
	bus := newTestBus()

	var mu sync.Mutex
	var runs []string
	bus.SubscribeRun("r2", func(_ context.Context, e domain.Event) {
		mu.Lock()
		runs = append(runs, e.RunID)
		mu.Unlock()
	})

	bus.Publish(context.Background(), newEvent(domain.EventRunStarted, "r1"))
	bus.Publish(context.Background(), newEvent(domain.EventRunStarted, "r2"))
	bus.Publish(context.Background(), newEvent(domain.EventToolsRefreshed, ""))
	bus.Close()

	assert.Equal(t, []string{"r2"}, runs)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var typed, all atomic.Int32
	unsubTyped := bus.Subscribe(domain.EventRunRound, func(context.Context, domain.Event) { typed.Add(1) })
	unsubAll := bus.SubscribeAll(func(context.Context, domain.Event) { all.Add(1) })
	keep := bus.SubscribeAll(func(context.Context, domain.Event) {})
	defer keep()

	unsubTyped()
	unsubAll()
	unsubAll() // idempotent

	bus.Publish(context.Background(), newEvent(domain.EventRunRound, "r1"))
	bus.Close()
	assert.Zero(t, typed.Load())
	assert.Zero(t, all.Load())
}

func TestConcurrentPublish(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventToolCallCompleted, func(context.Context, domain.Event) { got.Add(1) })

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(context.Background(), newEvent(domain.EventToolCallCompleted, "r"))
		}()
	}
	wg.Wait()
	bus.Close()

	assert.Equal(t, int32(100), got.Load())
}

func TestPanicRecovery(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventRunFailed, func(context.Context, domain.Event) { panic("boom") })
	bus.Subscribe(domain.EventRunFailed, func(context.Context, domain.Event) { got.Add(1) })

	bus.Publish(context.Background(), newEvent(domain.EventRunFailed, "r"))
	bus.Close()
	assert.Equal(t, int32(1), got.Load(), "second handler still runs")
}

func TestCloseDrainsAndRejectsNew(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventRunCompleted, func(context.Context, domain.Event) {
		time.Sleep(50 * time.Millisecond)
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventRunCompleted, "r"))
	bus.Close()
	assert.Equal(t, int32(1), got.Load(), "Close waits for in-flight handlers")

	bus.Publish(context.Background(), newEvent(domain.EventRunCompleted, "r"))
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
	bus.Close()
}
