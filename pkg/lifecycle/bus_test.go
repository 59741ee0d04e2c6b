package lifecycle

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for lifecycle event")
		return Event{}
	}
}

func TestInMemoryBus_PublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus(zerolog.Nop())
	t.Cleanup(func() { _ = bus.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := bus.Subscribe(ctx)
	require.NoError(t, err)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 3; i >= 0; i-- {
		require.NoError(t, bus.Publish(ctx, Event{Type: TypeTick, SessionID: "s1", Remaining: i, At: at}))
	}
	require.NoError(t, bus.Publish(ctx, Event{
		Type:      TypeMessage,
		SessionID: "s1",
		Message:   &MessagePayload{ID: "m2", Role: "user", Content: "hello", SequenceNumber: 2},
	}))

	for i := 3; i >= 0; i-- {
		ev := receive(t, events)
		require.Equal(t, TypeTick, ev.Type)
		require.Equal(t, i, ev.Remaining)
		require.True(t, at.Equal(ev.At))
	}
	ev := receive(t, events)
	require.Equal(t, TypeMessage, ev.Type)
	require.NotNil(t, ev.Message)
	require.Equal(t, 2, ev.Message.SequenceNumber)
	require.Equal(t, "hello", ev.Message.Content)
}

func TestInMemoryBus_PublishWithoutSubscribers(t *testing.T) {
	bus := NewInMemoryBus(zerolog.Nop())
	require.NoError(t, bus.Publish(context.Background(), Event{Type: TypeState, SessionID: "s1", State: "active"}))
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
	require.Error(t, bus.Publish(context.Background(), Event{Type: TypeState, SessionID: "s1"}))
}

func TestNewBus_DisabledRedisIsInMemory(t *testing.T) {
	bus, err := NewBus(context.Background(), DefaultSettings(), zerolog.Nop())
	require.NoError(t, err)
	require.Nil(t, bus.redis)
	require.NoError(t, bus.Close())

	s := DefaultSettings()
	s.Enabled = true
	s.Addr = ""
	_, err = NewBus(context.Background(), s, zerolog.Nop())
	require.Error(t, err)
}

func TestRecorder(t *testing.T) {
	r := NewRecorder(2)
	require.NoError(t, r.Publish(context.Background(), Event{Type: TypeTick, Remaining: 2}))
	require.NoError(t, r.Publish(context.Background(), Event{Type: TypeTick, Remaining: 1}))
	require.NoError(t, r.Publish(context.Background(), Event{Type: TypeTick, Remaining: 0}))
	got := r.Drain()
	require.Len(t, got, 2)
	require.Equal(t, 2, got[0].Remaining)
	require.Empty(t, r.Drain())
}

func TestWatermillLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWatermillLogger(zerolog.New(&buf).Level(zerolog.DebugLevel)).
		With(watermill.LogFields{"topic": Topic})

	logger.Info("subscribed", watermill.LogFields{"consumer": "web-1"})
	logger.Error("publish failed", errors.New("boom"), nil)
	logger.Trace("hidden", nil)

	out := buf.String()
	require.Contains(t, out, `"message":"subscribed"`)
	require.Contains(t, out, `"topic":"study.lifecycle"`)
	require.Contains(t, out, `"consumer":"web-1"`)
	require.Contains(t, out, `"error":"boom"`)
	require.NotContains(t, out, "hidden")
}
