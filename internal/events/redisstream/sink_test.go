package redisstream

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"OpenMCP-Dispatch/internal/events"
)

func newSink(t *testing.T) (*Sink, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	sink := NewWithClient(client, Config{Stream: "test:events", MaxLen: 100})
	t.Cleanup(func() { _ = sink.Close() })
	return sink, mr
}

func TestSinkWritesAndReadsBack(t *testing.T) {
	sink, mr := newSink(t)

	sink.OnEvent(events.Event{ID: "e1", Type: events.TypeOpen, Source: "claude", State: "open", Time: time.Unix(10, 0).UTC()})
	sink.OnEvent(events.Event{ID: "e2", Type: events.TypeTaskCompleted, Source: "ollama", TaskID: "t-1", Status: "success"})

	stream, err := mr.Stream("test:events")
	require.NoError(t, err)
	require.Len(t, stream, 2)
	assert.Contains(t, stream[0].Values, "open")

	recent, err := sink.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, "e2", recent[0].ID)
	assert.Equal(t, "t-1", recent[0].TaskID)
	assert.Equal(t, events.TypeOpen, recent[1].Type)
	assert.Zero(t, sink.Failures())
}

func TestSinkCountsFailures(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	sink := NewWithClient(client, Config{Timeout: 500 * time.Millisecond})
	defer sink.Close()
	mr.Close()

	sink.OnEvent(events.Event{Type: events.TypeFailure, Source: "x"})
	assert.EqualValues(t, 1, sink.Failures())
}

func TestNewRequiresAddress(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)

	mr := miniredis.RunT(t)
	sink, err := New(Config{Address: mr.Addr()})
	require.NoError(t, err)
	defer sink.Close()
	assert.Equal(t, defaultStream, sink.stream)
}
