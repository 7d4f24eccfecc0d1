package events

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"OpenMCP-Dispatch/pkg/logger"
)

const defaultBufferSize = 1024

// Bus decouples event producers from consumers. Producers call OnEvent,
// which never blocks; a single goroutine fans each event out to the
// subscribed listeners in subscription order.
type Bus struct {
	mu        sync.RWMutex
	ch        chan Event
	listeners []Listener
	closed    bool
	dropped   atomic.Int64
	done      chan struct{}
	log       *slog.Logger
}

// NewBus creates a started Bus with the given buffer size.
func NewBus(size int, listeners ...Listener) *Bus {
	if size <= 0 {
		size = defaultBufferSize
	}
	b := &Bus{
		ch:   make(chan Event, size),
		done: make(chan struct{}),
		log:  logger.Named("events"),
	}
	for _, l := range listeners {
		b.Subscribe(l)
	}
	go b.run()
	return b
}

// Subscribe adds a listener. Nil listeners are ignored.
func (b *Bus) Subscribe(l Listener) {
	if l == nil {
		return
	}
	b.mu.Lock()
	b.listeners = append(b.listeners, l)
	b.mu.Unlock()
}

// OnEvent enqueues the event. When the buffer is full or the bus is closed
// the event is dropped and counted.
func (b *Bus) OnEvent(e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		b.dropped.Add(1)
		return
	}
	select {
	case b.ch <- e:
	default:
		if b.dropped.Add(1)%100 == 1 {
			b.log.Warn("事件缓冲区已满，丢弃事件", slog.String("type", string(e.Type)), slog.String("source", e.Source))
		}
	}
}

// Dropped returns how many events were discarded.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Close stops accepting events and waits until buffered events are delivered.
// Calling Close more than once is safe.
func (b *Bus) Close() {
	b.mu.Lock()
	if !b.closed {
		b.closed = true
		close(b.ch)
	}
	b.mu.Unlock()
	<-b.done
}

func (b *Bus) run() {
	defer close(b.done)
	for e := range b.ch {
		b.mu.RLock()
		listeners := make([]Listener, len(b.listeners))
		copy(listeners, b.listeners)
		b.mu.RUnlock()

		for _, l := range listeners {
			b.deliver(l, e)
		}
	}
}

func (b *Bus) deliver(l Listener, e Event) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("事件监听器发生 panic",
				slog.Any("panic", r),
				slog.String("type", string(e.Type)),
				slog.String("source", e.Source))
		}
	}()
	l.OnEvent(e)
}

// Fanout delivers each event synchronously to every listener.
type Fanout []Listener

// OnEvent implements Listener.
func (f Fanout) OnEvent(e Event) {
	for _, l := range f {
		if l != nil {
			l.OnEvent(e)
		}
	}
}
