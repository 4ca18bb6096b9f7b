package client

import (
	"sync"
	"sync/atomic"

	"confab/pkg/protocol"
)

// Handler receives one decoded server envelope.
type Handler func(msg protocol.Message)

type handlerEntry struct {
	fn      Handler
	removed atomic.Bool
}

// dispatcher demultiplexes envelopes by type. The handler table is copy on
// write, so On and the returned unsubscribe funcs may be called from inside
// a running handler.
type dispatcher struct {
	mu       sync.Mutex
	handlers map[protocol.Type][]*handlerEntry
}

func newDispatcher() *dispatcher {
	return &dispatcher{handlers: make(map[protocol.Type][]*handlerEntry)}
}

func (d *dispatcher) on(t protocol.Type, fn Handler) func() {
	e := &handlerEntry{fn: fn}

	d.mu.Lock()
	list := d.handlers[t]
	next := make([]*handlerEntry, len(list), len(list)+1)
	copy(next, list)
	d.handlers[t] = append(next, e)
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.removed.Store(true)
			d.remove(t, e)
		})
	}
}

func (d *dispatcher) remove(t protocol.Type, e *handlerEntry) {
	d.mu.Lock()
	defer d.mu.Unlock()

	list := d.handlers[t]
	next := make([]*handlerEntry, 0, len(list))
	for _, h := range list {
		if h != e {
			next = append(next, h)
		}
	}
	if len(next) == 0 {
		delete(d.handlers, t)
		return
	}
	d.handlers[t] = next
}

// dispatch runs the handlers registered for msg's type, in registration
// order. Handlers removed while dispatch is running are skipped.
func (d *dispatcher) dispatch(msg protocol.Message) int {
	d.mu.Lock()
	list := d.handlers[msg.MessageType()]
	d.mu.Unlock()

	n := 0
	for _, e := range list {
		if e.removed.Load() {
			continue
		}
		e.fn(msg)
		n++
	}
	return n
}

func (d *dispatcher) clear() {
	d.mu.Lock()
	old := d.handlers
	d.handlers = make(map[protocol.Type][]*handlerEntry)
	d.mu.Unlock()

	for _, list := range old {
		for _, e := range list {
			e.removed.Store(true)
		}
	}
}

func (d *dispatcher) count(t protocol.Type) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.handlers[t])
}
