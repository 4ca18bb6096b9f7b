package client

import "sync"

// eventLoop runs posted tasks one at a time, in order, on its own
// goroutine. The queue is unbounded so post never blocks the caller.
type eventLoop struct {
	mu     sync.Mutex
	tasks  []func()
	closed bool
	wake   chan struct{}
	done   chan struct{}
}

func newEventLoop() *eventLoop {
	l := &eventLoop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

func (l *eventLoop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		if len(l.tasks) == 0 {
			closed := l.closed
			l.mu.Unlock()
			if closed {
				return
			}
			<-l.wake
			continue
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		fn()
	}
}

func (l *eventLoop) signal() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// post queues fn. It reports false once the loop is stopped.
func (l *eventLoop) post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()
	l.signal()
	return true
}

// call runs fn on the loop and waits for it. It must not be called from a
// task running on the same loop.
func (l *eventLoop) call(fn func()) bool {
	finished := make(chan struct{})
	if !l.post(func() {
		defer close(finished)
		fn()
	}) {
		return false
	}
	select {
	case <-finished:
		return true
	case <-l.done:
		return false
	}
}

// stop queues final, if any, as the last task and rejects further posts.
// Tasks already queued still run.
func (l *eventLoop) stop(final func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if final != nil {
		l.tasks = append(l.tasks, final)
	}
	l.closed = true
	l.mu.Unlock()
	l.signal()
}

func (l *eventLoop) wait() {
	<-l.done
}
