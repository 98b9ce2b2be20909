package hotstuff

import "sync"

// EventLoop serializes all protocol-state mutation onto one goroutine.
// Storage, certificates, and consensus state may only be touched from tasks
// running on the loop.
type EventLoop struct {
	tasks    chan func()
	quitCh   chan struct{}
	stopOnce sync.Once
}

// NewEventLoop creates a loop with a buffered task queue.
func NewEventLoop() *EventLoop {
	return &EventLoop{
		tasks:  make(chan func(), 1024),
		quitCh: make(chan struct{}),
	}
}

// Run consumes tasks until Stop is called. It is meant to be the body of a
// dedicated goroutine.
func (el *EventLoop) Run() {
	for {
		select {
		case task := <-el.tasks:
			task()
		case <-el.quitCh:
			return
		}
	}
}

// Post schedules fn to run on the loop goroutine.
func (el *EventLoop) Post(fn func()) {
	select {
	case el.tasks <- fn:
	case <-el.quitCh:
	}
}

// Stop terminates Run. Pending tasks are discarded.
func (el *EventLoop) Stop() {
	el.stopOnce.Do(func() {
		close(el.quitCh)
	})
}
