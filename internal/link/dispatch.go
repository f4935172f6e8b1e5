package link

import "sync"

// Dispatcher delivers application callbacks in the order they were posted.
//
// Engines post callbacks while holding their own lock and call Flush after
// releasing it. Only one goroutine drains at a time, so callbacks never run
// concurrently; a callback that calls back into the engine just queues more
// work for the drain already in progress.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

// Post queues f for delivery
func (d *Dispatcher) Post(f func()) {
	if f == nil {
		return
	}
	d.mu.Lock()
	d.queue = append(d.queue, f)
	d.mu.Unlock()
}

// Flush runs queued callbacks until the queue is empty. It returns
// immediately if another call is already draining.
func (d *Dispatcher) Flush() {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return
	}
	d.running = true
	for len(d.queue) > 0 {
		f := d.queue[0]
		d.queue[0] = nil
		d.queue = d.queue[1:]
		d.mu.Unlock()
		f()
		d.mu.Lock()
	}
	d.running = false
	d.mu.Unlock()
}

// Discard drops everything not yet delivered
func (d *Dispatcher) Discard() {
	d.mu.Lock()
	d.queue = nil
	d.mu.Unlock()
}
