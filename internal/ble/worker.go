package ble

import "sync"

// worker runs queued functions one at a time on its own goroutine
type worker struct {
	mu   sync.Mutex
	ops  []func()
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newWorker() *worker {
	w := &worker{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

// do queues f without blocking
func (w *worker) do(f func()) {
	w.mu.Lock()
	w.ops = append(w.ops, f)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// stop drops queued work; a running function completes
func (w *worker) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *worker) run() {
	for {
		select {
		case <-w.done:
			return
		case <-w.wake:
		}
		for {
			select {
			case <-w.done:
				return
			default:
			}
			w.mu.Lock()
			if len(w.ops) == 0 {
				w.mu.Unlock()
				break
			}
			f := w.ops[0]
			w.ops[0] = nil
			w.ops = w.ops[1:]
			w.mu.Unlock()
			f()
		}
	}
}
