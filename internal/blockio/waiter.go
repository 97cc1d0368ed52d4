// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

package blockio

// Waiter is the pending completion of an operation handed to a backend. The
// composition layer joins it explicitly with Wait, so the backends are free
// to run the operation asynchronously.
type Waiter struct {
	done chan struct{}
	err  error
}

// NewWaiter returns a pending waiter and the function completing it. The
// complete function has to be called exactly once.
func NewWaiter() (*Waiter, func(error)) {
	w := &Waiter{done: make(chan struct{})}

	return w, func(err error) {
		w.err = err
		close(w.done)
	}
}

// Immediate returns already completed waiter with result err.
func Immediate(err error) *Waiter {
	w, complete := NewWaiter()
	complete(err)

	return w
}

// Go runs f in a new go routine and returns waiter completed by its result.
func Go(f func() error) *Waiter {
	w, complete := NewWaiter()
	go func() {
		complete(f())
	}()

	return w
}

// Wait blocks until the operation finishes and returns its result. It can be
// called multiple times and from multiple go routines.
func (w *Waiter) Wait() error {
	<-w.done

	return w.err
}

// Done returns channel closed when the operation finishes.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}
