package tracker

import "context"

// Future is the handle returned by fire-and-forget recording calls. The id of
// the row being written is known immediately; waiting on the write is optional.
type Future struct {
	id   string
	done chan struct{}
	err  error
}

func newFuture(id string) *Future {
	return &Future{id: id, done: make(chan struct{})}
}

func completedFuture(id string, err error) *Future {
	f := newFuture(id)
	f.complete(err)
	return f
}

func (f *Future) complete(err error) {
	f.err = err
	close(f.done)
}

// ID is the id of the row the call writes. It is empty when the call was
// rejected before an id was assigned.
func (f *Future) ID() string { return f.id }

// Done is closed once the write has finished, successfully or not.
func (f *Future) Done() <-chan struct{} { return f.done }

// Wait blocks until the write finishes or ctx ends and returns the write's error.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
