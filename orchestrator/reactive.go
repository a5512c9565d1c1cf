package orchestrator

import (
	"context"
	"time"
)

// DefaultDebounce is the quiet period applied to reactive pipelines.
const DefaultDebounce = 100 * time.Millisecond

// debounce forwards the latest value of in once no new value has arrived for
// d. A value pending when in closes is flushed before the output closes.
func debounce[T any](ctx context.Context, in <-chan T, d time.Duration) <-chan T {
	out := make(chan T)
	go func() {
		defer close(out)
		var (
			pending T
			armed   bool
			timer   = time.NewTimer(d)
		)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()
		emit := func() bool {
			select {
			case out <- pending:
				armed = false
				return true
			case <-ctx.Done():
				return false
			}
		}
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-in:
				if !ok {
					if armed {
						emit()
					}
					return
				}
				pending, armed = v, true
				timer.Reset(d)
			case <-timer.C:
				if armed && !emit() {
					return
				}
			}
		}
	}()
	return out
}

// combineLatest emits a pair once both inputs have produced a value, then
// again each time either input produces one. The output closes when either
// input closes or ctx is canceled.
func combineLatest[A, B any](ctx context.Context, a <-chan A, b <-chan B) <-chan pair[A, B] {
	out := make(chan pair[A, B])
	go func() {
		defer close(out)
		var (
			cur          pair[A, B]
			haveA, haveB bool
		)
		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-a:
				if !ok {
					return
				}
				cur.first, haveA = v, true
			case v, ok := <-b:
				if !ok {
					return
				}
				cur.second, haveB = v, true
			}
			if !haveA || !haveB {
				continue
			}
			select {
			case out <- cur:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type pair[A, B any] struct {
	first  A
	second B
}
