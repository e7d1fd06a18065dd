package verifier

import (
	"context"
	"time"

	"github.com/0gfoundation/0g-invoice-guard/internal/chain"
)

type result[T any] struct {
	provider string
	val      T
	err      error
}

// fanOut calls fn on every provider concurrently, each under its own timeout,
// and returns whatever finished before that timeout elapsed. A provider that
// ignores its context cannot hold the caller past the deadline; the buffered
// channel lets its goroutine finish and exit on its own.
func fanOut[T any](ctx context.Context, providers []chain.Provider, timeout time.Duration,
	fn func(ctx context.Context, p chain.Provider) (T, error)) []result[T] {

	ch := make(chan result[T], len(providers))
	for _, p := range providers {
		go func(p chain.Provider) {
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			v, err := fn(pctx, p)
			ch <- result[T]{provider: p.ID(), val: v, err: err}
		}(p)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	out := make([]result[T], 0, len(providers))
	for len(out) < len(providers) {
		select {
		case r := <-ch:
			out = append(out, r)
		case <-deadline.C:
			return out
		case <-ctx.Done():
			return out
		}
	}
	return out
}
