package limitstream

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// Run forwards chunks from in to out until in is closed, the stage stops the
// stream, or ctx is done. It closes out before returning. A send to out
// blocks until the consumer receives it or ctx is done.
//
// Run returns nil when the stream ended normally, including early
// termination under the Terminate policy.
func (s *Stage) Run(ctx context.Context, in <-chan []byte, out chan<- []byte) error {
	defer close(out)

	for {
		var chunk []byte
		select {
		case <-ctx.Done():
			s.Cancel()
			return ctx.Err()
		case c, ok := <-in:
			if !ok {
				s.Complete()
				return nil
			}
			chunk = c
		}

		switch action, err := s.Check(chunk); action {
		case Forward:
		case Stop:
			return nil
		default:
			return err
		}

		select {
		case <-ctx.Done():
			s.Cancel()
			return ctx.Err()
		case out <- chunk:
			s.Commit(len(chunk))
		}
	}
}

// Pipe runs produce, the stage and consume concurrently. produce must close
// its channel when it is done and return once its context is done; consume
// must drain its channel until it is closed. The first error from any of the
// three cancels the others and is returned unchanged. When the stage
// terminates the stream, produce's context is cancelled and whatever produce
// returns afterwards is not reported.
func Pipe(
	ctx context.Context,
	s *Stage,
	produce func(ctx context.Context, out chan<- []byte) error,
	consume func(ctx context.Context, in <-chan []byte) error,
) error {
	eg, ctx := errgroup.WithContext(ctx)
	produceCtx, stopProducer := context.WithCancel(ctx)
	defer stopProducer()

	var terminated int32 // atomic bool

	upstream := make(chan []byte)
	downstream := make(chan []byte)

	eg.Go(func() error {
		err := produce(produceCtx, upstream)
		if atomic.LoadInt32(&terminated) > 0 {
			// the stream already ended normally
			return nil
		}
		return err
	})
	eg.Go(func() error {
		err := s.Run(ctx, upstream, downstream)
		if s.State() == Terminated {
			atomic.StoreInt32(&terminated, 1)
			stopProducer()
		}
		return err
	})
	eg.Go(func() error { return consume(ctx, downstream) })

	return eg.Wait()
}
