package batcher

import "context"

// StreamingIterator yields a request's output tokens as steps produce them.
type StreamingIterator struct {
	req     *Request
	next    int
	pending []int
}

// NewStreamingIterator creates an iterator positioned at the first output token
func NewStreamingIterator(req *Request) *StreamingIterator {
	return &StreamingIterator{req: req}
}

// Next returns the next output token. It blocks until one is available and
// returns ErrStopIteration once the request finished normally and every
// token was returned. A request that finished with an error returns that
// error after its tokens.
func (it *StreamingIterator) Next(ctx context.Context) (int, error) {
	for {
		if len(it.pending) > 0 {
			tok := it.pending[0]
			it.pending = it.pending[1:]
			it.next++
			return tok, nil
		}

		// Read the state before the tokens: a finish seen here means no
		// token can be appended after the read below.
		finished := it.req.IsFinished()
		it.pending = it.req.outputFrom(it.next)
		if len(it.pending) > 0 {
			continue
		}
		if finished {
			if status := it.req.FinishStatus(); status != nil {
				return 0, status
			}
			return 0, ErrStopIteration
		}

		select {
		case <-it.req.StepWaiter.C():
		case <-it.req.Waiter.Done():
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}
