package batcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamingIteratorReturnsTokensThenStops(t *testing.T) {
	s := newTestScheduler(t)
	req := NewRequest("test", []int{1}, NewSamplingConfig(WithMaxTokens(2)))
	addOne(t, s, req)

	for i := 0; i < 2; i++ {
		batch, err := s.Schedule()
		require.NoError(t, err)
		require.NoError(t, s.Postprocess(batch, []int{10 + i}))
	}
	require.True(t, req.IsFinished())

	it := NewStreamingIterator(req)
	ctx := context.Background()

	tok, err := it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, tok)

	tok, err = it.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, 11, tok)

	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, ErrStopIteration)
	_, err = it.Next(ctx)
	assert.ErrorIs(t, err, ErrStopIteration)
}

func TestStreamingIteratorCancelled(t *testing.T) {
	s := newTestScheduler(t)
	req := newTestRequest(3)
	addOne(t, s, req)

	it := NewStreamingIterator(req)
	done := make(chan error, 1)
	go func() {
		_, err := it.Next(context.Background())
		done <- err
	}()

	require.NoError(t, s.Cancel(req))

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("iterator was not released by cancel")
	}
}

func TestStreamingIteratorContext(t *testing.T) {
	req := newTestRequest(3)
	it := NewStreamingIterator(req)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := it.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
