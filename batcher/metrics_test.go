package batcher

import (
	"fmt"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	require.NoError(t, RegisterMetrics(reg))
	require.NoError(t, RegisterMetrics(reg))
}

func TestSchedulerMetrics(t *testing.T) {
	admissions := testutil.ToFloat64(Admissions)
	preemptions := testutil.ToFloat64(Preemptions)
	swapIns := testutil.ToFloat64(SwapIns)
	tooLong := testutil.ToFloat64(Rejections.WithLabelValues("too_long"))
	ok := testutil.ToFloat64(Finished.WithLabelValues("ok"))

	s := newTestScheduler(t, scenarioPreemptConfig()...)
	assert.ErrorIs(t, s.AddInferRequest([]*Request{newTestRequest(5)}), ErrRequestTooLong)

	r1, r2 := newTestRequest(2), newTestRequest(4)
	addOne(t, s, r1)
	addOne(t, s, r2)

	batch, err := s.Schedule()
	require.NoError(t, err)
	assert.Equal(t, 2.0, testutil.ToFloat64(UsedBlocks.WithLabelValues("device")))
	require.NoError(t, s.Postprocess(batch, []int{testToken, testToken}))

	batch, err = s.Schedule()
	require.NoError(t, err)
	require.NoError(t, s.Postprocess(batch, []int{s.Config().EOS}))
	_, err = s.Schedule()
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(Admissions)-admissions)
	assert.Equal(t, 1.0, testutil.ToFloat64(Preemptions)-preemptions)
	assert.Equal(t, 1.0, testutil.ToFloat64(SwapIns)-swapIns)
	assert.Equal(t, 1.0, testutil.ToFloat64(Rejections.WithLabelValues("too_long"))-tooLong)
	assert.Equal(t, 1.0, testutil.ToFloat64(Finished.WithLabelValues("ok"))-ok)
	assert.Equal(t, 0.0, testutil.ToFloat64(UsedBlocks.WithLabelValues("host")))
}

func TestStatusLabel(t *testing.T) {
	testCases := []struct {
		status error
		want   string
	}{
		{nil, "ok"},
		{ErrCancelled, "cancelled"},
		{fmt.Errorf("%w: request 3", ErrRequestTooLong), "too_long"},
		{fmt.Errorf("%w: beam", ErrUnsupportedSamplingConfig), "unsupported_sampling"},
		{ErrOutOfMemory, "error"},
	}

	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			assert.Equal(t, tc.want, statusLabel(tc.status))
		})
	}
}
