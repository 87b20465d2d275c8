package batcher

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "batcher"

var (
	Admissions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "admissions_total",
		Help:      "Requests moved from waiting to running",
	})
	Preemptions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "preemptions_total",
		Help:      "Running requests swapped out to the host tier",
	})
	SwapIns = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "swap_ins_total",
		Help:      "Swapped requests resumed on the device tier",
	})
	Rejections = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "rejections_total",
		Help:      "Requests rejected at admission, by reason",
	}, []string{"reason"})
	ResourceExhaustions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "resource_exhaustions_total",
		Help:      "Steps where a tier ran out of blocks during preemption or growth",
	}, []string{"tier"})
	Finished = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metricsNamespace,
		Name:      "finished_total",
		Help:      "Requests that reached the finished state, by status",
	}, []string{"status"})
	UsedBlocks = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: metricsNamespace,
		Name:      "used_blocks",
		Help:      "Blocks owned per tier",
	}, []string{"tier"})
	ScheduleLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: metricsNamespace,
		Name:      "schedule_latency_seconds",
		Help:      "Time spent in one Schedule call",
		Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
	})
)

// Collectors returns every collector of this package.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		Admissions, Preemptions, SwapIns, Rejections, ResourceExhaustions,
		Finished, UsedBlocks, ScheduleLatency,
	}
}

// RegisterMetrics registers the collectors with reg. Collectors that are
// already registered are skipped.
func RegisterMetrics(reg prometheus.Registerer) error {
	for _, c := range Collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

func statusLabel(status error) string {
	switch {
	case status == nil:
		return "ok"
	case errors.Is(status, ErrCancelled):
		return "cancelled"
	case errors.Is(status, ErrRequestTooLong):
		return "too_long"
	case errors.Is(status, ErrUnsupportedSamplingConfig):
		return "unsupported_sampling"
	default:
		return "error"
	}
}

func observeOccupancy(bm *BlockManager) {
	UsedBlocks.WithLabelValues(TierDevice.String()).Set(float64(bm.UsedBlocks(TierDevice)))
	UsedBlocks.WithLabelValues(TierHost.String()).Set(float64(bm.UsedBlocks(TierHost)))
}
