// Package metrics exposes prometheus collectors for the spectral solver. A
// nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "psatd"

// Transform directions used as label values
const (
	Forward  = "forward"
	Backward = "backward"
)

// Collector groups the solver metrics registered on one registerer
type Collector struct {
	transforms    *prometheus.CounterVec
	pushDuration  prometheus.Histogram
	stepDuration  prometheus.Histogram
	steps         prometheus.Counter
	fieldEnergy   prometheus.Gauge
	devicePushes  prometheus.Counter
	partitionBusy prometheus.Counter
}

// NewCollector creates the solver metrics and registers them on reg
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		transforms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transforms_total",
			Help:      "Counts spectral transforms of one real-space component by direction",
		}, []string{"direction"}),
		pushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "partition_push_seconds",
			Help:      "Time spent advancing the spectral fields of one partition",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 12),
		}),
		stepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_seconds",
			Help:      "Wall time of a full solver step over every partition",
			Buckets:   prometheus.ExponentialBuckets(1e-5, 4, 12),
		}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Counts completed solver steps",
		}),
		fieldEnergy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "field_energy_joules",
			Help:      "Electromagnetic energy of the grid at the last report",
		}),
		devicePushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "device_pushes_total",
			Help:      "Counts pushes executed by the OCCA device kernel",
		}),
		partitionBusy: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "partition_busy_errors_total",
			Help:      "Counts operations rejected because their partition was in use",
		}),
	}
	for _, m := range []prometheus.Collector{
		c.transforms, c.pushDuration, c.stepDuration, c.steps,
		c.fieldEnergy, c.devicePushes, c.partitionBusy,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// AddTransforms counts n transforms in direction dir
func (c *Collector) AddTransforms(dir string, n int) {
	if c == nil {
		return
	}
	c.transforms.WithLabelValues(dir).Add(float64(n))
}

// ObservePush records the duration of one host push of a partition
func (c *Collector) ObservePush(d time.Duration) {
	if c == nil {
		return
	}
	c.pushDuration.Observe(d.Seconds())
}

// ObserveStep records a completed step
func (c *Collector) ObserveStep(d time.Duration) {
	if c == nil {
		return
	}
	c.steps.Inc()
	c.stepDuration.Observe(d.Seconds())
}

// SetFieldEnergy publishes the total spectral field energy
func (c *Collector) SetFieldEnergy(e float64) {
	if c == nil {
		return
	}
	c.fieldEnergy.Set(e)
}

// IncDevicePush counts a step pushed by the device kernel
func (c *Collector) IncDevicePush() {
	if c == nil {
		return
	}
	c.devicePushes.Inc()
}

// IncPartitionBusy counts a step rejected because a partition was reserved
func (c *Collector) IncPartitionBusy() {
	if c == nil {
		return
	}
	c.partitionBusy.Inc()
}
