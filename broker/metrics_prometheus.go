package broker

import "github.com/prometheus/client_golang/prometheus"

// PrometheusMetricsOptions configures NewPrometheusMetrics.
type PrometheusMetricsOptions struct {
	Registerer  prometheus.Registerer
	Namespace   string
	Subsystem   string
	ConstLabels prometheus.Labels
}

var _ MetricHook = (*PrometheusMetrics)(nil)

// PrometheusMetrics implements MetricHook using Prometheus counters.
type PrometheusMetrics struct {
	ioctlCompleted *prometheus.CounterVec
	ioctlFailed    *prometheus.CounterVec
	pinAcquired    *prometheus.CounterVec
	pinReleased    *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		ioctlCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ssd_dma_broker_commands_completed_total",
			Help:        "Number of control commands that succeeded",
			ConstLabels: opts.ConstLabels,
		}, commandLabelKeys),
		ioctlFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ssd_dma_broker_commands_failed_total",
			Help:        "Number of control commands that failed, by errno",
			ConstLabels: opts.ConstLabels,
		}, failureLabelKeys),
		pinAcquired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ssd_dma_broker_pins_acquired_total",
			Help:        "Number of buffers and pages pinned for callers",
			ConstLabels: opts.ConstLabels,
		}, pinLabelKeys),
		pinReleased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ssd_dma_broker_pins_released_total",
			Help:        "Number of buffers and pages unpinned",
			ConstLabels: opts.ConstLabels,
		}, pinLabelKeys),
	}

	var err error
	if p.ioctlCompleted, err = registerCounterVec(reg, p.ioctlCompleted); err != nil {
		return nil, err
	}
	if p.ioctlFailed, err = registerCounterVec(reg, p.ioctlFailed); err != nil {
		return nil, err
	}
	if p.pinAcquired, err = registerCounterVec(reg, p.pinAcquired); err != nil {
		return nil, err
	}
	if p.pinReleased, err = registerCounterVec(reg, p.pinReleased); err != nil {
		return nil, err
	}

	return p, nil
}

var (
	commandLabelKeys = []string{labelNode, labelCommand}
	failureLabelKeys = []string{labelNode, labelCommand, labelErrno}
	pinLabelKeys     = []string{labelNode, labelKind}
)

func (p *PrometheusMetrics) IoctlCompleted(attrs map[string]string) {
	p.ioctlCompleted.With(labels(attrs, commandLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) IoctlFailed(_ error, attrs map[string]string) {
	p.ioctlFailed.With(labels(attrs, failureLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) PinAcquired(attrs map[string]string) {
	p.pinAcquired.With(labels(attrs, pinLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) PinReleased(attrs map[string]string) {
	p.pinReleased.With(labels(attrs, pinLabelKeys...)).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return vec, nil
}

func labels(attrs map[string]string, keys ...string) prometheus.Labels {
	labs := make(prometheus.Labels, len(keys))
	for _, key := range keys {
		labs[key] = attrs[key]
	}
	return labs
}
