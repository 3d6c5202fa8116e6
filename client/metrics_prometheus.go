package client

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
	commandCompleted *prometheus.CounterVec
	commandFailed    *prometheus.CounterVec
}

// NewPrometheusMetrics constructs a MetricHook backed by Prometheus counters.
func NewPrometheusMetrics(opts PrometheusMetricsOptions) (*PrometheusMetrics, error) {
	reg := opts.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	p := &PrometheusMetrics{
		commandCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ssd_dma_client_commands_completed_total",
			Help:        "Number of broker commands that succeeded",
			ConstLabels: opts.ConstLabels,
		}, completionLabelKeys),
		commandFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   opts.Namespace,
			Subsystem:   opts.Subsystem,
			Name:        "ssd_dma_client_commands_failed_total",
			Help:        "Number of broker commands that failed",
			ConstLabels: opts.ConstLabels,
		}, failureLabelKeys),
	}

	var err error
	if p.commandCompleted, err = registerCounterVec(reg, p.commandCompleted); err != nil {
		return nil, err
	}
	if p.commandFailed, err = registerCounterVec(reg, p.commandFailed); err != nil {
		return nil, err
	}
	return p, nil
}

var (
	completionLabelKeys = []string{labelOperation, labelDevice, labelStatus}
	failureLabelKeys    = []string{labelOperation, labelDevice, labelErrno}
)

func (p *PrometheusMetrics) CommandCompleted(attrs map[string]string) {
	p.commandCompleted.With(labels(attrs, completionLabelKeys...)).Inc()
}

func (p *PrometheusMetrics) CommandFailed(_ error, attrs map[string]string) {
	p.commandFailed.With(labels(attrs, failureLabelKeys...)).Inc()
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
