// Package metrics provides Prometheus metrics for linkwatch.
package metrics

import (
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tunnelmesh/linkwatch/internal/connection"
	"github.com/tunnelmesh/linkwatch/internal/validation"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "linkwatch"

// Registry is the Prometheus registry for all linkwatch metrics.
var Registry = prometheus.NewRegistry()

func init() {
	// Register standard Go metrics
	Registry.MustRegister(collectors.NewGoCollector())
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// Metrics holds the linkwatch collectors. It is a connection.Observer, a
// hub.Recorder and a validation.Recorder.
type Metrics struct {
	// Connection state machines
	Transitions     *prometheus.CounterVec // labels: from, to
	ConnectionState *prometheus.GaugeVec   // labels: name; value is the numeric state
	Connections     *prometheus.GaugeVec   // labels: state; sampled by Collector

	// Notification hub
	Deliveries       *prometheus.CounterVec // labels: category
	DeliveryFailures *prometheus.CounterVec // labels: category

	// Validation chain
	ValidationChecks     *prometheus.CounterVec // labels: result
	ValidationRejections *prometheus.CounterVec // labels: validator

	Info *prometheus.GaugeVec // labels: version
}

// New registers all metrics in Registry. An empty namespace means
// DefaultNamespace. Calling New twice against the same registry panics.
func New(namespace, version string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	factory := promauto.With(Registry)

	m := &Metrics{
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_transitions_total",
			Help:      "Connection state transitions",
		}, []string{"from", "to"}),
		ConnectionState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current state per connection (0=ready, 1=connecting, 2=connected, 3=errored, 4=closed)",
		}, []string{"name"}),
		Connections: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Number of managed connections in each state",
		}, []string{"state"}),

		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_deliveries_total",
			Help:      "Successful subscriber notifications",
		}, []string{"category"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hub_delivery_failures_total",
			Help:      "Subscriber notifications that returned an error or panicked",
		}, []string{"category"}),

		ValidationChecks: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_checks_total",
			Help:      "Validation chain runs by result",
		}, []string{"result"}),
		ValidationRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validation_rejections_total",
			Help:      "Rejections by the validator that produced them",
		}, []string{"validator"}),

		Info: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Build information (value is always 1)",
		}, []string{"version"}),
	}

	m.Info.WithLabelValues(version).Set(1)
	return m
}

// OnTransition implements connection.Observer.
func (m *Metrics) OnTransition(t connection.Transition) {
	m.Transitions.WithLabelValues(t.From.String(), t.To.String()).Inc()
	m.ConnectionState.WithLabelValues(t.Name).Set(float64(t.To))
}

// ObservePublish implements hub.Recorder.
func (m *Metrics) ObservePublish(category string, delivered, failed int) {
	m.Deliveries.WithLabelValues(category).Add(float64(delivered))
	m.DeliveryFailures.WithLabelValues(category).Add(float64(failed))
}

// ObserveValidation implements validation.Recorder.
func (m *Metrics) ObserveValidation(err error) {
	if err == nil {
		m.ValidationChecks.WithLabelValues("approved").Inc()
		return
	}
	m.ValidationChecks.WithLabelValues("rejected").Inc()

	validator := "unknown"
	var re *validation.RejectError
	if errors.As(err, &re) {
		validator = re.Validator
	}
	m.ValidationRejections.WithLabelValues(validator).Inc()
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
