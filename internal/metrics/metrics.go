package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buildtuner"

// Outcome label values.
const (
	OutcomeSuccess     = "success"
	OutcomeUnavailable = "unavailable"
	OutcomeInvalid     = "invalid"
	OutcomeFailure     = "failure"
)

var (
	experimentsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiments_created_total",
			Help:      "Count of experiments created.",
		},
	)
	experimentsRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiments_rejected_total",
			Help:      "Count of creation requests rejected, by reason.",
		},
		[]string{"reason"},
	)
	experimentsCompleted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "experiments_completed_total",
			Help:      "Count of experiments that used their whole iteration budget.",
		},
	)
	policyCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_requests_total",
			Help:      "Count of calls to the policy service, by call and outcome.",
		},
		[]string{"call", "outcome"},
	)
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_dispatches_total",
			Help:      "Count of workflow dispatches, by trigger and outcome.",
		},
		[]string{"trigger", "outcome"},
	)
	feedbackReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feedback_received_total",
			Help:      "Count of feedback events, by whether they carried build metrics.",
		},
		[]string{"learning"},
	)
	variantsRecorded = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "variants_recorded_total",
			Help:      "Count of variants appended to experiments.",
		},
	)
)

// Registry holds the tuner's collectors and the Go runtime collectors.
var Registry = prometheus.NewRegistry()

var registerMetrics sync.Once

// Register all metrics.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			experimentsCreated,
			experimentsRejected,
			experimentsCompleted,
			policyCalls,
			dispatches,
			feedbackReceived,
			variantsRecorded,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

func RecordExperimentCreated() {
	experimentsCreated.Inc()
}

// RecordExperimentRejected counts a refused creation; reason is one of
// disabled, validation, conflict or configuration.
func RecordExperimentRejected(reason string) {
	experimentsRejected.WithLabelValues(reason).Inc()
}

func RecordExperimentCompleted() {
	experimentsCompleted.Inc()
}

// RecordPolicyCall counts a get-action or send-feedback exchange.
func RecordPolicyCall(call, outcome string) {
	policyCalls.WithLabelValues(call, outcome).Inc()
}

// RecordDispatch counts a workflow dispatch; trigger is create or feedback.
func RecordDispatch(trigger, outcome string) {
	dispatches.WithLabelValues(trigger, outcome).Inc()
}

func RecordFeedback(learning bool) {
	label := "false"
	if learning {
		label = "true"
	}
	feedbackReceived.WithLabelValues(label).Inc()
}

func RecordVariant() {
	variantsRecorded.Inc()
}
