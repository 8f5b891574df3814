// Package metrics holds the Prometheus collectors of the attestation core.
package metrics

import (
	"slices"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "zkattest"

// Outcome labels.
const (
	ResultAccepted = "accepted"
	ResultRejected = "rejected"
	ResultError    = "error"
)

// Subsystems that group the collectors.
const (
	SubsystemEngine      = "engine"
	SubsystemCompress    = "compress"
	SubsystemAttestation = "attestation"
	SubsystemPolicy      = "policy"
)

// Metrics collects verification, batch and policy counters.
type Metrics struct {
	Verifications  *prometheus.CounterVec
	VerifyDuration *prometheus.HistogramVec
	Batches        *prometheus.CounterVec
	BatchSize      prometheus.Histogram
	Revocations    prometheus.Counter
	Rotations      prometheus.Counter
}

// New registers the collectors with reg. A nil reg uses a private registry,
// which lets tests build any number of instances.
//
// When subsystems are named, only their collectors go to reg. The others
// still count but stay in a private registry, so a process does not export
// series it never updates.
func New(reg prometheus.Registerer, subsystems ...string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	private := prometheus.NewRegistry()
	factory := func(subsystem string) promauto.Factory {
		if len(subsystems) == 0 || slices.Contains(subsystems, subsystem) {
			return promauto.With(reg)
		}
		return promauto.With(private)
	}

	return &Metrics{
		Verifications: factory(SubsystemEngine).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: SubsystemEngine,
				Name:      "verifications_total",
				Help:      "Verification outcomes by the gate that decided them",
			},
			[]string{"gate", "result"},
		),
		VerifyDuration: factory(SubsystemEngine).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: SubsystemEngine,
				Name:      "verify_duration_seconds",
				Help:      "Duration of a verification request in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"result"},
		),
		Batches: factory(SubsystemCompress).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: SubsystemCompress,
				Name:      "batches_total",
				Help:      "Batch compression outcomes",
			},
			[]string{"result"},
		),
		BatchSize: factory(SubsystemCompress).NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: SubsystemCompress,
				Name:      "batch_size",
				Help:      "Unpadded number of claims per compressed batch",
				Buckets:   []float64{1, 2, 3, 4},
			},
		),
		Revocations: factory(SubsystemAttestation).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: SubsystemAttestation,
				Name:      "revocations_total",
				Help:      "Attestations revoked by their subject",
			},
		),
		Rotations: factory(SubsystemPolicy).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: SubsystemPolicy,
				Name:      "issuer_root_rotations_total",
				Help:      "Allowed issuer root rotations",
			},
		),
	}
}

// ObserveBatch records a compression outcome. size is observed only for
// accepted batches.
func (m *Metrics) ObserveBatch(result string, size int) {
	m.Batches.WithLabelValues(result).Inc()
	if result == ResultAccepted {
		m.BatchSize.Observe(float64(size))
	}
}
