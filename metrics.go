package access

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups the engine's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	decisions        *prometheus.CounterVec
	decisionDuration prometheus.Histogram
	auditWrites      *prometheus.CounterVec
	findings         *prometheus.CounterVec
	sweptRecords     prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_decisions_total",
			Help: "Access decisions by outcome and deny reason.",
		}, []string{"allowed", "reason"}),
		decisionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "access_decision_duration_seconds",
			Help:    "Latency of access decisions.",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1},
		}),
		auditWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_audit_writes_total",
			Help: "Audit record writes by severity and result.",
		}, []string{"severity", "result"}),
		findings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "access_compliance_findings_total",
			Help: "Compliance findings by framework and rule.",
		}, []string{"framework", "rule"}),
		sweptRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "access_audit_swept_records_total",
			Help: "Audit records deleted by the retention sweeper.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.decisions, m.decisionDuration, m.auditWrites, m.findings, m.sweptRecords)
	}
	return m
}

func (m *Metrics) observeDecision(d *Decision, took time.Duration) {
	if m == nil || d == nil {
		return
	}
	allowed := "false"
	if d.Allowed {
		allowed = "true"
	}
	m.decisions.WithLabelValues(allowed, string(d.Reason)).Inc()
	m.decisionDuration.Observe(took.Seconds())
}

func (m *Metrics) observeAuditWrite(rec *AuditRecord, ok bool) {
	if m == nil || rec == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	m.auditWrites.WithLabelValues(string(rec.Severity), result).Inc()
}

func (m *Metrics) observeFindings(findings []Finding) {
	if m == nil {
		return
	}
	for _, f := range findings {
		m.findings.WithLabelValues(string(f.Framework), f.Rule).Inc()
	}
}

func (m *Metrics) observeSweep(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.sweptRecords.Add(float64(n))
}
