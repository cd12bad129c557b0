// Package metrics holds the agent's prometheus instruments. A nil *Metrics
// is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/xerrors"
)

const namespace = "worksync_agent"

// Upload outcome label values.
const (
	ResultSuccess = "success"
	ResultRetry   = "retry"
	ResultDropped = "dropped"
	ResultFailed  = "failed"
)

// Upload kind label values.
const (
	KindActivity   = "activity"
	KindScreenshot = "screenshot"
)

type Metrics struct {
	pendingRecords *prometheus.GaugeVec
	uploads        *prometheus.CounterVec
	uploadedItems  *prometheus.CounterVec
	captures       *prometheus.CounterVec
	policyVersion  prometheus.Gauge
	sessionActive  prometheus.Gauge
}

func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		pendingRecords: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Records stored locally and not yet accepted by the server.",
		}, []string{"kind"}),
		uploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploads_total",
			Help:      "Upload requests by kind and outcome.",
		}, []string{"kind", "result"}),
		uploadedItems: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_items_total",
			Help:      "Records accepted by the server, or dropped as unacceptable.",
		}, []string{"kind", "result"}),
		captures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "screenshot_captures_total",
			Help:      "Screenshot capture attempts by outcome.",
		}, []string{"result"}),
		policyVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "policy_version",
			Help:      "Version of the policy currently in effect.",
		}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "session_active",
			Help:      "1 while a work session is being tracked.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.pendingRecords, m.uploads, m.uploadedItems, m.captures, m.policyVersion, m.sessionActive,
		} {
			if err := reg.Register(c); err != nil {
				return nil, xerrors.Errorf("register metric: %w", err)
			}
		}
	}
	return m, nil
}

func (m *Metrics) SetPending(kind string, n int64) {
	if m == nil {
		return
	}
	m.pendingRecords.WithLabelValues(kind).Set(float64(n))
}

// RecordUpload counts one request and the items it carried.
func (m *Metrics) RecordUpload(kind, result string, items int) {
	if m == nil {
		return
	}
	m.uploads.WithLabelValues(kind, result).Inc()
	if items > 0 && (result == ResultSuccess || result == ResultDropped) {
		m.uploadedItems.WithLabelValues(kind, result).Add(float64(items))
	}
}

func (m *Metrics) RecordCapture(err error) {
	if m == nil {
		return
	}
	result := ResultSuccess
	if err != nil {
		result = ResultFailed
	}
	m.captures.WithLabelValues(result).Inc()
}

func (m *Metrics) SetPolicyVersion(v int64) {
	if m == nil {
		return
	}
	m.policyVersion.Set(float64(v))
}

func (m *Metrics) SetSessionActive(active bool) {
	if m == nil {
		return
	}
	if active {
		m.sessionActive.Set(1)
		return
	}
	m.sessionActive.Set(0)
}
