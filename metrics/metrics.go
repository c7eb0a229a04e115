// Package metrics exposes the server's counters in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pdserver"

var (
	// FederationCalls counts outbound cross-host calls by endpoint and result (ok, error)
	FederationCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "federation",
		Name:      "calls_total",
		Help:      "Outbound calls to other hosts.",
	}, []string{"endpoint", "result"})

	SharingChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sharing",
		Name:      "changes_total",
		Help:      "Record/grantee pairs processed by share_records.",
	}, []string{"action", "result"})

	MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "messaging",
		Name:      "recipients_total",
		Help:      "Message recipients by final status after initiate.",
	}, []string{"status"})

	TokensMinted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tokens",
		Name:      "minted_total",
		Help:      "Tokens issued, by kind (validation, access, file).",
	}, []string{"kind"})

	FileTokensCached = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "tokens",
		Name:      "file_cached",
		Help:      "File tokens currently held in memory.",
	})

	registry = prometheus.NewRegistry()
)

func init() {
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		FederationCalls,
		SharingChanges,
		MessagesSent,
		TokensMinted,
		FileTokensCached,
	)
}

func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Result maps an error to the result label
func Result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
