// Package metrics exposes session telemetry in Prometheus format.
package metrics

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"samotop/session"
	"samotop/smtp"
)

const namespace = "samotop"

// Observer counts session events. It implements session.Observer.
type Observer struct {
	ConnectionsTotal  prometheus.Counter
	ConnectionsActive prometheus.Gauge
	CommandsTotal     *prometheus.CounterVec
	RepliesTotal      *prometheus.CounterVec
	MessagesTotal     *prometheus.CounterVec
	TLSHandshakes     *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
}

var _ session.Observer = (*Observer)(nil)

// New registers the session metrics with reg. A nil reg uses the default
// registry.
func New(reg prometheus.Registerer) *Observer {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Observer{
		ConnectionsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "connections_total",
			Help:      "Total number of accepted SMTP connections",
		}),
		ConnectionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "connections_active",
			Help:      "Number of SMTP sessions currently open",
		}),
		CommandsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "commands_total",
			Help:      "Total number of SMTP commands by verb",
		}, []string{"verb"}),
		RepliesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "replies_total",
			Help:      "Total number of SMTP replies by code",
		}, []string{"code"}),
		MessagesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "messages_total",
			Help:      "Total number of messages by outcome",
		}, []string{"result"}),
		TLSHandshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "handshakes_total",
			Help:      "Total number of STARTTLS and implicit TLS handshakes by result",
		}, []string{"result"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "smtp",
			Name:      "session_duration_seconds",
			Help:      "SMTP session duration in seconds",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}),
	}
}

// OnConnect implements session.Observer.
func (o *Observer) OnConnect(*session.SessionInfo) {
	o.ConnectionsTotal.Inc()
	o.ConnectionsActive.Inc()
}

// OnCommand implements session.Observer. Unknown verbs share one label so
// clients cannot grow the label set.
func (o *Observer) OnCommand(_ *session.SessionInfo, cmd smtp.Command) {
	verb := cmd.Verb()
	if _, ok := cmd.(smtp.Other); ok {
		verb = "OTHER"
	}
	o.CommandsTotal.WithLabelValues(verb).Inc()
}

// OnReply implements session.Observer.
func (o *Observer) OnReply(_ *session.SessionInfo, wc session.WriteControl) {
	if wc.HasReply() {
		o.RepliesTotal.WithLabelValues(strconv.Itoa(wc.Reply.Code)).Inc()
	}
}

// OnMailQueued implements session.Observer.
func (o *Observer) OnMailQueued(*session.SessionInfo, *session.Transaction) {
	o.MessagesTotal.WithLabelValues("queued").Inc()
}

// OnMailFailed implements session.Observer.
func (o *Observer) OnMailFailed(_ *session.SessionInfo, _ *session.Transaction, err error) {
	result := "failed_temporarily"
	if errors.Is(err, session.ErrFailedPermanently) {
		result = "failed_permanently"
	}
	o.MessagesTotal.WithLabelValues(result).Inc()
}

// OnTLSHandshake implements session.Observer.
func (o *Observer) OnTLSHandshake(_ *session.SessionInfo, _, _ string, err error) {
	result := "success"
	if err != nil {
		result = "failure"
	}
	o.TLSHandshakes.WithLabelValues(result).Inc()
}

// OnDisconnect implements session.Observer.
func (o *Observer) OnDisconnect(info *session.SessionInfo, _ error) {
	o.ConnectionsActive.Dec()
	if !info.Connection.Established.IsZero() {
		o.SessionDuration.Observe(time.Since(info.Connection.Established).Seconds())
	}
}

// NewRouter serves /metrics from gatherer and a /healthz check.
func NewRouter(gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	r := chi.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return r
}
