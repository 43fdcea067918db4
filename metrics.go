package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultMetricsNamespace prefixes every collector name.
const DefaultMetricsNamespace = "nkrypt"

// Metrics holds the node's Prometheus collectors. A nil *Metrics records
// nothing, so the node never has to check.
//
//	nkrypt_connections_opened_total{direction="inbound|outbound"}
//	nkrypt_connections_closed_total{reason="eof|protocol|shutdown"}
//	nkrypt_handshake_results_total{role="initiator|responder",result="success|failure|timeout"}
//	nkrypt_messages_sent_total
//	nkrypt_messages_received_total
//	nkrypt_send_errors_total
//	nkrypt_decryption_errors_total
//	nkrypt_peers
type Metrics struct {
	connectionsOpened *prometheus.CounterVec
	connectionsClosed *prometheus.CounterVec
	handshakeResults  *prometheus.CounterVec
	messagesSent      prometheus.Counter
	messagesReceived  prometheus.Counter
	sendErrors        prometheus.Counter
	decryptionErrors  prometheus.Counter
	peers             prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// gets a private registry, which is also what ServeMetrics exposes.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if namespace == "" {
		namespace = DefaultMetricsNamespace
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		connectionsOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_opened_total",
			Help:      "Peer connections established, by direction",
		}, []string{"direction"}),
		connectionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_closed_total",
			Help:      "Peer connections closed, by reason",
		}, []string{"reason"}),
		handshakeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshake_results_total",
			Help:      "Handshake outcomes, by role and result",
		}, []string{"role", "result"}),
		messagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Chat messages written to peers",
		}),
		messagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Chat messages received and decrypted",
		}),
		sendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Chat messages that could not be sent",
		}),
		decryptionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decryption_errors_total",
			Help:      "Received chat messages dropped because they failed to decrypt",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "peers",
			Help:      "Currently registered peers",
		}),
		registry: reg,
	}
	reg.MustRegister(
		m.connectionsOpened,
		m.connectionsClosed,
		m.handshakeResults,
		m.messagesSent,
		m.messagesReceived,
		m.sendErrors,
		m.decryptionErrors,
		m.peers,
	)
	return m
}

func (m *Metrics) ConnectionOpened(direction string) {
	if m == nil {
		return
	}
	m.connectionsOpened.WithLabelValues(direction).Inc()
}

func (m *Metrics) ConnectionClosed(reason string) {
	if m == nil {
		return
	}
	m.connectionsClosed.WithLabelValues(reason).Inc()
}

func (m *Metrics) HandshakeResult(role, result string) {
	if m == nil {
		return
	}
	m.handshakeResults.WithLabelValues(role, result).Inc()
}

func (m *Metrics) MessageSent() {
	if m == nil {
		return
	}
	m.messagesSent.Inc()
}

func (m *Metrics) MessageReceived() {
	if m == nil {
		return
	}
	m.messagesReceived.Inc()
}

func (m *Metrics) SendError() {
	if m == nil {
		return
	}
	m.sendErrors.Inc()
}

func (m *Metrics) DecryptionError() {
	if m == nil {
		return
	}
	m.decryptionErrors.Inc()
}

func (m *Metrics) SetPeers(n int) {
	if m == nil {
		return
	}
	m.peers.Set(float64(n))
}

// ServeMetrics exposes /metrics on addr until ctx is done.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
