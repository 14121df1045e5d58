package stats

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Metrics mirrors the collector's counters into a Prometheus registry.
type Metrics struct {
	Registry *prometheus.Registry

	packets   *prometheus.CounterVec
	drops     *prometheus.CounterVec
	tcpEvents *prometheus.CounterVec
	tcpActive prometheus.Gauge
	udpFlows  prometheus.Counter
	udpActive prometheus.Gauge
	fragments *prometheus.CounterVec
	icmpOut   *prometheus.CounterVec
	delayedN  prometheus.Counter
}

// NewMetrics registers the engine metrics on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		packets: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyd_packets_total",
			Help: "Packets handled by virtual hosts",
		}, []string{"proto", "direction"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyd_drops_total",
			Help: "Packets discarded",
		}, []string{"reason"}),
		tcpEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyd_tcp_connections_total",
			Help: "TCP connection events",
		}, []string{"event"}),
		tcpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "honeyd_tcp_connections_active",
			Help: "Established TCP connections",
		}),
		udpFlows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "honeyd_udp_flows_total",
			Help: "UDP flows created",
		}),
		udpActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "honeyd_udp_flows_active",
			Help: "Live UDP flows",
		}),
		fragments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyd_fragment_sets_total",
			Help: "Fragment reassembly outcomes",
		}, []string{"event"}),
		icmpOut: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "honeyd_icmp_replies_total",
			Help: "ICMP messages generated",
		}, []string{"kind"}),
		delayedN: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "honeyd_delayed_packets_total",
			Help: "Packets held back by the virtual router",
		}),
	}
	m.Registry.MustRegister(m.packets, m.drops, m.tcpEvents, m.tcpActive,
		m.udpFlows, m.udpActive, m.fragments, m.icmpOut, m.delayedN)
	return m
}

func (m *Metrics) packet(proto, dir string) {
	if m != nil {
		m.packets.WithLabelValues(proto, dir).Inc()
	}
}

func (m *Metrics) drop(reason string) {
	if m != nil {
		m.drops.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) tcp(event string, active uint64) {
	if m != nil {
		m.tcpEvents.WithLabelValues(event).Inc()
		m.tcpActive.Set(float64(active))
	}
}

func (m *Metrics) tcpGauge(active uint64) {
	if m != nil {
		m.tcpActive.Set(float64(active))
	}
}

func (m *Metrics) udp(active uint64) {
	if m != nil {
		m.udpFlows.Inc()
		m.udpActive.Set(float64(active))
	}
}

func (m *Metrics) udpGauge(active uint64) {
	if m != nil {
		m.udpActive.Set(float64(active))
	}
}

func (m *Metrics) fragment(event string) {
	if m != nil {
		m.fragments.WithLabelValues(event).Inc()
	}
}

func (m *Metrics) icmp(kind string) {
	if m != nil {
		m.icmpOut.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) delayed() {
	if m != nil {
		m.delayedN.Inc()
	}
}

// Serve exposes the registry on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", addr).Info("Metrics server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("metrics server shutdown failed: %w", err)
	}
	return nil
}
