package relay

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/js-labs/mtunnel/internal/logger"
)

const (
	resultOK     = "ok"
	resultError  = "error"
	reasonEncode = "encode"
	reasonSend   = "send"
)

// Metrics are the relay's Prometheus collectors.
type Metrics struct {
	Sessions         prometheus.Gauge
	Groups           prometheus.Gauge
	Joins            *prometheus.CounterVec
	Leaves           *prometheus.CounterVec
	ForwardedPackets prometheus.Counter
	ForwardedBytes   prometheus.Counter
	Dropped          *prometheus.CounterVec
}

// NewMetrics creates the relay collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		Sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtunnel",
			Subsystem: "relay",
			Name:      "sessions",
			Help:      "Number of connected tunnel sessions.",
		}),
		Groups: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "mtunnel",
			Subsystem: "relay",
			Name:      "groups",
			Help:      "Number of multicast groups currently joined.",
		}),
		Joins: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtunnel",
			Subsystem: "relay",
			Name:      "group_joins_total",
			Help:      "Total number of OS-level multicast joins, by result.",
		}, []string{"result"}),
		Leaves: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtunnel",
			Subsystem: "relay",
			Name:      "group_leaves_total",
			Help:      "Total number of OS-level multicast leaves, by result.",
		}, []string{"result"}),
		ForwardedPackets: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mtunnel",
			Subsystem: "relay",
			Name:      "forwarded_packets_total",
			Help:      "Total number of datagrams handed to sessions.",
		}),
		ForwardedBytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mtunnel",
			Subsystem: "relay",
			Name:      "forwarded_bytes_total",
			Help:      "Total payload bytes handed to sessions.",
		}),
		Dropped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtunnel",
			Subsystem: "relay",
			Name:      "dropped_packets_total",
			Help:      "Total number of datagrams not forwarded, by reason.",
		}, []string{"reason"}),
	}
	// Make the labelled series visible before the first event.
	for _, result := range []string{resultOK, resultError} {
		m.Joins.WithLabelValues(result)
		m.Leaves.WithLabelValues(result)
	}
	for _, reason := range []string{reasonEncode, reasonSend} {
		m.Dropped.WithLabelValues(reason)
	}
	return m
}

func newUnregisteredMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}

// MetricsService serves the Prometheus endpoint at /metrics. It implements
// suture.Service.
type MetricsService struct {
	addr     string
	gatherer prometheus.Gatherer
	logger   *logger.Logger
}

func NewMetricsService(addr string, g prometheus.Gatherer, log *logger.Logger) *MetricsService {
	if log == nil {
		log = logger.Discard()
	}
	return &MetricsService{addr: addr, gatherer: g, logger: log}
}

func (s *MetricsService) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return &FatalError{Err: err}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	})
	defer stop()

	s.logger.Info("serving metrics on %s", ln.Addr())
	err = srv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return ctx.Err()
	}
	return err
}

func (s *MetricsService) String() string {
	return "relay.MetricsService@" + s.addr
}
