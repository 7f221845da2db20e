package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Request workflow metrics
	RequestsSubmitted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kquota_requests_submitted_total",
			Help: "Total extra-time requests submitted",
		},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kquota_decisions_total",
			Help: "Total extra-time requests resolved",
		},
		[]string{"status", "fallback"},
	)

	RequestsExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kquota_requests_expired_total",
			Help: "Pending requests denied by the expiry sweeper",
		},
	)

	// Oracle metrics
	OracleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kquota_oracle_duration_seconds",
			Help:    "Decision oracle latency in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"oracle"},
	)

	OracleErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kquota_oracle_errors_total",
			Help: "Decision oracle failures",
		},
		[]string{"oracle"},
	)

	// Grant metrics
	GrantsApplied = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kquota_grants_applied_total",
			Help: "Total approved grants applied to the ledger",
		},
	)

	GrantedMinutes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kquota_granted_minutes_total",
			Help: "Total extra minutes granted",
		},
	)

	PartialApplies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kquota_partial_applies_total",
			Help: "Grants where one half of the apply failed",
		},
		[]string{"stage"},
	)

	// Storage metrics
	PersistenceErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kquota_persistence_errors_total",
			Help: "Persistence gateway failures",
		},
		[]string{"operation"},
	)

	// Countdown metrics
	LiveCountdowns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kquota_live_countdowns",
			Help: "Number of countdowns currently being viewed",
		},
	)

	TimeUpEvents = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kquota_time_up_total",
			Help: "Countdowns that reached zero while viewed",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kquota_api_requests_total",
			Help: "Total API requests handled",
		},
		[]string{"route", "code"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		RequestsSubmitted,
		DecisionsTotal,
		RequestsExpired,
		OracleDuration,
		OracleErrors,
		GrantsApplied,
		GrantedMinutes,
		PartialApplies,
		PersistenceErrors,
		LiveCountdowns,
		TimeUpEvents,
		APIRequestsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
