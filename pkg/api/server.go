// Package api is the HTTP surface of coinvault: rates, trading and wallet endpoints under
// /api plus /health and /metrics.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"coinvault/pkg/auth"
	"coinvault/pkg/chain"
	"coinvault/pkg/history"
	"coinvault/pkg/logging"
	"coinvault/pkg/metrics"
	"coinvault/pkg/rates"
	"coinvault/pkg/settlement"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Services are the collaborators the handlers call into.
type Services struct {
	Engine   *settlement.Engine
	History  *history.Query
	Rates    rates.Provider
	Verifier *auth.Verifier

	// QuoteCache, when set, is reported layer by layer on /health.
	QuoteCache *chain.Chain

	// Registry receives the HTTP metrics and backs /metrics. Nil uses the default registry.
	Registry *prometheus.Registry
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// MaxBodyBytes caps request bodies (default: 1 MiB)
	MaxBodyBytes int64

	// RetryAfter is advertised when a rate is unavailable (default: 10s)
	RetryAfter time.Duration
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:      ":8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		MaxBodyBytes: 1 << 20,
		RetryAfter:   10 * time.Second,
	}
}

// Server is the HTTP API over the settlement engine, history queries and rate provider.
type Server struct {
	engine   *settlement.Engine
	history  *history.Query
	rates    rates.Provider
	verifier *auth.Verifier
	quotes   *chain.Chain

	config      ServerConfig
	provisioner *walletProvisioner
	router      *mux.Router
	server      *http.Server
	logger      *logging.Logger
	started     time.Time
}

// NewServer builds the router. Call Start to listen, or use Handler directly.
func NewServer(svc Services, config ServerConfig) (*Server, error) {
	if svc.Engine == nil || svc.History == nil || svc.Rates == nil || svc.Verifier == nil {
		return nil, errors.New("api: engine, history, rates and verifier are required")
	}
	if config.MaxBodyBytes <= 0 {
		config.MaxBodyBytes = 1 << 20
	}
	if config.RetryAfter <= 0 {
		config.RetryAfter = 10 * time.Second
	}

	s := &Server{
		engine:   svc.Engine,
		history:  svc.History,
		rates:    svc.Rates,
		verifier: svc.Verifier,
		quotes:   svc.QuoteCache,
		config:   config,
		logger:   logging.Global().Named("api"),
		started:  time.Now(),
	}

	var (
		registerer prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer   prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if svc.Registry != nil {
		registerer, gatherer = svc.Registry, svc.Registry
	}
	httpMetrics, err := newHTTPMetrics(registerer)
	if err != nil {
		return nil, err
	}

	r := mux.NewRouter()
	r.Use(recoverMiddleware(s.logger), httpMetrics.middleware, requestLogger(s.logger))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	a := r.PathPrefix("/api").Subrouter()
	a.HandleFunc("/trades/rates", s.handleRates).Methods(http.MethodGet)

	protected := a.NewRoute().Subrouter()
	s.provisioner = newWalletProvisioner(s)
	protected.Use(auth.Middleware(s.verifier, s.denyUnauthenticated), s.provisioner.middleware)
	protected.HandleFunc("/trades/buy", s.handleBuy).Methods(http.MethodPost)
	protected.HandleFunc("/trades/sell", s.handleSell).Methods(http.MethodPost)
	protected.HandleFunc("/trades/history", s.handleTradeHistory).Methods(http.MethodGet)
	protected.HandleFunc("/wallet/add-funds", s.handleAddFunds).Methods(http.MethodPost)
	protected.HandleFunc("/wallet/balance", s.handleBalance).Methods(http.MethodGet)
	protected.HandleFunc("/wallet/transactions", s.handleTransactions).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Message: "not found"})
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Message: "method not allowed"})
	})

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens in a goroutine. Listen failures other than a clean shutdown are sent on
// the returned channel.
func (s *Server) Start() <-chan error {
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", zap.String("address", s.config.Address))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	return errc
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return errors.Join(s.server.Shutdown(ctx), s.provisioner.Close())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}

	// Breaker state is informational; health stays 200.
	if s.quotes != nil {
		layers := make([]map[string]string, 0, s.quotes.Len())
		for _, layer := range s.quotes.Layers() {
			state := "unknown"
			if sl, ok := layer.(interface{ State() metrics.CircuitState }); ok {
				state = sl.State().String()
			}
			layers = append(layers, map[string]string{"name": layer.Name(), "circuit": state})
		}
		response["quote_cache"] = layers
	}

	writeJSON(w, http.StatusOK, response)
}

func (s *Server) denyUnauthenticated(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Debug("request rejected", zap.String("path", r.URL.Path), zap.Error(err))
	writeJSON(w, http.StatusUnauthorized, errorBody{Message: "unauthenticated"})
}
