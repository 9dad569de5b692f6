package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/verisol/verify-api/pkg/api"
	"github.com/verisol/verify-api/pkg/auth"
	"github.com/verisol/verify-api/pkg/logging"
	"github.com/verisol/verify-api/pkg/metrics"
	"github.com/verisol/verify-api/pkg/ratelimit"
	"github.com/verisol/verify-api/pkg/retry"
	"github.com/verisol/verify-api/pkg/service"
	"github.com/verisol/verify-api/pkg/shutdown"
	"github.com/verisol/verify-api/pkg/store"
	tlsutil "github.com/verisol/verify-api/pkg/tls"
	"github.com/verisol/verify-api/pkg/verifier"
)

func main() {
	port := flag.String("port", "8080", "API listen port")
	dbType := flag.String("db-type", "sqlite", "Database type: sqlite, postgres or memory")
	dbDSN := flag.String("db", "verify.db", "Database path (sqlite) or DSN (postgres)")
	apiKeyFlag := flag.String("api-key", "", "API key protecting operator endpoints (or VERIFY_API_KEY env var)")
	apiKeyHashFlag := flag.String("api-key-hash", "", "bcrypt hash of the operator API key (or VERIFY_API_KEY_HASH env var); takes precedence over the plaintext key")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logJSON := flag.Bool("log-json", false, "Emit logs as JSON")
	logDir := flag.String("log-dir", "", "Log directory (empty for stdout only)")
	verifierBin := flag.String("verifier-bin", "solana-verify", "Path to the solana-verify binary")
	verifierTimeout := flag.Duration("verifier-timeout", 30*time.Minute, "Upper bound for one verification run")
	syncTimeout := flag.Duration("sync-timeout", 45*time.Minute, "Caller-facing timeout for /verify_sync")
	window := flag.Duration("freshness-window", service.DefaultFreshnessWindow, "How long a completed verification answers /status")
	submitRPS := flag.Float64("submit-rps", 1, "Global requests per second for submit endpoints")
	submitBurst := flag.Int("submit-burst", 5, "Global burst for submit endpoints")
	submitPerIP := flag.Float64("submit-per-ip", 0.033, "Per-client requests per second for submit endpoints")
	submitPerIPBurst := flag.Int("submit-per-ip-burst", 1, "Per-client burst for submit endpoints")
	statusRPS := flag.Float64("status-rps", 10000, "Global requests per second for the status endpoint")
	statusBurst := flag.Int("status-burst", 10000, "Global burst for the status endpoint")
	statusPerIP := flag.Float64("status-per-ip", 100, "Per-client requests per second for the status endpoint")
	statusPerIPBurst := flag.Int("status-per-ip-burst", 100, "Per-client burst for the status endpoint")
	enableMetrics := flag.Bool("metrics", true, "Enable Prometheus metrics endpoint")
	metricsPort := flag.String("metrics-port", "9090", "Prometheus metrics port")
	tlsCert := flag.String("tls-cert", "", "TLS certificate file (serves HTTPS when set)")
	tlsKey := flag.String("tls-key", "", "TLS key file")
	tlsSelfSigned := flag.Bool("tls-self-signed", false, "Generate a self-signed certificate for development")
	flag.Parse()

	var log *logging.Logger
	var err error
	if *logDir != "" {
		log, err = logging.NewFileLogger(*logDir, "verify-api", logging.ParseLevel(*logLevel), *logJSON)
		if err != nil {
			logging.NewLogger(logging.ERROR, false).Fatal("failed to open log file", map[string]interface{}{"error": err.Error()})
		}
	} else {
		log = logging.NewLogger(logging.ParseLevel(*logLevel), *logJSON)
	}

	apiKey := *apiKeyFlag
	if apiKey == "" {
		apiKey = os.Getenv("VERIFY_API_KEY")
	}
	apiKeyHash := *apiKeyHashFlag
	if apiKeyHash == "" {
		apiKeyHash = os.Getenv("VERIFY_API_KEY_HASH")
	}

	log.Info("starting verify-api", map[string]interface{}{
		"port":    *port,
		"db_type": *dbType,
	})

	// Create store, retrying while the database comes up
	var dataStore store.Store
	err = retry.Do(context.Background(), retry.DefaultConfig(), func() error {
		var serr error
		dataStore, serr = store.NewStore(store.Config{Type: *dbType, DSN: *dbDSN, Path: *dbDSN})
		return serr
	})
	if err != nil {
		log.Fatal("failed to create store", map[string]interface{}{"error": err.Error()})
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	reg.MustRegister(metrics.NewStoreCollector(dataStore))

	v := verifier.NewCLIVerifier(*verifierBin, *verifierTimeout)
	submission := service.NewSubmissionService(dataStore, v, log.WithField("component", "submission"), m, *syncTimeout)
	status := service.NewStatusService(dataStore, *window, log.WithField("component", "status"))
	handler := api.NewHandler(submission, status, dataStore, log.WithField("component", "api"))

	// Submit endpoints get the tight gate, the read-only status endpoint a
	// generous one
	submitGate := ratelimit.NewAdmission(*submitRPS, *submitBurst, *submitPerIP, *submitPerIPBurst)
	submitGate.SetThrottleCounter(m.ThrottledTotal.WithLabelValues("submit"))
	statusGate := ratelimit.NewAdmission(*statusRPS, *statusBurst, *statusPerIP, *statusPerIPBurst)
	statusGate.SetThrottleCounter(m.ThrottledTotal.WithLabelValues("status"))

	router := mux.NewRouter()
	if apiKey != "" || apiKeyHash != "" {
		log.Info("operator endpoint authentication enabled", map[string]interface{}{
			"hashed": apiKeyHash != "",
		})
		router.Use(auth.Middleware(apiKey, apiKeyHash, map[string]bool{
			"/jobs": true,
		}))
	}
	handler.RegisterRoutes(router, submitGate, statusGate)

	srv := &http.Server{
		Addr:        ":" + *port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		// Long write timeout: /verify_sync waits for a full build
		WriteTimeout: *syncTimeout + time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	if *tlsSelfSigned && *tlsCert == "" {
		*tlsCert = "verify-api.crt"
		*tlsKey = "verify-api.key"
		if err := tlsutil.GenerateSelfSignedCert(*tlsCert, *tlsKey, "verify-api"); err != nil {
			log.Fatal("failed to generate self-signed certificate", map[string]interface{}{"error": err.Error()})
		}
		log.Warn("serving with a self-signed certificate, for development only")
	}
	if *tlsCert != "" {
		tlsConfig, err := tlsutil.LoadServerConfig(*tlsCert, *tlsKey)
		if err != nil {
			log.Fatal("failed to load TLS configuration", map[string]interface{}{"error": err.Error()})
		}
		srv.TLSConfig = tlsConfig
	}

	mgr := shutdown.New(30 * time.Second)
	mgr.Register(shutdown.CloseResource(dataStore, "store"))
	mgr.Register(shutdown.StopHTTPServer(srv, "api"))

	if *enableMetrics {
		metricsRouter := mux.NewRouter()
		metricsRouter.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods("GET")

		metricsSrv := &http.Server{
			Addr:         ":" + *metricsPort,
			Handler:      metricsRouter,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
		mgr.Register(shutdown.StopHTTPServer(metricsSrv, "metrics"))

		go func() {
			log.Info("metrics server listening", map[string]interface{}{"port": *metricsPort})
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server error", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	go func() {
		log.Info("api server listening", map[string]interface{}{"port": *port, "tls": srv.TLSConfig != nil})
		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatal("failed to start server", map[string]interface{}{"error": err.Error()})
		}
	}()

	mgr.Wait()
	log.Info("server stopped")
}
