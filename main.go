package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pivot-monitor/internal/audit"
	"pivot-monitor/internal/auth"
	"pivot-monitor/internal/config"
	"pivot-monitor/internal/eventing"
	"pivot-monitor/internal/monitoring/application"
	"pivot-monitor/internal/monitoring/infrastructure/filestore"
	"pivot-monitor/internal/monitoring/infrastructure/memory"
	monitoringpg "pivot-monitor/internal/monitoring/infrastructure/postgres"
	monitoringhttp "pivot-monitor/internal/monitoring/interfaces/http"
	"pivot-monitor/internal/monitoring/interfaces/mqtt"
	"pivot-monitor/internal/monitoring/notify"
	"pivot-monitor/internal/observability/metrics"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	issueRole := flag.String("issue-token", "", "print a bearer token for the given role (viewer, operator, admin) and exit")
	issueSubject := flag.String("subject", "operator", "subject for -issue-token")
	issueTTL := flag.Duration("ttl", 24*time.Hour, "lifetime for -issue-token")
	flag.Parse()

	logger := log.New(os.Stdout, "", log.LstdFlags)
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}

	if *issueRole != "" {
		if err := printToken(cfg.JWTSecret, *issueSubject, *issueRole, *issueTTL); err != nil {
			logger.Fatalf("issue token error: %v", err)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		db          *sql.DB
		store       application.Store
		auditLogger audit.Logger
	)
	if cfg.DatabaseURL != "" {
		db, err = sql.Open("pgx", cfg.DatabaseURL)
		if err != nil {
			logger.Fatalf("db open error: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			logger.Fatalf("db ping error: %v", err)
		}
		if err := monitoringpg.Migrate(ctx, db, logger); err != nil {
			logger.Fatalf("db migrate error: %v", err)
		}
		pgStore, err := monitoringpg.NewStore(db, logger)
		if err != nil {
			logger.Fatalf("store error: %v", err)
		}
		store = pgStore
		auditLogger = audit.NewRepository(db)
	} else {
		logger.Printf("database_url not set, using in-memory store")
		store = memory.NewStore()
		auditLogger = audit.NewLogLogger(logger)
	}

	metrics.Init(db, logger)

	bus := eventing.NewInMemoryBus()
	var webhook notify.Notifier
	if cfg.AlertWebhookURL != "" {
		webhook = notify.NewWebhookNotifier(cfg.AlertWebhookURL)
	}
	alerts, err := notify.NewAlerts(notify.NewMultiNotifier(notify.NewLogNotifier(logger), webhook), logger)
	if err != nil {
		logger.Fatalf("alert notifier error: %v", err)
	}
	alerts.Register(bus)
	go alerts.Run(ctx)

	opts := []application.Option{
		application.WithLogger(logger),
		application.WithPublisher(eventing.NewPublisher(bus)),
		application.WithPurgePassword(cfg.PurgePassword),
	}
	if cfg.DashboardDir != "" {
		writer, err := filestore.NewDashboardWriter(cfg.DashboardDir)
		if err != nil {
			logger.Fatalf("dashboard writer error: %v", err)
		}
		opts = append(opts, application.WithDashboardWriter(writer))
	}
	if cfg.RuntimeStorePath != "" {
		runtimeFile, err := filestore.NewRuntimeFile(cfg.RuntimeStorePath)
		if err != nil {
			logger.Fatalf("runtime store error: %v", err)
		}
		opts = append(opts, application.WithRuntimeStore(runtimeFile))
	}

	engine, err := application.NewEngine(store, cfg.Monitor, opts...)
	if err != nil {
		logger.Fatalf("engine error: %v", err)
	}
	if err := engine.Start(ctx); err != nil {
		logger.Fatalf("engine start error: %v", err)
	}
	go engine.Run(ctx)

	if cfg.MQTT.BrokerURL != "" {
		client, err := mqtt.NewClient(mqtt.Config{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			KeepAlive: time.Duration(cfg.MQTT.KeepAliveSec) * time.Second,
			QoS:       byte(cfg.MQTT.QoS),
		}, engine, mqtt.WithLogger(logger))
		if err != nil {
			logger.Fatalf("mqtt client error: %v", err)
		}
		engine.SetSink(client)
		go func() {
			if err := client.Run(ctx); err != nil {
				logger.Printf("mqtt client stopped: %v", err)
			}
		}()
	} else {
		logger.Printf("mqtt broker_url not set, bus client disabled")
	}

	handler, err := monitoringhttp.NewHandler(engine, auditLogger, logger)
	if err != nil {
		logger.Fatalf("monitoring handler error: %v", err)
	}
	ingestAuth := auth.NewIngestAuthMiddleware([]byte(cfg.IngestSecret), time.Duration(cfg.IngestMaxSkewSec)*time.Second)

	mux := http.NewServeMux()
	handler.Register(mux, ingestAuth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	policy := auth.NewDefaultPolicy([]string{"/healthz", "/metrics", "/api/v1/ingest"}, nil)
	authMiddleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy, logger)
	if cfg.JWTSecret == "" {
		logger.Printf("jwt_secret not set, API runs without authentication")
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           loggingMiddleware(authMiddleware.Wrap(mux), logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Printf("http shutdown error: %v", err)
		}
	}()

	logger.Printf("http listening on %s", cfg.HTTPAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("http server error: %v", err)
	}
	logger.Printf("shutdown complete")
}

func printToken(secret, subject, roleName string, ttl time.Duration) error {
	if secret == "" {
		return errors.New("jwt_secret not set")
	}
	role, ok := auth.NormalizeRole(roleName)
	if !ok {
		return fmt.Errorf("unknown role %q, want one of %v", roleName, auth.Roles())
	}
	token, err := auth.IssueToken([]byte(secret), subject, role, ttl)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

func loggingMiddleware(next http.Handler, logger *log.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		resp := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(resp, r)
		logger.Printf("http %s %s %d %s", r.Method, r.URL.Path, resp.status, time.Since(start))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
