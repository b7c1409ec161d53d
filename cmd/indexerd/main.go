package main

import (
	"context"
	"fmt"
	stlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	consulapi "github.com/hashicorp/consul/api"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lumina-media/indexer-backend/internal/api"
	"github.com/lumina-media/indexer-backend/internal/concurrency"
	"github.com/lumina-media/indexer-backend/internal/config"
	consul_client "github.com/lumina-media/indexer-backend/internal/consul"
	"github.com/lumina-media/indexer-backend/internal/filegroup"
	"github.com/lumina-media/indexer-backend/internal/handlers"
	nats_client "github.com/lumina-media/indexer-backend/internal/nats"
	"github.com/lumina-media/indexer-backend/internal/orchestrator"
	"github.com/lumina-media/indexer-backend/internal/resource"
	"github.com/lumina-media/indexer-backend/internal/runner"
	"github.com/lumina-media/indexer-backend/internal/scheduler"
	"github.com/lumina-media/indexer-backend/internal/server"
	"github.com/lumina-media/indexer-backend/internal/store"
)

func main() {
	// --- Configuration ---
	cfg, err := config.LoadConfig("configs/config.yaml")
	if err != nil {
		stlog.Fatalf("Failed to load configuration: %v", err) // Standard log before Zap is up
	}

	// --- Logger ---
	logger, err := setupLogger(cfg.LogLevel)
	if err != nil {
		stlog.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	logger.Info("Indexer Orchestrator Service starting up...")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	// --- Task Store ---
	taskStore, err := openStore(rootCtx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to open task store", zap.Error(err))
	}
	defer func() {
		if err := taskStore.Close(); err != nil {
			logger.Error("Error closing task store", zap.Error(err))
		}
	}()

	// --- Resource Monitor & Concurrency Controller ---
	sampler := resource.NewSystemSampler(nil)
	monitor := resource.NewMonitor(sampler, cfg.Resource, logger)
	controller := concurrency.NewController(cfg.Resource, monitor, logger)

	// --- Scheduling Core ---
	coordinator := filegroup.NewCoordinator(taskStore, filegroup.LockScope(cfg.Scheduler.LockScope), logger)
	sched := scheduler.New(taskStore, coordinator, cfg.Scheduler.ShedPriorityFloor, logger)
	registry := runner.NewRegistry()

	// --- NATS (optional) ---
	var nc *nats.Conn
	var statusPublisher *nats_client.StatusPublisher
	if cfg.Nats.Enabled {
		nc, err = nats_client.Connect(cfg.Nats.Address, logger)
		if err != nil {
			logger.Error("Failed to establish initial NATS connection. Service runs HTTP-only.", zap.Error(err))
		}
	}
	if nc != nil {
		defer nc.Close()
		statusPublisher = nats_client.NewStatusPublisher(nc, cfg.Nats.StatusSubjectPrefix, logger)
	} else if cfg.Nats.Enabled {
		logger.Warn("Running without NATS connection. Event publishing and NATS submissions unavailable.")
	}

	// statusPublisher may be a typed-nil wrapper; pass a clean nil so the
	// runner's nil checks hold.
	var events runner.EventPublisher
	if statusPublisher != nil {
		events = statusPublisher
	}

	taskRunner := runner.New(registry, taskStore, coordinator, sched, events, cfg.Runner, logger)
	orch := orchestrator.New(cfg, taskStore, sched, coordinator, taskRunner, controller, monitor, events, logger)

	// The built-in pipeline composes the per-file stage graph. Deployments
	// bind their media processors onto it before registration.
	pipeline := handlers.NewPipeline(orch, logger)
	if err := pipeline.RegisterAll(registry); err != nil {
		logger.Fatal("Failed to register task handlers", zap.Error(err))
	}

	if err := orch.Start(rootCtx); err != nil {
		logger.Fatal("Failed to start orchestrator", zap.Error(err))
	}

	// --- NATS submission consumer ---
	var submitConsumer *nats_client.SubmitConsumer
	if nc != nil {
		js, jsErr := nats_client.ConnectJetStream(nc, logger)
		if jsErr != nil {
			logger.Error("JetStream unavailable, NATS submissions disabled", zap.Error(jsErr))
		} else {
			if err := nats_client.EnsureStream(js, "INDEXER_TASKS", []string{cfg.Nats.SubmitSubject}, logger); err != nil {
				logger.Error("Failed to ensure submission stream, NATS submissions disabled", zap.Error(err))
			} else {
				submitConsumer, err = nats_client.NewSubmitConsumer(nc, js, &cfg.Nats, orch, logger)
				if err != nil {
					logger.Error("Failed to create submission consumer", zap.Error(err))
				} else if err := submitConsumer.StartConsuming(); err != nil {
					logger.Error("Failed to start submission consumer", zap.Error(err))
					submitConsumer = nil
				}
			}
		}
	}

	// --- Consul Registration (optional) ---
	var consulClient *consulapi.Client
	var consulServiceID string
	if cfg.Consul.Enabled {
		client, err := consul_client.Connect(cfg.Consul.Address, logger)
		if err != nil {
			logger.Error("Failed to connect to Consul agent, continuing without registration", zap.Error(err))
		} else {
			serviceID := config.GenerateServiceID(cfg.Consul.ServiceIDPrefix)
			if err := consul_client.RegisterService(client, cfg, serviceID, logger); err != nil {
				logger.Error("Failed to register service with Consul", zap.Error(err))
			} else {
				consulClient = client
				consulServiceID = serviceID
				logger.Info("Registered service with Consul",
					zap.String("service_name", cfg.Consul.ServiceName),
					zap.String("service_id", serviceID),
				)
			}
		}
	}

	// --- Router & HTTP Server ---
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(newStructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	r.Get(cfg.Consul.HealthCheckPath, func(w http.ResponseWriter, req *http.Request) {
		healthStatus := http.StatusOK
		healthMsg := "Indexer Orchestrator Service is healthy."

		if cfg.Nats.Enabled {
			if nc == nil || nc.Status() != nats.CONNECTED {
				healthStatus = http.StatusServiceUnavailable
				healthMsg = "NATS connection is down."
			} else {
				healthMsg += " NATS: OK."
			}
		}

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(healthStatus)
		fmt.Fprintln(w, healthMsg)
	})

	taskHandler := api.NewTaskHandler(orch, logger)
	r.Route("/api/v1", func(r chi.Router) {
		taskHandler.RegisterRoutes(r)
	})

	srv := server.NewServer(cfg, r, logger)
	go srv.Start()

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutdown signal received, starting graceful shutdown...")

	if consulClient != nil {
		if err := consul_client.DeregisterService(consulClient, consulServiceID, logger); err != nil {
			logger.Error("Error deregistering service from Consul", zap.Error(err))
		}
	}

	if submitConsumer != nil {
		submitConsumer.Stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Stop(shutdownCtx)

	// Stop the dispatch loop and wait for in-flight tasks.
	rootCancel()
	orch.Wait()

	if nc != nil {
		logger.Info("Draining NATS connection...")
		if err := nc.Drain(); err != nil {
			logger.Error("Error draining NATS connection", zap.Error(err))
		}
	}

	logger.Info("Indexer Orchestrator Service gracefully stopped")
}

// openStore constructs the task store selected by the database driver and
// runs its schema initialization.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.TaskStore, error) {
	var ts store.TaskStore
	switch cfg.Database.Driver {
	case "memory":
		ts = store.NewMemoryTaskStore()
	case "sqlite":
		s, err := store.NewSQLiteTaskStore(cfg.Database.SQLitePath, logger)
		if err != nil {
			return nil, err
		}
		ts = s
	case "postgres":
		pool, err := store.ConnectPostgres(ctx, cfg.Database.PostgresURL)
		if err != nil {
			return nil, err
		}
		ts = store.NewPostgresTaskStore(pool, logger)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	if err := ts.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize task store: %w", err)
	}
	logger.Info("Task store ready", zap.String("driver", cfg.Database.Driver))
	return ts, nil
}

// setupLogger configures Zap based on the log level string.
func setupLogger(levelString string) (*zap.Logger, error) {
	var logLevel zapcore.Level
	if err := logLevel.Set(levelString); err != nil {
		logLevel = zapcore.InfoLevel
	}

	zapCfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(logLevel),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger, nil
}

// newStructuredLogger returns a middleware that logs request details using Zap.
func newStructuredLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info("Request completed",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.String("remote_ip", r.RemoteAddr),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
				)
			}()

			next.ServeHTTP(ww, r)
		}
		return http.HandlerFunc(fn)
	}
}
