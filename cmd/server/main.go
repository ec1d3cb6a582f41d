package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	http_api "fleetdiag/internal/api/http"
	"fleetdiag/internal/config"
	"fleetdiag/internal/domain"
	"fleetdiag/internal/driver/sim"
	sshdriver "fleetdiag/internal/driver/ssh"
	"fleetdiag/internal/infra/etcd"
	"fleetdiag/internal/runner"
	"fleetdiag/internal/scheduler"
	"fleetdiag/internal/state"
	"fleetdiag/internal/tracing"
	"fleetdiag/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS, PUT, DELETE")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	// 1. Initialize logger and tracer
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tracerShutdown, err := tracing.InitTracer("fleetdiag")
	if err != nil {
		log.Fatalf("failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			log.Printf("failed to shutdown tracer: %v", err)
		}
	}()

	log.Println("Starting fleetdiag server...")

	// 2. Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// 3. Create root context for lifecycle management
	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 4. Setup graceful shutdown
	setupGracefulShutdown(cancel)

	// 5. Init etcd client
	etcdClient, err := etcd.NewClient(cfg.EtcdEndpoints, cfg.EtcdTimeout)
	if err != nil {
		log.Fatalf("Failed to create etcd client: %v", err)
	}
	defer etcdClient.Close()
	log.Println("Connected to etcd.")

	// 6. Instantiate components
	inventory := etcd.NewEtcdInventory(etcdClient, logger)
	resultSink := etcd.NewEtcdResultSink(etcdClient, logger)
	scheduleRepo := etcd.NewEtcdScheduleRepository(etcdClient, logger)

	commandSets := make(map[string]domain.CommandSet, len(cfg.CommandSets))
	for platform, table := range cfg.CommandSets {
		commandSets[platform] = domain.CommandSet(table)
	}

	var driver domain.SessionDriver
	switch cfg.Driver {
	case "sim":
		driver = sim.NewDriver(commandSets, logger)
		log.Println("Using simulated session driver.")
	default:
		driver = sshdriver.NewDriver(sshdriver.Options{
			FallbackUsername:       cfg.FallbackUsername,
			FallbackPassword:       cfg.FallbackPassword,
			AllowSimulatedFallback: cfg.AllowSimulatedFallback,
			CommandSets:            commandSets,
			Proxy: sshdriver.ProxyOptions{
				Enabled:  cfg.Proxy.Enabled,
				Addr:     cfg.Proxy.Addr,
				Username: cfg.Proxy.Username,
				Password: cfg.Proxy.Password,
			},
		}, logger)
	}

	store := state.NewStore(logger)
	pool := runner.NewPool(driver, store, resultSink, cfg.ConnectTimeout, cfg.CommandTimeout, logger)
	controller := runner.NewController(store, pool, driver, logger)
	jobService := usecase.NewJobService(rootCtx, store, inventory, controller, resultSink, logger)

	cronScheduler := scheduler.NewCronScheduler(jobService, logger)
	scheduleService := usecase.NewScheduleService(scheduleRepo, cronScheduler, logger)
	if err := scheduleService.LoadAll(rootCtx); err != nil {
		log.Printf("Failed to restore schedules: %v", err)
	}
	go func() {
		if err := cronScheduler.Start(rootCtx); err != nil && err != context.Canceled {
			log.Printf("Cron scheduler stopped with error: %v", err)
		}
	}()

	jobHandler := http_api.NewJobHandler(jobService, scheduleService, cfg.DefaultBatchSize, logger)

	// 7. Register routes and metrics endpoint
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	jobHandler.RegisterRoutes(mux)

	// 8. Start HTTP API server with CORS middleware
	log.Printf("Starting HTTP API server on %s", cfg.HttpListenAddr)
	server := &http.Server{
		Addr:    cfg.HttpListenAddr,
		Handler: corsMiddleware(mux),
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// 9. Block until shutdown
	<-rootCtx.Done()
	log.Println("Shutting down application gracefully...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("HTTP server shutdown failed: %v", err)
	}

	log.Println("Application shut down.")
}

func setupGracefulShutdown(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v. Initiating graceful shutdown...", sig)
		cancel()
	}()
}
