package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/facilityops/opscore/internal/analytics"
	"github.com/facilityops/opscore/internal/api"
	"github.com/facilityops/opscore/internal/config"
	"github.com/facilityops/opscore/internal/domain"
	"github.com/facilityops/opscore/internal/eventbus"
	"github.com/facilityops/opscore/internal/metrics"
	"github.com/facilityops/opscore/internal/offer"
	"github.com/facilityops/opscore/internal/sla"
	"github.com/facilityops/opscore/internal/store/postgres"
	"github.com/facilityops/opscore/internal/workflow"

	_ "github.com/lib/pq"
)

// Build-time variables set via -ldflags
var (
	version = "dev"
	commit  = "unknown"
)

const (
	exitSuccess       = 0
	exitRuntimeError  = 1
	exitInvalidConfig = 2
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(exitRuntimeError)
	}

	cmd := os.Args[1]

	switch cmd {
	case "serve":
		os.Exit(runServe())
	case "validate":
		os.Exit(runValidate())
	case "config":
		os.Exit(runConfig())
	case "version":
		os.Exit(runVersion())
	case "--help", "-h", "help":
		printUsage()
		os.Exit(exitSuccess)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(exitRuntimeError)
	}
}

func printUsage() {
	fmt.Println(`opscore - event-driven core for facility operations

Usage:
  opscore <command>

Commands:
  serve      Start the HTTP API, offer sweeper, SLA monitor, and workflow executor
  validate   Validate configuration (no connections made)
  config     Print effective configuration as JSON (secrets masked)
  version    Print version information

Environment Variables:
  DATABASE_URL              PostgreSQL connection string (required)
  REDIS_ADDR                Redis address for event analytics (optional)
  HTTP_ADDR                 HTTP server address (default: ":8080")

  DB_OP_TIMEOUT             Database operation timeout (default: "5s")
  DB_MAX_OPEN_CONNS         Max open database connections (default: "25")
  DB_MAX_IDLE_CONNS         Max idle database connections (default: "5")
  DB_CONN_MAX_LIFETIME      Max connection lifetime (default: "30m")
  DB_CONN_MAX_IDLE_TIME     Max connection idle time (default: "5m")

  HTTP_SHUTDOWN_TIMEOUT     Graceful HTTP shutdown timeout (default: "10s")

  METRICS_ENABLED           Enable Prometheus metrics (default: "false")
  METRICS_PATH              Metrics endpoint path (default: "/metrics")

  SUBSCRIBER_QUEUE_SIZE     Per-subscriber event queue capacity (default: "64")
  SWEEP_INTERVAL            How often stale offers are expired (default: "1m")
  SWEEP_BATCH_SIZE          Max offers expired per cycle (default: "100")
  SLA_CHECK_SCHEDULE        Cron schedule for SLA checks (default: "*/5 * * * *")
  SLA_BATCH_SIZE            Max breaches escalated per check (default: "500")

  CIRCUIT_BREAKER_THRESHOLD Webhook failures before an endpoint opens (default: "5", 0 disables)
  CIRCUIT_BREAKER_COOLDOWN  Open endpoint cooldown (default: "2m")
  WEBHOOK_SECRET            Default HMAC secret for webhook actions (optional)

  ANALYTICS_WINDOW          Event counter bucket size (default: "1m")
  ANALYTICS_RETENTION       Event counter retention (default: "24h")`)
}

func runServe() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return exitInvalidConfig
	}

	logConfigWarnings(&cfg)

	// Connect to PostgreSQL
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open database: %v\n", err)
		return exitRuntimeError
	}
	defer db.Close()

	// Configure connection pool
	db.SetMaxOpenConns(cfg.DBMaxOpenConns)
	db.SetMaxIdleConns(cfg.DBMaxIdleConns)
	db.SetConnMaxLifetime(cfg.DBConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.DBConnMaxIdleTime)

	log.Printf("opscore: db pool configured (max_open=%d, max_idle=%d, max_lifetime=%s, max_idle_time=%s)",
		cfg.DBMaxOpenConns, cfg.DBMaxIdleConns, cfg.DBConnMaxLifetime, cfg.DBConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to database: %v\n", err)
		return exitRuntimeError
	}

	store := postgres.New(db, cfg.DBOpTimeout)

	// Initialize metrics sink (optional)
	var metricsSink *metrics.PrometheusSink
	if cfg.MetricsEnabled {
		metricsSink = metrics.NewPrometheusSink(prometheus.DefaultRegisterer)
		log.Printf("opscore: metrics enabled (path=%s)", cfg.MetricsPath)
	} else {
		log.Println("opscore: METRICS_ENABLED not set; metrics disabled")
	}

	// Event bus: durable publish plus in-process fan-out
	busOpts := []eventbus.Option{eventbus.WithQueueSize(cfg.SubscriberQueueSize)}
	if metricsSink != nil {
		busOpts = append(busOpts, eventbus.WithMetrics(metricsSink))
	}
	bus := eventbus.New(store, busOpts...)

	// Offer broadcast and claim
	offerService := offer.NewService(store, bus)
	coordinator := offer.NewCoordinator(store, bus)
	sweeper := offer.NewSweeper(offer.SweeperConfig{
		Interval:  cfg.SweepInterval,
		BatchSize: cfg.SweepBatchSize,
	}, store, bus)
	if metricsSink != nil {
		offerService = offerService.WithMetrics(metricsSink)
		coordinator = coordinator.WithMetrics(metricsSink)
		sweeper = sweeper.WithMetrics(metricsSink)
	}

	// SLA monitor
	checker := sla.NewChecker(store, bus).WithBatchSize(cfg.SLABatchSize)
	if metricsSink != nil {
		checker = checker.WithMetrics(metricsSink)
	}
	slaRunner, err := sla.NewRunner(checker, cfg.SLACheckSchedule)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid sla check schedule: %v\n", err)
		return exitInvalidConfig
	}

	// Workflow executor, subscribed to every published event
	executor := workflow.NewExecutor(store, workflow.NewHTTPNotificationSender(), bus).
		WithDefaultSecret(cfg.WebhookSecret)
	if cfg.CircuitBreakerThreshold > 0 {
		executor = executor.WithCircuitBreaker(
			workflow.NewCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown))
		log.Printf("opscore: webhook circuit breaker enabled (threshold=%d, cooldown=%s)",
			cfg.CircuitBreakerThreshold, cfg.CircuitBreakerCooldown)
	}
	if metricsSink != nil {
		executor = executor.WithMetrics(metricsSink)
	}
	workflowSub := bus.Subscribe(eventbus.Filter{}, func(event domain.DomainEvent) {
		executor.OnEvent(context.Background(), event)
	})

	// Wire analytics if Redis is configured
	var analyticsSub *eventbus.Subscription
	if cfg.RedisAddr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})
		sink := analytics.NewRedisSink(redisClient, cfg.AnalyticsWindow, cfg.AnalyticsRetention)
		analyticsSub = bus.Subscribe(eventbus.Filter{}, func(event domain.DomainEvent) {
			if err := sink.Record(context.Background(), event); err != nil {
				log.Printf("opscore: analytics record failed: %v", err)
			}
		})
		log.Printf("opscore: analytics enabled (redis=%s)", cfg.RedisAddr)
	} else {
		log.Println("opscore: REDIS_ADDR not set; analytics disabled")
	}

	apiHandler := api.NewHandler(store, offerService, coordinator, bus, checker).
		WithHealthChecker(db)

	mux := http.NewServeMux()
	if metricsSink != nil {
		mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	mux.Handle("/", apiHandler)

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("opscore: http server listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("opscore: http server error: %v", err)
		}
	}()

	// Separate contexts for the background loops so shutdown is ordered.
	sweeperCtx, cancelSweeper := context.WithCancel(context.Background())
	slaCtx, cancelSLA := context.WithCancel(context.Background())

	var sweeperWg sync.WaitGroup
	var slaWg sync.WaitGroup

	sweeperWg.Add(1)
	go func() {
		defer sweeperWg.Done()
		sweeper.Run(sweeperCtx)
	}()

	slaWg.Add(1)
	go func() {
		defer slaWg.Done()
		slaRunner.Run(slaCtx)
	}()

	log.Printf("opscore: started (http=%s, sweep=%s, sla=%q)", cfg.HTTPAddr, cfg.SweepInterval, cfg.SLACheckSchedule)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig

	log.Printf("opscore: received signal %v, shutting down", received)

	// Phase 1: Stop HTTP intake so no new offers or events arrive
	log.Println("opscore: stopping http server...")
	httpShutdownCtx, httpShutdownCancel := context.WithTimeout(context.Background(), cfg.HTTPShutdownTimeout)
	defer httpShutdownCancel()
	if err := httpServer.Shutdown(httpShutdownCtx); err != nil {
		log.Printf("opscore: http server shutdown error: %v", err)
	}
	log.Println("opscore: http server stopped")

	// Phase 2: Stop the background producers
	log.Println("opscore: stopping sweeper...")
	cancelSweeper()
	sweeperWg.Wait()
	log.Println("opscore: sweeper stopped")

	log.Println("opscore: stopping sla runner...")
	cancelSLA()
	slaWg.Wait()
	log.Println("opscore: sla runner stopped")

	// Phase 3: Detach subscribers and close the bus
	workflowSub.Unsubscribe()
	if analyticsSub != nil {
		analyticsSub.Unsubscribe()
	}
	bus.Close()
	log.Println("opscore: event bus closed")

	log.Println("opscore: stopped")
	return exitSuccess
}

// logConfigWarnings flags configurations that run but degrade operability.
func logConfigWarnings(cfg *config.Config) {
	if !cfg.MetricsEnabled {
		log.Println("opscore: WARNING [P1]: METRICS_ENABLED=false; claim outcomes and SLA breaches will not be observable")
	}
	if cfg.CircuitBreakerThreshold == 0 {
		log.Println("opscore: INFO: CIRCUIT_BREAKER_THRESHOLD=0; webhook actions retry against dead endpoints without backoff protection")
	}
	if cfg.SweepInterval > 5*time.Minute {
		log.Printf("opscore: WARNING [P1]: SWEEP_INTERVAL=%s; expired offers stay listed as open for up to this long", cfg.SweepInterval)
	}
}

func runValidate() int {
	cfg := config.Load()

	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return exitInvalidConfig
	}

	fmt.Println("configuration valid")
	return exitSuccess
}

func runConfig() int {
	cfg := config.Load()

	data, err := cfg.MaskedJSON()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal config: %v\n", err)
		return exitRuntimeError
	}

	fmt.Println(string(data))
	return exitSuccess
}

func runVersion() int {
	fmt.Printf("opscore version %s (commit: %s)\n", version, commit)
	return exitSuccess
}
