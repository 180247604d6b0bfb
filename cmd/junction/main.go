package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	ossignal "os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/banshee-data/junction.control/internal/agent"
	"github.com/banshee-data/junction.control/internal/api"
	"github.com/banshee-data/junction.control/internal/config"
	"github.com/banshee-data/junction.control/internal/control"
	"github.com/banshee-data/junction.control/internal/db"
	"github.com/banshee-data/junction.control/internal/health"
	"github.com/banshee-data/junction.control/internal/monitoring"
	"github.com/banshee-data/junction.control/internal/perception"
	"github.com/banshee-data/junction.control/internal/report"
	"github.com/banshee-data/junction.control/internal/signal"
	"github.com/banshee-data/junction.control/internal/telemetry"
	"github.com/banshee-data/junction.control/internal/version"
)

var (
	listen          = flag.String("listen", ":8080", "Listen address")
	grpcListen      = flag.String("grpc-listen", ":9090", "gRPC health check listen address (empty to disable)")
	configPath      = flag.String("config", config.DefaultConfigPath, "Simulation config JSON (empty for built-in defaults)")
	dbPath          = flag.String("db", "junction.db", "SQLite episode database (empty to disable)")
	seed            = flag.Uint64("seed", 0, "Seed for spawning and exploration (0 for random)")
	checkpointPath  = flag.String("checkpoint", "", "Agent checkpoint file, loaded at start and saved on exit")
	checkpointEvery = flag.Duration("checkpoint-every", 5*time.Minute, "Interval between checkpoint saves (0 to save only on exit)")
	plotDir         = flag.String("plot-dir", "", "Directory for the reward plot written on exit (empty to disable)")
	retention       = flag.Duration("decision-retention", 7*24*time.Hour, "How long per-decision rows are kept (0 keeps everything)")
	kafkaBrokers    = flag.String("kafka-brokers", "", "Comma-separated Kafka brokers for telemetry (empty to disable)")
	kafkaTopic      = flag.String("kafka-topic", "junction.telemetry", "Kafka topic for telemetry")
	mqttBroker      = flag.String("mqtt-broker", "", "MQTT broker URL for telemetry, e.g. tcp://localhost:1883 (empty to disable)")
	mqttTopic       = flag.String("mqtt-topic", "junction", "MQTT topic prefix for telemetry")
	source          = flag.String("source", "", "Source name stamped on published telemetry (defaults to hostname)")
)

// splitList splits a comma-separated flag value, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func loadConfig(path string) (*config.SimConfig, error) {
	if path == "" {
		return config.EmptySimConfig(), nil
	}
	return config.LoadSimConfig(path)
}

func sourceName() string {
	if *source != "" {
		return *source
	}
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "junction"
}

// newAgent builds the reference agent, restoring the checkpoint if there
// is one.
func newAgent(cfg *config.SimConfig) (*agent.LinearQ, *agent.Resilient, error) {
	qcfg := agent.DefaultLinearQConfig(perception.Size, signal.NumActions)
	if *seed != 0 {
		qcfg.Seed = *seed
	}
	q, err := agent.NewLinearQ(qcfg)
	if err != nil {
		return nil, nil, err
	}
	if *checkpointPath != "" {
		loaded, err := q.LoadFile(*checkpointPath)
		if err != nil {
			return nil, nil, err
		}
		if loaded {
			st, _ := q.Stats()
			log.Printf("Loaded agent checkpoint %s (steps=%d epsilon=%.3f)", *checkpointPath, st.Steps, st.Epsilon)
		}
	}
	res := agent.NewResilient(q, agent.ResilientConfig{
		MaxFailures:   cfg.GetAgentMaxFailures(),
		RetryAfter:    cfg.GetAgentRetryAfter(),
		DefaultAction: cfg.GetDefaultAction(),
	})
	return q, res, nil
}

func saveCheckpoint(q *agent.LinearQ) {
	if *checkpointPath == "" {
		return
	}
	if err := q.SaveFile(*checkpointPath); err != nil {
		log.Printf("failed to save checkpoint: %v", err)
		return
	}
	log.Printf("Saved agent checkpoint to %s", *checkpointPath)
}

func writePlot(m control.Metrics) {
	if *plotDir == "" {
		return
	}
	first := max(1, m.Episodes-len(m.RewardHistory)+1)
	path, err := report.SavePNG(*plotDir, m.RewardHistory, first, time.Now())
	switch {
	case errors.Is(err, report.ErrNoData):
		log.Printf("No finished episodes, skipping reward plot")
	case err != nil:
		log.Printf("failed to write reward plot: %v", err)
	default:
		log.Printf("Wrote reward plot %s", path)
	}
}

// runEvery calls fn every interval until ctx is done.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func main() {
	flag.Parse()
	monitoring.SetLogger(log.Printf)
	log.Print(version.String())

	if *listen == "" {
		log.Fatal("Listen address is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	q, ag, err := newAgent(cfg)
	if err != nil {
		log.Fatalf("Failed to create agent: %v", err)
	}

	events := telemetry.NewDispatcher(1024, 2*time.Second)

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer store.Close()
		events.Add(store)
		log.Printf("Recording episodes to %s (run %s)", *dbPath, store.RunID)
	}

	if brokers := splitList(*kafkaBrokers); len(brokers) > 0 {
		sink := telemetry.NewKafkaSink(brokers, *kafkaTopic, sourceName())
		defer sink.Close()
		events.Add(sink)
		log.Printf("Publishing telemetry to kafka %v topic %s", brokers, *kafkaTopic)
	}

	if *mqttBroker != "" {
		sink, client, err := telemetry.DialMQTT(*mqttBroker, fmt.Sprintf("junction-%d", os.Getpid()), *mqttTopic, sourceName())
		if err != nil {
			log.Fatalf("Failed to connect to MQTT: %v", err)
		}
		defer client.Disconnect(250)
		events.Add(sink)
		log.Printf("Publishing telemetry to mqtt %s under %s/", *mqttBroker, *mqttTopic)
	}

	ctl, err := control.New(control.Options{
		Config: cfg,
		Agent:  ag,
		Seed:   *seed,
		Events: events,
	})
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}

	ctx, stop := ossignal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	// Simulation loops and telemetry dispatch
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := ctl.Run(ctx); err != nil {
			log.Printf("controller error: %v", err)
		}
		log.Print("controller routine terminated")
	}()

	// Periodic checkpoints
	if *checkpointPath != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runEvery(ctx, *checkpointEvery, func(context.Context) { saveCheckpoint(q) })
		}()
	}

	// Decision log retention
	if store != nil && *retention > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			runEvery(ctx, time.Hour, func(ctx context.Context) {
				n, err := store.PruneDecisions(ctx, time.Now().Add(-*retention))
				if err != nil {
					log.Printf("failed to prune decisions: %v", err)
				} else if n > 0 {
					log.Printf("Pruned %d decisions older than %s", n, *retention)
				}
			})
		}()
	}

	// gRPC health service following the agent breaker
	if *grpcListen != "" {
		reporter := health.NewReporter(ag, nil, health.DefaultInterval)
		lis, err := net.Listen("tcp", *grpcListen)
		if err != nil {
			log.Fatalf("failed to listen for gRPC: %v", err)
		}
		wg.Add(2)
		go func() {
			defer wg.Done()
			reporter.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			if err := health.Serve(ctx, lis, reporter); err != nil {
				log.Printf("gRPC health server error: %v", err)
			}
		}()
	}

	// HTTP server goroutine
	wg.Add(1)
	go func() {
		defer wg.Done()

		mux := http.NewServeMux()

		opts := api.Options{Sim: ctl, Agent: ag}
		if store != nil {
			// mount the admin debugging routes (accessible only locally or over Tailscale)
			if err := store.AttachAdminRoutes(mux); err != nil {
				log.Printf("admin routes disabled: %v", err)
			}
			opts.Store = store
		}
		mux.Handle("/", api.NewServer(opts).ServeMux())

		server := &http.Server{
			Addr:    *listen,
			Handler: api.Handler(mux),
		}

		go func() {
			log.Printf("Listening on %s", *listen)
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Fatalf("failed to start server: %v", err)
			}
		}()

		<-ctx.Done()
		log.Println("shutting down HTTP server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("HTTP server shutdown error: %v", err)
		}
		log.Printf("HTTP server routine stopped")
	}()

	wg.Wait()

	saveCheckpoint(q)
	writePlot(ctl.Metrics())
	if err := ag.Shutdown(); err != nil {
		log.Printf("agent shutdown: %v", err)
	}
	if n := events.Dropped(); n > 0 {
		log.Printf("Dropped %d telemetry events", n)
	}
	log.Printf("Graceful shutdown complete")
}
