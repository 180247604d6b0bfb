// Package api is the HTTP boundary of the controller: read-only snapshots,
// the control inputs, a server-sent event stream and reward charts.
package api

import (
	"context"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/handlers"

	"github.com/banshee-data/junction.control/internal/agent"
	"github.com/banshee-data/junction.control/internal/control"
	"github.com/banshee-data/junction.control/internal/db"
	"github.com/banshee-data/junction.control/internal/telemetry"
	"github.com/banshee-data/junction.control/internal/timeutil"
	"github.com/banshee-data/junction.control/internal/traffic"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// DefaultStreamInterval paces /api/stream at 10 Hz.
const DefaultStreamInterval = 100 * time.Millisecond

// Simulation is the part of control.Controller the API drives.
type Simulation interface {
	Snapshot() control.Snapshot
	Metrics() control.Metrics
	LatestDecision() (telemetry.Decision, bool)
	SpawnVehicle(dir traffic.Direction) (traffic.Vehicle, error)
	TogglePause() bool
	ToggleAutoSpawn() bool
	SetWeather(mode string) error
	Reset()
}

// EpisodeStore serves persisted training history.
type EpisodeStore interface {
	Episodes(ctx context.Context, limit int) ([]db.EpisodeRow, error)
	RecentDecisions(ctx context.Context, limit int) ([]db.DecisionRow, error)
	Summary(ctx context.Context, runID string) (db.EpisodeSummary, error)
}

// Options configures a Server. Only Sim is required.
type Options struct {
	Sim   Simulation
	Store EpisodeStore
	Agent agent.Agent
	Clock timeutil.Clock
	// StreamInterval defaults to DefaultStreamInterval.
	StreamInterval time.Duration
}

type Server struct {
	sim            Simulation
	store          EpisodeStore
	agent          agent.Agent
	clock          timeutil.Clock
	streamInterval time.Duration
}

func NewServer(opts Options) *Server {
	s := &Server{
		sim:            opts.Sim,
		store:          opts.Store,
		agent:          opts.Agent,
		clock:          opts.Clock,
		streamInterval: opts.StreamInterval,
	}
	if s.clock == nil {
		s.clock = timeutil.RealClock{}
	}
	if s.streamInterval <= 0 {
		s.streamInterval = DefaultStreamInterval
	}
	return s
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/state", s.showState)
	mux.HandleFunc("/api/metrics", s.showMetrics)
	mux.HandleFunc("/api/telemetry", s.showTelemetry)
	mux.HandleFunc("/api/stream", s.streamState)
	mux.HandleFunc("/api/spawn", s.spawnVehicle)
	mux.HandleFunc("/api/pause", s.togglePause)
	mux.HandleFunc("/api/autospawn", s.toggleAutoSpawn)
	mux.HandleFunc("/api/weather", s.weather)
	mux.HandleFunc("/api/reset", s.reset)
	mux.HandleFunc("/api/episodes", s.listEpisodes)
	mux.HandleFunc("/api/decisions", s.listDecisions)
	mux.HandleFunc("/api/version", s.showVersion)
	mux.HandleFunc("/charts/rewards", s.rewardChart)
	mux.HandleFunc("/charts/rewards.png", s.rewardPNG)
	return mux
}

// Handler wraps mux with CORS, panic recovery and request logging. The
// browser renderer is served from another origin.
func Handler(mux http.Handler) http.Handler {
	cors := handlers.CORS(
		handlers.AllowedOrigins([]string{"*"}),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Content-Type"}),
	)
	recovery := handlers.RecoveryHandler(handlers.PrintRecoveryStack(true))
	return LoggingMiddleware(recovery(cors(mux)))
}
