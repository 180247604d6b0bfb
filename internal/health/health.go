// Package health publishes the controller's degraded-mode indicator over
// the standard gRPC health checking protocol (grpc.health.v1), so load
// balancers and health checkers can watch it without speaking the HTTP API.
package health

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/banshee-data/junction.control/internal/monitoring"
	"github.com/banshee-data/junction.control/internal/timeutil"
)

// AgentService is the health service name that follows the agent breaker.
// The empty service name reports the process itself.
const AgentService = "junction.agent"

// DefaultInterval is how often the agent status is re-read.
const DefaultInterval = time.Second

// Source reports whether decisions currently come from the fallback
// policy. agent.Resilient implements it.
type Source interface {
	Degraded() bool
}

// Reporter mirrors a Source into a grpc health server.
type Reporter struct {
	src      Source
	clock    timeutil.Clock
	interval time.Duration
	hs       *grpchealth.Server

	mu   sync.Mutex
	last healthpb.HealthCheckResponse_ServingStatus
}

// NewReporter returns a reporter polling src every interval. A nil clock
// uses the wall clock; a non-positive interval uses DefaultInterval.
func NewReporter(src Source, clock timeutil.Clock, interval time.Duration) *Reporter {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	r := &Reporter{src: src, clock: clock, interval: interval, hs: grpchealth.NewServer()}
	r.Sync()
	return r
}

// Register adds the health service to s.
func (r *Reporter) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, r.hs)
}

// Sync publishes the current agent status and returns it.
func (r *Reporter) Sync() healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if r.src != nil && r.src.Degraded() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	r.mu.Lock()
	changed := status != r.last
	r.last = status
	r.mu.Unlock()
	if changed {
		monitoring.Logf("health: %s is %s", AgentService, status)
	}
	r.hs.SetServingStatus(AgentService, status)
	return status
}

// Run re-syncs every interval until ctx is done, then marks every service
// NOT_SERVING so watchers see the shutdown.
func (r *Reporter) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.hs.Shutdown()
			return
		case <-ticker.C():
			r.Sync()
		}
	}
}

// Serve runs a grpc server exposing the health service on lis until ctx is
// done, then stops it gracefully.
func Serve(ctx context.Context, lis net.Listener, r *Reporter) error {
	server := grpc.NewServer()
	r.Register(server)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("gRPC health server listening on %s", lis.Addr())
		errCh <- server.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		server.GracefulStop()
		log.Printf("gRPC health server stopped")
		return nil
	case err := <-errCh:
		return fmt.Errorf("grpc serve: %w", err)
	}
}

// Check asks the health service at addr for the status of service.
func Check(ctx context.Context, addr, service string) (*healthpb.HealthCheckResponse, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return nil, fmt.Errorf("health check %q: %w", service, err)
	}
	return resp, nil
}

// Format renders a health response as indented JSON.
func Format(resp *healthpb.HealthCheckResponse) ([]byte, error) {
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(resp)
}
