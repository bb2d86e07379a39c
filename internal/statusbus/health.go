package statusbus

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/banshee-data/explorer/internal/mission"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reporting mission liveness. The
// empty name reports overall server health.
const ServiceName = "explorer.Mission"

// HealthServer serves the standard gRPC health protocol. The mission service
// is SERVING until the "end" status is observed.
type HealthServer struct {
	addr   string
	health *health.Server

	server   *grpc.Server
	listener net.Listener
	running  atomic.Bool
	wg       sync.WaitGroup
}

func NewHealthServer(addr string) *HealthServer {
	h := health.NewServer()
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &HealthServer{addr: addr, health: h}
}

// Start listens and serves in the background.
func (h *HealthServer) Start() error {
	if h.running.Load() {
		return fmt.Errorf("health server already running")
	}
	lis, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	h.listener = lis
	h.server = grpc.NewServer()
	healthpb.RegisterHealthServer(h.server, h.health)
	h.running.Store(true)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		logf("gRPC health listening on %s", lis.Addr())
		if err := h.server.Serve(lis); err != nil && h.running.Load() {
			logf("gRPC server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address once started.
func (h *HealthServer) Addr() string {
	if h.listener == nil {
		return h.addr
	}
	return h.listener.Addr().String()
}

// Observe is registered with Bus.Observe.
func (h *HealthServer) Observe(ev Event) {
	if ev.Status == mission.StatusEnd {
		h.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	}
}

// Stop marks everything NOT_SERVING and stops the server.
func (h *HealthServer) Stop() {
	if !h.running.Load() {
		return
	}
	h.running.Store(false)
	h.health.Shutdown()
	if h.server != nil {
		h.server.GracefulStop()
	}
	h.wg.Wait()
	logf("gRPC health stopped")
}
