// Package api exposes the desk over HTTP (JSON, server-sent events and a
// websocket feed) and gRPC.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"gttdesk/internal/config"
	"gttdesk/internal/desk"
	"gttdesk/internal/domain"
)

// Desk is the part of *desk.Desk the server drives.
type Desk interface {
	Broker() string
	CreatePlan(ctx context.Context, req desk.CreateRequest) (*desk.Result, error)
	Get(ctx context.Context, id string) (*domain.Plan, error)
	List(ctx context.Context) ([]*domain.Plan, error)
	Delete(ctx context.Context, id string) (string, error)
	Place(ctx context.Context, id string) (*desk.Result, error)
	Scan(ctx context.Context, id string) (*desk.Result, error)
	CancelAll(ctx context.Context, id string) (*desk.Result, error)
	MarkTriggered(ctx context.Context, id, label string) (*desk.Result, error)
	CancelLayer(ctx context.Context, id, label string) (*desk.Result, error)
	ScanAll(ctx context.Context) (*desk.ScanSummary, error)
	Journal(ctx context.Context, id string) ([]domain.Event, error)
	Archive(ctx context.Context, id string) (string, error)
	Subscribe(bufSize int) (<-chan domain.Event, func())
}

const shutdownTimeout = 10 * time.Second

// Server is the main API server that hosts HTTP and gRPC endpoints.
type Server struct {
	desk     Desk
	cfg      config.Server
	log      *slog.Logger
	hub      *Hub
	started  time.Time
	httpSrv  *http.Server
	grpcSrv  *grpc.Server
	health   *health.Server
	httpAddr string
	grpcAddr string

	closing   chan struct{} // closed on shutdown to end event streams
	closeOnce sync.Once
}

// NewServer creates a Server for d configured from cfg.
func NewServer(d Desk, cfg config.Server, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		desk:     d,
		cfg:      cfg,
		log:      log,
		hub:      NewHub(log),
		started:  time.Now(),
		health:   health.NewServer(),
		httpAddr: cfg.Addr(),
		grpcAddr: cfg.GRPCAddr(),
		closing:  make(chan struct{}),
	}
	s.httpSrv = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.grpcSrv = grpc.NewServer()
	RegisterPlanService(s.grpcSrv, NewPlanService(d, log))
	healthpb.RegisterHealthServer(s.grpcSrv, s.health)
	s.health.SetServingStatus(planServiceName, healthpb.HealthCheckResponse_SERVING)
	return s
}

// GRPC returns the gRPC server with the plan and health services registered.
func (s *Server) GRPC() *grpc.Server { return s.grpcSrv }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// ListenAndServe starts the HTTP and gRPC listeners and blocks until the
// context is cancelled or a fatal error occurs. A zero gRPC port disables
// the gRPC listener.
func (s *Server) ListenAndServe(ctx context.Context) error {
	httpLn, err := net.Listen("tcp", s.httpAddr)
	if err != nil {
		return err
	}
	var grpcLn net.Listener
	if s.cfg.GRPCPort > 0 {
		if grpcLn, err = net.Listen("tcp", s.grpcAddr); err != nil {
			httpLn.Close()
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(gctx, s.desk)
		return nil
	})
	g.Go(func() error {
		s.log.Info("http listening", "addr", httpLn.Addr().String())
		if err := s.httpSrv.Serve(httpLn); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcLn != nil {
		g.Go(func() error {
			s.log.Info("grpc listening", "addr", grpcLn.Addr().String())
			return s.grpcSrv.Serve(grpcLn)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown performs a graceful shutdown of the HTTP and gRPC servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()
	s.closeOnce.Do(func() { close(s.closing) })
	done := make(chan struct{})
	go func() {
		s.grpcSrv.GracefulStop()
		close(done)
	}()
	err := s.httpSrv.Shutdown(ctx)
	select {
	case <-done:
	case <-ctx.Done():
		s.grpcSrv.Stop()
	}
	s.hub.CloseAll()
	s.log.Info("server stopped")
	return err
}
