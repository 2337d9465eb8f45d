// Package api provides the bridge's local HTTP API and WebSocket feed.
//
// It exposes the appliance connection status, the current device snapshot,
// recorded history and a routing endpoint to Gray Logic Core and to
// commissioning tools on the site network.
//
// The server follows the same lifecycle pattern as other infrastructure
// components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
//
// Thread Safety: All methods are safe for concurrent use from multiple goroutines.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/nerrad567/graylogic-nxm-bridge/internal/history"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/config"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/infrastructure/logging"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/channel"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/dispatch"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/state"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/subscription"
	"github.com/nerrad567/graylogic-nxm-bridge/internal/nxm/supervisor"
)

// gracefulShutdownTimeout is the maximum time to wait for in-flight requests
// to complete during shutdown.
const gracefulShutdownTimeout = 10 * time.Second

// ObserverID is the subscription id the API registers with the supervisor.
const ObserverID = "api"

// Supervisor is the subset of *supervisor.Supervisor the API uses.
type Supervisor interface {
	Appliance() supervisor.ApplianceConfig
	Status() supervisor.StatusReport
	CurrentSnapshot() (state.Device, bool)
	SubsystemJSON(sub state.Subsystem) ([]byte, bool)
	DispatcherStats() dispatch.Stats
	ChannelStats() (channel.Stats, bool)
	Subscribe(sub state.Subsystem, observerID string)
	Unsubscribe(sub state.Subsystem, observerID string)
	OnSubsystemsChanged(fn func(subscription.Change))
	OnRedefine(fn func(state.SubsystemSet))
	OnStatusChanged(fn func(supervisor.StatusReport))
	EnqueueCommand(cmd supervisor.Command, priority int) *dispatch.Future
	Reconfigure(cfg supervisor.ApplianceConfig)
}

// HistoryReader lists recorded history.
type HistoryReader interface {
	ListChanges(ctx context.Context, subsystem string, limit int) ([]history.Change, error)
	ListStatus(ctx context.Context, limit int) ([]history.StatusEvent, error)
}

// Deps holds the dependencies required by the API server.
type Deps struct {
	Config     config.APIConfig
	WS         config.WebSocketConfig
	Security   config.SecurityConfig
	Logger     *logging.Logger
	Supervisor Supervisor

	// History is optional; history endpoints return 503 without it.
	History HistoryReader

	// RouteTimeout bounds POST /routes. Default: 10 seconds.
	RouteTimeout time.Duration

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg          config.APIConfig
	secCfg       config.SecurityConfig
	logger       *logging.Logger
	sup          Supervisor
	history      HistoryReader
	routeTimeout time.Duration
	version      string

	server *http.Server
	feed   *Feed
	cancel context.CancelFunc

	// stopped gates supervisor callbacks, which cannot be deregistered.
	stopped   bool
	stoppedMu sync.RWMutex
}

// New creates a new API server. The server is not started until Start is
// called.
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Supervisor == nil {
		return nil, fmt.Errorf("supervisor is required")
	}
	timeout := deps.RouteTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &Server{
		cfg:          deps.Config,
		secCfg:       deps.Security,
		logger:       deps.Logger,
		sup:          deps.Supervisor,
		history:      deps.History,
		routeTimeout: timeout,
		version:      deps.Version,
	}
	s.feed = NewFeed(deps.WS, s.logger, s.replay)
	return s, nil
}

// Start subscribes to appliance changes for the WebSocket feed and starts
// listening in a background goroutine.
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	go s.feed.Run(srvCtx)

	s.relayUpdates()

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port))
	if err != nil {
		s.cancel()
		return fmt.Errorf("api listen: %w", err)
	}

	s.server = &http.Server{
		Addr:              ln.Addr().String(),
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		s.logger.Info("API server listening", "address", s.server.Addr)
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()

	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.server == nil {
		return ""
	}
	return s.server.Addr
}

// Close gracefully shuts down the API server. It waits up to 10 seconds
// for in-flight requests to complete.
func (s *Server) Close() error {
	s.stoppedMu.Lock()
	s.stopped = true
	s.stoppedMu.Unlock()

	for _, sub := range state.Subsystems() {
		s.sup.Unsubscribe(sub, ObserverID)
	}
	if s.cancel != nil {
		s.cancel()
	}
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck verifies the API server is running.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}

func (s *Server) isStopped() bool {
	s.stoppedMu.RLock()
	defer s.stoppedMu.RUnlock()
	return s.stopped
}

// relayUpdates forwards subsystem and status changes to WebSocket clients.
func (s *Server) relayUpdates() {
	for _, sub := range state.Subsystems() {
		s.sup.Subscribe(sub, ObserverID)
	}

	s.sup.OnSubsystemsChanged(func(c subscription.Change) {
		if s.isStopped() || !containsObserver(c.Observers, ObserverID) {
			return
		}
		for _, sub := range c.Subsystems.Sorted() {
			raw, ok := s.sup.SubsystemJSON(sub)
			if !ok {
				continue
			}
			s.feed.Publish(EventSubsystemChanged, subsystemEvent{
				Subsystem: string(sub),
				State:     raw,
			})
		}
	})

	// Inventory changes alter the routing choices a UI offers.
	s.sup.OnRedefine(func(state.SubsystemSet) {
		if s.isStopped() {
			return
		}
		if ev, ok := s.inventoryEvent(); ok {
			s.feed.Publish(EventInventoryRedefined, ev)
		}
	})

	s.sup.OnStatusChanged(func(r supervisor.StatusReport) {
		if s.isStopped() {
			return
		}
		s.feed.Publish(EventStatusChanged, newStatusResponse(r, s.sup.Appliance().Host))
	})
}

func containsObserver(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
