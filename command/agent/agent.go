package agent

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx"
)

// Agent is the long-running coordinator process: the core server plus the
// client API and worker session listeners.
type Agent struct {
	config *Config
	logger hclog.Logger

	server     *gridx.Server
	httpServer *HTTPServer
	wsServer   *WSServer

	shutdown     bool
	shutdownLock sync.Mutex
}

// NewAgent assembles and starts the coordinator from a resolved config.
func NewAgent(config *Config, logger hclog.Logger) (*Agent, error) {
	a := &Agent{
		config: config,
		logger: logger,
	}

	server, err := gridx.NewServer(config.toCoordinatorConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("coordinator setup failed: %w", err)
	}
	a.server = server

	httpSrv, err := NewHTTPServer(a, fmt.Sprintf("%s:%d", config.BindAddr, config.HTTPPort))
	if err != nil {
		server.Shutdown()
		return nil, err
	}
	a.httpServer = httpSrv

	wsSrv, err := NewWSServer(a, fmt.Sprintf("%s:%d", config.BindAddr, config.WSPort))
	if err != nil {
		httpSrv.Shutdown()
		server.Shutdown()
		return nil, err
	}
	a.wsServer = wsSrv

	logger.Info("coordinator started",
		"http", httpSrv.Addr, "ws", wsSrv.Addr, "db_path", config.DBPath)
	return a, nil
}

// Server returns the coordinator core, used by the endpoint handlers.
func (a *Agent) Server() *gridx.Server {
	return a.server
}

// Shutdown terminates the agent: listeners first so no new work arrives,
// then the coordinator core.
func (a *Agent) Shutdown() error {
	a.shutdownLock.Lock()
	defer a.shutdownLock.Unlock()
	if a.shutdown {
		return nil
	}
	a.shutdown = true

	a.logger.Info("requesting shutdown")
	a.wsServer.Shutdown()
	a.httpServer.Shutdown()

	var mErr *multierror.Error
	if err := a.server.Shutdown(); err != nil {
		mErr = multierror.Append(mErr, err)
	}
	a.logger.Info("shutdown complete")
	return mErr.ErrorOrNil()
}
