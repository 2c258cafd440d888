package agent

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// WorkerSessionPath is the only upgradable path on the session listener.
const WorkerSessionPath = "/ws/worker"

// WSServer is the worker session listener, separate from the client API so
// worker traffic and client traffic can be firewalled independently.
type WSServer struct {
	agent      *Agent
	listener   net.Listener
	listenerCh chan struct{}
	logger     hclog.Logger
	upgrader   websocket.Upgrader
	Addr       string
}

// NewWSServer starts the session listener.
func NewWSServer(agent *Agent, addr string) (*WSServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start session listener: %w", err)
	}

	srv := &WSServer{
		agent:      agent,
		listener:   ln,
		listenerCh: make(chan struct{}),
		logger:     agent.logger.Named("ws"),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			// Workers are not browsers; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		Addr: ln.Addr().String(),
	}

	httpMux := http.NewServeMux()
	httpMux.HandleFunc("/", srv.handleUpgrade)

	go func() {
		defer close(srv.listenerCh)
		http.Serve(ln, httpMux)
	}()

	srv.logger.Info("worker session endpoint listening",
		"address", srv.Addr, "path", WorkerSessionPath)
	return srv, nil
}

// handleUpgrade upgrades every path: unknown paths are told why they are
// being dropped with close code 4404, which a plain HTTP 404 could not
// convey to an already-upgraded client.
func (s *WSServer) handleUpgrade(resp http.ResponseWriter, req *http.Request) {
	conn, err := s.upgrader.Upgrade(resp, req, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "remote_addr", req.RemoteAddr, "error", err)
		return
	}

	if req.URL.Path != WorkerSessionPath {
		s.logger.Debug("closing session on unknown path",
			"path", req.URL.Path, "remote_addr", req.RemoteAddr)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(structs.CloseUnknownPath, "unknown path"))
		conn.Close()
		return
	}

	remoteIP := req.RemoteAddr
	if host, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		remoteIP = host
	}
	s.agent.server.HandleWorkerSession(conn, remoteIP)
}

// Shutdown stops the listener and waits for the serve loop to exit.
func (s *WSServer) Shutdown() {
	if s != nil {
		s.logger.Debug("shutting down session listener")
		s.listener.Close()
		<-s.listenerCh
	}
}
