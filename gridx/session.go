package gridx

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	uuidparse "github.com/hashicorp/go-uuid"
	"golang.org/x/time/rate"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

const closeNormal = websocket.CloseNormalClosure

// Unparseable frames are dropped; a session producing them faster than this
// is closed.
const (
	faultLimitPerSecond = 1
	faultBurst          = 5
)

const pingWriteTimeout = 10 * time.Second

// wsSender adapts a websocket connection to MessageSender. Gorilla permits
// one concurrent writer, so writes are serialized here.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsSender) Send(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

// Ping sends a keepalive control frame. WriteControl is safe to call
// concurrently with WriteJSON, so no lock is taken.
func (w *wsSender) Ping() error {
	return w.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteTimeout))
}

func (w *wsSender) CloseWithCode(code int, reason string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, reason))
	return w.conn.Close()
}

// HandleWorkerSession drives one worker connection from hello to
// disconnect. It blocks until the peer goes away and is run as one task per
// session by the transport layer.
func (s *Server) HandleWorkerSession(conn *websocket.Conn, remoteIP string) {
	logger := s.logger.Named("session")
	conn.SetReadLimit(structs.MaxFrameSize)

	// Liveness is enforced at the transport. The peer must answer pings, or
	// send frames of its own, within the grace window; otherwise the read
	// below errors out and the cleanup path runs, so a silently dead peer
	// cannot leave a zombie session in the registry.
	grace := s.config.PingPeriod + s.config.PingTimeout
	conn.SetReadDeadline(time.Now().Add(grace))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(grace))
	})

	sender := &wsSender{conn: conn}
	limiter := rate.NewLimiter(faultLimitPerSecond, faultBurst)

	stopPings := make(chan struct{})
	defer close(stopPings)
	go s.sendPings(sender, stopPings)

	var sess *Session
	defer func() {
		if sess == nil {
			conn.Close()
			return
		}
		// A reconnect may already have replaced this session; only the
		// current holder flips the store to offline.
		if s.registry.Unregister(sess) {
			if err := s.state.SetWorkerStatus(sess.WorkerID, structs.WorkerStatusOffline); err != nil {
				logger.Error("failed to mark worker offline", "worker_id", sess.WorkerID, "error", err)
			}
			logger.Info("worker disconnected", "worker_id", sess.WorkerID)
		}
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		conn.SetReadDeadline(time.Now().Add(grace))

		msg, err := structs.DecodeMessage(raw)
		if err != nil {
			logger.Debug("dropping bad frame", "remote_ip", remoteIP, "error", err)
			if !limiter.Allow() {
				logger.Warn("closing session after repeated protocol faults",
					"remote_ip", remoteIP)
				sender.CloseWithCode(closeNormal, "too many protocol faults")
				return
			}
			continue
		}

		if hello, ok := msg.(*structs.HelloMsg); ok {
			next, fatal := s.processHello(hello, remoteIP, sender)
			if fatal {
				return
			}
			if next != nil {
				sess = next
			}
			continue
		}

		// Everything else requires a completed handshake.
		if sess == nil {
			logger.Debug("frame before hello ignored", "remote_ip", remoteIP)
			continue
		}

		// Any frame refreshes liveness.
		s.registry.Touch(sess.WorkerID)
		if err := s.state.TouchWorkerHeartbeat(sess.WorkerID); err != nil {
			logger.Error("failed to persist heartbeat", "worker_id", sess.WorkerID, "error", err)
		}

		switch m := msg.(type) {
		case *structs.HeartbeatMsg:
			// Belt and braces; the transport keepalive covers liveness too.

		case *structs.JobStartedMsg:
			if m.JobID == "" {
				continue
			}
			if err := s.state.SetJobRunning(m.JobID); err != nil {
				logger.Error("failed to mark job running", "job_id", m.JobID, "error", err)
			}

		case *structs.JobLogMsg:
			// Accepted and discarded.

		case *structs.JobResultMsg:
			if m.JobID == "" {
				continue
			}
			s.handleJobResult(sess.WorkerID, m)
		}
	}
}

// sendPings drives the keepalive for one session until the session or the
// coordinator stops.
func (s *Server) sendPings(sender *wsSender, stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := sender.Ping(); err != nil {
				return
			}
		case <-stop:
			return
		case <-s.shutdownCh:
			return
		}
	}
}

// processHello resolves authentication and registers the session. The
// returned fatal flag tells the read loop to stop: the connection was
// closed with a dedicated code.
func (s *Server) processHello(hello *structs.HelloMsg, remoteIP string, sender MessageSender) (*Session, bool) {
	logger := s.logger.Named("session")

	caps := structs.DefaultCapabilities()
	if hello.Caps != nil {
		caps = *hello.Caps
	}

	workerID := hello.WorkerID
	if workerID == "" {
		id, err := uuidparse.GenerateUUID()
		if err != nil {
			logger.Error("failed to generate worker id", "error", err)
			sender.CloseWithCode(closeNormal, "internal error")
			return nil, true
		}
		workerID = id
	}

	ownerID := structs.SanitizeString(hello.OwnerID, structs.MaxUserIDLength)
	token := hello.AuthToken

	switch {
	case ownerID != "" && token != "":
		ok, err := s.state.VerifyUserAuth(ownerID, token)
		if err != nil {
			logger.Error("auth lookup failed", "owner_id", ownerID, "error", err)
			sender.CloseWithCode(closeNormal, "internal error")
			return nil, true
		}
		if ok {
			// Known user, matching token: reuse their existing worker
			// identity when one is bound to this credential pair.
			existing, err := s.state.GetWorkerByAuth(ownerID, token)
			if err != nil {
				logger.Error("worker lookup failed", "owner_id", ownerID, "error", err)
				sender.CloseWithCode(closeNormal, "internal error")
				return nil, true
			}
			if existing != nil {
				workerID = existing.ID
			}
			logger.Info("worker authenticated", "worker_id", workerID, "owner_id", ownerID)
		} else {
			exists, err := s.state.UserExists(ownerID)
			if err != nil {
				logger.Error("auth lookup failed", "owner_id", ownerID, "error", err)
				sender.CloseWithCode(closeNormal, "internal error")
				return nil, true
			}
			if exists {
				// Wrong token for a known owner: reject, do not register.
				logger.Warn("authentication failed", "owner_id", ownerID)
				sender.Send(&structs.AuthErrorMsg{
					Type:  structs.MsgTypeAuthError,
					Error: "authentication failed: invalid token for this owner",
				})
				sender.CloseWithCode(structs.CloseAuthFailed, "authentication failed")
				return nil, true
			}
			// Brand new owner: register the credentials and grant the
			// initial balance.
			if err := s.state.RegisterUser(ownerID, token); err != nil {
				logger.Error("user registration failed", "owner_id", ownerID, "error", err)
				sender.CloseWithCode(closeNormal, "internal error")
				return nil, true
			}
			logger.Info("new user registered", "owner_id", ownerID, "worker_id", workerID)
		}
		if err := s.ledger.EnsureUser(ownerID); err != nil {
			logger.Error("failed to seed user credits", "owner_id", ownerID, "error", err)
		}

	default:
		// Backward-compatible unauthenticated mode.
		logger.Warn("worker connected without authentication",
			"worker_id", workerID, "remote_ip", remoteIP)
	}

	// Restriction check precedes registration: a banned or suspended
	// worker never enters the registry and gets no hello_ack.
	existing, err := s.state.GetWorker(workerID)
	if err != nil {
		logger.Error("worker lookup failed", "worker_id", workerID, "error", err)
		sender.CloseWithCode(closeNormal, "internal error")
		return nil, true
	}
	if existing != nil && existing.Restricted() {
		logger.Warn("restricted worker rejected", "worker_id", workerID,
			"restriction", existing.Restriction)
		sender.CloseWithCode(structs.CloseAdminKick, "worker is "+existing.Restriction)
		return nil, true
	}

	sess := NewSession(workerID, ownerID, remoteIP, caps, sender)
	if prev := s.registry.Register(sess); prev != nil && prev.sender != sender {
		// A repeated hello on the same connection just refreshes its own
		// registry entry; only a different transport gets evicted.
		prev.CloseWithCode(closeNormal, "replaced by a new session")
	}

	if err := s.state.UpsertWorker(&structs.Worker{
		ID:        workerID,
		OwnerID:   ownerID,
		AuthToken: token,
		IP:        remoteIP,
		Caps:      caps,
		Status:    structs.WorkerStatusIdle,
	}); err != nil {
		logger.Error("failed to persist worker", "worker_id", workerID, "error", err)
	}

	if err := sess.Send(&structs.HelloAckMsg{
		Type:     structs.MsgTypeHelloAck,
		WorkerID: workerID,
	}); err != nil {
		logger.Warn("hello_ack send failed", "worker_id", workerID, "error", err)
		s.registry.Unregister(sess)
		return nil, true
	}

	logger.Info("worker registered", "worker_id", workerID, "owner_id", ownerID,
		"remote_ip", remoteIP, "cpu_cores", caps.CPUCores, "gpu", caps.GPU)
	s.notifyDispatch()
	return sess, false
}
