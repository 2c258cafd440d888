package gridx

import (
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// MessageSender is the send side of a live worker session. The concrete
// implementation wraps a websocket connection; tests substitute fakes.
type MessageSender interface {
	// Send writes one frame. An error means the session is unusable.
	Send(v interface{}) error

	// CloseWithCode performs a close handshake with the given close code.
	CloseWithCode(code int, reason string) error
}

// Session is the in-memory record of a connected worker. Mutable fields are
// guarded by the registry mutex; the send side carries its own write lock.
type Session struct {
	WorkerID string
	OwnerID  string
	Caps     structs.Capabilities
	RemoteIP string

	sender     MessageSender
	status     string
	restricted bool
	lastSeen   time.Time
}

// NewSession builds a session record for a freshly authenticated worker.
func NewSession(workerID, ownerID, remoteIP string, caps structs.Capabilities, sender MessageSender) *Session {
	return &Session{
		WorkerID: workerID,
		OwnerID:  ownerID,
		RemoteIP: remoteIP,
		Caps:     caps,
		sender:   sender,
		status:   structs.WorkerStatusIdle,
		lastSeen: time.Now(),
	}
}

// Send forwards one frame to the worker.
func (s *Session) Send(v interface{}) error {
	return s.sender.Send(v)
}

// CloseWithCode closes the underlying transport.
func (s *Session) CloseWithCode(code int, reason string) error {
	return s.sender.CloseWithCode(code, reason)
}

// SessionInfo is a point-in-time copy of a session's observable state.
type SessionInfo struct {
	WorkerID string               `json:"id"`
	OwnerID  string               `json:"owner_id"`
	Status   string               `json:"status"`
	Caps     structs.Capabilities `json:"caps"`
	LastSeen float64              `json:"last_seen"`
}

// Registry is the in-memory map of live worker sessions, the authoritative
// liveness signal. A single mutex guards the map and every per-session
// status field. At most one session is live per worker ID; a second hello
// for the same ID evicts the first.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	logger   hclog.Logger

	// coordinatorOwner marks bucket b of the selection policy.
	coordinatorOwner string
}

// NewRegistry returns an empty registry.
func NewRegistry(coordinatorOwner string, logger hclog.Logger) *Registry {
	return &Registry{
		sessions:         make(map[string]*Session),
		coordinatorOwner: coordinatorOwner,
		logger:           logger.Named("registry"),
	}
}

// Register installs a session, returning the evicted predecessor when the
// worker ID was already connected. The caller closes the evicted session
// outside the lock.
func (r *Registry) Register(sess *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[sess.WorkerID]
	r.sessions[sess.WorkerID] = sess
	if prev != nil {
		r.logger.Info("evicting duplicate session", "worker_id", sess.WorkerID)
	}
	return prev
}

// Unregister removes the session, but only if it is still the current one
// for its worker ID; a reconnect that already replaced it is left alone.
// Reports whether a removal happened.
func (r *Registry) Unregister(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.sessions[sess.WorkerID]
	if !ok || cur != sess {
		return false
	}
	delete(r.sessions, sess.WorkerID)
	return true
}

// Get returns the live session for a worker ID, nil when not connected.
func (r *Registry) Get(workerID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[workerID]
}

// Touch refreshes last-seen; called for every received frame.
func (r *Registry) Touch(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[workerID]; ok {
		s.lastSeen = time.Now()
	}
}

// LastSeen returns the wall-clock of the last received frame.
func (r *Registry) LastSeen(workerID string) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[workerID]
	if !ok {
		return time.Time{}, false
	}
	return s.lastSeen, true
}

// MarkBusy flips the session to busy. Reports whether the session exists.
func (r *Registry) MarkBusy(workerID string) bool {
	return r.setStatus(workerID, structs.WorkerStatusBusy)
}

// MarkIdle flips the session to idle.
func (r *Registry) MarkIdle(workerID string) bool {
	return r.setStatus(workerID, structs.WorkerStatusIdle)
}

func (r *Registry) setStatus(workerID, status string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[workerID]
	if !ok {
		return false
	}
	s.status = status
	s.lastSeen = time.Now()
	return true
}

// Status returns the observed session status.
func (r *Registry) Status(workerID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[workerID]
	if !ok {
		return "", false
	}
	return s.status, true
}

// SetRestricted flags a connected worker so the dispatcher can never pick
// it between the admin action and the disconnect.
func (r *Registry) SetRestricted(workerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[workerID]; ok {
		s.restricted = true
	}
}

// SelectEligible picks an idle, can-execute, unrestricted worker for a
// submission. Candidates are partitioned by owner: workers owned by someone
// else come first, then coordinator-owned workers, then the submitter's
// own. Within a bucket insertion order decides.
func (r *Registry) SelectEligible(submitterID string) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	var others, coordinator, own []*Session
	for _, s := range r.sessions {
		if s.status != structs.WorkerStatusIdle || !s.Caps.CanExecute || s.restricted {
			continue
		}
		switch {
		case s.OwnerID != "" && s.OwnerID == submitterID:
			own = append(own, s)
		case s.OwnerID != "" && s.OwnerID == r.coordinatorOwner:
			coordinator = append(coordinator, s)
		default:
			others = append(others, s)
		}
	}

	for _, bucket := range [][]*Session{others, coordinator, own} {
		if len(bucket) > 0 {
			return bucket[0]
		}
	}
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ConnectedIDs returns the IDs of every live session.
func (r *Registry) ConnectedIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Snapshot copies the observable state of every session, for the admin
// overview.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, SessionInfo{
			WorkerID: s.WorkerID,
			OwnerID:  s.OwnerID,
			Status:   s.status,
			Caps:     s.Caps,
			LastSeen: float64(s.lastSeen.UnixNano()) / 1e9,
		})
	}
	return out
}

// Sessions returns the current session list; senders may be used outside
// the lock.
func (r *Registry) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
