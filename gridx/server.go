// Package gridx implements the coordinator control plane: the live worker
// registry, the job lifecycle state machine, the dispatcher, the credit
// reservation/settlement protocol and the watchdog that recovers jobs from
// crashed or disconnected workers.
package gridx

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"
	uuidparse "github.com/hashicorp/go-uuid"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/state"
	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// Server is the coordinator. It owns the store handle, the registry, the
// queue and the ledger, and runs the dispatcher and watchdog tasks. All
// components are wired once here; there is no global mutable state.
type Server struct {
	config *Config
	logger hclog.Logger

	state    *state.StateStore
	ledger   *Ledger
	registry *Registry
	queue    *JobQueue

	// dispatchMu serializes all dispatch decisions; dispatchCh wakes the
	// long-running dispatch invoker.
	dispatchMu sync.Mutex
	dispatchCh chan struct{}

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	workerWg     sync.WaitGroup
}

// NewServer opens the store, restores the queue from any queued jobs left
// behind by a previous run, and starts the dispatcher and watchdog tasks.
func NewServer(config *Config, logger hclog.Logger) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		// Library embedders may not bring a logger; LogOutput then picks the
		// destination, stderr when nil.
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "gridx",
			Output: config.LogOutput,
		})
	}

	store, err := state.NewStateStore(config.DBPath, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     config,
		logger:     logger,
		state:      store,
		registry:   NewRegistry(config.CoordinatorOwner, logger),
		queue:      NewJobQueue(config.QueueCap),
		dispatchCh: make(chan struct{}, 1),
		shutdownCh: make(chan struct{}),
	}
	s.ledger = NewLedger(store, config, logger)

	if err := s.restoreQueue(); err != nil {
		store.Close()
		return nil, err
	}

	s.workerWg.Add(2)
	go s.runDispatchLoop()
	go s.runWatchdog()
	return s, nil
}

// restoreQueue reloads queued job IDs in submission order after a restart.
// Assigned and running jobs left over from the previous process are not
// touched here; the first watchdog pass requeues them once their workers
// fail to reappear.
func (s *Server) restoreQueue() error {
	jobs, err := s.state.ListQueuedJobs()
	if err != nil {
		return fmt.Errorf("failed to restore job queue: %w", err)
	}
	for _, j := range jobs {
		if err := s.queue.Enqueue(j.ID); err != nil {
			return fmt.Errorf("failed to restore job %s: %w", j.ID, err)
		}
	}
	if len(jobs) > 0 {
		s.logger.Info("restored queued jobs", "count", len(jobs))
	}
	return nil
}

// Shutdown stops the dispatcher and watchdog, closes every live session and
// releases the store.
func (s *Server) Shutdown() error {
	var mErr *multierror.Error
	s.shutdownOnce.Do(func() {
		close(s.shutdownCh)
		for _, sess := range s.registry.Sessions() {
			if err := sess.CloseWithCode(closeNormal, "coordinator shutting down"); err != nil {
				mErr = multierror.Append(mErr, err)
			}
			s.registry.Unregister(sess)
		}
		s.workerWg.Wait()
		if err := s.state.Close(); err != nil {
			mErr = multierror.Append(mErr, err)
		}
	})
	return mErr.ErrorOrNil()
}

// Config returns the active configuration.
func (s *Server) Config() *Config { return s.config }

// State exposes the durable store to the HTTP surface.
func (s *Server) State() *state.StateStore { return s.state }

// Ledger exposes the credit ledger.
func (s *Server) Ledger() *Ledger { return s.ledger }

// Registry exposes the live session registry.
func (s *Server) Registry() *Registry { return s.registry }

// QueueDepth returns the number of jobs waiting for dispatch.
func (s *Server) QueueDepth() int { return s.queue.Len() }

// SubmitRequest is a job submission after transport decode.
type SubmitRequest struct {
	UserID         string
	Code           string
	Language       string
	TimeoutSeconds int
}

// SubmitJob validates the submission, reserves the worst-case credit cost,
// persists the job, enqueues it and wakes the dispatcher. The reserve is
// refunded in full if anything after the deduction fails.
func (s *Server) SubmitJob(req *SubmitRequest) (*structs.Job, error) {
	if req.Code == "" {
		return nil, structs.NewValidationError("missing or invalid 'code' field")
	}
	if len(req.Code) > structs.MaxCodeLength {
		return nil, structs.NewValidationError("code exceeds maximum size of %d bytes", structs.MaxCodeLength)
	}
	lang := req.Language
	if lang == "" {
		lang = structs.DefaultLanguage
	}
	if !s.config.LanguageSupported(lang) {
		return nil, structs.NewValidationError("unsupported language: %s", lang)
	}
	if !structs.ValidUserID(req.UserID) {
		return nil, structs.NewValidationError("invalid user_id: %s", req.UserID)
	}

	code := structs.SanitizeString(req.Code, structs.MaxCodeLength)
	userID := structs.SanitizeString(req.UserID, structs.MaxUserIDLength)
	timeout := structs.BoundTimeout(req.TimeoutSeconds)
	reserved := s.ledger.MaxReserve(timeout)

	if err := s.ledger.EnsureUser(userID); err != nil {
		return nil, err
	}
	ok, err := s.ledger.Deduct(userID, reserved)
	if err != nil {
		return nil, err
	}
	if !ok {
		balance, _ := s.ledger.Balance(userID)
		return nil, fmt.Errorf("%w: reserve required %.4f, have %.4f",
			structs.ErrInsufficientCredits, reserved, balance)
	}

	id, err := uuidparse.GenerateUUID()
	if err != nil {
		s.refundReserve(userID, reserved)
		return nil, err
	}

	job := &structs.Job{
		ID:             id,
		UserID:         userID,
		Code:           code,
		Language:       lang,
		Status:         structs.JobStatusQueued,
		TimeoutSeconds: timeout,
		Reserved:       reserved,
	}
	if err := s.state.CreateJob(job); err != nil {
		s.refundReserve(userID, reserved)
		return nil, fmt.Errorf("job creation failed: %w", err)
	}

	if err := s.queue.Enqueue(job.ID); err != nil {
		s.refundReserve(userID, reserved)
		if _, aerr := s.state.AbortQueuedJob(job.ID, "job queue is full"); aerr != nil {
			s.logger.Error("failed to abort unqueueable job", "job_id", job.ID, "error", aerr)
		}
		return nil, err
	}

	metrics.IncrCounter([]string{"gridx", "job", "submit"}, 1)
	s.logger.Info("job submitted", "job_id", job.ID, "user_id", userID,
		"language", lang, "reserved", reserved)
	s.notifyDispatch()
	return job, nil
}

func (s *Server) refundReserve(userID string, amount float64) {
	if err := s.ledger.Credit(userID, amount); err != nil {
		s.logger.Error("failed to refund reserve", "user_id", userID,
			"amount", amount, "error", err)
	}
}

// DisconnectWorker force-closes a worker's session and marks it offline.
// Returns false when the worker is not connected.
func (s *Server) DisconnectWorker(workerID string) (bool, error) {
	sess := s.registry.Get(workerID)
	if sess == nil {
		return false, nil
	}
	if err := sess.CloseWithCode(structs.CloseAdminKick, "disconnected by admin"); err != nil {
		s.logger.Debug("close failed on admin disconnect", "worker_id", workerID, "error", err)
	}
	s.registry.Unregister(sess)
	if err := s.state.SetWorkerStatus(workerID, structs.WorkerStatusOffline); err != nil {
		return true, err
	}
	s.logger.Info("worker disconnected by admin", "worker_id", workerID)
	return true, nil
}

// RestrictWorker applies a ban or suspension: the restriction is persisted,
// the live session (if any) is flagged and closed. When the worker is
// connected but not yet persisted, a stub row is created first so the
// restriction survives.
func (s *Server) RestrictWorker(workerID, restriction string) error {
	known, err := s.ensureWorkerRow(workerID)
	if err != nil {
		return err
	}
	if !known {
		return structs.ErrWorkerNotFound
	}
	s.registry.SetRestricted(workerID)
	if _, err := s.DisconnectWorker(workerID); err != nil {
		return err
	}
	if err := s.state.SetWorkerRestriction(workerID, restriction); err != nil {
		return err
	}
	s.logger.Info("worker restricted", "worker_id", workerID, "restriction", restriction)
	return nil
}

// UnsuspendWorker clears the restriction flag.
func (s *Server) UnsuspendWorker(workerID string) error {
	known, err := s.ensureWorkerRow(workerID)
	if err != nil {
		return err
	}
	if !known {
		return structs.ErrWorkerNotFound
	}
	return s.state.SetWorkerRestriction(workerID, structs.RestrictionNone)
}

// ensureWorkerRow reports whether the worker exists, creating an offline
// stub from the live registry entry when it is connected but unpersisted.
func (s *Server) ensureWorkerRow(workerID string) (bool, error) {
	w, err := s.state.GetWorker(workerID)
	if err != nil {
		return false, err
	}
	if w != nil {
		return true, nil
	}
	sess := s.registry.Get(workerID)
	if sess == nil {
		return false, nil
	}
	stub := &structs.Worker{
		ID:      workerID,
		OwnerID: sess.OwnerID,
		IP:      sess.RemoteIP,
		Caps:    sess.Caps,
		Status:  structs.WorkerStatusOffline,
	}
	return true, s.state.UpsertWorker(stub)
}

// Broadcast pushes an advisory string to every connected worker and returns
// how many received it.
func (s *Server) Broadcast(message string) int {
	msg := &structs.BroadcastMsg{Type: structs.MsgTypeBroadcast, Message: message}
	count := 0
	for _, sess := range s.registry.Sessions() {
		if err := sess.Send(msg); err != nil {
			s.logger.Debug("broadcast send failed", "worker_id", sess.WorkerID, "error", err)
			continue
		}
		count++
	}
	return count
}
