package gridx

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// notifyDispatch wakes the dispatch invoker. Non-blocking: a wake-up that is
// already pending covers this one too.
func (s *Server) notifyDispatch() {
	select {
	case s.dispatchCh <- struct{}{}:
	default:
	}
}

// runDispatchLoop is the long-running invoker. Submission, worker hello and
// job result all signal it; it stops at shutdown.
func (s *Server) runDispatchLoop() {
	defer s.workerWg.Done()
	for {
		select {
		case <-s.dispatchCh:
			s.dispatch()
		case <-s.shutdownCh:
			return
		}
	}
}

// dispatch drains the queue while eligible workers exist. The dispatch
// mutex serializes all decisions; between any two assign sends the queue
// and worker statuses are mutually consistent.
func (s *Server) dispatch() {
	s.dispatchMu.Lock()
	defer s.dispatchMu.Unlock()
	defer metrics.MeasureSince([]string{"gridx", "dispatch", "pass"}, time.Now())

	for {
		jobID, ok := s.queue.Peek()
		if !ok {
			return
		}

		job, err := s.state.GetJob(jobID)
		if err != nil {
			s.logger.Error("dispatch: failed to fetch job", "job_id", jobID, "error", err)
			return
		}
		if job == nil || job.Status != structs.JobStatusQueued {
			// The job moved on (or never landed); drop the stale entry.
			s.queue.Pop()
			continue
		}

		sess := s.registry.SelectEligible(job.UserID)
		if sess == nil {
			// Leave the job at the head until a worker shows up.
			return
		}

		if !s.assign(job, sess) {
			// Send failed; the same dead session would likely be picked
			// again, so stop and let the watchdog cover deeper failures.
			return
		}
	}
}

// assign marks the worker busy, moves the job to assigned and sends the
// assign_job frame. On send failure everything is reverted and the job goes
// back to the head of the queue. Returns whether the loop should continue.
func (s *Server) assign(job *structs.Job, sess *Session) bool {
	workerID := sess.WorkerID

	s.registry.MarkBusy(workerID)
	if err := s.state.SetWorkerStatus(workerID, structs.WorkerStatusBusy); err != nil {
		s.logger.Error("dispatch: failed to persist worker status",
			"worker_id", workerID, "error", err)
		s.registry.MarkIdle(workerID)
		return false
	}

	applied, err := s.state.SetJobAssigned(job.ID, workerID)
	if err != nil || !applied {
		if err != nil {
			s.logger.Error("dispatch: failed to assign job", "job_id", job.ID, "error", err)
		}
		s.registry.MarkIdle(workerID)
		s.state.SetWorkerStatus(workerID, structs.WorkerStatusIdle)
		if !applied && err == nil {
			// Job was concurrently moved; drop it and keep going.
			s.queue.Pop()
			return true
		}
		return false
	}
	s.queue.Pop()

	msg := &structs.AssignJobMsg{
		Type: structs.MsgTypeAssignJob,
		Job: structs.AssignJobBody{
			JobID:    job.ID,
			Language: job.Language,
			Code:     job.Code,
			Limits:   structs.JobLimits{TimeoutSeconds: job.TimeoutSeconds},
		},
	}

	// The registry lock is not held here; the dispatch mutex alone covers
	// the send so its result can drive the revert.
	if err := sess.Send(msg); err != nil {
		s.logger.Warn("dispatch: assign send failed, reverting",
			"job_id", job.ID, "worker_id", workerID, "error", err)
		s.registry.MarkIdle(workerID)
		s.state.SetWorkerStatus(workerID, structs.WorkerStatusIdle)
		if _, rerr := s.state.RequeueJob(job.ID); rerr != nil {
			s.logger.Error("dispatch: failed to requeue after send failure",
				"job_id", job.ID, "error", rerr)
		}
		s.queue.EnqueueFront(job.ID)
		metrics.IncrCounter([]string{"gridx", "dispatch", "send_failure"}, 1)
		return false
	}

	metrics.IncrCounter([]string{"gridx", "dispatch", "assigned"}, 1)
	s.logger.Info("job assigned", "job_id", job.ID, "worker_id", workerID,
		"owner_id", sess.OwnerID)
	return true
}
