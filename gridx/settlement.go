package gridx

import (
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// handleJobResult settles a finished job: the job record is finalized, the
// unused share of the reserve flows back to the submitter and the worker's
// owner earns the reward fraction of the actual cost. The status guard in
// CompleteJob makes the whole path idempotent per job ID; a duplicate
// result frame changes nothing.
func (s *Server) handleJobResult(workerID string, msg *structs.JobResultMsg) {
	job, err := s.state.GetJob(msg.JobID)
	if err != nil {
		s.logger.Error("settle: failed to fetch job", "job_id", msg.JobID, "error", err)
		return
	}
	if job == nil {
		s.logger.Warn("settle: result for unknown job", "job_id", msg.JobID,
			"worker_id", workerID)
		s.releaseWorker(workerID)
		return
	}
	if job.WorkerID != workerID {
		// A requeued job may have been handed to another worker; a late
		// result from the first one must not settle it or collect the reward.
		s.logger.Warn("settle: result from non-assigned worker ignored",
			"job_id", job.ID, "worker_id", workerID, "assigned_to", job.WorkerID)
		s.releaseWorker(workerID)
		return
	}

	applied, err := s.state.CompleteJob(job.ID, msg.Stdout, msg.Stderr, msg.ExitCode)
	if err != nil {
		s.logger.Error("settle: failed to complete job", "job_id", job.ID, "error", err)
		return
	}
	if !applied {
		s.logger.Warn("settle: duplicate result ignored", "job_id", job.ID,
			"worker_id", workerID)
		s.releaseWorker(workerID)
		return
	}

	duration := msg.DurationSeconds
	if duration <= 0 {
		// Fall back to coordinator-observed elapsed time since assignment.
		if job.AssignedAt > 0 {
			duration = float64(time.Now().UnixNano())/1e9 - job.AssignedAt
		}
		if duration < 0 {
			duration = 0
		}
	}

	cost := s.ledger.TimeCost(duration, job.Reserved)
	if surplus := job.Reserved - cost; surplus > 0 {
		if err := s.ledger.Credit(job.UserID, surplus); err != nil {
			s.logger.Error("settle: surplus refund failed", "job_id", job.ID,
				"user_id", job.UserID, "error", err)
		}
	}

	if owner := s.workerOwner(workerID); owner != "" {
		reward := s.config.WorkerRewardFraction * cost
		if err := s.ledger.Credit(owner, reward); err != nil {
			s.logger.Error("settle: worker reward failed", "job_id", job.ID,
				"owner_id", owner, "error", err)
		}
	}

	s.releaseWorker(workerID)
	metrics.IncrCounter([]string{"gridx", "job", "settled"}, 1)
	s.logger.Info("job settled", "job_id", job.ID, "worker_id", workerID,
		"exit_code", msg.ExitCode, "duration_s", duration, "cost", cost)
	s.notifyDispatch()
}

// releaseWorker returns the worker to the idle pool in both the registry
// and the store.
func (s *Server) releaseWorker(workerID string) {
	s.registry.MarkIdle(workerID)
	if err := s.state.SetWorkerStatus(workerID, structs.WorkerStatusIdle); err != nil {
		s.logger.Error("failed to persist idle status", "worker_id", workerID, "error", err)
	}
}

// workerOwner resolves the owner of the executing worker, preferring the
// live session and falling back to the persisted record.
func (s *Server) workerOwner(workerID string) string {
	if sess := s.registry.Get(workerID); sess != nil {
		return sess.OwnerID
	}
	w, err := s.state.GetWorker(workerID)
	if err != nil || w == nil {
		return ""
	}
	return w.OwnerID
}
