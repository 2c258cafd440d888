package gridx

import (
	"time"

	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	multierror "github.com/hashicorp/go-multierror"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// runWatchdog periodically requeues jobs stuck on dead workers and offlines
// stale worker records. It stops at the next tick after shutdown.
func (s *Server) runWatchdog() {
	defer s.workerWg.Done()
	logger := s.logger.Named("watchdog")

	ticker := time.NewTicker(s.config.WatchdogPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.watchdogSweep(logger); err != nil {
				logger.Error("sweep finished with errors", "error", err)
			}
		case <-s.shutdownCh:
			return
		}
	}
}

// watchdogSweep performs one reconciliation pass. Terminal jobs are never
// touched: only assigned and running jobs are listed.
func (s *Server) watchdogSweep(logger hclog.Logger) error {
	defer metrics.MeasureSince([]string{"gridx", "watchdog", "sweep"}, time.Now())

	var mErr *multierror.Error
	requeued := 0

	active, err := s.state.ListActiveJobs()
	if err != nil {
		return err
	}
	for _, job := range active {
		if !s.workerLost(job.WorkerID) {
			continue
		}
		applied, err := s.state.RequeueJob(job.ID)
		if err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		if !applied {
			continue
		}
		if err := s.queue.Enqueue(job.ID); err != nil {
			// Queue full; the job stays queued in the store and the
			// reconcile step below re-enqueues it on a later sweep.
			mErr = multierror.Append(mErr, err)
		}
		requeued++
		logger.Warn("requeued job from lost worker", "job_id", job.ID,
			"worker_id", job.WorkerID)

		w, err := s.state.GetWorker(job.WorkerID)
		if err != nil {
			mErr = multierror.Append(mErr, err)
			continue
		}
		if w != nil && w.Status == structs.WorkerStatusBusy {
			if err := s.state.SetWorkerStatus(w.ID, structs.WorkerStatusIdle); err != nil {
				mErr = multierror.Append(mErr, err)
			}
		}
	}

	// Reconcile: a job can be queued in the store but absent from the
	// in-memory queue (queue-full during recovery, crash between writes).
	queued, err := s.state.ListQueuedJobs()
	if err != nil {
		mErr = multierror.Append(mErr, err)
	} else {
		for _, job := range queued {
			if s.queue.Contains(job.ID) {
				continue
			}
			if err := s.queue.Enqueue(job.ID); err != nil {
				mErr = multierror.Append(mErr, err)
				break
			}
			requeued++
		}
	}

	cutoff := float64(time.Now().Add(-s.config.OfflineThreshold).UnixNano()) / 1e9
	n, err := s.state.MarkStaleWorkersOffline(cutoff)
	if err != nil {
		mErr = multierror.Append(mErr, err)
	} else if n > 0 {
		logger.Info("marked stale workers offline", "count", n)
	}

	if requeued > 0 {
		metrics.IncrCounter([]string{"gridx", "watchdog", "requeued"}, float32(requeued))
		s.notifyDispatch()
	}
	return mErr.ErrorOrNil()
}

// workerLost reports whether the worker holding a job is gone: either its
// session is no longer registered or it has been silent past the staleness
// threshold.
func (s *Server) workerLost(workerID string) bool {
	if workerID == "" {
		return true
	}
	last, ok := s.registry.LastSeen(workerID)
	if !ok {
		return true
	}
	return time.Since(last) > s.config.HeartbeatStale
}
