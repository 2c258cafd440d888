package state

import (
	"database/sql"
	"strings"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// CreateJob persists a new job. The caller supplies the generated ID; the
// created timestamp is stamped here.
func (s *StateStore) CreateJob(j *structs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.CreatedAt == 0 {
		j.CreatedAt = now()
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs(id, user_id, code, language, status, worker_id,
			timeout_s, reserved, created_at, assigned_at, completed_at,
			stdout, stderr, exit_code)
		VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.UserID, j.Code, j.Language, j.Status, nullable(j.WorkerID),
		j.TimeoutSeconds, j.Reserved, j.CreatedAt, nil, nil, "", "", 0)
	return err
}

// GetJob fetches a job by ID, nil when absent.
func (s *StateStore) GetJob(jobID string) (*structs.Job, error) {
	row := s.db.QueryRow(jobSelect+" WHERE id=?", jobID)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return j, err
}

// SetJobAssigned moves a queued job to assigned under the given worker.
// Returns false without error when the job has already moved on, so racing
// dispatch decisions stay safe.
func (s *StateStore) SetJobAssigned(jobID, workerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE jobs SET status=?, worker_id=?, assigned_at=?
		WHERE id=? AND status=?`,
		structs.JobStatusAssigned, workerID, now(), jobID, structs.JobStatusQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetJobRunning records the worker's job_started acknowledgement.
func (s *StateStore) SetJobRunning(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE jobs SET status=? WHERE id=? AND status=?`,
		structs.JobStatusRunning, jobID, structs.JobStatusAssigned)
	return err
}

// CompleteJob finalizes a job from its result frame. The guard on
// non-terminal status makes settlement idempotent: a duplicate result frame
// returns applied=false and the ledger is left alone.
func (s *StateStore) CompleteJob(jobID, stdout, stderr string, exitCode int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := structs.JobStatusCompleted
	if exitCode != 0 {
		status = structs.JobStatusFailed
	}
	res, err := s.db.Exec(`
		UPDATE jobs SET status=?, completed_at=?, stdout=?, stderr=?, exit_code=?
		WHERE id=? AND status IN (?,?)`,
		status, now(), stdout, stderr, exitCode,
		jobID, structs.JobStatusAssigned, structs.JobStatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AbortQueuedJob fails a job that never made it into the dispatch queue,
// recording the reason. Only queued jobs are touched.
func (s *StateStore) AbortQueuedJob(jobID, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE jobs SET status=?, completed_at=?, stderr=?, exit_code=?
		WHERE id=? AND status=?`,
		structs.JobStatusFailed, now(), reason, -1,
		jobID, structs.JobStatusQueued)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RequeueJob reverts a non-terminal assigned or running job back to queued
// and clears its worker binding. Used by dispatch rollback and the watchdog.
func (s *StateStore) RequeueJob(jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE jobs SET status=?, worker_id=NULL, assigned_at=NULL
		WHERE id=? AND status IN (?,?)`,
		structs.JobStatusQueued, jobID,
		structs.JobStatusAssigned, structs.JobStatusRunning)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListJobsByUser returns a user's jobs, most recent first.
func (s *StateStore) ListJobsByUser(userID string, limit int) ([]*structs.Job, error) {
	return s.queryJobs(jobSelect+`
		WHERE user_id=? ORDER BY created_at DESC LIMIT ?`, userID, limit)
}

// ListJobsByStatus returns jobs in any of the given statuses, oldest first
// so queue-order listings read naturally.
func (s *StateStore) ListJobsByStatus(statuses []string, limit int) ([]*structs.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	marks := strings.Repeat("?,", len(statuses))
	marks = marks[:len(marks)-1]
	args := make([]interface{}, 0, len(statuses)+1)
	for _, st := range statuses {
		args = append(args, st)
	}
	args = append(args, limit)
	return s.queryJobs(jobSelect+`
		WHERE status IN (`+marks+`) ORDER BY created_at ASC LIMIT ?`, args...)
}

// ListActiveJobs returns every assigned or running job; the watchdog sweeps
// these for dead workers.
func (s *StateStore) ListActiveJobs() ([]*structs.Job, error) {
	return s.queryJobs(jobSelect+`
		WHERE status IN (?,?) ORDER BY created_at ASC`,
		structs.JobStatusAssigned, structs.JobStatusRunning)
}

// ListQueuedJobs returns every queued job in submission order. Used to
// rebuild the in-memory queue after a restart.
func (s *StateStore) ListQueuedJobs() ([]*structs.Job, error) {
	return s.queryJobs(jobSelect+`
		WHERE status=? ORDER BY created_at ASC`, structs.JobStatusQueued)
}

// ListRecentJobs returns the newest jobs regardless of status.
func (s *StateStore) ListRecentJobs(limit int) ([]*structs.Job, error) {
	return s.queryJobs(jobSelect+`
		ORDER BY created_at DESC LIMIT ?`, limit)
}

// ListRecentlyCompleted returns terminal jobs by completion time.
func (s *StateStore) ListRecentlyCompleted(limit int) ([]*structs.Job, error) {
	return s.queryJobs(jobSelect+`
		WHERE status IN (?,?) ORDER BY completed_at DESC LIMIT ?`,
		structs.JobStatusCompleted, structs.JobStatusFailed, limit)
}

const jobSelect = `
	SELECT id, user_id, code, language, status, worker_id, timeout_s,
	       reserved, created_at, assigned_at, completed_at, stdout, stderr,
	       exit_code
	FROM jobs`

func scanJob(r rowScanner) (*structs.Job, error) {
	var j structs.Job
	var workerID, stdout, stderr sql.NullString
	var timeout, exit sql.NullInt64
	var reserved, created, assigned, completed sql.NullFloat64
	err := r.Scan(&j.ID, &j.UserID, &j.Code, &j.Language, &j.Status,
		&workerID, &timeout, &reserved, &created, &assigned, &completed,
		&stdout, &stderr, &exit)
	if err != nil {
		return nil, err
	}
	j.WorkerID = workerID.String
	j.TimeoutSeconds = int(timeout.Int64)
	j.Reserved = reserved.Float64
	j.CreatedAt = created.Float64
	j.AssignedAt = assigned.Float64
	j.CompletedAt = completed.Float64
	j.Stdout = stdout.String
	j.Stderr = stderr.String
	j.ExitCode = int(exit.Int64)
	return &j, nil
}

func (s *StateStore) queryJobs(query string, args ...interface{}) ([]*structs.Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*structs.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
