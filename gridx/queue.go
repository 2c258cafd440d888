package gridx

import (
	"sync"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// JobQueue is the FIFO of submitted-but-unassigned job IDs. It is
// authoritative for ordering only; job existence and status live in the
// store, and the dispatcher re-checks status before every assignment.
type JobQueue struct {
	mu    sync.Mutex
	ids   []string
	limit int
}

// NewJobQueue returns a queue bounded at limit entries.
func NewJobQueue(limit int) *JobQueue {
	return &JobQueue{limit: limit}
}

// Enqueue appends a job ID, failing when the queue is at capacity.
func (q *JobQueue) Enqueue(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) >= q.limit {
		return structs.ErrQueueFull
	}
	q.ids = append(q.ids, jobID)
	return nil
}

// EnqueueFront puts a job ID back at the head, used when a dispatch is
// rolled back. The capacity check is skipped: the entry was popped moments
// ago and dropping it here would strand the job.
func (q *JobQueue) EnqueueFront(jobID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ids = append([]string{jobID}, q.ids...)
}

// Peek returns the head without removing it.
func (q *JobQueue) Peek() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false
	}
	return q.ids[0], true
}

// Pop removes and returns the head.
func (q *JobQueue) Pop() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.ids) == 0 {
		return "", false
	}
	id := q.ids[0]
	q.ids = q.ids[1:]
	return id, true
}

// Contains reports whether a job ID is currently enqueued.
func (q *JobQueue) Contains(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, id := range q.ids {
		if id == jobID {
			return true
		}
	}
	return false
}

// Len returns the current depth.
func (q *JobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ids)
}
