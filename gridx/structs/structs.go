// Package structs holds the shared domain types for the Grid-X coordinator:
// users, workers, jobs, their status enums and the validation rules applied
// at every boundary.
package structs

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

const (
	// JobStatusQueued is the initial job state; the job sits in the queue
	// waiting for an eligible worker.
	JobStatusQueued = "queued"

	// JobStatusAssigned means an assign_job frame was sent to a worker.
	JobStatusAssigned = "assigned"

	// JobStatusRunning means the worker acknowledged with job_started.
	JobStatusRunning = "running"

	// JobStatusCompleted is terminal; the job exited with code zero.
	JobStatusCompleted = "completed"

	// JobStatusFailed is terminal; the job exited with a non-zero code.
	JobStatusFailed = "failed"
)

const (
	WorkerStatusIdle    = "idle"
	WorkerStatusBusy    = "busy"
	WorkerStatusOffline = "offline"
)

const (
	// RestrictionNone is the zero value for an unrestricted worker.
	RestrictionNone = ""

	// RestrictionSuspended forbids connection and dispatch until lifted.
	RestrictionSuspended = "suspended"

	// RestrictionBanned forbids connection and dispatch permanently.
	RestrictionBanned = "banned"
)

const (
	// MaxCodeLength caps submitted source text at 1 MiB.
	MaxCodeLength = 1 << 20

	// MaxUserIDLength caps user identifiers.
	MaxUserIDLength = 64

	// MinTimeoutSeconds and MaxTimeoutSeconds bound the per-job timeout.
	MinTimeoutSeconds = 1
	MaxTimeoutSeconds = 3600

	// DefaultTimeoutSeconds is applied when a submission carries no limit.
	DefaultTimeoutSeconds = 60

	// DefaultLanguage is assumed when a submission omits the language tag.
	DefaultLanguage = "python"
)

var (
	// ErrJobNotFound is returned when a job ID resolves to nothing.
	ErrJobNotFound = errors.New("job not found")

	// ErrWorkerNotFound is returned when a worker ID is neither connected
	// nor persisted.
	ErrWorkerNotFound = errors.New("worker not found")

	// ErrInsufficientCredits is returned when the reserve cannot be
	// debited from the submitter's balance.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrQueueFull is returned when the job queue is at capacity.
	ErrQueueFull = errors.New("job queue is full")
)

// ValidationError marks a request that failed input validation. Handlers map
// it to HTTP 400.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// NewValidationError formats a ValidationError.
func NewValidationError(format string, args ...interface{}) error {
	return &ValidationError{Msg: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

var (
	userIDRe = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)
	uuidRe   = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// ValidUserID reports whether id is a well formed user identifier: a leading
// letter followed by letters, digits, underscore or hyphen, at most 64 bytes.
func ValidUserID(id string) bool {
	if id == "" || len(id) > MaxUserIDLength {
		return false
	}
	return userIDRe.MatchString(id)
}

// ValidUUID reports whether id is a canonical UUID string. Worker and job
// identifiers must pass this check at every external boundary.
func ValidUUID(id string) bool {
	return uuidRe.MatchString(id)
}

// SanitizeString strips NUL bytes and truncates s to max bytes.
func SanitizeString(s string, max int) string {
	s = strings.ReplaceAll(s, "\x00", "")
	if len(s) > max {
		s = s[:max]
	}
	return s
}

// Capabilities is the worker-advertised capability set. Unknown fields on
// the wire are ignored; absent fields take the documented defaults.
type Capabilities struct {
	CPUCores   int  `json:"cpu_cores"`
	GPU        bool `json:"gpu"`
	CanExecute bool `json:"can_execute"`
}

// DefaultCapabilities returns the capability set assumed for a worker that
// advertised nothing. CanExecute defaults to true.
func DefaultCapabilities() Capabilities {
	return Capabilities{CPUCores: 1, CanExecute: true}
}

// UnmarshalJSON applies the documented defaults to absent fields. Unknown
// fields are dropped by encoding/json.
func (c *Capabilities) UnmarshalJSON(data []byte) error {
	type alias Capabilities
	aux := alias(DefaultCapabilities())
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*c = Capabilities(aux)
	return nil
}

// User is an account row. Users are created on first successful
// authentication and never deleted by the coordinator.
type User struct {
	ID        string  `json:"user_id"`
	AuthToken string  `json:"-"`
	Balance   float64 `json:"balance"`
	CreatedAt float64 `json:"created_at"`
	LastLogin float64 `json:"last_login"`
}

// Worker is the persisted record of a compute node. A row with status
// offline is a durable stub remembering owner and restriction across
// reconnects.
type Worker struct {
	ID            string       `json:"id"`
	OwnerID       string       `json:"owner_id"`
	AuthToken     string       `json:"-"`
	IP            string       `json:"ip"`
	Caps          Capabilities `json:"caps"`
	Status        string       `json:"status"`
	Restriction   string       `json:"restriction"`
	LastHeartbeat float64      `json:"last_heartbeat"`
}

// Restricted reports whether the worker is administratively barred from
// connecting and from dispatch.
func (w *Worker) Restricted() bool {
	return w.Restriction == RestrictionBanned || w.Restriction == RestrictionSuspended
}

// Job is a unit of submitted work and its full lifecycle record.
type Job struct {
	ID             string  `json:"id"`
	UserID         string  `json:"user_id"`
	Code           string  `json:"code"`
	Language       string  `json:"language"`
	Status         string  `json:"status"`
	WorkerID       string  `json:"worker_id"`
	TimeoutSeconds int     `json:"timeout_s"`
	Reserved       float64 `json:"reserved"`
	CreatedAt      float64 `json:"created_at"`
	AssignedAt     float64 `json:"assigned_at"`
	CompletedAt    float64 `json:"completed_at"`
	Stdout         string  `json:"stdout"`
	Stderr         string  `json:"stderr"`
	ExitCode       int     `json:"exit_code"`
}

// Terminal reports whether the job has reached a final state.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// BoundTimeout clamps a requested timeout into the allowed range, falling
// back to the default when the request carried none.
func BoundTimeout(seconds int) int {
	if seconds <= 0 {
		return DefaultTimeoutSeconds
	}
	if seconds < MinTimeoutSeconds {
		return MinTimeoutSeconds
	}
	if seconds > MaxTimeoutSeconds {
		return MaxTimeoutSeconds
	}
	return seconds
}
