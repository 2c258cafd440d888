package structs

import (
	"encoding/json"
	"fmt"
)

// Worker session frames are textual JSON objects with a "type" discriminator.
// Each variant carries exactly the fields listed here; frames with an unknown
// discriminator are rejected by Decode.
const (
	MsgTypeHello      = "hello"
	MsgTypeHelloAck   = "hello_ack"
	MsgTypeAuthError  = "auth_error"
	MsgTypeHeartbeat  = "hb"
	MsgTypeAssignJob  = "assign_job"
	MsgTypeJobStarted = "job_started"
	MsgTypeJobLog     = "job_log"
	MsgTypeJobResult  = "job_result"
)

// Session close codes. Anything else is a normal close.
const (
	CloseAuthFailed  = 4401
	CloseAdminKick   = 4400
	CloseUnknownPath = 4404
)

// MaxFrameSize is the upper bound for a single session frame (10 MiB).
const MaxFrameSize = 10 << 20

// HelloMsg opens a session. Worker ID and credentials are optional; a
// missing worker ID is generated by the coordinator and missing credentials
// select the unauthenticated compatibility mode.
type HelloMsg struct {
	Type      string        `json:"type"`
	WorkerID  string        `json:"worker_id,omitempty"`
	OwnerID   string        `json:"owner_id,omitempty"`
	AuthToken string        `json:"auth_token,omitempty"`
	Caps      *Capabilities `json:"caps,omitempty"`
}

// HelloAckMsg confirms registration and echoes the authoritative worker ID.
type HelloAckMsg struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id"`
}

// AuthErrorMsg precedes a 4401 close.
type AuthErrorMsg struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// HeartbeatMsg is a liveness signal; any frame refreshes last-seen, hb is
// sent when the worker has nothing else to say.
type HeartbeatMsg struct {
	Type     string `json:"type"`
	WorkerID string `json:"worker_id,omitempty"`
}

// JobLimits carries the advisory execution limits for an assignment.
type JobLimits struct {
	CPUs           int    `json:"cpus,omitempty"`
	Memory         string `json:"memory,omitempty"`
	TimeoutSeconds int    `json:"timeout_s"`
}

// AssignJobMsg dispatches a job to a worker.
type AssignJobMsg struct {
	Type string        `json:"type"`
	Job  AssignJobBody `json:"job"`
}

// AssignJobBody is the job payload inside an assign_job frame.
type AssignJobBody struct {
	JobID    string    `json:"job_id"`
	Language string    `json:"language"`
	Code     string    `json:"code"`
	Limits   JobLimits `json:"limits"`
}

// JobStartedMsg is informational; it moves the job to running.
type JobStartedMsg struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
}

// JobLogMsg carries an output line. Accepted and discarded.
type JobLogMsg struct {
	Type  string `json:"type"`
	JobID string `json:"job_id"`
	Line  string `json:"line"`
}

// JobResultMsg finishes a job. DurationSeconds is the worker-observed
// execution time and may be zero, in which case the coordinator falls back
// to its own elapsed measurement.
type JobResultMsg struct {
	Type            string  `json:"type"`
	JobID           string  `json:"job_id"`
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout"`
	Stderr          string  `json:"stderr"`
	DurationSeconds float64 `json:"duration_s,omitempty"`
}

// BroadcastMsg is an advisory string pushed to every connected worker.
type BroadcastMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// MsgTypeBroadcast is the admin advisory frame sent to workers.
const MsgTypeBroadcast = "broadcast"

type msgEnvelope struct {
	Type string `json:"type"`
}

// DecodeMessage parses a raw session frame into its typed variant. Unknown
// discriminators and malformed JSON are errors; the session layer drops such
// frames.
func DecodeMessage(raw []byte) (interface{}, error) {
	var env msgEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}

	var msg interface{}
	switch env.Type {
	case MsgTypeHello:
		msg = &HelloMsg{}
	case MsgTypeHeartbeat:
		msg = &HeartbeatMsg{}
	case MsgTypeJobStarted:
		msg = &JobStartedMsg{}
	case MsgTypeJobLog:
		msg = &JobLogMsg{}
	case MsgTypeJobResult:
		msg = &JobResultMsg{}
	default:
		return nil, fmt.Errorf("unknown message type %q", env.Type)
	}

	if err := json.Unmarshal(raw, msg); err != nil {
		return nil, fmt.Errorf("malformed %s frame: %w", env.Type, err)
	}
	return msg, nil
}
