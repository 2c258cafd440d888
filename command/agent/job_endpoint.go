package agent

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx"
	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// jobSubmitBody is the POST /jobs payload.
type jobSubmitBody struct {
	UserID   string     `json:"user_id"`
	Code     string     `json:"code"`
	Language string     `json:"language"`
	Limits   *jobLimits `json:"limits"`
}

type jobLimits struct {
	TimeoutSeconds int `json:"timeout_s"`
}

// jobSubmitResponse acknowledges a queued job.
type jobSubmitResponse struct {
	JobID    string  `json:"job_id"`
	Status   string  `json:"status"`
	Reserved float64 `json:"reserved"`
	Message  string  `json:"message"`
}

// JobSubmitRequest handles POST /jobs.
func (s *HTTPServer) JobSubmitRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var body jobSubmitBody
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, "invalid JSON body")
	}
	if body.UserID == "" {
		body.UserID = "demo"
	}

	sub := &gridx.SubmitRequest{
		UserID:   body.UserID,
		Code:     body.Code,
		Language: body.Language,
	}
	if body.Limits != nil {
		sub.TimeoutSeconds = body.Limits.TimeoutSeconds
	}

	job, err := s.agent.server.SubmitJob(sub)
	if err != nil {
		return nil, err
	}

	return &jobSubmitResponse{
		JobID:    job.ID,
		Status:   job.Status,
		Reserved: job.Reserved,
		Message:  "Charged by compute time when job completes; unused reserve refunded.",
	}, nil
}

// JobListRequest handles GET /jobs?user_id=&limit=. The list is ordered most
// recent first and the limit is clamped to [1, 100].
func (s *HTTPServer) JobListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	userID := req.URL.Query().Get("user_id")
	if userID == "" {
		return nil, CodedError(400, "user_id query parameter is required")
	}
	if !structs.ValidUserID(userID) {
		return nil, CodedError(400, "invalid user_id: "+userID)
	}

	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	limit = clamp(limit, 1, 100)

	jobs, err := s.agent.server.State().ListJobsByUser(userID, limit)
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// JobSpecificRequest handles GET /jobs/{job_id}.
func (s *HTTPServer) JobSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	jobID := mux.Vars(req)["job_id"]
	if !structs.ValidUUID(jobID) {
		return nil, CodedError(400, "invalid job ID format")
	}

	job, err := s.agent.server.State().GetJob(jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, structs.ErrJobNotFound
	}
	return job, nil
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}
