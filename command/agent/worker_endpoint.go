package agent

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// WorkerListRequest handles GET /workers: every persisted worker record.
func (s *HTTPServer) WorkerListRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	workers, err := s.agent.server.State().ListWorkers()
	if err != nil {
		return nil, err
	}
	return workers, nil
}

// workerRegisterBody is the POST /workers/register payload, the out-of-band
// registration path for workers that cannot hold a session open.
type workerRegisterBody struct {
	ID      string                `json:"id"`
	OwnerID string                `json:"owner_id"`
	IP      string                `json:"ip"`
	Caps    *structs.Capabilities `json:"caps"`
}

// WorkerRegisterRequest handles POST /workers/register.
func (s *HTTPServer) WorkerRegisterRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var body workerRegisterBody
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, "invalid JSON body")
	}
	if body.ID == "" {
		return nil, CodedError(400, "missing 'id' in body")
	}
	if !structs.ValidUUID(body.ID) {
		return nil, CodedError(400, "invalid worker ID format")
	}

	ownerID := structs.SanitizeString(body.OwnerID, structs.MaxUserIDLength)
	if ownerID != "" && !structs.ValidUserID(ownerID) {
		return nil, CodedError(400, "invalid owner_id: "+body.OwnerID)
	}

	ip := structs.SanitizeString(body.IP, 255)
	if ip == "" {
		ip = "http-worker"
	}
	caps := structs.DefaultCapabilities()
	if body.Caps != nil {
		caps = *body.Caps
	}

	err := s.agent.server.State().UpsertWorker(&structs.Worker{
		ID:      body.ID,
		OwnerID: ownerID,
		IP:      ip,
		Caps:    caps,
		Status:  structs.WorkerStatusIdle,
	})
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"success":   true,
		"worker_id": body.ID,
		"status":    "registered",
	}, nil
}

// WorkerHeartbeatRequest handles POST /workers/{worker_id}/heartbeat.
func (s *HTTPServer) WorkerHeartbeatRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	return s.workerHeartbeat(mux.Vars(req)["worker_id"])
}

// WorkerHeartbeatBodyRequest handles POST /workers/heartbeat with the ID in
// the body, kept for workers predating the path form.
func (s *HTTPServer) WorkerHeartbeatBodyRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var body struct {
		ID string `json:"id"`
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, "invalid JSON body")
	}
	if body.ID == "" {
		return nil, CodedError(400, "missing 'id' in body")
	}
	return s.workerHeartbeat(body.ID)
}

func (s *HTTPServer) workerHeartbeat(workerID string) (interface{}, error) {
	if !structs.ValidUUID(workerID) {
		return nil, CodedError(400, "invalid worker ID format")
	}
	if err := s.agent.server.State().TouchWorkerHeartbeat(workerID); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":   true,
		"worker_id": workerID,
		"timestamp": epochNow(),
	}, nil
}
