package agent

import (
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

const maxBroadcastLength = 2000

// adminOverview is the GET /admin/overview response.
type adminOverview struct {
	Workers            []*structs.Worker `json:"workers"`
	ConnectedWorkerIDs []string          `json:"connected_worker_ids"`
	Jobs               adminOverviewJobs `json:"jobs"`
	Users              []*structs.User   `json:"users"`
	Timestamp          float64           `json:"timestamp"`
}

type adminOverviewJobs struct {
	Running           []*structs.Job `json:"running"`
	Queued            []*structs.Job `json:"queued"`
	Recent            []*structs.Job `json:"recent"`
	RecentlyCompleted []*structs.Job `json:"recently_completed"`
}

// AdminOverviewRequest handles GET /admin/overview: persisted workers merged
// with connected-but-unpersisted sessions, the job lists and the users. The
// limit is clamped to [1, 200].
func (s *HTTPServer) AdminOverviewRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	limit = clamp(limit, 1, 200)

	store := s.agent.server.State()

	workers, err := store.ListWorkers()
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(workers))
	for _, w := range workers {
		known[w.ID] = true
	}
	for _, info := range s.agent.server.Registry().Snapshot() {
		if known[info.WorkerID] {
			continue
		}
		workers = append(workers, &structs.Worker{
			ID:            info.WorkerID,
			OwnerID:       info.OwnerID,
			Status:        info.Status,
			IP:            "connected",
			Caps:          info.Caps,
			LastHeartbeat: info.LastSeen,
		})
	}

	running, err := store.ListJobsByStatus([]string{structs.JobStatusRunning}, limit)
	if err != nil {
		return nil, err
	}
	queued, err := store.ListJobsByStatus([]string{structs.JobStatusQueued}, limit)
	if err != nil {
		return nil, err
	}
	recent, err := store.ListRecentJobs(limit)
	if err != nil {
		return nil, err
	}
	completed, err := store.ListRecentlyCompleted(limit)
	if err != nil {
		return nil, err
	}
	users, err := store.ListUsers(200)
	if err != nil {
		return nil, err
	}

	return &adminOverview{
		Workers:            workers,
		ConnectedWorkerIDs: s.agent.server.Registry().ConnectedIDs(),
		Jobs: adminOverviewJobs{
			Running:           running,
			Queued:            queued,
			Recent:            recent,
			RecentlyCompleted: completed,
		},
		Users:     users,
		Timestamp: epochNow(),
	}, nil
}

// AdminDisconnectRequest handles POST /admin/workers/{id}/disconnect.
func (s *HTTPServer) AdminDisconnectRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	workerID, err := adminWorkerID(req)
	if err != nil {
		return nil, err
	}
	ok, err := s.agent.server.DisconnectWorker(workerID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, CodedError(404, "worker not connected or already offline")
	}
	return map[string]interface{}{"success": true, "worker_id": workerID}, nil
}

// AdminBanRequest handles POST /admin/workers/{id}/ban.
func (s *HTTPServer) AdminBanRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	return s.adminRestrict(req, structs.RestrictionBanned)
}

// AdminSuspendRequest handles POST /admin/workers/{id}/suspend.
func (s *HTTPServer) AdminSuspendRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	return s.adminRestrict(req, structs.RestrictionSuspended)
}

// AdminUnsuspendRequest handles POST /admin/workers/{id}/unsuspend.
func (s *HTTPServer) AdminUnsuspendRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	workerID, err := adminWorkerID(req)
	if err != nil {
		return nil, err
	}
	if err := s.agent.server.UnsuspendWorker(workerID); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":     true,
		"worker_id":   workerID,
		"restriction": nil,
	}, nil
}

func (s *HTTPServer) adminRestrict(req *http.Request, restriction string) (interface{}, error) {
	workerID, err := adminWorkerID(req)
	if err != nil {
		return nil, err
	}
	if err := s.agent.server.RestrictWorker(workerID, restriction); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success":     true,
		"worker_id":   workerID,
		"restriction": restriction,
	}, nil
}

func adminWorkerID(req *http.Request) (string, error) {
	workerID := mux.Vars(req)["worker_id"]
	if !structs.ValidUUID(workerID) {
		return "", CodedError(400, "invalid worker ID format")
	}
	return workerID, nil
}

// AdminBroadcastRequest handles POST /admin/broadcast: an advisory string
// pushed to every connected worker.
func (s *HTTPServer) AdminBroadcastRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	var body struct {
		Message string `json:"message"`
	}
	if err := decodeBody(req, &body); err != nil {
		return nil, CodedError(400, "invalid JSON body")
	}
	message := structs.SanitizeString(body.Message, maxBroadcastLength)
	if message == "" {
		return nil, CodedError(400, "message cannot be empty")
	}

	count := s.agent.server.Broadcast(message)
	return map[string]interface{}{
		"success":          true,
		"workers_notified": count,
	}, nil
}
