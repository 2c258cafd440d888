package agent

import (
	"net/http"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
	"github.com/Jay-Jay-Tee/the-grid-x/version"
)

// HealthRequest handles GET /health.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	return map[string]interface{}{
		"status":    "healthy",
		"service":   "grid-x-coordinator",
		"timestamp": epochNow(),
	}, nil
}

// StatusRequest handles GET /status: worker totals and queue depth.
func (s *HTTPServer) StatusRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	workers, err := s.agent.server.State().ListWorkers()
	if err != nil {
		return nil, err
	}
	active := 0
	for _, w := range workers {
		if w.Status == structs.WorkerStatusIdle || w.Status == structs.WorkerStatusBusy {
			active++
		}
	}

	return map[string]interface{}{
		"service": "Grid-X Coordinator",
		"version": version.Version,
		"uptime":  "running",
		"workers": map[string]int{
			"total":  len(workers),
			"active": active,
		},
		"queue_size": s.agent.server.QueueDepth(),
		"timestamp":  epochNow(),
	}, nil
}
