package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/shoenig/test/must"

	"github.com/Jay-Jay-Tee/the-grid-x/ci"
	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

func httpGet(t *testing.T, a *Agent, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(fmt.Sprintf("http://%s%s", a.httpServer.Addr, path))
	must.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	must.NoError(t, err)
	return resp.StatusCode, body
}

func httpPost(t *testing.T, a *Agent, path string, payload interface{}) (int, []byte) {
	t.Helper()
	raw, err := json.Marshal(payload)
	must.NoError(t, err)
	resp, err := http.Post(
		fmt.Sprintf("http://%s%s", a.httpServer.Addr, path),
		"application/json", bytes.NewReader(raw))
	must.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	must.NoError(t, err)
	return resp.StatusCode, body
}

func TestHTTP_SubmitJob(t *testing.T) {
	ci.Parallel(t)
	a := testAgent(t, nil)

	code, body := httpPost(t, a, "/jobs", map[string]interface{}{
		"user_id": "alice",
		"code":    "print('hi')",
	})
	must.Eq(t, 200, code)

	var out jobSubmitResponse
	must.NoError(t, json.Unmarshal(body, &out))
	must.True(t, structs.ValidUUID(out.JobID))
	must.Eq(t, structs.JobStatusQueued, out.Status)
	must.Eq(t, 6.0, out.Reserved)

	// The job is retrievable.
	code, body = httpGet(t, a, "/jobs/"+out.JobID)
	must.Eq(t, 200, code)
	var job structs.Job
	must.NoError(t, json.Unmarshal(body, &job))
	must.Eq(t, "alice", job.UserID)
}

func TestHTTP_SubmitJob_Errors(t *testing.T) {
	ci.Parallel(t)
	a := testAgent(t, func(c *Config) {
		c.InitialCredits = 5
	})

	t.Run("empty code is 400", func(t *testing.T) {
		code, _ := httpPost(t, a, "/jobs", map[string]interface{}{
			"user_id": "alice", "code": "",
		})
		must.Eq(t, 400, code)
	})

	t.Run("bad language is 400", func(t *testing.T) {
		code, _ := httpPost(t, a, "/jobs", map[string]interface{}{
			"user_id": "alice", "code": "x", "language": "cobol",
		})
		must.Eq(t, 400, code)
	})

	t.Run("digit-leading user is 400", func(t *testing.T) {
		code, _ := httpPost(t, a, "/jobs", map[string]interface{}{
			"user_id": "9lives", "code": "x",
		})
		must.Eq(t, 400, code)
	})

	t.Run("insufficient credits is 402 with no job row", func(t *testing.T) {
		code, _ := httpPost(t, a, "/jobs", map[string]interface{}{
			"user_id": "alice", "code": "x",
		})
		must.Eq(t, 402, code)

		jobs, err := a.server.State().ListJobsByUser("alice", 10)
		must.NoError(t, err)
		must.Len(t, 0, jobs)

		balance, err := a.server.Ledger().Balance("alice")
		must.NoError(t, err)
		must.Eq(t, 5.0, balance)
	})
}

func TestHTTP_GetJob_Errors(t *testing.T) {
	ci.Parallel(t)
	a := testAgent(t, nil)

	code, _ := httpGet(t, a, "/jobs/not-a-uuid")
	must.Eq(t, 400, code)

	code, _ = httpGet(t, a, "/jobs/00000000-0000-0000-0000-000000000000")
	must.Eq(t, 404, code)
}

func TestHTTP_ListJobs(t *testing.T) {
	ci.Parallel(t)
	a := testAgent(t, nil)

	for i := 0; i < 3; i++ {
		code, _ := httpPost(t, a, "/jobs", map[string]interface{}{
			"user_id": "alice", "code": "x",
		})
		must.Eq(t, 200, code)
	}

	code, body := httpGet(t, a, "/jobs?user_id=alice&limit=2")
	must.Eq(t, 200, code)
	var jobs []*structs.Job
	must.NoError(t, json.Unmarshal(body, &jobs))
	must.Len(t, 2, jobs)

	// user_id is mandatory and validated.
	code, _ = httpGet(t, a, "/jobs")
	must.Eq(t, 400, code)
	code, _ = httpGet(t, a, "/jobs?user_id=1bad")
	must.Eq(t, 400, code)
}

func TestHTTP_Credits(t *testing.T) {
	ci.Parallel(t)
	a := testAgent(t, nil)

	// Unknown users are seeded with the initial grant on first read.
	code, body := httpGet(t, a, "/credits/alice")
	must.Eq(t, 200, code)
	var out struct {
		UserID  string  `json:"user_id"`
		Balance float64 `json:"balance"`
	}
	must.NoError(t, json.Unmarshal(body, &out))
	must.Eq(t, "alice", out.UserID)
	must.Eq(t, 100.0, out.Balance)

	code, _ = httpGet(t, a, "/credits/3bad")
	must.Eq(t, 400, code)
}

func TestHTTP_WorkerRegisterAndList(t *testing.T) {
	ci.Parallel(t)
	a := testAgent(t, nil)

	workerID := "cccccccc-cccc-cccc-cccc-cccccccccccc"
	code, _ := httpPost(t, a, "/workers/register", map[string]interface{}{
		"id":       workerID,
		"owner_id": "alice",
		"ip":       "10.0.0.9",
		"caps":     map[string]interface{}{"cpu_cores": 4},
	})
	must.Eq(t, 200, code)

	code, body := httpGet(t, a, "/workers")
	must.Eq(t, 200, code)
	var workers []*structs.Worker
	must.NoError(t, json.Unmarshal(body, &workers))
	must.Len(t, 1, workers)
	must.Eq(t, workerID, workers[0].ID)
	must.Eq(t, 4, workers[0].Caps.CPUCores)

	// Malformed IDs are rejected.
	code, _ = httpPost(t, a, "/workers/register", map[string]interface{}{
		"id": "nope",
	})
	must.Eq(t, 400, code)

	// Heartbeats land on the persisted row.
	code, _ = httpPost(t, a, "/workers/"+workerID+"/heartbeat", map[string]interface{}{})
	must.Eq(t, 200, code)
	code, _ = httpPost(t, a, "/workers/heartbeat", map[string]interface{}{"id": workerID})
	must.Eq(t, 200, code)
}

func TestHTTP_HealthAndStatus(t *testing.T) {
	ci.Parallel(t)
	a := testAgent(t, nil)

	code, body := httpGet(t, a, "/health")
	must.Eq(t, 200, code)
	must.StrContains(t, string(body), "healthy")

	code, body = httpGet(t, a, "/status")
	must.Eq(t, 200, code)
	var status struct {
		Service   string         `json:"service"`
		Workers   map[string]int `json:"workers"`
		QueueSize int            `json:"queue_size"`
	}
	must.NoError(t, json.Unmarshal(body, &status))
	must.Eq(t, "Grid-X Coordinator", status.Service)
	must.Eq(t, 0, status.QueueSize)
}

func TestHTTP_AdminEndpoints(t *testing.T) {
	ci.Parallel(t)
	a := testAgent(t, nil)

	workerID := "dddddddd-dddd-dddd-dddd-dddddddddddd"

	t.Run("restrict unknown worker is 404", func(t *testing.T) {
		code, _ := httpPost(t, a, "/admin/workers/"+workerID+"/ban", nil)
		must.Eq(t, 404, code)
	})

	t.Run("invalid id is 400", func(t *testing.T) {
		code, _ := httpPost(t, a, "/admin/workers/nope/ban", nil)
		must.Eq(t, 400, code)
	})

	t.Run("ban then unsuspend a persisted worker", func(t *testing.T) {
		must.NoError(t, a.server.State().UpsertWorker(&structs.Worker{
			ID: workerID, Status: structs.WorkerStatusIdle,
		}))

		code, _ := httpPost(t, a, "/admin/workers/"+workerID+"/ban", nil)
		must.Eq(t, 200, code)
		w, err := a.server.State().GetWorker(workerID)
		must.NoError(t, err)
		must.Eq(t, structs.RestrictionBanned, w.Restriction)

		code, _ = httpPost(t, a, "/admin/workers/"+workerID+"/unsuspend", nil)
		must.Eq(t, 200, code)
		w, err = a.server.State().GetWorker(workerID)
		must.NoError(t, err)
		must.Eq(t, structs.RestrictionNone, w.Restriction)
	})

	t.Run("disconnect of offline worker is 404", func(t *testing.T) {
		code, _ := httpPost(t, a, "/admin/workers/"+workerID+"/disconnect", nil)
		must.Eq(t, 404, code)
	})

	t.Run("broadcast requires a message", func(t *testing.T) {
		code, _ := httpPost(t, a, "/admin/broadcast", map[string]interface{}{"message": ""})
		must.Eq(t, 400, code)

		code, body := httpPost(t, a, "/admin/broadcast", map[string]interface{}{"message": "hi"})
		must.Eq(t, 200, code)
		var out struct {
			Notified int `json:"workers_notified"`
		}
		must.NoError(t, json.Unmarshal(body, &out))
		must.Eq(t, 0, out.Notified)
	})

	t.Run("overview", func(t *testing.T) {
		code, body := httpGet(t, a, "/admin/overview")
		must.Eq(t, 200, code)
		var out adminOverview
		must.NoError(t, json.Unmarshal(body, &out))
		must.Len(t, 1, out.Workers)
	})
}
