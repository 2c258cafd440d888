package gridx

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/Jay-Jay-Tee/the-grid-x/ci"
	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// settleSetup submits one job as alice and assigns it to bob's worker.
func settleSetup(t *testing.T, s *Server) (*structs.Job, *mockSender) {
	t.Helper()

	_, sender := connectWorker(t, s, "w-bob", "bob")
	must.NoError(t, s.State().UpsertWorker(&structs.Worker{
		ID: "w-bob", OwnerID: "bob", Status: structs.WorkerStatusIdle,
	}))

	job, err := s.SubmitJob(&SubmitRequest{UserID: "alice", Code: "x"})
	must.NoError(t, err)
	s.dispatch()

	stored, err := s.State().GetJob(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusAssigned, stored.Status)
	return stored, sender
}

func TestSettlement_TimeCostAndReward(t *testing.T) {
	ci.Parallel(t)
	s := TestServer(t, nil)
	job, _ := settleSetup(t, s)

	// rate 0.1, timeout 60: reserve 6, balance 94 after submit. A 3 second
	// run costs 0.3; 5.7 flows back and bob earns 0.8 * 0.3.
	s.handleJobResult("w-bob", &structs.JobResultMsg{
		Type:            structs.MsgTypeJobResult,
		JobID:           job.ID,
		ExitCode:        0,
		Stdout:          "done",
		DurationSeconds: 3,
	})

	stored, err := s.State().GetJob(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusCompleted, stored.Status)
	must.Eq(t, "done", stored.Stdout)

	alice, err := s.Ledger().Balance("alice")
	must.NoError(t, err)
	must.InDelta(t, 99.7, alice, 0.0001)

	bob, err := s.Ledger().Balance("bob")
	must.NoError(t, err)
	must.InDelta(t, 0.24, bob, 0.0001)

	// The worker is back in the idle pool.
	status, ok := s.Registry().Status("w-bob")
	must.True(t, ok)
	must.Eq(t, structs.WorkerStatusIdle, status)
}

func TestSettlement_Idempotent(t *testing.T) {
	ci.Parallel(t)
	s := TestServer(t, nil)
	job, _ := settleSetup(t, s)

	result := &structs.JobResultMsg{
		Type:            structs.MsgTypeJobResult,
		JobID:           job.ID,
		ExitCode:        0,
		DurationSeconds: 3,
	}
	s.handleJobResult("w-bob", result)

	alice1, err := s.Ledger().Balance("alice")
	must.NoError(t, err)
	bob1, err := s.Ledger().Balance("bob")
	must.NoError(t, err)

	// A duplicate result frame changes no balance.
	s.handleJobResult("w-bob", result)

	alice2, err := s.Ledger().Balance("alice")
	must.NoError(t, err)
	bob2, err := s.Ledger().Balance("bob")
	must.NoError(t, err)
	must.Eq(t, alice1, alice2)
	must.Eq(t, bob1, bob2)
}

func TestSettlement_CostClampedToReserve(t *testing.T) {
	ci.Parallel(t)
	s := TestServer(t, nil)
	job, _ := settleSetup(t, s)

	// A claimed duration far past the timeout cannot charge beyond the
	// reserve: alice never drops below submit-time balance, bob's reward is
	// bounded by the reserve.
	s.handleJobResult("w-bob", &structs.JobResultMsg{
		Type:            structs.MsgTypeJobResult,
		JobID:           job.ID,
		ExitCode:        0,
		DurationSeconds: 100000,
	})

	alice, err := s.Ledger().Balance("alice")
	must.NoError(t, err)
	must.InDelta(t, 94.0, alice, 0.0001)

	bob, err := s.Ledger().Balance("bob")
	must.NoError(t, err)
	must.InDelta(t, 0.8*6.0, bob, 0.0001)
}

func TestSettlement_FailedJobStillSettles(t *testing.T) {
	ci.Parallel(t)
	s := TestServer(t, nil)
	job, _ := settleSetup(t, s)

	// A non-zero exit is a failed job, but compute time was still spent:
	// the cost is charged and the surplus refunded the same way.
	s.handleJobResult("w-bob", &structs.JobResultMsg{
		Type:            structs.MsgTypeJobResult,
		JobID:           job.ID,
		ExitCode:        1,
		Stderr:          "traceback",
		DurationSeconds: 2,
	})

	stored, err := s.State().GetJob(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusFailed, stored.Status)
	must.Eq(t, "traceback", stored.Stderr)

	alice, err := s.Ledger().Balance("alice")
	must.NoError(t, err)
	must.InDelta(t, 99.8, alice, 0.0001)
}

func TestSettlement_UnknownJob(t *testing.T) {
	ci.Parallel(t)
	s := TestServer(t, nil)

	_, _ = connectWorker(t, s, "w-bob", "bob")
	s.Registry().MarkBusy("w-bob")

	// A result for a job that does not exist releases the worker and
	// nothing else.
	s.handleJobResult("w-bob", &structs.JobResultMsg{
		Type:  structs.MsgTypeJobResult,
		JobID: "00000000-0000-0000-0000-000000000000",
	})

	status, ok := s.Registry().Status("w-bob")
	must.True(t, ok)
	must.Eq(t, structs.WorkerStatusIdle, status)
}

func TestSettlement_LateResultAfterReassign(t *testing.T) {
	ci.Parallel(t)
	s := TestServer(t, nil)

	sess1, _ := connectWorker(t, s, "w-bob", "bob")
	must.NoError(t, s.State().UpsertWorker(&structs.Worker{
		ID: "w-bob", OwnerID: "bob", Status: structs.WorkerStatusIdle,
	}))

	job, err := s.SubmitJob(&SubmitRequest{UserID: "alice", Code: "x"})
	must.NoError(t, err)
	s.dispatch()

	// The first worker goes dark; the job is requeued and handed to a
	// second worker.
	s.Registry().Unregister(sess1)
	requeued, err := s.State().RequeueJob(job.ID)
	must.NoError(t, err)
	must.True(t, requeued)
	must.NoError(t, s.queue.Enqueue(job.ID))

	_, _ = connectWorker(t, s, "w-carol", "carol")
	must.NoError(t, s.State().UpsertWorker(&structs.Worker{
		ID: "w-carol", OwnerID: "carol", Status: structs.WorkerStatusIdle,
	}))
	s.dispatch()

	stored, err := s.State().GetJob(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusAssigned, stored.Status)
	must.Eq(t, "w-carol", stored.WorkerID)

	// The late result from the original worker neither settles the job nor
	// earns its owner the reward.
	s.handleJobResult("w-bob", &structs.JobResultMsg{
		Type:            structs.MsgTypeJobResult,
		JobID:           job.ID,
		ExitCode:        0,
		DurationSeconds: 3,
	})

	stored, err = s.State().GetJob(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusAssigned, stored.Status)
	must.Eq(t, "w-carol", stored.WorkerID)

	alice, err := s.Ledger().Balance("alice")
	must.NoError(t, err)
	must.InDelta(t, 94.0, alice, 0.0001)
	bob, err := s.Ledger().Balance("bob")
	must.NoError(t, err)
	must.Eq(t, 0.0, bob)

	status, ok := s.Registry().Status("w-carol")
	must.True(t, ok)
	must.Eq(t, structs.WorkerStatusBusy, status)

	// The worker actually holding the assignment settles it.
	s.handleJobResult("w-carol", &structs.JobResultMsg{
		Type:            structs.MsgTypeJobResult,
		JobID:           job.ID,
		ExitCode:        0,
		DurationSeconds: 3,
	})
	stored, err = s.State().GetJob(job.ID)
	must.NoError(t, err)
	must.Eq(t, structs.JobStatusCompleted, stored.Status)
	carol, err := s.Ledger().Balance("carol")
	must.NoError(t, err)
	must.InDelta(t, 0.24, carol, 0.0001)
}

func TestSettlement_ReserveRefundLaw(t *testing.T) {
	ci.Parallel(t)
	s := TestServer(t, nil)
	job, _ := settleSetup(t, s)

	before, err := s.Ledger().Balance("alice")
	must.NoError(t, err)

	s.handleJobResult("w-bob", &structs.JobResultMsg{
		Type:            structs.MsgTypeJobResult,
		JobID:           job.ID,
		ExitCode:        0,
		DurationSeconds: 10,
	})

	// submit-then-settle must equal a single charge of the actual cost:
	// balance_after = balance_before + reserved - cost.
	after, err := s.Ledger().Balance("alice")
	must.NoError(t, err)
	cost := s.Ledger().TimeCost(10, job.Reserved)
	must.InDelta(t, before+job.Reserved-cost, after, 0.0001)
}
