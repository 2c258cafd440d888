package state

import (
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shoenig/test/must"

	"github.com/Jay-Jay-Tee/the-grid-x/ci"
	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
	"github.com/Jay-Jay-Tee/the-grid-x/helper/testlog"
)

func testStateStore(t *testing.T) *StateStore {
	t.Helper()
	s, err := NewStateStore(":memory:", testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStateStore_Migration(t *testing.T) {
	ci.Parallel(t)

	// Seed a legacy database that predates the owner_id, auth_token and
	// restriction columns, then reopen it through the store.
	path := filepath.Join(t.TempDir(), "legacy.db")
	raw, err := sql.Open("sqlite3", path)
	must.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE workers (
		id TEXT PRIMARY KEY,
		ip TEXT,
		cpu_cores INT,
		gpu INT,
		can_execute INT,
		status TEXT,
		last_heartbeat REAL
	)`)
	must.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO workers(id, ip, cpu_cores, gpu, can_execute, status, last_heartbeat)
		VALUES('11111111-1111-1111-1111-111111111111', '10.0.0.1', 2, 0, NULL, 'idle', 1.0)`)
	must.NoError(t, err)
	must.NoError(t, raw.Close())

	s, err := NewStateStore(path, testlog.HCLogger(t))
	must.NoError(t, err)
	defer s.Close()

	// The legacy row survives, NULL can_execute reads as true and the
	// migrated columns are usable.
	w, err := s.GetWorker("11111111-1111-1111-1111-111111111111")
	must.NoError(t, err)
	must.NotNil(t, w)
	must.True(t, w.Caps.CanExecute)
	must.Eq(t, structs.RestrictionNone, w.Restriction)

	must.NoError(t, s.SetWorkerRestriction(w.ID, structs.RestrictionBanned))
	w, err = s.GetWorker(w.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RestrictionBanned, w.Restriction)

	// Reopening must not re-apply or fail the migration.
	must.NoError(t, s.Close())
	s2, err := NewStateStore(path, testlog.HCLogger(t))
	must.NoError(t, err)
	defer s2.Close()
	w, err = s2.GetWorker(w.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RestrictionBanned, w.Restriction)
}

func TestStateStore_Users(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	ok, err := s.UserExists("alice")
	must.NoError(t, err)
	must.False(t, ok)

	must.NoError(t, s.RegisterUser("alice", "tok1"))
	ok, err = s.UserExists("alice")
	must.NoError(t, err)
	must.True(t, ok)

	ok, err = s.VerifyUserAuth("alice", "tok1")
	must.NoError(t, err)
	must.True(t, ok)

	ok, err = s.VerifyUserAuth("alice", "wrong")
	must.NoError(t, err)
	must.False(t, ok)

	ok, err = s.VerifyUserAuth("nobody", "tok1")
	must.NoError(t, err)
	must.False(t, ok)

	// Re-register rotates the token.
	must.NoError(t, s.RegisterUser("alice", "tok2"))
	ok, err = s.VerifyUserAuth("alice", "tok2")
	must.NoError(t, err)
	must.True(t, ok)
}

func TestStateStore_Credits(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	// Absent user reads as zero.
	b, err := s.Balance("alice")
	must.NoError(t, err)
	must.Eq(t, 0.0, b)

	must.NoError(t, s.EnsureCredits("alice", 100))
	b, err = s.Balance("alice")
	must.NoError(t, err)
	must.Eq(t, 100.0, b)

	// EnsureCredits is idempotent, never a top-up.
	must.NoError(t, s.EnsureCredits("alice", 100))
	b, err = s.Balance("alice")
	must.NoError(t, err)
	must.Eq(t, 100.0, b)
}

func TestStateStore_Deduct_Guarded(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)
	must.NoError(t, s.EnsureCredits("alice", 10))

	ok, err := s.Deduct("alice", 6)
	must.NoError(t, err)
	must.True(t, ok)

	// Remaining 4 cannot cover another 6; balance is untouched.
	ok, err = s.Deduct("alice", 6)
	must.NoError(t, err)
	must.False(t, ok)

	b, err := s.Balance("alice")
	must.NoError(t, err)
	must.Eq(t, 4.0, b)

	// Deducting the exact balance succeeds and leaves zero.
	ok, err = s.Deduct("alice", 4)
	must.NoError(t, err)
	must.True(t, ok)
	b, err = s.Balance("alice")
	must.NoError(t, err)
	must.Eq(t, 0.0, b)

	// No row means no debit.
	ok, err = s.Deduct("ghost", 1)
	must.NoError(t, err)
	must.False(t, ok)
}

func TestStateStore_Credit_CreatesRow(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	must.NoError(t, s.Credit("bob", 2.5))
	b, err := s.Balance("bob")
	must.NoError(t, err)
	must.Eq(t, 2.5, b)

	must.NoError(t, s.Credit("bob", 1.5))
	b, err = s.Balance("bob")
	must.NoError(t, err)
	must.Eq(t, 4.0, b)

	// Non-positive amounts are no-ops.
	must.NoError(t, s.Credit("bob", 0))
	must.NoError(t, s.Credit("bob", -3))
	b, err = s.Balance("bob")
	must.NoError(t, err)
	must.Eq(t, 4.0, b)
}

func TestStateStore_Workers(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	w := &structs.Worker{
		ID:      "22222222-2222-2222-2222-222222222222",
		OwnerID: "alice",
		IP:      "10.1.2.3",
		Caps:    structs.Capabilities{CPUCores: 4, GPU: true, CanExecute: true},
		Status:  structs.WorkerStatusIdle,
	}
	must.NoError(t, s.UpsertWorker(w))

	got, err := s.GetWorker(w.ID)
	must.NoError(t, err)
	must.NotNil(t, got)
	must.Eq(t, "alice", got.OwnerID)
	must.Eq(t, 4, got.Caps.CPUCores)
	must.True(t, got.Caps.GPU)
	must.Eq(t, structs.WorkerStatusIdle, got.Status)

	// Restriction survives a re-upsert (reconnect).
	must.NoError(t, s.SetWorkerRestriction(w.ID, structs.RestrictionSuspended))
	must.NoError(t, s.UpsertWorker(w))
	got, err = s.GetWorker(w.ID)
	must.NoError(t, err)
	must.Eq(t, structs.RestrictionSuspended, got.Restriction)

	must.NoError(t, s.SetWorkerStatus(w.ID, structs.WorkerStatusBusy))
	got, err = s.GetWorker(w.ID)
	must.NoError(t, err)
	must.Eq(t, structs.WorkerStatusBusy, got.Status)

	missing, err := s.GetWorker("33333333-3333-3333-3333-333333333333")
	must.NoError(t, err)
	must.Nil(t, missing)
}

func TestStateStore_GetWorkerByAuth(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	old := &structs.Worker{
		ID:            "44444444-4444-4444-4444-444444444444",
		OwnerID:       "alice",
		AuthToken:     "tok",
		Status:        structs.WorkerStatusOffline,
		LastHeartbeat: 100,
	}
	recent := &structs.Worker{
		ID:            "55555555-5555-5555-5555-555555555555",
		OwnerID:       "alice",
		AuthToken:     "tok",
		Status:        structs.WorkerStatusOffline,
		LastHeartbeat: 200,
	}
	must.NoError(t, s.UpsertWorker(old))
	must.NoError(t, s.UpsertWorker(recent))

	// Most recent heartbeat wins.
	got, err := s.GetWorkerByAuth("alice", "tok")
	must.NoError(t, err)
	must.NotNil(t, got)
	must.Eq(t, recent.ID, got.ID)

	none, err := s.GetWorkerByAuth("alice", "other")
	must.NoError(t, err)
	must.Nil(t, none)
}

func TestStateStore_MarkStaleWorkersOffline(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	stale := &structs.Worker{
		ID:            "66666666-6666-6666-6666-666666666666",
		Status:        structs.WorkerStatusIdle,
		LastHeartbeat: 100,
	}
	fresh := &structs.Worker{
		ID:            "77777777-7777-7777-7777-777777777777",
		Status:        structs.WorkerStatusBusy,
		LastHeartbeat: 1000,
	}
	must.NoError(t, s.UpsertWorker(stale))
	must.NoError(t, s.UpsertWorker(fresh))

	n, err := s.MarkStaleWorkersOffline(500)
	must.NoError(t, err)
	must.Eq(t, 1, n)

	got, err := s.GetWorker(stale.ID)
	must.NoError(t, err)
	must.Eq(t, structs.WorkerStatusOffline, got.Status)

	got, err = s.GetWorker(fresh.ID)
	must.NoError(t, err)
	must.Eq(t, structs.WorkerStatusBusy, got.Status)

	// Second sweep finds nothing new.
	n, err = s.MarkStaleWorkersOffline(500)
	must.NoError(t, err)
	must.Eq(t, 0, n)
}

func TestStateStore_ListUsers(t *testing.T) {
	ci.Parallel(t)
	s := testStateStore(t)

	must.NoError(t, s.RegisterUser("alice", "t1"))
	must.NoError(t, s.RegisterUser("bob", "t2"))
	must.NoError(t, s.EnsureCredits("alice", 100))

	users, err := s.ListUsers(10)
	must.NoError(t, err)
	must.Len(t, 2, users)

	byID := map[string]float64{}
	for _, u := range users {
		byID[u.ID] = u.Balance
	}
	must.Eq(t, 100.0, byID["alice"])
	// No credits row reads as zero via the join.
	must.Eq(t, 0.0, byID["bob"])
}
