// Package state implements the coordinator's durable store on SQLite:
// users, credentials, credit balances, worker records and job records.
// Every mutation is committed before the call returns. The store does not
// enforce cross-row invariants; credit atomicity lives in the guarded
// deduct statement and worker/job status coupling is enforced by callers.
package state

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	_ "github.com/mattn/go-sqlite3"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// StateStore wraps the SQLite handle. A single mutex serializes writers;
// callers treat each call as a linearization point.
type StateStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger hclog.Logger
}

func now() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

// NewStateStore opens (or creates) the database at path and applies the
// schema and any additive migrations. Use ":memory:" for tests.
func NewStateStore(path string, logger hclog.Logger) (*StateStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", path, err)
	}
	// SQLite allows exactly one writer; funnel everything through one
	// connection so the mutex above is the only queueing point.
	db.SetMaxOpenConns(1)

	s := &StateStore{db: db, logger: logger.Named("state")}
	if err := s.setupSchema(); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying handle.
func (s *StateStore) Close() error {
	return s.db.Close()
}

func (s *StateStore) setupSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS users (
			user_id TEXT PRIMARY KEY,
			auth_token TEXT NOT NULL,
			created_at REAL,
			last_login REAL
		)`,
		`CREATE TABLE IF NOT EXISTS credits (
			user_id TEXT PRIMARY KEY,
			balance REAL NOT NULL DEFAULT 0,
			updated_at REAL
		)`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			ip TEXT,
			cpu_cores INT,
			gpu INT,
			can_execute INT,
			status TEXT,
			last_heartbeat REAL
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			code TEXT,
			language TEXT,
			status TEXT,
			worker_id TEXT,
			timeout_s INT,
			reserved REAL,
			created_at REAL,
			assigned_at REAL,
			completed_at REAL,
			stdout TEXT,
			stderr TEXT,
			exit_code INT
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema setup failed: %w", err)
		}
	}
	return nil
}

// migrate applies additive column migrations. Columns are added with
// nullable defaults so legacy databases keep working; readers tolerate NULL
// in every migrated column.
func (s *StateStore) migrate() error {
	added := []struct{ table, column, typ string }{
		{"workers", "owner_id", "TEXT"},
		{"workers", "auth_token", "TEXT"},
		{"workers", "restriction", "TEXT"},
	}
	for _, m := range added {
		ok, err := s.columnExists(m.table, m.column)
		if err != nil {
			return err
		}
		if ok {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", m.table, m.column, m.typ)
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %s.%s failed: %w", m.table, m.column, err)
		}
		s.logger.Info("applied additive migration", "table", m.table, "column", m.column)
	}
	return nil
}

func (s *StateStore) columnExists(table, column string) (bool, error) {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, typ string
		var notnull int
		var dflt sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &typ, &notnull, &dflt, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// ---------- Users ----------

// RegisterUser upserts the credential row, refreshing last-login. New users
// keep their created timestamp across later logins.
func (s *StateStore) RegisterUser(userID, authToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := now()
	_, err := s.db.Exec(`
		INSERT INTO users(user_id, auth_token, created_at, last_login)
		VALUES(?,?,?,?)
		ON CONFLICT(user_id) DO UPDATE SET
			auth_token=excluded.auth_token,
			last_login=excluded.last_login`,
		userID, authToken, ts, ts)
	return err
}

// UserExists reports whether a credential row exists for userID.
func (s *StateStore) UserExists(userID string) (bool, error) {
	var n int
	err := s.db.QueryRow("SELECT COUNT(1) FROM users WHERE user_id=?", userID).Scan(&n)
	return n > 0, err
}

// VerifyUserAuth checks the opaque token by equality. A missing user fails.
func (s *StateStore) VerifyUserAuth(userID, authToken string) (bool, error) {
	var stored string
	err := s.db.QueryRow("SELECT auth_token FROM users WHERE user_id=?", userID).Scan(&stored)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return stored == authToken, nil
}

// ListUsers returns up to limit users joined with their balances.
func (s *StateStore) ListUsers(limit int) ([]*structs.User, error) {
	rows, err := s.db.Query(`
		SELECT u.user_id, u.created_at, u.last_login, COALESCE(c.balance, 0)
		FROM users u LEFT JOIN credits c ON c.user_id = u.user_id
		ORDER BY u.created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*structs.User
	for rows.Next() {
		var u structs.User
		var created, login sql.NullFloat64
		if err := rows.Scan(&u.ID, &created, &login, &u.Balance); err != nil {
			return nil, err
		}
		u.CreatedAt = created.Float64
		u.LastLogin = login.Float64
		out = append(out, &u)
	}
	return out, rows.Err()
}

// ---------- Credits ----------

// EnsureCredits creates the balance row with initial if absent. Idempotent.
func (s *StateStore) EnsureCredits(userID string, initial float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO credits(user_id, balance, updated_at) VALUES(?,?,?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, initial, now())
	return err
}

// Balance returns the current balance, zero when the row is absent.
func (s *StateStore) Balance(userID string) (float64, error) {
	var b float64
	err := s.db.QueryRow("SELECT balance FROM credits WHERE user_id=?", userID).Scan(&b)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return b, err
}

// Deduct atomically decrements the balance, guarded so it can never go
// negative. Returns true iff the row existed with balance >= amount.
func (s *StateStore) Deduct(userID string, amount float64) (bool, error) {
	if amount <= 0 {
		return true, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE credits SET balance=balance-?, updated_at=?
		WHERE user_id=? AND balance>=?`,
		amount, now(), userID, amount)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Credit unconditionally increments the balance, creating the row at zero
// first if absent.
func (s *StateStore) Credit(userID string, amount float64) error {
	if amount <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(`
		INSERT INTO credits(user_id, balance, updated_at) VALUES(?,0,?)
		ON CONFLICT(user_id) DO NOTHING`,
		userID, now()); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		UPDATE credits SET balance=balance+?, updated_at=? WHERE user_id=?`,
		amount, now(), userID)
	return err
}

// ---------- Workers ----------

// UpsertWorker inserts or refreshes a worker record, idempotent on ID. The
// restriction column is deliberately left untouched so an admin flag
// survives reconnects.
func (s *StateStore) UpsertWorker(w *structs.Worker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hb := w.LastHeartbeat
	if hb == 0 {
		hb = now()
	}
	_, err := s.db.Exec(`
		INSERT INTO workers(id, ip, cpu_cores, gpu, can_execute, status, last_heartbeat, owner_id, auth_token)
		VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET
			ip=excluded.ip,
			cpu_cores=excluded.cpu_cores,
			gpu=excluded.gpu,
			can_execute=excluded.can_execute,
			status=excluded.status,
			last_heartbeat=excluded.last_heartbeat,
			owner_id=excluded.owner_id,
			auth_token=excluded.auth_token`,
		w.ID, w.IP, w.Caps.CPUCores, boolToInt(w.Caps.GPU), boolToInt(w.Caps.CanExecute),
		w.Status, hb, w.OwnerID, w.AuthToken)
	return err
}

// SetWorkerStatus updates status and refreshes the heartbeat timestamp.
func (s *StateStore) SetWorkerStatus(workerID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE workers SET status=?, last_heartbeat=? WHERE id=?`,
		status, now(), workerID)
	return err
}

// TouchWorkerHeartbeat refreshes last_heartbeat without changing status.
func (s *StateStore) TouchWorkerHeartbeat(workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE workers SET last_heartbeat=? WHERE id=?`, now(), workerID)
	return err
}

// SetWorkerRestriction sets or clears the admin restriction flag.
func (s *StateStore) SetWorkerRestriction(workerID, restriction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		UPDATE workers SET restriction=? WHERE id=?`, restriction, workerID)
	return err
}

// GetWorker fetches a worker by ID, nil when absent.
func (s *StateStore) GetWorker(workerID string) (*structs.Worker, error) {
	row := s.db.QueryRow(workerSelect+" WHERE id=?", workerID)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// GetWorkerByAuth returns the most recently seen worker bound to the given
// owner/token pair, nil when none exists.
func (s *StateStore) GetWorkerByAuth(ownerID, authToken string) (*structs.Worker, error) {
	row := s.db.QueryRow(workerSelect+`
		WHERE owner_id=? AND auth_token=?
		ORDER BY last_heartbeat DESC LIMIT 1`, ownerID, authToken)
	w, err := scanWorker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return w, err
}

// ListWorkers returns every persisted worker.
func (s *StateStore) ListWorkers() ([]*structs.Worker, error) {
	return s.queryWorkers(workerSelect)
}

// ListWorkersByOwner returns the workers owned by a user.
func (s *StateStore) ListWorkersByOwner(ownerID string) ([]*structs.Worker, error) {
	return s.queryWorkers(workerSelect+" WHERE owner_id=?", ownerID)
}

// MarkStaleWorkersOffline flips every non-offline worker whose heartbeat
// predates cutoff to offline. Returns the number of workers changed.
func (s *StateStore) MarkStaleWorkersOffline(cutoff float64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`
		UPDATE workers SET status=? WHERE status!=? AND last_heartbeat<?`,
		structs.WorkerStatusOffline, structs.WorkerStatusOffline, cutoff)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const workerSelect = `
	SELECT id, ip, cpu_cores, gpu, can_execute, status, last_heartbeat,
	       owner_id, auth_token, restriction
	FROM workers`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(r rowScanner) (*structs.Worker, error) {
	var w structs.Worker
	var ip, owner, token, restriction sql.NullString
	var cores, gpu, canExec sql.NullInt64
	var hb sql.NullFloat64
	var status sql.NullString
	err := r.Scan(&w.ID, &ip, &cores, &gpu, &canExec, &status, &hb,
		&owner, &token, &restriction)
	if err != nil {
		return nil, err
	}
	w.IP = ip.String
	w.Caps.CPUCores = int(cores.Int64)
	w.Caps.GPU = gpu.Int64 != 0
	// Legacy rows predate the can_execute column; treat NULL as true.
	w.Caps.CanExecute = !canExec.Valid || canExec.Int64 != 0
	w.Status = status.String
	w.LastHeartbeat = hb.Float64
	w.OwnerID = owner.String
	w.AuthToken = token.String
	w.Restriction = restriction.String
	return &w, nil
}

func (s *StateStore) queryWorkers(query string, args ...interface{}) ([]*structs.Worker, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*structs.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
