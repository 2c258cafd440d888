package gridx

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shoenig/test/must"

	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
	"github.com/Jay-Jay-Tee/the-grid-x/helper/testlog"
)

// TestServer starts a coordinator on an in-memory database with test-sized
// defaults. Callers own the returned server; shutdown is registered as a
// cleanup.
func TestServer(t *testing.T, cb func(*Config)) *Server {
	t.Helper()

	config := DefaultConfig()
	config.DBPath = ":memory:"
	// Keep the watchdog ticker out of the way; tests drive sweeps directly.
	config.WatchdogPeriod = time.Hour
	if cb != nil {
		cb(config)
	}

	s, err := NewServer(config, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(func() { s.Shutdown() })
	return s
}

// mockSender records sent frames and close calls, optionally failing sends.
type mockSender struct {
	mu       sync.Mutex
	sent     []interface{}
	failSend bool
	closed   bool
	code     int
	reason   string
}

func (m *mockSender) Send(v interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failSend {
		return errSendFailed
	}
	m.sent = append(m.sent, v)
	return nil
}

func (m *mockSender) CloseWithCode(code int, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.code = code
	m.reason = reason
	return nil
}

func (m *mockSender) Sent() []interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]interface{}, len(m.sent))
	copy(out, m.sent)
	return out
}

func (m *mockSender) Closed() (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed, m.code
}

func (m *mockSender) setFail(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failSend = fail
}

var errSendFailed = errors.New("send failed")

// connectWorker registers a mock worker session directly with the registry.
func connectWorker(t *testing.T, s *Server, workerID, ownerID string) (*Session, *mockSender) {
	t.Helper()
	sender := &mockSender{}
	sess := NewSession(workerID, ownerID, "127.0.0.1", structs.DefaultCapabilities(), sender)
	if prev := s.registry.Register(sess); prev != nil {
		t.Fatalf("unexpected duplicate session for %s", workerID)
	}
	return sess, sender
}
