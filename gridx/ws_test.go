package gridx

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shoenig/test/must"
	"github.com/shoenig/test/wait"

	"github.com/Jay-Jay-Tee/the-grid-x/ci"
	"github.com/Jay-Jay-Tee/the-grid-x/gridx/structs"
)

// dialWorker serves HandleWorkerSession behind a test HTTP listener and
// returns the client side of the upgraded connection.
func dialWorker(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.HandleWorkerSession(conn, "127.0.0.1")
	}))
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	must.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsHandshake(t *testing.T, conn *websocket.Conn, workerID string) {
	t.Helper()
	must.NoError(t, conn.WriteJSON(&structs.HelloMsg{
		Type:     structs.MsgTypeHello,
		WorkerID: workerID,
	}))
	var ack structs.HelloAckMsg
	must.NoError(t, conn.ReadJSON(&ack))
	must.Eq(t, workerID, ack.WorkerID)
}

func TestWorkerSession_DeadPeerReaped(t *testing.T) {
	ci.Parallel(t)
	s := TestServer(t, func(c *Config) {
		c.PingPeriod = 20 * time.Millisecond
		c.PingTimeout = 20 * time.Millisecond
	})

	conn := dialWorker(t, s)
	workerID := "eeeeeeee-eeee-eeee-eeee-eeeeeeeeeeee"
	wsHandshake(t, conn, workerID)
	must.NotNil(t, s.Registry().Get(workerID))

	// The client stops reading here, so pings are never answered. The read
	// deadline on the coordinator side expires and the session is torn down
	// through the normal disconnect path.
	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool { return s.Registry().Get(workerID) == nil }),
		wait.Timeout(3*time.Second),
		wait.Gap(10*time.Millisecond),
	))

	w, err := s.State().GetWorker(workerID)
	must.NoError(t, err)
	must.NotNil(t, w)
	must.Eq(t, structs.WorkerStatusOffline, w.Status)
}

func TestWorkerSession_HealthyPeerSurvivesKeepalive(t *testing.T) {
	ci.Parallel(t)
	s := TestServer(t, func(c *Config) {
		c.PingPeriod = 20 * time.Millisecond
		c.PingTimeout = 20 * time.Millisecond
	})

	conn := dialWorker(t, s)
	workerID := "ffffffff-ffff-ffff-ffff-ffffffffffff"
	wsHandshake(t, conn, workerID)

	// A reading client answers pings automatically, so the session must
	// survive well past several keepalive rounds without sending any frame
	// of its own.
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	time.Sleep(250 * time.Millisecond)
	must.NotNil(t, s.Registry().Get(workerID))

	conn.Close()
	<-readerDone
	must.Wait(t, wait.InitialSuccess(
		wait.BoolFunc(func() bool { return s.Registry().Get(workerID) == nil }),
		wait.Timeout(3*time.Second),
		wait.Gap(10*time.Millisecond),
	))
}
