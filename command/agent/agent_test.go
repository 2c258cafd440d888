package agent

import (
	"testing"

	"github.com/shoenig/test/must"

	"github.com/Jay-Jay-Tee/the-grid-x/ci"
	"github.com/Jay-Jay-Tee/the-grid-x/helper/testlog"
)

// testAgent starts a full agent on ephemeral ports with an in-memory store.
func testAgent(t *testing.T, cb func(*Config)) *Agent {
	t.Helper()

	config := DefaultConfig()
	config.BindAddr = "127.0.0.1"
	config.HTTPPort = 0
	config.WSPort = 0
	config.DBPath = ":memory:"
	if cb != nil {
		cb(config)
	}

	a, err := NewAgent(config, testlog.HCLogger(t))
	must.NoError(t, err)
	t.Cleanup(func() { a.Shutdown() })
	return a
}

func TestAgent_StartShutdown(t *testing.T) {
	ci.Parallel(t)

	a := testAgent(t, nil)
	must.NotNil(t, a.Server())
	must.NotEq(t, "", a.httpServer.Addr)
	must.NotEq(t, "", a.wsServer.Addr)

	must.NoError(t, a.Shutdown())
	// Shutdown is idempotent.
	must.NoError(t, a.Shutdown())
}

func TestConfig_MergePrecedence(t *testing.T) {
	ci.Parallel(t)

	base := DefaultConfig()
	merged := base.Merge(&Config{
		HTTPPort: 9999,
		DBPath:   "/tmp/x.db",
		LogLevel: "DEBUG",
	})

	must.Eq(t, 9999, merged.HTTPPort)
	must.Eq(t, "/tmp/x.db", merged.DBPath)
	must.Eq(t, "DEBUG", merged.LogLevel)
	// Untouched fields fall through.
	must.Eq(t, base.WSPort, merged.WSPort)
	must.Eq(t, base.InitialCredits, merged.InitialCredits)
}

func TestConfig_ToCoordinatorConfig(t *testing.T) {
	ci.Parallel(t)

	c := DefaultConfig()
	c.HeartbeatStaleSeconds = 5
	c.SupportedLanguages = []string{"python"}

	core := c.toCoordinatorConfig()
	must.Eq(t, 5, int(core.HeartbeatStale.Seconds()))
	must.Eq(t, []string{"python"}, core.SupportedLanguages)
	must.NoError(t, core.Validate())
}
