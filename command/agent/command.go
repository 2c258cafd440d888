package agent

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hashicorp/cli"
	"github.com/hashicorp/go-hclog"

	"github.com/Jay-Jay-Tee/the-grid-x/version"
)

// Command is the `agent` CLI command: it resolves configuration, starts the
// coordinator and blocks until a termination signal.
type Command struct {
	Ui         cli.Ui
	ShutdownCh <-chan struct{}

	args []string
}

func (c *Command) readConfig() (*Config, error) {
	var configPath string
	cmdConfig := &Config{}

	flags := flag.NewFlagSet("agent", flag.ContinueOnError)
	flags.Usage = func() { c.Ui.Error(c.Help()) }

	flags.StringVar(&configPath, "config", "", "")
	flags.StringVar(&cmdConfig.BindAddr, "bind", "", "")
	flags.IntVar(&cmdConfig.HTTPPort, "http-port", 0, "")
	flags.IntVar(&cmdConfig.WSPort, "ws-port", 0, "")
	flags.StringVar(&cmdConfig.DBPath, "db-path", "", "")
	flags.StringVar(&cmdConfig.LogLevel, "log-level", "", "")

	if err := flags.Parse(c.args); err != nil {
		return nil, err
	}

	config := DefaultConfig()
	if configPath != "" {
		fileConfig, err := LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		config = config.Merge(fileConfig)
	}
	return config.Merge(cmdConfig), nil
}

func (c *Command) Run(args []string) int {
	c.args = args

	config, err := c.readConfig()
	if err != nil {
		c.Ui.Error(err.Error())
		return 1
	}

	logger := hclog.New(&hclog.LoggerOptions{
		Name:  "gridx",
		Level: hclog.LevelFromString(config.LogLevel),
	})

	c.Ui.Output(fmt.Sprintf("Grid-X coordinator %s starting", version.GetVersion().VersionNumber()))

	agent, err := NewAgent(config, logger)
	if err != nil {
		c.Ui.Error(fmt.Sprintf("Error starting coordinator: %v", err))
		return 1
	}

	c.Ui.Output("Coordinator started! Log data will stream in below:")
	c.Ui.Info(fmt.Sprintf("        HTTP API: http://%s", agent.httpServer.Addr))
	c.Ui.Info(fmt.Sprintf("  Worker session: ws://%s%s", agent.wsServer.Addr, WorkerSessionPath))
	c.Ui.Info(fmt.Sprintf("        Database: %s", config.DBPath))

	return c.handleSignals(agent)
}

// handleSignals blocks until the process is told to stop.
func (c *Command) handleSignals(agent *Agent) int {
	signalCh := make(chan os.Signal, 4)
	signal.Notify(signalCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		c.Ui.Output(fmt.Sprintf("Caught signal: %v", sig))
	case <-c.ShutdownCh:
		c.Ui.Output("Shutdown requested")
	}

	if err := agent.Shutdown(); err != nil {
		c.Ui.Error(fmt.Sprintf("Error during shutdown: %v", err))
		return 1
	}
	return 0
}

func (c *Command) Synopsis() string {
	return "Runs the Grid-X coordinator"
}

func (c *Command) Help() string {
	helpText := `
Usage: gridx agent [options]

  Starts the Grid-X coordinator: the client/admin HTTP API, the worker
  session endpoint and the dispatcher.

Options:

  -config=<path>
    Path to a JSON configuration file. Flags override file settings.

  -bind=<addr>
    Address both listeners bind to. Defaults to 0.0.0.0.

  -http-port=<port>
    Port for the client and admin API. Defaults to 8081.

  -ws-port=<port>
    Port for the worker session endpoint. Defaults to 8080.

  -db-path=<path>
    SQLite database location.

  -log-level=<level>
    One of TRACE, DEBUG, INFO, WARN, ERROR. Defaults to INFO.
`
	return strings.TrimSpace(helpText)
}
