package command

import (
	"os"

	"github.com/hashicorp/cli"

	"github.com/Jay-Jay-Tee/the-grid-x/command/agent"
)

// Commands returns the mapping of CLI commands.
func Commands(agentUi cli.Ui) map[string]cli.CommandFactory {
	if agentUi == nil {
		agentUi = &cli.BasicUi{
			Reader:      os.Stdin,
			Writer:      os.Stdout,
			ErrorWriter: os.Stderr,
		}
	}

	all := map[string]cli.CommandFactory{
		"agent": func() (cli.Command, error) {
			return &agent.Command{
				Ui: agentUi,
			}, nil
		},
		"version": func() (cli.Command, error) {
			return &VersionCommand{
				Ui: agentUi,
			}, nil
		},
	}

	return all
}
