package command

import (
	"github.com/hashicorp/cli"

	"github.com/Jay-Jay-Tee/the-grid-x/version"
)

// VersionCommand is a Command implementation prints the version.
type VersionCommand struct {
	Ui cli.Ui
}

func (c *VersionCommand) Help() string {
	return ""
}

func (c *VersionCommand) Run(_ []string) int {
	c.Ui.Output(version.GetVersion().FullVersionNumber(true))
	return 0
}

func (c *VersionCommand) Synopsis() string {
	return "Prints the Grid-X version"
}
