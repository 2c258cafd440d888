package main

import (
	"fmt"
	"os"

	"github.com/hashicorp/cli"

	"github.com/Jay-Jay-Tee/the-grid-x/command"
	"github.com/Jay-Jay-Tee/the-grid-x/version"
)

func main() {
	os.Exit(Run(os.Args[1:]))
}

// Run sets up the CLI and dispatches to the named command.
func Run(args []string) int {
	c := cli.NewCLI("gridx", version.GetVersion().VersionNumber())
	c.Args = args
	c.Commands = command.Commands(nil)

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}
	return exitCode
}
