package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli"

	"github.com/icarus-hq/icarus/clicommand"
	"github.com/icarus-hq/icarus/version"
)

func main() {
	app := cli.NewApp()
	app.Name = "icarus"
	app.Usage = "Local autonomous coding platform"
	app.Version = version.FullVersion()
	app.Commands = []cli.Command{
		clicommand.StartCommand,
		clicommand.SpawnCommand,
		clicommand.JobsCommand,
		clicommand.StatusCommand,
		clicommand.AuditCommand,
		clicommand.ApproveCommand,
		clicommand.RejectCommand,
		clicommand.SentinelCommand,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", app.Name, err)
		os.Exit(1)
	}
}
