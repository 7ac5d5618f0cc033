package clicommand

import (
	"context"
	"fmt"

	"github.com/urfave/cli"

	"github.com/icarus-hq/icarus/api"
)

const approveDescription = `Usage:

    icarus approve [options...] <job-id>

Description:

Approve a job that is awaiting approval. The orchestrator commits the
job's workspace and the job completes.

Example:

    $ icarus approve 4f7f6f2a-4a9f-4c1e-9f5e-0b0a8b6e2c11 --comment "audit looks clean"`

var ApproveCommand = cli.Command{
	Name:        "approve",
	Usage:       "Approve a job awaiting approval",
	Description: approveDescription,
	Flags:       decisionFlags,
	Action: func(c *cli.Context) error {
		return decide(c, true)
	},
}

const rejectDescription = `Usage:

    icarus reject [options...] <job-id>

Description:

Reject a job that is awaiting approval. The job's workspace is discarded
and nothing is committed.

Example:

    $ icarus reject 4f7f6f2a-4a9f-4c1e-9f5e-0b0a8b6e2c11 --comment "tests are red"`

var RejectCommand = cli.Command{
	Name:        "reject",
	Usage:       "Reject a job awaiting approval",
	Description: rejectDescription,
	Flags:       decisionFlags,
	Action: func(c *cli.Context) error {
		return decide(c, false)
	},
}

var decisionFlags = []cli.Flag{
	cli.StringFlag{
		Name:   "comment",
		Usage:  "Reviewer comment recorded with the decision",
		EnvVar: "ICARUS_COMMENT",
	},

	EndpointFlag,
	DebugFlag,
	DebugHTTPFlag,
	NoColorFlag,
}

func decide(c *cli.Context, approved bool) error {
	jobID := c.Args().First()
	if jobID == "" {
		return fmt.Errorf("a job id is required, see %q", "icarus "+c.Command.Name+" --help")
	}

	ctx := context.Background()
	l := setupLogger(c)
	client := newAPIClient(l, c)

	result, _, err := client.Approve(ctx, jobID, api.ApproveRequest{
		Approved: approved,
		Comment:  c.String("comment"),
	})
	if err != nil {
		return fmt.Errorf("recording decision: %w", err)
	}

	l.Info("Job %s is %s", jobID, result.Status)
	return nil
}
