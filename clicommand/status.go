package clicommand

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/urfave/cli"
)

const statusDescription = `Usage:

    icarus status [options...] <job-id>

Description:

Show one job's status, and its latest worker telemetry while a phase is
running.

Example:

    $ icarus status 4f7f6f2a-4a9f-4c1e-9f5e-0b0a8b6e2c11`

var StatusCommand = cli.Command{
	Name:        "status",
	Usage:       "Show a job's status",
	Description: statusDescription,
	Flags: []cli.Flag{
		EndpointFlag,
		DebugFlag,
		DebugHTTPFlag,
		NoColorFlag,
	},
	Action: func(c *cli.Context) error {
		jobID := c.Args().First()
		if jobID == "" {
			return fmt.Errorf("a job id is required, see %q", "icarus status --help")
		}

		ctx := context.Background()
		l := setupLogger(c)
		client := newAPIClient(l, c)

		status, _, err := client.GetJobStatus(ctx, jobID)
		if err != nil {
			return fmt.Errorf("fetching job status: %w", err)
		}

		fmt.Printf("Job:     %s\n", status.JobID)
		fmt.Printf("Status:  %s\n", status.Status)
		fmt.Printf("Task:    %s\n", status.Task)
		fmt.Printf("Created: %s\n", status.CreatedAt.Local().Format(time.DateTime))
		if status.CompletedAt != nil {
			fmt.Printf("Ended:   %s\n", status.CompletedAt.Local().Format(time.DateTime))
		}
		if status.ErrorMessage != "" {
			fmt.Printf("Error:   %s\n", status.ErrorMessage)
		}

		if status.Status.Active() {
			tel, _, err := client.GetTelemetry(ctx, jobID)
			if err != nil {
				l.Warn("Fetching telemetry: %v", err)
				return nil
			}
			if tel.CurrentTool != "" {
				fmt.Printf("Tool:    %s\n", tel.CurrentTool)
			}
			fmt.Printf("Usage:   %.1f%% cpu, %.0f MB ram\n", tel.CPUUsage, tel.RAMUsageMB)
		}
		return nil
	},
}

const auditDescription = `Usage:

    icarus audit [options...] <job-id>

Description:

Print the checker's audit report for a job, as JSON. The report exists
once the job reaches awaiting_approval.

Example:

    $ icarus audit 4f7f6f2a-4a9f-4c1e-9f5e-0b0a8b6e2c11 | jq .tests_passed`

var AuditCommand = cli.Command{
	Name:        "audit",
	Usage:       "Print a job's audit report",
	Description: auditDescription,
	Flags: []cli.Flag{
		EndpointFlag,
		DebugFlag,
		DebugHTTPFlag,
		NoColorFlag,
	},
	Action: func(c *cli.Context) error {
		jobID := c.Args().First()
		if jobID == "" {
			return fmt.Errorf("a job id is required, see %q", "icarus audit --help")
		}

		ctx := context.Background()
		l := setupLogger(c)
		client := newAPIClient(l, c)

		report, _, err := client.GetAuditReport(ctx, jobID)
		if err != nil {
			return fmt.Errorf("fetching audit report: %w", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report.AuditReport)
	},
}
