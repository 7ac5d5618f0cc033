package clicommand

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli"
)

const jobsDescription = `Usage:

    icarus jobs [options...]

Description:

List recent jobs, newest first.

Example:

    $ icarus jobs
    $ icarus jobs --status awaiting_approval
    $ icarus jobs --limit 5`

var JobsCommand = cli.Command{
	Name:        "jobs",
	Usage:       "List recent jobs",
	Description: jobsDescription,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:   "status",
			Usage:  "Only show jobs with this status",
			EnvVar: "ICARUS_STATUS",
		},
		cli.IntFlag{
			Name:   "limit",
			Usage:  "Maximum number of jobs to show",
			EnvVar: "ICARUS_LIMIT",
		},

		EndpointFlag,
		DebugFlag,
		DebugHTTPFlag,
		NoColorFlag,
	},
	Action: func(c *cli.Context) error {
		ctx := context.Background()
		l := setupLogger(c)
		client := newAPIClient(l, c)

		jobs, _, err := client.ListJobs(ctx, c.Int("limit"), c.String("status"))
		if err != nil {
			return fmt.Errorf("listing jobs: %w", err)
		}
		if len(jobs) == 0 {
			l.Info("No jobs found")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATUS\tCREATED\tTASK")
		for _, job := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
				job.ID, job.Status, job.CreatedAt.Local().Format(time.DateTime), oneLine(job.Task, 60))
		}
		return w.Flush()
	},
}

// oneLine flattens and truncates a task description for table output.
func oneLine(s string, max int) string {
	flat := make([]rune, 0, len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			r = ' '
		}
		flat = append(flat, r)
	}
	if len(flat) > max {
		return string(flat[:max-1]) + "…"
	}
	return string(flat)
}
