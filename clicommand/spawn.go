package clicommand

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/urfave/cli"

	"github.com/icarus-hq/icarus/api"
	"github.com/icarus-hq/icarus/core"
	"github.com/icarus-hq/icarus/logger"
)

const spawnDescription = `Usage:

    icarus spawn [options...] <task>

Description:

Submit a coding task to the orchestrator. The job is queued immediately
and starts building when a slot is free. With --follow, the command stays
attached to the job's event stream and prints status changes and worker
logs until the job needs approval or finishes.

Example:

    $ icarus spawn "add a retry to the payment webhook"
    $ icarus spawn --follow "fix the flaky TestCheckout"`

var SpawnCommand = cli.Command{
	Name:        "spawn",
	Usage:       "Submit a coding task",
	Description: spawnDescription,
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:   "project-path",
			Usage:  "Repository the job works on, for the post-approval commit",
			EnvVar: "ICARUS_PROJECT_PATH",
		},
		cli.BoolFlag{
			Name:   "follow",
			Usage:  "Stay attached and stream the job's events",
			EnvVar: "ICARUS_FOLLOW",
		},

		EndpointFlag,
		DebugFlag,
		DebugHTTPFlag,
		NoColorFlag,
	},
	Action: func(c *cli.Context) error {
		task := strings.TrimSpace(strings.Join(c.Args(), " "))
		if task == "" {
			return fmt.Errorf("a task description is required, see %q", "icarus spawn --help")
		}

		ctx := context.Background()
		l := setupLogger(c)
		client := newAPIClient(l, c)

		result, _, err := client.Spawn(ctx, api.SpawnRequest{
			Task:        task,
			ProjectPath: c.String("project-path"),
		})
		if err != nil {
			return fmt.Errorf("spawning job: %w", err)
		}

		l.Info("Job %s is %s", result.JobID, result.Status)

		if !c.Bool("follow") {
			fmt.Println(result.JobID)
			return nil
		}
		return followJob(ctx, l, c.String("endpoint"), result.JobID)
	},
}

// followJob attaches to the job's websocket stream and prints events until
// the stream closes.
func followJob(ctx context.Context, l logger.Logger, endpoint, jobID string) error {
	streamURL, err := streamURL(endpoint, jobID)
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("attaching to job stream: %w", err)
	}
	defer conn.Close()

	var last core.Status
	for {
		var ev core.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				break
			}
			if last.Terminal() {
				break
			}
			return fmt.Errorf("job stream: %w", err)
		}

		switch ev.Type {
		case core.EventStatusUpdate:
			last = ev.Status
			l.Info("Job %s is %s", jobID, ev.Status)
			if ev.Status == core.StatusAwaitingApproval {
				l.Notice("Review with %q, then approve or reject", "icarus audit "+jobID)
			}
		case core.EventLog:
			fmt.Println(ev.Message)
		}
	}

	if last != "" && !last.Terminal() && last != core.StatusAwaitingApproval {
		l.Warn("Stream ended while job %s was still %s", jobID, last)
	}
	return nil
}

func streamURL(endpoint, jobID string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parsing endpoint: %w", err)
	}
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/jobs/" + url.PathEscape(jobID) + "/stream"
	return u.String(), nil
}
