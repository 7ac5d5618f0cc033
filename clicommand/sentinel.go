package clicommand

import (
	"context"
	"fmt"

	"github.com/urfave/cli"
)

const sentinelDescription = `Usage:

    icarus sentinel [options...]

Description:

Show the host admission level and the resource sample behind it. GREEN
admits jobs freely, YELLOW pauses admission of new jobs, RED additionally
pauses running sandboxes until the host recovers.

Example:

    $ icarus sentinel`

var SentinelCommand = cli.Command{
	Name:        "sentinel",
	Usage:       "Show the host admission level",
	Description: sentinelDescription,
	Flags: []cli.Flag{
		EndpointFlag,
		DebugFlag,
		DebugHTTPFlag,
		NoColorFlag,
	},
	Action: func(c *cli.Context) error {
		ctx := context.Background()
		l := setupLogger(c)
		client := newAPIClient(l, c)

		stats, _, err := client.GetSentinelStats(ctx)
		if err != nil {
			return fmt.Errorf("fetching sentinel stats: %w", err)
		}

		fmt.Printf("Level: %s\n", stats.Level)
		fmt.Printf("CPU:   %.1f%%\n", stats.CPUPercent)
		fmt.Printf("RAM:   %.1f%% (%.0f of %.0f MB)\n", stats.RAMPercent, stats.RAMUsedMB, stats.RAMTotalMB)
		fmt.Printf("Disk:  %.1f%%\n", stats.DiskPercent)
		return nil
	},
}
