// Package clicommand holds the subcommands of the icarus binary.
package clicommand

import (
	"os"

	"github.com/urfave/cli"

	"github.com/icarus-hq/icarus/api"
	"github.com/icarus-hq/icarus/logger"
)

const defaultEndpoint = "http://127.0.0.1:8000"

var ConfigFlag = cli.StringFlag{
	Name:   "config",
	Usage:  "Path to the configuration file",
	EnvVar: "ICARUS_CONFIG",
}

var EndpointFlag = cli.StringFlag{
	Name:   "endpoint",
	Value:  defaultEndpoint,
	Usage:  "The orchestrator API endpoint",
	EnvVar: "ICARUS_ENDPOINT",
}

var DebugFlag = cli.BoolFlag{
	Name:   "debug",
	Usage:  "Enable debug mode",
	EnvVar: "ICARUS_DEBUG",
}

var DebugHTTPFlag = cli.BoolFlag{
	Name:   "debug-http",
	Usage:  "Enable HTTP debug mode, which dumps all request and response bodies to the log",
	EnvVar: "ICARUS_DEBUG_HTTP",
}

var NoColorFlag = cli.BoolFlag{
	Name:   "no-color",
	Usage:  "Don't show colors in logging",
	EnvVar: "ICARUS_NO_COLOR",
}

// setupLogger builds the console logger honouring the global flags.
func setupLogger(c *cli.Context) logger.Logger {
	printer := logger.NewTextPrinter(os.Stderr)
	if c.Bool("no-color") {
		printer.Colors = false
	}

	l := logger.NewConsoleLogger(printer, os.Exit)
	if c.Bool("debug") {
		l.SetLevel(logger.DEBUG)
	}
	return l
}

// newAPIClient builds a client for the endpoint the global flags point at.
func newAPIClient(l logger.Logger, c *cli.Context) *api.Client {
	return api.NewClient(l, api.Config{
		Endpoint:  c.String("endpoint"),
		DebugHTTP: c.Bool("debug-http"),
	})
}
