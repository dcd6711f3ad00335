// Command plz is the client for the remote execution controller:
// capture a working directory as a snapshot, run it remotely, stream
// its logs, and fetch its output.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
)

// CLI is the top-level command tree. Config's fields are promoted as
// global flags/config keys, shared by every subcommand the way
// Configuration.load is shared by every Operation in the original CLI.
type CLI struct {
	Config

	Run     RunCmd     `cmd:"" help:"run a command on a remote instance"`
	Logs    LogsCmd    `cmd:"" help:"stream an execution's logs"`
	Stop    StopCmd    `cmd:"" help:"stop a running execution"`
	Version VersionCmd `cmd:"" help:"print the controller's version information"`
}

// ConfigError reports a problem with the loaded configuration itself,
// exiting 2 — distinct from a CLIError (exit 1), which reports an
// operation failing after configuration was accepted.
type ConfigError struct{ Msg string }

func (e *ConfigError) Error() string { return e.Msg }

func (c *Config) validate() error {
	if c.User == "" {
		return &ConfigError{Msg: "configuration is missing required field \"user\""}
	}
	return nil
}

func main() {
	var cli CLI
	parser := kong.Must(&cli,
		kong.Configuration(kongyaml.Loader, ".plz.yaml", "~/.plz.yaml"),
		kong.Description("Run commands on remote, snapshot-built instances."),
	)

	kctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	if err := cli.Config.validate(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	if err := kctx.Run(&cli.Config); err != nil {
		var cliErr *CLIError
		var cfgErr *ConfigError
		switch {
		case errors.As(err, &cliErr):
			fmt.Fprintln(os.Stderr, cliErr.Error())
			os.Exit(1)
		case errors.As(err, &cfgErr):
			fmt.Fprintln(os.Stderr, cfgErr.Error())
			os.Exit(2)
		default:
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}
}
