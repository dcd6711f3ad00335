package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/kwohlfahrt/plz-go/internal/types"
)

// RunCmd runs an arbitrary command on a remote instance: capture the
// working directory as a build context, submit it for snapshotting,
// issue the command, stream its logs, and retrieve its output files —
// the sequence run() follows in the original CLI.
type RunCmd struct {
	Command    string `help:"shell command to run; overrides the configured default command"`
	OutputDir  string `name:"output-dir" short:"o" help:"directory to write output files into (must not already exist)"`
	Parameters string `name:"parameters" short:"p" help:"path to a JSON file of run parameters"`
}

func (r *RunCmd) Run(cfg *Config) error {
	command := cfg.Command
	if r.Command != "" {
		command = []string{"sh", "-c", r.Command, "-s"}
	}
	if len(command) == 0 {
		return &CLIError{Msg: "No command specified!"}
	}

	outputDir := r.OutputDir
	if outputDir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		outputDir = cwd + string(os.PathSeparator) + "output"
	}
	if _, err := os.Stat(outputDir); err == nil {
		return &CLIError{Msg: fmt.Sprintf("The output directory %q already exists.", outputDir)}
	}

	params, err := parseParametersFile(r.Parameters)
	if err != nil {
		return &CLIError{Msg: "Reading the parameters file failed.", Cause: err}
	}

	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	ctx := context.Background()
	client := NewClient(cfg.Host, cfg.Port)

	fmt.Println("Capturing the context")
	buildContext, err := captureBuildContext(cwd, cfg.Image, command, cfg.ExcludedPaths)
	if err != nil {
		return &CLIError{Msg: "Capturing the build context failed.", Cause: err}
	}
	defer buildContext.Close()

	fmt.Println("Building the program snapshot")
	snapshotID, err := client.CreateSnapshot(ctx, types.SnapshotMetadata{User: cfg.User, Project: cfg.Project}, buildContext)
	if err != nil {
		return &CLIError{Msg: "Building the snapshot failed.", Cause: err}
	}
	if snapshotID == "" {
		return &CLIError{Msg: "The snapshot was not successfully created."}
	}

	fmt.Println("Issuing the command on a new box")
	executionID, ok, err := client.IssueCommand(ctx, types.RunRequest{
		Command:    command,
		SnapshotID: snapshotID,
		Parameters: params,
		ExecutionSpec: types.ExecutionSpec{
			InstanceType: cfg.InstanceType,
			User:         cfg.User,
		},
	})
	if err != nil {
		return &CLIError{Msg: "Issuing the command failed.", Cause: err}
	}
	if executionID == "" {
		fmt.Println("Done and dusted.")
		return nil
	}

	if ok {
		notifyOnInterrupt(executionID)
		fmt.Println("Streaming logs...")
		if err := client.DisplayLogs(ctx, executionID); err != nil {
			fmt.Fprintln(os.Stderr, "Displaying the logs failed:", err)
		}
		if err := retrieveOutputFiles(ctx, client, executionID, outputDir); err != nil {
			fmt.Fprintln(os.Stderr, "Retrieving the output failed:", err)
		}
	}

	fmt.Println("Cleaning up all detritus...")
	if err := client.Delete(ctx, executionID); err != nil {
		fmt.Fprintln(os.Stderr, "Cleanup failed:", err)
	}

	fmt.Println("Done and dusted.")
	return nil
}

func retrieveOutputFiles(ctx context.Context, client *Client, executionID, outputDir string) error {
	fmt.Println("Retrieving the output...")
	rc, err := client.OutputFiles(ctx, executionID)
	if err != nil {
		return err
	}
	defer rc.Close()
	return extractOutputTarball(rc, outputDir)
}

// notifyOnInterrupt traps SIGINT during log streaming so a user who
// gives up waiting still gets told their command is still running
// remotely and how to reattach, instead of losing track of it
// (_exit_and_print_execution_id's reattachment hint).
func notifyOnInterrupt(executionID string) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT)
	go func() {
		<-sigs
		fmt.Println()
		fmt.Println("Your command is still running")
		fmt.Printf("Type: plz logs %s to stream the logs\n", executionID)
		os.Exit(0)
	}()
}
