package main

import (
	"context"
	"fmt"
)

// StopCmd requests early termination of a running command, resolving
// execution_id to the invoking user's most recent run when omitted.
type StopCmd struct {
	ExecutionID string `arg:"" optional:"" help:"execution id to stop; defaults to your last run"`
}

func (s *StopCmd) Run(cfg *Config) error {
	ctx := context.Background()
	client := NewClient(cfg.Host, cfg.Port)

	executionID, err := resolveExecutionID(ctx, client, cfg.User, s.ExecutionID)
	if err != nil {
		return err
	}

	if err := client.Stop(ctx, executionID); err != nil {
		return &CLIError{Msg: "Stopping the execution failed.", Cause: err}
	}
	fmt.Println("Stopped")
	return nil
}
