package main

import "context"

// LogsCmd streams an execution's logs, resolving execution_id to the
// invoking user's most recent run when omitted.
type LogsCmd struct {
	ExecutionID string `arg:"" optional:"" help:"execution id to stream logs for; defaults to your last run"`
}

func (l *LogsCmd) Run(cfg *Config) error {
	ctx := context.Background()
	client := NewClient(cfg.Host, cfg.Port)

	executionID, err := resolveExecutionID(ctx, client, cfg.User, l.ExecutionID)
	if err != nil {
		return err
	}

	if err := client.DisplayLogs(ctx, executionID); err != nil {
		return &CLIError{Msg: "Displaying the logs failed.", Cause: err}
	}
	return nil
}

func resolveExecutionID(ctx context.Context, client *Client, user, given string) (string, error) {
	if given != "" {
		return given, nil
	}
	id, ok, err := client.LastExecutionID(ctx, user)
	if err != nil {
		return "", &CLIError{Msg: "Looking up your last execution failed.", Cause: err}
	}
	if !ok {
		return "", &CLIError{Msg: "No execution id given, and no previous run found for this user."}
	}
	return id, nil
}
