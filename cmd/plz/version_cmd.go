package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// VersionCmd prints the controller's build/version information,
// fetched from its /version endpoint.
type VersionCmd struct{}

func (v *VersionCmd) Run(cfg *Config) error {
	client := NewClient(cfg.Host, cfg.Port)
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, client.url("version"), nil)
	if err != nil {
		return err
	}
	resp, err := client.http.Do(req)
	if err != nil {
		return &CLIError{Msg: "Fetching the controller version failed.", Cause: err}
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return &CLIError{Msg: "Fetching the controller version failed.", Cause: err}
	}

	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return err
	}
	pretty, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(pretty))
	return nil
}
