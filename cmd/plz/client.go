package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"

	"github.com/kwohlfahrt/plz-go/internal/types"
)

// Client talks to a running plz-controller over its NDJSON/JSON HTTP
// surface.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(host string, port int) *Client {
	return &Client{baseURL: fmt.Sprintf("http://%s:%d", host, port), http: http.DefaultClient}
}

func (c *Client) url(segments ...string) string {
	u := c.baseURL
	for _, s := range segments {
		u += "/" + url.PathEscape(s)
	}
	return u
}

// RequestError reports a response whose status code didn't match what
// the caller expected, carrying the body the way RequestException does.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("request failed with status code %d\nresponse:\n%s", e.StatusCode, e.Body)
}

func checkStatus(resp *http.Response, expected int) error {
	if resp.StatusCode == expected {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return &RequestError{StatusCode: resp.StatusCode, Body: string(body)}
}

// CreateSnapshot streams metadata followed by a gzipped tar build
// context to the controller, printing build log lines as they arrive,
// and returns the resulting snapshot tag.
func (c *Client) CreateSnapshot(ctx context.Context, metadata types.SnapshotMetadata, buildContext io.Reader) (string, error) {
	metadataJSON, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("encode snapshot metadata: %w", err)
	}
	body := io.MultiReader(bytes.NewReader(metadataJSON), bytes.NewReader([]byte("\n")), buildContext)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("snapshots"), body)
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return "", err
	}

	var tag string
	var buildFailed bool
	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var ev types.BuildEvent
		if err := dec.Decode(&ev); err != nil {
			return "", fmt.Errorf("decode build event: %w", err)
		}
		switch {
		case ev.Stream != "":
			fmt.Print(ev.Stream)
		case ev.Error != "":
			buildFailed = true
			fmt.Fprintln(os.Stderr, ev.Error)
		case ev.ID != "":
			tag = ev.ID
		}
	}
	if buildFailed {
		return "", nil
	}
	return tag, nil
}

// IssueCommand posts a run request and streams its acquisition events,
// printing status updates, and returns the minted execution id and
// whether it reached the running state without error.
func (c *Client) IssueCommand(ctx context.Context, req types.RunRequest) (string, bool, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", false, fmt.Errorf("encode run request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("commands"), bytes.NewReader(payload))
	if err != nil {
		return "", false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusAccepted); err != nil {
		return "", false, err
	}

	var executionID string
	ok := true
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev types.CommandEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		switch {
		case ev.ID != "":
			executionID = ev.ID
		case ev.Status != "":
			fmt.Println("Instance status:", ev.Status)
		case ev.Error != "":
			ok = false
			fmt.Fprintln(os.Stderr, ev.Error)
		}
	}
	return executionID, ok, scanner.Err()
}

// DisplayLogs streams an execution's combined logs to stdout.
func (c *Client) DisplayLogs(ctx context.Context, executionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("commands", executionID, "logs"), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return err
	}
	_, err = io.Copy(os.Stdout, resp.Body)
	return err
}

// OutputFiles fetches the tarball of an execution's output directory.
func (c *Client) OutputFiles(ctx context.Context, executionID string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("commands", executionID, "output", "files"), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp, http.StatusOK); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}

// Delete releases the execution's instance and storage bookkeeping.
func (c *Client) Delete(ctx context.Context, executionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.url("commands", executionID), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusNoContent)
}

// Stop requests early termination. The controller normalizes an
// already-stopped or unknown execution to 204 as well, so the client
// has no "already stopped" special case to handle (unlike the
// original's DELETE ?fail_if_deleted=true / 417 pairing).
func (c *Client) Stop(ctx context.Context, executionID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("commands", executionID, "stop"), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp, http.StatusNoContent)
}

// LastExecutionID resolves the execution id of a user's most recent
// run, for 'plz logs'/'plz stop' invocations that omit it.
func (c *Client) LastExecutionID(ctx context.Context, user string) (string, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("users", user, "last_execution_id"), nil)
	if err != nil {
		return "", false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp, http.StatusOK); err != nil {
		return "", false, err
	}
	var body struct {
		ExecutionID string `json:"execution_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", false, err
	}
	return body.ExecutionID, body.ExecutionID != "", nil
}
