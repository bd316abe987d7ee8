package daemon

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/jcdickinson/implindex/internal/rpc"
)

// StatusError is returned when the daemon answers with a non-200 status.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("daemon returned %d: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is the daemon's answer for an unknown group.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

type Client struct {
	socketPath string
	httpClient *http.Client
}

func NewClient(socketPath string) *Client {
	return newClient(socketPath, &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	})
}

func newClient(socketPath string, transport http.RoundTripper) *Client {
	return &Client{
		socketPath: socketPath,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   5 * time.Minute, // loads over HTTP can be slow
		},
	}
}

// ConnectOrSpawn tries to connect to the daemon, spawning it if necessary.
func ConnectOrSpawn(socketPath string) (*Client, error) {
	client := NewClient(socketPath)

	if client.IsAvailable() {
		return client, nil
	}

	if err := Spawn(); err != nil {
		return nil, fmt.Errorf("spawning daemon: %w", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
		if client.IsAvailable() {
			return client, nil
		}
	}

	return nil, fmt.Errorf("daemon did not start within 5 seconds")
}

func (c *Client) IsAvailable() bool {
	conn, err := net.DialTimeout("unix", c.socketPath, 100*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Load asks the daemon to load fragment directories and URLs, reporting progress as it
// streams in. A load aborted by a duplicate group returns the partial response along
// with the error.
func (c *Client) Load(ctx context.Context, load rpc.LoadRequest, onProgress func(string)) (*rpc.LoadResponse, error) {
	jsonData, err := json.Marshal(load)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "http://unix/load", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp.StatusCode, resp.Body)
	}

	var result rpc.LoadResponse
	dec := json.NewDecoder(resp.Body)
	for dec.More() {
		var line rpc.ProgressLine
		if err := dec.Decode(&line); err != nil {
			return nil, fmt.Errorf("decoding progress: %w", err)
		}
		switch line.Type {
		case "progress":
			if onProgress != nil {
				onProgress(line.Message)
			}
		case "result":
			if line.Result != nil {
				result.Results = append(result.Results, *line.Result)
			}
		case "done":
			result.LoadID = line.LoadID
			result.Error = line.Error
		}
	}

	if result.Error != "" {
		return &result, fmt.Errorf("load %s failed: %s", result.LoadID, result.Error)
	}
	return &result, nil
}

func (c *Client) Initialize(ctx context.Context) (*rpc.InitializeResponse, error) {
	var resp rpc.InitializeResponse
	err := c.post(ctx, "/initialize", nil, &resp)
	return &resp, err
}

// Lookup returns the implementors of group. Use IsNotFound to tell an unknown group
// (or an index that is not initialized yet) from a failure.
func (c *Client) Lookup(ctx context.Context, group string) (*rpc.LookupResponse, error) {
	var resp rpc.LookupResponse
	if err := c.post(ctx, "/lookup", rpc.LookupRequest{Group: group}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Render(ctx context.Context, group, format string) (*rpc.RenderResponse, error) {
	var resp rpc.RenderResponse
	if err := c.post(ctx, "/render", rpc.LookupRequest{Group: group, Format: format}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) Groups(ctx context.Context, prefix string) (*rpc.GroupsResponse, error) {
	path := "/groups"
	if prefix != "" {
		path += "?prefix=" + url.QueryEscape(prefix)
	}
	var resp rpc.GroupsResponse
	err := c.get(ctx, path, &resp)
	return &resp, err
}

func (c *Client) Status(ctx context.Context) (*rpc.StatusResponse, error) {
	var resp rpc.StatusResponse
	err := c.get(ctx, "/status", &resp)
	return &resp, err
}

func (c *Client) Shutdown(ctx context.Context) error {
	var resp map[string]string
	return c.post(ctx, "/shutdown", nil, &resp)
}

func (c *Client) get(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", "http://unix"+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	return c.do(req, result)
}

func (c *Client) post(ctx context.Context, path string, body, result interface{}) error {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", "http://unix"+path, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, result)
}

func (c *Client) do(req *http.Request, result interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp.StatusCode, resp.Body)
	}

	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func statusError(code int, body io.Reader) error {
	data, _ := io.ReadAll(body)
	var payload struct {
		Error string `json:"error"`
	}
	msg := string(bytes.TrimSpace(data))
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		msg = payload.Error
	}
	return &StatusError{Code: code, Message: msg}
}
