package guest

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"bubbles/pkg/ports"
)

// baseURL is only used to build requests, the transport always dials the socket.
const baseURL = "http://localhost"

// UnexpectedStatusError is returned when the agent answers with a status
// code the protocol does not define for the operation.
type UnexpectedStatusError struct {
	Path   string
	Status int
}

// Error returns the error message.
func (e UnexpectedStatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Status, e.Path)
}

// Client talks to a guest agent through the host end of the control socket.
type Client struct {
	socketPath string
	http       *http.Client
}

func NewClient(socketPath string) *Client {
	dialer := &net.Dialer{Timeout: 5 * time.Second}

	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", socketPath)
		},
		DisableKeepAlives: true,
	}

	return &Client{
		socketPath: socketPath,
		http: &http.Client{
			Transport: transport,
			Timeout:   30 * time.Second,
		},
	}
}

// NewClientFactory returns a factory suitable for ports.Collection.
func NewClientFactory() ports.GuestClientFactory {
	return func(socketPath string) ports.GuestClient {
		return NewClient(socketPath)
	}
}

// Ready succeeds when the agent answers GET /ready with 200.
func (c *Client) Ready(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, ReadyPath, http.StatusOK)
}

// Shutdown asks the guest to power off. It returns once the request was accepted.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, ShutdownPath, http.StatusCreated)
}

// SpawnTerminal asks the guest to open a terminal emulator on its display.
func (c *Client) SpawnTerminal(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, SpawnTerminalPath, http.StatusCreated)
}

func (c *Client) do(ctx context.Context, method, path string, expected int) error {
	req, err := http.NewRequestWithContext(ctx, method, baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("building %s %s request: %w", method, path, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s via %s: %w", method, path, c.socketPath, err)
	}

	defer resp.Body.Close()

	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != expected {
		return UnexpectedStatusError{Path: path, Status: resp.StatusCode}
	}

	return nil
}
