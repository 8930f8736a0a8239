package daemon

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	terrors "trimorph/pkg/errors"
)

// Client talks to a running daemon. Each call uses its own connection.
type Client struct {
	Socket      string
	DialTimeout time.Duration
}

func NewClient(socket string) *Client {
	return &Client{Socket: socket, DialTimeout: 2 * time.Second}
}

// Do sends one request and reads its response. An ERR response is
// returned as a Response, not an error; use Response.Err.
func (c *Client) Do(req Request) (Response, error) {
	line, err := req.Encode()
	if err != nil {
		return Response{}, err
	}

	conn, err := net.DialTimeout("unix", c.Socket, c.DialTimeout)
	if err != nil {
		return Response{}, fmt.Errorf("%w: %v", terrors.ErrDaemonNotRunning, err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(line)); err != nil {
		return Response{}, fmt.Errorf("send request: %w", err)
	}
	r := bufio.NewReader(conn)
	resp, err := ReadResponse(r)
	if err != nil {
		return Response{}, fmt.Errorf("read response: %w", err)
	}

	// polite close; the daemon also handles a plain EOF
	if _, err := conn.Write([]byte(string(VerbQuit) + "\n")); err == nil {
		_ = conn.SetReadDeadline(time.Now().Add(c.DialTimeout))
		_, _ = ReadResponse(r)
	}
	return resp, nil
}

func (c *Client) call(verb Verb, args ...string) (Response, error) {
	resp, err := c.Do(Request{Verb: verb, Args: args})
	if err != nil {
		return Response{}, err
	}
	return resp, resp.Err()
}

// Ping reports whether the daemon answers.
func (c *Client) Ping() error {
	conn, err := net.DialTimeout("unix", c.Socket, c.DialTimeout)
	if err != nil {
		return fmt.Errorf("%w: %v", terrors.ErrDaemonNotRunning, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.DialTimeout))
	if _, err := conn.Write([]byte(string(VerbQuit) + "\n")); err != nil {
		return fmt.Errorf("%w: %v", terrors.ErrDaemonNotRunning, err)
	}
	if _, err := ReadResponse(bufio.NewReader(conn)); err != nil {
		return fmt.Errorf("%w: %v", terrors.ErrDaemonNotRunning, err)
	}
	return nil
}

// WaitReady polls until the daemon answers or ctx is done.
func (c *Client) WaitReady(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		err := c.Ping()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return err
		case <-t.C:
		}
	}
}

// Execute runs argv in a jail through the daemon and returns its exit code.
func (c *Client) Execute(jail string, argv []string) (int, error) {
	resp, err := c.call(VerbExecute, append([]string{jail}, argv...)...)
	if err != nil {
		return -1, err
	}
	code, err := strconv.Atoi(resp.Message)
	if err != nil {
		return -1, fmt.Errorf("malformed EXECUTE response %q", resp.Message)
	}
	return code, nil
}

func (c *Client) Start(jail string) error {
	_, err := c.call(VerbStart, jail)
	return err
}

func (c *Client) Stop(jail string) error {
	_, err := c.call(VerbStop, jail)
	return err
}

// Status returns the STATUS lines for one jail, or all when jail is "".
func (c *Client) Status(jail string) ([]StatusLine, error) {
	var args []string
	if jail != "" {
		args = []string{jail}
	}
	resp, err := c.call(VerbStatus, args...)
	if err != nil {
		return nil, err
	}
	var out []StatusLine
	for _, line := range resp.Lines() {
		sl, err := ParseStatus(line)
		if err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, nil
}

// Reload asks the daemon to reload descriptors and returns the new count.
func (c *Client) Reload() (int, error) {
	resp, err := c.call(VerbReload)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(resp.Message)
	if err != nil {
		return 0, fmt.Errorf("malformed RELOAD response %q", resp.Message)
	}
	return n, nil
}
