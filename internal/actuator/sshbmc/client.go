// Package sshbmc drives a board management controller that exposes the
// tpi command line over SSH.
//
// Power is controlled per node slot with
//
//	tpi power status
//	tpi power on --node N
//	tpi power off --node N
//	tpi power reset --node N
//
// The status command prints one "nodeN: On" line per slot.
package sshbmc

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/nerrad567/gray-logic-power/internal/actuator"
	"github.com/nerrad567/gray-logic-power/internal/device"
)

// Defaults applied to a zero Config.
const (
	DefaultPort           = 22
	DefaultConnectTimeout = 10 * time.Second
)

var (
	// ErrUnauthorized is returned when the controller rejects the login.
	ErrUnauthorized = errors.New("sshbmc: unauthorized")

	// ErrNodeNotReported is returned when status output has no line for
	// the requested node.
	ErrNodeNotReported = errors.New("sshbmc: node not reported")
)

// Config holds connection settings shared by all controllers.
type Config struct {
	Port           int
	ConnectTimeout time.Duration

	// HostKeyCallback verifies the controller's host key. Nil accepts any
	// key.
	HostKeyCallback ssh.HostKeyCallback
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.HostKeyCallback == nil {
		c.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // BMCs ship with regenerated keys
	}
	return c
}

// Client is an authenticated connection to one node slot.
type Client struct {
	conn *ssh.Client
	node int
}

// Dial connects to address (host or host:port) and authenticates with a
// password.
func Dial(ctx context.Context, address, username, password string, node int, cfg Config) (*Client, error) {
	cfg = cfg.withDefaults()
	if node <= 0 {
		return nil, fmt.Errorf("sshbmc: invalid node %d", node)
	}

	addr := address
	if _, _, err := net.SplitHostPort(address); err != nil {
		addr = net.JoinHostPort(address, strconv.Itoa(cfg.Port))
	}

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	nc, err := d.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("sshbmc: dialing %s: %w", addr, err)
	}
	if deadline, ok := dialCtx.Deadline(); ok {
		_ = nc.SetDeadline(deadline)
	}

	sc, chans, reqs, err := ssh.NewClientConn(nc, addr, &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: cfg.HostKeyCallback,
		Timeout:         cfg.ConnectTimeout,
	})
	if err != nil {
		nc.Close() //nolint:errcheck // Best effort cleanup on error path
		if strings.Contains(err.Error(), "unable to authenticate") {
			return nil, fmt.Errorf("%w: %s@%s", ErrUnauthorized, username, addr)
		}
		return nil, fmt.Errorf("sshbmc: handshake with %s: %w", addr, err)
	}
	_ = nc.SetDeadline(time.Time{})

	return &Client{conn: ssh.NewClient(sc, chans, reqs), node: node}, nil
}

// Dialer adapts Dial to the actuator's controller contract, taking the
// address, credentials and node slot from the record.
func Dialer(cfg Config) actuator.ControllerDialer {
	return func(ctx context.Context, rec *device.Record) (actuator.ControllerClient, error) {
		return Dial(ctx, rec.Address, rec.Credentials.Username, rec.Credentials.Password,
			rec.Credentials.Node, cfg)
	}
}

// PowerStatus reports the state of the client's node.
func (c *Client) PowerStatus(ctx context.Context) (device.PowerState, error) {
	out, err := c.run(ctx, "tpi power status")
	if err != nil {
		return "", err
	}
	return ParseStatus(out, c.node)
}

// SetPower switches the node on or off.
func (c *Client) SetPower(ctx context.Context, on bool) error {
	verb := "off"
	if on {
		verb = "on"
	}
	_, err := c.run(ctx, fmt.Sprintf("tpi power %s --node %d", verb, c.node))
	return err
}

// Reset power-cycles the node.
func (c *Client) Reset(ctx context.Context) error {
	_, err := c.run(ctx, fmt.Sprintf("tpi power reset --node %d", c.node))
	return err
}

// Close closes the SSH connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// run executes cmd in a fresh session. Cancelling ctx closes the session.
func (c *Client) run(ctx context.Context, cmd string) (string, error) {
	session, err := c.conn.NewSession()
	if err != nil {
		return "", fmt.Errorf("sshbmc: opening session: %w", err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(cmd) }()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return "", fmt.Errorf("sshbmc: %q: %w", cmd, ctx.Err())
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return "", fmt.Errorf("sshbmc: %q exited with status %d: %s",
					cmd, exitErr.ExitStatus(), strings.TrimSpace(stderr.String()))
			}
			return "", fmt.Errorf("sshbmc: %q: %w", cmd, err)
		}
	}
	return stdout.String(), nil
}

// ParseStatus extracts node's state from tpi power status output. States
// other than on or off map to device.PowerUnknown.
func ParseStatus(out string, node int) (device.PowerState, error) {
	prefix := fmt.Sprintf("node%d:", node)
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(strings.ToLower(line), prefix) {
			continue
		}
		switch strings.ToLower(strings.TrimSpace(line[len(prefix):])) {
		case "on":
			return device.PowerOn, nil
		case "off":
			return device.PowerOff, nil
		default:
			return device.PowerUnknown, nil
		}
	}
	return "", fmt.Errorf("%w: node %d", ErrNodeNotReported, node)
}
