package remote

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
)

// =============================================================================
// Channel and Dialer
// =============================================================================

// Channel is one authenticated command channel to a host. The SSH
// implementation is the production one; tests inject fakes through Dialer.
type Channel interface {
	// Run executes a single command and returns its combined output.
	Run(ctx context.Context, cmd string) (string, error)
	// Ping probes channel liveness.
	Ping() error
	Close() error
}

// Dialer establishes channels. Injected into the pool so it can be faked.
type Dialer interface {
	Dial(ctx context.Context, host Host) (Channel, error)
}

// =============================================================================
// SSH Dialer
// =============================================================================

// SSHDialerConfig configures the SSH dialer.
type SSHDialerConfig struct {
	ConnectTimeout time.Duration // Default: 10 seconds
	CommandTimeout time.Duration // Default: 30 seconds
}

// DefaultSSHDialerConfig returns the default configuration.
func DefaultSSHDialerConfig() SSHDialerConfig {
	return SSHDialerConfig{
		ConnectTimeout: 10 * time.Second,
		CommandTimeout: 30 * time.Second,
	}
}

// SSHDialer dials hosts over SSH using the key file from the inventory.
type SSHDialer struct {
	config SSHDialerConfig
}

// NewSSHDialer creates an SSH dialer.
func NewSSHDialer(config SSHDialerConfig) *SSHDialer {
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.CommandTimeout == 0 {
		config.CommandTimeout = 30 * time.Second
	}
	return &SSHDialer{config: config}
}

// Dial establishes an authenticated SSH channel to the host. Failures surface
// immediately as ErrConnectionFailed; the pool never retries them.
func (d *SSHDialer) Dial(_ context.Context, host Host) (Channel, error) {
	key, err := os.ReadFile(host.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read key for %s: %v", ErrConnectionFailed, host.Name, err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: parse key for %s: %v", ErrConnectionFailed, host.Name, err)
	}

	config := &ssh.ClientConfig{
		User:            host.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(signer)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // TODO: Store and verify host keys
		Timeout:         d.config.ConnectTimeout,
	}

	addr := net.JoinHostPort(host.Addr, strconv.Itoa(host.Port))
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", ErrConnectionFailed, addr, err)
	}

	return &sshChannel{client: client, timeout: d.config.CommandTimeout}, nil
}

// =============================================================================
// SSH Channel
// =============================================================================

// sshChannel wraps an SSH client, running one command per session.
type sshChannel struct {
	client  *ssh.Client
	timeout time.Duration
}

func (c *sshChannel) Run(ctx context.Context, cmd string) (string, error) {
	session, err := c.client.NewSession()
	if err != nil {
		return "", fmt.Errorf("%w: create session: %v", ErrConnectionFailed, err)
	}
	defer session.Close()

	var output bytes.Buffer
	session.Stdout = &output
	session.Stderr = &output

	done := make(chan error, 1)
	go func() {
		done <- session.Run(cmd)
	}()

	select {
	case <-ctx.Done():
		return output.String(), ctx.Err()
	case <-time.After(c.timeout):
		return output.String(), fmt.Errorf("command timeout after %v", c.timeout)
	case err := <-done:
		if err != nil {
			return output.String(), fmt.Errorf("command failed: %w", err)
		}
		return output.String(), nil
	}
}

func (c *sshChannel) Ping() error {
	_, _, err := c.client.SendRequest("keepalive@slipway", true, nil)
	if err != nil {
		return fmt.Errorf("%w: keepalive: %v", ErrConnectionFailed, err)
	}
	return nil
}

func (c *sshChannel) Close() error {
	return c.client.Close()
}
