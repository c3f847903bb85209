package remote

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/meshadm/meshadm/internal/util/retry"
)

const (
	defaultPort        = 22
	defaultDialTimeout = 10 * time.Second
	defaultMaxRetries  = 5
	defaultRetryDelay  = 2 * time.Second
	defaultMaxDelay    = 15 * time.Second
)

// SSHConfig holds connection settings for one node.
type SSHConfig struct {
	Host       string
	Port       int
	User       string
	PrivateKey []byte

	// DialTimeout is the timeout for establishing the TCP connection.
	// If zero, defaultDialTimeout is used.
	DialTimeout time.Duration

	// MaxRetries is the maximum number of connection retry attempts.
	// If zero, defaultMaxRetries is used.
	MaxRetries int

	// RetryDelay is the initial delay between retry attempts.
	// If zero, defaultRetryDelay is used.
	RetryDelay time.Duration

	// HostKeyCallback handles host key verification.
	// If nil, ssh.InsecureIgnoreHostKey() is used, which fits freshly
	// provisioned machines whose keys are not known yet. Provide a real
	// callback for long-lived nodes.
	HostKeyCallback ssh.HostKeyCallback
}

// SSH executes commands on a node over SSH. The private key is parsed once
// at construction; the TCP connection is established lazily on first use and
// reused until Close or a transport failure.
type SSH struct {
	config *SSHConfig
	signer ssh.Signer
	client *ssh.Client
}

// NewSSH validates cfg, parses the private key, and returns an executor.
// No connection is made yet.
func NewSSH(cfg *SSHConfig) (*SSH, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.Host == "" {
		return nil, fmt.Errorf("config host cannot be empty")
	}
	if cfg.User == "" {
		return nil, fmt.Errorf("config user cannot be empty")
	}
	if len(cfg.PrivateKey) == 0 {
		return nil, fmt.Errorf("config private key cannot be empty")
	}

	// Copy config to avoid mutating caller's struct
	configCopy := *cfg

	if configCopy.Port == 0 {
		configCopy.Port = defaultPort
	}
	if configCopy.DialTimeout == 0 {
		configCopy.DialTimeout = defaultDialTimeout
	}
	if configCopy.MaxRetries == 0 {
		configCopy.MaxRetries = defaultMaxRetries
	}
	if configCopy.RetryDelay == 0 {
		configCopy.RetryDelay = defaultRetryDelay
	}
	if configCopy.HostKeyCallback == nil {
		configCopy.HostKeyCallback = ssh.InsecureIgnoreHostKey() //nolint:gosec // Default for nodes without recorded host keys
	}

	signer, err := ssh.ParsePrivateKey(configCopy.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}

	return &SSH{
		config: &configCopy,
		signer: signer,
	}, nil
}

// Run executes command on the node. Stdout and stderr are captured
// separately. See Executor for the error contract.
func (s *SSH) Run(ctx context.Context, command string) (Result, error) {
	client, err := s.ensureConnected(ctx)
	if err != nil {
		return Result{}, err
	}

	session, err := client.NewSession()
	if err != nil {
		s.dropConnection()
		return Result{}, fmt.Errorf("%w: %s: failed to open session: %v", ErrUnreachable, s.config.Host, err)
	}
	defer func() { _ = session.Close() }()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	start := time.Now()
	err = s.runWithContext(ctx, session, command)
	result := Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	switch e := err.(type) {
	case nil:
		return result, nil
	case *ssh.ExitError:
		result.ExitCode = e.ExitStatus()
		return result, &ExitError{Node: s.config.Host, Command: command, Result: result}
	case *ssh.ExitMissingError:
		s.dropConnection()
		return result, fmt.Errorf("%w: %s: connection lost during command", ErrUnreachable, s.config.Host)
	default:
		if ctx.Err() != nil {
			return result, fmt.Errorf("command on %s interrupted: %w", s.config.Host, ctx.Err())
		}
		s.dropConnection()
		return result, fmt.Errorf("%w: %s: %v", ErrUnreachable, s.config.Host, err)
	}
}

// runWithContext starts the command and tears the session down if ctx ends
// first, since x/crypto sessions have no native cancellation.
func (s *SSH) runWithContext(ctx context.Context, session *ssh.Session, command string) error {
	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		_ = session.Close()
		<-done
		return ctx.Err()
	}
}

// Upload writes content to path on the node, creating parent directories and
// setting mode. It streams through stdin rather than requiring SFTP support
// on the remote side.
func (s *SSH) Upload(ctx context.Context, content []byte, remotePath string, mode os.FileMode) error {
	client, err := s.ensureConnected(ctx)
	if err != nil {
		return err
	}

	session, err := client.NewSession()
	if err != nil {
		s.dropConnection()
		return fmt.Errorf("%w: %s: failed to open session: %v", ErrUnreachable, s.config.Host, err)
	}
	defer func() { _ = session.Close() }()

	var stderr bytes.Buffer
	session.Stdin = bytes.NewReader(content)
	session.Stderr = &stderr

	command := fmt.Sprintf("mkdir -p %s && cat > %s && chmod %04o %s",
		quoteArg(path.Dir(remotePath)), quoteArg(remotePath), mode.Perm(), quoteArg(remotePath))

	switch e := s.runWithContext(ctx, session, command).(type) {
	case nil:
		return nil
	case *ssh.ExitError:
		result := Result{ExitCode: e.ExitStatus(), Stderr: stderr.String()}
		return &ExitError{Node: s.config.Host, Command: command, Result: result}
	default:
		if ctx.Err() != nil {
			return fmt.Errorf("upload to %s interrupted: %w", s.config.Host, ctx.Err())
		}
		s.dropConnection()
		return fmt.Errorf("%w: %s: upload %s: %v", ErrUnreachable, s.config.Host, remotePath, e)
	}
}

// Close releases the cached connection. The executor can be reused; the next
// Run dials again.
func (s *SSH) Close() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	s.client = nil
	return err
}

// ensureConnected returns the cached connection or dials with backoff.
func (s *SSH) ensureConnected(ctx context.Context) (*ssh.Client, error) {
	if s.client != nil {
		return s.client, nil
	}

	config := &ssh.ClientConfig{
		User: s.config.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(s.signer),
		},
		HostKeyCallback: s.config.HostKeyCallback,
		Timeout:         s.config.DialTimeout,
	}

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	var client *ssh.Client

	err := retry.WithExponentialBackoff(ctx, func() error {
		var dialErr error
		client, dialErr = ssh.Dial("tcp", addr, config)
		return dialErr
	},
		retry.WithMaxRetries(s.config.MaxRetries),
		retry.WithInitialDelay(s.config.RetryDelay),
		retry.WithMaxDelay(defaultMaxDelay),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}

	s.client = client
	return client, nil
}

// dropConnection discards the cached connection after a transport failure so
// the next call redials.
func (s *SSH) dropConnection() {
	if s.client != nil {
		_ = s.client.Close()
		s.client = nil
	}
}
