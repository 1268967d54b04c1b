// Package sshexec is the remote execution channel: authenticated,
// retryable command sessions against a single host, with streamed output.
//
// Each Runner is scoped to one host; failures on one host's channel never
// affect another's. Connection and authentication failures are retried with
// bounded backoff before surfacing as a RemoteError naming the host.
package sshexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/kuutamolabs/kld-mgr/internal/retry"
)

// Executor runs commands on a remote host. Orchestrators depend on this
// interface; tests substitute fakes.
type Executor interface {
	// Execute runs a command and returns its captured output.
	Execute(ctx context.Context, command string) (*Result, error)
	// ExecuteStdin runs a command feeding it the given standard input,
	// used to hand key material to a host without writing it to disk.
	ExecuteStdin(ctx context.Context, command string, stdin io.Reader) (*Result, error)
}

// Result is a completed remote command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// RemoteError reports a channel failure (connectivity or authentication)
// or a remote command failure, naming the host.
type RemoteError struct {
	Host string
	Op   string
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("host %s: %s: %v", e.Host, e.Op, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// ExitError carries a remote command's non-zero exit status.
type ExitError struct {
	Command string
	Code    int
	Stderr  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("remote command %q exited with status %d: %s", e.Command, e.Code, e.Stderr)
}

// Runner is an Executor speaking SSH to one host.
type Runner struct {
	host           string // name, used in errors
	target         string // dialed address
	port           int
	user           string
	auth           []ssh.AuthMethod
	connectTimeout time.Duration
	dialAttempts   int
	output         io.Writer // streams combined output when set (--debug)
}

// Option configures a Runner.
type Option func(*Runner)

// WithPort overrides the ssh port.
func WithPort(port int) Option {
	return func(r *Runner) { r.port = port }
}

// WithConnectTimeout bounds each connection attempt.
func WithConnectTimeout(d time.Duration) Option {
	return func(r *Runner) { r.connectTimeout = d }
}

// WithDialAttempts sets the connection retry budget.
func WithDialAttempts(n int) Option {
	return func(r *Runner) { r.dialAttempts = n }
}

// WithStreamedOutput mirrors remote combined output to w as it arrives.
func WithStreamedOutput(w io.Writer) Option {
	return func(r *Runner) { r.output = w }
}

// WithAuth replaces the default environment-derived auth methods.
func WithAuth(methods []ssh.AuthMethod) Option {
	return func(r *Runner) { r.auth = methods }
}

// NewRunner creates a channel to user@target. host is the descriptive name
// used in error reporting.
func NewRunner(host, target, user string, opts ...Option) *Runner {
	r := &Runner{
		host:           host,
		target:         target,
		port:           22,
		user:           user,
		auth:           authFromEnvironment(),
		connectTimeout: 10 * time.Second,
		dialAttempts:   6,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// authFromEnvironment collects the operator's ssh agent, when one is
// reachable, plus any key file named by KLD_MGR_SSH_KEY.
func authFromEnvironment() []ssh.AuthMethod {
	var methods []ssh.AuthMethod
	if sock := os.Getenv("SSH_AUTH_SOCK"); sock != "" {
		if conn, err := net.Dial("unix", sock); err == nil {
			methods = append(methods, ssh.PublicKeysCallback(agent.NewClient(conn).Signers))
		}
	}
	if keyFile := os.Getenv("KLD_MGR_SSH_KEY"); keyFile != "" {
		if pem, err := os.ReadFile(keyFile); err == nil {
			if signer, err := ssh.ParsePrivateKey(pem); err == nil {
				methods = append(methods, ssh.PublicKeys(signer))
			}
		}
	}
	return methods
}

func (r *Runner) Execute(ctx context.Context, command string) (*Result, error) {
	return r.run(ctx, command, nil)
}

func (r *Runner) ExecuteStdin(ctx context.Context, command string, stdin io.Reader) (*Result, error) {
	return r.run(ctx, command, stdin)
}

func (r *Runner) run(ctx context.Context, command string, stdin io.Reader) (*Result, error) {
	client, err := r.dial(ctx)
	if err != nil {
		return nil, &RemoteError{Host: r.host, Op: "connect", Err: err}
	}
	defer client.Close()

	session, err := client.NewSession()
	if err != nil {
		return nil, &RemoteError{Host: r.host, Op: "session", Err: err}
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr
	if r.output != nil {
		session.Stdout = io.MultiWriter(&stdout, r.output)
		session.Stderr = io.MultiWriter(&stderr, r.output)
	}
	session.Stdin = stdin

	// an operator interrupt must kill the in-flight session, not wait it out
	done := make(chan error, 1)
	go func() { done <- session.Run(command) }()

	select {
	case <-ctx.Done():
		session.Close()
		client.Close()
		<-done
		return nil, &RemoteError{Host: r.host, Op: "execute", Err: ctx.Err()}
	case err = <-done:
	}

	result := &Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if err != nil {
		var exitErr *ssh.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitStatus()
			return result, &RemoteError{Host: r.host, Op: "execute", Err: &ExitError{
				Command: command,
				Code:    result.ExitCode,
				Stderr:  stderr.String(),
			}}
		}
		return nil, &RemoteError{Host: r.host, Op: "execute", Err: err}
	}
	return result, nil
}

func (r *Runner) dial(ctx context.Context) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User: r.user,
		Auth: r.auth,
		// hosts are installed from wiped disks with fresh keys; the trust
		// anchor is the operator-held ssh key, not TOFU host keys
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), //nolint:gosec
		Timeout:         r.connectTimeout,
	}

	var client *ssh.Client
	addr := net.JoinHostPort(r.target, fmt.Sprintf("%d", r.port))
	err := retry.Do(ctx, func() error {
		var err error
		client, err = ssh.Dial("tcp", addr, cfg)
		return err
	},
		retry.WithMaxAttempts(r.dialAttempts),
		retry.WithInitialDelay(2*time.Second),
		retry.WithMaxDelay(20*time.Second),
	)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Dialer builds an Executor for a host. Orchestrators receive one so tests
// can substitute fake channels.
type Dialer func(host, target, user string) Executor

// DefaultDialer returns a Dialer producing SSH runners with the given
// options applied to every channel.
func DefaultDialer(opts ...Option) Dialer {
	return func(host, target, user string) Executor {
		return NewRunner(host, target, user, opts...)
	}
}
