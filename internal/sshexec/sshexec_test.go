package sshexec

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRemoteError(t *testing.T) {
	t.Parallel()
	inner := errors.New("connection refused")
	err := &RemoteError{Host: "db-00", Op: "connect", Err: inner}
	assert.Equal(t, "host db-00: connect: connection refused", err.Error())
	assert.ErrorIs(t, err, inner)
}

func TestExitError(t *testing.T) {
	t.Parallel()
	err := &ExitError{Command: "kld-ctl readiness", Code: 1, Stderr: "not joined"}
	assert.Contains(t, err.Error(), "kld-ctl readiness")
	assert.Contains(t, err.Error(), "status 1")
}

func TestNewRunner_Options(t *testing.T) {
	t.Parallel()
	r := NewRunner("db-00", "192.0.2.1", "root",
		WithPort(2222),
		WithConnectTimeout(time.Second),
		WithDialAttempts(1),
	)
	assert.Equal(t, 2222, r.port)
	assert.Equal(t, time.Second, r.connectTimeout)
	assert.Equal(t, 1, r.dialAttempts)
}

func TestRunner_ConnectFailureNamesHost(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// reserved TEST-NET address, nothing listens there
	r := NewRunner("db-00", "192.0.2.1", "root",
		WithConnectTimeout(100*time.Millisecond),
		WithDialAttempts(1),
	)
	_, err := r.Execute(ctx, "true")
	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "db-00", remoteErr.Host)
	assert.Equal(t, "connect", remoteErr.Op)
}

func TestDefaultDialer(t *testing.T) {
	t.Parallel()
	dial := DefaultDialer(WithDialAttempts(1))
	exec := dial("db-00", "192.0.2.1", "root")
	runner, ok := exec.(*Runner)
	require.True(t, ok)
	assert.Equal(t, "db-00", runner.host)
	assert.Equal(t, "root", runner.user)
}
