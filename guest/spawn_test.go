//go:build unix

package guest

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/guseggert/guestctl/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBuildEnv(t *testing.T) {
	cases := []struct {
		name    string
		base    []string
		overlay []string
		exp     []string
	}{
		{name: "empty", exp: []string{}},
		{name: "base only", base: []string{"A=1", "B=2"}, exp: []string{"A=1", "B=2"}},
		{name: "override keeps position", base: []string{"A=1", "B=2"}, overlay: []string{"A=3"}, exp: []string{"A=3", "B=2"}},
		{name: "append", base: []string{"A=1"}, overlay: []string{"C=x=y"}, exp: []string{"A=1", "C=x=y"}},
		{name: "unset", base: []string{"A=1", "B=2"}, overlay: []string{"A"}, exp: []string{"B=2"}},
		{name: "unset missing", base: []string{"A=1"}, overlay: []string{"Z"}, exp: []string{"A=1"}},
		{name: "empty value", overlay: []string{"E="}, exp: []string{"E="}},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, buildEnv(c.base, c.overlay))
		})
	}
}

func TestExpandArgs(t *testing.T) {
	env := []string{"HOME=/home/guest", "NAME=world"}
	got := expandArgs([]string{"$HOME/x", "hello ${NAME}", "$MISSING", "plain"}, env)
	assert.Equal(t, []string{"/home/guest/x", "hello world", "", "plain"}, got)
}

func TestResolveExecutable(t *testing.T) {
	dir := t.TempDir()
	prog := filepath.Join(dir, "prog")
	require.NoError(t, os.WriteFile(prog, []byte("#!/bin/sh\n"), 0o755))

	path, err := resolveExecutable("prog", []string{"PATH=/nonexistent:" + dir})
	require.NoError(t, err)
	assert.Equal(t, prog, path)

	path, err = resolveExecutable(prog, nil)
	require.NoError(t, err)
	assert.Equal(t, prog, path)

	_, err = resolveExecutable("prog", []string{"PATH=/nonexistent"})
	assert.ErrorIs(t, err, protocol.ErrSpawnFailed)
	assert.Equal(t, protocol.ReasonFileNotFound, spawnError(err).Reason)
}

func TestSpawnError(t *testing.T) {
	cases := []struct {
		err    error
		reason protocol.SpawnReason
	}{
		{err: exec.ErrNotFound, reason: protocol.ReasonFileNotFound},
		{err: &os.PathError{Op: "fork/exec", Path: "/x", Err: syscall.ENOENT}, reason: protocol.ReasonFileNotFound},
		{err: fmt.Errorf("starting: %w", &os.PathError{Op: "fork/exec", Path: "/x", Err: syscall.ENOTDIR}), reason: protocol.ReasonPathNotFound},
		{err: syscall.ENOEXEC, reason: protocol.ReasonBadFormat},
		{err: syscall.EACCES, reason: protocol.ReasonPermissionDenied},
		{err: syscall.EPERM, reason: protocol.ReasonPermissionDenied},
		{err: syscall.EAGAIN, reason: protocol.ReasonResourceLimit},
		{err: syscall.EMFILE, reason: protocol.ReasonResourceLimit},
		{err: syscall.ENAMETOOLONG, reason: protocol.ReasonInvalidName},
		{err: syscall.EIO, reason: protocol.ReasonUnknown},
		{err: errors.New("boom"), reason: protocol.ReasonUnknown},
		{err: &protocol.SpawnError{Reason: protocol.ReasonAuthFailure}, reason: protocol.ReasonAuthFailure},
	}
	for _, c := range cases {
		c := c
		t.Run(c.err.Error(), func(t *testing.T) {
			assert.Equal(t, c.reason, spawnError(c.err).Reason)
		})
	}
}

func TestCredentialForSelf(t *testing.T) {
	cred, err := credentialFor("")
	require.NoError(t, err)
	assert.Nil(t, cred)

	_, err = credentialFor("guestctl-no-such-user")
	assert.Equal(t, protocol.ReasonAuthFailure, spawnError(err).Reason)
}

func TestClassify(t *testing.T) {
	start := &protocol.Start{Flags: protocol.FlagWaitForStdOut}
	exited := func(code int) unix.WaitStatus { return unix.WaitStatus(code << 8) }
	signalled := func(sig syscall.Signal) unix.WaitStatus { return unix.WaitStatus(sig) }

	cases := []struct {
		name   string
		l      *Loop
		status protocol.GuestStatus
		flags  uint32
	}{
		{name: "normal exit", l: &Loop{status: exited(0)}, status: protocol.StatusTEN, flags: 0},
		{name: "exit code", l: &Loop{shutdown: true, status: exited(7)}, status: protocol.StatusTEN, flags: 7},
		{name: "signal", l: &Loop{status: signalled(syscall.SIGSEGV)}, status: protocol.StatusTES, flags: uint32(syscall.SIGSEGV)},
		{name: "timed out and killed", l: &Loop{timedOut: true, killed: true, shutdown: true, status: signalled(syscall.SIGKILL)}, status: protocol.StatusTOK},
		{name: "timed out and still running", l: &Loop{timedOut: true, killed: true, alive: true, shutdown: true}, status: protocol.StatusTOA},
		{name: "terminated", l: &Loop{shutdown: true, killed: true, status: signalled(syscall.SIGKILL)}, status: protocol.StatusDWN, flags: uint32(start.Flags)},
		{name: "shutdown while unkillable", l: &Loop{shutdown: true, alive: true}, status: protocol.StatusDWN, flags: uint32(start.Flags)},
		{name: "lost child", l: &Loop{abend: true}, status: protocol.StatusTEA, flags: abendExitCode},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			c.l.cfg.start = start
			status, flags := c.l.classify()
			assert.Equal(t, c.status, status)
			assert.Equal(t, c.flags, flags)
		})
	}
}
