//go:build unix

package guest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guseggert/guestctl/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var log *zap.Logger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l
}

var fastSchedule = reapSchedule{
	initial:       10 * time.Millisecond,
	short:         10 * time.Millisecond,
	long:          50 * time.Millisecond,
	attempts:      10,
	escalateAfter: 5,
}

type loopHarness struct {
	l       *Loop
	reports chan *protocol.Message
}

func startLoop(t *testing.T, start *protocol.Start, h hooks) *loopHarness {
	t.Helper()
	reports := make(chan *protocol.Message, 16)
	l, err := newLoop(loopConfig{
		log:      log.Sugar(),
		ctxID:    protocol.EncodeContextID(0, 1, 0),
		start:    start,
		report:   func(m *protocol.Message) { reports <- m },
		assign:   func(uint32, *Loop) {},
		schedule: fastSchedule,
		hooks:    h,
	})
	require.NoError(t, err)
	go l.run()
	t.Cleanup(func() {
		l.Quit()
		<-l.Done()
	})
	return &loopHarness{l: l, reports: reports}
}

func (h *loopHarness) next(t *testing.T) *protocol.StatusChanged {
	t.Helper()
	select {
	case m := <-h.reports:
		require.Equal(t, protocol.MsgStatusChanged, m.Type)
		require.NotNil(t, m.Status)
		return m.Status
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for status")
	}
	return nil
}

func (h *loopHarness) readAll(t *testing.T, ctx context.Context, stream protocol.StreamID) []byte {
	t.Helper()
	var out []byte
	for {
		data, eof, err := h.l.ReadStream(ctx, stream, 0)
		require.NoError(t, err)
		out = append(out, data...)
		if eof {
			return out
		}
		if len(data) == 0 {
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestLoopEcho(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	h := startLoop(t, &protocol.Start{
		Command:   "echo",
		Args:      []string{"hello"},
		Flags:     protocol.FlagWaitForStdOut,
		TimeoutMS: 5000,
	}, hooks{})

	st := h.next(t)
	assert.Equal(t, protocol.StatusStarted, st.Status)
	assert.NotZero(t, st.PID)
	assert.Equal(t, st.PID, h.l.PID())

	assert.Equal(t, "hello\n", string(h.readAll(t, ctx, protocol.StreamStdout)))

	st = h.next(t)
	assert.Equal(t, protocol.StatusTEN, st.Status)
	assert.Equal(t, uint32(0), st.Flags)
}

func TestLoopExitCode(t *testing.T) {
	h := startLoop(t, &protocol.Start{Command: "sh", Args: []string{"-c", "exit 3"}}, hooks{})
	assert.Equal(t, protocol.StatusStarted, h.next(t).Status)

	st := h.next(t)
	assert.Equal(t, protocol.StatusTEN, st.Status)
	assert.Equal(t, uint32(3), st.Flags)
}

func TestLoopFinalWriteRemovesStdin(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stdinPolled := make(chan bool, 1)
	sawFinal := false
	reported := false
	h := startLoop(t, &protocol.Start{Command: "cat"}, hooks{
		handled: func(l *Loop, r *request) {
			if r.kind == reqWriteStdin && r.final {
				sawFinal = true
			}
		},
		iteration: func(l *Loop) {
			if sawFinal && !reported {
				reported = true
				stdinPolled <- l.poll.has(pollStdin)
			}
		},
	})
	assert.Equal(t, protocol.StatusStarted, h.next(t).Status)

	// stdout is not captured, so it reads as already closed
	data, eof, err := h.l.ReadStream(ctx, protocol.StreamStdout, 0)
	require.NoError(t, err)
	assert.True(t, eof)
	assert.Empty(t, data)

	n, eof, err := h.l.WriteStdin(ctx, []byte("hi"), true)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, 2, n)

	select {
	case polled := <-stdinPolled:
		assert.False(t, polled)
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not iterate after final write")
	}

	st := h.next(t)
	assert.Equal(t, protocol.StatusTEN, st.Status)
	assert.Equal(t, uint32(0), st.Flags)
}

func TestLoopDrainBeforeClose(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	lingering := make(chan struct{})
	signalled := false
	h := startLoop(t, &protocol.Start{
		Command: "sh",
		Args:    []string{"-c", "printf abc"},
		Flags:   protocol.FlagWaitForStdOut,
	}, hooks{
		iteration: func(l *Loop) {
			if !signalled && !l.alive && l.stdout != closedFD && !l.poll.has(pollStdout) {
				signalled = true
				close(lingering)
			}
		},
	})
	assert.Equal(t, protocol.StatusStarted, h.next(t).Status)

	select {
	case <-lingering:
	case <-time.After(5 * time.Second):
		t.Fatal("stdout was not kept open after hangup")
	}

	data, eof, err := h.l.ReadStream(ctx, protocol.StreamStdout, 0)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, "abc", string(data))

	data, eof, err = h.l.ReadStream(ctx, protocol.StreamStdout, 0)
	require.NoError(t, err)
	assert.True(t, eof)
	assert.Empty(t, data)

	assert.Equal(t, protocol.StatusTEN, h.next(t).Status)
}

func TestLoopTerminateResolvesAfterFinalStatus(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	start := &protocol.Start{Command: "sleep", Args: []string{"60"}}
	h := startLoop(t, start, hooks{})
	assert.Equal(t, protocol.StatusStarted, h.next(t).Status)

	require.NoError(t, h.l.Terminate(ctx))

	select {
	case m := <-h.reports:
		assert.Equal(t, protocol.StatusDWN, m.Status.Status)
		assert.Equal(t, uint32(start.Flags), m.Status.Flags)
	default:
		t.Fatal("terminate resolved before the final status was reported")
	}
}

func TestLoopTimeoutKills(t *testing.T) {
	h := startLoop(t, &protocol.Start{
		Command:   "sleep",
		Args:      []string{"60"},
		TimeoutMS: 100,
	}, hooks{})
	assert.Equal(t, protocol.StatusStarted, h.next(t).Status)
	assert.Equal(t, protocol.StatusTOK, h.next(t).Status)
}

func TestLoopStartOnlySendsNoFinalStatus(t *testing.T) {
	h := startLoop(t, &protocol.Start{
		Command: "true",
		Flags:   protocol.FlagWaitForProcessStartOnly,
	}, hooks{})
	assert.Equal(t, protocol.StatusStarted, h.next(t).Status)

	select {
	case <-h.l.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("loop did not stop")
	}
	assert.Len(t, h.reports, 0)
}

func TestLoopSpawnFailure(t *testing.T) {
	dir := t.TempDir()
	notExec := filepath.Join(dir, "script")
	require.NoError(t, os.WriteFile(notExec, []byte("#!/bin/sh\n"), 0o644))

	cases := []struct {
		name    string
		command string
		reason  protocol.SpawnReason
	}{
		{name: "missing file", command: filepath.Join(dir, "missing"), reason: protocol.ReasonFileNotFound},
		{name: "missing directory", command: filepath.Join(dir, "nodir", "prog"), reason: protocol.ReasonPathNotFound},
		{name: "not in PATH", command: "guestctl-no-such-program", reason: protocol.ReasonFileNotFound},
		{name: "not executable", command: notExec, reason: protocol.ReasonPermissionDenied},
		{name: "directory", command: dir, reason: protocol.ReasonBadFormat},
		{name: "empty", command: "", reason: protocol.ReasonInvalidName},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			h := startLoop(t, &protocol.Start{Command: c.command}, hooks{})
			st := h.next(t)
			assert.Equal(t, protocol.StatusError, st.Status)
			assert.Equal(t, uint32(0), st.PID)
			assert.Equal(t, c.reason, protocol.SpawnReason(st.Flags))

			<-h.l.Done()
			assert.Len(t, h.reports, 0)
		})
	}
}

func TestLoopRequestsAfterStopAreCancelled(t *testing.T) {
	h := startLoop(t, &protocol.Start{Command: "true"}, hooks{})
	assert.Equal(t, protocol.StatusStarted, h.next(t).Status)
	assert.Equal(t, protocol.StatusTEN, h.next(t).Status)
	<-h.l.Done()

	_, _, err := h.l.WriteStdin(context.Background(), []byte("x"), false)
	assert.ErrorIs(t, err, protocol.ErrCancelled)
	assert.ErrorIs(t, h.l.Terminate(context.Background()), protocol.ErrCancelled)
}

func TestReapBackOff(t *testing.T) {
	b := &reapBackOff{s: defaultReapSchedule}
	b.Reset()

	var got []time.Duration
	for {
		d := b.NextBackOff()
		if d == backoff.Stop {
			break
		}
		got = append(got, d)
	}
	short, long := defaultReapSchedule.short, defaultReapSchedule.long
	assert.Equal(t, []time.Duration{short, short, short, short, short, long, long, long, long}, got)
}

func TestPollInterval(t *testing.T) {
	now := time.Now()
	cases := []struct {
		name string
		l    *Loop
		busy bool
		exp  time.Duration
	}{
		{name: "busy", l: &Loop{alive: true, stdin: 5}, busy: true, exp: 0},
		{name: "stdin open", l: &Loop{alive: true, stdin: 5}, exp: stdinOpenInterval},
		{name: "stdin closed", l: &Loop{alive: true, stdin: closedFD}, exp: idleInterval},
		{name: "child dead", l: &Loop{stdin: closedFD}, exp: deadInterval},
		{
			name: "capped by time left",
			l:    &Loop{alive: true, stdin: closedFD, startedAt: now.Add(-900 * time.Millisecond), timeout: time.Second},
			exp:  100 * time.Millisecond,
		},
		{
			name: "expired",
			l:    &Loop{alive: true, stdin: closedFD, startedAt: now.Add(-time.Hour), timeout: time.Second},
			exp:  0,
		},
		{
			name: "timed out",
			l:    &Loop{stdin: closedFD, startedAt: now.Add(-time.Hour), timeout: time.Second, timedOut: true},
			exp:  timedOutInterval,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, c.l.pollInterval(now, c.busy))
		})
	}
}
