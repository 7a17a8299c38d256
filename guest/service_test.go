//go:build unix

package guest

import (
	"context"
	"testing"
	"time"

	"github.com/guseggert/guestctl/protocol"
	"github.com/guseggert/guestctl/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type serviceHarness struct {
	svc    *Service
	host   transport.Conn
	served chan error
}

func startService(t *testing.T, opts ...Option) *serviceHarness {
	t.Helper()
	hostEnd, guestEnd := transport.Pipe()
	opts = append([]Option{WithLogger(log), withReapSchedule(fastSchedule)}, opts...)
	svc := NewService(guestEnd, opts...)

	served := make(chan error, 1)
	go func() { served <- svc.Serve(context.Background()) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = svc.Shutdown(ctx)
	})
	return &serviceHarness{svc: svc, host: hostEnd, served: served}
}

func (h *serviceHarness) send(t *testing.T, msg *protocol.Message) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.host.Send(ctx, msg))
}

func (h *serviceHarness) recv(t *testing.T) *protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	msg, err := h.host.Recv(ctx)
	require.NoError(t, err)
	return msg
}

func (h *serviceHarness) start(t *testing.T, ctxID protocol.ContextID, start *protocol.Start) *protocol.StatusChanged {
	t.Helper()
	h.send(t, &protocol.Message{Type: protocol.MsgStart, ContextID: ctxID, Start: start})
	msg := h.recv(t)
	require.Equal(t, protocol.MsgStatusChanged, msg.Type)
	assert.Equal(t, ctxID, msg.ContextID)
	return msg.Status
}

func TestServiceHello(t *testing.T) {
	h := startService(t, WithProtocolVersion(1))
	h.send(t, &protocol.Message{Type: protocol.MsgHello, Hello: &protocol.Hello{ProtocolVersion: 2}})
	msg := h.recv(t)
	require.Equal(t, protocol.MsgHello, msg.Type)
	assert.Equal(t, uint32(1), msg.Hello.ProtocolVersion)
}

func TestServiceEcho(t *testing.T) {
	h := startService(t)
	ctxID := protocol.EncodeContextID(1, 1, 0)
	st := h.start(t, ctxID, &protocol.Start{
		Command:   "echo",
		Args:      []string{"hello"},
		Flags:     protocol.FlagWaitForStdOut,
		TimeoutMS: 5000,
	})
	require.Equal(t, protocol.StatusStarted, st.Status)
	require.NotZero(t, st.PID)

	// the final status may overtake the reply to the read that hit EOF
	var out []byte
	var final *protocol.StatusChanged
	eof := false
	for count := uint32(1); !eof; count++ {
		ctxID := protocol.EncodeContextID(1, 1, count)
		h.send(t, &protocol.Message{
			Type:      protocol.MsgReadStream,
			ContextID: ctxID,
			Read:      &protocol.ReadStream{PID: st.PID, Stream: protocol.StreamStdout},
		})
		for {
			msg := h.recv(t)
			if msg.Type == protocol.MsgStatusChanged {
				final = msg.Status
				continue
			}
			require.Equal(t, protocol.MsgOutput, msg.Type)
			assert.Equal(t, ctxID, msg.ContextID)
			out = append(out, msg.Output.Data...)
			eof = msg.Output.EOF
			break
		}
		if !eof {
			time.Sleep(10 * time.Millisecond)
		}
	}
	assert.Equal(t, "hello\n", string(out))

	if final == nil {
		msg := h.recv(t)
		require.Equal(t, protocol.MsgStatusChanged, msg.Type)
		final = msg.Status
	}
	assert.Equal(t, protocol.StatusTEN, final.Status)
	assert.Equal(t, st.PID, final.PID)
}

func TestServiceUnknownPID(t *testing.T) {
	h := startService(t)

	h.send(t, &protocol.Message{Type: protocol.MsgWriteStdin, Write: &protocol.WriteStdin{PID: 999999, Data: []byte("x")}})
	msg := h.recv(t)
	require.Equal(t, protocol.MsgInputAck, msg.Type)
	assert.Equal(t, protocol.InputError, msg.InputAck.Status)
	assert.Equal(t, protocol.CodeNotFound, msg.InputAck.Code)

	h.send(t, &protocol.Message{Type: protocol.MsgReadStream, Read: &protocol.ReadStream{PID: 999999, Stream: protocol.StreamStdout}})
	msg = h.recv(t)
	require.Equal(t, protocol.MsgOutput, msg.Type)
	assert.True(t, msg.Output.EOF)

	h.send(t, &protocol.Message{Type: protocol.MsgTerminate, Terminate: &protocol.Terminate{PID: 999999}})
	msg = h.recv(t)
	require.Equal(t, protocol.MsgReply, msg.Type)
	assert.Equal(t, protocol.CodeNotFound, msg.Reply.Code)
}

func TestServiceOversizeWrite(t *testing.T) {
	h := startService(t)
	h.send(t, &protocol.Message{
		Type:  protocol.MsgWriteStdin,
		Write: &protocol.WriteStdin{PID: 1, Data: make([]byte, protocol.MaxChunkSize+1)},
	})
	msg := h.recv(t)
	require.Equal(t, protocol.MsgInputAck, msg.Type)
	assert.Equal(t, protocol.InputOverflow, msg.InputAck.Status)
}

func TestServiceTerminate(t *testing.T) {
	cases := []struct {
		name    string
		version uint32
		code    protocol.Code
		status  protocol.GuestStatus
	}{
		{name: "supported", version: 2, code: protocol.CodeOK, status: protocol.StatusDWN},
		{name: "legacy guest", version: 1, code: protocol.CodeNotSupported},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			h := startService(t, WithProtocolVersion(c.version))
			st := h.start(t, protocol.EncodeContextID(0, 3, 0), &protocol.Start{Command: "sleep", Args: []string{"60"}})
			require.Equal(t, protocol.StatusStarted, st.Status)

			h.send(t, &protocol.Message{
				Type:      protocol.MsgTerminate,
				ContextID: protocol.EncodeContextID(0, 3, 1),
				Terminate: &protocol.Terminate{PID: st.PID},
			})
			if c.status != protocol.StatusUndefined {
				msg := h.recv(t)
				require.Equal(t, protocol.MsgStatusChanged, msg.Type)
				assert.Equal(t, c.status, msg.Status.Status)
			}
			msg := h.recv(t)
			require.Equal(t, protocol.MsgReply, msg.Type)
			assert.Equal(t, protocol.EncodeContextID(0, 3, 1), msg.ContextID)
			assert.Equal(t, c.code, msg.Reply.Code)
		})
	}
}

func TestServiceRejectsStart(t *testing.T) {
	cases := []struct {
		name   string
		opts   []Option
		start  *protocol.Start
		reason protocol.SpawnReason
	}{
		{
			name:   "user not allowed",
			opts:   []Option{WithAuthenticator(AllowUsers("guest"))},
			start:  &protocol.Start{Command: "true", Username: "intruder"},
			reason: protocol.ReasonAuthFailure,
		},
		{
			name:   "wrong password",
			opts:   []Option{WithAuthenticator(Passwords(map[string][]byte{"guest": mustHash(t, "secret")}))},
			start:  &protocol.Start{Command: "true", Username: "guest", Password: "guess"},
			reason: protocol.ReasonAuthFailure,
		},
		{
			name:   "process limit",
			opts:   []Option{WithMaxProcesses(0)},
			start:  &protocol.Start{Command: "true"},
			reason: protocol.ReasonResourceLimit,
		},
		{
			name:   "unknown flags",
			start:  &protocol.Start{Command: "true", Flags: 1 << 20},
			reason: protocol.ReasonInvalidName,
		},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			h := startService(t, c.opts...)
			st := h.start(t, protocol.EncodeContextID(0, 1, 0), c.start)
			assert.Equal(t, protocol.StatusError, st.Status)
			assert.Equal(t, c.reason, protocol.SpawnReason(st.Flags))
		})
	}
}

func TestServiceStopsLoopsOnDisconnect(t *testing.T) {
	h := startService(t)
	st := h.start(t, protocol.EncodeContextID(0, 1, 0), &protocol.Start{Command: "sleep", Args: []string{"60"}})
	require.Equal(t, protocol.StatusStarted, st.Status)

	require.NoError(t, h.host.Close())
	select {
	case err := <-h.served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after disconnect")
	}
	assert.Nil(t, h.svc.lookup(st.PID))
}

func TestServiceShutdownSendsDisconnected(t *testing.T) {
	h := startService(t)
	st := h.start(t, protocol.EncodeContextID(0, 1, 0), &protocol.Start{
		Command: "sleep",
		Args:    []string{"60"},
		Flags:   protocol.FlagIgnoreOrphanedProcesses,
	})
	require.Equal(t, protocol.StatusStarted, st.Status)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))

	msg := h.recv(t)
	assert.Equal(t, protocol.MsgDisconnected, msg.Type)
	assert.Nil(t, h.svc.lookup(st.PID))
}

func TestServiceAssignStopsStaleRecord(t *testing.T) {
	h := startService(t)
	staleCtx := protocol.EncodeContextID(0, 1, 0)
	st := h.start(t, staleCtx, &protocol.Start{Command: "sleep", Args: []string{"60"}})
	require.Equal(t, protocol.StatusStarted, st.Status)
	other := h.start(t, protocol.EncodeContextID(0, 2, 0), &protocol.Start{Command: "sleep", Args: []string{"60"}})
	require.Equal(t, protocol.StatusStarted, other.Status)

	stale := h.svc.lookup(st.PID)
	fresh := h.svc.lookup(other.PID)
	require.NotNil(t, stale)
	require.NotNil(t, fresh)

	// the stale PID is handed out again
	h.svc.assign(st.PID, fresh)
	assert.Same(t, fresh, h.svc.lookup(st.PID))

	select {
	case <-stale.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("stale loop was not stopped")
	}
	msg := h.recv(t)
	require.Equal(t, protocol.MsgStatusChanged, msg.Type)
	assert.Equal(t, staleCtx, msg.ContextID)
	assert.Equal(t, protocol.StatusDWN, msg.Status.Status)

	require.Eventually(t, func() bool {
		h.svc.mu.Lock()
		defer h.svc.mu.Unlock()
		_, ok := h.svc.loops[stale]
		return !ok
	}, 10*time.Second, 10*time.Millisecond)
	assert.Same(t, fresh, h.svc.lookup(st.PID))
	assert.Same(t, fresh, h.svc.lookup(other.PID))
}
