package host

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/guseggert/guestctl/callback"
	"github.com/guseggert/guestctl/protocol"
	"go.uber.org/zap"
)

// Handle identifies a process slot in its session. Generation changes every time the slot is
// reused, so a handle never reaches a process it was not issued for.
type Handle struct {
	Index      uint32
	Generation uint32
}

// StartRequest describes a process to start in the guest.
type StartRequest struct {
	Command string
	// Args excludes argv[0].
	Args []string
	// Env is overlaid on the session environment. A bare NAME unsets the variable.
	Env   []string
	Flags protocol.StartFlag
	// Timeout is the guest-side run time limit. Zero means no limit.
	Timeout time.Duration
	// StartTimeout bounds the wait for the guest to report the spawn. Zero selects the default.
	StartTimeout time.Duration
}

const defaultStartTimeout = 30 * time.Second

type waiter struct {
	flags WaitFlag
	f     *callback.Future[WaitResult]
}

// proxy mirrors one guest process. It is owned by its session's table.
type proxy struct {
	log       *zap.SugaredLogger
	s         *Session
	object    uint32
	gen       uint32
	callbacks *callback.Registry[*protocol.Message]

	mu         sync.Mutex
	status     ProcessStatus
	pid        uint32
	exitCode   int32
	lastErr    error
	flags      protocol.StartFlag
	stdinOpen  bool
	stdoutOpen bool
	stderrOpen bool
	wait       *waiter
}

func newProxy(s *Session, object, gen uint32) *proxy {
	return &proxy{
		log:       s.log.Named("process").With("object", object, "generation", gen),
		s:         s,
		object:    object,
		gen:       gen,
		callbacks: callback.NewRegistry[*protocol.Message](0),
	}
}

// call sends the message built for a fresh context ID and waits for the reply routed to it.
func (p *proxy) call(ctx context.Context, name string, timeout time.Duration, build func(protocol.ContextID) *protocol.Message) (*protocol.Message, error) {
	count, f, err := p.callbacks.Register()
	if err != nil {
		callFailures.WithLabelValues(name).Inc()
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	start := time.Now()
	msg := build(protocol.EncodeContextID(p.s.id, p.object, count))
	p.log.Debugf("sending %s", msg)
	if err := p.s.conn.Send(ctx, msg); err != nil {
		p.callbacks.Remove(count)
		callFailures.WithLabelValues(name).Inc()
		return nil, err
	}

	reply, err := f.Await(ctx, p.s.timeout(timeout))
	if err != nil {
		// a late reply finds no callback and is dropped
		p.callbacks.Remove(count)
		callFailures.WithLabelValues(name).Inc()
		if errors.Is(err, protocol.ErrTimeout) {
			callTimeouts.Inc()
		}
		return nil, err
	}
	callLatency.WithLabelValues(name).Observe(time.Since(start).Seconds())
	callSuccesses.WithLabelValues(name).Inc()
	return reply, nil
}

func (p *proxy) start(ctx context.Context, req StartRequest) error {
	p.mu.Lock()
	p.status = StatusStarting
	p.flags = req.Flags
	p.stdinOpen = true
	p.stdoutOpen = req.Flags.Has(protocol.FlagWaitForStdOut)
	p.stderrOpen = req.Flags.Has(protocol.FlagWaitForStdErr)
	p.mu.Unlock()

	timeoutMS := uint32(protocol.InfiniteTimeoutMS)
	if req.Timeout > 0 && !req.Flags.Has(protocol.FlagWaitForProcessStartOnly) {
		ms := req.Timeout.Milliseconds()
		if ms < 1 {
			ms = 1
		}
		if ms < math.MaxUint32 {
			timeoutMS = uint32(ms)
		}
	}
	startTimeout := req.StartTimeout
	if startTimeout == 0 {
		startTimeout = defaultStartTimeout
	}

	reply, err := p.call(ctx, "start", startTimeout, func(id protocol.ContextID) *protocol.Message {
		return &protocol.Message{
			Type:      protocol.MsgStart,
			ContextID: id,
			Start: &protocol.Start{
				Command:   req.Command,
				Args:      req.Args,
				Env:       append(append([]string{}, p.s.env...), req.Env...),
				Flags:     req.Flags,
				TimeoutMS: timeoutMS,
				Username:  p.s.username,
				Password:  p.s.password,
				Domain:    p.s.domain,
			},
		}
	})
	if err != nil {
		p.mu.Lock()
		p.status = StatusError
		p.lastErr = err
		p.mu.Unlock()
		return fmt.Errorf("starting %q: %w", req.Command, err)
	}
	if reply.Type != protocol.MsgStatusChanged || reply.Status == nil {
		return fmt.Errorf("starting %q: unexpected %s: %w", req.Command, reply, protocol.ErrProtocolViolation)
	}
	if reply.Status.Status == protocol.StatusError {
		return &protocol.SpawnError{Reason: protocol.SpawnReason(reply.Status.Flags), Errno: reply.Status.Errno}
	}
	return nil
}

func messagePID(msg *protocol.Message) (uint32, bool) {
	switch {
	case msg.Status != nil:
		return msg.Status.PID, true
	case msg.Output != nil:
		return msg.Output.PID, true
	case msg.InputAck != nil:
		return msg.InputAck.PID, true
	case msg.Reply != nil:
		return msg.Reply.PID, true
	}
	return 0, false
}

// handle applies an inbound message routed to this process.
func (p *proxy) handle(msg *protocol.Message) {
	count := msg.ContextID.Count()

	p.mu.Lock()
	if pid, ok := messagePID(msg); ok && p.pid != 0 && pid != p.pid {
		assigned := p.pid
		p.mu.Unlock()
		droppedMessages.WithLabelValues("pid_mismatch").Inc()
		p.log.Warnw("dropping message", "msg", msg.String(), "pid", pid, "assigned", assigned, "error", protocol.ErrProtocolViolation)
		if f, ok := p.callbacks.Take(count); ok {
			f.Fail(fmt.Errorf("%w: pid %d, expected %d", protocol.ErrProtocolViolation, pid, assigned))
		}
		return
	}

	if msg.Type == protocol.MsgStatusChanged && msg.Status != nil {
		w, res := p.applyStatusLocked(msg.Status)
		p.mu.Unlock()
		if w != nil {
			w.f.Resolve(res)
		}
		// only start replies carry a started or error status; the rest reuse the start's
		// context ID after its callback completed
		if msg.Status.Status != protocol.StatusStarted && msg.Status.Status != protocol.StatusError {
			return
		}
	} else {
		p.mu.Unlock()
	}

	f, ok := p.callbacks.Take(count)
	if !ok {
		droppedMessages.WithLabelValues("no_callback").Inc()
		p.log.Debugf("no callback for %s, dropping", msg)
		return
	}
	f.Resolve(msg)
}

// applyStatusLocked records a guest status and returns the waiter to wake, if any.
func (p *proxy) applyStatusLocked(st *protocol.StatusChanged) (*waiter, WaitResult) {
	var ev WaitResult
	switch st.Status {
	case protocol.StatusStarted:
		p.status = StatusStarted
		p.pid = st.PID
		ev = WaitResultStart
	case protocol.StatusTEN:
		p.status = StatusTerminatedNormally
		p.exitCode = int32(st.Flags)
		ev = WaitResultTerminate
	case protocol.StatusTES:
		p.status = StatusTerminatedBySignal
		p.exitCode = int32(st.Flags)
		ev = WaitResultTerminate
	case protocol.StatusTEA:
		p.status = StatusTerminatedAbnormally
		p.exitCode = int32(st.Flags)
		ev = WaitResultTerminate
	case protocol.StatusTOK:
		p.status = StatusTimedOutKilled
		ev = WaitResultTimeout
	case protocol.StatusTOA:
		p.status = StatusTimedOutRunning
		ev = WaitResultTimeout
	case protocol.StatusDWN:
		p.status = StatusDown
		ev = p.downResultLocked()
	case protocol.StatusError:
		p.status = StatusError
		p.lastErr = &protocol.SpawnError{Reason: protocol.SpawnReason(st.Flags), Errno: st.Errno}
		ev = WaitResultError
	default:
		ev = WaitResultStatus
	}
	p.log.Debugw("status changed", "status", p.status, "pid", p.pid)
	return p.wakeLocked(ev)
}

func (p *proxy) downResultLocked() WaitResult {
	if p.flags.Has(protocol.FlagIgnoreOrphanedProcesses) {
		return WaitResultStatus
	}
	return WaitResultTerminate
}

// wakeLocked detaches the waiter if ev is something it waits for.
func (p *proxy) wakeLocked(ev WaitResult) (*waiter, WaitResult) {
	w := p.wait
	if w == nil {
		return nil, WaitResultNone
	}
	if ev == WaitResultStart {
		ev = p.immediateLocked(w.flags)
		if ev == WaitResultNone {
			return nil, WaitResultNone
		}
	}
	p.wait = nil
	return w, ev
}

// immediateLocked returns the result WaitFor can answer from the current state alone. Terminate and
// the stream flags take precedence over Start, so Start|Terminate on a running process keeps waiting.
func (p *proxy) immediateLocked(flags WaitFlag) WaitResult {
	if flags.Has(WaitFlagTerminate | waitFlagStreams) {
		switch p.status {
		case StatusError:
			return WaitResultError
		case StatusTerminatedNormally, StatusTerminatedBySignal, StatusTerminatedAbnormally, StatusDown:
			return WaitResultTerminate
		case StatusTimedOutKilled, StatusTimedOutRunning:
			return WaitResultTimeout
		case StatusStarted:
			if flags.Has(waitFlagStreams) && p.s.protocolVersion < 2 {
				return WaitResultWaitFlagNotSupported
			}
			// output is pulled, so an open stream is always ready
			switch {
			case flags.Has(WaitFlagStdIn) && p.stdinOpen:
				return WaitResultStdIn
			case flags.Has(WaitFlagStdOut) && p.stdoutOpen:
				return WaitResultStdOut
			case flags.Has(WaitFlagStdErr) && p.stderrOpen:
				return WaitResultStdErr
			}
		}
		return WaitResultNone
	}
	if flags.Has(WaitFlagStart) {
		switch p.status {
		case StatusStarted, StatusTerminatedNormally, StatusTerminatedBySignal, StatusTerminatedAbnormally, StatusDown:
			return WaitResultStart
		case StatusError:
			return WaitResultError
		case StatusTimedOutKilled, StatusTimedOutRunning:
			return WaitResultTimeout
		}
	}
	return WaitResultNone
}

// down marks the process as gone with the connection and cancels everything pending.
func (p *proxy) down() {
	p.mu.Lock()
	if !p.status.Final() {
		p.status = StatusDown
	}
	w, res := p.wakeLocked(p.downResultLocked())
	p.mu.Unlock()
	if w != nil {
		w.f.Resolve(res)
	}
	p.callbacks.CancelAll()
}

// close cancels everything pending. The proxy must already be out of the session table.
func (p *proxy) close() {
	p.mu.Lock()
	w := p.wait
	p.wait = nil
	p.mu.Unlock()
	if w != nil {
		w.f.Cancel()
	}
	if n := p.callbacks.CancelAll(); n > 0 {
		p.log.Debugf("cancelled %d pending requests", n)
	}
}

// stale reports whether the slot can be reclaimed.
func (p *proxy) stale() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status.Final()
}

// Process is a handle to a process started through a Session.
type Process struct {
	s *Session
	h Handle
}

func (p Process) Handle() Handle { return p.h }

func (p Process) proxy() (*proxy, error) {
	if p.s == nil {
		return nil, ErrProcessClosed
	}
	return p.s.lookup(p.h)
}

// Status returns the current status, or StatusUndefined for a closed handle.
func (p Process) Status() ProcessStatus {
	px, err := p.proxy()
	if err != nil {
		return StatusUndefined
	}
	px.mu.Lock()
	defer px.mu.Unlock()
	return px.status
}

func (p Process) PID() uint32 {
	px, err := p.proxy()
	if err != nil {
		return 0
	}
	px.mu.Lock()
	defer px.mu.Unlock()
	return px.pid
}

// ExitCode returns the exit code, signal number or abend code, depending on Status.
func (p Process) ExitCode() int32 {
	px, err := p.proxy()
	if err != nil {
		return 0
	}
	px.mu.Lock()
	defer px.mu.Unlock()
	return px.exitCode
}

func (p Process) LastError() error {
	px, err := p.proxy()
	if err != nil {
		return err
	}
	px.mu.Lock()
	defer px.mu.Unlock()
	return px.lastErr
}

// StreamOpen reports whether stream can still be written to or read from.
func (p Process) StreamOpen(stream protocol.StreamID) bool {
	px, err := p.proxy()
	if err != nil {
		return false
	}
	px.mu.Lock()
	defer px.mu.Unlock()
	if px.status != StatusStarted {
		return false
	}
	switch stream {
	case protocol.StreamStdin:
		return px.stdinOpen
	case protocol.StreamStdout:
		return px.stdoutOpen
	case protocol.StreamStderr:
		return px.stderrOpen
	}
	return false
}

// Read pulls up to maxBytes of output. End of stream is an empty read with a nil error.
func (p Process) Read(ctx context.Context, stream protocol.StreamID, maxBytes uint32, timeout time.Duration) ([]byte, error) {
	if stream != protocol.StreamStdout && stream != protocol.StreamStderr {
		return nil, fmt.Errorf("reading %s: %w", stream, protocol.ErrNotSupported)
	}
	px, err := p.proxy()
	if err != nil {
		return nil, err
	}

	px.mu.Lock()
	open := px.stdoutOpen
	if stream == protocol.StreamStderr {
		open = px.stderrOpen
	}
	status, pid := px.status, px.pid
	px.mu.Unlock()
	if status != StatusStarted || !open {
		return nil, nil
	}

	if maxBytes == 0 || maxBytes > protocol.MaxChunkSize {
		maxBytes = protocol.MaxChunkSize
	}
	reply, err := px.call(ctx, "read", timeout, func(id protocol.ContextID) *protocol.Message {
		return &protocol.Message{
			Type:      protocol.MsgReadStream,
			ContextID: id,
			Read:      &protocol.ReadStream{PID: pid, Stream: stream, MaxBytes: maxBytes},
		}
	})
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", stream, err)
	}
	if reply.Type != protocol.MsgOutput || reply.Output == nil || reply.Output.Stream != stream {
		return nil, fmt.Errorf("reading %s: unexpected %s: %w", stream, reply, protocol.ErrProtocolViolation)
	}
	if reply.Output.EOF {
		px.mu.Lock()
		if stream == protocol.StreamStdout {
			px.stdoutOpen = false
		} else {
			px.stderrOpen = false
		}
		px.mu.Unlock()
	}
	return reply.Output.Data, nil
}

// Write sends at most protocol.MaxChunkSize bytes to stdin and returns how many the guest took.
// If data is truncated the chunk is not sent as final.
func (p Process) Write(ctx context.Context, data []byte, final bool, timeout time.Duration) (int, error) {
	px, err := p.proxy()
	if err != nil {
		return 0, err
	}

	px.mu.Lock()
	status, pid, open := px.status, px.pid, px.stdinOpen
	px.mu.Unlock()
	if status != StatusStarted {
		return 0, nil
	}
	if !open {
		return 0, protocol.ErrCancelled
	}

	if len(data) > protocol.MaxChunkSize {
		data = data[:protocol.MaxChunkSize]
		final = false
	}
	reply, err := px.call(ctx, "write", timeout, func(id protocol.ContextID) *protocol.Message {
		return &protocol.Message{
			Type:      protocol.MsgWriteStdin,
			ContextID: id,
			Write:     &protocol.WriteStdin{PID: pid, Data: data, Final: final},
		}
	})
	if err != nil {
		return 0, fmt.Errorf("writing stdin: %w", err)
	}
	if reply.Type != protocol.MsgInputAck || reply.InputAck == nil {
		return 0, fmt.Errorf("writing stdin: unexpected %s: %w", reply, protocol.ErrProtocolViolation)
	}

	ack := reply.InputAck
	switch ack.Status {
	case protocol.InputWritten:
		n := int(ack.Processed)
		if final && n == len(data) {
			px.mu.Lock()
			px.stdinOpen = false
			px.mu.Unlock()
		}
		return n, nil
	case protocol.InputError:
		return int(ack.Processed), &protocol.RemoteError{Code: ack.Code}
	case protocol.InputTerminated:
		px.mu.Lock()
		px.stdinOpen = false
		px.mu.Unlock()
		return 0, protocol.ErrCancelled
	case protocol.InputOverflow:
		return 0, protocol.ErrBufferOverflow
	}
	return 0, fmt.Errorf("writing stdin: input status %d: %w", ack.Status, protocol.ErrProtocolViolation)
}

// WaitFor blocks until one of flags is satisfied or the process reaches a state that ends the
// wait. Only one WaitFor may be outstanding per process. An elapsed timeout is reported as
// WaitResultTimeout with a nil error.
func (p Process) WaitFor(ctx context.Context, flags WaitFlag, timeout time.Duration) (WaitResult, error) {
	px, err := p.proxy()
	if err != nil {
		return WaitResultNone, err
	}

	px.mu.Lock()
	if res := px.immediateLocked(flags); res != WaitResultNone {
		px.mu.Unlock()
		return res, nil
	}
	if px.wait != nil {
		px.mu.Unlock()
		return WaitResultNone, protocol.ErrAlreadyWaiting
	}
	w := &waiter{flags: flags, f: callback.New[WaitResult]()}
	px.wait = w
	px.mu.Unlock()

	res, err := w.f.Await(ctx, px.s.timeout(timeout))

	px.mu.Lock()
	if px.wait == w {
		px.wait = nil
	}
	px.mu.Unlock()

	if errors.Is(err, protocol.ErrTimeout) {
		return WaitResultTimeout, nil
	}
	return res, err
}

// Terminate stops the process and returns once the guest has reported its final status.
func (p Process) Terminate(ctx context.Context, timeout time.Duration) error {
	px, err := p.proxy()
	if err != nil {
		return err
	}
	if px.s.protocolVersion < 2 {
		return protocol.ErrNotSupported
	}

	px.mu.Lock()
	status, pid := px.status, px.pid
	px.mu.Unlock()
	if !status.Running() {
		return nil
	}

	reply, err := px.call(ctx, "terminate", timeout, func(id protocol.ContextID) *protocol.Message {
		return &protocol.Message{
			Type:      protocol.MsgTerminate,
			ContextID: id,
			Terminate: &protocol.Terminate{PID: pid},
		}
	})
	if err != nil {
		return fmt.Errorf("terminating pid %d: %w", pid, err)
	}
	if reply.Type != protocol.MsgReply || reply.Reply == nil {
		return fmt.Errorf("terminating pid %d: unexpected %s: %w", pid, reply, protocol.ErrProtocolViolation)
	}
	// not found means the loop already finished
	if reply.Reply.Code == protocol.CodeNotFound {
		return nil
	}
	return reply.Reply.Code.Err()
}

// Close releases the process slot and cancels everything pending on it.
// It does not stop the guest process.
func (p Process) Close() {
	if p.s != nil {
		p.s.release(p.h)
	}
}
