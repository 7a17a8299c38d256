//go:build unix

package guest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/guestctl/protocol"
	"github.com/guseggert/guestctl/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const (
	defaultMaxProcesses = 256
	sendTimeout         = 30 * time.Second
)

// Authenticator decides whether a process may be started with the given credentials.
type Authenticator func(username, password, domain string) error

// Service runs the guest side of one host connection.
type Service struct {
	id              uuid.UUID
	log             *zap.SugaredLogger
	conn            transport.Conn
	protocolVersion uint32
	auth            Authenticator
	maxProcs        int
	schedule        reapSchedule

	mu       sync.Mutex
	byPID    map[uint32]*Loop
	loops    map[*Loop]struct{}
	detached bool

	// attached counts loops that stop when the host goes away, all counts every loop.
	attached sync.WaitGroup
	all      sync.WaitGroup
	requests sync.WaitGroup
}

type Option func(s *Service)

func WithLogger(l *zap.Logger) Option {
	return func(s *Service) {
		s.log = l.Sugar()
	}
}

func WithProtocolVersion(v uint32) Option {
	return func(s *Service) {
		s.protocolVersion = v
	}
}

func WithAuthenticator(a Authenticator) Option {
	return func(s *Service) {
		s.auth = a
	}
}

func WithMaxProcesses(n int) Option {
	return func(s *Service) {
		s.maxProcs = n
	}
}

func withReapSchedule(rs reapSchedule) Option {
	return func(s *Service) {
		s.schedule = rs
	}
}

func NewService(conn transport.Conn, opts ...Option) *Service {
	s := &Service{
		id:              uuid.New(),
		log:             zap.NewNop().Sugar(),
		conn:            conn,
		protocolVersion: protocol.ProtocolVersion,
		auth:            func(string, string, string) error { return nil },
		maxProcs:        defaultMaxProcesses,
		schedule:        defaultReapSchedule,
		byPID:           map[uint32]*Loop{},
		loops:           map[*Loop]struct{}{},
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.Named("guest_service").With("service", s.id.String())
	return s
}

func (s *Service) ID() uuid.UUID { return s.id }

// Wait blocks until every loop has stopped, orphans included.
func (s *Service) Wait() { s.all.Wait() }

// Serve handles host messages until the connection closes or ctx is done. It then stops every
// loop that was not started to outlive the host and waits for them.
func (s *Service) Serve(ctx context.Context) error {
	initMetrics()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var err error
	for {
		msg, rerr := s.conn.Recv(ctx)
		if rerr != nil {
			if !errors.Is(rerr, transport.ErrClosed) && !errors.Is(rerr, context.Canceled) {
				err = rerr
			}
			break
		}
		s.handle(ctx, msg)
	}
	s.log.Debug("host connection gone, detaching")

	s.detach()
	cancel()
	s.requests.Wait()
	s.attached.Wait()
	return err
}

// Shutdown sends Disconnected to the host, stops every loop including orphans and closes the connection.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	wasDetached := s.detached
	s.detached = true
	loops := make([]*Loop, 0, len(s.loops))
	for l := range s.loops {
		loops = append(loops, l)
	}
	s.mu.Unlock()

	var err error
	if !wasDetached {
		if serr := s.conn.Send(ctx, &protocol.Message{Type: protocol.MsgDisconnected}); serr != nil {
			err = fmt.Errorf("sending disconnect: %w", serr)
		}
	}
	for _, l := range loops {
		l.Quit()
	}
	err = multierr.Append(err, s.conn.Close())

	done := make(chan struct{})
	go func() {
		s.all.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = multierr.Append(err, fmt.Errorf("waiting for loops: %w", ctx.Err()))
	}
	return err
}

func (s *Service) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detached = true
	for l := range s.loops {
		if l.Flags().Has(protocol.FlagIgnoreOrphanedProcesses) {
			s.log.Debugw("leaving orphaned process running", "pid", l.PID())
			continue
		}
		l.Quit()
	}
}

func (s *Service) send(msg *protocol.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, msg); err != nil {
		s.log.Debugf("error sending %s: %s", msg, err)
	}
}

func (s *Service) report(msg *protocol.Message) {
	s.mu.Lock()
	detached := s.detached
	s.mu.Unlock()
	if detached {
		s.log.Debugf("host gone, dropping %s", msg)
		return
	}
	s.send(msg)
}

func (s *Service) lookup(pid uint32) *Loop {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byPID[pid]
}

// assign publishes a loop under its PID. A stale loop still holding the PID is removed and stopped.
func (s *Service) assign(pid uint32, l *Loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if stale, ok := s.byPID[pid]; ok && stale != l {
		s.log.Warnw("pid reused while a stale record exists, stopping it", "pid", pid)
		stale.Quit()
	}
	s.byPID[pid] = l
}

func (s *Service) release(l *Loop) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.byPID[l.PID()]; ok && cur == l {
		delete(s.byPID, l.PID())
	}
	delete(s.loops, l)
}

func (s *Service) handle(ctx context.Context, msg *protocol.Message) {
	s.log.Debugf("received %s", msg)
	switch {
	case msg.Type == protocol.MsgHello && msg.Hello != nil:
		s.send(&protocol.Message{
			Type:      protocol.MsgHello,
			ContextID: msg.ContextID,
			Hello:     &protocol.Hello{ProtocolVersion: s.protocolVersion},
		})
	case msg.Type == protocol.MsgStart && msg.Start != nil:
		s.start(msg)
	case msg.Type == protocol.MsgWriteStdin && msg.Write != nil:
		s.goRequest(ctx, func(ctx context.Context) { s.writeStdin(ctx, msg) })
	case msg.Type == protocol.MsgReadStream && msg.Read != nil:
		s.goRequest(ctx, func(ctx context.Context) { s.readStream(ctx, msg) })
	case msg.Type == protocol.MsgTerminate && msg.Terminate != nil:
		s.goRequest(ctx, func(ctx context.Context) { s.terminate(ctx, msg) })
	default:
		s.log.Warnw("dropping message", "msg", msg.String(), "error", protocol.ErrProtocolViolation)
	}
}

func (s *Service) goRequest(ctx context.Context, f func(context.Context)) {
	s.requests.Add(1)
	go func() {
		defer s.requests.Done()
		f(ctx)
	}()
}

func (s *Service) start(msg *protocol.Message) {
	st := msg.Start
	fail := func(reason protocol.SpawnReason, err error) {
		spawnFailures.WithLabelValues(reason.String()).Inc()
		s.log.Debugw("rejecting start", "command", st.Command, "reason", reason, "error", err)
		s.send(&protocol.Message{
			Type:      protocol.MsgStatusChanged,
			ContextID: msg.ContextID,
			Status:    &protocol.StatusChanged{Status: protocol.StatusError, Flags: uint32(reason)},
		})
	}

	if !st.Flags.Valid() {
		fail(protocol.ReasonInvalidName, fmt.Errorf("unknown start flags %#x", uint32(st.Flags)))
		return
	}
	if err := s.auth(st.Username, st.Password, st.Domain); err != nil {
		fail(protocol.ReasonAuthFailure, err)
		return
	}

	s.mu.Lock()
	if len(s.loops) >= s.maxProcs {
		s.mu.Unlock()
		fail(protocol.ReasonResourceLimit, protocol.ErrResourceExhausted)
		return
	}
	l, err := newLoop(loopConfig{
		log:      s.log.With("ctx", msg.ContextID.String()),
		ctxID:    msg.ContextID,
		start:    st,
		report:   s.report,
		assign:   s.assign,
		release:  s.release,
		schedule: s.schedule,
	})
	if err != nil {
		s.mu.Unlock()
		fail(protocol.ReasonResourceLimit, err)
		return
	}
	s.loops[l] = struct{}{}

	orphan := st.Flags.Has(protocol.FlagIgnoreOrphanedProcesses)
	s.all.Add(1)
	if !orphan {
		s.attached.Add(1)
	}
	s.mu.Unlock()

	go func() {
		defer s.all.Done()
		if !orphan {
			defer s.attached.Done()
		}
		l.run()
	}()
}

func (s *Service) writeStdin(ctx context.Context, msg *protocol.Message) {
	w := msg.Write
	ack := func(status protocol.InputStatus, n int, code protocol.Code) {
		s.send(&protocol.Message{
			Type:      protocol.MsgInputAck,
			ContextID: msg.ContextID,
			InputAck:  &protocol.InputAck{PID: w.PID, Status: status, Processed: uint32(n), Code: code},
		})
	}

	if len(w.Data) > protocol.MaxChunkSize {
		ack(protocol.InputOverflow, 0, protocol.CodeOverflow)
		return
	}
	l := s.lookup(w.PID)
	if l == nil {
		ack(protocol.InputError, 0, protocol.CodeNotFound)
		return
	}
	n, eof, err := l.WriteStdin(ctx, w.Data, w.Final)
	switch {
	case errors.Is(err, protocol.ErrCancelled):
		ack(protocol.InputTerminated, 0, protocol.CodeCancelled)
	case err != nil:
		s.log.Debugf("error writing stdin of pid %d: %s", w.PID, err)
		ack(protocol.InputError, n, protocol.CodeFromError(err))
	case eof:
		ack(protocol.InputTerminated, 0, protocol.CodeOK)
	default:
		ack(protocol.InputWritten, n, protocol.CodeOK)
	}
}

func (s *Service) readStream(ctx context.Context, msg *protocol.Message) {
	r := msg.Read
	out := &protocol.OutputChunk{PID: r.PID, Stream: r.Stream}
	if l := s.lookup(r.PID); l != nil {
		data, eof, err := l.ReadStream(ctx, r.Stream, int(r.MaxBytes))
		if err != nil {
			s.log.Debugf("error reading %s of pid %d: %s", r.Stream, r.PID, err)
			eof = true
		}
		out.Data = data
		out.EOF = eof
	} else {
		out.EOF = true
	}
	s.send(&protocol.Message{Type: protocol.MsgOutput, ContextID: msg.ContextID, Output: out})
}

func (s *Service) terminate(ctx context.Context, msg *protocol.Message) {
	pid := msg.Terminate.PID
	reply := func(code protocol.Code) {
		s.send(&protocol.Message{
			Type:      protocol.MsgReply,
			ContextID: msg.ContextID,
			Reply:     &protocol.Reply{PID: pid, Code: code},
		})
	}

	if s.protocolVersion < 2 {
		reply(protocol.CodeNotSupported)
		return
	}
	l := s.lookup(pid)
	if l == nil {
		reply(protocol.CodeNotFound)
		return
	}
	err := l.Terminate(ctx)
	if errors.Is(err, protocol.ErrCancelled) {
		// the loop stopped for another reason, which is what was asked for
		err = nil
	}
	reply(protocol.CodeFromError(err))
}
