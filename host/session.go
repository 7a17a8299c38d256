// Package host is the controlling side of a guest control connection. A Session logs on to the guest
// and multiplexes process proxies over one transport.Conn.
package host

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/guestctl/callback"
	"github.com/guseggert/guestctl/protocol"
	"github.com/guseggert/guestctl/transport"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	ErrProcessClosed = errors.New("process closed")
	ErrSessionClosed = errors.New("session closed")
)

const (
	defaultSessionTimeout = 30 * time.Minute
	defaultRequestTimeout = 30 * time.Second
)

// Session is one logged-on scope on a guest connection. It owns the process identity
// namespace and routes every inbound message to the process it belongs to.
type Session struct {
	log  *zap.SugaredLogger
	conn transport.Conn
	id   uint32
	name uuid.UUID

	username string
	password string
	domain   string
	env      []string

	maxObjects     uint32
	sessionTimeout time.Duration
	requestTimeout time.Duration

	protocolVersion uint32
	hello           *callback.Future[*protocol.Message]

	mu            sync.Mutex
	procs         map[uint32]*proxy
	gens          []uint32
	nextProcessID uint32
	closed        bool

	readDone  chan struct{}
	closeOnce sync.Once
	closeErr  error
}

type Option func(s *Session)

func WithLogger(l *zap.Logger) Option {
	return func(s *Session) {
		s.log = l.Sugar()
	}
}

// WithSessionID sets the session field of every context ID, 0 to protocol.MaxSessions-1.
func WithSessionID(id uint32) Option {
	return func(s *Session) {
		s.id = id
	}
}

func WithCredentials(username, password, domain string) Option {
	return func(s *Session) {
		s.username = username
		s.password = password
		s.domain = domain
	}
}

// WithEnvironment sets variables applied to every process started in the session.
func WithEnvironment(env ...string) Option {
	return func(s *Session) {
		s.env = append(s.env, env...)
	}
}

// WithMaxObjects bounds the number of processes tracked at once.
func WithMaxObjects(n uint32) Option {
	return func(s *Session) {
		s.maxObjects = n
	}
}

func WithSessionTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.sessionTimeout = d
	}
}

// WithRequestTimeout is the timeout used by calls that pass a zero timeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.requestTimeout = d
	}
}

// Open logs on to the guest at the other end of conn and learns its protocol version.
// The session takes ownership of conn.
func Open(ctx context.Context, conn transport.Conn, opts ...Option) (*Session, error) {
	s := &Session{
		log:            zap.NewNop().Sugar(),
		conn:           conn,
		name:           uuid.New(),
		maxObjects:     protocol.MaxObjects,
		sessionTimeout: defaultSessionTimeout,
		requestTimeout: defaultRequestTimeout,
		procs:          map[uint32]*proxy{},
		readDone:       make(chan struct{}),
		hello:          callback.New[*protocol.Message](),
	}
	for _, o := range opts {
		o(s)
	}
	if s.id >= protocol.MaxSessions {
		return nil, fmt.Errorf("session ID %d out of range", s.id)
	}
	if s.maxObjects == 0 || s.maxObjects > protocol.MaxObjects {
		return nil, fmt.Errorf("max objects %d out of range", s.maxObjects)
	}
	s.gens = make([]uint32, s.maxObjects)
	s.log = s.log.Named("session").With("session", s.name.String())
	initMetrics()

	go s.readLoop()

	err := s.conn.Send(ctx, &protocol.Message{
		Type:      protocol.MsgHello,
		ContextID: protocol.EncodeContextID(s.id, 0, 0),
		Hello:     &protocol.Hello{ProtocolVersion: protocol.ProtocolVersion},
	})
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("sending hello: %w", err), s.Close())
	}
	reply, err := s.hello.Await(ctx, s.sessionTimeout)
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("waiting for hello: %w", err), s.Close())
	}
	s.protocolVersion = reply.Hello.ProtocolVersion
	if s.protocolVersion > protocol.ProtocolVersion {
		s.protocolVersion = protocol.ProtocolVersion
	}
	s.log.Debugw("session opened", "protocolVersion", s.protocolVersion)
	return s, nil
}

// ProtocolVersion is the version both sides speak.
func (s *Session) ProtocolVersion() uint32 { return s.protocolVersion }

func (s *Session) Name() string { return s.name.String() }

func (s *Session) timeout(d time.Duration) time.Duration {
	if d == 0 {
		return s.requestTimeout
	}
	return d
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	for {
		msg, err := s.conn.Recv(context.Background())
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				s.log.Debugf("error reading from guest: %s", err)
			}
			s.disconnect()
			return
		}
		s.dispatch(msg)
	}
}

func (s *Session) dispatch(msg *protocol.Message) {
	switch msg.Type {
	case protocol.MsgHello:
		if msg.Hello == nil || !s.hello.Resolve(msg) {
			droppedMessages.WithLabelValues("unexpected").Inc()
			s.log.Warnw("dropping message", "msg", msg.String(), "error", protocol.ErrProtocolViolation)
		}
		return
	case protocol.MsgDisconnected:
		s.log.Debug("guest disconnected")
		s.disconnect()
		return
	}

	session, object, _ := msg.ContextID.Decode()
	if session != s.id {
		droppedMessages.WithLabelValues("wrong_session").Inc()
		s.log.Warnw("dropping message for another session", "msg", msg.String())
		return
	}
	s.mu.Lock()
	px := s.procs[object]
	s.mu.Unlock()
	if px == nil {
		droppedMessages.WithLabelValues("no_process").Inc()
		s.log.Debugw("dropping message", "msg", msg.String(), "error", protocol.ErrNotFound)
		return
	}
	px.handle(msg)
}

func (s *Session) disconnect() {
	s.hello.Cancel()
	s.mu.Lock()
	procs := make([]*proxy, 0, len(s.procs))
	for _, px := range s.procs {
		procs = append(procs, px)
	}
	s.mu.Unlock()
	for _, px := range procs {
		px.down()
	}
}

// allocate claims the next process slot by probing from the last one handed out. Stale
// entries are closed before their slot is reused.
func (s *Session) allocate() (*proxy, Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, Handle{}, ErrSessionClosed
	}

	for i := uint32(0); i < s.maxObjects; i++ {
		idx := (s.nextProcessID + i) % s.maxObjects
		if old, used := s.procs[idx]; used {
			if !old.stale() {
				continue
			}
			s.log.Debugw("reclaiming stale process slot", "object", idx)
			delete(s.procs, idx)
			old.close()
		}
		s.gens[idx]++
		px := newProxy(s, idx, s.gens[idx])
		s.procs[idx] = px
		s.nextProcessID = (idx + 1) % s.maxObjects
		return px, Handle{Index: idx, Generation: s.gens[idx]}, nil
	}
	return nil, Handle{}, protocol.ErrResourceExhausted
}

func (s *Session) lookup(h Handle) (*proxy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	px, ok := s.procs[h.Index]
	if !ok || px.gen != h.Generation {
		return nil, ErrProcessClosed
	}
	return px, nil
}

func (s *Session) release(h Handle) {
	s.mu.Lock()
	px, ok := s.procs[h.Index]
	if !ok || px.gen != h.Generation {
		s.mu.Unlock()
		return
	}
	delete(s.procs, h.Index)
	s.mu.Unlock()
	px.close()
}

// StartProcess starts a process in the guest and returns once the guest has spawned it.
func (s *Session) StartProcess(ctx context.Context, req StartRequest) (Process, error) {
	if !req.Flags.Valid() {
		return Process{}, fmt.Errorf("invalid start flags %#x", uint32(req.Flags))
	}
	px, h, err := s.allocate()
	if err != nil {
		return Process{}, fmt.Errorf("allocating process: %w", err)
	}
	if err := px.start(ctx, req); err != nil {
		s.release(h)
		return Process{}, err
	}
	return Process{s: s, h: h}, nil
}

// Close terminates the session's running processes, cancels everything pending and closes the
// connection. Processes started with protocol.FlagIgnoreOrphanedProcesses are left running.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		procs := make([]*proxy, 0, len(s.procs))
		for _, px := range s.procs {
			procs = append(procs, px)
		}
		s.mu.Unlock()

		var err error
		if s.protocolVersion >= 2 {
			for _, px := range procs {
				px.mu.Lock()
				running := px.status == StatusStarted && !px.flags.Has(protocol.FlagIgnoreOrphanedProcesses)
				pid := px.pid
				px.mu.Unlock()
				if running {
					err = multierr.Append(err, s.terminate(px, pid))
				}
			}
		}

		s.mu.Lock()
		s.procs = map[uint32]*proxy{}
		s.mu.Unlock()
		for _, px := range procs {
			px.close()
		}
		s.hello.Cancel()

		if cerr := s.conn.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing connection: %w", cerr))
		}
		<-s.readDone
		s.closeErr = err
	})
	return s.closeErr
}

// terminate stops pid during Close, when no Process handle may be used any more.
func (s *Session) terminate(px *proxy, pid uint32) error {
	timeout := s.requestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	reply, err := px.call(ctx, "terminate", timeout, func(id protocol.ContextID) *protocol.Message {
		return &protocol.Message{Type: protocol.MsgTerminate, ContextID: id, Terminate: &protocol.Terminate{PID: pid}}
	})
	if err != nil {
		return fmt.Errorf("terminating pid %d: %w", pid, err)
	}
	if reply.Reply != nil && reply.Reply.Code != protocol.CodeNotFound {
		if err := reply.Reply.Code.Err(); err != nil {
			return fmt.Errorf("terminating pid %d: %w", pid, err)
		}
	}
	return nil
}
