//go:build unix

package guest

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guseggert/guestctl/protocol"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

const (
	stdinOpenInterval = 100 * time.Millisecond
	idleInterval      = time.Second
	deadInterval      = 60 * time.Second
	timedOutInterval  = 10 * time.Second

	killInterval = time.Second
	maxKillWait  = 20 * time.Minute

	abendExitCode = 255
)

// reapSchedule paces the wait attempts after a loop has asked its child to die.
type reapSchedule struct {
	initial       time.Duration
	short         time.Duration
	long          time.Duration
	attempts      int
	escalateAfter int
}

var defaultReapSchedule = reapSchedule{
	initial:       500 * time.Millisecond,
	short:         500 * time.Millisecond,
	long:          2 * time.Second,
	attempts:      10,
	escalateAfter: 5,
}

type reapBackOff struct {
	s reapSchedule
	n int
}

func (b *reapBackOff) Reset() { b.n = 0 }

func (b *reapBackOff) NextBackOff() time.Duration {
	b.n++
	if b.n >= b.s.attempts {
		return backoff.Stop
	}
	if b.n > b.s.escalateAfter {
		return b.s.long
	}
	return b.s.short
}

// hooks are called on the loop goroutine.
type hooks struct {
	iteration func(*Loop)
	handled   func(*Loop, *request)
}

type loopConfig struct {
	log   *zap.SugaredLogger
	ctxID protocol.ContextID
	start *protocol.Start

	// report sends a message for this process upstream.
	report func(*protocol.Message)
	// assign publishes the PID once the child is running.
	assign func(pid uint32, l *Loop)
	// release is called once the loop has fully stopped.
	release func(*Loop)

	schedule reapSchedule
	hooks    hooks
}

// Loop owns one child process, its pipes and the poll set that multiplexes them.
// Other goroutines only reach it through the mailbox.
type Loop struct {
	log *zap.SugaredLogger
	cfg loopConfig

	mailbox chan *request
	done    chan struct{}

	notifyMu sync.Mutex
	notifyW  int
	notifyR  int

	pid atomic.Uint32

	// the rest is owned by the loop goroutine
	stdin  int
	stdout int
	stderr int
	poll   pollSet

	proc      int
	startedAt time.Time
	timeout   time.Duration

	alive     bool
	killed    bool
	firstKill time.Time
	lastKill  time.Time
	timedOut  bool
	shutdown  bool
	abend     bool
	status    unix.WaitStatus

	deferred []*request
}

func newLoop(cfg loopConfig) (*Loop, error) {
	r, w, err := newNotifyPipe()
	if err != nil {
		return nil, err
	}
	if cfg.schedule.attempts == 0 {
		cfg.schedule = defaultReapSchedule
	}
	if cfg.log == nil {
		cfg.log = zap.NewNop().Sugar()
	}
	return &Loop{
		log:     cfg.log.Named("loop"),
		cfg:     cfg,
		mailbox: make(chan *request, 1),
		done:    make(chan struct{}),
		notifyR: r,
		notifyW: w,
		stdin:   closedFD,
		stdout:  closedFD,
		stderr:  closedFD,
	}, nil
}

// PID returns the child's PID, or 0 before it was spawned.
func (l *Loop) PID() uint32 { return l.pid.Load() }

// Flags returns the start flags the loop was created with.
func (l *Loop) Flags() protocol.StartFlag { return l.cfg.start.Flags }

// Done is closed once the loop has stopped and will accept no more requests.
func (l *Loop) Done() <-chan struct{} { return l.done }

func (l *Loop) wake() {
	l.notifyMu.Lock()
	defer l.notifyMu.Unlock()
	if l.notifyW == closedFD {
		return
	}
	if _, err := writeFD(l.notifyW, []byte{1}); err != nil {
		l.log.Debugf("error waking loop: %s", err)
	}
}

func (l *Loop) run() {
	defer l.finish()

	if err := l.spawn(); err != nil {
		se := spawnError(err)
		spawnFailures.WithLabelValues(se.Reason.String()).Inc()
		l.log.Debugw("spawn failed", "command", l.cfg.start.Command, "error", err)
		l.cfg.report(&protocol.Message{
			Type:      protocol.MsgStatusChanged,
			ContextID: l.cfg.ctxID,
			Status: &protocol.StatusChanged{
				Status: protocol.StatusError,
				Flags:  uint32(se.Reason),
				Errno:  se.Errno,
			},
		})
		return
	}
	processesStarted.Inc()
	activeLoops.Inc()
	defer activeLoops.Dec()

	pid := uint32(l.proc)
	l.pid.Store(pid)
	l.cfg.assign(pid, l)
	l.log.Debugw("process started", "pid", pid, "command", l.cfg.start.Command)
	l.cfg.report(&protocol.Message{
		Type:      protocol.MsgStatusChanged,
		ContextID: l.cfg.ctxID,
		Status:    &protocol.StatusChanged{PID: pid, Status: protocol.StatusStarted},
	})

	l.loop()
	l.teardown()

	status, flags := l.classify()
	terminalStatuses.WithLabelValues(status.String()).Inc()
	l.log.Debugw("process finished", "pid", pid, "status", status, "flags", flags)
	if !l.cfg.start.Flags.Has(protocol.FlagWaitForProcessStartOnly) {
		l.cfg.report(&protocol.Message{
			Type:      protocol.MsgStatusChanged,
			ContextID: l.cfg.ctxID,
			Status:    &protocol.StatusChanged{PID: pid, Status: status, Flags: flags},
		})
	}

	for _, r := range l.deferred {
		if l.alive {
			r.result.Fail(protocol.ErrStillRunning)
		} else {
			r.result.Resolve(requestResult{})
		}
	}
	l.deferred = nil
}

func (l *Loop) finish() {
	closeFD(&l.stdin)
	closeFD(&l.stdout)
	closeFD(&l.stderr)
	closeFD(&l.notifyR)

	l.notifyMu.Lock()
	closeFD(&l.notifyW)
	l.notifyMu.Unlock()

	close(l.done)
	l.drainMailbox()

	if l.cfg.release != nil {
		l.cfg.release(l)
	}
}

func (l *Loop) spawn() (err error) {
	start := l.cfg.start

	env := buildEnv(os.Environ(), start.Env)
	args := start.Args
	if start.Flags.Has(protocol.FlagExpandArguments) {
		args = expandArgs(args, env)
	}
	path, err := resolveExecutable(start.Command, env)
	if err != nil {
		return err
	}
	cred, err := credentialFor(start.Username)
	if err != nil {
		return err
	}

	var child [3]*os.File
	defer func() {
		for _, f := range child {
			if f != nil {
				f.Close()
			}
		}
	}()
	if l.stdin, child[0], err = newPipe(true); err != nil {
		return err
	}
	if l.stdout, child[1], err = openRedirect(start.Flags.Has(protocol.FlagWaitForStdOut)); err != nil {
		return err
	}
	if l.stderr, child[2], err = openRedirect(start.Flags.Has(protocol.FlagWaitForStdErr)); err != nil {
		return err
	}

	proc, err := os.StartProcess(path, append([]string{start.Command}, args...), &os.ProcAttr{
		Env:   env,
		Files: child[:],
		Sys:   &syscall.SysProcAttr{Setpgid: true, Credential: cred},
	})
	if err != nil {
		return fmt.Errorf("starting %q: %w", path, err)
	}
	l.proc = proc.Pid
	// reaped with wait4 directly
	_ = proc.Release()

	l.alive = true
	l.startedAt = time.Now()
	if !start.Flags.Has(protocol.FlagWaitForProcessStartOnly) &&
		start.TimeoutMS != 0 && start.TimeoutMS != protocol.InfiniteTimeoutMS {
		l.timeout = time.Duration(start.TimeoutMS) * time.Millisecond
	}

	l.poll.add(pollStdin, l.stdin, 0)
	if l.stdout != closedFD {
		l.poll.add(pollStdout, l.stdout, 0)
	}
	if l.stderr != closedFD {
		l.poll.add(pollStderr, l.stderr, 0)
	}
	l.poll.add(pollNotify, l.notifyR, unix.POLLIN)
	return nil
}

func (l *Loop) loop() {
	busy := false
	for {
		if h := l.cfg.hooks.iteration; h != nil {
			h(l)
		}
		if l.shutdown {
			return
		}
		if !l.alive && l.stdout == closedFD && l.stderr == closedFD {
			return
		}

		events, err := l.poll.wait(l.pollInterval(time.Now(), busy))
		if err != nil {
			l.log.Errorw("polling", "pid", l.proc, "error", err)
			return
		}
		busy = len(events) > 0
		for _, ev := range events {
			l.handleEvent(ev)
		}

		if l.alive {
			l.reap()
		}
		if l.timeout > 0 && l.checkTimeout(time.Now()) {
			return
		}
	}
}

func (l *Loop) pollInterval(now time.Time, busy bool) time.Duration {
	if busy {
		return 0
	}
	d := idleInterval
	if l.stdin != closedFD {
		d = stdinOpenInterval
	}
	if !l.alive {
		d = deadInterval
	}
	if l.timeout > 0 {
		left := l.timeout - now.Sub(l.startedAt)
		if l.timedOut {
			left = timedOutInterval
		}
		if left < 0 {
			left = 0
		}
		if left < d {
			d = left
		}
	}
	return d
}

// checkTimeout enforces the process time limit. It returns true when the loop should give up.
func (l *Loop) checkTimeout(now time.Time) bool {
	if now.Sub(l.startedAt) < l.timeout {
		return false
	}
	if !l.timedOut {
		l.log.Debugw("process timed out", "pid", l.proc, "timeout", l.timeout)
		l.timedOut = true
	}
	if !l.alive {
		return true
	}
	if l.killed && now.Sub(l.firstKill) >= maxKillWait {
		l.log.Errorw("process survived kill", "pid", l.proc, "waited", now.Sub(l.firstKill))
		return true
	}
	if now.Sub(l.lastKill) >= killInterval {
		l.kill(now)
	}
	return false
}

func (l *Loop) handleEvent(ev pollEvent) {
	switch ev.id {
	case pollStdin:
		if ev.isError() {
			l.poll.remove(pollStdin)
			closeFD(&l.stdin)
		}
	case pollStdout:
		l.handleOutputError(ev, &l.stdout)
	case pollStderr:
		l.handleOutputError(ev, &l.stderr)
	case pollNotify:
		if ev.isError() {
			l.log.Errorw("notify pipe failed", "pid", l.proc, "revents", ev.revents)
			l.shutdown = true
			return
		}
		l.drainNotify()
		select {
		case r := <-l.mailbox:
			l.handle(r)
		default:
		}
	}
}

// handleOutputError stops watching a hung up output pipe. The pipe stays open while it
// still holds unread data so the host can drain it.
func (l *Loop) handleOutputError(ev pollEvent, fd *int) {
	if !ev.isError() {
		return
	}
	l.poll.remove(ev.id)
	if n, err := queryReadable(*fd); err == nil && n > 0 {
		l.log.Debugw("stream hung up with data pending", "pid", l.proc, "stream", ev.id, "pending", n)
		return
	}
	closeFD(fd)
}

func (l *Loop) drainNotify() {
	var buf [64]byte
	for {
		n, wouldBlock, err := readFD(l.notifyR, buf[:])
		if wouldBlock || err != nil || n == 0 {
			return
		}
	}
}

func (l *Loop) handle(r *request) {
	switch r.kind {
	case reqQuit:
		l.shutdown = true
		r.result.Fail(protocol.ErrCancelled)
	case reqTerminate:
		l.shutdown = true
		l.deferred = append(l.deferred, r)
	case reqWriteStdin:
		res, err := l.writeStdin(r.data, r.final)
		if err != nil {
			r.result.Fail(err)
		} else {
			r.result.Resolve(res)
		}
	case reqReadStdout:
		r.result.Resolve(l.readStream(pollStdout, &l.stdout, r.maxBytes))
	case reqReadStderr:
		r.result.Resolve(l.readStream(pollStderr, &l.stderr, r.maxBytes))
	}
	if h := l.cfg.hooks.handled; h != nil {
		h(l, r)
	}
}

func (l *Loop) writeStdin(data []byte, final bool) (requestResult, error) {
	if l.stdin == closedFD {
		return requestResult{eof: true}, nil
	}
	n, err := writeFD(l.stdin, data)
	if errors.Is(err, unix.EPIPE) {
		l.poll.remove(pollStdin)
		closeFD(&l.stdin)
		return requestResult{eof: true}, nil
	}
	if err != nil {
		return requestResult{n: n}, fmt.Errorf("writing stdin: %w", err)
	}
	if final && n == len(data) {
		l.poll.remove(pollStdin)
		closeFD(&l.stdin)
	}
	return requestResult{n: n}, nil
}

func (l *Loop) readStream(id pollID, fd *int, maxBytes int) requestResult {
	if *fd == closedFD {
		return requestResult{eof: true}
	}
	if maxBytes <= 0 || maxBytes > protocol.MaxChunkSize {
		maxBytes = protocol.MaxChunkSize
	}
	buf := make([]byte, maxBytes)
	n, wouldBlock, err := readFD(*fd, buf)
	if wouldBlock {
		return requestResult{}
	}
	if n == 0 || err != nil {
		if err != nil {
			l.log.Debugf("error reading %s of pid %d: %s", id, l.proc, err)
		}
		l.poll.remove(id)
		closeFD(fd)
		return requestResult{eof: true}
	}
	return requestResult{data: buf[:n]}
}

func (l *Loop) reap() {
	var ws unix.WaitStatus
	pid, err := unix.Wait4(l.proc, &ws, unix.WNOHANG, nil)
	switch {
	case errors.Is(err, unix.EINTR):
	case errors.Is(err, unix.ECHILD):
		l.alive = false
		l.abend = true
	case err != nil:
		l.log.Warnw("waiting for process", "pid", l.proc, "error", err)
	case pid == l.proc:
		l.alive = false
		l.status = ws
	}
}

// kill sends SIGKILL to the child's process group. A dead child is never signalled since
// its PID may already belong to someone else.
func (l *Loop) kill(now time.Time) {
	if !l.alive {
		return
	}
	l.lastKill = now
	err := unix.Kill(-l.proc, unix.SIGKILL)
	if err != nil {
		err = unix.Kill(l.proc, unix.SIGKILL)
	}
	if err != nil {
		l.log.Warnw("killing process", "pid", l.proc, "error", err)
		return
	}
	if !l.killed {
		l.killed = true
		l.firstKill = now
	}
}

func (l *Loop) teardown() {
	l.shutdown = true
	if !l.alive {
		return
	}
	if !l.killed {
		l.kill(time.Now())
		time.Sleep(l.cfg.schedule.initial)
	}

	attempt := 0
	err := backoff.Retry(func() error {
		defer func() { attempt++ }()
		l.reap()
		if !l.alive {
			return nil
		}
		if attempt >= l.cfg.schedule.escalateAfter {
			l.kill(time.Now())
		}
		return protocol.ErrStillRunning
	}, &reapBackOff{s: l.cfg.schedule})
	if err != nil {
		l.log.Errorw("process did not exit", "pid", l.proc, "error", err)
	}
}

// classify derives the final status and its flags argument.
func (l *Loop) classify() (protocol.GuestStatus, uint32) {
	switch {
	case l.timedOut && !l.alive && l.killed:
		return protocol.StatusTOK, 0
	case l.timedOut && l.alive && l.killed:
		return protocol.StatusTOA, 0
	case l.shutdown && (l.alive || l.killed):
		return protocol.StatusDWN, uint32(l.cfg.start.Flags)
	case l.alive:
		return protocol.StatusUndefined, 0
	case l.abend:
		return protocol.StatusTEA, abendExitCode
	case l.status.Exited():
		return protocol.StatusTEN, uint32(l.status.ExitStatus())
	case l.status.Signaled():
		return protocol.StatusTES, uint32(l.status.Signal())
	}
	return protocol.StatusTEA, 0
}
