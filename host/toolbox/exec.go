// Package toolbox implements file operations on top of guest process execution. Every operation
// runs a standard program in the guest and moves data through its standard streams.
package toolbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/guseggert/guestctl/host"
	"github.com/guseggert/guestctl/protocol"
	"go.uber.org/zap"
)

const idleWait = 10 * time.Millisecond

type Toolbox struct {
	log     *zap.SugaredLogger
	s       *host.Session
	timeout time.Duration
	shell   string
}

type Option func(t *Toolbox)

func WithLogger(l *zap.Logger) Option {
	return func(t *Toolbox) {
		t.log = l.Sugar()
	}
}

// WithCallTimeout bounds each read, write and wait call. Zero uses the session's request timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(t *Toolbox) {
		t.timeout = d
	}
}

// WithShell sets the guest shell used for redirections, /bin/sh by default.
func WithShell(path string) Option {
	return func(t *Toolbox) {
		t.shell = path
	}
}

func New(s *host.Session, opts ...Option) *Toolbox {
	t := &Toolbox{
		log:   zap.NewNop().Sugar(),
		s:     s,
		shell: "/bin/sh",
	}
	for _, o := range opts {
		o(t)
	}
	t.log = t.log.Named("toolbox")
	return t
}

// Command is a program to run in the guest. Nil streams are not captured, and a nil Stdin is
// closed right after start.
type Command struct {
	Path    string
	Args    []string
	Env     []string
	Flags   protocol.StartFlag
	Timeout time.Duration

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type Result struct {
	Status   host.ProcessStatus
	ExitCode int32
}

func (r Result) Success() bool {
	return r.Status == host.StatusTerminatedNormally && r.ExitCode == 0
}

// ExitError is returned by the file operations when the guest program did not succeed.
type ExitError struct {
	Result
	Program string
	Stderr  string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Program, e.Status)
	if e.Status == host.StatusTerminatedNormally {
		msg = fmt.Sprintf("%s: exit code %d", e.Program, e.ExitCode)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Exec runs cmd and pumps its streams until it reaches a final status. If ctx is done first the
// process is terminated and ctx's error is returned with the status reached.
func (t *Toolbox) Exec(ctx context.Context, cmd Command) (Result, error) {
	flags := cmd.Flags
	if cmd.Stdout != nil {
		flags |= protocol.FlagWaitForStdOut
	}
	if cmd.Stderr != nil {
		flags |= protocol.FlagWaitForStdErr
	}
	p, err := t.s.StartProcess(ctx, host.StartRequest{
		Command: cmd.Path,
		Args:    cmd.Args,
		Env:     cmd.Env,
		Flags:   flags,
		Timeout: cmd.Timeout,
	})
	if err != nil {
		return Result{Status: host.StatusError}, err
	}
	defer p.Close()
	t.log.Debugw("started", "path", cmd.Path, "pid", p.PID())

	if flags.Has(protocol.FlagWaitForProcessStartOnly) {
		return Result{Status: p.Status()}, nil
	}

	pm := &pump{t: t, p: p, cmd: cmd}
	if cmd.Stdin != nil {
		pm.chunks = readChunks(ctx, cmd.Stdin)
	}
	err = pm.run(ctx)
	res := Result{Status: p.Status(), ExitCode: p.ExitCode()}
	if err != nil && ctx.Err() != nil {
		if terr := p.Terminate(context.Background(), t.timeout); terr != nil && !errors.Is(terr, protocol.ErrNotSupported) {
			t.log.Debugf("error terminating pid %d: %s", p.PID(), terr)
		}
		res = Result{Status: p.Status(), ExitCode: p.ExitCode()}
		return res, ctx.Err()
	}
	return res, err
}

type pump struct {
	t   *Toolbox
	p   host.Process
	cmd Command

	chunks  <-chan chunk
	pending []byte
	inDone  bool
}

type chunk struct {
	data []byte
	err  error
}

// readChunks copies r in MaxChunkSize pieces so a blocking reader never stalls output.
func readChunks(ctx context.Context, r io.Reader) <-chan chunk {
	ch := make(chan chunk)
	go func() {
		defer close(ch)
		for {
			buf := make([]byte, protocol.MaxChunkSize)
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case ch <- chunk{data: buf[:n]}:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if !errors.Is(err, io.EOF) {
					select {
					case ch <- chunk{err: err}:
					case <-ctx.Done():
					}
				}
				return
			}
		}
	}()
	return ch
}

func (pm *pump) run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if pm.p.Status().Final() {
			return nil
		}

		progress, err := pm.stdin(ctx)
		if err != nil {
			return err
		}
		for _, out := range []struct {
			stream protocol.StreamID
			w      io.Writer
		}{
			{protocol.StreamStdout, pm.cmd.Stdout},
			{protocol.StreamStderr, pm.cmd.Stderr},
		} {
			if out.w == nil || !pm.p.StreamOpen(out.stream) {
				continue
			}
			data, err := pm.p.Read(ctx, out.stream, 0, pm.t.timeout)
			if err != nil {
				return err
			}
			if len(data) == 0 {
				continue
			}
			progress = true
			if _, err := out.w.Write(data); err != nil {
				return fmt.Errorf("writing %s: %w", out.stream, err)
			}
		}
		if progress {
			continue
		}

		wait := idleWait
		if !pm.p.StreamOpen(protocol.StreamStdout) && !pm.p.StreamOpen(protocol.StreamStderr) && pm.inDone {
			wait = pm.t.timeout
		}
		if _, err := pm.p.WaitFor(ctx, host.WaitFlagTerminate, wait); err != nil {
			return err
		}
	}
}

// stdin forwards at most one pending chunk and closes stdin once the reader is exhausted.
func (pm *pump) stdin(ctx context.Context) (bool, error) {
	if pm.inDone {
		return false, nil
	}
	if !pm.p.StreamOpen(protocol.StreamStdin) {
		pm.inDone = true
		return false, nil
	}

	final := false
	if len(pm.pending) == 0 {
		if pm.chunks == nil {
			final = true
		} else {
			select {
			case c, ok := <-pm.chunks:
				if !ok {
					final = true
				} else if c.err != nil {
					return false, fmt.Errorf("reading stdin: %w", c.err)
				} else {
					pm.pending = c.data
				}
			default:
				return false, nil
			}
		}
	}

	n, err := pm.p.Write(ctx, pm.pending, final, pm.t.timeout)
	if errors.Is(err, protocol.ErrCancelled) {
		// the process closed its stdin
		pm.inDone = true
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if final {
		pm.inDone = true
		return true, nil
	}
	pm.pending = pm.pending[n:]
	return n > 0, nil
}
