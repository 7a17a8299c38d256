//go:build unix

package guest

import (
	"context"

	"github.com/guseggert/guestctl/callback"
	"github.com/guseggert/guestctl/protocol"
)

type requestKind int

const (
	reqQuit requestKind = iota
	reqWriteStdin
	reqReadStdout
	reqReadStderr
	reqTerminate
)

func (k requestKind) String() string {
	switch k {
	case reqQuit:
		return "quit"
	case reqWriteStdin:
		return "write-stdin"
	case reqReadStdout:
		return "read-stdout"
	case reqReadStderr:
		return "read-stderr"
	case reqTerminate:
		return "terminate"
	}
	return "unknown"
}

// request is a unit of work handed to a loop from another goroutine.
// It is consumed exactly once, by the loop or by the drain at loop exit.
type request struct {
	kind     requestKind
	data     []byte
	final    bool
	maxBytes int

	result *callback.Future[requestResult]
}

type requestResult struct {
	// n is the number of stdin bytes written.
	n    int
	data []byte
	eof  bool
}

func newRequest(kind requestKind) *request {
	return &request{kind: kind, result: callback.New[requestResult]()}
}

// submit places r in the mailbox and wakes the loop.
func (l *Loop) submit(ctx context.Context, r *request) error {
	select {
	case <-l.done:
		return protocol.ErrCancelled
	default:
	}

	select {
	case l.mailbox <- r:
	case <-l.done:
		return protocol.ErrCancelled
	case <-ctx.Done():
		return ctx.Err()
	}
	l.wake()

	// the loop may have exited and drained between our send and now
	select {
	case <-l.done:
		l.drainMailbox()
	default:
	}
	return nil
}

// do submits r and waits for the loop to resolve it.
func (l *Loop) do(ctx context.Context, r *request) (requestResult, error) {
	if err := l.submit(ctx, r); err != nil {
		return requestResult{}, err
	}
	return r.result.Await(ctx, 0)
}

func (l *Loop) drainMailbox() {
	for {
		select {
		case r := <-l.mailbox:
			r.result.Cancel()
		default:
			return
		}
	}
}

// WriteStdin feeds data to the child. An EOF result means stdin is already closed.
func (l *Loop) WriteStdin(ctx context.Context, data []byte, final bool) (n int, eof bool, err error) {
	r := newRequest(reqWriteStdin)
	r.data = data
	r.final = final
	res, err := l.do(ctx, r)
	return res.n, res.eof, err
}

// ReadStream returns up to maxBytes of buffered output from stream.
func (l *Loop) ReadStream(ctx context.Context, stream protocol.StreamID, maxBytes int) ([]byte, bool, error) {
	var r *request
	switch stream {
	case protocol.StreamStdout:
		r = newRequest(reqReadStdout)
	case protocol.StreamStderr:
		r = newRequest(reqReadStderr)
	default:
		return nil, false, protocol.ErrNotFound
	}
	r.maxBytes = maxBytes
	res, err := l.do(ctx, r)
	return res.data, res.eof, err
}

// Terminate asks the loop to stop the child and returns once the final status has been reported.
func (l *Loop) Terminate(ctx context.Context) error {
	_, err := l.do(ctx, newRequest(reqTerminate))
	return err
}

// Quit makes the loop shut down without waiting for it.
func (l *Loop) Quit() {
	go func() {
		_ = l.submit(context.Background(), newRequest(reqQuit))
	}()
}
