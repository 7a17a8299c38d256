package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/guseggert/guestctl/protocol"
)

const pipeBuffer = 128

// Pipe returns two connected in-memory Conns. Messages are JSON round-tripped so neither side
// shares memory with the other. Closing either end closes both.
func Pipe() (Conn, Conn) {
	aToB := make(chan []byte, pipeBuffer)
	bToA := make(chan []byte, pipeBuffer)
	closed := make(chan struct{})
	once := &sync.Once{}

	a := &pipeConn{in: bToA, out: aToB, closed: closed, once: once}
	b := &pipeConn{in: aToB, out: bToA, closed: closed, once: once}
	return a, b
}

type pipeConn struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once
}

func (p *pipeConn) Send(ctx context.Context, msg *protocol.Message) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg, err)
	}
	select {
	case <-p.closed:
		return &protocol.ChannelError{Op: "send", Err: ErrClosed}
	default:
	}
	select {
	case p.out <- b:
		return nil
	case <-p.closed:
		return &protocol.ChannelError{Op: "send", Err: ErrClosed}
	case <-ctx.Done():
		return &protocol.ChannelError{Op: "send", Err: ctx.Err()}
	}
}

func (p *pipeConn) Recv(ctx context.Context) (*protocol.Message, error) {
	// deliver what was sent before a close
	select {
	case b := <-p.in:
		return decode(b)
	default:
	}
	select {
	case b := <-p.in:
		return decode(b)
	case <-p.closed:
		return nil, &protocol.ChannelError{Op: "recv", Err: ErrClosed}
	case <-ctx.Done():
		return nil, &protocol.ChannelError{Op: "recv", Err: ctx.Err()}
	}
}

func decode(b []byte) (*protocol.Message, error) {
	var msg protocol.Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, &protocol.ChannelError{Op: "recv", Err: err}
	}
	return &msg, nil
}

func (p *pipeConn) Close() error {
	p.once.Do(func() { close(p.closed) })
	return nil
}
