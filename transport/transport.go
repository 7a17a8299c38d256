// Package transport moves protocol messages across the isolation boundary.
// A Conn is ordered and reliable, and offers nothing beyond that: no correlation and no flow control.
package transport

import (
	"context"
	"errors"

	"github.com/guseggert/guestctl/protocol"
)

// ErrClosed is returned once the connection has been closed by either side.
var ErrClosed = errors.New("connection closed")

type Conn interface {
	Send(ctx context.Context, msg *protocol.Message) error
	Recv(ctx context.Context) (*protocol.Message, error)
	Close() error
}
