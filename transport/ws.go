package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/guseggert/guestctl/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// readLimit leaves room for a full data chunk after base64 expansion in JSON frames.
const readLimit = 4 * protocol.MaxChunkSize

type Codec string

const (
	CodecJSON Codec = "json"
	CodecCBOR Codec = "cbor"
)

func ParseCodec(s string) (Codec, error) {
	switch Codec(s) {
	case "", CodecJSON:
		return CodecJSON, nil
	case CodecCBOR:
		return CodecCBOR, nil
	}
	return "", fmt.Errorf("unknown codec %q", s)
}

// WebSocket is a Conn over a WebSocket, one protocol message per frame.
// JSON frames are text, CBOR frames are binary.
type WebSocket struct {
	log   *zap.SugaredLogger
	conn  *websocket.Conn
	codec Codec

	closeOnce sync.Once
}

type Option func(w *WebSocket)

func WithLogger(l *zap.Logger) Option {
	return func(w *WebSocket) {
		w.log = l.Named("ws_conn").Sugar()
	}
}

func WithCodec(c Codec) Option {
	return func(w *WebSocket) {
		w.codec = c
	}
}

func NewWebSocket(conn *websocket.Conn, opts ...Option) *WebSocket {
	w := &WebSocket{
		log:   zap.NewNop().Sugar(),
		conn:  conn,
		codec: CodecJSON,
	}
	for _, o := range opts {
		o(w)
	}
	conn.SetReadLimit(readLimit)
	return w
}

func (w *WebSocket) Send(ctx context.Context, msg *protocol.Message) error {
	var err error
	switch w.codec {
	case CodecCBOR:
		var b []byte
		b, err = cbor.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encoding %s: %w", msg, err)
		}
		err = w.conn.Write(ctx, websocket.MessageBinary, b)
	default:
		err = wsjson.Write(ctx, w.conn, msg)
	}
	if err != nil {
		w.log.Debugf("error sending %s: %s", msg, err)
		return &protocol.ChannelError{Op: "send", Err: w.mapErr(err)}
	}
	return nil
}

func (w *WebSocket) Recv(ctx context.Context) (*protocol.Message, error) {
	var msg protocol.Message
	var err error
	switch w.codec {
	case CodecCBOR:
		var typ websocket.MessageType
		var b []byte
		typ, b, err = w.conn.Read(ctx)
		if err == nil {
			if typ != websocket.MessageBinary {
				return nil, &protocol.ChannelError{Op: "recv", Err: fmt.Errorf("expected binary frame, got %s", typ)}
			}
			err = cbor.Unmarshal(b, &msg)
		}
	default:
		err = wsjson.Read(ctx, w.conn, &msg)
	}
	if err != nil {
		return nil, &protocol.ChannelError{Op: "recv", Err: w.mapErr(err)}
	}
	return &msg, nil
}

func (w *WebSocket) mapErr(err error) error {
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return ErrClosed
	}
	return err
}

func (w *WebSocket) Close() error {
	var err error
	w.closeOnce.Do(func() {
		err = w.conn.Close(websocket.StatusNormalClosure, "")
		if errors.Is(err, context.Canceled) {
			err = nil
		}
		w.log.Debugw("closed conn", "Error", err)
	})
	return err
}
