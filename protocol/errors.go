package protocol

import (
	"errors"
	"fmt"
)

var (
	ErrTimeout           = errors.New("timed out")
	ErrCancelled         = errors.New("cancelled")
	ErrProtocolViolation = errors.New("protocol violation")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrNotSupported      = errors.New("not supported by guest")
	ErrAlreadyWaiting    = errors.New("already waiting")
	ErrNotFound          = errors.New("not found")
	ErrBufferOverflow    = errors.New("buffer overflow")
	ErrStillRunning      = errors.New("process still running")
	ErrSpawnFailed       = errors.New("spawn failed")
)

// SpawnError is the host-visible form of a guest StatusChanged(error).
type SpawnError struct {
	Reason SpawnReason
	Errno  int32
}

func (e *SpawnError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("spawn failed: %s (errno %d)", e.Reason, e.Errno)
	}
	return fmt.Sprintf("spawn failed: %s", e.Reason)
}

func (e *SpawnError) Is(target error) bool { return target == ErrSpawnFailed }

// ChannelError is a transport-level send or receive failure.
type ChannelError struct {
	Op  string
	Err error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel %s: %s", e.Op, e.Err) }

func (e *ChannelError) Unwrap() error { return e.Err }

// Code is the wire representation of a request outcome.
type Code int32

const (
	CodeOK Code = iota
	CodeNotFound
	CodeCancelled
	CodeStillRunning
	CodeNotSupported
	CodeInvalid
	CodeOverflow
	CodeIO
	CodeTimeout
)

var codeErrors = map[Code]error{
	CodeNotFound:     ErrNotFound,
	CodeCancelled:    ErrCancelled,
	CodeStillRunning: ErrStillRunning,
	CodeNotSupported: ErrNotSupported,
	CodeOverflow:     ErrBufferOverflow,
	CodeTimeout:      ErrTimeout,
}

// RemoteError is a guest failure without a local sentinel.
type RemoteError struct {
	Code Code
}

func (e *RemoteError) Error() string { return fmt.Sprintf("guest error code %d", int32(e.Code)) }

// Err converts a wire code to an error, nil for CodeOK.
func (c Code) Err() error {
	if c == CodeOK {
		return nil
	}
	if err, ok := codeErrors[c]; ok {
		return err
	}
	return &RemoteError{Code: c}
}

// CodeFromError maps an error onto the closest wire code.
func CodeFromError(err error) Code {
	if err == nil {
		return CodeOK
	}
	for code, sentinel := range codeErrors {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	var remote *RemoteError
	if errors.As(err, &remote) {
		return remote.Code
	}
	return CodeIO
}
