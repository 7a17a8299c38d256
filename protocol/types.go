package protocol

import (
	"fmt"
	"math"
)

const (
	// ProtocolVersion is the version spoken by this implementation.
	// Version 1 guests cannot terminate processes or report stream readiness.
	ProtocolVersion = 2

	// MaxChunkSize bounds the payload of a single stdin write or output read.
	MaxChunkSize = 64 * 1024

	// InfiniteTimeoutMS disables the guest-side process time limit, as does 0.
	InfiniteTimeoutMS = math.MaxUint32
)

type MessageType string

const (
	MsgHello         MessageType = "hello"
	MsgStart         MessageType = "start"
	MsgWriteStdin    MessageType = "write_stdin"
	MsgReadStream    MessageType = "read_stream"
	MsgTerminate     MessageType = "terminate"
	MsgStatusChanged MessageType = "status_changed"
	MsgOutput        MessageType = "output"
	MsgInputAck      MessageType = "input_ack"
	MsgReply         MessageType = "reply"
	MsgDisconnected  MessageType = "disconnected"
)

// Message is the envelope for everything that crosses the channel.
// Exactly one payload pointer is set, matching Type. Disconnected carries none.
type Message struct {
	Type      MessageType
	ContextID ContextID

	Hello     *Hello         `json:",omitempty"`
	Start     *Start         `json:",omitempty"`
	Write     *WriteStdin    `json:",omitempty"`
	Read      *ReadStream    `json:",omitempty"`
	Terminate *Terminate     `json:",omitempty"`
	Status    *StatusChanged `json:",omitempty"`
	Output    *OutputChunk   `json:",omitempty"`
	InputAck  *InputAck      `json:",omitempty"`
	Reply     *Reply         `json:",omitempty"`
}

func (m *Message) String() string {
	return fmt.Sprintf("%s[%s]", m.Type, m.ContextID)
}

type Hello struct {
	ProtocolVersion uint32
}

// Start asks the guest to spawn a program. Args does not include argv[0].
type Start struct {
	Command   string
	Args      []string `json:",omitempty"`
	Env       []string `json:",omitempty"`
	Flags     StartFlag
	TimeoutMS uint32

	Username string `json:",omitempty"`
	Password string `json:",omitempty"`
	Domain   string `json:",omitempty"`
}

type WriteStdin struct {
	PID   uint32
	Data  []byte `json:",omitempty"`
	Final bool   `json:",omitempty"`
}

type ReadStream struct {
	PID      uint32
	Stream   StreamID
	MaxBytes uint32
}

type Terminate struct {
	PID uint32
}

// StatusChanged reports a lifecycle transition. Flags holds the exit code, signal number,
// spawn failure reason or start flags depending on Status.
type StatusChanged struct {
	PID    uint32
	Status GuestStatus
	Flags  uint32
	// Errno carries the raw OS error for StatusError, if there was one.
	Errno int32 `json:",omitempty"`
}

type OutputChunk struct {
	PID    uint32
	Stream StreamID
	Data   []byte `json:",omitempty"`
	EOF    bool   `json:",omitempty"`
}

type InputAck struct {
	PID       uint32
	Status    InputStatus
	Processed uint32
	Code      Code `json:",omitempty"`
}

// Reply completes requests that have no dedicated response message.
type Reply struct {
	PID  uint32
	Code Code
}

type StreamID uint32

const (
	StreamStdin  StreamID = 0
	StreamStdout StreamID = 1
	StreamStderr StreamID = 2
)

func (s StreamID) String() string {
	switch s {
	case StreamStdin:
		return "stdin"
	case StreamStdout:
		return "stdout"
	case StreamStderr:
		return "stderr"
	}
	return fmt.Sprintf("stream(%d)", uint32(s))
}

// GuestStatus is the process status as reported by the guest.
type GuestStatus uint32

const (
	StatusUndefined GuestStatus = 0
	StatusStarted   GuestStatus = 1
	// StatusTEN means terminated normally with an exit code.
	StatusTEN GuestStatus = 2
	// StatusTES means terminated by a signal.
	StatusTES GuestStatus = 3
	// StatusTEA means terminated abnormally.
	StatusTEA GuestStatus = 4
	// StatusTOK means timed out and killed.
	StatusTOK GuestStatus = 5
	// StatusTOA means timed out and could not be killed.
	StatusTOA GuestStatus = 6
	// StatusDWN means the service went down while the process was running.
	StatusDWN   GuestStatus = 7
	StatusError GuestStatus = 8
)

var guestStatusNames = map[GuestStatus]string{
	StatusUndefined: "undefined",
	StatusStarted:   "started",
	StatusTEN:       "terminated-normally",
	StatusTES:       "terminated-signal",
	StatusTEA:       "terminated-abnormally",
	StatusTOK:       "timed-out-killed",
	StatusTOA:       "timed-out-running",
	StatusDWN:       "down",
	StatusError:     "error",
}

func (s GuestStatus) String() string {
	if n, ok := guestStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", uint32(s))
}

type InputStatus uint32

const (
	InputUndefined  InputStatus = 0
	InputWritten    InputStatus = 1
	InputError      InputStatus = 20
	InputTerminated InputStatus = 21
	InputOverflow   InputStatus = 30
)

type StartFlag uint32

const (
	FlagNone StartFlag = 0
	// FlagWaitForProcessStartOnly detaches the process after start: no terminal status is sent
	// and the guest applies no time limit.
	FlagWaitForProcessStartOnly StartFlag = 1 << 0
	// FlagIgnoreOrphanedProcesses keeps the process running when the host goes away.
	FlagIgnoreOrphanedProcesses StartFlag = 1 << 1
	FlagHidden                  StartFlag = 1 << 2
	FlagNoProfile               StartFlag = 1 << 3
	FlagWaitForStdOut           StartFlag = 1 << 4
	FlagWaitForStdErr           StartFlag = 1 << 5
	// FlagExpandArguments expands $VAR references in arguments against the process environment.
	FlagExpandArguments StartFlag = 1 << 6

	flagsAll = FlagWaitForProcessStartOnly | FlagIgnoreOrphanedProcesses | FlagHidden |
		FlagNoProfile | FlagWaitForStdOut | FlagWaitForStdErr | FlagExpandArguments
)

func (f StartFlag) Has(o StartFlag) bool { return f&o == o }

// Valid reports whether f contains only known flags.
func (f StartFlag) Valid() bool { return f&^flagsAll == 0 }

// SpawnReason classifies why the guest could not start a process.
type SpawnReason uint32

const (
	ReasonUnknown SpawnReason = iota
	ReasonFileNotFound
	ReasonPathNotFound
	ReasonBadFormat
	ReasonAuthFailure
	ReasonInvalidName
	ReasonTimeout
	ReasonCancelled
	ReasonPermissionDenied
	ReasonResourceLimit
)

var spawnReasonNames = map[SpawnReason]string{
	ReasonUnknown:          "unknown",
	ReasonFileNotFound:     "file not found",
	ReasonPathNotFound:     "path not found",
	ReasonBadFormat:        "bad executable format",
	ReasonAuthFailure:      "authentication failure",
	ReasonInvalidName:      "invalid name",
	ReasonTimeout:          "timed out",
	ReasonCancelled:        "cancelled",
	ReasonPermissionDenied: "permission denied",
	ReasonResourceLimit:    "process limit reached",
}

func (r SpawnReason) String() string {
	if n, ok := spawnReasonNames[r]; ok {
		return n
	}
	return fmt.Sprintf("reason(%d)", uint32(r))
}
