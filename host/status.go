package host

import "fmt"

// ProcessStatus is the host's view of a guest process.
type ProcessStatus int

const (
	StatusUndefined ProcessStatus = iota
	StatusStarting
	StatusStarted
	StatusTerminatedNormally
	StatusTerminatedBySignal
	StatusTerminatedAbnormally
	StatusTimedOutKilled
	StatusTimedOutRunning
	StatusError
	StatusDown
)

var processStatusNames = map[ProcessStatus]string{
	StatusUndefined:            "undefined",
	StatusStarting:             "starting",
	StatusStarted:              "started",
	StatusTerminatedNormally:   "terminated normally",
	StatusTerminatedBySignal:   "terminated by signal",
	StatusTerminatedAbnormally: "terminated abnormally",
	StatusTimedOutKilled:       "timed out and killed",
	StatusTimedOutRunning:      "timed out and still running",
	StatusError:                "error",
	StatusDown:                 "down",
}

func (s ProcessStatus) String() string {
	if n, ok := processStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Running reports whether the process may still be alive in the guest.
func (s ProcessStatus) Running() bool {
	return s == StatusStarting || s == StatusStarted
}

// Final reports whether the status can no longer change.
func (s ProcessStatus) Final() bool {
	return s >= StatusTerminatedNormally
}

type WaitResult int

const (
	WaitResultNone WaitResult = iota
	WaitResultStart
	WaitResultTerminate
	WaitResultStatus
	WaitResultError
	WaitResultTimeout
	WaitResultStdIn
	WaitResultStdOut
	WaitResultStdErr
	WaitResultWaitFlagNotSupported
)

var waitResultNames = map[WaitResult]string{
	WaitResultNone:                 "none",
	WaitResultStart:                "start",
	WaitResultTerminate:            "terminate",
	WaitResultStatus:               "status",
	WaitResultError:                "error",
	WaitResultTimeout:              "timeout",
	WaitResultStdIn:                "stdin",
	WaitResultStdOut:               "stdout",
	WaitResultStdErr:               "stderr",
	WaitResultWaitFlagNotSupported: "wait flag not supported",
}

func (r WaitResult) String() string {
	if n, ok := waitResultNames[r]; ok {
		return n
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// WaitFlag selects the conditions a WaitFor call returns on.
type WaitFlag uint32

const (
	WaitFlagNone      WaitFlag = 0
	WaitFlagStart     WaitFlag = 1 << 0
	WaitFlagTerminate WaitFlag = 1 << 1
	WaitFlagStdIn     WaitFlag = 1 << 2
	WaitFlagStdOut    WaitFlag = 1 << 3
	WaitFlagStdErr    WaitFlag = 1 << 4

	waitFlagStreams = WaitFlagStdIn | WaitFlagStdOut | WaitFlagStdErr
)

func (f WaitFlag) Has(o WaitFlag) bool { return f&o != 0 }
