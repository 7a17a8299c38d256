// Package guest implements the guest side of the control protocol.
//
// A Service serves one host connection. Every Start message gets its own Loop: a goroutine that
// owns the child process, its stdin/stdout/stderr pipes and a poll set over them. Requests from
// the host (stdin writes, stream reads, terminate) reach the loop through a single-slot mailbox
// and a wake byte on the loop's notify pipe; nothing else touches the child's fds.
//
// Output is pulled. The loop never reads stdout or stderr on its own, it only watches them for
// hangup, and a pipe that hangs up while it still holds data stays open until the host has
// drained it.
package guest
