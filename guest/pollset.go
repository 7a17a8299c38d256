//go:build unix

package guest

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

type pollID int

const (
	pollStdin pollID = iota
	pollStdout
	pollStderr
	pollNotify
)

func (id pollID) String() string {
	switch id {
	case pollStdin:
		return "stdin"
	case pollStdout:
		return "stdout"
	case pollStderr:
		return "stderr"
	case pollNotify:
		return "notify"
	}
	return "unknown"
}

const pollErrorEvents = unix.POLLERR | unix.POLLHUP | unix.POLLNVAL

type pollEvent struct {
	id      pollID
	revents int16
}

func (e pollEvent) isError() bool { return e.revents&pollErrorEvents != 0 }

func (e pollEvent) isReadable() bool { return e.revents&unix.POLLIN != 0 }

// pollSet is a readiness multiplexer over raw fds. Registering an fd with no events still
// reports error and hangup conditions, which is how pipe ends are watched for closure.
type pollSet struct {
	fds []unix.PollFd
	ids []pollID
}

func (p *pollSet) add(id pollID, fd int, events int16) {
	p.remove(id)
	p.fds = append(p.fds, unix.PollFd{Fd: int32(fd), Events: events})
	p.ids = append(p.ids, id)
}

func (p *pollSet) remove(id pollID) bool {
	for i, cur := range p.ids {
		if cur == id {
			p.fds = append(p.fds[:i], p.fds[i+1:]...)
			p.ids = append(p.ids[:i], p.ids[i+1:]...)
			return true
		}
	}
	return false
}

func (p *pollSet) has(id pollID) bool {
	for _, cur := range p.ids {
		if cur == id {
			return true
		}
	}
	return false
}

func (p *pollSet) len() int { return len(p.ids) }

// wait blocks for up to timeout and returns the handles that fired. An interrupted wait
// returns no events.
func (p *pollSet) wait(timeout time.Duration) ([]pollEvent, error) {
	for i := range p.fds {
		p.fds[i].Revents = 0
	}
	n, err := unix.Poll(p.fds, int(timeout/time.Millisecond))
	if errors.Is(err, unix.EINTR) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	events := make([]pollEvent, 0, n)
	for i, fd := range p.fds {
		if fd.Revents != 0 {
			events = append(events, pollEvent{id: p.ids[i], revents: fd.Revents})
		}
	}
	return events, nil
}
