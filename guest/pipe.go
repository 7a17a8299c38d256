//go:build unix

package guest

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

const closedFD = -1

// newPipe creates a pipe and returns the loop's end as a non-blocking raw fd and the
// child's end as a file for os.StartProcess. Both ends are close-on-exec; StartProcess
// dups the child end onto the target descriptor.
func newPipe(loopWrites bool) (int, *os.File, error) {
	var p [2]int
	syscall.ForkLock.RLock()
	err := unix.Pipe(p[:])
	if err == nil {
		unix.CloseOnExec(p[0])
		unix.CloseOnExec(p[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return closedFD, nil, fmt.Errorf("creating pipe: %w", err)
	}

	loopFD, childFD := p[0], p[1]
	if loopWrites {
		loopFD, childFD = p[1], p[0]
	}
	if err := unix.SetNonblock(loopFD, true); err != nil {
		unix.Close(p[0])
		unix.Close(p[1])
		return closedFD, nil, fmt.Errorf("setting pipe non-blocking: %w", err)
	}
	return loopFD, os.NewFile(uintptr(childFD), "child-pipe"), nil
}

// newNotifyPipe creates the loop's wake pipe. Both ends stay in the agent and are non-blocking.
func newNotifyPipe() (r, w int, err error) {
	var p [2]int
	syscall.ForkLock.RLock()
	err = unix.Pipe(p[:])
	if err == nil {
		unix.CloseOnExec(p[0])
		unix.CloseOnExec(p[1])
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return closedFD, closedFD, fmt.Errorf("creating notify pipe: %w", err)
	}
	for _, fd := range p {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return closedFD, closedFD, fmt.Errorf("setting notify pipe non-blocking: %w", err)
		}
	}
	return p[0], p[1], nil
}

// queryReadable returns the number of bytes buffered in a pipe.
func queryReadable(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.TIOCINQ) // TIOCINQ is FIONREAD on Linux
}

// readFD reads without blocking. wouldBlock is true if no data is buffered yet.
func readFD(fd int, b []byte) (n int, wouldBlock bool, err error) {
	for {
		n, err = unix.Read(fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return 0, true, nil
		}
		if n < 0 {
			n = 0
		}
		return n, false, err
	}
}

// writeFD writes as much of b as the pipe accepts without blocking.
func writeFD(fd int, b []byte) (int, error) {
	for {
		n, err := unix.Write(fd, b)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		if n < 0 {
			n = 0
		}
		return n, err
	}
}

func closeFD(fd *int) {
	if *fd != closedFD {
		unix.Close(*fd)
		*fd = closedFD
	}
}
