//go:build unix

package guest

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/guseggert/guestctl/protocol"
)

// buildEnv clones base and applies overlay. "KEY=VALUE" sets a variable and a bare "KEY" unsets it.
func buildEnv(base, overlay []string) []string {
	var keys []string
	vals := map[string]string{}
	set := func(kv string) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			if _, exists := vals[k]; exists {
				delete(vals, k)
				for i, cur := range keys {
					if cur == k {
						keys = append(keys[:i], keys[i+1:]...)
						break
					}
				}
			}
			return
		}
		if _, exists := vals[k]; !exists {
			keys = append(keys, k)
		}
		vals[k] = v
	}
	for _, kv := range base {
		set(kv)
	}
	for _, kv := range overlay {
		set(kv)
	}

	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vals[k])
	}
	return env
}

func lookupEnv(env []string, key string) (string, bool) {
	for i := len(env) - 1; i >= 0; i-- {
		k, v, ok := strings.Cut(env[i], "=")
		if ok && k == key {
			return v, true
		}
	}
	return "", false
}

func expandArgs(args, env []string) []string {
	expanded := make([]string, len(args))
	for i, a := range args {
		expanded[i] = os.Expand(a, func(k string) string {
			v, _ := lookupEnv(env, k)
			return v
		})
	}
	return expanded
}

// resolveExecutable finds the program to run. Bare names are looked up in the PATH
// of the process environment.
func resolveExecutable(command string, env []string) (string, error) {
	if command == "" || strings.ContainsRune(command, 0) {
		return "", &protocol.SpawnError{Reason: protocol.ReasonInvalidName}
	}
	if strings.Contains(command, "/") {
		return command, checkExecutable(command)
	}

	path, _ := lookupEnv(env, "PATH")
	for _, dir := range filepath.SplitList(path) {
		if dir == "" {
			dir = "."
		}
		candidate := filepath.Join(dir, command)
		if err := checkExecutable(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", &protocol.SpawnError{Reason: protocol.ReasonFileNotFound, Errno: int32(syscall.ENOENT)}
}

func checkExecutable(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if _, dirErr := os.Stat(filepath.Dir(path)); dirErr != nil {
				return &protocol.SpawnError{Reason: protocol.ReasonPathNotFound, Errno: int32(syscall.ENOENT)}
			}
			return &protocol.SpawnError{Reason: protocol.ReasonFileNotFound, Errno: int32(syscall.ENOENT)}
		}
		return err
	}
	if fi.IsDir() {
		return &protocol.SpawnError{Reason: protocol.ReasonBadFormat, Errno: int32(syscall.EISDIR)}
	}
	if fi.Mode()&0o111 == 0 {
		return &protocol.SpawnError{Reason: protocol.ReasonPermissionDenied, Errno: int32(syscall.EACCES)}
	}
	return nil
}

// credentialFor returns the credential to spawn as username, or nil to spawn as the agent's own user.
func credentialFor(username string) (*syscall.Credential, error) {
	if username == "" {
		return nil, nil
	}
	u, err := user.Lookup(username)
	if err != nil {
		return nil, &protocol.SpawnError{Reason: protocol.ReasonAuthFailure}
	}
	uid, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return nil, &protocol.SpawnError{Reason: protocol.ReasonAuthFailure}
	}
	gid, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return nil, &protocol.SpawnError{Reason: protocol.ReasonAuthFailure}
	}
	if int(uid) == os.Getuid() {
		return nil, nil
	}
	if os.Getuid() != 0 {
		return nil, &protocol.SpawnError{Reason: protocol.ReasonAuthFailure, Errno: int32(syscall.EPERM)}
	}
	return &syscall.Credential{Uid: uint32(uid), Gid: uint32(gid)}, nil
}

// spawnError classifies a start failure into the reason reported to the host.
func spawnError(err error) *protocol.SpawnError {
	var se *protocol.SpawnError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, exec.ErrNotFound) {
		return &protocol.SpawnError{Reason: protocol.ReasonFileNotFound}
	}
	var errno syscall.Errno
	if !errors.As(err, &errno) {
		return &protocol.SpawnError{Reason: protocol.ReasonUnknown}
	}
	reason := protocol.ReasonUnknown
	switch errno {
	case syscall.ENOENT:
		reason = protocol.ReasonFileNotFound
	case syscall.ENOTDIR:
		reason = protocol.ReasonPathNotFound
	case syscall.ENOEXEC:
		reason = protocol.ReasonBadFormat
	case syscall.EACCES, syscall.EPERM:
		reason = protocol.ReasonPermissionDenied
	case syscall.EAGAIN, syscall.EMFILE, syscall.ENFILE, syscall.ENOMEM:
		reason = protocol.ReasonResourceLimit
	case syscall.ENAMETOOLONG, syscall.EINVAL:
		reason = protocol.ReasonInvalidName
	}
	return &protocol.SpawnError{Reason: reason, Errno: int32(errno)}
}

// openRedirect returns the child's end for an output stream: a pipe when captured,
// otherwise the null device. loopFD is closedFD when not captured.
func openRedirect(capture bool) (loopFD int, child *os.File, err error) {
	if capture {
		return newPipe(false)
	}
	f, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return closedFD, nil, fmt.Errorf("opening %s: %w", os.DevNull, err)
	}
	return closedFD, f, nil
}
