//go:build unix

package guest

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserNotAllowed = errors.New("user not allowed")
	ErrBadCredentials = errors.New("bad username or password")
)

// AllowUsers accepts only the named users. The empty username, meaning the agent's own user,
// must be listed explicitly as "".
func AllowUsers(names ...string) Authenticator {
	allowed := map[string]bool{}
	for _, n := range names {
		allowed[n] = true
	}
	return func(username, _, _ string) error {
		if !allowed[username] {
			return fmt.Errorf("%w: %q", ErrUserNotAllowed, username)
		}
		return nil
	}
}

// Chain accepts credentials only if every authenticator does.
func Chain(auths ...Authenticator) Authenticator {
	return func(username, password, domain string) error {
		for _, a := range auths {
			if err := a(username, password, domain); err != nil {
				return err
			}
		}
		return nil
	}
}

// Passwords checks the password against a bcrypt hash per user. Users without a hash are refused.
func Passwords(hashes map[string][]byte) Authenticator {
	return func(username, password, _ string) error {
		hash, ok := hashes[username]
		if !ok {
			return fmt.Errorf("%w: no password entry for %q", ErrBadCredentials, username)
		}
		if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
			return fmt.Errorf("%w: %q", ErrBadCredentials, username)
		}
		return nil
	}
}

// PasswordFile loads user:hash lines, as written by htpasswd -B, and checks passwords against them.
func PasswordFile(path string) (Authenticator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening password file: %w", err)
	}
	defer f.Close()
	hashes, err := parsePasswords(f)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return Passwords(hashes), nil
}

// parsePasswords skips blank lines and # comments. Fields after the hash are ignored.
func parsePasswords(r io.Reader) (map[string][]byte, error) {
	hashes := map[string][]byte{}
	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		user, rest, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("line %d: missing ':'", n)
		}
		hash, _, _ := strings.Cut(rest, ":")
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("line %d: user %q: %w", n, user, err)
		}
		hashes[user] = []byte(hash)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return hashes, nil
}
