//go:build unix

package guest

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func mustHash(t *testing.T, password string) []byte {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)
	return h
}

func TestPasswordFile(t *testing.T) {
	content := strings.Join([]string{
		"# guest users",
		"",
		"alice:" + string(mustHash(t, "wonderland")),
		"bob:" + string(mustHash(t, "builder")) + ":1000:1000",
	}, "\n")
	path := filepath.Join(t.TempDir(), "passwords")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	auth, err := PasswordFile(path)
	require.NoError(t, err)

	cases := []struct {
		name     string
		user     string
		password string
		ok       bool
	}{
		{name: "right password", user: "alice", password: "wonderland", ok: true},
		{name: "extra fields", user: "bob", password: "builder", ok: true},
		{name: "wrong password", user: "alice", password: "builder"},
		{name: "empty password", user: "bob"},
		{name: "unknown user", user: "mallory", password: "wonderland"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			err := auth(c.user, c.password, "")
			if c.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrBadCredentials)
		})
	}
}

func TestPasswordFileRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"no separator": "alice",
		"not bcrypt":   "alice:$6$salt$abcdef",
	}
	for name, content := range cases {
		content := content
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "passwords")
			require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
			_, err := PasswordFile(path)
			assert.ErrorContains(t, err, "line 1")
		})
	}
}

func TestChain(t *testing.T) {
	auth := Chain(AllowUsers("alice"), Passwords(map[string][]byte{
		"alice": mustHash(t, "wonderland"),
		"bob":   mustHash(t, "builder"),
	}))
	assert.NoError(t, auth("alice", "wonderland", ""))
	assert.ErrorIs(t, auth("bob", "builder", ""), ErrUserNotAllowed)
	assert.ErrorIs(t, auth("alice", "builder", ""), ErrBadCredentials)
}
