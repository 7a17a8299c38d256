//go:build unix

package agent

import (
	"bytes"
	"context"
	"io"
	"errors"
	"net/http"
	"syscall"
	"testing"
	"time"

	"github.com/guseggert/guestctl/guest"
	"github.com/guseggert/guestctl/host"
	"github.com/guseggert/guestctl/host/toolbox"
	inet "github.com/guseggert/guestctl/internal/net"
	"github.com/guseggert/guestctl/protocol"
	"github.com/guseggert/guestctl/transport"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	log *zap.SugaredLogger
)

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}

	log = l.Sugar()
}

func startAgent(t *testing.T, certs *Certs, opts ...Option) int {
	t.Helper()
	addr, port, err := inet.FreeLocalAddr()
	require.NoError(t, err)

	agent, err := NewGuestAgent(
		certs.CA.CertPEMBytes,
		certs.Server.CertPEMBytes,
		certs.Server.KeyPEMBytes,
		append([]Option{WithListenAddr(addr), WithLogger(log.Desugar())}, opts...)...,
	)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- agent.Run() }()
	t.Cleanup(func() {
		require.NoError(t, agent.Stop())
		require.NoError(t, <-done)
	})
	return port
}

func TestNegativeAuthz(t *testing.T) {
	// ensure that unauthorized clients are rejected
	serverCerts, err := GenerateCerts()
	require.NoError(t, err)
	port := startAgent(t, serverCerts)

	// generate some client certs with the same CA but with keys actually signed by some other CA
	// which should fail server-side validation
	clientCerts, err := GenerateCerts()
	require.NoError(t, err)
	clientCerts.CA = serverCerts.CA
	client, err := NewClient(log, clientCerts, "127.0.0.1", port, WithCustomizeRetryableClient(func(r *retryablehttp.Client) {
		r.RetryMax = 0
	}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err = client.WaitForServer(ctx)
	require.Error(t, err)
	require.ErrorContains(t, client.SendHeartbeat(context.Background()), "remote error: tls")
}

func TestSession(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)
	port := startAgent(t, certs, WithServiceOptions(guest.WithMaxProcesses(8)))

	for _, codec := range []transport.Codec{transport.CodecJSON, transport.CodecCBOR} {
		codec := codec
		t.Run(string(codec), func(t *testing.T) {
			ctx := context.Background()
			client, err := NewClient(log, certs, "127.0.0.1", port, WithClientCodec(codec))
			require.NoError(t, err)
			require.NoError(t, client.WaitForServer(ctx))

			s, err := client.OpenSession(ctx)
			require.NoError(t, err)
			defer func() { assert.NoError(t, s.Close()) }()
			assert.Equal(t, uint32(2), s.ProtocolVersion())

			var stdout bytes.Buffer
			tb := toolbox.New(s, toolbox.WithLogger(log.Desugar()))
			res, err := tb.Exec(ctx, toolbox.Command{
				Path:   "/bin/sh",
				Args:   []string{"-c", "read line; echo $line bar"},
				Stdin:  bytes.NewReader([]byte("foo\n")),
				Stdout: &stdout,
			})
			require.NoError(t, err)
			assert.Equal(t, host.StatusTerminatedNormally, res.Status)
			assert.Equal(t, "foo bar\n", stdout.String())
		})
	}

	t.Run("metrics", func(t *testing.T) {
		client, err := NewClient(log, certs, "127.0.0.1", port)
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodGet, client.baseURL+"/metrics", nil)
		require.NoError(t, err)
		resp, err := client.HTTPClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		b, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(b), "guestctl_guest_processes_started")
		assert.Contains(t, string(b), "guestctl_host_call_latency")
	})
}

func TestGuestctlRejectsUnknownCodec(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)
	port := startAgent(t, certs)

	client, err := NewClient(log, certs, "127.0.0.1", port, WithClientCodec("xml"))
	require.NoError(t, err)
	require.NoError(t, client.WaitForServer(context.Background()))

	_, err = client.OpenSession(context.Background())
	require.Error(t, err)
}

func TestStopReachesOrphans(t *testing.T) {
	certs, err := GenerateCerts()
	require.NoError(t, err)
	addr, port, err := inet.FreeLocalAddr()
	require.NoError(t, err)
	agent, err := NewGuestAgent(
		certs.CA.CertPEMBytes,
		certs.Server.CertPEMBytes,
		certs.Server.KeyPEMBytes,
		WithListenAddr(addr),
		WithLogger(log.Desugar()),
	)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- agent.Run() }()

	ctx := context.Background()
	client, err := NewClient(log, certs, "127.0.0.1", port)
	require.NoError(t, err)
	require.NoError(t, client.WaitForServer(ctx))
	s, err := client.OpenSession(ctx)
	require.NoError(t, err)
	p, err := s.StartProcess(ctx, host.StartRequest{
		Command: "/bin/sleep",
		Args:    []string{"60"},
		Flags:   protocol.FlagIgnoreOrphanedProcesses,
	})
	require.NoError(t, err)
	pid := int(p.PID())
	require.NoError(t, s.Close())

	// the host is gone but the orphan keeps its service tracked
	require.Eventually(t, func() bool {
		agent.servicesMut.Lock()
		defer agent.servicesMut.Unlock()
		for _, connected := range agent.services {
			if !connected {
				return true
			}
		}
		return false
	}, 10*time.Second, 10*time.Millisecond)
	require.NoError(t, syscall.Kill(pid, 0))

	require.NoError(t, agent.Stop())
	require.NoError(t, <-done)
	assert.True(t, errors.Is(syscall.Kill(pid, 0), syscall.ESRCH), "orphan %d still running", pid)
	require.Eventually(t, func() bool {
		agent.servicesMut.Lock()
		defer agent.servicesMut.Unlock()
		return len(agent.services) == 0
	}, 10*time.Second, 10*time.Millisecond)
}
