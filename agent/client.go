package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/guseggert/guestctl/host"
	"github.com/guseggert/guestctl/transport"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/mdlayher/vsock"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// Client connects the host to a guest agent.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	dialCtx                  func(ctx context.Context, network, addr string) (net.Conn, error)
	baseURL                  string
	customizeRetryableClient func(*retryablehttp.Client)
	codec                    transport.Codec
	vsockCID                 *uint32

	waitInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("guestagent_client").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithClientVsock dials the agent over AF_VSOCK at the given context ID instead of TCP.
func WithClientVsock(cid uint32) ClientOption {
	return func(c *Client) {
		c.vsockCID = &cid
	}
}

// WithClientCodec selects the frame encoding of guest control sessions.
func WithClientCodec(codec transport.Codec) ClientOption {
	return func(c *Client) {
		c.codec = codec
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

func NewClient(log *zap.SugaredLogger, certs *Certs, ipAddr string, port int, opts ...ClientOption) (*Client, error) {
	tlsConfig, err := ClientTLSConfig(certs.CA.CertPEMBytes, certs.Client.CertPEMBytes, certs.Client.KeyPEMBytes)
	if err != nil {
		return nil, fmt.Errorf("building client TLS config: %w", err)
	}

	c := &Client{
		Logger:        log.Named("guestagent_client"),
		baseURL:       fmt.Sprintf("https://%s:%d", ServerName, port),
		codec:         transport.CodecJSON,
		waitInterval:  100 * time.Millisecond,
		stopHeartbeat: make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	// Don't do DNS lookup for dialing.
	// The server name is only used for the host header and certificate verification.
	if c.vsockCID != nil {
		cid := *c.vsockCID
		c.dialCtx = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return vsock.Dial(cid, uint32(port), nil)
		}
	} else {
		dialer := &net.Dialer{Timeout: 5 * time.Second}
		httpDialAddrPort := net.JoinHostPort(ipAddr, fmt.Sprint(port))
		c.dialCtx = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", httpDialAddrPort)
		}
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     c.dialCtx,
			MaxConnsPerHost: 0,
			TLSClientConfig: tlsConfig,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c, nil
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// OpenSession connects to the agent's guest control endpoint and logs on a session over it.
// Closing the session closes the connection.
func (c *Client) OpenSession(ctx context.Context, opts ...host.Option) (*host.Session, error) {
	u := c.baseURL + "/guestctl?" + url.Values{"codec": {string(c.codec)}}.Encode()

	c.Logger.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: c.HTTPClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	log := c.Logger.Desugar()
	conn := transport.NewWebSocket(wsConn, transport.WithLogger(log), transport.WithCodec(c.codec))

	s, err := host.Open(ctx, conn, append([]host.Option{host.WithLogger(log)}, opts...)...)
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			c.Logger.Debugf("error closing conn: %s", cerr)
		}
		return nil, fmt.Errorf("opening session: %w", err)
	}
	return s, nil
}

// WaitForServer polls the heartbeat endpoint until the agent answers or ctx is done.
func (c *Client) WaitForServer(ctx context.Context) error {
	b := backoff.WithContext(backoff.NewConstantBackOff(c.waitInterval), ctx)
	err := backoff.Retry(func() error {
		err := c.SendHeartbeat(ctx)
		if err != nil {
			c.Logger.Debugf("got heartbeat error: %s", err)
		}
		return err
	}, b)
	if err != nil {
		return err
	}
	c.Logger.Debug("heartbeat succeeded, done waiting for server")
	return nil
}

func (c *Client) StartHeartbeat() {
	go c.startHeartbeatOnce.Do(func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopHeartbeat:
				return
			case <-ticker.C:
			}
			err := c.SendHeartbeat(context.Background())
			if err != nil {
				c.Logger.Debugf("heartbeat error: %s", err)
			}
		}
	})
}

func (c *Client) StopHeartbeat() {
	c.stopHeartbeatOnce.Do(func() { close(c.stopHeartbeat) })
}
