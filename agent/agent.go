//go:build unix

package agent

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/guseggert/guestctl/guest"
	"github.com/guseggert/guestctl/transport"
	"github.com/julienschmidt/httprouter"
	"github.com/mdlayher/vsock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"
)

const shutdownTimeout = 30 * time.Second

// GuestAgent is the HTTP agent that runs in each guest and serves the guest control protocol.
// The agent requires mTLS for both traffic encryption and authz.
type GuestAgent struct {
	logger *zap.SugaredLogger

	caCertPEM []byte
	certPEM   []byte
	keyPEM    []byte

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	vsockPort               uint32
	serviceOpts             []guest.Option

	httpServer *http.Server

	closed        chan struct{}
	closeOnce     sync.Once
	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time

	servicesMut sync.Mutex
	// services maps each service to whether its host is still connected. A service stays
	// tracked after its host leaves until its orphaned processes have exited.
	services map[*guest.Service]bool
}

type Option func(a *GuestAgent)

func WithHeartbeatTimeout(d time.Duration) Option {
	return func(a *GuestAgent) {
		a.heartbeatTimeout = d
	}
}

func WithHeartbeatFailureHandler(f func()) Option {
	return func(a *GuestAgent) {
		a.heartbeatFailureHandler = f
	}
}

func WithListenAddr(s string) Option {
	return func(a *GuestAgent) {
		a.listenAddr = s
	}
}

// WithVsockPort also serves on the given AF_VSOCK port.
func WithVsockPort(port uint32) Option {
	return func(a *GuestAgent) {
		a.vsockPort = port
	}
}

// WithServiceOptions configures the guest service created for every connection.
func WithServiceOptions(opts ...guest.Option) Option {
	return func(a *GuestAgent) {
		a.serviceOpts = append(a.serviceOpts, opts...)
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(a *GuestAgent) {
		a.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(a *GuestAgent) {
		a.logger = a.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

func HeartbeatFailureShutdown() {
	fmt.Println("heartbeat failed, shutting down")
	cmd := exec.Command("shutdown", "now")
	err := cmd.Run()
	if err != nil {
		fmt.Printf("unable to shutdown guest: %s", err)
	}
}

func HeartbeatFailureExit() {
	fmt.Println("heartbeat failed, exiting")
	os.Exit(1)
}

// NewGuestAgent constructs a new guest agent.
func NewGuestAgent(caCertPEM, certPEM, keyPEM []byte, opts ...Option) (*GuestAgent, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	a := &GuestAgent{
		logger:           logger.Sugar(),
		caCertPEM:        caCertPEM,
		certPEM:          certPEM,
		keyPEM:           keyPEM,
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:8080",
		closed:           make(chan struct{}),
		services:         map[*guest.Service]bool{},
	}
	for _, o := range opts {
		o(a)
	}
	a.logger = a.logger.Named("guestagent")

	router := httprouter.New()
	router.GET("/heartbeat", a.heartbeat)
	router.GET("/guestctl", a.guestctl)
	router.Handler(http.MethodGet, "/metrics", promhttp.Handler())
	a.httpServer = &http.Server{Handler: router}

	return a, nil
}

// startHeartbeatCheck starts a goroutine that calls the failure handler when the host stops sending heartbeats.
func (a *GuestAgent) startHeartbeatCheck() {
	a.heartbeatMut.Lock()
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()

	go func() {
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.closed:
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				if a.heartbeatFailureHandler != nil {
					a.heartbeatFailureHandler()
				}
			}
		}
	}()
}

func (a *GuestAgent) listeners() ([]net.Listener, error) {
	tlsConfig, err := ServerTLSConfig(a.caCertPEM, a.certPEM, a.keyPEM)
	if err != nil {
		return nil, fmt.Errorf("building server TLS config: %w", err)
	}

	tcpListener, err := net.Listen("tcp", a.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("listening TCP: %w", err)
	}
	listeners := []net.Listener{tls.NewListener(tcpListener, tlsConfig)}

	if a.vsockPort != 0 {
		vsockListener, err := vsock.Listen(a.vsockPort, nil)
		if err != nil {
			tcpListener.Close()
			return nil, fmt.Errorf("listening vsock port %d: %w", a.vsockPort, err)
		}
		listeners = append(listeners, tls.NewListener(vsockListener, tlsConfig))
	}
	return listeners, nil
}

func (a *GuestAgent) runHTTPServer() error {
	listeners, err := a.listeners()
	if err != nil {
		return err
	}

	var eg errgroup.Group
	for _, l := range listeners {
		l := l
		a.logger.Debugw("serving", "addr", l.Addr().String())
		eg.Go(func() error {
			err := a.httpServer.Serve(l)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	return eg.Wait()
}

// Run runs the guest agent and returns once the guest agent has stopped.
func (a *GuestAgent) Run() error {
	a.startHeartbeatCheck()
	return a.runHTTPServer()
}

// guestctl upgrades to a WebSocket and serves the guest control protocol on it until the host goes away.
// The codec query parameter selects the frame encoding.
func (a *GuestAgent) guestctl(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	codec, err := transport.ParseCodec(r.URL.Query().Get("codec"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		a.logger.Debugf("guestctl WebSocket accept error: %s", err)
		return
	}

	log := a.logger.Desugar()
	conn := transport.NewWebSocket(wsConn, transport.WithLogger(log), transport.WithCodec(codec))
	svc := guest.NewService(conn, append([]guest.Option{guest.WithLogger(log)}, a.serviceOpts...)...)

	a.servicesMut.Lock()
	a.services[svc] = true
	a.servicesMut.Unlock()

	a.logger.Debugw("host connected", "service", svc.ID().String(), "remote", r.RemoteAddr, "codec", codec)
	if err := svc.Serve(r.Context()); err != nil {
		a.logger.Debugf("guestctl service error: %s", err)
	}
	a.logger.Debugw("host disconnected", "service", svc.ID().String())

	a.servicesMut.Lock()
	a.services[svc] = false
	a.servicesMut.Unlock()
	go func() {
		svc.Wait()
		a.servicesMut.Lock()
		delete(a.services, svc)
		a.servicesMut.Unlock()
	}()
}

func (a *GuestAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Stop closes the listeners and shuts down every connected service, including orphaned processes.
// Services that fail to shut down cleanly are logged.
func (a *GuestAgent) Stop() error {
	a.closeOnce.Do(func() { close(a.closed) })

	err := a.httpServer.Close()

	a.servicesMut.Lock()
	services := make([]*guest.Service, 0, len(a.services))
	for svc := range a.services {
		services = append(services, svc)
	}
	a.servicesMut.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, svc := range services {
		if serr := svc.Shutdown(ctx); serr != nil {
			a.logger.Warnw("error shutting down service", "service", svc.ID().String(), "error", serr)
		}
	}
	return err
}
