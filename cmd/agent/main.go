//go:build unix

package main

import (
	"encoding/base64"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/guseggert/guestctl/agent"
	"github.com/guseggert/guestctl/guest"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "guestagent",
		Usage: "the guest agent serving guest control sessions",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "on-heartbeat-failure",
				Usage: "Action to take on a heartbeat failure. One of [shutdown,exit,none].",
				Value: "none",
			},
			&cli.StringFlag{
				Name:  "heartbeat-timeout",
				Usage: "Duration to wait for a heartbeat before acting on it.",
				Value: "1m",
			},
			&cli.StringFlag{
				Name:  "listen-addr",
				Usage: "The address for the HTTP server to listen on.",
				Value: "0.0.0.0:8080",
			},
			&cli.UintFlag{
				Name:  "vsock-port",
				Usage: "Also listen on this AF_VSOCK port. 0 disables vsock.",
			},
			&cli.StringFlag{
				Name:     "ca-cert-pem",
				Usage:    "The CA cert PEM bytes to use (base64-encoded).",
				EnvVars:  []string{"GUESTCTL_CA_CERT_PEM"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "cert-pem",
				Usage:    "The cert PEM bytes to use (base64-encoded).",
				EnvVars:  []string{"GUESTCTL_CERT_PEM"},
				Required: true,
			},
			&cli.StringFlag{
				Name:     "key-pem",
				Usage:    "The key PEM bytes to use (base64-encoded).",
				EnvVars:  []string{"GUESTCTL_KEY_PEM"},
				Required: true,
			},
			&cli.StringSliceFlag{
				Name:  "allow-user",
				Usage: "Only start processes for these users. May be repeated. Empty allows everyone.",
			},
			&cli.StringFlag{
				Name:  "password-file",
				Usage: "Check start passwords against this file of user:bcrypt-hash lines (htpasswd -B).",
			},
			&cli.UintFlag{
				Name:  "protocol-version",
				Usage: "The guest control protocol version to announce.",
				Value: 2,
			},
			&cli.IntFlag{
				Name:  "max-processes",
				Usage: "The number of processes one host connection may run at once.",
				Value: 256,
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "The minimum level to log at.",
				Value: "debug",
			},
		},
		Action: func(ctx *cli.Context) error {
			onHeartbeatFailure := ctx.String("on-heartbeat-failure")
			heartbeatTimeoutStr := ctx.String("heartbeat-timeout")

			caCertPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("ca-cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding CA cert PEM: %w", err)
			}
			certPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("cert-pem"))
			if err != nil {
				return fmt.Errorf("decoding cert PEM: %w", err)
			}
			keyPEMBytes, err := base64.StdEncoding.DecodeString(ctx.String("key-pem"))
			if err != nil {
				return fmt.Errorf("decoding key PEM: %w", err)
			}

			var heartbeatFailureHandler func()
			switch onHeartbeatFailure {
			case "shutdown":
				heartbeatFailureHandler = agent.HeartbeatFailureShutdown
			case "exit":
				heartbeatFailureHandler = agent.HeartbeatFailureExit
			case "none":
				// nothing
			default:
				return fmt.Errorf("unsupported on-heartbeat-failure %q", onHeartbeatFailure)
			}

			heartbeatTimeout, err := time.ParseDuration(heartbeatTimeoutStr)
			if err != nil {
				return fmt.Errorf("parsing heartbeat timeout: %w", err)
			}

			logLevel, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			serviceOpts := []guest.Option{
				guest.WithProtocolVersion(uint32(ctx.Uint("protocol-version"))),
				guest.WithMaxProcesses(ctx.Int("max-processes")),
			}
			var auths []guest.Authenticator
			if users := ctx.StringSlice("allow-user"); len(users) > 0 {
				auths = append(auths, guest.AllowUsers(users...))
			}
			if f := ctx.String("password-file"); f != "" {
				passwords, err := guest.PasswordFile(f)
				if err != nil {
					return err
				}
				auths = append(auths, passwords)
			}
			if len(auths) > 0 {
				serviceOpts = append(serviceOpts, guest.WithAuthenticator(guest.Chain(auths...)))
			}

			agent, err := agent.NewGuestAgent(
				caCertPEMBytes,
				certPEMBytes,
				keyPEMBytes,
				agent.WithLogLevel(logLevel),
				agent.WithHeartbeatTimeout(heartbeatTimeout),
				agent.WithListenAddr(ctx.String("listen-addr")),
				agent.WithVsockPort(uint32(ctx.Uint("vsock-port"))),
				agent.WithHeartbeatFailureHandler(heartbeatFailureHandler),
				agent.WithServiceOptions(serviceOpts...),
			)
			if err != nil {
				return fmt.Errorf("building agent: %w", err)
			}

			err = agent.Run()
			if err != nil {
				if err != http.ErrServerClosed {
					return err
				}
			}

			return nil
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
