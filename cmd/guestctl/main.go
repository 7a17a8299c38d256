package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/guseggert/guestctl/agent"
	"github.com/guseggert/guestctl/host"
	"github.com/guseggert/guestctl/transport"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const waitForServerTimeout = 30 * time.Second

func main() {
	app := &cli.App{
		Name:  "guestctl",
		Usage: "control processes and files in a guest through its agent",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "The IP address of the guest agent.",
				Value: "127.0.0.1",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "The port of the guest agent, TCP or vsock.",
				Value: 8080,
			},
			&cli.UintFlag{
				Name:  "vsock-cid",
				Usage: "Dial the agent over AF_VSOCK at this context ID instead of TCP.",
			},
			&cli.StringFlag{
				Name:  "codec",
				Usage: "The frame encoding to use. One of [json,cbor].",
				Value: string(transport.CodecJSON),
			},
			&cli.StringFlag{
				Name:    "ca-cert-pem",
				Usage:   "The CA cert PEM bytes to use (base64-encoded).",
				EnvVars: []string{"GUESTCTL_CA_CERT_PEM"},
			},
			&cli.StringFlag{
				Name:    "cert-pem",
				Usage:   "The client cert PEM bytes to use (base64-encoded).",
				EnvVars: []string{"GUESTCTL_CERT_PEM"},
			},
			&cli.StringFlag{
				Name:    "key-pem",
				Usage:   "The client key PEM bytes to use (base64-encoded).",
				EnvVars: []string{"GUESTCTL_KEY_PEM"},
			},
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "Log protocol traffic.",
			},
		},
		Commands: []*cli.Command{
			execCommand,
			copyFromCommand,
			copyToCommand,
			mkdirCommand,
			statCommand,
			certsCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var credentialFlags = []cli.Flag{
	&cli.StringFlag{
		Name:     "username",
		Usage:    "The guest user to run as.",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "password",
		Usage: "The password of the guest user.",
	},
	&cli.StringFlag{
		Name:  "passwordfile",
		Usage: "Read the password from the first line of this file.",
	},
	&cli.StringFlag{
		Name:  "domain",
		Usage: "The domain of the guest user.",
	},
}

func withCredentialFlags(flags ...cli.Flag) []cli.Flag {
	return append(append([]cli.Flag{}, credentialFlags...), flags...)
}

func newLogger(c *cli.Context) (*zap.Logger, error) {
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	if !c.Bool("verbose") {
		l = l.WithOptions(zap.IncreaseLevel(zapcore.WarnLevel))
	}
	return l, nil
}

func password(c *cli.Context) (string, error) {
	if f := c.String("passwordfile"); f != "" {
		b, err := os.ReadFile(f)
		if err != nil {
			return "", fmt.Errorf("reading password file: %w", err)
		}
		line, _, _ := strings.Cut(string(b), "\n")
		return strings.TrimSuffix(line, "\r"), nil
	}
	return c.String("password"), nil
}

func decodePEM(c *cli.Context, name string) ([]byte, error) {
	s := c.String(name)
	if s == "" {
		return nil, fmt.Errorf("--%s is required", name)
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decoding %s: %w", name, err)
	}
	return b, nil
}

// openSession connects to the agent and logs on with the command's credentials.
func openSession(ctx context.Context, c *cli.Context, log *zap.Logger, opts ...host.Option) (*host.Session, error) {
	caCertPEM, err := decodePEM(c, "ca-cert-pem")
	if err != nil {
		return nil, err
	}
	certPEM, err := decodePEM(c, "cert-pem")
	if err != nil {
		return nil, err
	}
	keyPEM, err := decodePEM(c, "key-pem")
	if err != nil {
		return nil, err
	}
	certs := &agent.Certs{
		CA:     agent.CACert{CertPEMBytes: caCertPEM},
		Client: agent.Cert{CertPEMBytes: certPEM, KeyPEMBytes: keyPEM},
	}

	codec, err := transport.ParseCodec(c.String("codec"))
	if err != nil {
		return nil, err
	}
	clientOpts := []agent.ClientOption{agent.WithClientLogger(log), agent.WithClientCodec(codec)}
	if cid := c.Uint("vsock-cid"); cid != 0 {
		clientOpts = append(clientOpts, agent.WithClientVsock(uint32(cid)))
	}
	client, err := agent.NewClient(log.Sugar(), certs, c.String("addr"), c.Int("port"), clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("building client: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, waitForServerTimeout)
	defer cancel()
	if err := client.WaitForServer(waitCtx); err != nil {
		return nil, fmt.Errorf("waiting for agent: %w", err)
	}

	pw, err := password(c)
	if err != nil {
		return nil, err
	}
	opts = append([]host.Option{host.WithCredentials(c.String("username"), pw, c.String("domain"))}, opts...)
	return client.OpenSession(ctx, opts...)
}
