package main

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"

	"github.com/guseggert/guestctl/agent"
	"github.com/guseggert/guestctl/host/toolbox"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

var copyFlags = []cli.Flag{
	&cli.BoolFlag{
		Name:  "dryrun",
		Usage: "Print what would be copied without copying.",
	},
	&cli.BoolFlag{
		Name:    "follow",
		Aliases: []string{"L"},
		Usage:   "Follow symbolic links.",
	},
	&cli.BoolFlag{
		Name:    "recursive",
		Aliases: []string{"R"},
		Usage:   "Copy directories recursively.",
	},
	&cli.StringFlag{
		Name:  "target-directory",
		Usage: "Copy every source into this directory.",
	},
}

var copyFromCommand = &cli.Command{
	Name:      "copyfrom",
	Usage:     "copy files from the guest",
	ArgsUsage: "<guest-src...> <host-dest>",
	Flags:     withCredentialFlags(copyFlags...),
	Action: func(c *cli.Context) error {
		return runCopy(c, func(ctx context.Context, tb *toolbox.Toolbox, srcs []string, dest string, opts toolbox.CopyOptions) ([]toolbox.Transfer, error) {
			return tb.CopyFrom(ctx, srcs, dest, opts)
		})
	},
}

var copyToCommand = &cli.Command{
	Name:      "copyto",
	Usage:     "copy files to the guest",
	ArgsUsage: "<host-src...> <guest-dest>",
	Flags:     withCredentialFlags(copyFlags...),
	Action: func(c *cli.Context) error {
		return runCopy(c, func(ctx context.Context, tb *toolbox.Toolbox, srcs []string, dest string, opts toolbox.CopyOptions) ([]toolbox.Transfer, error) {
			return tb.CopyTo(ctx, srcs, dest, opts)
		})
	},
}

type copyFunc func(ctx context.Context, tb *toolbox.Toolbox, srcs []string, dest string, opts toolbox.CopyOptions) ([]toolbox.Transfer, error)

// copyArgs splits the positional arguments into sources and destination.
func copyArgs(args []string, targetDir string) ([]string, string, error) {
	if targetDir != "" {
		if len(args) == 0 {
			return nil, "", fmt.Errorf("no sources given")
		}
		return args, targetDir, nil
	}
	if len(args) < 2 {
		return nil, "", fmt.Errorf("need at least one source and a destination")
	}
	return args[:len(args)-1], args[len(args)-1], nil
}

func runCopy(c *cli.Context, do copyFunc) error {
	srcs, dest, err := copyArgs(c.Args().Slice(), c.String("target-directory"))
	if err != nil {
		return err
	}
	opts := toolbox.CopyOptions{
		Recursive:       c.Bool("recursive"),
		Follow:          c.Bool("follow"),
		DryRun:          c.Bool("dryrun"),
		TargetDirectory: c.String("target-directory") != "",
	}
	return withToolbox(c, func(ctx context.Context, tb *toolbox.Toolbox, log *zap.SugaredLogger) error {
		ts, err := do(ctx, tb, srcs, dest, opts)
		for _, t := range ts {
			if opts.DryRun {
				fmt.Printf("%s -> %s\n", t.Src, t.Dest)
				continue
			}
			log.Infow("copied", "src", t.Src, "dest", t.Dest)
		}
		return err
	})
}

var mkdirCommand = &cli.Command{
	Name:      "mkdir",
	Usage:     "create directories in the guest",
	ArgsUsage: "<dir...>",
	Flags: withCredentialFlags(
		&cli.StringFlag{
			Name:  "mode",
			Usage: "The octal permissions of the new directories.",
		},
		&cli.BoolFlag{
			Name:    "parents",
			Aliases: []string{"p"},
			Usage:   "Create missing parents, and succeed if the directory exists.",
		},
	),
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return fmt.Errorf("no directories given")
		}
		opts := toolbox.MkdirOptions{Parents: c.Bool("parents")}
		if m := c.String("mode"); m != "" {
			mode, err := strconv.ParseUint(m, 8, 32)
			if err != nil {
				return fmt.Errorf("parsing mode: %w", err)
			}
			opts.Mode = os.FileMode(mode)
		}
		return withToolbox(c, func(ctx context.Context, tb *toolbox.Toolbox, _ *zap.SugaredLogger) error {
			return tb.Mkdir(ctx, c.Args().Slice(), opts)
		})
	},
}

var statCommand = &cli.Command{
	Name:      "stat",
	Usage:     "show file or file system status in the guest",
	ArgsUsage: "<path...>",
	Flags: withCredentialFlags(
		&cli.BoolFlag{
			Name:    "dereference",
			Aliases: []string{"L"},
			Usage:   "Follow symbolic links.",
		},
		&cli.BoolFlag{
			Name:    "file-system",
			Aliases: []string{"f"},
			Usage:   "Show file system status instead of file status.",
		},
		&cli.StringFlag{
			Name:    "format",
			Aliases: []string{"c"},
			Usage:   "The stat(1) output format.",
		},
	),
	Action: func(c *cli.Context) error {
		if c.NArg() == 0 {
			return fmt.Errorf("no paths given")
		}
		opts := toolbox.StatOptions{
			Dereference: c.Bool("dereference"),
			FileSystem:  c.Bool("file-system"),
			Format:      c.String("format"),
		}
		return withToolbox(c, func(ctx context.Context, tb *toolbox.Toolbox, _ *zap.SugaredLogger) error {
			out, err := tb.Stat(ctx, c.Args().Slice(), opts)
			fmt.Print(out)
			return err
		})
	},
}

func withToolbox(c *cli.Context, f func(ctx context.Context, tb *toolbox.Toolbox, log *zap.SugaredLogger) error) error {
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Sync()

	s, err := openSession(c.Context, c, log)
	if err != nil {
		return err
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Sugar().Debugf("error closing session: %s", err)
		}
	}()
	return f(c.Context, toolbox.New(s, toolbox.WithLogger(log)), log.Sugar())
}

var certsCommand = &cli.Command{
	Name:  "certs",
	Usage: "generate mTLS certificates for the agent and guestctl, as environment variables",
	Action: func(c *cli.Context) error {
		certs, err := agent.GenerateCerts()
		if err != nil {
			return fmt.Errorf("generating certs: %w", err)
		}
		enc := base64.StdEncoding.EncodeToString
		fmt.Println("# guest agent")
		fmt.Printf("GUESTCTL_CA_CERT_PEM=%s\n", enc(certs.CA.CertPEMBytes))
		fmt.Printf("GUESTCTL_CERT_PEM=%s\n", enc(certs.Server.CertPEMBytes))
		fmt.Printf("GUESTCTL_KEY_PEM=%s\n", enc(certs.Server.KeyPEMBytes))
		fmt.Println("# guestctl")
		fmt.Printf("GUESTCTL_CA_CERT_PEM=%s\n", enc(certs.CA.CertPEMBytes))
		fmt.Printf("GUESTCTL_CERT_PEM=%s\n", enc(certs.Client.CertPEMBytes))
		fmt.Printf("GUESTCTL_KEY_PEM=%s\n", enc(certs.Client.KeyPEMBytes))
		return nil
	},
}
