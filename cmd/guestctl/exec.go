package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/guseggert/guestctl/host"
	"github.com/guseggert/guestctl/host/toolbox"
	"github.com/guseggert/guestctl/protocol"
	"github.com/urfave/cli/v2"
)

// exec exit codes, beyond the guest's own 0
const (
	exitOK          = 0
	exitFailure     = 16
	exitStartFailed = 17
	exitSignal      = 18
	exitAbnormal    = 19
	exitTimedOut    = 20
	exitDown        = 21
	exitCancelled   = 22
)

var execCommand = &cli.Command{
	Name:      "exec",
	Usage:     "run a program in the guest",
	ArgsUsage: "<program> [args...]",
	Flags: withCredentialFlags(
		&cli.Uint64Flag{
			Name:  "timeout",
			Usage: "Kill the program after this many milliseconds. 0 means no limit.",
		},
		&cli.BoolFlag{
			Name:  "wait-exit",
			Usage: "Wait for the program to exit.",
			Value: true,
		},
		&cli.BoolFlag{
			Name:  "wait-stdout",
			Usage: "Forward the program's stdout.",
		},
		&cli.BoolFlag{
			Name:  "wait-stderr",
			Usage: "Forward the program's stderr.",
		},
		&cli.StringSliceFlag{
			Name:    "environment",
			Aliases: []string{"e"},
			Usage:   "Set NAME=VALUE, or unset NAME, in the program's environment. May be repeated.",
		},
		&cli.StringFlag{
			Name:  "image",
			Usage: "The executable to run, overriding the program path.",
		},
		&cli.UintFlag{
			Name:  "flags",
			Usage: "Raw start flags, combined with the flags below.",
		},
		&cli.BoolFlag{
			Name:  "no-profile",
			Usage: "Do not load the user's profile.",
		},
		&cli.BoolFlag{
			Name:  "ignore-operhaned-processes",
			Usage: "Keep the program running when the connection goes away.",
		},
		&cli.BoolFlag{
			Name:  "hidden",
			Usage: "Start the program hidden.",
		},
		&cli.BoolFlag{
			Name:  "expand-args",
			Usage: "Expand $VAR references in arguments against the program's environment.",
		},
		&cli.BoolFlag{
			Name:  "dos2unix",
			Usage: "Convert CRLF line endings of the output to LF.",
		},
		&cli.BoolFlag{
			Name:  "unix2dos",
			Usage: "Convert LF line endings of the output to CRLF.",
		},
	),
	Action: runExec,
}

func startFlags(c *cli.Context) protocol.StartFlag {
	flags := protocol.StartFlag(c.Uint("flags"))
	if c.Bool("no-profile") {
		flags |= protocol.FlagNoProfile
	}
	if c.Bool("ignore-operhaned-processes") {
		flags |= protocol.FlagIgnoreOrphanedProcesses
	}
	if c.Bool("hidden") {
		flags |= protocol.FlagHidden
	}
	if c.Bool("expand-args") {
		flags |= protocol.FlagExpandArguments
	}
	if !c.Bool("wait-exit") && !c.Bool("wait-stdout") && !c.Bool("wait-stderr") {
		flags |= protocol.FlagWaitForProcessStartOnly
	}
	return flags
}

func runExec(c *cli.Context) error {
	if c.NArg() < 1 {
		return cli.Exit("exec needs a program to run", exitStartFailed)
	}
	if c.Bool("dos2unix") && c.Bool("unix2dos") {
		return cli.Exit("--dos2unix and --unix2dos are mutually exclusive", exitStartFailed)
	}
	log, err := newLogger(c)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, c, log)
	if err != nil {
		return cli.Exit(err, exitStartFailed)
	}
	defer func() {
		if err := s.Close(); err != nil {
			log.Sugar().Debugf("error closing session: %s", err)
		}
	}()

	program := c.Args().First()
	if image := c.String("image"); image != "" {
		program = image
	}
	cmd := toolbox.Command{
		Path:    program,
		Args:    c.Args().Tail(),
		Env:     c.StringSlice("environment"),
		Flags:   startFlags(c),
		Timeout: time.Duration(c.Uint64("timeout")) * time.Millisecond,
		Stdin:   os.Stdin,
	}

	var outputs []*lineEndingWriter
	wrap := func(w io.Writer) io.Writer {
		switch {
		case c.Bool("dos2unix"):
			lw := newLineEndingWriter(w, true)
			outputs = append(outputs, lw)
			return lw
		case c.Bool("unix2dos"):
			lw := newLineEndingWriter(w, false)
			outputs = append(outputs, lw)
			return lw
		}
		return w
	}
	if c.Bool("wait-stdout") {
		cmd.Stdout = wrap(os.Stdout)
	}
	if c.Bool("wait-stderr") {
		cmd.Stderr = wrap(os.Stderr)
	}

	tb := toolbox.New(s, toolbox.WithLogger(log))
	res, err := tb.Exec(ctx, cmd)
	for _, lw := range outputs {
		if ferr := lw.Flush(); ferr != nil {
			log.Sugar().Debugf("error flushing output: %s", ferr)
		}
	}
	if cmd.Flags.Has(protocol.FlagWaitForProcessStartOnly) && err == nil {
		return nil
	}

	code := exitCode(res, err)
	if code == exitOK {
		return nil
	}
	msg := fmt.Sprintf("%s: %s", program, res.Status)
	if err != nil {
		msg = fmt.Sprintf("%s: %s", program, err)
	}
	if code == exitFailure {
		msg = ""
	}
	return cli.Exit(msg, code)
}

// exitCode maps how a program ended onto the exit code of exec.
func exitCode(res toolbox.Result, err error) int {
	switch {
	case errors.Is(err, context.Canceled):
		return exitCancelled
	case errors.Is(err, protocol.ErrSpawnFailed):
		return exitStartFailed
	case err != nil && res.Status == host.StatusError:
		return exitStartFailed
	case err != nil:
		return exitAbnormal
	}

	switch res.Status {
	case host.StatusTerminatedNormally:
		if res.ExitCode == 0 {
			return exitOK
		}
		return exitFailure
	case host.StatusTerminatedBySignal:
		return exitSignal
	case host.StatusTerminatedAbnormally:
		return exitAbnormal
	case host.StatusTimedOutKilled, host.StatusTimedOutRunning:
		return exitTimedOut
	case host.StatusDown:
		return exitDown
	case host.StatusError:
		return exitStartFailed
	}
	return exitAbnormal
}
