package toolbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var ErrIsDirectory = errors.New("is a directory")

// run executes a helper program and fails with an ExitError unless it exits with 0.
func (t *Toolbox) run(ctx context.Context, program string, args []string, stdin io.Reader, stdout io.Writer) error {
	var stderr bytes.Buffer
	res, err := t.Exec(ctx, Command{Path: program, Args: args, Stdin: stdin, Stdout: stdout, Stderr: &stderr})
	if err != nil {
		return fmt.Errorf("running %s: %w", program, err)
	}
	if !res.Success() {
		return &ExitError{Result: res, Program: program, Stderr: strings.TrimSpace(stderr.String())}
	}
	return nil
}

func (t *Toolbox) sh(ctx context.Context, script string, args []string, stdin io.Reader, stdout io.Writer) error {
	return t.run(ctx, t.shell, append([]string{"-c", script, "sh"}, args...), stdin, stdout)
}

type CopyOptions struct {
	Recursive bool
	// Follow copies what symbolic links point to. Without it links are skipped.
	Follow bool
	// DryRun reports the transfers without making them.
	DryRun bool
	// TargetDirectory copies every source into dest by base name. It is implied by multiple sources.
	TargetDirectory bool
}

// Transfer is one file or directory copied.
type Transfer struct {
	Src  string
	Dest string
	Dir  bool
}

func targets(srcs []string, dest string, opts CopyOptions, base func(string) string, join func(...string) string) []string {
	into := opts.TargetDirectory || len(srcs) > 1
	out := make([]string, len(srcs))
	for i, src := range srcs {
		out[i] = dest
		if into {
			out[i] = join(dest, base(src))
		}
	}
	return out
}

// CopyTo copies local files to the guest.
func (t *Toolbox) CopyTo(ctx context.Context, srcs []string, dest string, opts CopyOptions) ([]Transfer, error) {
	var transfers []Transfer
	for i, target := range targets(srcs, dest, opts, filepath.Base, path.Join) {
		src := srcs[i]
		ts, err := t.planTo(src, target, opts)
		if err != nil {
			return transfers, err
		}
		if !opts.DryRun {
			if err := t.applyTo(ctx, ts); err != nil {
				return transfers, err
			}
		}
		transfers = append(transfers, ts...)
	}
	return transfers, nil
}

func (t *Toolbox) planTo(src, dest string, opts CopyOptions) ([]Transfer, error) {
	stat := os.Lstat
	if opts.Follow {
		stat = os.Stat
	}
	fi, err := stat(src)
	if err != nil {
		return nil, err
	}
	switch {
	case fi.Mode().IsRegular():
		return []Transfer{{Src: src, Dest: dest}}, nil
	case fi.Mode()&fs.ModeSymlink != 0:
		t.log.Warnw("skipping symbolic link", "path", src)
		return nil, nil
	case !fi.IsDir():
		t.log.Warnw("skipping special file", "path", src)
		return nil, nil
	case !opts.Recursive:
		return nil, fmt.Errorf("%s: %w", src, ErrIsDirectory)
	}

	var ts []Transfer
	err = filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := path.Join(dest, filepath.ToSlash(rel))
		if d.IsDir() {
			ts = append(ts, Transfer{Src: p, Dest: target, Dir: true})
			return nil
		}
		mode := d.Type()
		if mode&fs.ModeSymlink != 0 && opts.Follow {
			fi, err := os.Stat(p)
			if err != nil {
				return err
			}
			mode = fi.Mode()
		}
		if !mode.IsRegular() {
			t.log.Warnw("skipping", "path", p, "mode", mode.String())
			return nil
		}
		ts = append(ts, Transfer{Src: p, Dest: target})
		return nil
	})
	return ts, err
}

func (t *Toolbox) applyTo(ctx context.Context, ts []Transfer) error {
	var dirs []string
	for _, tr := range ts {
		if tr.Dir {
			dirs = append(dirs, tr.Dest)
		}
	}
	if len(dirs) > 0 {
		if err := t.Mkdir(ctx, dirs, MkdirOptions{Parents: true}); err != nil {
			return err
		}
	}
	for _, tr := range ts {
		if tr.Dir {
			continue
		}
		if err := t.copyFileTo(ctx, tr.Src, tr.Dest); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolbox) copyFileTo(ctx context.Context, src, dest string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	t.log.Debugw("copying to guest", "src", src, "dest", dest)
	mode := fmt.Sprintf("%o", fi.Mode().Perm())
	if err := t.sh(ctx, `cat > "$1" && chmod "$2" "$1"`, []string{dest, mode}, f, nil); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dest, err)
	}
	return nil
}

// CopyFrom copies guest files to the local machine.
func (t *Toolbox) CopyFrom(ctx context.Context, srcs []string, dest string, opts CopyOptions) ([]Transfer, error) {
	var transfers []Transfer
	for i, target := range targets(srcs, dest, opts, path.Base, filepath.Join) {
		src := srcs[i]
		ts, err := t.planFrom(ctx, src, target, opts)
		if err != nil {
			return transfers, err
		}
		if !opts.DryRun {
			if err := t.applyFrom(ctx, ts); err != nil {
				return transfers, err
			}
		}
		transfers = append(transfers, ts...)
	}
	return transfers, nil
}

const kindScript = `if [ -L "$1" ] && [ "$2" != follow ]; then echo link
elif [ -d "$1" ]; then echo dir
elif [ -f "$1" ]; then echo file
elif [ -e "$1" ]; then echo other
else echo missing; fi`

func (t *Toolbox) kind(ctx context.Context, p string, follow bool) (string, error) {
	mode := "nofollow"
	if follow {
		mode = "follow"
	}
	var out bytes.Buffer
	if err := t.sh(ctx, kindScript, []string{p, mode}, nil, &out); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// find lists entries of the given find type below dir, relative to it.
func (t *Toolbox) find(ctx context.Context, dir, typ string, follow bool) ([]string, error) {
	var args []string
	if follow {
		args = append(args, "-L")
	}
	args = append(args, dir, "-mindepth", "1", "-type", typ, "-print0")
	var out bytes.Buffer
	if err := t.run(ctx, "find", args, nil, &out); err != nil {
		return nil, err
	}
	var rels []string
	for _, p := range strings.Split(out.String(), "\x00") {
		if p == "" {
			continue
		}
		rels = append(rels, strings.TrimPrefix(strings.TrimPrefix(p, dir), "/"))
	}
	return rels, nil
}

func (t *Toolbox) planFrom(ctx context.Context, src, dest string, opts CopyOptions) ([]Transfer, error) {
	k, err := t.kind(ctx, src, opts.Follow)
	if err != nil {
		return nil, err
	}
	switch k {
	case "file":
		return []Transfer{{Src: src, Dest: dest}}, nil
	case "missing":
		return nil, fmt.Errorf("%s: %w", src, fs.ErrNotExist)
	case "link", "other":
		t.log.Warnw("skipping", "path", src, "kind", k)
		return nil, nil
	}
	if !opts.Recursive {
		return nil, fmt.Errorf("%s: %w", src, ErrIsDirectory)
	}

	ts := []Transfer{{Src: src, Dest: dest, Dir: true}}
	dirs, err := t.find(ctx, src, "d", opts.Follow)
	if err != nil {
		return nil, err
	}
	for _, rel := range dirs {
		ts = append(ts, Transfer{Src: path.Join(src, rel), Dest: filepath.Join(dest, filepath.FromSlash(rel)), Dir: true})
	}
	files, err := t.find(ctx, src, "f", opts.Follow)
	if err != nil {
		return nil, err
	}
	for _, rel := range files {
		ts = append(ts, Transfer{Src: path.Join(src, rel), Dest: filepath.Join(dest, filepath.FromSlash(rel))})
	}
	return ts, nil
}

func (t *Toolbox) applyFrom(ctx context.Context, ts []Transfer) error {
	for _, tr := range ts {
		if tr.Dir {
			if err := os.MkdirAll(tr.Dest, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := t.copyFileFrom(ctx, tr.Src, tr.Dest); err != nil {
			return err
		}
	}
	return nil
}

func (t *Toolbox) copyFileFrom(ctx context.Context, src, dest string) (err error) {
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	t.log.Debugw("copying from guest", "src", src, "dest", dest)
	if err := t.run(ctx, "cat", []string{"--", src}, nil, f); err != nil {
		return fmt.Errorf("copying %s to %s: %w", src, dest, err)
	}
	return nil
}

type MkdirOptions struct {
	Parents bool
	// Mode is applied to the created directories when non-zero.
	Mode os.FileMode
}

func (t *Toolbox) Mkdir(ctx context.Context, dirs []string, opts MkdirOptions) error {
	var args []string
	if opts.Parents {
		args = append(args, "-p")
	}
	if opts.Mode != 0 {
		args = append(args, "-m", fmt.Sprintf("%o", opts.Mode.Perm()))
	}
	args = append(args, "--")
	return t.run(ctx, "mkdir", append(args, dirs...), nil, nil)
}

type StatOptions struct {
	Dereference bool
	FileSystem  bool
	// Format is passed to stat -c.
	Format string
}

// Stat returns the output of stat(1) for paths.
func (t *Toolbox) Stat(ctx context.Context, paths []string, opts StatOptions) (string, error) {
	var args []string
	if opts.Dereference {
		args = append(args, "-L")
	}
	if opts.FileSystem {
		args = append(args, "-f")
	}
	if opts.Format != "" {
		args = append(args, "-c", opts.Format)
	}
	args = append(args, "--")
	var out bytes.Buffer
	if err := t.run(ctx, "stat", append(args, paths...), nil, &out); err != nil {
		return "", err
	}
	return out.String(), nil
}
