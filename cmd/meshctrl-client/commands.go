package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"path"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/smnsjas/go-meshctrl"
	"github.com/smnsjas/go-meshctrl/client"
)

// errUsage marks errors that should print command help.
var errUsage = errors.New("usage")

const commandHelp = `Commands:
  groups                         list device groups
  ls <dir>                       list a directory on the device
  mkdir <dir>                    create a directory
  rm [-r] <dir> <name>...        remove entries of a directory
  rename <dir> <old> <new>       rename an entry
  upload <local> <remote>        upload a local file
  download <remote> <local>      download a remote file
  events [duration]              print server events (default until interrupted)
  help                           show this help
`

// runner executes commands against one session and device.
type runner struct {
	session *client.Session
	node    string
	unique  bool
	out     io.Writer
}

func (r *runner) run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: no command", errUsage)
	}
	cmd, args := args[0], args[1:]

	needsNode := cmd != "groups" && cmd != "events" && cmd != "help"
	if needsNode && r.node == "" {
		return errors.New("no device selected (use -node or 'node <id>')")
	}

	switch cmd {
	case "help":
		fmt.Fprint(r.out, commandHelp)
		return nil
	case "groups":
		return r.groups(ctx)
	case "ls":
		return r.ls(ctx, argOr(args, 0, "/"))
	case "mkdir":
		if len(args) != 1 {
			return fmt.Errorf("%w: mkdir <dir>", errUsage)
		}
		return r.mkdir(ctx, args[0])
	case "rm":
		return r.rm(ctx, args)
	case "rename":
		if len(args) != 3 {
			return fmt.Errorf("%w: rename <dir> <old> <new>", errUsage)
		}
		return r.rename(ctx, args[0], args[1], args[2])
	case "upload":
		if len(args) != 2 {
			return fmt.Errorf("%w: upload <local> <remote>", errUsage)
		}
		return r.upload(ctx, args[0], args[1])
	case "download":
		if len(args) != 2 {
			return fmt.Errorf("%w: download <remote> <local>", errUsage)
		}
		return r.download(ctx, args[0], args[1])
	case "events":
		return r.events(ctx, args)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func argOr(args []string, i int, def string) string {
	if i < len(args) {
		return args[i]
	}
	return def
}

func (r *runner) groups(ctx context.Context) error {
	groups, err := r.session.ListDeviceGroups(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME")
	for _, g := range groups {
		fmt.Fprintf(tw, "%s\t%s\n", g.String("_id"), g.String("name"))
	}
	return tw.Flush()
}

func (r *runner) ls(ctx context.Context, dir string) error {
	files, err := r.session.FileExplorer(ctx, r.node, r.unique)
	if err != nil {
		return err
	}
	if r.unique {
		defer files.Close()
	}

	entries, err := files.Ls(ctx, dir)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	for _, e := range entries {
		kind, size := "-", formatBytes(e.Size)
		switch e.Type {
		case meshctrl.FileTypeDirectory:
			kind, size = "d", ""
		case meshctrl.FileTypeDrive:
			kind, size = "D", ""
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", kind, size, e.Modified, e.Name)
	}
	return tw.Flush()
}

func (r *runner) mkdir(ctx context.Context, dir string) error {
	files, err := r.session.FileExplorer(ctx, r.node, r.unique)
	if err != nil {
		return err
	}
	if r.unique {
		defer files.Close()
	}

	created, err := files.Mkdir(ctx, dir)
	if err != nil {
		return err
	}
	if !created {
		fmt.Fprintf(r.out, "%s: agent did not report a new folder\n", dir)
	}
	return nil
}

func (r *runner) rm(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("rm", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	recursive := fs.Bool("r", false, "remove directories recursively")
	if err := fs.Parse(args); err != nil || fs.NArg() < 2 {
		return fmt.Errorf("%w: rm [-r] <dir> <name>...", errUsage)
	}

	files, err := r.session.FileExplorer(ctx, r.node, r.unique)
	if err != nil {
		return err
	}
	if r.unique {
		defer files.Close()
	}

	text, err := files.Rm(ctx, fs.Arg(0), fs.Args()[1:], *recursive)
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, text)
	return nil
}

func (r *runner) rename(ctx context.Context, dir, oldName, newName string) error {
	files, err := r.session.FileExplorer(ctx, r.node, r.unique)
	if err != nil {
		return err
	}
	if r.unique {
		defer files.Close()
	}

	text, err := files.Rename(ctx, dir, oldName, newName)
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, text)
	return nil
}

func (r *runner) upload(ctx context.Context, local, remote string) error {
	if strings.HasSuffix(remote, "/") {
		remote = path.Join(remote, path.Base(strings.ReplaceAll(local, "\\", "/")))
	}
	start := time.Now()
	stats, err := r.session.UploadFile(ctx, r.node, local, remote, r.unique)
	if err != nil {
		return fmt.Errorf("upload %s: %w (sent %s)", local, err, formatBytes(stats.Size))
	}
	fmt.Fprintf(r.out, "%s -> %s: %s in %v\n", local, remote, formatBytes(stats.Size), time.Since(start).Round(time.Millisecond))
	return nil
}

func (r *runner) download(ctx context.Context, remote, local string) error {
	start := time.Now()
	stats, err := r.session.DownloadFile(ctx, r.node, remote, local, r.unique)
	if err != nil {
		return fmt.Errorf("download %s: %w (received %s)", remote, err, formatBytes(stats.Size))
	}
	fmt.Fprintf(r.out, "%s -> %s: %s in %v\n", remote, local, formatBytes(stats.Size), time.Since(start).Round(time.Millisecond))
	return nil
}

func (r *runner) events(ctx context.Context, args []string) error {
	if len(args) > 0 {
		d, err := time.ParseDuration(args[0])
		if err != nil {
			return fmt.Errorf("%w: events [duration]", errUsage)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	enc := json.NewEncoder(r.out)
	for m := range r.session.Events(ctx, nil) {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	if err := r.session.Err(); err != nil && !r.session.Alive() {
		return err
	}
	return nil
}

// formatBytes converts bytes to human-readable format (KB, MB, GB).
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/GB)
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/MB)
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/KB)
	default:
		return fmt.Sprintf("%d bytes", bytes)
	}
}
