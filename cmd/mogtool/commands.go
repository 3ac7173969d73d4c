package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/objectfs/mogilefs/internal/config"
	"github.com/objectfs/mogilefs/internal/fuse"
	"github.com/objectfs/mogilefs/internal/health"
	"github.com/objectfs/mogilefs/internal/tracker"
	"github.com/objectfs/mogilefs/pkg/errors"
	"github.com/objectfs/mogilefs/pkg/logging"
	"github.com/objectfs/mogilefs/pkg/mogilefs"
	"github.com/objectfs/mogilefs/pkg/types"
)

// env is what a command runs against.
type env struct {
	cfg    *config.Configuration
	fs     types.FileSystem
	logger *logging.Logger
	stdin  io.Reader
	stdout io.Writer
}

type command struct {
	name    string
	aliases []string
	args    string
	minArgs int
	maxArgs int
	run     func(ctx context.Context, e *env, args []string) error
}

var commands = []command{
	{name: "inject", aliases: []string{"i", "store"}, args: "<file> <key>", minArgs: 2, maxArgs: 2, run: doInject},
	{name: "extract", aliases: []string{"x", "fetch"}, args: "<key> <file>", minArgs: 2, maxArgs: 2, run: doExtract},
	{name: "delete", aliases: []string{"rm"}, args: "<key>", minArgs: 1, maxArgs: 1, run: doDelete},
	{name: "rename", aliases: []string{"mv"}, args: "<from> <to>", minArgs: 2, maxArgs: 2, run: doRename},
	{name: "locate", aliases: []string{"lo"}, args: "<key>", minArgs: 1, maxArgs: 1, run: doLocate},
	{name: "list", aliases: []string{"ls", "listkey", "lsk"}, args: "[prefix]", minArgs: 0, maxArgs: 1, run: doList},
	{name: "sleep", args: "<seconds>", minArgs: 1, maxArgs: 1, run: doSleep},
	{name: "check", aliases: []string{"status"}, minArgs: 0, maxArgs: 0, run: doCheck},
	{name: "mount", args: "<dir>", minArgs: 1, maxArgs: 1, run: doMount},
}

func lookupCommand(name string) (command, bool) {
	for _, c := range commands {
		if strings.EqualFold(c.name, name) {
			return c, true
		}
		for _, a := range c.aliases {
			if strings.EqualFold(a, name) {
				return c, true
			}
		}
	}
	return command{}, false
}

func doInject(ctx context.Context, e *env, args []string) error {
	file, key := args[0], args[1]
	class := e.cfg.Client.Class

	if file == "-" {
		fmt.Fprintf(e.stdout, "storing stdin as %s to %s\n", key, e.fs.Domain())
		return e.fs.StoreStream(ctx, key, class, e.stdin, -1)
	}

	info, err := os.Stat(file)
	if err != nil {
		return errors.Wrap(errors.ErrCodeClientError, err, "unable to read source file").
			WithContext("file", file)
	}
	fmt.Fprintf(e.stdout, "storing %s (%s) as %s to %s\n",
		file, datasize.ByteSize(info.Size()).HumanReadable(), key, e.fs.Domain())
	return e.fs.StoreFile(ctx, key, class, file)
}

func doExtract(ctx context.Context, e *env, args []string) error {
	key, file := args[0], args[1]
	if file != "-" {
		return e.fs.GetFile(ctx, key, file)
	}

	rc, err := e.fs.GetFileStream(ctx, key)
	if err != nil {
		return err
	}
	defer rc.Close()
	if _, err := io.Copy(e.stdout, rc); err != nil {
		return errors.Wrap(errors.ErrCodeStorageCommunication, err, "copy to stdout failed").
			WithContext("key", key)
	}
	return nil
}

func doDelete(ctx context.Context, e *env, args []string) error {
	return e.fs.Delete(ctx, args[0])
}

func doRename(ctx context.Context, e *env, args []string) error {
	return e.fs.Rename(ctx, args[0], args[1])
}

func doLocate(ctx context.Context, e *env, args []string) error {
	paths, err := e.fs.GetPaths(ctx, args[0], !e.cfg.Client.Verify)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Fprintln(e.stdout, p)
	}
	fmt.Fprintf(e.stdout, "#%d paths found\n", len(paths))
	return nil
}

func doList(ctx context.Context, e *env, args []string) error {
	prefix := ""
	if len(args) > 0 {
		prefix = args[0]
	}
	n := 0
	err := mogilefs.WalkKeys(ctx, e.fs, prefix, 0, func(key string) error {
		n++
		_, err := fmt.Fprintln(e.stdout, key)
		return err
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "#%d keys found\n", n)
	return nil
}

func doSleep(ctx context.Context, e *env, args []string) error {
	seconds, err := strconv.Atoi(args[0])
	if err != nil || seconds < 0 {
		return errors.Newf(errors.ErrCodeClientError, "invalid duration %q", args[0])
	}
	return e.fs.Sleep(ctx, seconds)
}

// healthChecker probes the backend and, for the tracker backend, each
// tracker on its own connection.
func healthChecker(e *env) (*health.Checker, error) {
	checker := health.NewChecker(e.cfg.Client.DialTimeout+e.cfg.Client.IOTimeout, e.logger)
	if err := checker.Register("domain "+e.fs.Domain(), health.PriorityCritical, health.BackendCheck(e.fs)); err != nil {
		return nil, err
	}
	if t := e.cfg.Backend.Type; t != config.BackendTracker && t != "" {
		return checker, nil
	}

	addrs, err := tracker.ParseAddresses(e.cfg.Client.Trackers)
	if err != nil {
		return nil, err
	}
	opts := tracker.Options{
		DialTimeout: e.cfg.Client.DialTimeout,
		IOTimeout:   e.cfg.Client.IOTimeout,
		Logger:      e.logger,
	}
	for _, addr := range addrs {
		if err := checker.Register("tracker "+addr.String(), health.PriorityNormal, health.TrackerCheck(addr, opts)); err != nil {
			return nil, err
		}
	}
	return checker, nil
}

func doCheck(ctx context.Context, e *env, args []string) error {
	checker, err := healthChecker(e)
	if err != nil {
		return err
	}
	report := checker.RunAll(ctx)
	for _, r := range report.Results {
		if r.Error != "" {
			fmt.Fprintf(e.stdout, "FAIL %s: %s\n", r.Check, r.Error)
			continue
		}
		fmt.Fprintf(e.stdout, "ok   %s (%s)\n", r.Check, r.Duration.Round(time.Microsecond))
	}
	fmt.Fprintf(e.stdout, "status: %s\n", report.Status)
	if report.Status == health.StatusUnhealthy {
		return errors.NewError(errors.ErrCodeNoTrackers, "backend is unreachable").
			WithComponent("mogtool")
	}
	return nil
}

func doMount(ctx context.Context, e *env, args []string) error {
	fcfg := fuse.DefaultConfig()
	fcfg.UID = uint32(os.Getuid())
	fcfg.GID = uint32(os.Getgid())
	if e.cfg.Mount.EntryTTL > 0 {
		fcfg.CacheTTL = e.cfg.Mount.EntryTTL
	}

	mgr := fuse.NewMountManager(fuse.NewFileSystem(e.fs, fcfg, e.logger), &fuse.MountConfig{
		MountPoint:   args[0],
		AllowOther:   e.cfg.Mount.AllowOther,
		Debug:        e.cfg.Mount.Debug,
		AttrTimeout:  fcfg.CacheTTL,
		EntryTimeout: fcfg.CacheTTL,
	})
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s mounted at %s, interrupt to unmount\n", e.fs.Domain(), args[0])
	mgr.Wait()

	stats := mgr.GetStats()
	e.logger.Info("unmounted", map[string]interface{}{
		"opens":      stats.Opens,
		"bytes_read": stats.BytesRead,
		"errors":     stats.Errors,
	})
	return nil
}
