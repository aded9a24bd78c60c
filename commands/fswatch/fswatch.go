// Package fswatch publishes a directory listing as a subscribable command and
// re-notifies subscribers whenever the directory changes on disk.
package fswatch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/ggoodman/cometd-server-go/backend"
	"github.com/ggoodman/cometd-server-go/commands"
)

// CommandName is the command registered by Watcher.
const CommandName = "files"

// Entry is one row of the listing.
type Entry struct {
	Name    string    `json:"name"`
	Dir     bool      `json:"dir"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mtime"`
}

// Watcher lists a directory tree and re-runs subscribed "files" commands when
// it changes.
type Watcher struct {
	root    string
	reg     *commands.Registry
	log     *slog.Logger
	running atomic.Bool
}

// Option configures a Watcher.
type Option func(*Watcher)

// WithLogger sets a custom logger for the Watcher.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// New registers the files command on reg for the directory root.
func New(root string, reg *commands.Registry, opts ...Option) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve watch dir: %w", err)
	}
	fi, err := os.Stat(abs)
	if err != nil {
		return nil, fmt.Errorf("stat watch dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, fmt.Errorf("watch dir %s is not a directory", abs)
	}
	w := &Watcher{root: abs, reg: reg, log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	reg.Handle(CommandName, w.list)
	return w, nil
}

// list answers "files [subdir]".
func (w *Watcher) list(ctx context.Context, req commands.Request) (any, error) {
	dir := w.root
	if len(req.Args) > 0 && req.Args[0] != "" {
		p := filepath.Join(w.root, filepath.FromSlash(req.Args[0]))
		if !within(p, w.root) {
			return nil, backend.Statusf("path %q escapes the watched directory", req.Args[0])
		}
		dir = p
	}
	des, err := os.ReadDir(dir)
	if err != nil {
		return nil, backend.Statusf("cannot list directory")
	}
	out := make([]Entry, 0, len(des))
	for _, d := range des {
		e := Entry{Name: d.Name(), Dir: d.IsDir()}
		if info, err := d.Info(); err == nil {
			e.Size = info.Size()
			e.ModTime = info.ModTime().UTC()
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return map[string]any{"entries": out}, nil
}

// Run watches the tree until ctx is done. It returns nil on cancellation.
func (w *Watcher) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}
	defer w.running.Store(false)

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer func() {
		_ = fw.Close()
	}()

	err = filepath.WalkDir(w.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return nil
		}
		return fw.Add(p)
	})
	if err != nil {
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	w.log.InfoContext(ctx, "fswatch.run.start", slog.String("root", w.root))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			// Maintain watches on newly created directories.
			if ev.Has(fsnotify.Create) {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					_ = fw.Add(ev.Name)
				}
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) || ev.Has(fsnotify.Write) {
				w.log.DebugContext(ctx, "fswatch.change", slog.String("path", ev.Name), slog.String("op", ev.Op.String()))
				w.reg.Notify(ctx, CommandName)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.WarnContext(ctx, "fswatch.error", slog.String("err", err.Error()))
		}
	}
}

func within(p, root string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !filepath.IsAbs(rel) && !startsWithDotDot(rel))
}

func startsWithDotDot(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}
