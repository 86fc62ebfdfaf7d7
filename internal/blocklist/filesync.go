package blocklist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/inercia/edgeguard/internal/fileutil"
	"github.com/inercia/edgeguard/internal/identity"
	"github.com/inercia/edgeguard/internal/store"
)

// DebounceDelay is the default delay for batching file system events.
const DebounceDelay = 100 * time.Millisecond

// FileReason is the reason recorded for IPs added from the blocklist file.
const FileReason = "blocklist file"

// FileSync mirrors a plain-text blocklist file (one IP per line, '#' comments)
// into a Blocklist. Ownership is read back from the store: only entries whose
// reason is FileReason are removed when they leave the file, and IPs already
// blocked for another reason are never touched.
type FileSync struct {
	bl     *Blocklist
	path   string
	logger *slog.Logger

	// mu serializes Sync calls from the watcher and callers.
	mu sync.Mutex

	watcher       *fsnotify.Watcher
	debounceDelay time.Duration
	debounceMu    sync.Mutex
	debounceTimer *time.Timer

	done    chan struct{}
	stopped chan struct{}
}

// NewFileSync creates a syncer for path. Call Sync for a one-shot import or
// Start to keep watching.
func NewFileSync(bl *Blocklist, path string) *FileSync {
	return &FileSync{
		bl:            bl,
		path:          path,
		logger:        bl.logger.With("file", path),
		debounceDelay: DebounceDelay,
	}
}

// SetDebounceDelay must be called before Start.
func (fs *FileSync) SetDebounceDelay(d time.Duration) {
	fs.debounceDelay = d
}

// Sync reads the file and reconciles it with the file-owned entries in the
// store. A missing file is treated as empty.
func (fs *FileSync) Sync(ctx context.Context) error {
	lines, err := fileutil.ReadLines(fs.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read blocklist file: %w", err)
	}

	current := make(map[string]struct{}, len(lines))
	for _, line := range lines {
		ip := identity.NormalizeIP(line)
		if ip == "" {
			fs.logger.Warn("blocklist_file_invalid_entry", "entry", line)
			continue
		}
		current[ip] = struct{}{}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	entries, err := fs.bl.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list blocked IPs: %w", err)
	}
	reasons := make(map[string]string, len(entries))
	for _, e := range entries {
		reasons[e.IPAddress] = e.Reason
	}

	var errs []error
	added, removed, owned := 0, 0, 0
	for ip := range current {
		if reason, ok := reasons[ip]; ok {
			if reason != FileReason {
				fs.logger.Debug("blocklist_file_entry_already_blocked", "ip", ip, "reason", reason)
			} else {
				owned++
			}
			continue
		}
		if err := fs.bl.Add(ctx, ip, FileReason); err != nil {
			if errors.Is(err, ErrWhitelisted) {
				fs.logger.Warn("blocklist_file_whitelisted_entry", "ip", ip)
				continue
			}
			errs = append(errs, err)
			continue
		}
		added++
		owned++
	}
	for ip, reason := range reasons {
		if reason != FileReason {
			continue
		}
		if _, ok := current[ip]; ok {
			continue
		}
		if err := fs.bl.Remove(ctx, ip); err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = append(errs, err)
			continue
		}
		removed++
	}

	if added > 0 || removed > 0 {
		fs.logger.Info("blocklist_file_synced", "added", added, "removed", removed, "total", owned)
	}
	return errors.Join(errs...)
}

// Start performs an initial sync and then watches the file's directory.
// The directory is watched rather than the file so atomic replacements are seen.
func (fs *FileSync) Start(ctx context.Context) error {
	if err := fs.Sync(ctx); err != nil {
		fs.logger.Warn("blocklist_file_sync_failed", "error", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(fs.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(fs.path), err)
	}

	fs.watcher = watcher
	fs.done = make(chan struct{})
	fs.stopped = make(chan struct{})
	go fs.eventLoop(ctx)
	return nil
}

// Close stops watching. It is a no-op if Start was never called.
func (fs *FileSync) Close() error {
	if fs.watcher == nil {
		return nil
	}
	close(fs.done)
	err := fs.watcher.Close()
	<-fs.stopped

	fs.debounceMu.Lock()
	if fs.debounceTimer != nil {
		fs.debounceTimer.Stop()
		fs.debounceTimer = nil
	}
	fs.debounceMu.Unlock()
	return err
}

func (fs *FileSync) eventLoop(ctx context.Context) {
	defer close(fs.stopped)

	target := filepath.Clean(fs.path)
	for {
		select {
		case <-fs.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-fs.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
				event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				fs.schedule(ctx)
			}

		case err, ok := <-fs.watcher.Errors:
			if !ok {
				return
			}
			fs.logger.Warn("blocklist_watcher_error", "error", err)
		}
	}
}

func (fs *FileSync) schedule(ctx context.Context) {
	fs.debounceMu.Lock()
	defer fs.debounceMu.Unlock()

	if fs.debounceTimer != nil {
		fs.debounceTimer.Stop()
	}
	fs.debounceTimer = time.AfterFunc(fs.debounceDelay, func() {
		if err := fs.Sync(ctx); err != nil {
			fs.logger.Warn("blocklist_file_sync_failed", "error", err)
		}
	})
}
