// Package attachsync uploads attachment files listed in a manifest whenever
// they change on disk.
package attachsync

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/kechain/internal/checksum"
	"github.com/starford/kechain/internal/manifest"
	"github.com/starford/kechain/internal/storage"
	"github.com/starford/kechain/pkg/kechain"
)

// DefaultDebounce is how long a file must be quiet before it is uploaded.
const DefaultDebounce = 200 * time.Millisecond

// EventCallback is called after each upload attempt. err is nil on success.
type EventCallback func(file, propertyID string, err error)

// Syncer uploads mapped files below Root to their attachment properties.
type Syncer struct {
	client   *kechain.Client
	root     string
	store    storage.Provider
	manifest *manifest.Manifest
	logger   *slog.Logger

	// Debounce overrides DefaultDebounce when positive.
	Debounce time.Duration
	OnEvent  EventCallback

	mu sync.Mutex
	// uploaded holds the checksum of the last successful upload per file.
	uploaded map[string]string
}

// New returns a Syncer for the manifest m whose files live below root.
func New(c *kechain.Client, root string, m *manifest.Manifest, logger *slog.Logger) (*Syncer, error) {
	store, err := storage.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("attachsync: %w", err)
	}
	return &Syncer{
		client:   c,
		root:     root,
		store:    store,
		manifest: m,
		logger:   logger,
		uploaded: make(map[string]string),
	}, nil
}

// SyncAll uploads every mapped file that exists and changed since its last
// upload. It returns the number of files uploaded.
func (s *Syncer) SyncAll(ctx context.Context) (int, error) {
	blobs, err := s.store.List("")
	if err != nil {
		return 0, err
	}
	n := 0
	for _, b := range blobs {
		if _, ok := s.manifest.AttachmentFor(b.Path); !ok {
			continue
		}
		uploaded, err := s.sync(ctx, b.Path)
		if err != nil {
			return n, err
		}
		if uploaded {
			n++
		}
	}
	return n, nil
}

// sync uploads rel when it is mapped and its content changed.
func (s *Syncer) sync(ctx context.Context, rel string) (bool, error) {
	propertyID, ok := s.manifest.AttachmentFor(rel)
	if !ok {
		return false, nil
	}
	blob, err := s.store.Stat(rel)
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	same := s.uploaded[rel] == blob.Checksum
	s.mu.Unlock()
	if same {
		s.logger.DebugContext(ctx, "attachsync: unchanged", slog.String("file", rel))
		return false, nil
	}

	data, err := s.store.Read(rel)
	if err != nil {
		return false, err
	}
	// The file may have changed between Stat and Read.
	sum := checksum.Sum(data)

	err = s.upload(ctx, propertyID, rel, data)
	if s.OnEvent != nil {
		s.OnEvent(rel, propertyID, err)
	}
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	s.uploaded[rel] = sum
	s.mu.Unlock()
	s.logger.InfoContext(ctx, "attachsync: uploaded",
		slog.String("file", rel),
		slog.String("property", propertyID),
		slog.Int("bytes", len(data)),
	)
	return true, nil
}

func (s *Syncer) upload(ctx context.Context, propertyID, rel string, data []byte) error {
	prop, err := s.client.Property(ctx, propertyID)
	if err != nil {
		return fmt.Errorf("attachsync: %s: %w", rel, err)
	}
	att, ok := prop.(*kechain.AttachmentProperty)
	if !ok {
		return fmt.Errorf("attachsync: %s: %s is not an attachment: %w", rel, prop.Name(), kechain.ErrIllegalArgument)
	}
	if err := att.UploadBytes(ctx, path.Base(rel), data, ""); err != nil {
		return fmt.Errorf("attachsync: %s: %w", rel, err)
	}
	return nil
}

// Watch uploads mapped files as they are created or written until ctx is
// cancelled. Events are debounced; a burst of writes to one file results in a
// single upload. Upload failures are logged and reported through OnEvent but
// do not stop the watcher.
func (s *Syncer) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := addDirsRecursive(w, s.root); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "attachsync: watching", slog.String("root", s.root))

	debounce := s.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	pending := map[string]struct{}{}
	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
	schedule := func(rel string) {
		pending[rel] = struct{}{}
		if timer == nil {
			timer = time.NewTimer(debounce)
			timerCh = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			s.logger.Info("attachsync: stopped")
			return nil

		case <-timerCh:
			for rel := range pending {
				if _, err := s.sync(ctx, rel); err != nil {
					s.logger.WarnContext(ctx, "attachsync: upload failed",
						slog.String("file", rel),
						slog.String("error", err.Error()))
				}
			}
			clear(pending)

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, statErr := os.Stat(ev.Name); statErr == nil && info.IsDir() {
					if addErr := addDirsRecursive(w, ev.Name); addErr != nil {
						s.logger.Warn("attachsync: add new dir failed",
							slog.String("path", ev.Name),
							slog.String("error", addErr.Error()))
					}
					s.scheduleDir(ev.Name, schedule)
					continue
				}
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			rel, relErr := filepath.Rel(s.root, ev.Name)
			if relErr != nil {
				continue
			}
			rel = filepath.ToSlash(rel)
			if _, mapped := s.manifest.AttachmentFor(rel); mapped {
				schedule(rel)
			}

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Error("attachsync: watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// scheduleDir queues mapped files that already exist in a new directory.
func (s *Syncer) scheduleDir(dir string, schedule func(string)) {
	_ = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.root, p)
		if relErr != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if _, mapped := s.manifest.AttachmentFor(rel); mapped {
			schedule(rel)
		}
		return nil
	})
}

// addDirsRecursive adds root and all its subdirectories to the watcher.
func addDirsRecursive(w *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return w.Add(p)
		}
		return nil
	})
}
