package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is the quiet period after the last change before a reload.
const DefaultDebounce = 500 * time.Millisecond

// Watcher calls a function whenever files under its paths change. Editors
// write files in bursts, so changes within the debounce window collapse into
// one call.
type Watcher struct {
	Paths    []string
	Debounce time.Duration
	Logger   zerolog.Logger

	// Match filters changed paths. Nil accepts every file.
	Match func(path string) bool
}

// Run blocks until ctx is done, calling onChange after each burst of
// writes, creates, renames or removals. Directories are watched
// recursively.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	for _, path := range w.Paths {
		info, err := os.Stat(path)
		if err != nil {
			w.Logger.Warn().Err(err).Str("path", path).Msg("Failed to stat path for watching")
			continue
		}
		if info.IsDir() {
			err = watchDirectory(watcher, path)
		} else {
			// Watch the parent so atomic saves (write + rename) are seen.
			err = watcher.Add(filepath.Dir(path))
		}
		if err != nil {
			w.Logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		}
	}

	debounce := w.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := time.NewTimer(debounce)
	timer.Stop()

	w.Logger.Info().Strs("paths", w.Paths).Msg("Watching for changes")

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watchDirectory(watcher, event.Name)
				}
			}
			if w.Match != nil && !w.Match(event.Name) {
				continue
			}
			w.Logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("File changed")
			timer.Reset(debounce)

		case <-timer.C:
			onChange()

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.Logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// watchDirectory adds dirPath and every directory below it.
func watchDirectory(watcher *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
}
