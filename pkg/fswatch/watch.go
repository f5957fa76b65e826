package fswatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/vitadeploy/pkg/errors"
)

var fs = afero.NewOsFs()

// Watcher reports changes to a project's build outputs.
type Watcher struct {
	// Updates receives a value whenever a watched path changes. Bursts of
	// changes are coalesced into a single update.
	Updates <-chan struct{}

	watcher *fsnotify.Watcher
}

// Watch watches every path in `paths`. Directories are watched recursively,
// and files are watched along with their parent directory so that a file
// that's replaced by the build (rather than rewritten) still triggers an
// update.
func Watch(paths ...string) (*Watcher, error) {
	pathsToWatch, err := getPathsToWatch(paths)
	if err != nil {
		return nil, errors.WithContext(err, "get paths")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.WithContext(err, "create watcher")
	}

	for _, path := range pathsToWatch {
		if err := watcher.Add(path); err != nil {
			// Close the watcher so that we release the file handlers for the
			// previously added paths.
			if err := watcher.Close(); err != nil {
				log.WithError(err).Warn("Failed to close file watcher")
			}

			return nil, errors.WithContext(err, fmt.Sprintf("watch %q", path))
		}
	}

	go logErrors(watcher.Errors)
	return &Watcher{
		Updates: combineUpdates(watcher.Events, func(dir string) {
			watchNewDir(watcher, dir)
		}),
		watcher: watcher,
	}, nil
}

// watchNewDir adds a directory created after Watch started, along with
// anything already inside it.
func watchNewDir(watcher *fsnotify.Watcher, path string) {
	fi, err := fs.Stat(path)
	if err != nil || !fi.IsDir() {
		return
	}

	subdirs, err := getSubdirectories(path)
	if err != nil {
		log.WithError(err).WithField("path", path).Debug("Failed to get subdirs")
	}
	for _, dir := range append([]string{path}, subdirs...) {
		if err := watcher.Add(dir); err != nil {
			log.WithError(err).WithField("path", dir).Debug("Failed to watch new directory")
		}
	}
}

// Close stops watching. Updates is closed once pending events drain.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

func logErrors(errs <-chan error) {
	for err := range errs {
		log.WithError(err).Debug("File watcher error")
	}
}

// combineUpdates coalesces `updates`. `created` is called for every
// created path before the update for it is sent.
func combineUpdates(updates <-chan fsnotify.Event, created func(string)) chan struct{} {
	combined := make(chan struct{}, 1)
	go func() {
		defer close(combined)
		for event := range updates {
			if event.Op == fsnotify.Chmod {
				continue
			}
			if event.Has(fsnotify.Create) && created != nil {
				created(event.Name)
			}

			select {
			case combined <- struct{}{}:
			default:
			}
		}
	}()
	return combined
}

func getPathsToWatch(roots []string) (paths []string, err error) {
	seen := map[string]struct{}{}
	add := func(path string) {
		if _, ok := seen[path]; !ok {
			seen[path] = struct{}{}
			paths = append(paths, path)
		}
	}

	for _, path := range roots {
		if path == "" {
			continue
		}

		fi, err := fs.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, errors.FileNotFound{Path: path}
			}
			return nil, errors.WithContext(err, "stat")
		}

		add(path)
		if fi.Mode().IsDir() {
			// Because fsnotify doesn't watch directories recursively, we walk
			// the directory's contents and add all subdirectories.
			subdirs, err := getSubdirectories(path)
			if err != nil {
				return nil, errors.WithContext(err, "get subdirs")
			}
			for _, subdir := range subdirs {
				add(subdir)
			}
		} else {
			add(filepath.Dir(path))
		}
	}
	return paths, nil
}

func getSubdirectories(dir string) (paths []string, err error) {
	err = afero.Walk(fs, dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.WithContext(err, "walk error")
		}

		if path != dir && fi.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}
