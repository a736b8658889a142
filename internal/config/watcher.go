package config

import (
	"os"
	"sync"
	"time"

	"github.com/SkynetNext/sockdispatch/pkg/xlog"
)

// FileWatcher polls a file's modification time and calls onChange when it
// moves forward. Works with ConfigMap mounts, which swap symlinks.
type FileWatcher struct {
	path     string
	interval time.Duration
	onChange func()
	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewFileWatcher creates a watcher for path
func NewFileWatcher(path string, interval time.Duration, onChange func()) *FileWatcher {
	return &FileWatcher{
		path:     path,
		interval: interval,
		onChange: onChange,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start starts watching. The current modification time is the baseline, so
// onChange only fires for later changes.
func (w *FileWatcher) Start() {
	var lastModTime time.Time
	if info, err := os.Stat(w.path); err == nil {
		lastModTime = info.ModTime()
	}
	go w.watch(lastModTime)
}

// Stop stops the watcher and waits for it to exit
func (w *FileWatcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.done
}

func (w *FileWatcher) watch(lastModTime time.Time) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			info, err := os.Stat(w.path)
			if err != nil {
				continue // File doesn't exist yet
			}

			if info.ModTime().After(lastModTime) {
				xlog.Infof("%s changed, reloading...", w.path)
				lastModTime = info.ModTime()
				w.onChange()
			}
		}
	}
}

// FindConfigFile returns the first existing file out of the standard
// config locations, or "".
func FindConfigFile() string {
	configPaths := []string{
		"/etc/sockdispatch/config.yaml",
		"/etc/config/sockdispatch.yaml",
		"/config/sockdispatch.yaml",
	}

	for _, path := range configPaths {
		if _, err := os.Stat(path); err == nil {
			xlog.Infof("Found config file: %s", path)
			return path
		}
	}
	return ""
}
