package secrets

import (
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// FileWatcher watches the config file (and any other file-backed credential
// paths) for post-startup changes and logs a warning. It never triggers
// re-resolution: a resolved secret stays cached for the process lifetime, so
// this is detection only, mirroring the teacher's internal/config
// file-change watcher shape without the hot-reload behavior. cmd/dshield-mcp-server
// watches the active --config path with it so an operator editing auth keys
// or backend URLs in place gets a log line pointing at a restart instead of
// silence.
type FileWatcher struct {
	watcher *fsnotify.Watcher
	log     zerolog.Logger
	done    chan struct{}
}

func NewFileWatcher(log zerolog.Logger) (*FileWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &FileWatcher{watcher: w, log: log, done: make(chan struct{})}, nil
}

// Watch adds path to the watch set. Safe to call before or after Start.
func (fw *FileWatcher) Watch(path string) error {
	return fw.watcher.Add(path)
}

// Start begins the event loop in a goroutine.
func (fw *FileWatcher) Start() {
	go fw.loop()
}

func (fw *FileWatcher) loop() {
	for {
		select {
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Chmod|fsnotify.Remove) != 0 {
				fw.log.Warn().
					Str("path", event.Name).
					Str("op", event.Op.String()).
					Msg("secret file changed after startup; resolved value remains cached until restart")
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			fw.log.Error().Err(err).Msg("secret file watcher error")
		case <-fw.done:
			return
		}
	}
}

// Stop tears down the watcher.
func (fw *FileWatcher) Stop() error {
	close(fw.done)
	return fw.watcher.Close()
}
