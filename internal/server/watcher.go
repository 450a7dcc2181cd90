package server

import (
	"path/filepath"
	"time"

	"cadenza/internal/media"
	"cadenza/internal/storage"

	"github.com/fsnotify/fsnotify"
)

// settleDelay gives a writer time to finish before the file is read
const settleDelay = 500 * time.Millisecond

// startFileWatcher watches the upload root so files copied in or deleted
// by hand show up in the catalog.
func (ms *MusicServer) startFileWatcher() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	root := ms.config.Storage.UploadRoot
	if err := watcher.Add(root); err != nil {
		watcher.Close()
		return err
	}
	ms.mu.Lock()
	ms.watcher = watcher
	ms.mu.Unlock()

	go ms.watchFiles(watcher)

	ms.logger.WithField("upload_root", root).Info("File watcher started")
	return nil
}

// watchFiles selects on watcher channels and dispatches events.
func (ms *MusicServer) watchFiles(watcher *fsnotify.Watcher) {
	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			ms.handleFileEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			ms.logger.WithError(err).Error("File watcher error")
		}
	}
}

// handleFileEvent filters temp/unsupported files and dispatches the rest.
func (ms *MusicServer) handleFileEvent(event fsnotify.Event) {
	key := filepath.Base(event.Name)
	if storage.IsTemporary(key) || !media.IsAllowed(key) {
		return
	}

	switch {
	case event.Has(fsnotify.Create):
		go func() {
			time.Sleep(settleDelay)
			ms.handleNewFile(key)
		}()

	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		go ms.handleRemovedFile(key)
	}
}

// handleNewFile registers a file that appeared in the upload root unless
// it is already catalogued.
func (ms *MusicServer) handleNewFile(key string) {
	exists, err := ms.catalog.SongExists(key)
	if err != nil {
		ms.logger.WithError(err).WithField("filename", key).Error("Error checking if song exists")
		return
	}
	if exists {
		ms.logger.WithField("filename", key).Debug("Song already exists in catalog")
		return
	}

	info, err := ms.store.Stat(key)
	if err != nil {
		ms.logger.WithError(err).WithField("filename", key).Debug("New file vanished before it was read")
		return
	}

	ms.logger.WithField("filename", key).Info("New audio file detected")
	if _, err := ms.registerFile(key, info.Size(), ""); err != nil {
		ms.logger.WithError(err).WithField("filename", key).Error("Error inserting new song into catalog")
	}
}

// handleRemovedFile drops the catalog row of a deleted file.
func (ms *MusicServer) handleRemovedFile(key string) {
	// A rename within the root also reports the old name
	if _, err := ms.store.Stat(key); err == nil {
		return
	}

	if err := ms.catalog.RemoveSongByFilename(key); err != nil {
		ms.logger.WithError(err).WithField("filename", key).Error("Error removing song from catalog")
		return
	}
	ms.artwork.Forget(key)
	ms.logger.WithField("filename", key).Info("Removed song from catalog")
}

// stopFileWatcher closes the watcher (idempotent).
func (ms *MusicServer) stopFileWatcher() {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if ms.watcher != nil {
		ms.watcher.Close()
		ms.watcher = nil
	}
}
