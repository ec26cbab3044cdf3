// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The file system cache. Caches contents of small files.

package hemi

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// fcache caches small static files in memory. Entries are dropped when fsnotify reports a
// change in their directory, or when they expire. A cached entry is only used if its size
// and modification time still match the file's current stat info.
type fcache struct {
	// Assocs
	logger  zerolog.Logger
	watcher *fsnotify.Watcher // nil if fsnotify is unavailable
	// States
	closeOnce     sync.Once
	smallFileSize int64         // what size is considered as small file
	maxEntries    int           // max number of cached files
	cacheTimeout  time.Duration // entries expire after this
	rwMutex       sync.RWMutex  // protects entries and watched below
	entries       map[string]*fcacheEntry
	watched       map[string]bool // directories added to watcher
}

// fcacheEntry
type fcacheEntry struct {
	text    []byte    // content of small file
	size    int64     // size when cached
	modTime time.Time // modification time when cached
	last    time.Time // expire time
}

func newFcache(smallFileSize int64, maxEntries int, cacheTimeout time.Duration, logger zerolog.Logger) *fcache {
	f := new(fcache)
	f.logger = logger
	f.smallFileSize = smallFileSize
	f.maxEntries = maxEntries
	f.cacheTimeout = cacheTimeout
	f.entries = make(map[string]*fcacheEntry)
	f.watched = make(map[string]bool)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		logger.Warn().Err(err).Msg("fsnotify unavailable, fcache relies on ttl only")
	} else {
		f.watcher = watcher
	}
	return f
}

// get returns the cached content of the file at path, loading it if it's small enough.
// ok is false if the file should be served from disk.
func (f *fcache) get(path string, info os.FileInfo) (text []byte, ok bool) {
	if info.Size() > f.smallFileSize {
		return nil, false
	}
	now := time.Now()
	f.rwMutex.RLock()
	entry, cached := f.entries[path]
	f.rwMutex.RUnlock()
	if cached && entry.size == info.Size() && entry.modTime.Equal(info.ModTime()) && entry.last.After(now) {
		return entry.text, true
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, false
	}
	defer file.Close()
	text = make([]byte, info.Size())
	if _, err := io.ReadFull(file, text); err != nil {
		return nil, false
	}
	entry = &fcacheEntry{text: text, size: info.Size(), modTime: info.ModTime(), last: now.Add(f.cacheTimeout)}

	dir := filepath.Dir(path)
	f.rwMutex.Lock()
	if _, exists := f.entries[path]; exists || len(f.entries) < f.maxEntries {
		f.entries[path] = entry
	}
	needWatch := f.watcher != nil && !f.watched[dir]
	if needWatch {
		f.watched[dir] = true
	}
	f.rwMutex.Unlock()

	if needWatch {
		if err := f.watcher.Add(dir); err != nil {
			f.logger.Debug().Err(err).Str("dir", dir).Msg("fcache watch failed")
		}
	}
	return text, true
}

func (f *fcache) evict(path string) {
	f.rwMutex.Lock()
	delete(f.entries, path)
	f.rwMutex.Unlock()
}

func (f *fcache) close() {
	f.closeOnce.Do(func() {
		if f.watcher != nil {
			f.watcher.Close()
		}
	})
}

func (f *fcache) size() int {
	f.rwMutex.RLock()
	defer f.rwMutex.RUnlock()
	return len(f.entries)
}

func (f *fcache) run(ctx context.Context) { // runner
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var (
		events <-chan fsnotify.Event
		errs   <-chan error
	)
	if f.watcher != nil {
		events, errs = f.watcher.Events, f.watcher.Errors
	}
	defer f.close()
	for {
		select {
		case <-ctx.Done():
			f.rwMutex.Lock()
			f.entries = make(map[string]*fcacheEntry)
			f.rwMutex.Unlock()
			f.logger.Debug().Msg("fcache done")
			return
		case event, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Remove|fsnotify.Rename|fsnotify.Create|fsnotify.Chmod) != 0 {
				f.evict(event.Name)
				f.logger.Debug().Str("path", event.Name).Msg("fcache entry invalidated")
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			f.logger.Warn().Err(err).Msg("fcache watcher error")
		case now := <-ticker.C:
			f.rwMutex.Lock()
			for path, entry := range f.entries {
				if !entry.last.After(now) {
					delete(f.entries, path)
				}
			}
			f.rwMutex.Unlock()
		}
	}
}
