// Package filecache is an in-memory byte cache for static file bodies: a
// fastcache.Cache keyed by content checksum, a sync.Map from path to
// checksum, and an fsnotify watcher that evicts an entry the instant its
// file changes on disk.
package filecache

import (
	"crypto/sha256"
	"os"
	"sync"
	"time"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/fsnotify/fsnotify"
)

// Cache is a static-file byte cache. The zero value is not usable; use
// New.
type Cache struct {
	maxBytes int
	once     sync.Once
	cache    *fastcache.Cache
	entries  sync.Map // path (string) -> *entry
	watcher  *fsnotify.Watcher

	onError func(error)
}

type entry struct {
	checksum [sha256.Size]byte
	modTime  time.Time
}

// New returns a Cache bounded at maxBytes of cached content. onError, if
// non-nil, receives asynchronous watcher errors; it may be nil.
func New(maxBytes int, onError func(error)) (*Cache, error) {
	c := &Cache{maxBytes: maxBytes, onError: onError}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	c.watcher = w

	go c.watchLoop()

	return c, nil
}

func (c *Cache) watchLoop() {
	for {
		select {
		case e, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ai, ok := c.entries.Load(e.Name); ok {
				ent := ai.(*entry)
				c.entries.Delete(e.Name)
				c.cache.Del(ent.checksum[:])
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			if c.onError != nil {
				c.onError(err)
			}
		}
	}
}

// Get returns the cached bytes for path, reading and caching them from
// disk on a miss. It returns os.ErrNotExist (wrapped) if the file does not
// exist, matching os.Stat's error so handler code can test with
// os.IsNotExist.
func (c *Cache) Get(path string) ([]byte, os.FileInfo, error) {
	c.once.Do(func() {
		c.cache = fastcache.New(c.maxBytes)
	})

	fi, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}

	if ai, ok := c.entries.Load(path); ok {
		ent := ai.(*entry)
		if ent.modTime.Equal(fi.ModTime()) {
			if b := c.cache.Get(nil, ent.checksum[:]); len(b) > 0 {
				return b, fi, nil
			}
		}
		c.entries.Delete(path)
		c.cache.Del(ent.checksum[:])
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fi, err
	}

	sum := sha256.Sum256(b)
	c.cache.Set(sum[:], b)
	c.entries.Store(path, &entry{checksum: sum, modTime: fi.ModTime()})

	if err := c.watcher.Add(path); err != nil && c.onError != nil {
		c.onError(err)
	}

	return b, fi, nil
}

// Close stops the watcher goroutine.
func (c *Cache) Close() error {
	return c.watcher.Close()
}
