// Package cache keeps composed snapshots on disk, one file per key, and uses
// the file modification time as the only expiry signal.
package cache

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"
	"unicode"

	"github.com/gobwas/glob"

	"github.com/entrhq/charsnap/pkg/logging"
)

var (
	ErrInvalidKey = errors.New("cache: invalid key")
	ErrStorage    = errors.New("cache: storage unavailable")
	ErrDiskFull   = errors.New("cache: disk full")
)

const (
	DefaultExtension = ".jpg"
	tempPattern      = "*.tmp"
)

// Entry is one cached artifact.
type Entry struct {
	Key       string
	Path      string
	Data      []byte
	CreatedAt time.Time
}

// Age returns how old the entry is at now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}

// Options configures a Store.
type Options struct {
	// Dir holds one file per key.
	Dir string

	// Extension is appended to the key to build the file name.
	Extension string

	// Pattern selects the files an eviction sweep considers. Defaults to
	// "*" + Extension.
	Pattern string

	Logger *logging.Logger

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Store is a directory-backed cache. Writers to the same key are serialized;
// writers to different keys never wait on each other. Readers never lock.
type Store struct {
	dir     string
	ext     string
	pattern glob.Glob
	temp    glob.Glob
	log     *logging.Logger
	now     func() time.Time

	locks sync.Map // key -> *sync.Mutex
}

// NewStore creates the cache directory if needed.
func NewStore(opts Options) (*Store, error) {
	if opts.Dir == "" {
		return nil, fmt.Errorf("cache: directory is required")
	}
	if opts.Extension == "" {
		opts.Extension = DefaultExtension
	}
	if opts.Pattern == "" {
		opts.Pattern = "*" + opts.Extension
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard("cache")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	pattern, err := glob.Compile(opts.Pattern)
	if err != nil {
		return nil, fmt.Errorf("cache: invalid pattern %q: %w", opts.Pattern, err)
	}
	temp := glob.MustCompile(tempPattern)

	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("%w: init directory %s: %w", ErrStorage, opts.Dir, err)
	}

	return &Store{
		dir:     opts.Dir,
		ext:     opts.Extension,
		pattern: pattern,
		temp:    temp,
		log:     opts.Logger,
		now:     opts.Now,
	}, nil
}

// Dir returns the cache directory.
func (s *Store) Dir() string {
	return s.dir
}

// PathFor returns the file a key is stored in.
func (s *Store) PathFor(key string) (string, error) {
	if err := validateKey(key); err != nil {
		return "", err
	}
	dir, err := filepath.Abs(s.dir)
	if err != nil {
		return "", fmt.Errorf("cache: abs dir: %w", err)
	}
	resolved := filepath.Join(dir, key+s.ext)
	if !strings.HasPrefix(resolved, dir+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: path traversal detected for %q", ErrInvalidKey, key)
	}
	return resolved, nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.ContainsAny(key, `/\`) || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q contains a path separator", ErrInvalidKey, key)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %q contains control characters", ErrInvalidKey, key)
		}
	}
	return nil
}

// Lookup returns the entry for key when it exists and is no older than maxAge.
// Missing, stale and unreadable entries all report absent.
func (s *Store) Lookup(key string, maxAge time.Duration) (*Entry, bool) {
	path, err := s.PathFor(key)
	if err != nil {
		s.log.Warnf("lookup %q: %v", key, err)
		return nil, false
	}

	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warnf("lookup %q: stat: %v", key, err)
		}
		return nil, false
	}

	// Age is compared in whole seconds, so an entry is fresh for its first
	// second even at maxAge 0.
	created := info.ModTime()
	if age := s.now().Sub(created).Truncate(time.Second); age > maxAge {
		s.log.Debugf("lookup %q: stale (age %s > %s)", key, age, maxAge)
		return nil, false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		s.log.Warnf("lookup %q: read: %v", key, err)
		return nil, false
	}
	if len(data) == 0 {
		s.log.Warnf("lookup %q: empty file treated as absent", key)
		return nil, false
	}

	return &Entry{Key: key, Path: path, Data: data, CreatedAt: created}, true
}

// Put stores data under key, replacing any previous entry. The file appears
// under its final name only once it is completely written.
func (s *Store) Put(key string, data []byte) (*Entry, error) {
	path, err := s.PathFor(key)
	if err != nil {
		return nil, err
	}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, "."+sanitizeTemp(key)+"-*.tmp")
	if err != nil {
		return nil, storageErr("create temp file", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, storageErr("write temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, storageErr("sync temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, storageErr("close temp file", err)
	}
	if err := os.Chmod(tmpPath, 0o640); err != nil {
		s.log.Debugf("put %q: chmod: %v", key, err)
	}

	now := s.now()
	if err := os.Chtimes(tmpPath, now, now); err != nil {
		s.log.Debugf("put %q: chtimes: %v", key, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath) // best-effort cleanup
		return nil, storageErr("atomic rename "+path, err)
	}

	s.log.Debugf("stored %q (%d bytes)", key, len(data))
	return &Entry{Key: key, Path: path, Data: data, CreatedAt: now}, nil
}

// Remove deletes the entry for key. Removing a missing entry is not an error.
func (s *Store) Remove(key string) error {
	path, err := s.PathFor(key)
	if err != nil {
		return err
	}

	mu := s.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return storageErr("remove "+path, err)
	}
	return nil
}

func (s *Store) lockFor(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

// EvictStats summarizes one eviction sweep.
type EvictStats struct {
	Scanned int
	Removed int
	Failed  int
}

// EvictOlderThan removes every entry, and every leftover temp file, whose age
// exceeds maxAge. Failing to delete one file is logged and counted; only a
// failure to list the directory is returned.
func (s *Store) EvictOlderThan(maxAge time.Duration) (EvictStats, error) {
	var stats EvictStats

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return stats, storageErr("list "+s.dir, err)
	}

	now := s.now()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !s.pattern.Match(name) && !s.temp.Match(name) {
			continue
		}
		stats.Scanned++

		info, err := e.Info()
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				s.log.Warnf("evict: stat %s: %v", name, err)
				stats.Failed++
			}
			continue
		}
		if now.Sub(info.ModTime()) <= maxAge {
			continue
		}

		path := filepath.Join(s.dir, name)
		if err := os.Remove(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			s.log.Warnf("evict: remove %s: %v", name, err)
			stats.Failed++
			continue
		}
		stats.Removed++
		s.log.Infof("evicted expired snapshot %s", name)
	}

	return stats, nil
}

func storageErr(op string, err error) error {
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w: %s: %w", ErrStorage, ErrDiskFull, op, err)
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// sanitizeTemp keeps temp file names free of glob metacharacters.
func sanitizeTemp(key string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '*', '?', '[', ']':
			return '_'
		}
		return r
	}, key)
}
