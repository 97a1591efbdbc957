package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/autopeer-io/gearlink/pkg/log"
)

// DefaultTTL is how long a cached lookup stays valid.
const DefaultTTL = 12 * time.Hour

const (
	keyPrefix  = "IMAGEINFO_"
	timeSuffix = "_time"
)

// Cache persists update descriptors and their binaries. It is the only
// owner of the cache directory and the metadata keys.
type Cache struct {
	kv    KVStore
	dir   string
	ttl   time.Duration
	clock clock.PassiveClock
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) CacheOption {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithClock sets the clock used to stamp and expire entries.
func WithClock(clk clock.PassiveClock) CacheOption {
	return func(c *Cache) {
		c.clock = clk
	}
}

// NewCache stores metadata in kv and binaries under dir.
func NewCache(kv KVStore, dir string, opts ...CacheOption) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	c := &Cache{kv: kv, dir: dir, ttl: DefaultTTL, clock: clock.RealClock{}}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Key returns the metadata key of an identity.
func Key(id Identity) string {
	return keyPrefix + id.String()
}

// FileName returns the binary file name of a descriptor.
func FileName(d *UpdateDescriptor) string {
	parts := []string{d.VendorID, d.ProductID}
	if d.ModuleID != "" {
		parts = append(parts, d.ModuleID)
	}
	parts = append(parts, d.TargetVersion)
	return strings.Join(parts, "_")
}

// Get returns the cached descriptor for id. Entries older than the TTL are
// absent even when their file still exists, as are available updates whose
// binary has gone missing. Absence is (nil, false, nil).
func (c *Cache) Get(id Identity) (*UpdateDescriptor, bool, error) {
	key := Key(id)

	stamp, ok, err := c.kv.Get(key + timeSuffix)
	if err != nil || !ok {
		return nil, false, err
	}
	ms, err := strconv.ParseInt(stamp, 10, 64)
	if err != nil {
		log.Warn("Ignoring cache entry with a bad timestamp", "key", key, "error", err)
		return nil, false, nil
	}
	if c.clock.Since(time.UnixMilli(ms)) >= c.ttl {
		return nil, false, nil
	}

	raw, ok, err := c.kv.Get(key)
	if err != nil || !ok {
		return nil, false, err
	}
	var d UpdateDescriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		log.Warn("Ignoring unreadable cache entry", "key", key, "error", err)
		return nil, false, nil
	}

	if d.UpgradeStatus.Available() {
		if d.CachedFilePath == "" {
			return nil, false, nil
		}
		if _, err := os.Stat(d.CachedFilePath); err != nil {
			log.Debug("Cached binary is gone, treating entry as absent", "key", key, "path", d.CachedFilePath)
			return nil, false, nil
		}
	}
	return &d, true, nil
}

// Put stores d under id, stamped with the current time.
func (c *Cache) Put(id Identity, d *UpdateDescriptor) error {
	key := Key(id)
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	if err := c.kv.Set(key, string(b)); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}
	now := strconv.FormatInt(c.clock.Now().UnixMilli(), 10)
	if err := c.kv.Set(key+timeSuffix, now); err != nil {
		return fmt.Errorf("store %s: %w", key+timeSuffix, err)
	}
	return nil
}

// Remove evicts the metadata of id. The binary stays until overwritten.
func (c *Cache) Remove(id Identity) error {
	key := Key(id)
	return c.kv.Delete(key, key+timeSuffix)
}

// StoreBinary streams the binary of d into the cache directory through fill
// and returns the final path. A failed fill leaves no file behind.
func (c *Cache) StoreBinary(d *UpdateDescriptor, fill func(w io.Writer) error) (string, error) {
	path := filepath.Join(c.dir, FileName(d))

	tmp, err := os.CreateTemp(c.dir, "."+FileName(d)+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}
	return path, nil
}

// LoadBinary reads the cached binary of d. A missing file yields an empty
// slice and no error.
func (c *Cache) LoadBinary(d *UpdateDescriptor) ([]byte, error) {
	if d.CachedFilePath == "" {
		return nil, nil
	}
	b, err := os.ReadFile(d.CachedFilePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return b, err
}
