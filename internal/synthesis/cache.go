package synthesis

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-audio/wav"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Cache stores synthesized audio on disk under a content hash. Files are
// never rewritten or evicted; the in-memory index only saves stat calls.
type Cache struct {
	dir   string
	index *lru.Cache[string, string]
}

func NewCache(dir string, indexSize int) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	if indexSize <= 0 {
		indexSize = 1024
	}
	index, err := lru.New[string, string](indexSize)
	if err != nil {
		return nil, fmt.Errorf("create cache index: %w", err)
	}
	return &Cache{dir: dir, index: index}, nil
}

// Key hashes the parameters that determine synthesized audio.
func Key(voice int, speed float64, text string) string {
	return hashParts(strconv.Itoa(voice), strconv.FormatFloat(speed, 'f', -1, 64), text)
}

// AlternateKey hashes text for the alternate synthesis path.
func AlternateKey(text string) string {
	return hashParts("alt", text)
}

func hashParts(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Path is where the artifact for key with extension ext lives.
func (c *Cache) Path(key, ext string) string {
	return filepath.Join(c.dir, key+ext)
}

// Lookup returns the artifact path when it exists.
func (c *Cache) Lookup(key, ext string) (string, bool) {
	id := key + ext
	if path, ok := c.index.Get(id); ok {
		return path, true
	}
	path := c.Path(key, ext)
	info, err := os.Stat(path)
	if err != nil || info.Size() == 0 {
		return "", false
	}
	c.index.Add(id, path)
	return path, true
}

// Store writes data for key atomically and returns the final path.
func (c *Cache) Store(key, ext string, data []byte) (string, error) {
	path := c.Path(key, ext)
	tmp, err := os.CreateTemp(c.dir, "."+key+"-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create cache temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write cache entry: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("close cache entry: %w", err)
	}
	if err := c.Commit(tmpName, key, ext); err != nil {
		os.Remove(tmpName)
		return "", err
	}
	return path, nil
}

// TempPath reserves a scratch path inside the cache dir for producers that
// write files themselves. Pass it to Commit when done.
func (c *Cache) TempPath(key, ext string) string {
	return filepath.Join(c.dir, fmt.Sprintf(".%s-%d%s", key, time.Now().UnixNano(), ext))
}

// Commit moves a finished scratch file into place under key.
func (c *Cache) Commit(tmpPath, key, ext string) error {
	path := c.Path(key, ext)
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("commit cache entry: %w", err)
	}
	c.index.Add(key+ext, path)
	return nil
}

// WAVDuration reports the playing time of a WAV artifact.
func WAVDuration(path string) (time.Duration, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return 0, fmt.Errorf("%s is not a valid wav file", path)
	}
	return dec.Duration()
}
