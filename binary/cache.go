// Package binary fingerprints executed images and optionally archives a copy
// of each distinct one.
package binary

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru"
	"go.uber.org/zap"
)

// Cache remembers which image hashes have been archived, with LRU eviction.
type Cache struct {
	cache   *lru.Cache
	binsDir string
	logger  *zap.Logger
}

// NewCache creates a cache holding up to size hashes. An empty binsDir
// disables archiving; images are then only hashed.
func NewCache(size int, binsDir string, logger *zap.Logger) (*Cache, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	if binsDir != "" {
		if err := os.MkdirAll(binsDir, 0755); err != nil {
			return nil, fmt.Errorf("create bins directory: %w", err)
		}
	}
	return &Cache{cache: cache, binsDir: binsDir, logger: logger}, nil
}

// Hashable reports whether path names a regular on-disk image worth hashing.
func Hashable(path string) bool {
	if !filepath.IsAbs(path) {
		return false
	}
	for _, prefix := range []string{"/proc/", "/dev/", "/sys/"} {
		if strings.HasPrefix(path, prefix) {
			return false
		}
	}
	return true
}

// CalculateMD5 returns the hex MD5 of the file at path.
func CalculateMD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// HasBinary checks if a binary hash exists in the cache
func (c *Cache) HasBinary(hash string) bool {
	_, found := c.cache.Get(hash)
	return found
}

// GetBinaryPath returns the path where a binary with given hash would be stored
func (c *Cache) GetBinaryPath(hash string) string {
	return filepath.Join(c.binsDir, hash[:2], hash+".bin")
}

// Record hashes the image at path and archives it the first time its hash
// is seen.
func (c *Cache) Record(path string) (string, error) {
	if !Hashable(path) {
		return "", fmt.Errorf("not hashable: %s", path)
	}
	hash, err := CalculateMD5(path)
	if err != nil {
		return "", err
	}
	if c.HasBinary(hash) {
		return hash, nil
	}
	if c.binsDir != "" {
		if err := c.StoreBinary(path, hash); err != nil {
			return hash, fmt.Errorf("store %s: %w", path, err)
		}
		c.logger.Debug("archived binary", zap.String("path", path), zap.String("md5", hash))
	}
	c.cache.Add(hash, true)
	return hash, nil
}

// StoreBinary copies a binary to the storage location based on its hash.
// An existing copy is kept.
func (c *Cache) StoreBinary(sourcePath, hash string) error {
	destPath := c.GetBinaryPath(hash)
	if _, err := os.Stat(destPath); err == nil {
		return nil
	}

	sourceFile, err := os.Open(sourcePath)
	if err != nil {
		return err
	}
	defer sourceFile.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return err
	}
	destFile, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0444)
	if err != nil {
		return err
	}
	if _, err := io.Copy(destFile, sourceFile); err != nil {
		destFile.Close()
		os.Remove(destPath)
		return err
	}
	return destFile.Close()
}
