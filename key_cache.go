package psvpfs

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"github.com/absfs/absfs"
)

// DefaultCacheSeparator separates the two columns of the F00D cache file
const DefaultCacheSeparator = "\t"

// KeyCacheEntry is one encrypted/decrypted key pair, both hex encoded
type KeyCacheEntry struct {
	Encrypted string
	Decrypted string
}

// KeyCache maps encrypted key hex to decrypted key hex and remembers
// insertion order for reporting.
type KeyCache struct {
	entries []KeyCacheEntry
	index   map[string]int
}

// NewKeyCache creates an empty cache
func NewKeyCache() *KeyCache {
	return &KeyCache{
		index: make(map[string]int),
	}
}

// Add inserts a pair; it reports false if the encrypted key is already present
func (c *KeyCache) Add(encrypted, decrypted string) bool {
	if _, ok := c.index[encrypted]; ok {
		return false
	}
	c.index[encrypted] = len(c.entries)
	c.entries = append(c.entries, KeyCacheEntry{Encrypted: encrypted, Decrypted: decrypted})
	return true
}

// Get retrieves the decrypted key for an encrypted one
func (c *KeyCache) Get(encrypted string) (string, bool) {
	i, ok := c.index[encrypted]
	if !ok {
		return "", false
	}
	return c.entries[i].Decrypted, true
}

// Len returns the number of entries
func (c *KeyCache) Len() int {
	return len(c.entries)
}

// Entries returns a copy of the entries in insertion order
func (c *KeyCache) Entries() []KeyCacheEntry {
	out := make([]KeyCacheEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// Print writes every entry as "enc<sep>dec\n"
func (c *KeyCache) Print(w io.Writer, sep string) error {
	for _, e := range c.entries {
		if _, err := fmt.Fprintf(w, "%s%s%s\n", e.Encrypted, sep, e.Decrypted); err != nil {
			return err
		}
	}
	return nil
}

// LoadKeyCache reads a flat cache file from fs.
//
// Each non-blank line must hold exactly two whitespace separated tokens of
// 32 hex characters. Anything else fails the whole load with a
// CorruptionError; so does a repeated encrypted key.
func LoadKeyCache(fs absfs.FileSystem, path string) (*KeyCache, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, NewIOError("open", path, err)
	}
	defer file.Close()

	return parseKeyCache(file, path)
}

func parseKeyCache(r io.Reader, path string) (*KeyCache, error) {
	cache := NewKeyCache()
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}

		fields := strings.Fields(text)
		if len(fields) != 2 {
			return nil, NewCorruptionError(path, line, fmt.Sprintf("expected 2 columns, got %d", len(fields)))
		}

		for _, f := range fields {
			if _, err := decodeStrictHex(f, KlicenseeSize); err != nil {
				return nil, &CorruptionError{Path: path, Line: line, Message: "malformed key", Err: err}
			}
		}

		enc, dec := strings.ToLower(fields[0]), strings.ToLower(fields[1])
		if !cache.Add(enc, dec) {
			return nil, NewCorruptionError(path, line, "duplicate encrypted key")
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, NewIOError("read", path, err)
	}

	return cache, nil
}
