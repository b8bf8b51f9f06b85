// Package cache stores transform results keyed by content.
//
// A key is derived from the input bytes, the identity of the transform that
// ran (name, version and options) and nothing else, so a hit is valid across
// rebuilds for as long as the entry's recorded dependencies are unchanged.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultSize is the number of entries kept in memory.
const DefaultSize = 4096

// Dependency records the content hash of a file that contributed to a cached
// output without being part of the key (e.g. an inlined @import).
type Dependency struct {
	Path string `json:"path"`
	Hash string `json:"hash"`
}

// Entry is a cached transform output.
type Entry struct {
	Code []byte
	Map  []byte
	Deps []Dependency
}

// Cache is the interface used by the loader pipeline.
// Implementations must be safe for concurrent use.
type Cache interface {
	Get(key string) (Entry, bool)
	Put(key string, e Entry)
}

// Key derives a cache key from input bytes and a transform identity.
func Key(input []byte, identity string) string {
	h := sha256.New()
	h.Write([]byte(identity))
	h.Write([]byte{0})
	h.Write(input)
	return hex.EncodeToString(h.Sum(nil))
}

// HashBytes returns the hex sha256 of data.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFile returns the hex sha256 of the file at path.
func HashFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return HashBytes(data), nil
}

// Fresh reports whether every dependency of e still has its recorded hash.
func Fresh(e Entry) bool {
	for _, d := range e.Deps {
		h, err := HashFile(d.Path)
		if err != nil || h != d.Hash {
			return false
		}
	}
	return true
}

// Stats counts cache traffic.
type Stats struct {
	Hits   int64
	Misses int64
}

// Memory is an in-process LRU cache.
type Memory struct {
	entries *lru.Cache[string, Entry]
	next    Cache
	hits    atomic.Int64
	misses  atomic.Int64
}

// NewMemory creates an LRU cache holding up to size entries. If next is not
// nil, misses fall through to it and hits from it are promoted.
func NewMemory(size int, next Cache) (*Memory, error) {
	if size <= 0 {
		size = DefaultSize
	}
	entries, err := lru.New[string, Entry](size)
	if err != nil {
		return nil, err
	}
	return &Memory{entries: entries, next: next}, nil
}

func (m *Memory) Get(key string) (Entry, bool) {
	if e, ok := m.entries.Get(key); ok {
		m.hits.Add(1)
		return e, true
	}
	if m.next != nil {
		if e, ok := m.next.Get(key); ok {
			m.entries.Add(key, e)
			m.hits.Add(1)
			return e, true
		}
	}
	m.misses.Add(1)
	return Entry{}, false
}

func (m *Memory) Put(key string, e Entry) {
	m.entries.Add(key, e)
	if m.next != nil {
		m.next.Put(key, e)
	}
}

// Stats returns the hit and miss counters.
func (m *Memory) Stats() Stats {
	return Stats{Hits: m.hits.Load(), Misses: m.misses.Load()}
}

// Nop never stores anything.
type Nop struct{}

func (Nop) Get(string) (Entry, bool) { return Entry{}, false }
func (Nop) Put(string, Entry)        {}
