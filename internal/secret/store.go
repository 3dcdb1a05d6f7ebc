// Package secret supplies the shared HMAC keys used to authenticate
// the UDP control plane. The on-disk layout of the key material is out
// of scope; this package only defines the lookup-by-id contract and a
// file-backed refresh.
package secret

import (
	"bufio"
	"encoding/hex"
	"os"
	"strings"
	"sync"

	"github.com/ryandielhenn/distcache/internal/obs"
)

// Store holds the current set of shared keys, keyed by secret-id. It
// is safe for concurrent use; Refresh replaces the whole map atomically
// under a single lock, so a periodic reload never exposes a partially
// updated key set.
type Store struct {
	mu   sync.RWMutex
	path string
	keys map[string][]byte
}

// New returns a Store that will load keys from path on Refresh. An
// empty path yields a Store with no keys; Get then always misses,
// which is how the framer treats an empty secret-id (zero-filled
// HMAC).
func New(path string) *Store {
	return &Store{path: path, keys: make(map[string][]byte)}
}

// Get returns the key bytes for id, or false if unknown.
func (s *Store) Get(id string) ([]byte, bool) {
	if id == "" {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	return k, ok
}

// SetForTest installs a key directly, bypassing disk loading. It exists
// for tests that need deterministic keys without a fixture file.
func (s *Store) SetForTest(id string, key []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[id] = key
}

// Refresh reloads keys from disk. Each non-blank, non-comment line of
// the file is "id:hexkey". A read failure leaves the existing key set
// untouched and is returned to the caller; the periodic maintenance
// loop logs it but does not treat it as fatal.
func (s *Store) Refresh() error {
	if s.path == "" {
		return nil
	}
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()

	next := make(map[string][]byte)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		id, hexkey, ok := strings.Cut(line, ":")
		if !ok {
			obs.L().Warnw("secret store: malformed line", "line", line)
			continue
		}
		key, err := hex.DecodeString(strings.TrimSpace(hexkey))
		if err != nil {
			obs.L().Warnw("secret store: bad hex", "id", id, "err", err)
			continue
		}
		next[id] = key
	}
	if err := sc.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.keys = next
	s.mu.Unlock()
	return nil
}
