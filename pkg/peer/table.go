package peer

import (
	"errors"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
)

// VirtualNodes is the number of ring positions contributed by each Peer.
const VirtualNodes = 128

// ErrUnknownPeer is returned when an operation names a UUID or URL the
// table has never seen.
var ErrUnknownPeer = errors.New("peer: unknown peer")

type vnode struct {
	point uint64
	uuid  string
}

// Table maps UUID → Peer, maps base URL → UUID, and maintains a
// consistent-hash ring, all kept mutually consistent under a single
// readers-writer lock. *self* is always present and is never removed.
type Table struct {
	mu sync.RWMutex

	byUUID map[string]*Peer
	byURL  map[string]string // url -> uuid
	ring   []vnode           // sorted by point

	selfUUID string
}

// NewTable constructs a Table with self already inserted, satisfying
// the invariant that the ring is never empty.
func NewTable(self *Peer) *Table {
	t := &Table{
		byUUID:   make(map[string]*Peer),
		byURL:    make(map[string]string),
		selfUUID: self.UUID,
	}
	t.insertLocked(self)
	return t
}

// SelfUUID returns the UUID of the distinguished self entry.
func (t *Table) SelfUUID() string {
	return t.selfUUID
}

// Insert is idempotent by UUID. If a Peer with the same URL but a
// different UUID exists, it is replaced (the URL has been reassigned).
func (t *Table) Insert(p *Peer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.insertLocked(p)
}

func (t *Table) insertLocked(p *Peer) {
	if existing, ok := t.byUUID[p.UUID]; ok {
		// idempotent re-insert of the same peer; replace the stored Peer
		// in case the backend handle changed but UUID/URL did not.
		if existing.URL == p.URL {
			t.byUUID[p.UUID] = p
			return
		}
		t.removeRingEntries(p.UUID)
		delete(t.byURL, existing.URL)
	}
	if oldUUID, ok := t.byURL[p.URL]; ok && oldUUID != p.UUID {
		// URL reassigned to a new peer identity: drop the stale entry.
		t.removeRingEntries(oldUUID)
		delete(t.byUUID, oldUUID)
	}

	t.byUUID[p.UUID] = p
	t.byURL[p.URL] = p.UUID
	t.addRingEntries(p.UUID)
}

// RemoveByURL removes the peer and all its virtual nodes; a no-op if
// the URL is unknown. Never removes self.
func (t *Table) RemoveByURL(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	uuid, ok := t.byURL[url]
	if !ok || uuid == t.selfUUID {
		return
	}
	delete(t.byURL, url)
	delete(t.byUUID, uuid)
	t.removeRingEntries(uuid)
}

// CheckURL returns whether url is currently mapped.
func (t *Table) CheckURL(url string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byURL[url]
	return ok
}

// Lookup returns the Peer whose virtual node is the first ring
// position ≥ hash(key), wrapping around. The ring is never empty
// because self is always present, so Lookup is total.
func (t *Table) Lookup(key string) *Peer {
	t.mu.RLock()
	defer t.mu.RUnlock()

	h := hash64(key)
	idx := sort.Search(len(t.ring), func(i int) bool { return t.ring[i].point >= h })
	if idx == len(t.ring) {
		idx = 0
	}
	return t.byUUID[t.ring[idx].uuid]
}

// ForEach iterates every peer under a reader lock. The callback must
// not call back into the table.
func (t *Table) ForEach(fn func(*Peer)) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, p := range t.byUUID {
		fn(p)
	}
}

// Size returns the number of distinct peers (including self).
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byUUID)
}

func (t *Table) addRingEntries(uuid string) {
	for i := 0; i < VirtualNodes; i++ {
		pt := hash64(uuid + "\x00" + strconv.Itoa(i))
		t.ring = insertSorted(t.ring, vnode{point: pt, uuid: uuid})
	}
}

func (t *Table) removeRingEntries(uuid string) {
	out := t.ring[:0]
	for _, v := range t.ring {
		if v.uuid != uuid {
			out = append(out, v)
		}
	}
	t.ring = out
}

// insertSorted keeps the ring sorted by point; on a genuine hash
// collision between two distinct peers' virtual nodes, the newly
// inserted entry is placed before the existing one with the same point,
// so Lookup's sort.Search, which returns the first matching position,
// picks the most recently inserted of the two.
func insertSorted(ring []vnode, v vnode) []vnode {
	i := sort.Search(len(ring), func(i int) bool { return ring[i].point >= v.point })
	ring = append(ring, vnode{})
	copy(ring[i+1:], ring[i:])
	ring[i] = v
	return ring
}

// hash64 is a stable, non-cryptographic 64-bit hash (FNV-1a), fixed
// for the deployment. Changing it would re-shuffle routing.
func hash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}
