// Package memtable provides the in-memory multi-version write buffer:
// a concurrent skip list ordered by internal key, wrapped with size
// accounting so callers know when to seal and flush.
package memtable

import (
	"bytes"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ferrisdb/ferrisdb/internal/core"
)

const (
	// maxHeight bounds a node's tower. Twelve levels comfortably cover
	// memtable-sized lists at the 1/4 branching factor.
	maxHeight = 12

	// branchingFactor gives each node a 1/4 chance of growing another
	// level, for an expected height of about 1.33.
	branchingFactor = 4
)

// Entry is one immutable version stored in the list.
type Entry struct {
	Key   core.InternalKey
	Value []byte
}

// node towers are never mutated after linking, except that a forward
// pointer may advance to a newly linked successor via CAS. Readers can
// therefore traverse without locks; the runtime GC keeps any node a
// reader still references alive, which stands in for the epoch-based
// reclamation a non-GC implementation would need.
type node struct {
	key   core.InternalKey
	value []byte
	next  []atomic.Pointer[node]
}

func newNode(key core.InternalKey, value []byte, height int) *node {
	return &node{
		key:   key,
		value: value,
		next:  make([]atomic.Pointer[node], height),
	}
}

// SkipList is a concurrent ordered list keyed by internal key:
// user key ascending, timestamp descending. Lookups and scans take no
// locks; inserts coordinate through per-level compare-and-swap, with
// the bottom-level link as the linearization point.
type SkipList struct {
	head   *node
	height atomic.Int32
	size   atomic.Int64

	// The generator is not safe for concurrent use; the mutex is off
	// the read path entirely.
	rngMu sync.Mutex
	rng   *rand.Rand
}

// NewSkipList creates an empty list.
func NewSkipList() *SkipList {
	s := &SkipList{
		head: newNode(core.InternalKey{}, nil, maxHeight),
		rng:  rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.height.Store(1)
	return s
}

// randomHeight draws from a geometric distribution with p = 1/4.
func (s *SkipList) randomHeight() int {
	s.rngMu.Lock()
	defer s.rngMu.Unlock()

	height := 1
	for height < maxHeight && s.rng.Intn(branchingFactor) == 0 {
		height++
	}
	return height
}

// find locates the predecessor and successor of key at every level it
// has room for in preds/succs, and reports whether an exact match (same
// user key and timestamp) exists at the bottom level.
func (s *SkipList) find(key core.InternalKey, preds, succs []*node) bool {
	pred := s.head
	for level := int(s.height.Load()) - 1; level >= 0; level-- {
		curr := pred.next[level].Load()
		for curr != nil && key.Compare(curr.key) > 0 {
			pred = curr
			curr = curr.next[level].Load()
		}
		if level < len(preds) {
			preds[level] = pred
			succs[level] = curr
		}
	}
	return succs[0] != nil && succs[0].key.Compare(key) == 0
}

// Insert links a new version into the list. Inserting an exact
// duplicate of an existing (user key, timestamp) entry is a no-op:
// entries are immutable once linked, and concurrent racers for the same
// internal key resolve to a single winner.
func (s *SkipList) Insert(userKey, value []byte, timestamp uint64, op core.Operation) {
	key := core.InternalKey{
		UserKey:   append([]byte(nil), userKey...),
		Timestamp: timestamp,
		Operation: op,
	}
	height := s.randomHeight()

	for {
		current := s.height.Load()
		if int32(height) <= current || s.height.CompareAndSwap(current, int32(height)) {
			break
		}
	}

	preds := make([]*node, height)
	succs := make([]*node, height)

	for {
		if s.find(key, preds, succs) {
			return
		}

		nn := newNode(key, append([]byte(nil), value...), height)
		for i := 0; i < height; i++ {
			nn.next[i].Store(succs[i])
		}

		// Bottom-level link is the linearization point; on failure the
		// whole search reruns against the changed neighborhood.
		if !preds[0].next[0].CompareAndSwap(succs[0], nn) {
			continue
		}

		// Upper levels are best-effort: a failed CAS means a racing
		// insert moved the neighborhood, so re-locate and retry. These
		// links only affect search cost, never correctness.
		for i := 1; i < height; i++ {
			for {
				if preds[i].next[i].CompareAndSwap(succs[i], nn) {
					break
				}
				s.find(key, preds, succs)
			}
		}

		s.size.Add(1)
		return
	}
}

// Get returns the newest version of userKey at or below timestamp.
// Because versions are stored newest-first, the first qualifying node
// on a forward walk is the answer.
func (s *SkipList) Get(userKey []byte, timestamp uint64) ([]byte, core.Operation, bool) {
	search := core.InternalKey{UserKey: userKey, Timestamp: math.MaxUint64}
	preds := make([]*node, 1)
	succs := make([]*node, 1)
	s.find(search, preds, succs)

	for curr := succs[0]; curr != nil; curr = curr.next[0].Load() {
		if !bytes.Equal(curr.key.UserKey, userKey) {
			break
		}
		if curr.key.Timestamp <= timestamp {
			return curr.value, curr.key.Operation, true
		}
	}
	return nil, 0, false
}

// Scan returns at most one entry per user key in [start, end), the
// newest version at or below timestamp, skipping delete tombstones.
func (s *SkipList) Scan(start, end []byte, timestamp uint64) []core.KeyValue {
	var results []core.KeyValue
	seen := make(map[string]struct{})

	search := core.InternalKey{UserKey: start, Timestamp: timestamp}
	preds := make([]*node, 1)
	succs := make([]*node, 1)
	s.find(search, preds, succs)

	for curr := succs[0]; curr != nil; curr = curr.next[0].Load() {
		if bytes.Compare(curr.key.UserKey, end) >= 0 {
			break
		}
		if curr.key.Timestamp > timestamp {
			continue
		}
		if _, ok := seen[string(curr.key.UserKey)]; ok {
			continue
		}
		seen[string(curr.key.UserKey)] = struct{}{}
		if curr.key.Operation == core.OpPut {
			results = append(results, core.KeyValue{Key: curr.key.UserKey, Value: curr.value})
		}
	}
	return results
}

// All returns every entry in internal-key order. Used to drain a sealed
// table into an SSTable writer.
func (s *SkipList) All() []Entry {
	var entries []Entry
	for curr := s.head.next[0].Load(); curr != nil; curr = curr.next[0].Load() {
		entries = append(entries, Entry{Key: curr.key, Value: curr.value})
	}
	return entries
}

// Size returns the number of entries, counting every version of every
// key.
func (s *SkipList) Size() int {
	return int(s.size.Load())
}
