package directory

import "container/list"

// spillEntryAddr is the address every spilled entry is written to. The
// original SST-Elements directory entry cache this was distilled from
// really does write every spilled entry to address 0 regardless of the
// evicted line's own address — the "entry cache" is a stub standing in for
// a real directory-entry store, not a faithful one. spec.md §9 records this
// as an open question and directs preserving the simplification rather
// than inventing a real per-address entry store, so this constant and the
// spill logic below intentionally do not vary by address.
const spillEntryAddr = 0

// Store owns every DirEntry the controller currently knows about and the
// bounded LRU of which of them are resident ("cached") versus spilled to
// backing memory.
//
// Grounded on sarchlab-akita/mem/cache/internal/tagging.Set's
// Blocks+LRUQueue pair, generalized from one LRU per cache set to a single
// global LRU of directory lines (the directory has no set/way geometry).
type Store struct {
	entries map[uint64]*Entry
	maxSize int // 0 means unbounded (entry caching disabled: nothing spills)

	lru      *list.List
	lruIndex map[uint64]*list.Element
}

// NewStore creates a directory store with the given entry-cache size.
// A size of 0 disables the bound entirely (spec.md §6 entry_cache_size).
func NewStore(maxSize int) *Store {
	return &Store{
		entries:  make(map[uint64]*Entry),
		maxSize:  maxSize,
		lru:      list.New(),
		lruIndex: make(map[uint64]*list.Element),
	}
}

// GetOrCreate returns the entry for baseAddr, creating a fresh I-state entry
// if none exists yet (spec.md §4.1's get_entry).
func (s *Store) GetOrCreate(baseAddr uint64) *Entry {
	if e, ok := s.entries[baseAddr]; ok {
		return e
	}

	e := newEntry(baseAddr)
	s.entries[baseAddr] = e
	s.touch(baseAddr)

	return e
}

// Lookup returns the entry for baseAddr without creating one.
func (s *Store) Lookup(baseAddr uint64) (*Entry, bool) {
	e, ok := s.entries[baseAddr]
	return e, ok
}

// touch moves baseAddr to the MRU end of the LRU list, adding it if it was
// not already tracked (e.g. it is being brought back into the cache after a
// fill). It does not evict; call SpillVictim separately once the caller
// knows whether capacity has been exceeded.
func (s *Store) touch(baseAddr uint64) {
	if elem, ok := s.lruIndex[baseAddr]; ok {
		s.lru.MoveToBack(elem)
		return
	}

	s.lruIndex[baseAddr] = s.lru.PushBack(baseAddr)
}

// OverCapacity reports whether the resident set exceeds entry_cache_size.
func (s *Store) OverCapacity() bool {
	return s.maxSize > 0 && s.lru.Len() > s.maxSize
}

// SpillVictim finds the least-recently-used resident entry that canSpill
// approves (the entry must have no live MSHR, spec.md §4.1) and spills it:
// marks it uncached and removes it from the LRU. It returns the spilled
// entry's address and true, or false if no victim was found (e.g. every
// resident entry has in-flight MSHR work — the entry cache is a soft
// resource and never blocks progress on this, per spec.md §5).
func (s *Store) SpillVictim(canSpill func(addr uint64) bool) (uint64, bool) {
	for elem := s.lru.Front(); elem != nil; elem = elem.Next() {
		addr := elem.Value.(uint64)

		if !canSpill(addr) {
			continue
		}

		entry := s.entries[addr]
		if entry.State != I && entry.State != S && entry.State != M {
			continue // only stable states may be spilled (invariant 3)
		}

		entry.Cached = false
		s.lru.Remove(elem)
		delete(s.lruIndex, addr)

		return addr, true
	}

	return 0, false
}

// Fill marks a previously spilled entry as cached again and promotes it to
// MRU, called once the entry's memory read (GetS to entry storage)
// completes and the *_d transient collapses back to a stable state.
func (s *Store) Fill(baseAddr uint64) {
	entry, ok := s.entries[baseAddr]
	if !ok {
		return
	}

	entry.Cached = true
	s.touch(baseAddr)
}

// Access promotes an already-resident entry to MRU on ordinary reference.
func (s *Store) Access(baseAddr uint64) {
	if _, ok := s.entries[baseAddr]; !ok {
		return
	}

	s.touch(baseAddr)
}

// ResidentCount returns the number of entries presently cached, for the
// P4 (entry-cache bound) invariant.
func (s *Store) ResidentCount() int {
	return s.lru.Len()
}

// Forget removes baseAddr from the store entirely: called once a line
// returns to I with an empty owner/sharer set and no pending MSHR work
// (spec.md §4.1's directory-store garbage collection).
func (s *Store) Forget(baseAddr uint64) {
	if elem, ok := s.lruIndex[baseAddr]; ok {
		s.lru.Remove(elem)
		delete(s.lruIndex, baseAddr)
	}

	delete(s.entries, baseAddr)
}
