// Package cache holds previously fetched content items and lists, keyed by
// (content type, identifier-or-query, viewer). It is the only state the
// optimistic engine and the subscription client mutate; the counter store
// stays the source of truth.
package cache

import (
	"sync"

	"pulse/api/internal/content"
)

type Source string

const (
	SourceServer     Source = "server"
	SourceOptimistic Source = "optimistic"
)

// Key addresses one cached view. Query is the item identifier for single
// entries and an opaque query signature (filter/sort/page) for list entries.
type Key struct {
	Type   content.Type
	Query  string
	Viewer string
}

// ItemKey is the canonical key for the single-item view of ref as seen by
// viewer.
func ItemKey(ref content.Ref, viewer string) Key {
	return Key{Type: ref.Type, Query: ref.ID, Viewer: viewer}
}

// Item is one counters-bearing row inside an entry.
type Item struct {
	Ref          content.Ref
	Stats        content.Stats
	Interactions content.Interactions
}

func (it Item) clone() Item {
	return Item{
		Ref:          it.Ref,
		Stats:        it.Stats.Clone(),
		Interactions: it.Interactions.Clone(),
	}
}

// Entry is a keyed cache row. Exactly one of Item or List is set.
type Entry struct {
	Key    Key
	Item   *Item
	List   []Item
	Source Source
}

// Clone deep-copies the entry so callers can hold it as a snapshot while the
// store keeps changing.
func (e Entry) Clone() Entry {
	out := Entry{Key: e.Key, Source: e.Source}
	if e.Item != nil {
		item := e.Item.clone()
		out.Item = &item
	}
	if e.List != nil {
		out.List = make([]Item, len(e.List))
		for i, it := range e.List {
			out.List[i] = it.clone()
		}
	}
	return out
}

// Store is a keyed in-memory cache with a secondary index from content type
// to the keys of that family, so family-wide writes never scan every key.
type Store struct {
	mu       sync.RWMutex
	entries  map[Key]Entry
	families map[content.Type]map[Key]struct{}
}

func New() *Store {
	return &Store{
		entries:  make(map[Key]Entry),
		families: make(map[content.Type]map[Key]struct{}),
	}
}

// Get returns a deep copy of the entry under key. Writes applied by Set or
// Put before Get are always visible.
func (s *Store) Get(key Key) (Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return Entry{}, false
	}
	return entry.Clone(), true
}

// Put stores a deep copy of entry under its key.
func (s *Store) Put(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(entry)
}

// Set applies mutator to the existing entry under key. It is a no-op when the
// key is absent; absent keys get authoritative data on their next fetch.
func (s *Store) Set(key Key, mutator func(Entry) Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[key]
	if !ok {
		return false
	}
	mutated := mutator(entry.Clone())
	mutated.Key = key
	s.put(mutated)
	return true
}

// Delete removes the entry under key, forcing the next read to refetch.
func (s *Store) Delete(key Key) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[key]; !ok {
		return
	}
	delete(s.entries, key)
	if family := s.families[key.Type]; family != nil {
		delete(family, key)
		if len(family) == 0 {
			delete(s.families, key.Type)
		}
	}
}

// FamilyKeys returns every active key of the given content type.
func (s *Store) FamilyKeys(contentType content.Type) []Key {
	s.mu.RLock()
	defer s.mu.RUnlock()
	family := s.families[contentType]
	keys := make([]Key, 0, len(family))
	for key := range family {
		keys = append(keys, key)
	}
	return keys
}

// InvalidateFamily drops every entry of the given content type, forcing the
// next read of each to refetch.
func (s *Store) InvalidateFamily(contentType content.Type) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.families[contentType] {
		delete(s.entries, key)
	}
	delete(s.families, contentType)
}

// Len reports the number of live entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *Store) put(entry Entry) {
	stored := entry.Clone()
	s.entries[entry.Key] = stored
	family := s.families[entry.Key.Type]
	if family == nil {
		family = make(map[Key]struct{})
		s.families[entry.Key.Type] = family
	}
	family[entry.Key] = struct{}{}
}
