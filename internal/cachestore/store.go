// Package cachestore is the namespaced, persistent response cache. Every
// namespace carries its own eviction policy: an optional entry cap enforced
// in insertion order and an optional max age applied lazily on read.
package cachestore

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

func init() {
	gob.Register(http.Header{})
}

// Policy bounds a single namespace. Zero values mean unbounded.
type Policy struct {
	// MaxEntries caps the entry count; inserting past the cap evicts the
	// least-recently-inserted entries first.
	MaxEntries int
	// MaxAge makes entries older than this read as misses.
	MaxAge time.Duration
	// AcceptedStatuses lists the response statuses worth storing.
	// Nil means {0, 200}: opaque and plain success.
	AcceptedStatuses []int
}

func (p Policy) Accepts(status int) bool {
	if p.AcceptedStatuses == nil {
		return status == 0 || status == http.StatusOK
	}
	for _, s := range p.AcceptedStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// Entry is one cached response snapshot.
type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds

	// Revision is the build content revision for precached assets,
	// empty for entries stored by runtime strategies.
	Revision string
}

type entryMeta struct {
	Seq      uint64
	StoredAt int64
	Size     int64
}

type namespace struct {
	policy  Policy
	entries map[string]entryMeta
}

// Store is the whole cache: one leveldb database holding every namespace.
// Entry bodies live under "e:<ns>:<key>", metadata under "m:<ns>:<key>";
// an in-memory index of the metadata is rebuilt on open.
type Store struct {
	db  *leveldb.DB
	log *zap.Logger

	mu         sync.Mutex
	namespaces map[string]*namespace
	seq        uint64

	now func() time.Time
}

func Open(dir string, log *zap.Logger) (*Store, error) {
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	s := &Store{
		db:         db,
		log:        log,
		namespaces: map[string]*namespace{},
		now:        time.Now,
	}
	if err := s.loadIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) loadIndex() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	s.mu.Lock()
	defer s.mu.Unlock()
	for it.Next() {
		rest := strings.TrimPrefix(string(it.Key()), "m:")
		i := strings.IndexByte(rest, ':')
		if i < 0 {
			continue
		}
		nsName, key := rest[:i], rest[i+1:]
		var m entryMeta
		if err := decodeGob(it.Value(), &m); err != nil {
			continue
		}
		ns := s.namespaces[nsName]
		if ns == nil {
			ns = &namespace{entries: map[string]entryMeta{}}
			s.namespaces[nsName] = ns
		}
		ns.entries[key] = m
		if m.Seq >= s.seq {
			s.seq = m.Seq + 1
		}
	}
	return it.Error()
}

// EnsureNamespace registers a namespace and its policy. Calling it again for
// a known name replaces the policy and keeps the entries.
func (s *Store) EnsureNamespace(name string, p Policy) error {
	if name == "" || strings.ContainsRune(name, ':') {
		return fmt.Errorf("invalid namespace name %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.namespaces[name]
	if ns == nil {
		ns = &namespace{entries: map[string]entryMeta{}}
		s.namespaces[name] = ns
	}
	ns.policy = p
	return nil
}

// Get returns the entry for key, treating expired entries as misses and
// deleting them opportunistically.
func (s *Store) Get(nsName, key string) (Entry, bool) {
	s.mu.Lock()
	ns := s.namespaces[nsName]
	if ns == nil {
		s.mu.Unlock()
		return Entry{}, false
	}
	m, ok := ns.entries[key]
	if !ok {
		s.mu.Unlock()
		return Entry{}, false
	}
	maxAge := ns.policy.MaxAge
	now := s.now().Unix()
	s.mu.Unlock()

	if maxAge > 0 && now-m.StoredAt > int64(maxAge/time.Second) {
		s.Delete(nsName, key)
		return Entry{}, false
	}

	b, err := s.db.Get(entryKey(nsName, key), nil)
	if err != nil {
		s.Delete(nsName, key)
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		s.log.Warn("cache entry undecodable, dropping",
			zap.String("namespace", nsName), zap.String("key", key))
		s.Delete(nsName, key)
		return Entry{}, false
	}
	return ent, true
}

// Put stores the entry if the namespace policy accepts its status, evicting
// the oldest-inserted entries when the cap would be exceeded. The write and
// any evictions land in one batch.
func (s *Store) Put(nsName, key string, ent Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns := s.namespaces[nsName]
	if ns == nil {
		return fmt.Errorf("unknown namespace %q", nsName)
	}
	if !ns.policy.Accepts(ent.Status) {
		s.log.Debug("status not cacheable, skipping",
			zap.String("namespace", nsName), zap.Int("status", ent.Status))
		return nil
	}
	if ent.StoredAt == 0 {
		ent.StoredAt = s.now().Unix()
	}

	b, err := encodeGob(ent)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	meta := entryMeta{Seq: s.seq, StoredAt: ent.StoredAt, Size: int64(len(b))}
	s.seq++
	mb, err := encodeGob(meta)
	if err != nil {
		return fmt.Errorf("encode cache meta: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(entryKey(nsName, key), b)
	batch.Put(metaKey(nsName, key), mb)

	_, overwrite := ns.entries[key]
	var evicted []string
	if max := ns.policy.MaxEntries; max > 0 && !overwrite {
		over := len(ns.entries) + 1 - max
		if over > 0 {
			evicted = oldestKeys(ns.entries, over)
			for _, k := range evicted {
				batch.Delete(entryKey(nsName, k))
				batch.Delete(metaKey(nsName, k))
			}
		}
	}

	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	ns.entries[key] = meta
	for _, k := range evicted {
		delete(ns.entries, k)
	}
	return nil
}

func oldestKeys(entries map[string]entryMeta, n int) []string {
	type kv struct {
		key string
		seq uint64
	}
	all := make([]kv, 0, len(entries))
	for k, m := range entries {
		all = append(all, kv{k, m.Seq})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].seq < all[j].seq })
	if n > len(all) {
		n = len(all)
	}
	out := make([]string, 0, n)
	for _, e := range all[:n] {
		out = append(out, e.key)
	}
	return out
}

func (s *Store) Delete(nsName, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(nsName, key))
	batch.Delete(metaKey(nsName, key))
	_ = s.db.Write(batch, nil)
	if ns := s.namespaces[nsName]; ns != nil {
		delete(ns.entries, key)
	}
}

// PurgeNamespace drops every entry in the namespace. The namespace itself
// stays registered with its policy.
func (s *Store) PurgeNamespace(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.purgeLocked(name, false)
}

// PurgeAllExcept drops every namespace not listed in keep, entries and
// registration both. Version rollover cleanup.
func (s *Store) PurgeAllExcept(keep []string) error {
	keepSet := make(map[string]struct{}, len(keep))
	for _, k := range keep {
		keepSet[k] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for name := range s.namespaces {
		if _, ok := keepSet[name]; ok {
			continue
		}
		if err := s.purgeLocked(name, true); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) purgeLocked(name string, unregister bool) error {
	batch := new(leveldb.Batch)
	for _, prefix := range []string{"e:" + name + ":", "m:" + name + ":"} {
		it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
		for it.Next() {
			k := make([]byte, len(it.Key()))
			copy(k, it.Key())
			batch.Delete(k)
		}
		it.Release()
		if err := it.Error(); err != nil {
			return fmt.Errorf("purge %s: %w", name, err)
		}
	}
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("purge %s: %w", name, err)
	}
	if ns := s.namespaces[name]; ns != nil {
		if unregister {
			delete(s.namespaces, name)
		} else {
			ns.entries = map[string]entryMeta{}
		}
	}
	return nil
}

// SweepExpired removes entries past their namespace max age. Expiry is
// normally handled lazily on read; this exists for the offline purge tool.
func (s *Store) SweepExpired() int {
	s.mu.Lock()
	type victim struct{ ns, key string }
	var victims []victim
	now := s.now().Unix()
	for name, ns := range s.namespaces {
		if ns.policy.MaxAge <= 0 {
			continue
		}
		limit := int64(ns.policy.MaxAge / time.Second)
		for key, m := range ns.entries {
			if now-m.StoredAt > limit {
				victims = append(victims, victim{name, key})
			}
		}
	}
	s.mu.Unlock()

	for _, v := range victims {
		s.Delete(v.ns, v.key)
	}
	return len(victims)
}

func (s *Store) Count(nsName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns := s.namespaces[nsName]; ns != nil {
		return len(ns.entries)
	}
	return 0
}

func (s *Store) Namespaces() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.namespaces))
	for name := range s.namespaces {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func entryKey(ns, key string) []byte { return []byte("e:" + ns + ":" + key) }
func metaKey(ns, key string) []byte  { return []byte("m:" + ns + ":" + key) }

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
