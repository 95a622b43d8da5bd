// Package syncqueue is the durable queue of mutating requests that could not
// be delivered. Entries are FIFO per topic and replayed oldest-first when
// connectivity returns; entries older than the retention window are dropped
// silently. Delivery is at-least-once: the origin must tolerate duplicates.
package syncqueue

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"
)

func init() {
	gob.Register(http.Header{})
}

// DefaultRetention is how long an entry may wait for connectivity before it
// is dropped without replay.
const DefaultRetention = 24 * time.Hour

const keyPrefix = "q:"

// Snapshot is the replayable part of a request.
type Snapshot struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

// Entry is one queued request.
type Entry struct {
	ID         string
	Topic      string
	Snapshot   Snapshot
	EnqueuedAt int64 // unix seconds
}

// Deliverer re-issues one queued entry. A nil return removes the entry.
type Deliverer func(ctx context.Context, e Entry) error

// Result summarizes one replay pass.
type Result struct {
	Replayed int
	Dropped  int
	Failed   int
}

// Queue persists entries in leveldb under "q:<topic>:<seq>:<id>". The
// zero-padded global sequence keeps iteration order equal to enqueue order.
type Queue struct {
	db  *leveldb.DB
	log *zap.Logger

	mu        sync.Mutex
	seq       uint64
	retention time.Duration

	now func() time.Time
}

func Open(dir string, retention time.Duration, log *zap.Logger) (*Queue, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	db, err := leveldb.OpenFile(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("open sync queue: %w", err)
	}
	q := &Queue{db: db, log: log, retention: retention, now: time.Now}
	if err := q.loadSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) Close() error {
	return q.db.Close()
}

func (q *Queue) loadSeq() error {
	it := q.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer it.Release()
	for it.Next() {
		_, seq, _, ok := splitKey(it.Key())
		if !ok {
			continue
		}
		if seq >= q.seq {
			q.seq = seq + 1
		}
	}
	return it.Error()
}

// Enqueue appends a snapshot to the topic. No coalescing: every failed
// attempt is its own entry.
func (q *Queue) Enqueue(topic string, snap Snapshot) (Entry, error) {
	if topic == "" || strings.ContainsRune(topic, ':') {
		return Entry{}, fmt.Errorf("invalid topic %q", topic)
	}
	ent := Entry{
		ID:         uuid.NewString(),
		Topic:      topic,
		Snapshot:   snap,
		EnqueuedAt: q.now().Unix(),
	}
	b, err := encodeGob(ent)
	if err != nil {
		return Entry{}, fmt.Errorf("encode queue entry: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	key := entryKey(topic, q.seq, ent.ID)
	q.seq++
	if err := q.db.Put(key, b, nil); err != nil {
		return Entry{}, fmt.Errorf("write queue entry: %w", err)
	}
	return ent, nil
}

// Replay walks every topic oldest-first, dropping expired entries and
// delivering the rest once each. The first failure in a topic leaves that
// entry and everything behind it queued, preserving FIFO delivery order;
// other topics still get their turn. Replayed entries carry X-Replay-Id and
// X-Replayed-At so the origin can deduplicate, though deduplication remains
// the origin's contract, not the queue's.
func (q *Queue) Replay(ctx context.Context, deliver Deliverer) Result {
	var res Result
	for _, topic := range q.Topics() {
		q.replayTopic(ctx, topic, deliver, &res)
	}
	if res.Replayed > 0 || res.Dropped > 0 || res.Failed > 0 {
		q.log.Info("replay pass complete",
			zap.Int("replayed", res.Replayed),
			zap.Int("dropped", res.Dropped),
			zap.Int("failed", res.Failed))
	}
	return res
}

func (q *Queue) replayTopic(ctx context.Context, topic string, deliver Deliverer, res *Result) {
	cutoff := q.now().Add(-q.retention).Unix()

	it := q.db.NewIterator(util.BytesPrefix([]byte(keyPrefix+topic+":")), nil)
	defer it.Release()
	for it.Next() {
		if ctx.Err() != nil {
			return
		}
		key := append([]byte(nil), it.Key()...)
		var ent Entry
		if err := decodeGob(it.Value(), &ent); err != nil {
			_ = q.db.Delete(key, nil)
			continue
		}
		if ent.EnqueuedAt < cutoff {
			// Accepted data loss past the retention window, not an error.
			q.log.Debug("queue entry expired",
				zap.String("topic", topic), zap.String("id", ent.ID))
			_ = q.db.Delete(key, nil)
			res.Dropped++
			continue
		}

		replayed := ent
		replayed.Snapshot.Header = withReplayHeaders(ent.Snapshot.Header, ent.ID, q.now())
		if err := deliver(ctx, replayed); err != nil {
			q.log.Warn("replay failed, entry stays queued",
				zap.String("topic", topic), zap.String("id", ent.ID), zap.Error(err))
			res.Failed++
			return
		}
		_ = q.db.Delete(key, nil)
		res.Replayed++
	}
}

func withReplayHeaders(h http.Header, id string, now time.Time) http.Header {
	out := make(http.Header, len(h)+2)
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	out.Set("X-Replay-Id", id)
	out.Set("X-Replayed-At", now.UTC().Format(time.RFC3339))
	return out
}

// PurgeExpired drops expired entries without a replay pass. Used by the
// offline purge tool.
func (q *Queue) PurgeExpired() int {
	cutoff := q.now().Add(-q.retention).Unix()
	dropped := 0

	it := q.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	defer it.Release()
	batch := new(leveldb.Batch)
	for it.Next() {
		var ent Entry
		if err := decodeGob(it.Value(), &ent); err != nil || ent.EnqueuedAt < cutoff {
			batch.Delete(append([]byte(nil), it.Key()...))
			dropped++
		}
	}
	if dropped > 0 {
		_ = q.db.Write(batch, nil)
	}
	return dropped
}

// Topics returns the topics with queued entries, sorted.
func (q *Queue) Topics() []string {
	seen := map[string]struct{}{}
	it := q.db.NewIterator(util.BytesPrefix([]byte(keyPrefix)), nil)
	for it.Next() {
		if topic, _, _, ok := splitKey(it.Key()); ok {
			seen[topic] = struct{}{}
		}
	}
	it.Release()
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Depth counts the queued entries for one topic.
func (q *Queue) Depth(topic string) int {
	n := 0
	it := q.db.NewIterator(util.BytesPrefix([]byte(keyPrefix+topic+":")), nil)
	for it.Next() {
		n++
	}
	it.Release()
	return n
}

func entryKey(topic string, seq uint64, id string) []byte {
	return []byte(fmt.Sprintf("%s%s:%016d:%s", keyPrefix, topic, seq, id))
}

func splitKey(key []byte) (topic string, seq uint64, id string, ok bool) {
	parts := strings.SplitN(strings.TrimPrefix(string(key), keyPrefix), ":", 3)
	if len(parts) != 3 {
		return "", 0, "", false
	}
	n, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return "", 0, "", false
	}
	return parts[0], n, parts[2], true
}

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
