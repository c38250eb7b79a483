// buffer.go - Durable store-and-forward buffer.
// Copyright (C) 2026  The Fieldrelay Authors.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package buffer implements the durable store-and-forward buffer used to
// hold command-bound traffic while the upstream link is down.
package buffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/fieldrelay/core/clock"
	"github.com/katzenpost/fieldrelay/envelope"
	"github.com/katzenpost/fieldrelay/instrument"
)

const (
	metadataBucket = "metadata"
	messagesBucket = "messages"
	pendingBucket  = "pending"
	versionKey     = "version"

	pendingKeySize = 1 + 8 + 8

	// DefaultCacheSize is the default bound on cached records.
	DefaultCacheSize = 1024

	// DefaultMaxAttempts is the default number of failed sync attempts
	// after which a record is discarded.
	DefaultMaxAttempts = 10
)

var (
	// ErrPersistence is the error returned when a record could not be
	// durably written.
	ErrPersistence = errors.New("buffer: persistence failure")

	// ErrNotFound is the error returned when a record does not exist.
	ErrNotFound = errors.New("buffer: record not found")

	errClosed = errors.New("buffer: closed")
)

// Record is a buffered message.
type Record struct {
	ID         string
	Envelope   *envelope.Envelope
	BufferedAt time.Time
	Priority   envelope.Priority
	Attempts   int

	// Synced is set once the record is no longer pending, either because
	// it was delivered or because it was discarded.
	Synced    bool
	Discarded bool
	SyncedAt  time.Time

	seq uint64
}

func (r *Record) pendingKey() []byte {
	var k [pendingKeySize]byte
	k[0] = byte(r.Priority)
	binary.BigEndian.PutUint64(k[1:], uint64(r.BufferedAt.UnixNano()))
	binary.BigEndian.PutUint64(k[9:], r.seq)
	return k[:]
}

func (r *Record) less(o *Record) bool {
	if r.Priority != o.Priority {
		return r.Priority < o.Priority
	}
	if !r.BufferedAt.Equal(o.BufferedAt) {
		return r.BufferedAt.Before(o.BufferedAt)
	}
	return r.seq < o.seq
}

func (r *Record) clone() *Record {
	c := *r
	return &c
}

type diskRecord struct {
	Envelope   []byte `cbor:"1,keyasint"`
	BufferedAt int64  `cbor:"2,keyasint"`
	Priority   uint8  `cbor:"3,keyasint"`
	Attempts   int    `cbor:"4,keyasint"`
	Synced     bool   `cbor:"5,keyasint"`
	Discarded  bool   `cbor:"6,keyasint"`
	SyncedAt   int64  `cbor:"7,keyasint,omitempty"`
	Seq        uint64 `cbor:"8,keyasint"`
}

func (r *Record) marshal() ([]byte, error) {
	b, err := r.Envelope.Serialize()
	if err != nil {
		return nil, err
	}
	d := &diskRecord{
		Envelope:   b,
		BufferedAt: r.BufferedAt.UnixNano(),
		Priority:   uint8(r.Priority),
		Attempts:   r.Attempts,
		Synced:     r.Synced,
		Discarded:  r.Discarded,
		Seq:        r.seq,
	}
	if !r.SyncedAt.IsZero() {
		d.SyncedAt = r.SyncedAt.UnixNano()
	}
	return envelope.Marshal(d)
}

func unmarshalRecord(id, b []byte) (*Record, error) {
	var d diskRecord
	if err := envelope.Unmarshal(b, &d); err != nil {
		return nil, err
	}
	env, err := envelope.Deserialize(d.Envelope)
	if err != nil {
		return nil, err
	}
	r := &Record{
		ID:         string(id),
		Envelope:   env,
		BufferedAt: time.Unix(0, d.BufferedAt),
		Priority:   envelope.Priority(d.Priority),
		Attempts:   d.Attempts,
		Synced:     d.Synced,
		Discarded:  d.Discarded,
		seq:        d.Seq,
	}
	if d.SyncedAt != 0 {
		r.SyncedAt = time.Unix(0, d.SyncedAt)
	}
	return r, nil
}

// Options are the Buffer tunables.
type Options struct {
	// CacheSize bounds the number of records mirrored in memory.
	CacheSize int

	// MaxAttempts is the failed sync attempt count at which a record is
	// discarded.
	MaxAttempts int

	// Clock is the time source, time.Now if nil.
	Clock clock.Clock
}

func (o *Options) applyDefaults() {
	if o.CacheSize <= 0 {
		o.CacheSize = DefaultCacheSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Stats is a snapshot of the buffer counters.
type Stats struct {
	// Buffered is the number of records in the store.
	Buffered int
	// Pending is the number of records awaiting sync.
	Pending int
	// Synced is the number of records delivered upstream.
	Synced int
	// Discarded is the number of records given up on.
	Discarded int
}

// Buffer is a durable, priority ordered message buffer backed by bbolt,
// fronted by a bounded in-memory cache.
//
// Every mutation is persisted before the cache is updated, so the cache
// never reports state that has not been committed.
type Buffer struct {
	sync.RWMutex

	log  *logging.Logger
	opts Options
	db   *bolt.DB

	cache         map[string]*Record
	cachedPending int

	stats Stats
}

// Put durably stores e.  Storing an identity that is already present is a
// no-op.  A returned error means the message was NOT stored.
func (b *Buffer) Put(e *envelope.Envelope) error {
	b.Lock()
	defer b.Unlock()

	if b.db == nil {
		return fmt.Errorf("%w: %v", ErrPersistence, errClosed)
	}
	if _, ok := b.cache[e.ID]; ok {
		return nil
	}

	r := &Record{
		ID:         e.ID,
		Envelope:   e,
		BufferedAt: b.opts.Clock.Now(),
		Priority:   e.Priority,
	}
	var existed bool
	err := b.db.Update(func(tx *bolt.Tx) error {
		msgBkt := tx.Bucket([]byte(messagesBucket))
		if msgBkt.Get([]byte(e.ID)) != nil {
			existed = true
			return nil
		}
		seq, err := msgBkt.NextSequence()
		if err != nil {
			return err
		}
		r.seq = seq
		buf, err := r.marshal()
		if err != nil {
			return err
		}
		if err = msgBkt.Put([]byte(r.ID), buf); err != nil {
			return err
		}
		return tx.Bucket([]byte(pendingBucket)).Put(r.pendingKey(), []byte(r.ID))
	})
	if err != nil {
		b.log.Errorf("Failed to persist message %v: %v", e.ID, err)
		instrument.BufferPersistFailure()
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if existed {
		return nil
	}

	b.stats.Buffered++
	b.stats.Pending++
	b.cacheInsert(r)
	b.log.Debugf("Buffered %v (%v, pending: %d)", r.ID, r.Priority, b.stats.Pending)
	return nil
}

// PeekPending returns up to limit unsynced records, ordered by priority
// then by buffered-at time.
func (b *Buffer) PeekPending(limit int) ([]*Record, error) {
	if limit <= 0 {
		return nil, nil
	}

	b.RLock()
	defer b.RUnlock()

	if b.cachedPending == b.stats.Pending {
		out := make([]*Record, 0, b.cachedPending)
		for _, r := range b.cache {
			if !r.Synced {
				out = append(out, r.clone())
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].less(out[j]) })
		if len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}

	if b.db == nil {
		return nil, errClosed
	}
	var out []*Record
	err := b.db.View(func(tx *bolt.Tx) error {
		msgBkt := tx.Bucket([]byte(messagesBucket))
		cur := tx.Bucket([]byte(pendingBucket)).Cursor()
		for k, id := cur.First(); k != nil && len(out) < limit; k, id = cur.Next() {
			if r, ok := b.cache[string(id)]; ok {
				out = append(out, r.clone())
				continue
			}
			v := msgBkt.Get(id)
			if v == nil {
				panic("BUG: buffer: pending index references missing record")
			}
			r, err := unmarshalRecord(id, v)
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("buffer: failed to read pending records: %w", err)
	}
	return out, nil
}

// Get returns the record for id.
func (b *Buffer) Get(id string) (*Record, error) {
	b.RLock()
	defer b.RUnlock()

	if r, ok := b.cache[id]; ok {
		return r.clone(), nil
	}
	if b.db == nil {
		return nil, errClosed
	}
	var r *Record
	err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(messagesBucket)).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var err error
		r, err = unmarshalRecord([]byte(id), v)
		return err
	})
	return r, err
}

// MarkSynced flags the record as delivered.  Marking an already synced
// record is a no-op.
func (b *Buffer) MarkSynced(id string) error {
	b.Lock()
	defer b.Unlock()

	_, err := b.update(id, func(r *Record) bool {
		if r.Synced {
			return false
		}
		r.Synced = true
		r.SyncedAt = b.opts.Clock.Now()
		return true
	})
	return err
}

// IncrementAttempts records a failed sync attempt.  If the attempt count
// reaches the configured ceiling the record is discarded, and true is
// returned.  Incrementing an already synced record is a no-op.
func (b *Buffer) IncrementAttempts(id string) (bool, error) {
	b.Lock()
	defer b.Unlock()

	var discarded bool
	_, err := b.update(id, func(r *Record) bool {
		if r.Synced {
			return false
		}
		r.Attempts++
		if r.Attempts >= b.opts.MaxAttempts {
			r.Synced = true
			r.Discarded = true
			r.SyncedAt = b.opts.Clock.Now()
			discarded = true
		}
		return true
	})
	if err != nil {
		return false, err
	}
	if discarded {
		instrument.BufferDiscarded()
		b.log.Warningf("Discarding %v after %d failed sync attempts", id, b.opts.MaxAttempts)
	}
	return discarded, nil
}

// update applies fn to the record and persists it iff fn returns true.
// Must be called with the lock held.
func (b *Buffer) update(id string, fn func(*Record) bool) (*Record, error) {
	if b.db == nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, errClosed)
	}
	var (
		old, r  *Record
		changed bool
	)
	err := b.db.Update(func(tx *bolt.Tx) error {
		msgBkt := tx.Bucket([]byte(messagesBucket))
		v := msgBkt.Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		var err error
		if old, err = unmarshalRecord([]byte(id), v); err != nil {
			return err
		}
		r = old.clone()
		if changed = fn(r); !changed {
			return nil
		}
		buf, err := r.marshal()
		if err != nil {
			return err
		}
		if err = msgBkt.Put([]byte(id), buf); err != nil {
			return err
		}
		if r.Synced && !old.Synced {
			return tx.Bucket([]byte(pendingBucket)).Delete(r.pendingKey())
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, err
	case err != nil:
		b.log.Errorf("Failed to update record %v: %v", id, err)
		instrument.BufferPersistFailure()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	case !changed:
		return r, nil
	}

	if r.Synced && !old.Synced {
		b.stats.Pending--
		if r.Discarded {
			b.stats.Discarded++
		} else {
			b.stats.Synced++
		}
	}
	if cached, ok := b.cache[id]; ok {
		if !cached.Synced && r.Synced {
			b.cachedPending--
		}
		*cached = *r
	}
	return r, nil
}

// Prune physically removes synced records whose sync time is older than
// retention, and returns the number of records removed.
func (b *Buffer) Prune(retention time.Duration) (int, error) {
	b.Lock()
	defer b.Unlock()

	if b.db == nil {
		return 0, fmt.Errorf("%w: %v", ErrPersistence, errClosed)
	}
	cutoff := b.opts.Clock.Now().Add(-retention)
	var removed []*Record
	err := b.db.Update(func(tx *bolt.Tx) error {
		removed = removed[:0]
		msgBkt := tx.Bucket([]byte(messagesBucket))
		cur := msgBkt.Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			r, err := unmarshalRecord(k, v)
			if err != nil {
				return err
			}
			if r.Synced && !r.SyncedAt.After(cutoff) {
				removed = append(removed, r)
			}
		}
		// Deleting under an active cursor skips entries.
		for _, r := range removed {
			if err := msgBkt.Delete([]byte(r.ID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		b.log.Errorf("Prune(): Transaction failed: %v", err)
		return 0, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	for _, r := range removed {
		delete(b.cache, r.ID)
		b.stats.Buffered--
		if r.Discarded {
			b.stats.Discarded--
		} else {
			b.stats.Synced--
		}
	}
	if len(removed) > 0 {
		b.log.Debugf("Pruned %d synced records", len(removed))
	}
	return len(removed), nil
}

// Stats returns a snapshot of the buffer counters.
func (b *Buffer) Stats() Stats {
	b.RLock()
	defer b.RUnlock()
	return b.stats
}

// Close closes the underlying database.
func (b *Buffer) Close() error {
	b.Lock()
	defer b.Unlock()

	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *Buffer) cacheInsert(r *Record) {
	b.cache[r.ID] = r.clone()
	if !r.Synced {
		b.cachedPending++
	}
	for len(b.cache) > b.opts.CacheSize {
		b.cacheEvict()
	}
}

// cacheEvict drops one synced record if there is any, and otherwise the
// least urgent pending record.
func (b *Buffer) cacheEvict() {
	var victim *Record
	for _, r := range b.cache {
		if r.Synced {
			victim = r
			break
		}
		if victim == nil || victim.less(r) {
			victim = r
		}
	}
	if victim == nil {
		return
	}
	if !victim.Synced {
		b.cachedPending--
	}
	delete(b.cache, victim.ID)
}

func (b *Buffer) load() error {
	var pending []*Record
	err := b.db.View(func(tx *bolt.Tx) error {
		cur := tx.Bucket([]byte(messagesBucket)).Cursor()
		for k, v := cur.First(); k != nil; k, v = cur.Next() {
			r, err := unmarshalRecord(k, v)
			if err != nil {
				return fmt.Errorf("buffer: corrupted record %x: %w", k, err)
			}
			b.stats.Buffered++
			switch {
			case !r.Synced:
				b.stats.Pending++
				pending = append(pending, r)
			case r.Discarded:
				b.stats.Discarded++
			default:
				b.stats.Synced++
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].less(pending[j]) })
	for _, r := range pending {
		if len(b.cache) >= b.opts.CacheSize {
			break
		}
		b.cache[r.ID] = r
		b.cachedPending++
	}
	return nil
}

// New opens (or creates) the buffer database at f.
func New(f string, opts *Options, log *logging.Logger) (*Buffer, error) {
	b := &Buffer{
		log:   log,
		cache: make(map[string]*Record),
	}
	if opts != nil {
		b.opts = *opts
	}
	b.opts.applyDefaults()

	var err error
	b.db, err = bolt.Open(f, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("buffer: failed to open db: %w", err)
	}

	if err = b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return err
		}
		for _, name := range []string{messagesBucket, pendingBucket} {
			if _, err = tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		if v := bkt.Get([]byte(versionKey)); v != nil {
			if len(v) != 1 || v[0] != 0 {
				return fmt.Errorf("buffer: incompatible version: %x", v)
			}
			return nil
		}
		return bkt.Put([]byte(versionKey), []byte{0})
	}); err != nil {
		b.db.Close()
		return nil, err
	}

	if err = b.load(); err != nil {
		b.db.Close()
		return nil, err
	}
	b.log.Noticef("Opened buffer %v (%d pending, %d total)", f, b.stats.Pending, b.stats.Buffered)
	return b, nil
}
