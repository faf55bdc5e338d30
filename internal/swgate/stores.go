package swgate

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

var errStoresClosed = errors.New("stores closed")

const storeSep = "\x00"

// Stores owns every named response store. All stores share one goleveldb
// database and one RAM tier; an entry's key is "<store>\x00<request key>".
type Stores struct {
	db   *leveldb.DB
	ram  *ramCache
	disk *diskCache
	log  *slog.Logger

	insertLog *rateLimitedLogger
}

// Store is a handle on one named store.
type Store struct {
	name string
	m    *Stores
}

// OpenStores opens (or creates) the database at path. An empty path keeps
// everything in memory.
func OpenStores(path string, ramMax, diskMax int64, log *slog.Logger) (*Stores, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open store db %q: %w", path, err)
	}
	overflow := newRateLimitedLogger(log, time.Minute)
	disk, err := newDiskCache(db, diskMax, overflow)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Stores{
		db:        db,
		ram:       newRAMCache(ramMax, overflow),
		disk:      disk,
		log:       log,
		insertLog: newRateLimitedLogger(log, time.Minute),
	}, nil
}

func (m *Stores) Close() {
	m.disk.close()
	_ = m.db.Close()
}

// Open returns the named store, registering it if it does not exist yet.
func (m *Stores) Open(name string) *Store {
	if err := m.db.Put([]byte("n:"+name), []byte{1}, nil); err != nil {
		m.log.Warn("register store", "store", name, "error", err)
	}
	return &Store{name: name, m: m}
}

// Names lists every registered store.
func (m *Stores) Names() []string {
	it := m.db.NewIterator(util.BytesPrefix([]byte("n:")), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte("n:"))))
	}
	sort.Strings(out)
	return out
}

// Purge deletes every store whose name is not in retained and returns the
// names it removed. It returns once the deletions are durable.
func (m *Stores) Purge(retained []string) ([]string, error) {
	keep := make(map[string]struct{}, len(retained))
	for _, n := range retained {
		keep[n] = struct{}{}
	}
	var doomed []string
	for _, n := range m.Names() {
		if _, ok := keep[n]; !ok {
			doomed = append(doomed, n)
		}
	}
	if len(doomed) == 0 {
		return nil, nil
	}
	if err := m.disk.Purge(doomed); err != nil {
		return nil, fmt.Errorf("purge stores: %w", err)
	}
	// After the disk purge, so a racing lookup cannot refill RAM from disk.
	for _, n := range doomed {
		m.ram.DeletePrefix(n + storeSep)
	}
	return doomed, nil
}

// Count returns how many entries the named store holds.
func (m *Stores) Count(name string) int {
	prefix := name + storeSep
	seen := map[string]struct{}{}
	for _, k := range m.disk.Keys() {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	for _, k := range m.ram.Keys() {
		if strings.HasPrefix(k, prefix) {
			seen[k] = struct{}{}
		}
	}
	return len(seen)
}

func (m *Stores) RAMBytes() int64  { return m.ram.TotalSize() }
func (m *Stores) DiskBytes() int64 { return m.disk.TotalSize() }

func (s *Store) Name() string { return s.name }

func (s *Store) key(req Request) string { return s.name + storeSep + req.Key() }

// Lookup returns the stored snapshot for req. A miss is not an error.
func (s *Store) Lookup(req Request) (Snapshot, bool) {
	key := s.key(req)
	if ent, ok := s.m.ram.Get(key); ok {
		return ent, true
	}
	ent, ok := s.m.disk.Get(key)
	if !ok {
		return Snapshot{}, false
	}
	_ = s.m.ram.Put(key, ent)
	return ent, true
}

// Insert stores snap under req without its cookies. Failures are logged and
// dropped.
func (s *Store) Insert(req Request, snap Snapshot) {
	key := s.key(req)
	snap.Header = cloneHeader(snap.Header)
	for _, h := range clientOnlyHeaders {
		snap.Header.Del(h)
	}
	if err := s.m.ram.Put(key, snap); err != nil {
		s.m.insertLog.Warn("store insert failed", "store", s.name, "key", req.Key(), "error", err)
		return
	}
	if err := s.m.disk.PutAsync(key, snap); err != nil {
		s.m.insertLog.Warn("store insert failed", "store", s.name, "key", req.Key(), "error", err)
	}
}

// peek reads without touching LRU order.
func (s *Store) peek(req Request) (Snapshot, bool) {
	key := s.key(req)
	if ent, ok := s.m.ram.Peek(key); ok {
		return ent, true
	}
	return s.m.disk.Peek(key)
}

// ---- disk tier ----

type diskMeta struct {
	Size       int64
	LastAccess int64
}

type diskOp struct {
	putKey string
	putEnt *Snapshot
	delKey string

	purge []string
	done  chan error
}

type diskCache struct {
	maxBytes int64

	db *leveldb.DB

	mu        sync.Mutex
	index     map[string]diskMeta
	totalSize int64

	// opsMu guards sends on ops against close.
	opsMu  sync.RWMutex
	closed bool
	ops    chan diskOp
	done   chan struct{}

	overflowLog *rateLimitedLogger
}

func newDiskCache(db *leveldb.DB, maxBytes int64, overflowLog *rateLimitedLogger) (*diskCache, error) {
	d := &diskCache{
		maxBytes:    maxBytes,
		db:          db,
		index:       map[string]diskMeta{},
		ops:         make(chan diskOp, 1024),
		done:        make(chan struct{}),
		overflowLog: overflowLog,
	}
	if err := d.loadIndex(); err != nil {
		return nil, fmt.Errorf("load store index: %w", err)
	}
	go d.writerLoop()
	return d, nil
}

func (d *diskCache) close() {
	d.opsMu.Lock()
	if !d.closed {
		d.closed = true
		close(d.ops)
	}
	d.opsMu.Unlock()
	<-d.done
}

func (d *diskCache) send(op diskOp) error {
	d.opsMu.RLock()
	defer d.opsMu.RUnlock()
	if d.closed {
		return errStoresClosed
	}
	d.ops <- op
	return nil
}

func (d *diskCache) TotalSize() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.totalSize
}

func (d *diskCache) loadIndex() error {
	it := d.db.NewIterator(util.BytesPrefix([]byte("m:")), nil)
	defer it.Release()

	var total int64
	idx := map[string]diskMeta{}
	for it.Next() {
		key := string(bytes.TrimPrefix(it.Key(), []byte("m:")))
		var meta diskMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			continue
		}
		idx[key] = meta
		total += meta.Size
	}
	if err := it.Error(); err != nil {
		return err
	}
	d.mu.Lock()
	d.index = idx
	d.totalSize = total
	d.mu.Unlock()
	return nil
}

func (d *diskCache) Keys() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.index))
	for k := range d.index {
		out = append(out, k)
	}
	return out
}

func (d *diskCache) Peek(key string) (Snapshot, bool) {
	b, err := d.db.Get([]byte("e:"+key), nil)
	if err != nil {
		return Snapshot{}, false
	}
	var ent Snapshot
	if err := decodeGob(b, &ent); err != nil {
		return Snapshot{}, false
	}
	return ent, true
}

func (d *diskCache) Get(key string) (Snapshot, bool) {
	ent, ok := d.Peek(key)
	if !ok {
		return Snapshot{}, false
	}
	d.mu.Lock()
	meta, exists := d.index[key]
	if exists {
		meta.LastAccess = time.Now().Unix()
		d.index[key] = meta
	}
	d.mu.Unlock()
	if exists {
		_ = d.send(diskOp{putKey: key}) // meta touch
	}
	return ent, true
}

func (d *diskCache) PutAsync(key string, ent Snapshot) error {
	clone := ent
	return d.send(diskOp{putKey: key, putEnt: &clone})
}

// Purge removes every entry of the named stores and their registrations.
func (d *diskCache) Purge(names []string) error {
	done := make(chan error, 1)
	if err := d.send(diskOp{purge: names, done: done}); err != nil {
		return err
	}
	return <-done
}

func (d *diskCache) writerLoop() {
	defer close(d.done)
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for op := range d.ops {
		switch {
		case op.purge != nil:
			op.done <- d.applyPurge(op.purge)
		case op.delKey != "":
			d.applyDelete(op.delKey)
		case op.putKey != "":
			d.applyPutOrTouch(op.putKey, op.putEnt)
		}
	}
}

func (d *diskCache) applyPutOrTouch(key string, ent *Snapshot) {
	now := time.Now().Unix()

	d.mu.Lock()
	meta, known := d.index[key]
	d.mu.Unlock()

	batch := new(leveldb.Batch)

	if ent != nil {
		b, err := encodeGob(*ent)
		if err != nil {
			d.overflowLog.Warn("encode snapshot", "key", key, "error", err)
			return
		}
		size := int64(len(b))
		if d.maxBytes > 0 && size > d.maxBytes {
			d.overflowLog.Warn("snapshot exceeds disk budget, dropped", "key", key, "size", humanize.IBytes(uint64(size)))
			return
		}

		d.mu.Lock()
		if old, ok := d.index[key]; ok {
			d.totalSize -= old.Size
		}
		meta.Size = size
		meta.LastAccess = now
		d.index[key] = meta
		d.totalSize += size
		over := d.maxBytes > 0 && d.totalSize > d.maxBytes
		d.mu.Unlock()

		batch.Put([]byte("e:"+key), b)
		mb, _ := encodeGob(meta)
		batch.Put([]byte("m:"+key), mb)
		if err := d.db.Write(batch, nil); err != nil {
			d.overflowLog.Warn("write snapshot", "key", key, "error", err)
			return
		}

		if over {
			d.evictSome()
		}
		return
	}

	// touch only
	if !known {
		return
	}
	meta.LastAccess = now
	mb, _ := encodeGob(meta)
	batch.Put([]byte("m:"+key), mb)
	_ = d.db.Write(batch, nil)
}

func (d *diskCache) applyDelete(key string) {
	batch := new(leveldb.Batch)
	batch.Delete([]byte("e:" + key))
	batch.Delete([]byte("m:" + key))
	_ = d.db.Write(batch, nil)

	d.mu.Lock()
	if meta, ok := d.index[key]; ok {
		d.totalSize -= meta.Size
		delete(d.index, key)
	}
	d.mu.Unlock()
}

func (d *diskCache) applyPurge(names []string) error {
	batch := new(leveldb.Batch)
	var dropped []string
	for _, name := range names {
		batch.Delete([]byte("n:" + name))
		for _, p := range []string{"e:", "m:"} {
			it := d.db.NewIterator(util.BytesPrefix([]byte(p+name+storeSep)), nil)
			for it.Next() {
				batch.Delete(append([]byte(nil), it.Key()...))
			}
			err := it.Error()
			it.Release()
			if err != nil {
				return err
			}
		}
		prefix := name + storeSep
		d.mu.Lock()
		for k := range d.index {
			if strings.HasPrefix(k, prefix) {
				dropped = append(dropped, k)
			}
		}
		d.mu.Unlock()
	}
	if err := d.db.Write(batch, nil); err != nil {
		return err
	}
	d.mu.Lock()
	for _, k := range dropped {
		d.totalSize -= d.index[k].Size
		delete(d.index, k)
	}
	d.mu.Unlock()
	return nil
}

func (d *diskCache) evictSome() {
	d.mu.Lock()
	items := make([]struct {
		key string
		m   diskMeta
	}, 0, len(d.index))
	for k, m := range d.index {
		items = append(items, struct {
			key string
			m   diskMeta
		}{k, m})
	}
	d.mu.Unlock()

	sort.Slice(items, func(i, j int) bool {
		return items[i].m.LastAccess < items[j].m.LastAccess
	})

	n := len(items) / 10
	if n < 1 {
		n = 1
	}
	d.overflowLog.Warn("disk store over budget, evicting", "entries", n)
	for i := 0; i < n && i < len(items); i++ {
		d.applyDelete(items[i].key)
	}
}

// ---- ram tier ----

type ramItem struct {
	key  string
	ent  Snapshot
	size int64
	prev *ramItem
	next *ramItem
}

type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64

	overflowLog *rateLimitedLogger
}

func newRAMCache(maxBytes int64, overflowLog *rateLimitedLogger) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}, overflowLog: overflowLog}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.items))
	for k := range c.items {
		out = append(out, k)
	}
	return out
}

func (c *ramCache) Peek(key string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Snapshot{}, false
	}
	return it.ent, true
}

func (c *ramCache) Get(key string) (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return Snapshot{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.remove(it)
			delete(c.items, k)
			c.total -= it.size
		}
	}
}

// Put keeps ent in RAM. Entries bigger than the whole budget are left to the
// disk tier, which is not an error.
func (c *ramCache) Put(key string, ent Snapshot) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	sz := int64(len(b))

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.remove(it)
		delete(c.items, key)
		c.total -= it.size
	}
	if c.maxBytes > 0 && sz > c.maxBytes {
		return nil
	}

	for c.maxBytes > 0 && c.total+sz > c.maxBytes && c.tail != nil {
		c.evictLocked()
		c.overflowLog.Warn("RAM store overflow, evicting")
	}

	it := &ramItem{key: key, ent: ent, size: sz}
	c.items[key] = it
	c.addToFront(it)
	c.total += sz
	return nil
}

// evictLocked drops the 10% least recently used items. The disk tier already
// holds them.
func (c *ramCache) evictLocked() {
	n := len(c.items) / 10
	if n < 1 {
		n = 1
	}
	for i := 0; i < n; i++ {
		it := c.tail
		if it == nil {
			return
		}
		c.remove(it)
		delete(c.items, it.key)
		c.total -= it.size
	}
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

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

func init() {
	gob.Register(http.Header{})
}
