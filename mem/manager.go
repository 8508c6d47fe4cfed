// Copyright 2021 The Erigon Authors
// This file is part of Erigon.
//
// Erigon is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// Erigon is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with Erigon. If not, see <http://www.gnu.org/licenses/>.

// Package mem is the transactional memory manager from spec.md §4.1/§6.1.
// It is the Go rendition of memorymanager.cc, built on a single-writer
// memory-mapped MDBX environment (github.com/erigontech/mdbx-go) instead of
// libpmemobj: one table (blocksDBI) holds every heap allocation keyed by a
// monotonic 64-bit offset, a second table (rootDBI) holds the pool header
// and the well-known root pointer. MDBX's own copy-on-write page log gives
// every committed write crash consistency; Snapshot exists so the
// container packages still go through the documented
// snapshot-then-mutate-then-commit sequence, and so the NotInTransaction
// contract is enforced at the same call sites it would be against real
// pmemobj_tx_add_range undo logging.
package mem

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/erigontech/erigon-lib/log/v3"
	"github.com/erigontech/mdbx-go/mdbx"
	"github.com/gofrs/flock"

	"github.com/erigontech/persipool/internal/typecode"
	"github.com/erigontech/persipool/pptr"
)

// TxStage mirrors libpmemobj's pobj_tx_stage enum closely enough for callers
// that want to branch on it, without pretending to reproduce every stage
// MDBX's own transaction model doesn't have.
type TxStage int

const (
	StageNone TxStage = iota
	StageWork
	StageCommit
	StageAbort
)

func (s TxStage) String() string {
	switch s {
	case StageNone:
		return "none"
	case StageWork:
		return "work"
	case StageCommit:
		return "committed"
	case StageAbort:
		return "aborted"
	default:
		return "unknown"
	}
}

const (
	blocksTable = "blocks"
	rootTable   = "root"
)

var rootKey = []byte("root")

// rootMagic identifies a file as a persipool pool to Check and Open.
const rootMagic = "PERSIP01"

// rootRecordSize: 8-byte magic, 64-byte layout (zero padded), 8-byte pool
// tag, 16-byte root-object pointer.
const (
	layoutFieldSize = 64
	rootRecordSize  = 8 + layoutFieldSize + 8 + 16
)

// Manager is the live handle on an open pool. The zero value is not usable;
// obtain one via Open or Create.
type Manager struct {
	cfg       Config
	env       *mdbx.Env
	blocksDBI mdbx.DBI
	rootDBI   mdbx.DBI
	lock      *flock.Flock
	logger    log.Logger
	poolTag   uint64
	layout    string

	txn   *mdbx.Txn
	stage TxStage
}

// Create makes a new pool file at cfg.Path. It fails if the file already
// exists, matching pmemobj_create.
func Create(cfg Config) (*Manager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if _, err := os.Stat(cfg.Path); err == nil {
		return nil, fmt.Errorf("%w: %s already exists", ErrAlreadyOpen, cfg.Path)
	}
	lg := cfg.logger()

	lock, err := acquireLock(cfg)
	if err != nil {
		return nil, err
	}

	env, blocksDBI, rootDBI, err := openEnv(cfg, mdbx.Create)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrPoolOpen, err)
	}

	tag, err := newPoolTag()
	if err != nil {
		env.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: minting pool tag: %w", ErrPoolOpen, err)
	}

	m := &Manager{
		cfg: cfg, env: env, blocksDBI: blocksDBI, rootDBI: rootDBI,
		lock: lock, logger: lg, poolTag: tag, layout: cfg.Layout,
	}
	if err := m.writeHeader(); err != nil {
		env.Close()
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: %w", ErrPoolOpen, err)
	}
	lg.Info("persipool: created pool", "path", cfg.Path, "layout", cfg.Layout, "size", cfg.size().HumanReadable())
	return m, nil
}

// Open attaches to an existing pool file, validating its magic and layout.
func Open(cfg Config) (*Manager, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("%w: empty path", ErrInvalidArgument)
	}
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPoolOpen, err)
	}
	lg := cfg.logger()

	var lock *flock.Flock
	var err error
	if !cfg.ReadOnly {
		lock, err = acquireLock(cfg)
		if err != nil {
			return nil, err
		}
	}

	flags := uint(0)
	if cfg.ReadOnly {
		flags |= mdbx.Readonly
	}
	env, blocksDBI, rootDBI, err := openEnv(cfg, flags)
	if err != nil {
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, fmt.Errorf("%w: %w", ErrPoolOpen, err)
	}

	m := &Manager{
		cfg: cfg, env: env, blocksDBI: blocksDBI, rootDBI: rootDBI,
		lock: lock, logger: lg,
	}
	if err := m.readHeader(); err != nil {
		env.Close()
		if lock != nil {
			_ = lock.Unlock()
		}
		return nil, err
	}
	lg.Info("persipool: opened pool", "path", cfg.Path, "layout", m.layout)
	return m, nil
}

// Check validates a pool file's header without leaving it open, the
// equivalent of pmemobj_check.
func Check(cfg Config) error {
	cfg.ReadOnly = true
	m, err := Open(cfg)
	if err != nil {
		return err
	}
	return m.Close()
}

func acquireLock(cfg Config) (*flock.Flock, error) {
	lock := flock.New(cfg.Path + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("%w: acquiring pool lock: %w", ErrPoolOpen, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: pool %s is locked by another process", ErrAlreadyOpen, cfg.Path)
	}
	return lock, nil
}

func openEnv(cfg Config, extraFlags uint) (*mdbx.Env, mdbx.DBI, mdbx.DBI, error) {
	env, err := mdbx.NewEnv(mdbx.Default)
	if err != nil {
		return nil, 0, 0, err
	}
	if err := env.SetMaxDBs(2); err != nil {
		env.Close()
		return nil, 0, 0, err
	}
	size := int(cfg.size().Bytes())
	if err := env.SetGeometry(-1, -1, size, -1, -1, -1); err != nil {
		env.Close()
		return nil, 0, 0, err
	}
	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			env.Close()
			return nil, 0, 0, err
		}
	}
	flags := mdbx.NoSubdir | mdbx.WriteMap | extraFlags
	if err := env.Open(cfg.Path, flags, cfg.mode()); err != nil {
		env.Close()
		return nil, 0, 0, err
	}

	var blocksDBI, rootDBI mdbx.DBI
	err = env.Update(func(txn *mdbx.Txn) error {
		var err error
		blocksDBI, err = txn.OpenDBI(blocksTable, mdbx.Create, nil, nil)
		if err != nil {
			return err
		}
		rootDBI, err = txn.OpenDBI(rootTable, mdbx.Create, nil, nil)
		return err
	})
	if err != nil {
		env.Close()
		return nil, 0, 0, err
	}
	return env, blocksDBI, rootDBI, nil
}

func newPoolTag() (uint64, error) {
	for {
		var buf [8]byte
		if _, err := rand.Read(buf[:]); err != nil {
			return 0, err
		}
		tag := binary.LittleEndian.Uint64(buf[:])
		if tag != pptr.TagNull && tag != pptr.TagSingleton && tag != pptr.TagNumber {
			return tag, nil
		}
	}
}

func (m *Manager) writeHeader() error {
	return m.env.Update(func(txn *mdbx.Txn) error {
		return txn.Put(m.rootDBI, rootKey, encodeRoot(m.layout, m.poolTag, pptr.Undefined), 0)
	})
}

func (m *Manager) readHeader() error {
	return m.env.View(func(txn *mdbx.Txn) error {
		v, err := txn.Get(m.rootDBI, rootKey)
		if err != nil {
			return fmt.Errorf("%w: missing pool header: %w", ErrCorrupt, err)
		}
		layout, tag, _, err := decodeRoot(v)
		if err != nil {
			return err
		}
		if m.cfg.Layout != "" && m.cfg.Layout != layout {
			return fmt.Errorf("%w: layout mismatch: pool has %q, opened with %q", ErrCorrupt, layout, m.cfg.Layout)
		}
		m.layout = layout
		m.poolTag = tag
		return nil
	})
}

func encodeRoot(layout string, tag uint64, root pptr.PPtr) []byte {
	buf := make([]byte, rootRecordSize)
	copy(buf[0:8], rootMagic)
	lf := []byte(layout)
	if len(lf) > layoutFieldSize {
		lf = lf[:layoutFieldSize]
	}
	copy(buf[8:8+layoutFieldSize], lf)
	off := 8 + layoutFieldSize
	binary.LittleEndian.PutUint64(buf[off:off+8], tag)
	binary.LittleEndian.PutUint64(buf[off+8:off+16], root.Tag)
	binary.LittleEndian.PutUint64(buf[off+16:off+24], root.Off)
	return buf
}

func decodeRoot(buf []byte) (layout string, tag uint64, root pptr.PPtr, err error) {
	if len(buf) != rootRecordSize || string(buf[0:8]) != rootMagic {
		return "", 0, pptr.Null, fmt.Errorf("%w: bad pool header", ErrCorrupt)
	}
	off := 8 + layoutFieldSize
	lf := buf[8:off]
	n := len(lf)
	for n > 0 && lf[n-1] == 0 {
		n--
	}
	layout = string(lf[:n])
	tag = binary.LittleEndian.Uint64(buf[off : off+8])
	root = pptr.PPtr{
		Tag: binary.LittleEndian.Uint64(buf[off+8 : off+16]),
		Off: binary.LittleEndian.Uint64(buf[off+16 : off+24]),
	}
	return layout, tag, root, nil
}

// Close releases the advisory lock and unmaps the pool. It must not be
// called while a transaction is open.
func (m *Manager) Close() error {
	if m.InTransaction() {
		return fmt.Errorf("%w: pool closed with an open transaction", ErrInvalidArgument)
	}
	m.env.Close()
	if m.lock != nil {
		return m.lock.Unlock()
	}
	return nil
}

// PoolTag is the random identifier minted for this pool at Create time. A
// PPtr whose Tag differs from it was minted by a different pool.
func (m *Manager) PoolTag() uint64 { return m.poolTag }

// Logger returns the manager's configured logger.
func (m *Manager) Logger() log.Logger { return m.logger }

// InTransaction reports whether a transaction begun by TxBegin is open.
func (m *Manager) InTransaction() bool { return m.txn != nil }

// TxStage reports the current transaction stage, mirroring pmemobj_tx_stage.
func (m *Manager) TxStage() TxStage { return m.stage }

// TxBegin opens a new read-write transaction. Nested calls are rejected:
// persipool, like libpmemobj, models one flat transaction per worker at a
// time rather than true nesting.
func (m *Manager) TxBegin() error {
	if m.InTransaction() {
		return fmt.Errorf("%w: transaction already open", ErrInvalidArgument)
	}
	if m.cfg.ReadOnly {
		return fmt.Errorf("%w: pool is read-only", ErrInvalidArgument)
	}
	txn, err := m.env.BeginTxn(nil, 0)
	if err != nil {
		return err
	}
	m.txn = txn
	m.stage = StageWork
	return nil
}

// TxCommit commits the open transaction.
func (m *Manager) TxCommit() error {
	if !m.InTransaction() {
		return fmt.Errorf("%w: commit with no open transaction", ErrNotInTransaction)
	}
	_, err := m.txn.Commit()
	m.txn = nil
	if err != nil {
		m.stage = StageAbort
		return err
	}
	m.stage = StageCommit
	return nil
}

// TxAbort rolls back the open transaction.
func (m *Manager) TxAbort() error {
	if !m.InTransaction() {
		return fmt.Errorf("%w: abort with no open transaction", ErrNotInTransaction)
	}
	m.txn.Abort()
	m.txn = nil
	m.stage = StageAbort
	return nil
}

// TxEnd closes out the current stage, the counterpart of pmemobj_tx_end: it
// returns an error while a transaction is still open, and otherwise resets
// the stage to StageNone.
func (m *Manager) TxEnd() error {
	if m.InTransaction() {
		return fmt.Errorf("%w: end called with the transaction still open", ErrInvalidArgument)
	}
	m.stage = StageNone
	return nil
}

// WithTx runs fn inside a new transaction, committing on a nil return and
// aborting on error or panic. Container and pobject mutators never open a
// transaction themselves; callers (ppool, gc, tests) wrap them in WithTx.
func (m *Manager) WithTx(fn func() error) (err error) {
	if err := m.TxBegin(); err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = m.TxAbort()
			_ = m.TxEnd()
			panic(p)
		}
	}()
	if ferr := fn(); ferr != nil {
		_ = m.TxAbort()
		_ = m.TxEnd()
		return ferr
	}
	if err = m.TxCommit(); err != nil {
		_ = m.TxEnd()
		return err
	}
	return m.TxEnd()
}

// Snapshot records that the caller is about to mutate the named region
// within the active transaction. It must be called from inside a
// transaction; with MDBX's own page-level copy-on-write already guaranteeing
// crash consistency for every committed Put, this call is a contract check
// and a diagnostic breadcrumb rather than a literal undo-log registration.
func (m *Manager) Snapshot(label string) error {
	if !m.InTransaction() {
		return fmt.Errorf("%w: snapshot %q", ErrNotInTransaction, label)
	}
	m.logger.Debug("persipool snapshot", "region", label)
	return nil
}

func (m *Manager) view(fn func(txn *mdbx.Txn) error) error {
	if m.txn != nil {
		return fn(m.txn)
	}
	return m.env.View(fn)
}

func (m *Manager) update(fn func(txn *mdbx.Txn) error) error {
	if m.txn != nil {
		return fn(m.txn)
	}
	return m.env.Update(fn)
}

func blockKey(off uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, off)
	return b
}

func keyOffset(k []byte) uint64 { return binary.BigEndian.Uint64(k) }

func (m *Manager) validate(p pptr.PPtr) error {
	if !p.IsHeap(m.poolTag) {
		return fmt.Errorf("%w: pointer does not belong to this pool", ErrCorrupt)
	}
	return nil
}

// TxZalloc allocates a zero-filled block of size bytes inside the active
// transaction, tagged with typeNum for the collector's census. It requires
// an open transaction; the allocation rolls back with the rest of the
// transaction on abort because the underlying Put was never committed.
func (m *Manager) TxZalloc(size int, typeNum typecode.Num) (pptr.PPtr, error) {
	if !m.InTransaction() {
		return pptr.Null, fmt.Errorf("%w: tx_zalloc", ErrNotInTransaction)
	}
	if size < 0 {
		return pptr.Null, fmt.Errorf("%w: negative size", ErrInvalidArgument)
	}
	off, err := m.txn.Sequence(m.blocksDBI, 1)
	if err != nil {
		return pptr.Null, fmt.Errorf("%w: %w", ErrAlloc, err)
	}
	value := make([]byte, 1+size)
	value[0] = byte(typeNum)
	if err := m.txn.Put(m.blocksDBI, blockKey(off), value, 0); err != nil {
		return pptr.Null, fmt.Errorf("%w: %w", ErrAlloc, err)
	}
	return pptr.PPtr{Tag: m.poolTag, Off: off}, nil
}

// TxZrealloc resizes p's block in place, preserving its offset (and so every
// other pointer aimed at it) while zero-extending or truncating the
// payload. A size of zero frees p and returns pptr.Null, matching
// pmemobj_tx_zrealloc(pop, &oid, 0, type_num).
func (m *Manager) TxZrealloc(p pptr.PPtr, size int, typeNum typecode.Num) (pptr.PPtr, error) {
	if !m.InTransaction() {
		return pptr.Null, fmt.Errorf("%w: tx_zrealloc", ErrNotInTransaction)
	}
	if size == 0 {
		if p.IsNull() {
			return pptr.Null, nil
		}
		return pptr.Null, m.Free(p)
	}
	if p.IsNull() {
		return m.TxZalloc(size, typeNum)
	}
	if err := m.validate(p); err != nil {
		return pptr.Null, err
	}
	key := blockKey(p.Off)
	old, err := m.txn.Get(m.blocksDBI, key)
	if err != nil {
		return pptr.Null, fmt.Errorf("%w: %w", ErrKeyNotFound, err)
	}
	value := make([]byte, 1+size)
	value[0] = byte(typeNum)
	copy(value[1:], old[1:])
	if err := m.txn.Put(m.blocksDBI, key, value, 0); err != nil {
		return pptr.Null, fmt.Errorf("%w: %w", ErrAlloc, err)
	}
	return p, nil
}

// Zalloc allocates a zero-filled block without requiring an open
// transaction. Outside a transaction it commits its own and is durable as
// soon as it returns; inside one it joins that transaction and rolls back
// with it on abort.
func (m *Manager) Zalloc(size int, typeNum typecode.Num) (pptr.PPtr, error) {
	if size < 0 {
		return pptr.Null, fmt.Errorf("%w: negative size", ErrInvalidArgument)
	}
	return m.ZallocBytes(make([]byte, size), typeNum)
}

// ZallocBytes is Zalloc with the block's payload initialized to data's
// contents rather than left zero-filled. PersistString and the arraybuffer
// package build their non-transactional, self-contained leaf blocks on this
// instead of Zalloc-then-WriteBlock, since the latter would require an open
// transaction WriteBlock doesn't need here.
func (m *Manager) ZallocBytes(data []byte, typeNum typecode.Num) (pptr.PPtr, error) {
	var result pptr.PPtr
	err := m.update(func(txn *mdbx.Txn) error {
		off, err := txn.Sequence(m.blocksDBI, 1)
		if err != nil {
			return err
		}
		value := make([]byte, 1+len(data))
		value[0] = byte(typeNum)
		copy(value[1:], data)
		if err := txn.Put(m.blocksDBI, blockKey(off), value, 0); err != nil {
			return err
		}
		result = pptr.PPtr{Tag: m.poolTag, Off: off}
		return nil
	})
	if err != nil {
		return pptr.Null, fmt.Errorf("%w: %w", ErrAlloc, err)
	}
	return result, nil
}

// Persist is a documented no-op: every Put above is already committed
// through MDBX's own write-ahead page log by the time TxCommit or the
// implicit update transaction in Zalloc returns. It exists so call sites
// written against spec.md §6.1's persist() contract still compile and read
// naturally; it still validates that p belongs to this pool.
func (m *Manager) Persist(p pptr.PPtr) error {
	if p.IsNull() || p.IsSingleton() || p.IsNumber() {
		return nil
	}
	return m.validate(p)
}

// PersistString allocates an immutable string block: an 8-byte
// typecode.String header followed by s's bytes and a NUL terminator,
// mirroring PStringObject in common.h. Like Zalloc it needs no open
// transaction, and joins the open one when there is one.
func (m *Manager) PersistString(s string) (pptr.PPtr, error) {
	payload := make([]byte, typecode.StringHeaderSize+len(s)+1)
	binary.LittleEndian.PutUint64(payload[:typecode.StringHeaderSize], uint64(typecode.String))
	copy(payload[typecode.StringHeaderSize:], s)
	return m.ZallocBytes(payload, typecode.None)
}

// Free releases p's block. Inside an open transaction the delete rolls back
// with everything else on abort; outside one it takes effect immediately,
// matching how pmemobj_free and the tx_free-on-abort paths both ultimately
// just remove an allocation from the heap's bookkeeping. Freeing pptr.Null
// or a block that is already gone is a no-op.
func (m *Manager) Free(p pptr.PPtr) error {
	if p.IsNull() {
		return nil
	}
	if err := m.validate(p); err != nil {
		return err
	}
	return m.update(func(txn *mdbx.Txn) error {
		err := txn.Del(m.blocksDBI, blockKey(p.Off), nil)
		if mdbx.IsNotFound(err) {
			return nil
		}
		return err
	})
}

// Direct returns a private copy of p's stored payload (the bytes after the
// allocator's leading type-num byte) together with that type-num. Go has no
// analogue of pmemobj_direct's raw aliased pointer, so mutation always goes
// back through WriteBlock/TxZalloc/TxZrealloc rather than through the slice
// Direct returns.
func (m *Manager) Direct(p pptr.PPtr) ([]byte, typecode.Num, error) {
	if p.IsNull() {
		return nil, typecode.None, nil
	}
	if err := m.validate(p); err != nil {
		return nil, typecode.None, err
	}
	var payload []byte
	var typeNum typecode.Num
	err := m.view(func(txn *mdbx.Txn) error {
		v, err := txn.Get(m.blocksDBI, blockKey(p.Off))
		if err != nil {
			if mdbx.IsNotFound(err) {
				return fmt.Errorf("%w: offset %d", ErrKeyNotFound, p.Off)
			}
			return err
		}
		typeNum = typecode.Num(v[0])
		payload = append([]byte(nil), v[1:]...)
		return nil
	})
	if err != nil {
		return nil, typecode.None, err
	}
	return payload, typeNum, nil
}

// TypeNum returns the allocator type-num of p's block. It is built on
// Direct, so it copies the payload as well.
func (m *Manager) TypeNum(p pptr.PPtr) (typecode.Num, error) {
	_, t, err := m.Direct(p)
	return t, err
}

// WriteBlock overwrites p's payload in place, preserving its offset and
// allocator type-num. It requires an open transaction.
func (m *Manager) WriteBlock(p pptr.PPtr, payload []byte) error {
	if !m.InTransaction() {
		return fmt.Errorf("%w: write_block", ErrNotInTransaction)
	}
	if err := m.validate(p); err != nil {
		return err
	}
	key := blockKey(p.Off)
	old, err := m.txn.Get(m.blocksDBI, key)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrKeyNotFound, err)
	}
	value := make([]byte, 1+len(payload))
	value[0] = old[0]
	copy(value[1:], payload)
	return m.txn.Put(m.blocksDBI, key, value, 0)
}

// PtrOf wraps a raw block offset as a PPtr addressing this pool, the Go
// counterpart of OID_IS_NULL-free PMEMoid construction from a known offset.
func (m *Manager) PtrOf(off uint64) pptr.PPtr { return pptr.PPtr{Tag: m.poolTag, Off: off} }

// First returns the lowest-offset live heap block, or pptr.Null if the pool
// has none. Together with Next it is the linear walk the collector's census
// phase uses (spec.md §4.7 phase 1).
func (m *Manager) First() (pptr.PPtr, error) {
	result := pptr.Null
	err := m.view(func(txn *mdbx.Txn) error {
		cur, err := txn.OpenCursor(m.blocksDBI)
		if err != nil {
			return err
		}
		defer cur.Close()
		k, _, err := cur.Get(nil, nil, mdbx.First)
		if err != nil {
			if mdbx.IsNotFound(err) {
				return nil
			}
			return err
		}
		result = m.PtrOf(keyOffset(k))
		return nil
	})
	return result, err
}

// Next returns the next live heap block after p in offset order, or
// pptr.Null once the walk is exhausted.
func (m *Manager) Next(p pptr.PPtr) (pptr.PPtr, error) {
	result := pptr.Null
	err := m.view(func(txn *mdbx.Txn) error {
		cur, err := txn.OpenCursor(m.blocksDBI)
		if err != nil {
			return err
		}
		defer cur.Close()
		if _, _, err := cur.Get(blockKey(p.Off), nil, mdbx.Set); err != nil {
			return err
		}
		k, _, err := cur.Get(nil, nil, mdbx.Next)
		if err != nil {
			if mdbx.IsNotFound(err) {
				return nil
			}
			return err
		}
		result = m.PtrOf(keyOffset(k))
		return nil
	})
	return result, err
}

// Root returns the root_object field of the pool header (spec.md §6.3's
// pool_root). Only when that field is pptr.Null does it allocate a
// zero-filled block of max(size, typecode.CodeSize) bytes and install it
// there. Create initializes the field to pptr.Undefined, so on a pool made
// by Create, Root returns pptr.Undefined and allocates nothing. Later calls,
// regardless of size, return the same pointer.
func (m *Manager) Root(size int) (pptr.PPtr, error) {
	if size < 0 {
		return pptr.Null, fmt.Errorf("%w: negative root size", ErrInvalidArgument)
	}
	root, err := m.GetRootObject()
	if err != nil {
		return pptr.Null, err
	}
	if !root.IsNull() {
		return root, nil
	}
	if err := m.WithTx(func() error {
		newRoot, err := m.TxZalloc(max(size, typecode.CodeSize), typecode.Object)
		if err != nil {
			return err
		}
		return m.setRootObjectLocked(newRoot)
	}); err != nil {
		return pptr.Null, err
	}
	return m.GetRootObject()
}

// GetRootObject reads the root_object field of the pool header.
func (m *Manager) GetRootObject() (pptr.PPtr, error) {
	var root pptr.PPtr
	err := m.view(func(txn *mdbx.Txn) error {
		v, err := txn.Get(m.rootDBI, rootKey)
		if err != nil {
			return fmt.Errorf("%w: missing pool header: %w", ErrCorrupt, err)
		}
		_, _, r, err := decodeRoot(v)
		if err != nil {
			return err
		}
		root = r
		return nil
	})
	return root, err
}

// SetRootObject transactionally overwrites the root_object field. It opens
// its own transaction if none is active.
func (m *Manager) SetRootObject(p pptr.PPtr) error {
	if m.InTransaction() {
		return m.setRootObjectLocked(p)
	}
	return m.WithTx(func() error { return m.setRootObjectLocked(p) })
}

func (m *Manager) setRootObjectLocked(p pptr.PPtr) error {
	return m.update(func(txn *mdbx.Txn) error {
		return txn.Put(m.rootDBI, rootKey, encodeRoot(m.layout, m.poolTag, p), 0)
	})
}
