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

// Package numdict is the sparse uint32-keyed indexed-element representation
// from spec.md §4.4, grounded on PMNumDict in pmarray.cc/pmarray.h: a
// CPython-style open-addressed hash table with perturbed probing, used for
// arrays whose index space is too sparse for container/simplearray's dense
// slot vector.
package numdict

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/erigontech/persipool/internal/openaddr"
	"github.com/erigontech/persipool/internal/ppmath"
	"github.com/erigontech/persipool/internal/typecode"
	"github.com/erigontech/persipool/mem"
	"github.com/erigontech/persipool/pptr"
)

// HeaderSize is sizeof(PMNumDict): Code, used, fill, mask, and a pointer to
// the backing slot table.
const HeaderSize = typecode.CodeSize + 4 + 4 + 4 + pptr.Size

// entrySize is one backing-table slot: a one-byte state, a 4-byte key, and
// a 16-byte value pointer.
const entrySize = 1 + 4 + pptr.Size

// EntrySize re-exports entrySize for callers outside this package that need
// to cost a number-dictionary representation against their own, such as
// container/simplearray's promotion guard.
const EntrySize = entrySize

const (
	slotEmpty byte = iota
	slotDummy
	slotFull
)

// MinSizeCombined re-exports openaddr.MinSizeCombined for callers that only
// import this package.
const MinSizeCombined = openaddr.MinSizeCombined

// Dict is a handle on one on-pool number dictionary.
type Dict struct {
	mgr *mem.Manager
	hdr pptr.PPtr
}

// New allocates an empty number dictionary with no backing table; the
// table is created lazily on the first Set.
func New(mgr *mem.Manager) (*Dict, error) {
	hdr, err := mgr.TxZalloc(HeaderSize, typecode.Object)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(payload[:typecode.CodeSize], uint64(typecode.NumDict))
	if err := mgr.WriteBlock(hdr, payload); err != nil {
		return nil, err
	}
	return &Dict{mgr: mgr, hdr: hdr}, nil
}

// Open wraps an existing number-dictionary header pointer.
func Open(mgr *mem.Manager, hdr pptr.PPtr) *Dict { return &Dict{mgr: mgr, hdr: hdr} }

// Ptr returns the dictionary's header pointer, satisfying container.Indexed.
func (d *Dict) Ptr() pptr.PPtr { return d.hdr }

// DecodeHeader reads a number-dictionary header's fields out of a raw block
// payload, for the gc package's census/mark passes.
func DecodeHeader(payload []byte) (used, fill, mask uint32, table pptr.PPtr) {
	o := typecode.CodeSize
	return binary.LittleEndian.Uint32(payload[o : o+4]),
		binary.LittleEndian.Uint32(payload[o+4 : o+8]),
		binary.LittleEndian.Uint32(payload[o+8 : o+12]),
		pptr.Get(payload[o+12:])
}

// DecodeTableValues returns the value pointer of every FULL slot in a raw
// backing-table payload.
func DecodeTableValues(tablePayload []byte) []pptr.PPtr {
	n := len(tablePayload) / entrySize
	out := make([]pptr.PPtr, 0, n)
	for i := 0; i < n; i++ {
		state, _, v := slotAt(tablePayload, uint32(i))
		if state == slotFull {
			out = append(out, v)
		}
	}
	return out
}

type header struct {
	used  uint32
	fill  uint32
	mask  uint32
	table pptr.PPtr
}

func (d *Dict) readHeader() (header, error) {
	payload, _, err := d.mgr.Direct(d.hdr)
	if err != nil {
		return header{}, err
	}
	if len(payload) < int(HeaderSize) {
		return header{}, fmt.Errorf("%w: truncated numdict header", mem.ErrCorrupt)
	}
	o := typecode.CodeSize
	return header{
		used:  binary.LittleEndian.Uint32(payload[o : o+4]),
		fill:  binary.LittleEndian.Uint32(payload[o+4 : o+8]),
		mask:  binary.LittleEndian.Uint32(payload[o+8 : o+12]),
		table: pptr.Get(payload[o+12:]),
	}, nil
}

func (d *Dict) writeHeader(h header) error {
	if err := d.mgr.Snapshot("numdict.header"); err != nil {
		return err
	}
	payload := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(payload[:typecode.CodeSize], uint64(typecode.NumDict))
	o := typecode.CodeSize
	binary.LittleEndian.PutUint32(payload[o:o+4], h.used)
	binary.LittleEndian.PutUint32(payload[o+4:o+8], h.fill)
	binary.LittleEndian.PutUint32(payload[o+8:o+12], h.mask)
	h.table.Put(payload[o+12:])
	return d.mgr.WriteBlock(d.hdr, payload)
}

func slotAt(table []byte, i uint32) (state byte, key uint32, value pptr.PPtr) {
	base := int(i) * entrySize
	state = table[base]
	key = binary.LittleEndian.Uint32(table[base+1 : base+5])
	value = pptr.Get(table[base+5:])
	return
}

func putSlot(table []byte, i uint32, state byte, key uint32, value pptr.PPtr) {
	base := int(i) * entrySize
	table[base] = state
	binary.LittleEndian.PutUint32(table[base+1:base+5], key)
	value.Put(table[base+5:])
}

func (d *Dict) table(h header) ([]byte, error) {
	if h.table.IsNull() {
		return nil, nil
	}
	payload, _, err := d.mgr.Direct(h.table)
	return payload, err
}

// Len returns the number of live (FULL) entries.
func (d *Dict) Len(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h, err := d.readHeader()
	return h.used, err
}

// Get returns the value stored for key, or pptr.Empty if absent.
func (d *Dict) Get(ctx context.Context, key uint32) (pptr.PPtr, error) {
	if err := ctx.Err(); err != nil {
		return pptr.Empty, err
	}
	h, err := d.readHeader()
	if err != nil {
		return pptr.Empty, err
	}
	if h.table.IsNull() {
		return pptr.Empty, nil
	}
	table, err := d.table(h)
	if err != nil {
		return pptr.Empty, err
	}
	found := pptr.Empty
	openaddr.Probe(h.mask, key, uint64(key), func(i uint32) bool {
		state, k, v := slotAt(table, i)
		switch state {
		case slotEmpty:
			return true
		case slotFull:
			if k == key {
				found = v
				return true
			}
		}
		return false
	})
	return found, nil
}

func (d *Dict) resize(h *header, targetCapacity uint32) error {
	newCap := uint32(ppmath.NextPow2(uint64(targetCapacity)))
	if newCap < MinSizeCombined {
		newCap = MinSizeCombined
	}
	newTableSize := int(newCap) * entrySize
	newTablePtr, err := d.mgr.TxZalloc(newTableSize, typecode.ElementsBase)
	if err != nil {
		return err
	}
	newTable := make([]byte, newTableSize)
	if !h.table.IsNull() {
		oldTable, err := d.table(*h)
		if err != nil {
			return err
		}
		newMask := newCap - 1
		for i := uint32(0); i <= h.mask; i++ {
			state, key, value := slotAt(oldTable, i)
			if state != slotFull {
				continue
			}
			openaddr.Probe(newMask, key, uint64(key), func(j uint32) bool {
				s, _, _ := slotAt(newTable, j)
				if s == slotEmpty {
					putSlot(newTable, j, slotFull, key, value)
					return true
				}
				return false
			})
		}
		if err := d.mgr.Free(h.table); err != nil {
			return err
		}
	}
	if err := d.mgr.Snapshot("numdict.table"); err != nil {
		return err
	}
	if err := d.mgr.WriteBlock(newTablePtr, newTable); err != nil {
		return err
	}
	h.table = newTablePtr
	h.mask = newCap - 1
	h.fill = h.used
	return nil
}

// Set inserts or overwrites key's value; after a new insert it resizes the
// backing table when one more insert would exceed the usable fraction of
// the current capacity (spec.md §4.4's insertion-driven resize).
func (d *Dict) Set(ctx context.Context, key uint32, v pptr.PPtr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := d.readHeader()
	if err != nil {
		return err
	}

	if h.table.IsNull() {
		if err := d.resize(&h, MinSizeCombined); err != nil {
			return err
		}
	}

	table, err := d.table(h)
	if err != nil {
		return err
	}

	isNewKey := true
	firstDummy := int64(-1)
	openaddr.Probe(h.mask, key, uint64(key), func(i uint32) bool {
		state, k, _ := slotAt(table, i)
		switch state {
		case slotEmpty:
			if firstDummy >= 0 {
				i = uint32(firstDummy)
			}
			putSlot(table, i, slotFull, key, v)
			return true
		case slotDummy:
			if firstDummy < 0 {
				firstDummy = int64(i)
			}
		case slotFull:
			if k == key {
				isNewKey = false
				putSlot(table, i, slotFull, key, v)
				return true
			}
		}
		return false
	})

	if isNewKey {
		h.used++
		if firstDummy < 0 {
			h.fill++
		}
	}

	if err := d.mgr.Snapshot("numdict.table"); err != nil {
		return err
	}
	if err := d.mgr.WriteBlock(h.table, table); err != nil {
		return err
	}

	growRate := openaddr.GrowRate(h.used, h.mask+1)
	if uint64(h.fill+1) > openaddr.UsableFraction(uint64(h.mask+1)) {
		if err := d.resize(&h, growRate); err != nil {
			return err
		}
	}
	return d.writeHeader(h)
}

// Del marks key's slot DUMMY, leaving a tombstone so later probes of
// different keys sharing its chain still terminate correctly.
func (d *Dict) Del(ctx context.Context, key uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := d.readHeader()
	if err != nil {
		return err
	}
	if h.table.IsNull() {
		return nil
	}
	table, err := d.table(h)
	if err != nil {
		return err
	}
	removed := false
	openaddr.Probe(h.mask, key, uint64(key), func(i uint32) bool {
		state, k, _ := slotAt(table, i)
		switch state {
		case slotEmpty:
			return true
		case slotFull:
			if k == key {
				putSlot(table, i, slotDummy, key, pptr.Null)
				removed = true
				return true
			}
		}
		return false
	})
	if !removed {
		return nil
	}
	h.used--
	if err := d.mgr.Snapshot("numdict.table"); err != nil {
		return err
	}
	if err := d.mgr.WriteBlock(h.table, table); err != nil {
		return err
	}
	return d.writeHeader(h)
}

// Indices returns every live key in ascending order. Table slot order is
// not insertion order, so ascending is the only deterministic ordering
// available without extra bookkeeping this dictionary doesn't keep.
func (d *Dict) Indices(ctx context.Context) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := d.readHeader()
	if err != nil {
		return nil, err
	}
	if h.table.IsNull() {
		return nil, nil
	}
	table, err := d.table(h)
	if err != nil {
		return nil, err
	}
	out := make([]uint32, 0, h.used)
	for i := uint32(0); i <= h.mask; i++ {
		state, key, _ := slotAt(table, i)
		if state == slotFull {
			out = append(out, key)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// ShouldConvertToSimpleArray reports whether this dictionary's backing
// table, sized off its actual allocated capacity rather than its current
// live-entry count, occupies at least half of what a dense array covering
// the highest live key would cost (spec.md §4.4's demotion guard:
// dict_space >= array_space/2). Capacity never shrinks on delete, so a
// table left bloated by keys that have since been removed still converts
// even though only a few low, dense keys remain live.
func (d *Dict) ShouldConvertToSimpleArray(ctx context.Context) (bool, error) {
	keys, err := d.Indices(ctx)
	if err != nil || len(keys) == 0 {
		return false, err
	}
	maxKey := keys[len(keys)-1]
	if uint64(maxKey) > uint64(pptr.SMIMax) {
		return false, nil
	}
	h, err := d.readHeader()
	if err != nil {
		return false, err
	}
	arrayAllocated := ppmath.ArrayGrowth(maxKey + 1)
	arraySpace := uint64(arrayAllocated) * uint64(pptr.Size)
	dictSpace := uint64(h.mask+1) * uint64(entrySize)
	return dictSpace*2 >= arraySpace, nil
}

// Free releases the dictionary's header and backing table, if any.
func (d *Dict) Free(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := d.readHeader()
	if err != nil {
		return err
	}
	if !h.table.IsNull() {
		if err := d.mgr.Free(h.table); err != nil {
			return err
		}
	}
	return d.mgr.Free(d.hdr)
}
