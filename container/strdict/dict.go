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

// Package strdict is the string-keyed property table from spec.md §4.5,
// grounded on PMDict in pmdict.cc/pmdict.h: the same open-addressed table
// shape as container/numdict, keyed by an MD5 digest of the string folded
// down to 64 bits, with the full key string stored alongside each entry so
// a probe hit can be confirmed against hash collisions.
package strdict

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/erigontech/persipool/internal/openaddr"
	"github.com/erigontech/persipool/internal/ppmath"
	"github.com/erigontech/persipool/internal/typecode"
	"github.com/erigontech/persipool/mem"
	"github.com/erigontech/persipool/pptr"
)

// HeaderSize is sizeof(PMDict): Code, used, fill, mask, and a pointer to
// the backing slot table.
const HeaderSize = typecode.CodeSize + 4 + 4 + 4 + pptr.Size

// entrySize is one backing-table slot: a one-byte state, an 8-byte folded
// hash, a 16-byte pointer to the key's persisted string, and a 16-byte
// value pointer.
const entrySize = 1 + 8 + pptr.Size + pptr.Size

const (
	slotEmpty byte = iota
	slotDummy
	slotFull
)

// MinSizeCombined re-exports openaddr.MinSizeCombined for callers that only
// import this package.
const MinSizeCombined = openaddr.MinSizeCombined

// Dict is a handle on one on-pool string dictionary.
type Dict struct {
	mgr *mem.Manager
	hdr pptr.PPtr
}

// hashKey folds an MD5 digest down to 64 bits by XORing its two halves -
// spec.md §4.5's hash function, kept bit-for-bit rather than swapped out
// for a faster non-cryptographic hash, per the Open Question decision in
// DESIGN.md to leave it unmodified.
func hashKey(key string) uint64 {
	sum := md5.Sum([]byte(key))
	lo := binary.LittleEndian.Uint64(sum[0:8])
	hi := binary.LittleEndian.Uint64(sum[8:16])
	return lo ^ hi
}

// New allocates an empty string dictionary with no backing table; the
// table is created lazily on the first Set.
func New(mgr *mem.Manager) (*Dict, error) {
	hdr, err := mgr.TxZalloc(HeaderSize, typecode.Object)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(payload[:typecode.CodeSize], uint64(typecode.Dict))
	if err := mgr.WriteBlock(hdr, payload); err != nil {
		return nil, err
	}
	return &Dict{mgr: mgr, hdr: hdr}, nil
}

// Open wraps an existing string-dictionary header pointer.
func Open(mgr *mem.Manager, hdr pptr.PPtr) *Dict { return &Dict{mgr: mgr, hdr: hdr} }

// Ptr returns the dictionary's header pointer.
func (d *Dict) Ptr() pptr.PPtr { return d.hdr }

// DecodeHeader reads a string-dictionary header's fields out of a raw block
// payload, for the gc package's census/mark passes.
func DecodeHeader(payload []byte) (used, fill, mask uint32, table pptr.PPtr) {
	o := typecode.CodeSize
	return binary.LittleEndian.Uint32(payload[o : o+4]),
		binary.LittleEndian.Uint32(payload[o+4 : o+8]),
		binary.LittleEndian.Uint32(payload[o+8 : o+12]),
		pptr.Get(payload[o+12:])
}

// Entry is one live (key pointer, value pointer) pair, as decoded by
// DecodeTableEntries.
type Entry struct {
	KeyPtr pptr.PPtr
	Value  pptr.PPtr
}

// DecodeTableEntries returns every FULL slot's key-string pointer and value
// pointer from a raw backing-table payload.
func DecodeTableEntries(tablePayload []byte) []Entry {
	n := len(tablePayload) / entrySize
	out := make([]Entry, 0, n)
	for i := 0; i < n; i++ {
		state, _, keyStr, v := slotAt(tablePayload, uint32(i))
		if state == slotFull {
			out = append(out, Entry{KeyPtr: keyStr, Value: v})
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
		return header{}, fmt.Errorf("%w: truncated dict header", mem.ErrCorrupt)
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
	if err := d.mgr.Snapshot("strdict.header"); err != nil {
		return err
	}
	payload := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(payload[:typecode.CodeSize], uint64(typecode.Dict))
	o := typecode.CodeSize
	binary.LittleEndian.PutUint32(payload[o:o+4], h.used)
	binary.LittleEndian.PutUint32(payload[o+4:o+8], h.fill)
	binary.LittleEndian.PutUint32(payload[o+8:o+12], h.mask)
	h.table.Put(payload[o+12:])
	return d.mgr.WriteBlock(d.hdr, payload)
}

func slotAt(table []byte, i uint32) (state byte, hash uint64, keyStr, value pptr.PPtr) {
	base := int(i) * entrySize
	state = table[base]
	hash = binary.LittleEndian.Uint64(table[base+1 : base+9])
	keyStr = pptr.Get(table[base+9:])
	value = pptr.Get(table[base+9+pptr.Size:])
	return
}

func putSlot(table []byte, i uint32, state byte, hash uint64, keyStr, value pptr.PPtr) {
	base := int(i) * entrySize
	table[base] = state
	binary.LittleEndian.PutUint64(table[base+1:base+9], hash)
	keyStr.Put(table[base+9:])
	value.Put(table[base+9+pptr.Size:])
}

func (d *Dict) table(h header) ([]byte, error) {
	if h.table.IsNull() {
		return nil, nil
	}
	payload, _, err := d.mgr.Direct(h.table)
	return payload, err
}

func (d *Dict) readKeyString(p pptr.PPtr) (string, error) {
	payload, _, err := d.mgr.Direct(p)
	if err != nil {
		return "", err
	}
	if len(payload) <= typecode.StringHeaderSize {
		return "", nil
	}
	raw := payload[typecode.StringHeaderSize:]
	if n := len(raw); n > 0 && raw[n-1] == 0 {
		raw = raw[:n-1]
	}
	return string(raw), nil
}

// Len returns the number of live entries.
func (d *Dict) Len(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h, err := d.readHeader()
	return h.used, err
}

// Get returns the value stored for key. Per spec.md §4.5/§6.4 a miss is
// never an error: it returns pptr.Empty, the "no such key" sentinel.
func (d *Dict) Get(ctx context.Context, key string) (pptr.PPtr, error) {
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
	hash := hashKey(key)
	found := pptr.Empty
	var probeErr error
	openaddr.Probe(h.mask, uint32(hash), hash, func(i uint32) bool {
		state, hv, keyStr, v := slotAt(table, i)
		switch state {
		case slotEmpty:
			return true
		case slotFull:
			if hv != hash {
				return false
			}
			stored, err := d.readKeyString(keyStr)
			if err != nil {
				probeErr = err
				return true
			}
			if stored == key {
				found = v
				return true
			}
		}
		return false
	})
	return found, probeErr
}

func (d *Dict) resize(h *header, targetCapacity uint32) error {
	newCap := uint32(ppmath.NextPow2(uint64(targetCapacity)))
	if newCap < MinSizeCombined {
		newCap = MinSizeCombined
	}
	newTableSize := int(newCap) * entrySize
	newTablePtr, err := d.mgr.TxZalloc(newTableSize, typecode.StringDictKeys)
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
			state, hash, keyStr, value := slotAt(oldTable, i)
			if state != slotFull {
				continue
			}
			openaddr.Probe(newMask, uint32(hash), hash, func(j uint32) bool {
				s, _, _, _ := slotAt(newTable, j)
				if s == slotEmpty {
					putSlot(newTable, j, slotFull, hash, keyStr, value)
					return true
				}
				return false
			})
		}
		if err := d.mgr.Free(h.table); err != nil {
			return err
		}
	}
	if err := d.mgr.Snapshot("strdict.table"); err != nil {
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

// Set inserts or overwrites key's value.
func (d *Dict) Set(ctx context.Context, key string, v pptr.PPtr) error {
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

	hash := hashKey(key)
	table, err := d.table(h)
	if err != nil {
		return err
	}

	isNewKey := true
	firstDummy := int64(-1)
	var probeErr error
	var keyPtr pptr.PPtr
	openaddr.Probe(h.mask, uint32(hash), hash, func(i uint32) bool {
		state, hv, keyStr, _ := slotAt(table, i)
		switch state {
		case slotEmpty:
			slot := i
			if firstDummy >= 0 {
				slot = uint32(firstDummy)
			}
			if keyPtr.IsNull() {
				keyPtr, probeErr = d.mgr.PersistString(key)
				if probeErr != nil {
					return true
				}
			}
			putSlot(table, slot, slotFull, hash, keyPtr, v)
			return true
		case slotDummy:
			if firstDummy < 0 {
				firstDummy = int64(i)
			}
		case slotFull:
			if hv != hash {
				return false
			}
			stored, err := d.readKeyString(keyStr)
			if err != nil {
				probeErr = err
				return true
			}
			if stored == key {
				isNewKey = false
				putSlot(table, i, slotFull, hash, keyStr, v)
				return true
			}
		}
		return false
	})
	if probeErr != nil {
		return probeErr
	}

	if isNewKey {
		h.used++
		if firstDummy < 0 {
			h.fill++
		}
	}

	if err := d.mgr.Snapshot("strdict.table"); err != nil {
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

// Del marks key's slot DUMMY and frees its stored key string. It is not an
// error to delete a key that is not present.
func (d *Dict) Del(ctx context.Context, key string) error {
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
	hash := hashKey(key)
	removed := false
	var keyPtrToFree pptr.PPtr
	var probeErr error
	openaddr.Probe(h.mask, uint32(hash), hash, func(i uint32) bool {
		state, hv, keyStr, _ := slotAt(table, i)
		switch state {
		case slotEmpty:
			return true
		case slotFull:
			if hv != hash {
				return false
			}
			stored, err := d.readKeyString(keyStr)
			if err != nil {
				probeErr = err
				return true
			}
			if stored == key {
				putSlot(table, i, slotDummy, hash, pptr.Null, pptr.Null)
				keyPtrToFree = keyStr
				removed = true
				return true
			}
		}
		return false
	})
	if probeErr != nil {
		return probeErr
	}
	if !removed {
		return nil
	}
	h.used--
	if err := d.mgr.Snapshot("strdict.table"); err != nil {
		return err
	}
	if err := d.mgr.WriteBlock(h.table, table); err != nil {
		return err
	}
	if err := d.mgr.Free(keyPtrToFree); err != nil {
		return err
	}
	return d.writeHeader(h)
}

// Keys returns every live key in ascending lexical order. Table slot order
// is not insertion order, so ascending is the only deterministic ordering
// available without extra bookkeeping this dictionary doesn't keep.
func (d *Dict) Keys(ctx context.Context) ([]string, error) {
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
	out := make([]string, 0, h.used)
	for i := uint32(0); i <= h.mask; i++ {
		state, _, keyStr, _ := slotAt(table, i)
		if state != slotFull {
			continue
		}
		s, err := d.readKeyString(keyStr)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Free releases the dictionary's header, backing table, and every entry's
// persisted key string.
func (d *Dict) Free(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := d.readHeader()
	if err != nil {
		return err
	}
	if !h.table.IsNull() {
		table, err := d.table(h)
		if err != nil {
			return err
		}
		for i := uint32(0); i <= h.mask; i++ {
			state, _, keyStr, _ := slotAt(table, i)
			if state == slotFull {
				if err := d.mgr.Free(keyStr); err != nil {
					return err
				}
			}
		}
		if err := d.mgr.Free(h.table); err != nil {
			return err
		}
	}
	return d.mgr.Free(d.hdr)
}
