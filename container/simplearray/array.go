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

// Package simplearray is the dense indexed-element representation from
// spec.md §4.3, grounded on PMSimpleArray in pmarray.cc: a header holding a
// logical length and a backing slot vector that grows with CPython's list
// overallocation curve (internal/ppmath.ArrayGrowth) instead of doubling,
// and that hands off to container/numdict once a write would leave the
// vector mostly holes.
package simplearray

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/erigontech/persipool/container/numdict"
	"github.com/erigontech/persipool/internal/ppmath"
	"github.com/erigontech/persipool/internal/typecode"
	"github.com/erigontech/persipool/mem"
	"github.com/erigontech/persipool/pptr"
)

// HeaderSize is sizeof(PMSimpleArray): an 8-byte Code word, a 4-byte length,
// a 4-byte capacity, and a 16-byte pointer to the backing slot vector.
const HeaderSize = typecode.CodeSize + 4 + 4 + pptr.Size

// Promotion thresholds from spec.md §4.3's array-to-numdict guard.
const (
	// MaxGap is the largest capacity-to-index gap a Set may leave behind;
	// a larger gap always forces a conversion to container/numdict.
	MaxGap = 1024
	// MaxUncheck is the grown capacity below which a gap within MaxGap never
	// converts; at or above it the space-ratio test decides.
	MaxUncheck = 5000
)

// Array is a handle on one on-pool simple array; it carries no cached
// state, so several Arrays may wrap the same header safely within one
// transaction.
type Array struct {
	mgr *mem.Manager
	hdr pptr.PPtr
}

// New allocates an empty array header. It must be called inside an open
// transaction.
func New(mgr *mem.Manager) (*Array, error) {
	hdr, err := mgr.TxZalloc(HeaderSize, typecode.Object)
	if err != nil {
		return nil, err
	}
	payload := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(payload[:typecode.CodeSize], uint64(typecode.Array))
	if err := mgr.WriteBlock(hdr, payload); err != nil {
		return nil, err
	}
	return &Array{mgr: mgr, hdr: hdr}, nil
}

// Open wraps an existing array header pointer without touching the pool.
func Open(mgr *mem.Manager, hdr pptr.PPtr) *Array { return &Array{mgr: mgr, hdr: hdr} }

// Ptr returns the array's header pointer, satisfying container.Indexed.
func (a *Array) Ptr() pptr.PPtr { return a.hdr }

// DecodeHeader reads an array header's fields out of a raw block payload
// (as returned by mem.Manager.Direct), for the gc package's census/mark
// passes which work from raw payloads rather than a live *Array.
func DecodeHeader(payload []byte) (length, capacity uint32, items pptr.PPtr) {
	return binary.LittleEndian.Uint32(payload[typecode.CodeSize : typecode.CodeSize+4]),
		binary.LittleEndian.Uint32(payload[typecode.CodeSize+4 : typecode.CodeSize+8]),
		pptr.Get(payload[typecode.CodeSize+8:])
}

// DecodeItemSlots returns every slot value in a raw items-block payload, in
// slot order, including pptr.Null holes - the caller filters those out.
func DecodeItemSlots(itemsPayload []byte) []pptr.PPtr {
	n := len(itemsPayload) / pptr.Size
	out := make([]pptr.PPtr, n)
	for i := 0; i < n; i++ {
		out[i] = pptr.Get(itemsPayload[i*pptr.Size:])
	}
	return out
}

type header struct {
	length   uint32
	capacity uint32
	items    pptr.PPtr
}

func (a *Array) readHeader() (header, error) {
	payload, _, err := a.mgr.Direct(a.hdr)
	if err != nil {
		return header{}, err
	}
	if len(payload) < int(HeaderSize) {
		return header{}, fmt.Errorf("%w: truncated array header", mem.ErrCorrupt)
	}
	return header{
		length:   binary.LittleEndian.Uint32(payload[typecode.CodeSize : typecode.CodeSize+4]),
		capacity: binary.LittleEndian.Uint32(payload[typecode.CodeSize+4 : typecode.CodeSize+8]),
		items:    pptr.Get(payload[typecode.CodeSize+8:]),
	}, nil
}

func (a *Array) writeHeader(h header) error {
	if err := a.mgr.Snapshot("simplearray.header"); err != nil {
		return err
	}
	payload := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(payload[:typecode.CodeSize], uint64(typecode.Array))
	binary.LittleEndian.PutUint32(payload[typecode.CodeSize:typecode.CodeSize+4], h.length)
	binary.LittleEndian.PutUint32(payload[typecode.CodeSize+4:typecode.CodeSize+8], h.capacity)
	h.items.Put(payload[typecode.CodeSize+8:])
	return a.mgr.WriteBlock(a.hdr, payload)
}

func (a *Array) items(h header) ([]byte, error) {
	if h.items.IsNull() {
		return nil, nil
	}
	payload, _, err := a.mgr.Direct(h.items)
	return payload, err
}

// Len returns the array's tracked logical length.
func (a *Array) Len(ctx context.Context) (uint32, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	h, err := a.readHeader()
	return h.length, err
}

// Get returns the value at index, or pptr.Empty if index is beyond the
// array's length or was never written.
func (a *Array) Get(ctx context.Context, index uint32) (pptr.PPtr, error) {
	if err := ctx.Err(); err != nil {
		return pptr.Empty, err
	}
	h, err := a.readHeader()
	if err != nil {
		return pptr.Empty, err
	}
	if index >= h.length || index >= h.capacity {
		return pptr.Empty, nil
	}
	items, err := a.items(h)
	if err != nil {
		return pptr.Empty, err
	}
	slot := items[int(index)*pptr.Size:]
	v := pptr.Get(slot)
	if v.IsNull() {
		return pptr.Empty, nil
	}
	return v, nil
}

func (a *Array) ensureCapacity(h *header, minCap uint32) error {
	if h.capacity >= minCap {
		return nil
	}
	newCap := ppmath.ArrayGrowth(minCap)
	if newCap < minCap {
		newCap = minCap
	}
	newSize := int(newCap) * pptr.Size
	var newItems pptr.PPtr
	var err error
	if h.items.IsNull() {
		newItems, err = a.mgr.TxZalloc(newSize, typecode.ArrayItems)
	} else {
		if serr := a.mgr.Snapshot("simplearray.items"); serr != nil {
			return serr
		}
		newItems, err = a.mgr.TxZrealloc(h.items, newSize, typecode.ArrayItems)
	}
	if err != nil {
		return err
	}
	h.items = newItems
	h.capacity = newCap
	return nil
}

// Set stores v at index, growing the backing slot vector if needed. Setting
// pptr.Null clears the slot back to a hole without shrinking length - use
// Del or Pop to shrink it.
func (a *Array) Set(ctx context.Context, index uint32, v pptr.PPtr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := a.readHeader()
	if err != nil {
		return err
	}
	if index >= h.capacity {
		if err := a.ensureCapacity(&h, index+1); err != nil {
			return err
		}
	}
	items, err := a.items(h)
	if err != nil {
		return err
	}
	if err := a.mgr.Snapshot("simplearray.items"); err != nil {
		return err
	}
	v.Put(items[int(index)*pptr.Size:])
	if err := a.mgr.WriteBlock(h.items, items); err != nil {
		return err
	}
	if index >= h.length {
		h.length = index + 1
	}
	return a.writeHeader(h)
}

// zeroTail clears every slot in [from, to) back to pptr.Null, per spec.md
// §4.3's resize contract: a length-shrinking operation must zero the slots
// it drops so a later SetLength back over the same range can't resurrect
// stale values.
func (a *Array) zeroTail(h header, from, to uint32) error {
	if h.items.IsNull() || from >= to {
		return nil
	}
	if to > h.capacity {
		to = h.capacity
	}
	items, err := a.items(h)
	if err != nil {
		return err
	}
	if err := a.mgr.Snapshot("simplearray.items"); err != nil {
		return err
	}
	for i := from; i < to; i++ {
		pptr.Null.Put(items[int(i)*pptr.Size:])
	}
	return a.mgr.WriteBlock(h.items, items)
}

// Push appends v at the current length.
func (a *Array) Push(ctx context.Context, v pptr.PPtr) error {
	h, err := a.readHeader()
	if err != nil {
		return err
	}
	return a.Set(ctx, h.length, v)
}

// Pop removes and returns the last element, or pptr.Undefined if the array
// is empty.
func (a *Array) Pop(ctx context.Context) (pptr.PPtr, error) {
	if err := ctx.Err(); err != nil {
		return pptr.Empty, err
	}
	h, err := a.readHeader()
	if err != nil {
		return pptr.Empty, err
	}
	if h.length == 0 {
		return pptr.Undefined, nil
	}
	v, err := a.Get(ctx, h.length-1)
	if err != nil {
		return pptr.Empty, err
	}
	if err := a.zeroTail(h, h.length-1, h.length); err != nil {
		return pptr.Empty, err
	}
	h.length--
	if err := a.writeHeader(h); err != nil {
		return pptr.Empty, err
	}
	if v == pptr.Empty {
		return pptr.Undefined, nil
	}
	return v, nil
}

// Del clears index back to a hole, shrinking length when index was the
// last element.
func (a *Array) Del(ctx context.Context, index uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := a.readHeader()
	if err != nil {
		return err
	}
	if index >= h.length {
		return nil
	}
	if index == h.length-1 {
		if err := a.zeroTail(h, index, index+1); err != nil {
			return err
		}
		h.length--
		return a.writeHeader(h)
	}
	if index >= h.capacity {
		return nil
	}
	items, err := a.items(h)
	if err != nil {
		return err
	}
	if err := a.mgr.Snapshot("simplearray.items"); err != nil {
		return err
	}
	pptr.Null.Put(items[int(index)*pptr.Size:])
	return a.mgr.WriteBlock(h.items, items)
}

// SetLength truncates or extends the array's tracked length. Extending
// never materializes new slot storage until a later Set touches it.
func (a *Array) SetLength(ctx context.Context, n uint32) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := a.readHeader()
	if err != nil {
		return err
	}
	if n < h.length {
		if err := a.zeroTail(h, n, h.length); err != nil {
			return err
		}
	}
	h.length = n
	return a.writeHeader(h)
}

// Indices returns every index in [0, length) that holds a non-hole value.
func (a *Array) Indices(ctx context.Context) ([]uint32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := a.readHeader()
	if err != nil {
		return nil, err
	}
	items, err := a.items(h)
	if err != nil {
		return nil, err
	}
	var out []uint32
	for i := uint32(0); i < h.length && i < h.capacity; i++ {
		if items == nil {
			break
		}
		if !pptr.Get(items[int(i)*pptr.Size:]).IsNull() {
			out = append(out, i)
		}
	}
	return out, nil
}

// ShouldConvertToNumDict reports whether writing to index would leave the
// backing slot vector mostly holes, per spec.md §4.3: promote when the gap
// beyond the current *capacity* exceeds MaxGap, or when the would-be
// overallocated capacity reaches MaxUncheck and a number dictionary sized
// off the current capacity would cost less than a third of a dense array
// sized off the new capacity.
func (a *Array) ShouldConvertToNumDict(ctx context.Context, index uint32) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h, err := a.readHeader()
	if err != nil {
		return false, err
	}
	if index < h.capacity {
		return false, nil
	}
	if index-h.capacity > MaxGap {
		return true, nil
	}
	newAllocated := ppmath.ArrayGrowth(index + 1)
	if newAllocated < MaxUncheck {
		return false, nil
	}
	arraySpace := uint64(newAllocated) * uint64(pptr.Size)
	dictSpace := uint64(h.capacity) * uint64(numdict.EntrySize)
	return dictSpace*3 < arraySpace, nil
}

// Free releases the array header and its backing slot vector, if any.
func (a *Array) Free(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := a.readHeader()
	if err != nil {
		return err
	}
	if !h.items.IsNull() {
		if err := a.mgr.Free(h.items); err != nil {
			return err
		}
	}
	return a.mgr.Free(a.hdr)
}
