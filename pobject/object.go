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

// Package pobject is the composite object from spec.md §4.6, grounded on
// PMObject in pmobject.cc/pmobject.h: a string-keyed property table
// (container/strdict) fused with one indexed-element representation
// (container/simplearray or container/numdict), with the array/number
// split owned here rather than by either container package, so the swap
// between representations happens as one atomic step inside the caller's
// transaction.
package pobject

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"strconv"

	"github.com/erigontech/persipool/container"
	"github.com/erigontech/persipool/container/numdict"
	"github.com/erigontech/persipool/container/simplearray"
	"github.com/erigontech/persipool/container/strdict"
	"github.com/erigontech/persipool/internal/typecode"
	"github.com/erigontech/persipool/mem"
	"github.com/erigontech/persipool/pptr"
)

// elementsKind discriminates which concrete representation (if any) backs
// an object's indexed elements.
type elementsKind uint32

const (
	elementsNone elementsKind = iota
	elementsArray
	elementsNumDict
)

// HeaderSize is sizeof(PMObject): Code, an elements-kind discriminator, a
// pointer to the elements container (or Null), and a pointer to the
// property dictionary.
const HeaderSize = typecode.CodeSize + 4 + pptr.Size + pptr.Size

// Object is a handle on one on-pool composite object.
type Object struct {
	mgr *mem.Manager
	hdr pptr.PPtr
}

// New allocates an empty object: no elements representation yet, and an
// empty property dictionary.
func New(mgr *mem.Manager) (*Object, error) {
	props, err := strdict.New(mgr)
	if err != nil {
		return nil, err
	}
	hdr, err := mgr.TxZalloc(HeaderSize, typecode.Object)
	if err != nil {
		return nil, err
	}
	o := &Object{mgr: mgr, hdr: hdr}
	if err := o.writeHeader(header{kind: elementsNone, elements: pptr.Null, props: props.Ptr()}); err != nil {
		return nil, err
	}
	return o, nil
}

// Open wraps an existing composite-object header pointer.
func Open(mgr *mem.Manager, hdr pptr.PPtr) *Object { return &Object{mgr: mgr, hdr: hdr} }

// Ptr returns the object's header pointer.
func (o *Object) Ptr() pptr.PPtr { return o.hdr }

// DecodeHeader reads a composite object's elements and property-dictionary
// pointers out of a raw block payload, for the gc package's census/mark
// passes.
func DecodeHeader(payload []byte) (elements, props pptr.PPtr) {
	c := typecode.CodeSize
	return pptr.Get(payload[c+4:]), pptr.Get(payload[c+4+pptr.Size:])
}

type header struct {
	kind     elementsKind
	elements pptr.PPtr
	props    pptr.PPtr
}

func (o *Object) readHeader() (header, error) {
	payload, _, err := o.mgr.Direct(o.hdr)
	if err != nil {
		return header{}, err
	}
	if len(payload) < int(HeaderSize) {
		return header{}, fmt.Errorf("%w: truncated object header", mem.ErrCorrupt)
	}
	c := typecode.CodeSize
	return header{
		kind:     elementsKind(binary.LittleEndian.Uint32(payload[c : c+4])),
		elements: pptr.Get(payload[c+4:]),
		props:    pptr.Get(payload[c+4+pptr.Size:]),
	}, nil
}

func (o *Object) writeHeader(h header) error {
	if err := o.mgr.Snapshot("object.header"); err != nil {
		return err
	}
	payload := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(payload[:typecode.CodeSize], uint64(typecode.Object_))
	c := typecode.CodeSize
	binary.LittleEndian.PutUint32(payload[c:c+4], uint32(h.kind))
	h.elements.Put(payload[c+4:])
	h.props.Put(payload[c+4+pptr.Size:])
	return o.mgr.WriteBlock(o.hdr, payload)
}

func (o *Object) elementsOf(h header) container.Indexed {
	switch h.kind {
	case elementsArray:
		return simplearray.Open(o.mgr, h.elements)
	case elementsNumDict:
		return numdict.Open(o.mgr, h.elements)
	default:
		return nil
	}
}

// arrayIndex reports whether key is a canonical JS array-index string
// (spec.md §4.6): base-10, no leading zero unless the value is exactly
// "0", and within uint32 range.
func arrayIndex(key string) (uint32, bool) {
	if key == "" {
		return 0, false
	}
	if key == "0" {
		return 0, true
	}
	if key[0] == '0' {
		return 0, false
	}
	for _, r := range key {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	n, err := strconv.ParseUint(key, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// Get returns the value of a named or indexed property, or pptr.Empty if
// key is absent.
func (o *Object) Get(ctx context.Context, key string) (pptr.PPtr, error) {
	if err := ctx.Err(); err != nil {
		return pptr.Empty, err
	}
	h, err := o.readHeader()
	if err != nil {
		return pptr.Empty, err
	}
	if idx, ok := arrayIndex(key); ok {
		elems := o.elementsOf(h)
		if elems == nil {
			return pptr.Empty, nil
		}
		return elems.Get(ctx, idx)
	}
	if key == "length" && h.kind != elementsNone {
		n, err := o.elementsOf(h).Len(ctx)
		if err != nil {
			return pptr.Empty, err
		}
		return pptr.MakeNumber(float64(n)), nil
	}
	return strdict.Open(o.mgr, h.props).Get(ctx, key)
}

// Set stores a named or indexed property, promoting or demoting the
// indexed-element representation as needed (spec.md §4.3/§4.4's guards).
func (o *Object) Set(ctx context.Context, key string, v pptr.PPtr) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := o.readHeader()
	if err != nil {
		return err
	}

	idx, isIndex := arrayIndex(key)
	if !isIndex {
		if key == "length" && h.kind == elementsArray {
			n := v.Number()
			return simplearray.Open(o.mgr, h.elements).SetLength(ctx, uint32(n))
		}
		return strdict.Open(o.mgr, h.props).Set(ctx, key, v)
	}

	switch h.kind {
	case elementsNone:
		arr, err := simplearray.New(o.mgr)
		if err != nil {
			return err
		}
		h.kind = elementsArray
		h.elements = arr.Ptr()
		if err := o.writeHeader(h); err != nil {
			return err
		}
		return arr.Set(ctx, idx, v)

	case elementsArray:
		arr := simplearray.Open(o.mgr, h.elements)
		convert, err := arr.ShouldConvertToNumDict(ctx, idx)
		if err != nil {
			return err
		}
		if !convert {
			return arr.Set(ctx, idx, v)
		}
		dict, err := o.convertArrayToNumDict(ctx, arr)
		if err != nil {
			return err
		}
		h.kind = elementsNumDict
		h.elements = dict.Ptr()
		if err := o.writeHeader(h); err != nil {
			return err
		}
		return dict.Set(ctx, idx, v)

	case elementsNumDict:
		dict := numdict.Open(o.mgr, h.elements)
		if err := dict.Set(ctx, idx, v); err != nil {
			return err
		}
		convert, err := dict.ShouldConvertToSimpleArray(ctx)
		if err != nil {
			return err
		}
		if !convert {
			return nil
		}
		arr, err := o.convertNumDictToArray(ctx, dict)
		if err != nil {
			return err
		}
		h.kind = elementsArray
		h.elements = arr.Ptr()
		return o.writeHeader(h)

	default:
		return fmt.Errorf("%w: unknown elements kind %d", mem.ErrCorrupt, h.kind)
	}
}

func (o *Object) convertArrayToNumDict(ctx context.Context, arr *simplearray.Array) (*numdict.Dict, error) {
	indices, err := arr.Indices(ctx)
	if err != nil {
		return nil, err
	}
	dict, err := numdict.New(o.mgr)
	if err != nil {
		return nil, err
	}
	for _, i := range indices {
		v, err := arr.Get(ctx, i)
		if err != nil {
			return nil, err
		}
		if err := dict.Set(ctx, i, v); err != nil {
			return nil, err
		}
	}
	if err := arr.Free(ctx); err != nil {
		return nil, err
	}
	return dict, nil
}

func (o *Object) convertNumDictToArray(ctx context.Context, dict *numdict.Dict) (*simplearray.Array, error) {
	indices, err := dict.Indices(ctx)
	if err != nil {
		return nil, err
	}
	arr, err := simplearray.New(o.mgr)
	if err != nil {
		return nil, err
	}
	for _, i := range indices {
		v, err := dict.Get(ctx, i)
		if err != nil {
			return nil, err
		}
		if err := arr.Set(ctx, i, v); err != nil {
			return nil, err
		}
	}
	if err := dict.Free(ctx); err != nil {
		return nil, err
	}
	return arr, nil
}

// Del removes a named or indexed property. It is not an error to delete an
// absent one.
func (o *Object) Del(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := o.readHeader()
	if err != nil {
		return err
	}
	if idx, ok := arrayIndex(key); ok {
		elems := o.elementsOf(h)
		if elems == nil {
			return nil
		}
		return elems.Del(ctx, idx)
	}
	return strdict.Open(o.mgr, h.props).Del(ctx, key)
}

// PropertyNames enumerates an object's own keys in the order spec.md §4.6
// requires: string-keyed properties first, then the literal "length" if the
// object carries an indexed-element representation, then every valid
// numeric index stringified, all in ascending order within each group.
func (o *Object) PropertyNames(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h, err := o.readHeader()
	if err != nil {
		return nil, err
	}
	names, err := strdict.Open(o.mgr, h.props).Keys(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(names)+1)
	out = append(out, names...)
	if h.kind == elementsNone {
		return out, nil
	}
	out = append(out, "length")
	indices, err := o.elementsOf(h).Indices(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	for _, i := range indices {
		out = append(out, strconv.FormatUint(uint64(i), 10))
	}
	return out, nil
}

// Free releases the object's property dictionary, its elements
// representation if any, and its own header.
func (o *Object) Free(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h, err := o.readHeader()
	if err != nil {
		return err
	}
	if err := strdict.Open(o.mgr, h.props).Free(ctx); err != nil {
		return err
	}
	switch h.kind {
	case elementsArray:
		if err := simplearray.Open(o.mgr, h.elements).Free(ctx); err != nil {
			return err
		}
	case elementsNumDict:
		if err := numdict.Open(o.mgr, h.elements).Free(ctx); err != nil {
			return err
		}
	}
	return o.mgr.Free(o.hdr)
}
