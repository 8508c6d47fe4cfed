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

// Package ppool is the object pool facade from spec.md §4.8: a thin
// coordinator fused from PMObjectPool (pmobjectpool.cc/.h, the internal
// engine) and persistentobjectpool.cc's getValue classification logic,
// minus the N-API binding layer spec.md §1 places out of scope. It owns a
// *mem.Manager, exposes the root slot, classifies a tagged pointer into a
// host-facing Value, offers convenience persistence of primitive scalars,
// and forwards gc/close/tx_* verbatim.
package ppool

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/erigontech/persipool/arraybuffer"
	"github.com/erigontech/persipool/gc"
	"github.com/erigontech/persipool/internal/typecode"
	"github.com/erigontech/persipool/mem"
	"github.com/erigontech/persipool/pobject"
	"github.com/erigontech/persipool/pptr"
)

// Kind discriminates the payload carried by a Value.
type Kind int

const (
	KindNumber Kind = iota
	KindString
	KindTrue
	KindFalse
	KindNull
	KindUndefined
	KindEmptyString
	KindObject
	KindArrayBuffer
)

// Value is the closed sum type get_value(ptr) returns per spec.md §6.4: a
// Kind tag plus whichever payload that Kind carries (nil for the
// singletons). Number carries float64, String carries []byte, Object
// carries *pobject.Object, ArrayBuffer carries *arraybuffer.ArrayBuffer.
type Value struct {
	Kind    Kind
	Number  float64
	String  []byte
	Object  *pobject.Object
	Buffer  *arraybuffer.ArrayBuffer
}

// Pool wraps a *mem.Manager, the object-pool facade a host-language binding
// would sit on top of.
type Pool struct {
	mgr *mem.Manager
}

// Open attaches to an existing pool file.
func Open(cfg mem.Config) (*Pool, error) {
	mgr, err := mem.Open(cfg)
	if err != nil {
		return nil, err
	}
	return &Pool{mgr: mgr}, nil
}

// Create makes a new pool file.
func Create(cfg mem.Config) (*Pool, error) {
	mgr, err := mem.Create(cfg)
	if err != nil {
		return nil, err
	}
	return &Pool{mgr: mgr}, nil
}

// Manager exposes the underlying memory manager for callers (tests, the
// collector, cmd/ppoolctl) that need operations ppool itself doesn't wrap.
func (p *Pool) Manager() *mem.Manager { return p.mgr }

// Close releases the pool, forwarded verbatim per spec.md §4.8.
func (p *Pool) Close() error { return p.mgr.Close() }

// Gc runs the reachability collector over the pool, forwarded verbatim per
// spec.md §4.8.
func (p *Pool) Gc(ctx context.Context) (gc.Stats, error) { return gc.Collect(ctx, p.mgr) }

// TxBegin/TxCommit/TxAbort/TxEnd/TxStage forward to the memory manager
// verbatim, per spec.md §4.8.
func (p *Pool) TxBegin() error         { return p.mgr.TxBegin() }
func (p *Pool) TxCommit() error        { return p.mgr.TxCommit() }
func (p *Pool) TxAbort() error         { return p.mgr.TxAbort() }
func (p *Pool) TxEnd() error           { return p.mgr.TxEnd() }
func (p *Pool) TxStage() mem.TxStage   { return p.mgr.TxStage() }
func (p *Pool) WithTx(fn func() error) error { return p.mgr.WithTx(fn) }

// PersistScalar persists a primitive Go value (float64, string, bool, or
// nil) as a tagged pointer, matching spec.md §6.1's persist(x) for
// primitive scalars: numbers and the boolean/null singletons need no heap
// allocation at all, only strings do.
func (p *Pool) PersistScalar(v any) (pptr.PPtr, error) {
	switch val := v.(type) {
	case nil:
		return pptr.JSNull, nil
	case bool:
		if val {
			return pptr.True, nil
		}
		return pptr.False, nil
	case float64:
		return pptr.MakeNumber(val), nil
	case int:
		return pptr.MakeNumber(float64(val)), nil
	case string:
		if val == "" {
			return pptr.EmptyString, nil
		}
		return p.mgr.PersistString(val)
	default:
		return pptr.Null, fmt.Errorf("%w: unsupported scalar type %T", mem.ErrInvalidArgument, v)
	}
}

// GetValue classifies a tagged pointer into the closed Value sum type per
// spec.md §6.4. The pptr.Empty "key not found" sentinel raises
// ErrKeyNotFound at this host boundary rather than inside whichever
// dictionary produced it (spec.md §4.5/§4.8).
func (p *Pool) GetValue(ptr pptr.PPtr) (Value, error) {
	if pptr.Equals(ptr, pptr.Empty) {
		return Value{}, fmt.Errorf("%w", mem.ErrKeyNotFound)
	}
	if ptr.IsNumber() {
		return Value{Kind: KindNumber, Number: ptr.Number()}, nil
	}
	if s, ok := ptr.DecodeSingleton(); ok {
		switch s {
		case pptr.SingletonTrue:
			return Value{Kind: KindTrue}, nil
		case pptr.SingletonFalse:
			return Value{Kind: KindFalse}, nil
		case pptr.SingletonUndefined:
			return Value{Kind: KindUndefined}, nil
		case pptr.SingletonJSNull:
			return Value{Kind: KindNull}, nil
		case pptr.SingletonEmptyString:
			return Value{Kind: KindEmptyString}, nil
		default:
			return Value{}, fmt.Errorf("%w: singleton %d has no host value", mem.ErrInvalidArgument, s)
		}
	}
	if ptr.IsNull() {
		return Value{}, fmt.Errorf("%w: null pointer has no value", mem.ErrInvalidArgument)
	}

	payload, typeNum, err := p.mgr.Direct(ptr)
	if err != nil {
		return Value{}, err
	}
	switch typeNum {
	case typecode.None: // strings and array buffers, allocated via ZallocBytes
		switch code := headerCode(payload); code {
		case typecode.String:
			return Value{Kind: KindString, String: stringBytes(payload)}, nil
		case typecode.ArrayBuffer:
			return Value{Kind: KindArrayBuffer, Buffer: arraybuffer.Open(p.mgr, ptr)}, nil
		default:
			return Value{}, fmt.Errorf("%w: unexpected leaf type code %s", mem.ErrCorrupt, code)
		}
	case typecode.Object: // composite-object header
		return Value{Kind: KindObject, Object: pobject.Open(p.mgr, ptr)}, nil
	default:
		return Value{}, fmt.Errorf("%w: pointer does not address a recognized value", mem.ErrInvalidArgument)
	}
}

func headerCode(payload []byte) typecode.Code {
	if len(payload) < typecode.CodeSize {
		return typecode.Null
	}
	return typecode.Code(binary.LittleEndian.Uint64(payload[:typecode.CodeSize]))
}

func stringBytes(payload []byte) []byte {
	if len(payload) <= typecode.StringHeaderSize {
		return nil
	}
	raw := payload[typecode.StringHeaderSize:]
	if n := len(raw); n > 0 && raw[n-1] == 0 {
		raw = raw[:n-1]
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}

// GetRoot returns the pool's root value, classified per GetValue. A pool
// whose root has never been set returns KindUndefined, matching spec.md
// §3.4's "initialised to PPTR_UNDEFINED on pool creation".
func (p *Pool) GetRoot(ctx context.Context) (Value, error) {
	if err := ctx.Err(); err != nil {
		return Value{}, err
	}
	root, err := p.mgr.GetRootObject()
	if err != nil {
		return Value{}, err
	}
	if root.IsNull() {
		return Value{Kind: KindUndefined}, nil
	}
	return p.GetValue(root)
}

// SetRoot persists v (a primitive scalar, or an already-persisted pptr.PPtr
// such as a *pobject.Object's Ptr()) and installs it as the pool's root,
// per spec.md §6.3.
func (p *Pool) SetRoot(ctx context.Context, v any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ptr, ok := v.(pptr.PPtr); ok {
		return p.mgr.SetRootObject(ptr)
	}
	ptr, err := p.PersistScalar(v)
	if err != nil {
		return err
	}
	return p.mgr.SetRootObject(ptr)
}

// NewObject allocates a fresh, empty composite object inside its own
// transaction. Callers that want it to be the root, or reachable from an
// existing object, must still wire it in themselves (pobject.Object.Set,
// or Pool.SetRoot with its Ptr()).
func (p *Pool) NewObject() (*pobject.Object, error) {
	var obj *pobject.Object
	if err := p.mgr.WithTx(func() error {
		var err error
		obj, err = pobject.New(p.mgr)
		return err
	}); err != nil {
		return nil, err
	}
	return obj, nil
}
