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

// Package container holds the shared interface pobject.Object programs
// against instead of the two concrete indexed-element representations
// (container/simplearray and container/numdict) spec.md §4.3/§4.4 describe -
// the composite object (§4.6) needs to swap between them without its own
// code caring which one is underneath, the same role a small internal
// interface plays wherever erigon-lib's kv layer swaps cursor
// implementations behind one call site.
package container

import (
	"context"

	"github.com/erigontech/persipool/pptr"
)

// Indexed is the uint32-keyed element store a composite object's array
// slot holds: either a dense container/simplearray.Array or a sparse
// container/numdict.Dict.
type Indexed interface {
	// Ptr is the header pointer of the underlying container, the value a
	// composite object stores in its own elements field.
	Ptr() pptr.PPtr
	// Get returns the value at index, or pptr.Empty if unset.
	Get(ctx context.Context, index uint32) (pptr.PPtr, error)
	// Set stores v at index, growing the container's own storage as
	// needed. Switching representation is done by pobject, not here.
	Set(ctx context.Context, index uint32, v pptr.PPtr) error
	// Del clears index back to unset.
	Del(ctx context.Context, index uint32) error
	// Len returns the representation's own notion of length: a simple
	// array's tracked length field, or a number dictionary's highest live
	// key + 1.
	Len(ctx context.Context) (uint32, error)
	// Indices returns every currently-set index in ascending order.
	Indices(ctx context.Context) ([]uint32, error)
}
