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

// Package typecode is the on-pool type-code registry from spec.md §6.2,
// styled after erigon-lib/kv/tables.go's convention of grouping related
// constants into a block with a String() method next to them, rather
// than scattering magic numbers through the container packages.
package typecode

import "fmt"

// Num is the allocator type number recorded by mem.Manager.TxZalloc - the
// first byte of every stored block's value. It is unrelated to Code below;
// it exists purely so a linear pool scan (gc's census, spec.md §4.7 phase 1)
// can classify a block without decoding its full header.
type Num byte

const (
	None Num = iota
	ElementsBase
	Object
	ArrayItems
	StringDictKeys
	NumDictKeys
)

func (n Num) String() string {
	switch n {
	case None:
		return "none"
	case ElementsBase:
		return "elements-base"
	case Object:
		return "object"
	case ArrayItems:
		return "array-items"
	case StringDictKeys:
		return "string-dict-keys"
	case NumDictKeys:
		return "num-dict-keys"
	default:
		return fmt.Sprintf("typecode.Num(%d)", byte(n))
	}
}

// Code is the in-header discriminator at offset 0 of every "object" block
// (spec.md §3.2, §6.2). Codes above Number and below InternalMax are
// container types.
type Code byte

const (
	Null Code = iota
	String
	ArrayBuffer
	Singleton
	Number
	Object_ // trailing underscore: Object the Code and Object the Num collide in name
	Dict
	Array
	NumDict
	InternalMax
)

// IsContainer reports whether c names a container block type - one whose
// lifecycle is owned by the reachability collector's mark phase rather than
// being traced indirectly through an owner (spec.md §4.7 phase 1).
func (c Code) IsContainer() bool { return c > Number && c < InternalMax }

func (c Code) String() string {
	switch c {
	case Null:
		return "null"
	case String:
		return "string"
	case ArrayBuffer:
		return "arraybuffer"
	case Singleton:
		return "singleton"
	case Number:
		return "number"
	case Object_:
		return "object"
	case Dict:
		return "dict"
	case Array:
		return "array"
	case NumDict:
		return "numdict"
	default:
		return fmt.Sprintf("typecode.Code(%d)", byte(c))
	}
}

// Fixed header sizes, in bytes, of the inline portion of each on-pool block
// shape (spec.md §3.2). Container headers are defined next to the package
// that owns them (e.g. container/simplearray defines its own header size)
// since only that package ever allocates one; StringHeaderSize lives here
// because both mem (PersistString) and strdict (key storage) need it.
const (
	// CodeSize is the width of the leading type-code word on every block.
	CodeSize = 8
	// StringHeaderSize is sizeof(PStringObject): just the type-code word: a
	// string object is the code followed immediately by a NUL-terminated
	// byte run.
	StringHeaderSize = CodeSize
)
