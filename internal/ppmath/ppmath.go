// Copyright 2017 The go-ethereum Authors
// (original work)
// Copyright 2024 The Erigon Authors
// (modifications)
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

// Package ppmath holds the small bit-twiddling helpers shared by the
// container packages - the model is erigon-lib/common/math/integer.go,
// which keeps exactly this kind of helper in its own leaf package rather
// than inlined at each call site.
package ppmath

import "math/bits"

// NextPow2 returns the smallest power of two >= n, or 1 if n == 0.
func NextPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}

// SafeAdd returns x+y and whether the addition overflowed.
func SafeAdd(x, y uint64) (uint64, bool) {
	sum, carry := bits.Add64(x, y, 0)
	return sum, carry != 0
}

// CeilDiv returns ceil(x/y), or 0 if y == 0.
func CeilDiv(x, y int) int {
	if y == 0 {
		return 0
	}
	return (x + y - 1) / y
}

// ArrayGrowth reproduces CPython's list overallocation curve, reused by
// spec.md §4.3's Resize and the promotion/demotion guards in §4.3/§4.4:
// new_cap = (n>>3) + (n<9 ? 3 : 6) + n, with ArrayGrowth(0) == 0.
func ArrayGrowth(n uint32) uint32 {
	if n == 0 {
		return 0
	}
	extra := uint32(6)
	if n < 9 {
		extra = 3
	}
	return (n >> 3) + extra + n
}
