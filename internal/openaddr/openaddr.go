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

// Package openaddr holds the CPython-dict open-addressing math shared by
// container/numdict and container/strdict: the two differ only in what a
// key is (a uint32, or an MD5-folded hash of a string) and how an exact
// match is confirmed on a hit, not in how slots are probed or when the
// backing table grows.
package openaddr

// PerturbShift is CPython's probe-sequence decay rate.
const PerturbShift = 5

// MinSizeCombined is the smallest backing table ever allocated, matching
// CPython's PyDict_MINSIZE.
const MinSizeCombined = 8

// UsableFraction is CPython's dict load-factor ceiling: a table of the
// given capacity may hold this many FULL+DUMMY slots before a resize is
// due. Kept in 64-bit arithmetic so the documented MaxUint32 split never
// overflows the way the original's 32-bit multiply could.
func UsableFraction(size uint64) uint64 {
	const maxUint32 = 1<<32 - 1
	if size <= maxUint32 {
		return (2*size + 1) / 3
	}
	return size / 3 * 2
}

// GrowRate is the target fill count a resize aims for, ahead of rounding up
// to the next power of two.
func GrowRate(used, capacity uint32) uint32 { return used*2 + capacity/2 }

// Probe walks slot indices in CPython's perturbed order, starting from
// idxSeed's natural slot, calling visit for each candidate until visit
// reports stop == true. perturbSeed drives the decay term and is usually
// the full key (or key hash), even when idxSeed is a narrower truncation of
// it used only to pick the first slot.
func Probe(mask uint32, idxSeed uint32, perturbSeed uint64, visit func(i uint32) (stop bool)) {
	idx := idxSeed & mask
	perturb := perturbSeed
	for {
		if visit(idx) {
			return
		}
		perturb >>= PerturbShift
		idx = uint32(5*uint64(idx)+perturb+1) & mask
	}
}
