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

package numdict_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/persipool/container/numdict"
	"github.com/erigontech/persipool/mem"
	"github.com/erigontech/persipool/mem/memtest"
	"github.com/erigontech/persipool/pptr"
)

func newDict(t *testing.T) (*mem.Manager, *numdict.Dict) {
	t.Helper()
	mgr := memtest.OpenTemp(t)
	var d *numdict.Dict
	require.NoError(t, mgr.WithTx(func() error {
		var err error
		d, err = numdict.New(mgr)
		return err
	}))
	return mgr, d
}

// set wraps a mutation in its own transaction, the shape every real caller
// (pobject, the gc sweep) uses.
func set(t *testing.T, mgr *mem.Manager, fn func() error) {
	t.Helper()
	require.NoError(t, mgr.WithTx(fn))
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	mgr, d := newDict(t)

	set(t, mgr, func() error { return d.Set(ctx, 5, pptr.MakeNumber(50)) })
	set(t, mgr, func() error { return d.Set(ctx, 10000, pptr.MakeNumber(100)) })

	v, err := d.Get(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, 50.0, v.Number())

	v, err = d.Get(ctx, 10000)
	require.NoError(t, err)
	require.Equal(t, 100.0, v.Number())

	v, err = d.Get(ctx, 6)
	require.NoError(t, err)
	require.Equal(t, pptr.Empty, v)

	length, err := d.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, length)

	set(t, mgr, func() error { return d.Del(ctx, 5) })
	v, err = d.Get(ctx, 5)
	require.NoError(t, err)
	require.Equal(t, pptr.Empty, v)

	length, err = d.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, length)
}

// TestDeleteThenReinsertReusesTombstone covers spec.md §8 boundary 5: the
// second Set of a deleted key must land in the original DUMMY slot rather
// than allocating past it, and a subsequent Get must still find it by
// probing through any live DUMMY slots ahead of it in the chain.
func TestDeleteThenReinsertReusesTombstone(t *testing.T) {
	ctx := context.Background()
	mgr, d := newDict(t)

	for k := uint32(0); k < 4; k++ {
		k := k
		set(t, mgr, func() error { return d.Set(ctx, k, pptr.MakeNumber(float64(k))) })
	}
	set(t, mgr, func() error { return d.Del(ctx, 2) })

	before, err := d.Len(ctx)
	require.NoError(t, err)

	set(t, mgr, func() error { return d.Set(ctx, 2, pptr.MakeNumber(99)) })

	after, err := d.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, before+1, after)

	v, err := d.Get(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, 99.0, v.Number())

	// every other key set before the delete must still resolve correctly -
	// the delete/reinsert sequence must not have broken probing for keys
	// that share part of the chain.
	for _, k := range []uint32{0, 1, 3} {
		v, err := d.Get(ctx, k)
		require.NoError(t, err)
		require.Equal(t, float64(k), v.Number())
	}
}

func TestIndicesAscending(t *testing.T) {
	ctx := context.Background()
	mgr, d := newDict(t)

	for _, k := range []uint32{40, 1, 20, 3} {
		k := k
		set(t, mgr, func() error { return d.Set(ctx, k, pptr.MakeNumber(float64(k))) })
	}
	idx, err := d.Indices(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint32{1, 3, 20, 40}, idx)
}

// TestShouldConvertToSimpleArrayDemotionGuard covers spec.md §8 scenario 4:
// a dense low-keyed dictionary should report eligible for demotion.
func TestShouldConvertToSimpleArrayDemotionGuard(t *testing.T) {
	ctx := context.Background()
	mgr, d := newDict(t)

	for k := uint32(0); k < 5; k++ {
		k := k
		set(t, mgr, func() error { return d.Set(ctx, k, pptr.MakeNumber(float64(k))) })
	}
	convert, err := d.ShouldConvertToSimpleArray(ctx)
	require.NoError(t, err)
	require.True(t, convert)
}

func TestShouldConvertToSimpleArrayRejectsSparseOrHighKeys(t *testing.T) {
	ctx := context.Background()
	mgr, d := newDict(t)

	set(t, mgr, func() error { return d.Set(ctx, 0, pptr.MakeNumber(0)) })
	set(t, mgr, func() error { return d.Set(ctx, 100000, pptr.MakeNumber(1)) })
	convert, err := d.ShouldConvertToSimpleArray(ctx)
	require.NoError(t, err)
	require.False(t, convert, "two live keys spread across a huge range is not dense")

	mgr2, d2 := newDict(t)
	set(t, mgr2, func() error { return d2.Set(ctx, uint32(pptr.SMIMax)+1, pptr.MakeNumber(1)) })
	convert, err = d2.ShouldConvertToSimpleArray(ctx)
	require.NoError(t, err)
	require.False(t, convert, "a key beyond SMIMax is never eligible for demotion")
}

// TestShouldConvertToSimpleArrayUsesCapacityAfterMassDelete covers the case
// spec.md §4.4's demotion guard exists for: a table grown large by many
// inserts, then mostly deleted back down to a few low, dense keys. Deletes
// never rehash, so the backing table's capacity stays bloated even though
// the live-entry count alone would look sparse-free; the guard must key off
// that retained capacity, not off how many entries happen to be live now.
func TestShouldConvertToSimpleArrayUsesCapacityAfterMassDelete(t *testing.T) {
	ctx := context.Background()
	mgr, d := newDict(t)

	const grown = 2000
	for k := uint32(0); k < grown; k++ {
		k := k
		set(t, mgr, func() error { return d.Set(ctx, k, pptr.MakeNumber(float64(k))) })
	}
	for k := uint32(5); k < grown; k++ {
		k := k
		set(t, mgr, func() error { return d.Del(ctx, k) })
	}

	convert, err := d.ShouldConvertToSimpleArray(ctx)
	require.NoError(t, err)
	require.True(t, convert, "a table left oversized by deletes must still convert even though few keys remain live")
}

func TestResizeAcrossManyInserts(t *testing.T) {
	ctx := context.Background()
	mgr, d := newDict(t)

	const n = 500
	for k := uint32(0); k < n; k++ {
		k := k
		set(t, mgr, func() error { return d.Set(ctx, k, pptr.MakeNumber(float64(k))) })
	}
	for k := uint32(0); k < n; k++ {
		v, err := d.Get(ctx, k)
		require.NoError(t, err)
		require.Equal(t, float64(k), v.Number())
	}
	length, err := d.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, n, length)
}
