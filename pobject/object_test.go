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

package pobject_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/persipool/mem"
	"github.com/erigontech/persipool/mem/memtest"
	"github.com/erigontech/persipool/pobject"
	"github.com/erigontech/persipool/pptr"
)

func newObject(t *testing.T) (*mem.Manager, *pobject.Object) {
	t.Helper()
	mgr := memtest.OpenTemp(t)
	var obj *pobject.Object
	require.NoError(t, mgr.WithTx(func() error {
		var err error
		obj, err = pobject.New(mgr)
		return err
	}))
	return mgr, obj
}

// set wraps a single Set in its own transaction, the shape every real
// caller (ppool, gc) uses: pobject.Object's mutators assume the caller
// already holds the transaction spec.md §4.6's atomic representation swap
// needs, they do not open one themselves.
func set(t *testing.T, mgr *mem.Manager, obj *pobject.Object, ctx context.Context, key string, v pptr.PPtr) {
	t.Helper()
	require.NoError(t, mgr.WithTx(func() error { return obj.Set(ctx, key, v) }))
}

func del(t *testing.T, mgr *mem.Manager, obj *pobject.Object, ctx context.Context, key string) {
	t.Helper()
	require.NoError(t, mgr.WithTx(func() error { return obj.Del(ctx, key) }))
}

// TestCompositeObjectWithArrayElements covers spec.md §8 scenario 2: an
// object holding both a string-keyed scalar property and an array of
// indexed elements, fetched back through both access paths.
func TestCompositeObjectWithArrayElements(t *testing.T) {
	ctx := context.Background()
	mgr, obj := newObject(t)

	set(t, mgr, obj, ctx, "a", pptr.MakeNumber(1))
	set(t, mgr, obj, ctx, "0", pptr.MakeNumber(10))
	set(t, mgr, obj, ctx, "1", pptr.MakeNumber(20))
	set(t, mgr, obj, ctx, "2", pptr.MakeNumber(30))

	v, err := obj.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, 1.0, v.Number())

	v, err = obj.Get(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, 20.0, v.Number())

	v, err = obj.Get(ctx, "length")
	require.NoError(t, err)
	require.Equal(t, 3.0, v.Number())

	names, err := obj.PropertyNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "length", "0", "1", "2"}, names)
}

// TestArrayPromotesToNumDictOnLargeGap covers spec.md §8 scenario 3: setting
// a far-out index on a fresh array must promote it to a number dictionary,
// and a subsequent low-index read must still work through the new
// representation.
func TestArrayPromotesToNumDictOnLargeGap(t *testing.T) {
	ctx := context.Background()
	mgr, obj := newObject(t)

	set(t, mgr, obj, ctx, "0", pptr.MakeNumber(1))
	set(t, mgr, obj, ctx, "10000", pptr.MakeNumber(2))

	v, err := obj.Get(ctx, "0")
	require.NoError(t, err)
	require.Equal(t, 1.0, v.Number())

	v, err = obj.Get(ctx, "10000")
	require.NoError(t, err)
	require.Equal(t, 2.0, v.Number())
}

// TestNumDictDemotesToArrayWhenDense covers spec.md §8 scenario 4: once a
// promoted number dictionary's keys become dense and low again, writes
// demote it back to a simple array.
func TestNumDictDemotesToArrayWhenDense(t *testing.T) {
	ctx := context.Background()
	mgr, obj := newObject(t)

	set(t, mgr, obj, ctx, "0", pptr.MakeNumber(0))
	set(t, mgr, obj, ctx, "10000", pptr.MakeNumber(1))
	del(t, mgr, obj, ctx, "10000")

	for i := 1; i < 5; i++ {
		set(t, mgr, obj, ctx, itoa(i), pptr.MakeNumber(float64(i)))
	}

	for i := 0; i < 5; i++ {
		v, err := obj.Get(ctx, itoa(i))
		require.NoError(t, err)
		require.Equal(t, float64(i), v.Number())
	}
}

func TestGetMissingPropertyReturnsEmpty(t *testing.T) {
	ctx := context.Background()
	_, obj := newObject(t)
	v, err := obj.Get(ctx, "nope")
	require.NoError(t, err)
	require.Equal(t, pptr.Empty, v)
}

func TestDelPropertyAndIndex(t *testing.T) {
	ctx := context.Background()
	mgr, obj := newObject(t)

	set(t, mgr, obj, ctx, "name", pptr.MakeNumber(1))
	set(t, mgr, obj, ctx, "0", pptr.MakeNumber(2))

	del(t, mgr, obj, ctx, "name")
	v, err := obj.Get(ctx, "name")
	require.NoError(t, err)
	require.Equal(t, pptr.Empty, v)

	del(t, mgr, obj, ctx, "0")
	v, err = obj.Get(ctx, "0")
	require.NoError(t, err)
	require.Equal(t, pptr.Empty, v)
}

func TestPropertyNamesEmptyObject(t *testing.T) {
	ctx := context.Background()
	_, obj := newObject(t)
	names, err := obj.PropertyNames(ctx)
	require.NoError(t, err)
	require.Empty(t, names)
}

func itoa(i int) string {
	digits := "0123456789"
	if i == 0 {
		return "0"
	}
	var buf []byte
	for i > 0 {
		buf = append([]byte{digits[i%10]}, buf...)
		i /= 10
	}
	return string(buf)
}
