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

package mem_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/persipool/internal/typecode"
	"github.com/erigontech/persipool/mem"
	"github.com/erigontech/persipool/mem/memtest"
	"github.com/erigontech/persipool/pptr"
)

func TestCreateRefusesExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.ppool")
	m, err := mem.Create(mem.Config{Path: path, Layout: "t"})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = mem.Create(mem.Config{Path: path, Layout: "t"})
	require.ErrorIs(t, err, mem.ErrAlreadyOpen)
}

func TestOpenRejectsLayoutMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pool.ppool")
	m, err := mem.Create(mem.Config{Path: path, Layout: "alpha"})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	_, err = mem.Open(mem.Config{Path: path, Layout: "beta"})
	require.ErrorIs(t, err, mem.ErrCorrupt)
}

func TestTxZallocRequiresTransaction(t *testing.T) {
	m := memtest.OpenTemp(t)
	_, err := m.TxZalloc(8, typecode.Object)
	require.ErrorIs(t, err, mem.ErrNotInTransaction)
}

func TestTxZallocRollsBackOnAbort(t *testing.T) {
	m := memtest.OpenTemp(t)

	require.NoError(t, m.TxBegin())
	p, err := m.TxZalloc(16, typecode.Object)
	require.NoError(t, err)
	require.NoError(t, m.TxAbort())
	require.NoError(t, m.TxEnd())

	_, _, err = m.Direct(p)
	require.ErrorIs(t, err, mem.ErrKeyNotFound)
}

func TestTxZallocCommitsAndRoundTrips(t *testing.T) {
	m := memtest.OpenTemp(t)

	var p pptr.PPtr
	require.NoError(t, m.WithTx(func() error {
		var err error
		p, err = m.TxZalloc(16, typecode.ArrayItems)
		if err != nil {
			return err
		}
		return m.WriteBlock(p, []byte("0123456789abcdef"))
	}))

	payload, typeNum, err := m.Direct(p)
	require.NoError(t, err)
	require.Equal(t, typecode.ArrayItems, typeNum)
	require.Equal(t, []byte("0123456789abcdef"), payload)
}

func TestFreeRemovesBlock(t *testing.T) {
	m := memtest.OpenTemp(t)

	var p pptr.PPtr
	require.NoError(t, m.WithTx(func() error {
		var err error
		p, err = m.TxZalloc(8, typecode.Object)
		return err
	}))

	require.NoError(t, m.Free(p))
	_, _, err := m.Direct(p)
	require.ErrorIs(t, err, mem.ErrKeyNotFound)
}

func TestRootIsIdempotent(t *testing.T) {
	m := memtest.OpenTemp(t)

	r1, err := m.Root(32)
	require.NoError(t, err)
	require.False(t, r1.IsNull())

	r2, err := m.Root(64)
	require.NoError(t, err)
	require.True(t, pptr.Equals(r1, r2))
}

func TestSetRootObjectPersists(t *testing.T) {
	m := memtest.OpenTemp(t)

	var leaf pptr.PPtr
	require.NoError(t, m.WithTx(func() error {
		var err error
		leaf, err = m.TxZalloc(8, typecode.Object)
		if err != nil {
			return err
		}
		return m.SetRootObject(leaf)
	}))

	got, err := m.GetRootObject()
	require.NoError(t, err)
	require.True(t, pptr.Equals(leaf, got))
}

func TestFirstAndNextWalkEveryLiveBlock(t *testing.T) {
	m := memtest.OpenTemp(t)

	want := map[pptr.PPtr]bool{}
	require.NoError(t, m.WithTx(func() error {
		for i := 0; i < 5; i++ {
			p, err := m.TxZalloc(8, typecode.Object)
			if err != nil {
				return err
			}
			want[p] = true
		}
		return nil
	}))

	got := map[pptr.PPtr]bool{}
	p, err := m.First()
	require.NoError(t, err)
	for !p.IsNull() {
		got[p] = true
		p, err = m.Next(p)
		require.NoError(t, err)
	}
	require.Equal(t, want, got)
}

func TestDirectRejectsForeignPool(t *testing.T) {
	m := memtest.OpenTemp(t)
	foreign := pptr.PPtr{Tag: m.PoolTag() ^ 0xff, Off: 1}
	_, _, err := m.Direct(foreign)
	require.ErrorIs(t, err, mem.ErrCorrupt)
}

func TestPersistStringRoundTrips(t *testing.T) {
	m := memtest.OpenTemp(t)
	p, err := m.PersistString("hello")
	require.NoError(t, err)

	payload, _, err := m.Direct(p)
	require.NoError(t, err)
	require.Equal(t, "hello\x00", string(payload[typecode.StringHeaderSize:]))
}
