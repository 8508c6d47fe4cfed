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

package ppool_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/persipool/arraybuffer"
	"github.com/erigontech/persipool/mem"
	"github.com/erigontech/persipool/ppool"
	"github.com/erigontech/persipool/pptr"
)

func testConfig(t *testing.T) mem.Config {
	t.Helper()
	return mem.Config{
		Path:   filepath.Join(t.TempDir(), "pool.ppool"),
		Layout: "persipool-test",
		Size:   16 * datasize.MB,
	}
}

// TestCreateSetRootCloseReopenGetRoot covers spec.md §8 scenario 1: a
// string root value must survive a close and reopen of the pool file.
func TestCreateSetRootCloseReopenGetRoot(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	p, err := ppool.Create(cfg)
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(ctx, "hello"))
	require.NoError(t, p.Close())

	p2, err := ppool.Open(cfg)
	require.NoError(t, err)
	defer p2.Close()

	v, err := p2.GetRoot(ctx)
	require.NoError(t, err)
	require.Equal(t, ppool.KindString, v.Kind)
	require.Equal(t, "hello", string(v.String))
}

func TestGetRootOnFreshPoolIsUndefined(t *testing.T) {
	cfg := testConfig(t)
	p, err := ppool.Create(cfg)
	require.NoError(t, err)
	defer p.Close()

	v, err := p.GetRoot(context.Background())
	require.NoError(t, err)
	require.Equal(t, ppool.KindUndefined, v.Kind)
}

func TestPersistScalarKinds(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	p, err := ppool.Create(cfg)
	require.NoError(t, err)
	defer p.Close()

	cases := []struct {
		name string
		in   any
		kind ppool.Kind
	}{
		{"nil", nil, ppool.KindNull},
		{"true", true, ppool.KindTrue},
		{"false", false, ppool.KindFalse},
		{"number", 3.5, ppool.KindNumber},
		{"empty string", "", ppool.KindEmptyString},
		{"string", "abc", ppool.KindString},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			ptr, err := p.PersistScalar(c.in)
			require.NoError(t, err)
			v, err := p.GetValue(ptr)
			require.NoError(t, err)
			require.Equal(t, c.kind, v.Kind)
		})
	}
}

func TestPersistScalarRejectsUnsupportedType(t *testing.T) {
	cfg := testConfig(t)
	p, err := ppool.Create(cfg)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.PersistScalar(struct{}{})
	require.ErrorIs(t, err, mem.ErrInvalidArgument)
}

func TestSetRootWithObjectPointer(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	p, err := ppool.Create(cfg)
	require.NoError(t, err)
	defer p.Close()

	obj, err := p.NewObject()
	require.NoError(t, err)
	require.NoError(t, p.WithTx(func() error {
		return obj.Set(ctx, "greeting", pptr.EmptyString)
	}))
	require.NoError(t, p.SetRoot(ctx, obj.Ptr()))

	v, err := p.GetRoot(ctx)
	require.NoError(t, err)
	require.Equal(t, ppool.KindObject, v.Kind)

	names, err := v.Object.PropertyNames(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"greeting"}, names)
}

func TestGetValueClassifiesArrayBuffer(t *testing.T) {
	cfg := testConfig(t)
	p, err := ppool.Create(cfg)
	require.NoError(t, err)
	defer p.Close()

	buf, err := arraybuffer.New(p.Manager(), []byte{1, 2, 3})
	require.NoError(t, err)

	v, err := p.GetValue(buf.Ptr())
	require.NoError(t, err)
	require.Equal(t, ppool.KindArrayBuffer, v.Kind)
	n, err := v.Buffer.Len()
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestGetValueOnEmptyKeySentinelIsNotFound(t *testing.T) {
	cfg := testConfig(t)
	p, err := ppool.Create(cfg)
	require.NoError(t, err)
	defer p.Close()

	_, err = p.GetValue(pptr.Empty)
	require.ErrorIs(t, err, mem.ErrKeyNotFound)
}

func TestGc(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()
	p, err := ppool.Create(cfg)
	require.NoError(t, err)
	defer p.Close()

	obj, err := p.NewObject()
	require.NoError(t, err)
	require.NoError(t, p.SetRoot(ctx, obj.Ptr()))

	stats, err := p.Gc(ctx)
	require.NoError(t, err)
	require.Positive(t, stats.ContainerTotal)
	require.Equal(t, stats.ContainerTotal, stats.ContainersLive, "the only object in the pool is the root")
	require.Zero(t, stats.ContainersFreed)
}
