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

package gc_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/erigontech/persipool/gc"
	"github.com/erigontech/persipool/mem/memtest"
	"github.com/erigontech/persipool/pobject"
	"github.com/erigontech/persipool/pptr"
)

// TestCollectSweepsUnreachableObjects covers spec.md §8 scenario 6 at a
// scale practical for a unit test: many objects allocated but never wired
// into the root's closure alongside a small chain that is, after gc only
// the reachable chain (and whatever it owns) survives.
func TestCollectSweepsUnreachableObjects(t *testing.T) {
	ctx := context.Background()
	mgr := memtest.OpenTemp(t)

	const garbageCount = 50
	for i := 0; i < garbageCount; i++ {
		require.NoError(t, mgr.WithTx(func() error {
			_, err := pobject.New(mgr)
			return err
		}))
	}

	var root, child *pobject.Object
	require.NoError(t, mgr.WithTx(func() error {
		var err error
		root, err = pobject.New(mgr)
		if err != nil {
			return err
		}
		child, err = pobject.New(mgr)
		if err != nil {
			return err
		}
		if err := root.Set(ctx, "child", child.Ptr()); err != nil {
			return err
		}
		return child.Set(ctx, "value", pptr.MakeNumber(42))
	}))

	require.NoError(t, mgr.SetRootObject(root.Ptr()))

	stats, err := gc.Collect(ctx, mgr)
	require.NoError(t, err)

	// every object is two containers: its own header plus its (always
	// allocated) empty property dictionary header.
	const containersPerObject = 2
	require.EqualValues(t, (garbageCount+2)*containersPerObject, stats.ContainerTotal)
	require.EqualValues(t, 2*containersPerObject, stats.ContainersLive, "only root and child, plus their property dicts, survive")
	require.EqualValues(t, garbageCount*containersPerObject, stats.ContainersFreed)

	v, err := root.Get(ctx, "child")
	require.NoError(t, err)
	require.True(t, pptr.Equals(v, child.Ptr()))

	v, err = child.Get(ctx, "value")
	require.NoError(t, err)
	require.Equal(t, 42.0, v.Number())
}

// TestCollectWithScalarRootOrphansEverything reproduces the Open Question
// decision recorded in DESIGN.md: a root that names a scalar rather than a
// composite object marks nothing, so every container in the pool is
// collected on the next gc.
func TestCollectWithScalarRootOrphansEverything(t *testing.T) {
	ctx := context.Background()
	mgr := memtest.OpenTemp(t)

	require.NoError(t, mgr.WithTx(func() error {
		_, err := pobject.New(mgr)
		return err
	}))
	require.NoError(t, mgr.SetRootObject(pptr.MakeNumber(7)))

	stats, err := gc.Collect(ctx, mgr)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.ContainerTotal)
	require.EqualValues(t, 0, stats.ContainersLive)
	require.EqualValues(t, 2, stats.ContainersFreed)
}

func TestCollectOnEmptyPool(t *testing.T) {
	ctx := context.Background()
	mgr := memtest.OpenTemp(t)

	stats, err := gc.Collect(ctx, mgr)
	require.NoError(t, err)
	require.Zero(t, stats.ContainerTotal)
	require.Zero(t, stats.OtherTotal)
}
