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

// Package memtest gives every other package's test suite a one-line way to
// stand up a throwaway pool, the same role a t.TempDir-backed helper plays
// across erigon-lib's kv test suites.
package memtest

import (
	"path/filepath"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"

	"github.com/erigontech/persipool/mem"
)

// OpenTemp creates a fresh pool in t.TempDir() and registers its cleanup.
func OpenTemp(t *testing.T) *mem.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pool.ppool")
	m, err := mem.Create(mem.Config{
		Path:   path,
		Layout: "persipool-test",
		Size:   16 * datasize.MB,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}
