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

package mem

import (
	"os"

	"github.com/c2h5oh/datasize"
	"github.com/erigontech/erigon-lib/log/v3"
)

// Config carries the parameters of spec.md §6.1's pool_create/pool_open: a
// path, a caller-chosen layout string that Open checks against the pool,
// the mapping size, and the file mode used when Create makes a new pool file.
type Config struct {
	// Path is the pool file. Create refuses to overwrite an existing file;
	// Open refuses a missing one.
	Path string
	// Layout is an opaque tag recorded at creation and checked on every
	// subsequent Open, the same role libpmemobj's layout string plays.
	Layout string
	// Size is the initial and maximum size of the memory-mapped pool file.
	// Unlike libpmemobj's fixed pmemobj_create size, MDBX can grow a mapping
	// up to this ceiling without a new Create call.
	Size datasize.ByteSize
	// Mode is the file mode used when Create makes a new pool file.
	Mode os.FileMode
	// ReadOnly opens the pool without acquiring the exclusive advisory lock
	// and rejects any attempt to begin a write transaction.
	ReadOnly bool
	// Logger receives structured diagnostics. A nil Logger defaults to
	// log.Root().
	Logger log.Logger
}

func (c Config) logger() log.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.Root()
}

const defaultSize = 64 * datasize.MB

func (c Config) size() datasize.ByteSize {
	if c.Size == 0 {
		return defaultSize
	}
	return c.Size
}

func (c Config) mode() os.FileMode {
	if c.Mode == 0 {
		return 0o644
	}
	return c.Mode
}
