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

import "errors"

// Sentinel errors, one per row of spec.md §7's error table. Callers compare
// with errors.Is; the wrapping fmt.Errorf at each call site supplies the
// "Trigger" detail from that table.
var (
	ErrPoolOpen         = errors.New("persipool: failed to open or create pool")
	ErrAlloc            = errors.New("persipool: allocation failed")
	ErrNotInTransaction = errors.New("persipool: operation requires an open transaction")
	ErrInvalidArgument  = errors.New("persipool: invalid argument")
	ErrKeyNotFound      = errors.New("persipool: key not found")
	ErrCorrupt          = errors.New("persipool: pool corrupt")
	ErrAlreadyOpen      = errors.New("persipool: pool already opened or created")
	ErrClosed           = errors.New("persipool: pool is closed")
)
