// Copyright 2025 The go-vbci Authors
// This file is part of the go-vbci library.
//
// The go-vbci library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-vbci library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-vbci library. If not, see <http://www.gnu.org/licenses/>.

package vm

import (
	"encoding/binary"
	"errors"
)

var errTruncated = errors.New("vm: truncated instruction stream")

// uvarint decodes a LEB128 quantity at the given byte offset and returns
// the value plus the offset past it.
func uvarint(buf []byte, off uint64) (uint64, uint64, error) {
	var out uint64
	var shift uint

	for i := 0; i < 10; i++ {
		if off >= uint64(len(buf)) {
			return 0, 0, errTruncated
		}
		b := buf[off]
		off++
		out |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			return out, off, nil
		}
		shift += 7
	}

	return 0, 0, errTruncated
}

// putUvarint appends the LEB128 encoding of v.
func putUvarint(buf []byte, v uint64) []byte {
	var tmp [10]byte
	n := binary.PutUvarint(tmp[:], v)
	return append(buf, tmp[:n]...)
}
