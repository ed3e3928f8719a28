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

// StackChunkSize is the byte budget of one stack chunk. A single
// allocation larger than a chunk fails.
const StackChunkSize = 1024

// stackChunk tracks the allocations living in one fixed-size chunk. The
// original bump-allocates raw bytes and writes sentinel headers into the
// slack; here the entries are recorded per chunk with their byte
// footprint, so walkers iterate records instead of striding memory, and
// the chunk boundary itself is the sentinel.
type stackChunk struct {
	used    uint64
	entries []Heaped
}

// StackMark is a snapshot of the allocator top.
type StackMark struct {
	chunk   int
	used    uint64
	entries int
}

// Stack is the frame-scoped bump allocator for stack-placed objects and
// arrays.
type Stack struct {
	chunks []*stackChunk
	top    int
}

// save snapshots the top for a later restore.
func (s *Stack) save() StackMark {
	if len(s.chunks) == 0 {
		return StackMark{}
	}
	c := s.chunks[s.top]
	return StackMark{chunk: s.top, used: c.used, entries: len(c.entries)}
}

// restore rolls the allocator back to a save point, discarding every
// record made since.
func (s *Stack) restore(m StackMark) {
	if len(s.chunks) == 0 {
		return
	}

	for i := m.chunk + 1; i < len(s.chunks); i++ {
		s.chunks[i].used = 0
		s.chunks[i].entries = s.chunks[i].entries[:0]
	}

	c := s.chunks[m.chunk]
	c.used = m.used
	c.entries = c.entries[:m.entries]
	s.top = m.chunk
}

// alloc records a stack allocation of the given byte footprint. Requests
// larger than a chunk fail.
func (s *Stack) alloc(h Heaped, size uint64) bool {
	if size > StackChunkSize {
		return false
	}

	if len(s.chunks) == 0 {
		s.chunks = append(s.chunks, &stackChunk{})
	}

	c := s.chunks[s.top]

	if c.used+size > StackChunkSize {
		s.top++
		if s.top >= len(s.chunks) {
			s.chunks = append(s.chunks, &stackChunk{})
		}
		c = s.chunks[s.top]
		c.used = 0
		c.entries = c.entries[:0]
	}

	c.used += size
	c.entries = append(c.entries, h)
	return true
}

// object allocates a stack-resident instance at the given frame level.
func (s *Stack) object(cls *Class, frameID uint32) (*Object, error) {
	obj := newObject(cls, stackLoc(frameID))
	if !s.alloc(obj, cls.Size) {
		return nil, trap(ErrBadAllocTarget)
	}
	return obj, nil
}

// array allocates a stack-resident array at the given frame level.
func (s *Stack) array(p *Program, frameID uint32, typeID TypeID, size uint64) (*Array, error) {
	arr, err := newArray(p, stackLoc(frameID), typeID, size)
	if err != nil {
		return nil, err
	}
	if !s.alloc(arr, arr.SizeBytes()) {
		return nil, trap(ErrBadAllocTarget)
	}
	return arr, nil
}

// visitHeaders walks the live stack-resident headers between two save
// points in allocation order.
func (s *Stack) visitHeaders(from, to StackMark, fn func(Heaped)) {
	for ci := from.chunk; ci <= to.chunk && ci < len(s.chunks); ci++ {
		c := s.chunks[ci]

		start := 0
		if ci == from.chunk {
			start = from.entries
		}
		end := len(c.entries)
		if ci == to.chunk && to.entries < end {
			end = to.entries
		}

		for i := start; i < end; i++ {
			fn(c.entries[i])
		}
	}
}
