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
	mapset "github.com/deckarep/golang-set"

	"github.com/probeum/go-vbci/log"
)

// freeze converts the mutable region graph reachable from v into immutable
// strongly-connected components sharing atomic refcounts. The regions the
// graph spanned are gone afterwards.
//
// Freezing an already-immutable or immortal value is a no-op. Freezing is
// rejected (BadStore) when the root region is not sendable or when any
// region in the graph still carries extra stack references: resetting
// those counts later would let other locals observe the region as mutable.
func freeze(t *Thread, v *Value) error {
	h := v.heaped()
	if h == nil {
		if v.tag == TCown || v.tag.IsPrimitive() || v.tag == TFunction {
			return nil
		}
		return trap(ErrBadOperand)
	}

	loc := h.Header().loc

	switch loc.kind {
	case locImmutable, locImmortal:
		return nil
	case locStack, locFrameLocal, locPending:
		return trap(ErrBadStore)
	}

	root := loc.region
	if !root.sendable() {
		return trap(ErrBadStore)
	}

	// Discover the reachable graph, recording the edges for the SCC pass
	// and the regions it spans.
	nodes := []Heaped{h}
	index := map[Heaped]int{h: 0}
	edges := make(map[int][]int)
	regions := mapset.NewThreadUnsafeSet()
	regions.Add(root)

	for i := 0; i < len(nodes); i++ {
		cur := nodes[i]

		if r := cur.Header().Region(); r != nil && regions.Add(r) {
			if r.frameLocal {
				return trap(ErrBadStore)
			}
			// A crossed region carries exactly its entry point; extra
			// stack references make the freeze unsound.
			if r.stackRC > 1 {
				return trap(ErrBadStore)
			}
		}

		var out []Heaped
		cur.Trace(&out)

		for _, n := range out {
			j, ok := index[n]
			if !ok {
				j = len(nodes)
				index[n] = j
				nodes = append(nodes, n)
			}
			edges[i] = append(edges[i], j)
		}
	}

	// Tarjan with an explicit stack.
	blocks := tarjanBlocks(nodes, edges)

	// Count cross-block edges; together with stray in-region references
	// they seed each block's atomic count.
	inEdges := make([]uint32, len(nodes))
	crossEdges := make(map[*sccBlock]int64)
	blockOf := make(map[Heaped]*sccBlock)

	for _, b := range blocks {
		for _, m := range b.members {
			blockOf[m] = b
		}
	}

	for from, tos := range edges {
		fb := blockOf[nodes[from]]
		for _, to := range tos {
			inEdges[to]++
			if tb := blockOf[nodes[to]]; tb != fb {
				crossEdges[tb]++
			}
		}
	}

	rootBlock := blockOf[h]

	for _, b := range blocks {
		arc := crossEdges[b]

		if b == rootBlock {
			// The frozen handle itself.
			arc++
		}

		for _, m := range b.members {
			hd := m.Header()
			if r := hd.Region(); r != nil && r.enableRC() {
				// References the traversal could not see: registers and
				// cown contents still naming this header.
				expect := inEdges[index[m]]
				if m == h {
					expect++
				}
				if hd.rc > expect {
					arc += int64(hd.rc - expect)
				}
			}
		}

		b.arc = arc
	}

	// Flip every member to immutable and dissolve the regions.
	for _, b := range blocks {
		for _, m := range b.members {
			hd := m.Header()
			if r := hd.Region(); r != nil {
				r.remove(m)
			}
			hd.loc = immutableLoc(b)
		}
	}

	for _, e := range regions.ToSlice() {
		r := e.(*Region)
		r.clearParent()

		// Members the root never reached are garbage: the frozen graph is
		// the region's live data. They are discarded without finalizers,
		// since running them could resurrect references into the SCCs.
		for _, m := range r.members.ToSlice() {
			m.(Heaped).Header().dead = true
		}
		r.members.Clear()
		r.freed = true
	}

	log.Debug("Froze region graph", "blocks", len(blocks), "headers", len(nodes))
	return nil
}

// tarjanBlocks runs Tarjan's SCC algorithm with an explicit stack and
// returns one block per component.
func tarjanBlocks(nodes []Heaped, edges map[int][]int) []*sccBlock {
	n := len(nodes)
	index := make([]int, n)
	lowlink := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}

	var stack []int
	var blocks []*sccBlock
	counter := 0

	type frame struct {
		v, ei int
	}

	for start := 0; start < n; start++ {
		if index[start] != -1 {
			continue
		}

		work := []frame{{start, 0}}

		for len(work) > 0 {
			f := &work[len(work)-1]
			v := f.v

			if f.ei == 0 {
				index[v] = counter
				lowlink[v] = counter
				counter++
				stack = append(stack, v)
				onStack[v] = true
			}

			advanced := false
			for f.ei < len(edges[v]) {
				w := edges[v][f.ei]
				f.ei++

				if index[w] == -1 {
					work = append(work, frame{w, 0})
					advanced = true
					break
				}
				if onStack[w] && index[w] < lowlink[v] {
					lowlink[v] = index[w]
				}
			}

			if advanced {
				continue
			}

			if lowlink[v] == index[v] {
				b := &sccBlock{}
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					b.members = append(b.members, nodes[w])
					if w == v {
						break
					}
				}
				blocks = append(blocks, b)
			}

			work = work[:len(work)-1]

			if len(work) > 0 {
				parent := work[len(work)-1].v
				if lowlink[v] < lowlink[parent] {
					lowlink[parent] = lowlink[v]
				}
			}
		}
	}

	return blocks
}
