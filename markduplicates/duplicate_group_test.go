// Copyright 2020 Grail Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package markduplicates

import (
	"fmt"
	"sync"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
)

const saChr2 = "chr2,500,+,10M,60,0;"

// supplementaryFragment returns an FR fragment whose read 1 has a
// supplementary alignment on chr2, and the supplementary record.
func supplementaryFragment(name string, sa string) (*Fragment, *sam.Record) {
	r1, r2 := frPair(name, 100, 300)
	r1.AuxFields = append(r1.AuxFields, NewAux("SA", sa))
	supp := NewRecord(name, chr2, 499, sam.Paired|sam.Read1|sam.Supplementary|sam.MateReverse, 300, chr1, cigar10M)
	return newFragment(name, r1, r2), supp
}

// failingBuilder fails the consensus of read 2 records.
type failingBuilder struct {
	panics bool
}

func (b failingBuilder) Build(records []*sam.Record) (ConsensusResult, error) {
	if records[0].Flags&sam.Read2 != 0 {
		if b.panics {
			panic("consensus of read 2")
		}
		return ConsensusResult{}, errors.E(errors.Invalid, "consensus of read 2")
	}
	return BestReadBuilder{}.Build(records)
}

func TestSlotExpectations(t *testing.T) {
	for n := 1; n <= 4; n++ {
		var members []*Fragment
		for i := 0; i < n; i++ {
			members = append(members, frFragment(fmt.Sprintf("T%d", i), 100, 300))
		}
		g := NewDuplicateGroup("T0", members, refs)
		g.Categorize()

		assert.Equal(t, n, g.TemplateCount())
		assert.True(t, g.HasSlot(InitialPrimary))
		assert.True(t, g.HasSlot(Mate))
		assert.Equal(t, n, g.ExpectedCount(InitialPrimary))
		assert.Equal(t, n, g.ExpectedCount(Mate))
		assert.Equal(t, n, g.ReceivedCount(InitialPrimary))
		assert.Equal(t, n, g.ReceivedCount(Mate))
		for _, st := range []SlotType{InitialSupplementary, MateSupplementary} {
			assert.False(t, g.HasSlot(st) && g.ExpectedCount(st) > 0, "%v", st)
		}
		assert.True(t, g.AllSlotsComplete())
		assert.False(t, g.DualStrand())
	}
}

func TestCategorizeMisuse(t *testing.T) {
	g := NewDuplicateGroup("A", []*Fragment{frFragment("A", 100, 300), frFragment("B", 100, 300)}, refs)
	g.Categorize()
	assert.Panics(t, func() { g.Categorize() })

	empty := NewDuplicateGroup("E", nil, refs)
	assert.Panics(t, func() { empty.Categorize() })
}

func TestPopCompletedSlots(t *testing.T) {
	g := NewDuplicateGroup("A", []*Fragment{frFragment("A", 100, 300), frFragment("B", 100, 300)}, refs)
	assert.False(t, g.HasCompleteSlot())
	assert.Nil(t, g.PopCompletedSlots(BestReadBuilder{}, false))

	g.Categorize()
	assert.True(t, g.HasCompleteSlot())
	out := g.PopCompletedSlots(BestReadBuilder{}, false)
	assert.Len(t, out, 2)
	assert.True(t, g.Done())
	assert.False(t, g.HasCompleteSlot())
	assert.Nil(t, g.PopCompletedSlots(BestReadBuilder{}, true))

	primary, mate := out[0], out[1]
	assert.True(t, primary.Flags&sam.Read1 != 0)
	assert.True(t, mate.Flags&sam.Read2 != 0)
	for _, r := range out {
		assert.Equal(t, NewAux("DI", "A"), getAux(r, "DI"))
		assert.Equal(t, NewAux("DS", 2), getAux(r, "DS"))
		assert.Equal(t, NewAux("DX", "SS"), getAux(r, "DX"))
		assert.Nil(t, getAux(r, "DU"))
	}
	assert.Equal(t, NewAux("DR", float32(1)), getAux(primary, "DR"))
	assert.Equal(t, NewAux("DR", float32(0)), getAux(mate, "DR"))
}

func TestDualStrandGroup(t *testing.T) {
	g := NewDuplicateGroup("A", []*Fragment{frFragment("A", 100, 300), rfFragment("B", 100, 300)}, refs)
	g.Categorize()
	assert.True(t, g.DualStrand())

	// The initial slot holds the reads at the left end: read 1 of A and
	// read 2 of B.
	out := g.PopCompletedSlots(BestReadBuilder{}, false)
	assert.Len(t, out, 2)
	for _, r := range out {
		assert.Equal(t, NewAux("DX", "DP"), getAux(r, "DX"))
		assert.Equal(t, NewAux("DR", float32(0.5)), getAux(r, "DR"))
	}
}

func TestSupplementarySlots(t *testing.T) {
	a, suppA := supplementaryFragment("A", saChr2+"chrUn,5,-,10M,60,0;")
	b, suppB := supplementaryFragment("B", saChr2)
	g := NewDuplicateGroup("A", []*Fragment{a, b}, refs)

	// Records that arrive before categorization are held.
	g.AddRecord(suppA)
	g.Categorize()

	assert.True(t, g.HasSlot(InitialSupplementary))
	assert.False(t, g.HasSlot(MateSupplementary))
	assert.Equal(t, 2, g.ExpectedCount(InitialSupplementary))
	assert.Equal(t, 1, g.ReceivedCount(InitialSupplementary))

	out := g.PopCompletedSlots(BestReadBuilder{}, false)
	assert.Len(t, out, 2)
	assert.False(t, g.Done())
	assert.False(t, g.AllSlotsComplete())

	g.AddRecord(suppB)
	assert.True(t, g.AllSlotsComplete())
	out = g.PopCompletedSlots(BestReadBuilder{}, false)
	assert.Len(t, out, 1)
	assert.True(t, out[0].Flags&sam.Supplementary != 0)
	assert.True(t, g.Done())

	// Slots that were popped accept no further records.
	g.AddRecord(suppB)
	assert.Equal(t, 1, g.DroppedRecords())
	failures, dropped := g.takeCounts()
	assert.Equal(t, 0, failures)
	assert.Equal(t, []string{"B"}, dropped)
	_, dropped = g.takeCounts()
	assert.Len(t, dropped, 0)
	assert.Equal(t, 1, g.DroppedRecords())
}

func TestFlushIncompleteSlots(t *testing.T) {
	a, suppA := supplementaryFragment("A", saChr2)
	b, _ := supplementaryFragment("B", saChr2)
	g := NewDuplicateGroup("A", []*Fragment{a, b}, refs)
	g.Categorize()
	assert.Len(t, g.PopCompletedSlots(BestReadBuilder{}, false), 2)
	g.AddRecord(suppA)
	assert.Len(t, g.PopCompletedSlots(BestReadBuilder{}, false), 0)
	out := g.PopCompletedSlots(BestReadBuilder{}, true)
	assert.Len(t, out, 1)
	assert.Equal(t, NewAux("DS", 2), getAux(out[0], "DS"))
	assert.True(t, g.Done())
}

func TestConsensusFailureIsolation(t *testing.T) {
	for _, panics := range []bool{false, true} {
		g := NewDuplicateGroup("A", []*Fragment{frFragment("A", 100, 300), frFragment("B", 100, 300)}, refs)
		g.Categorize()
		out := g.PopCompletedSlots(failingBuilder{panics: panics}, false)
		assert.Len(t, out, 1)
		assert.True(t, out[0].Flags&sam.Read1 != 0)
		assert.Equal(t, 1, g.SlotFailures())
		assert.True(t, g.HasSlot(InitialPrimary))
		assert.True(t, g.HasSlot(Mate))
		assert.Equal(t, 0, g.ReceivedCount(InitialPrimary))
		assert.Equal(t, 0, g.ReceivedCount(Mate))
		assert.True(t, g.Done())

		_, r2 := frPair("C", 100, 300)
		g.AddRecord(r2)
		assert.Equal(t, 0, g.ReceivedCount(Mate))
		assert.Nil(t, g.PopCompletedSlots(failingBuilder{panics: panics}, true))
		assert.Equal(t, 1, g.SlotFailures())
	}
}

func TestConcurrentAddAndPop(t *testing.T) {
	const n = 50
	var (
		members []*Fragment
		supps   []*sam.Record
	)
	for i := 0; i < n; i++ {
		f, supp := supplementaryFragment(fmt.Sprintf("T%d", i), saChr2)
		members = append(members, f)
		supps = append(supps, supp)
	}
	g := NewDuplicateGroup("T0", members, refs)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out []*sam.Record
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(r *sam.Record) {
			defer wg.Done()
			g.AddRecord(r)
			records := g.PopCompletedSlots(BestReadBuilder{}, false)
			mu.Lock()
			out = append(out, records...)
			mu.Unlock()
		}(supps[i])
		if i == n/2 {
			g.Categorize()
		}
	}
	wg.Wait()
	out = append(out, g.PopCompletedSlots(BestReadBuilder{}, false)...)

	assert.Len(t, out, 3)
	assert.True(t, g.Done())
	assert.Equal(t, 0, g.DroppedRecords())
	for _, r := range out {
		assert.Equal(t, NewAux("DS", n), getAux(r, "DS"))
	}
}
