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

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/hts/sam"
)

// SlotType names the record categories of a DuplicateGroup.
type SlotType uint8

const (
	InitialPrimary SlotType = iota
	Mate
	InitialSupplementary
	MateSupplementary
	numSlots
)

func (s SlotType) String() string {
	switch s {
	case InitialPrimary:
		return "INITIAL_PRIMARY"
	case Mate:
		return "MATE"
	case InitialSupplementary:
		return "INITIAL_SUPPLEMENTARY"
	case MateSupplementary:
		return "MATE_SUPPLEMENTARY"
	}
	return fmt.Sprintf("SlotType(%d)", uint8(s))
}

type slotState uint8

const (
	slotAbsent slotState = iota
	slotActive
	slotComplete
	slotFailed
)

type slot struct {
	state    slotState
	expected int
	records  []*sam.Record
}

func (s *slot) ready() bool {
	return s.state == slotActive && len(s.records) >= s.expected
}

type groupState uint8

const (
	uncategorized groupState = iota
	categorizing
	active
)

// DuplicateGroup is a finalized cluster of duplicate fragments.  After
// Categorize, the records of its members are sorted into slots, and
// each slot is turned into one consensus record once it has received
// the expected number of records.
//
// AddRecord and PopCompletedSlots may be called concurrently.
type DuplicateGroup struct {
	// ID is the group's barcode, or the name of its first member.
	ID      string
	Barcode string
	Key     CoordinateKey
	Library string

	refs *References

	mu         sync.Mutex
	state      groupState
	members    []*Fragment
	pending    []*sam.Record
	dualStrand bool
	templates  int
	slots      [numSlots]slot

	// initialIsRead1 maps a template name to true if the template's
	// read 1 is its initial mate.  Entries are written once.
	initialIsRead1 map[string]bool
	// initialLeft is true if the initial end of the group is the left
	// end of the coordinate key.
	initialLeft bool

	failures int
	// dropped holds the names of records that had no open slot.
	dropped []string
	// Counts already returned by takeCounts.
	reportedFailures int
	reportedDropped  int
}

// NewDuplicateGroup returns an uncategorized group.  Ownership of
// members passes to the group.
func NewDuplicateGroup(id string, members []*Fragment, refs *References) *DuplicateGroup {
	g := &DuplicateGroup{
		ID:             id,
		members:        members,
		refs:           refs,
		initialIsRead1: make(map[string]bool),
	}
	if len(members) > 0 {
		g.Key = members[0].Key.Unoriented()
	}
	return g
}

// setDualStrand marks the group as holding both strands of a molecule.
func (g *DuplicateGroup) setDualStrand() {
	g.mu.Lock()
	g.dualStrand = true
	g.mu.Unlock()
}

// DualStrand returns true if the group holds both strands of a molecule.
func (g *DuplicateGroup) DualStrand() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.dualStrand
}

// TemplateCount returns the number of fragments in the group.
func (g *DuplicateGroup) TemplateCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == uncategorized {
		return len(g.members)
	}
	return g.templates
}

// Categorize discovers the group's slots from its members, sets the
// number of records each slot expects, and moves every member record
// into the slots.  The member list is cleared.  Categorize panics if
// called twice or on a group without members.
func (g *DuplicateGroup) Categorize() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != uncategorized {
		panic(fmt.Sprintf("group %s: categorize called twice", g.ID))
	}
	if len(g.members) == 0 {
		panic(fmt.Sprintf("group %s: categorize called on empty group", g.ID))
	}
	g.state = categorizing

	n := len(g.members)
	g.templates = n
	first := g.members[0]
	primaries := first.Primaries()
	if len(primaries) == 0 {
		panic(fmt.Sprintf("group %s: member %s has no primary record", g.ID, first.Name))
	}
	g.slots[InitialPrimary] = slot{state: slotActive, expected: n}
	if info := ClassifyRecord(g.refs, primaries[0]); info.MateReferenceRecognized {
		g.slots[Mate] = slot{state: slotActive, expected: n}
	}
	g.initialLeft = true
	if len(primaries) == 2 {
		left, _ := orderPair(primaries[0], primaries[1])
		g.initialLeft = bam.IsRead1(left)
	}

	var plus, minus bool
	for _, f := range g.members {
		switch f.Key.Strand {
		case 1:
			plus = true
		case -1:
			minus = true
		}
		g.designate(f)
		for _, p := range f.Primaries() {
			info := ClassifyRecord(g.refs, p)
			if !info.SupplementaryReferenceRecognized() {
				continue
			}
			t := MateSupplementary
			if g.isInitial(info) {
				t = InitialSupplementary
			}
			g.slots[t].state = slotActive
			g.slots[t].expected += len(info.SupplementaryReferences)
		}
	}
	if plus && minus {
		g.dualStrand = true
	}

	var records []*sam.Record
	for _, f := range g.members {
		records = append(records, f.Records()...)
		f.clear()
	}
	records = append(records, g.pending...)
	g.members = nil
	g.pending = nil
	g.state = active
	for _, r := range records {
		g.addLocked(r)
	}
}

// designate records which mate of f is the initial one: the read at
// the group's initial end.
func (g *DuplicateGroup) designate(f *Fragment) {
	if _, ok := g.initialIsRead1[f.Name]; ok {
		return
	}
	primaries := f.Primaries()
	switch len(primaries) {
	case 1:
		g.initialIsRead1[f.Name] = primaries[0].Flags&sam.Read1 != 0
	case 2:
		left, right := orderPair(primaries[0], primaries[1])
		initial := right
		if g.initialLeft {
			initial = left
		}
		g.initialIsRead1[f.Name] = bam.IsRead1(initial)
	}
}

func (g *DuplicateGroup) isInitial(info RecordInfo) bool {
	initialIsRead1, ok := g.initialIsRead1[info.TemplateID]
	if !ok {
		// A template that was not a member when the group was
		// categorized; its first sighting fixes the rule.
		initialIsRead1 = info.FirstOfPair
		g.initialIsRead1[info.TemplateID] = initialIsRead1
	}
	return info.FirstOfPair == initialIsRead1
}

func (g *DuplicateGroup) addLocked(r *sam.Record) {
	info := ClassifyRecord(g.refs, r)
	if info.IsSecondary || info.IsUnmapped {
		g.dropped = append(g.dropped, r.Name)
		return
	}
	var t SlotType
	initial := g.isInitial(info)
	switch {
	case !info.IsSupplementary && initial:
		t = InitialPrimary
	case !info.IsSupplementary:
		t = Mate
	case initial:
		t = InitialSupplementary
	default:
		t = MateSupplementary
	}
	s := &g.slots[t]
	if s.state != slotActive {
		log.Debug.Printf("group %s: dropping %s for %v slot in state %d", g.ID, r.Name, t, s.state)
		g.dropped = append(g.dropped, r.Name)
		return
	}
	s.records = append(s.records, r)
}

// AddRecord sorts r into its slot.  Records added before Categorize
// are held until the group is categorized.
func (g *DuplicateGroup) AddRecord(r *sam.Record) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == uncategorized {
		g.pending = append(g.pending, r)
		return
	}
	g.addLocked(r)
}

// HasSlot returns true if the group has a slot of type t.
func (g *DuplicateGroup) HasSlot(t SlotType) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots[t].state != slotAbsent
}

// ExpectedCount returns the number of records slot t expects.
func (g *DuplicateGroup) ExpectedCount(t SlotType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.slots[t].expected
}

// ReceivedCount returns the number of records slot t holds.
func (g *DuplicateGroup) ReceivedCount(t SlotType) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.slots[t].records)
}

// HasCompleteSlot returns true if a slot is ready to be popped.
func (g *DuplicateGroup) HasCompleteSlot() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != active {
		return false
	}
	for i := range g.slots {
		if g.slots[i].ready() {
			return true
		}
	}
	return false
}

// AllSlotsComplete returns true if every slot has received its
// expected records or has been popped.
func (g *DuplicateGroup) AllSlotsComplete() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != active {
		return false
	}
	for i := range g.slots {
		s := &g.slots[i]
		if s.state == slotActive && len(s.records) < s.expected {
			return false
		}
	}
	return true
}

// Done returns true once every slot has been popped.
func (g *DuplicateGroup) Done() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != active {
		return false
	}
	for i := range g.slots {
		if g.slots[i].state == slotActive {
			return false
		}
	}
	return true
}

// SlotFailures returns the number of slots whose consensus failed.
func (g *DuplicateGroup) SlotFailures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}

// DroppedRecords returns the number of records that had no open slot.
func (g *DuplicateGroup) DroppedRecords() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.dropped)
}

// takeCounts returns the slot failures and the names of dropped
// records accumulated since the previous call.
func (g *DuplicateGroup) takeCounts() (failures int, dropped []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	failures = g.failures - g.reportedFailures
	dropped = g.dropped[g.reportedDropped:len(g.dropped):len(g.dropped)]
	g.reportedFailures, g.reportedDropped = g.failures, len(g.dropped)
	return failures, dropped
}

type poppedSlot struct {
	t       SlotType
	records []*sam.Record
}

// PopCompletedSlots builds a consensus record for every complete slot,
// or for every non-empty slot if flushIncomplete is set.  A popped
// slot accepts no further records.  A consensus failure is logged and
// does not affect the other slots.
func (g *DuplicateGroup) PopCompletedSlots(builder ConsensusBuilder, flushIncomplete bool) []*sam.Record {
	g.mu.Lock()
	if g.state != active {
		g.mu.Unlock()
		return nil
	}
	var popped []poppedSlot
	for i := range g.slots {
		s := &g.slots[i]
		if s.state != slotActive {
			continue
		}
		if !s.ready() && !flushIncomplete {
			continue
		}
		s.state = slotComplete
		if len(s.records) > 0 {
			popped = append(popped, poppedSlot{SlotType(i), s.records})
		}
		s.records = nil
	}
	templates, dualStrand := g.templates, g.dualStrand
	g.mu.Unlock()

	var out []*sam.Record
	for _, p := range popped {
		result, err := buildSafely(builder, p.records)
		if err != nil {
			names := make([]string, len(p.records))
			for i, r := range p.records {
				names[i] = r.Name
			}
			err = errors.E(err, fmt.Sprintf("group %s slot %v records %v", g.ID, p.t, names))
			log.Error.Printf("consensus failed: %v", err)
			g.mu.Lock()
			g.slots[p.t].state = slotFailed
			g.failures++
			g.mu.Unlock()
			continue
		}
		g.annotate(result.Record, p.records, templates, dualStrand)
		out = append(out, result.Record)
	}
	return out
}

func buildSafely(builder ConsensusBuilder, records []*sam.Record) (result ConsensusResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errors.E(fmt.Sprintf("consensus builder panic: %v", p))
		}
	}()
	result, err = builder.Build(records)
	if err == nil && result.Record == nil {
		err = errors.E(errors.Invalid, "consensus builder returned no record")
	}
	return
}

// annotate attaches the group tags to a consensus record.
func (g *DuplicateGroup) annotate(r *sam.Record, sources []*sam.Record, templates int, dualStrand bool) {
	clearGroupTags(r)
	read1 := 0
	for _, s := range sources {
		if s.Flags&sam.Read1 != 0 {
			read1++
		}
	}
	strandValue := "SS"
	if dualStrand {
		strandValue = "DP"
	}
	addAux(r, diTag, g.ID)
	addAux(r, dsTag, templates)
	addAux(r, drTag, float32(read1)/float32(len(sources)))
	addAux(r, dxTag, strandValue)
	if g.Barcode != "" {
		addAux(r, duTag, g.Barcode)
	}
}

func addAux(r *sam.Record, tag sam.Tag, value interface{}) {
	aux, err := sam.NewAux(tag, value)
	if err != nil {
		panic(fmt.Sprintf("error creating %s:%v tag: %v", tag, value, err))
	}
	r.AuxFields = append(r.AuxFields, aux)
}
