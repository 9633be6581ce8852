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
	"strings"

	"github.com/grailbio/hts/sam"
)

// DuplicateStatus is the outcome of duplicate detection for a Fragment.
type DuplicateStatus uint8

const (
	Undetermined DuplicateStatus = iota
	Duplicate
	NotDuplicate
)

func (s DuplicateStatus) String() string {
	switch s {
	case Undetermined:
		return "UNDETERMINED"
	case Duplicate:
		return "DUPLICATE"
	case NotDuplicate:
		return "NOT_DUPLICATE"
	}
	return fmt.Sprintf("DuplicateStatus(%d)", uint8(s))
}

// Fragment holds the records of one sequencing template.  Records are
// kept primary first, then mate, then unmapped reads, then
// supplementary alignments.
type Fragment struct {
	// Name is the template name shared by all records.
	Name    string
	Library string
	Barcode string
	Key     CoordinateKey
	Status  DuplicateStatus

	// GroupID is the barcode group the fragment was assigned to, or
	// empty.
	GroupID string

	primaries     []*sam.Record
	unmapped      []*sam.Record
	supplementary []*sam.Record
	other         []*sam.Record

	// awaitingMate is true when the first primary read has a mapped
	// mate that has not been added yet.
	awaitingMate bool
}

// NewFragment returns an empty fragment for the given template.
func NewFragment(name string) *Fragment {
	return &Fragment{Name: name}
}

// AddRecord adds r to the fragment.  info must be ClassifyRecord(r).
// Returns true if r is a mapped primary record.
func (f *Fragment) AddRecord(r *sam.Record, info RecordInfo) bool {
	switch {
	case info.IsSecondary:
		f.other = append(f.other, r)
	case info.IsSupplementary:
		f.supplementary = append(f.supplementary, r)
	case info.IsUnmapped:
		f.unmapped = append(f.unmapped, r)
	default:
		if len(f.primaries) >= 2 {
			panic(fmt.Sprintf("fragment %s: third primary record %s flags %d", f.Name, r.Name, r.Flags))
		}
		f.primaries = append(f.primaries, r)
		if len(f.primaries) == 1 {
			f.awaitingMate = info.MateReferenceRecognized
		} else {
			f.awaitingMate = false
		}
		return true
	}
	return false
}

// addLate adds a primary record that arrived after the fragment's
// primaries were fixed.  It is kept with the fragment's other records.
func (f *Fragment) addLate(r *sam.Record) {
	f.other = append(f.other, r)
}

// Records returns every record of the fragment.
func (f *Fragment) Records() []*sam.Record {
	n := len(f.primaries) + len(f.unmapped) + len(f.supplementary) + len(f.other)
	records := make([]*sam.Record, 0, n)
	records = append(records, f.primaries...)
	records = append(records, f.unmapped...)
	records = append(records, f.supplementary...)
	return append(records, f.other...)
}

// Primaries returns the mapped primary records seen so far.
func (f *Fragment) Primaries() []*sam.Record {
	return f.primaries
}

// PrimaryReadsPresent returns true once every mapped primary read of
// the template has been added.
func (f *Fragment) PrimaryReadsPresent() bool {
	return len(f.primaries) > 0 && !f.awaitingMate
}

// ComputeKey sets f.Key from the primary records.  Returns false if no
// primary record has been added.
func (f *Fragment) ComputeKey() bool {
	key, ok := KeyFor(f.primaries...)
	if ok {
		f.Key = key
	}
	return ok
}

// isDuplicateOf is the pairwise predicate used by CandidateBucket.
func (f *Fragment) isDuplicateOf(other *Fragment, requireOrientationMatch bool) bool {
	if f.Library != other.Library {
		return false
	}
	if f.Key.Unoriented() != other.Key.Unoriented() {
		return false
	}
	return !requireOrientationMatch || f.Key.Strand == other.Key.Strand
}

func (f *Fragment) clear() {
	f.primaries = nil
	f.unmapped = nil
	f.supplementary = nil
	f.other = nil
}

// extractBarcode returns the barcode of r: the value of tag if
// present, otherwise the last ':' separated field of the read name.
func extractBarcode(r *sam.Record, tag sam.Tag) string {
	if aux, ok := r.Tag(tag[:]); ok {
		if s, ok := aux.Value().(string); ok {
			return strings.ToUpper(s)
		}
	}
	idx := strings.LastIndexByte(r.Name, ':')
	if idx < 0 {
		return ""
	}
	return strings.ToUpper(r.Name[idx+1:])
}
