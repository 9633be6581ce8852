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
	"strings"

	"github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/hts/sam"
)

var (
	rgTag = sam.Tag{'R', 'G'}
	saTag = sam.Tag{'S', 'A'}
	diTag = sam.Tag{'D', 'I'}
	drTag = sam.Tag{'D', 'R'}
	dsTag = sam.Tag{'D', 'S'}
	duTag = sam.Tag{'D', 'U'}
	dxTag = sam.Tag{'D', 'X'}
)

// References indexes the reference sequences of a header.
type References struct {
	byID   []*sam.Reference
	byName map[string]*sam.Reference
}

// NewReferences returns the references of header.
func NewReferences(header *sam.Header) *References {
	refs := &References{byName: make(map[string]*sam.Reference)}
	if header == nil {
		return refs
	}
	refs.byID = header.Refs()
	for _, ref := range refs.byID {
		refs.byName[ref.Name()] = ref
	}
	return refs
}

func (r *References) recognized(ref *sam.Reference) bool {
	if ref == nil || ref.ID() < 0 || ref.ID() >= len(r.byID) {
		return false
	}
	return r.byID[ref.ID()].Name() == ref.Name()
}

func (r *References) recognizedName(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// RecordInfo is the part of an alignment record that the grouping
// engine depends on.
type RecordInfo struct {
	TemplateID      string
	FirstOfPair     bool
	IsSupplementary bool
	IsSecondary     bool
	IsUnmapped      bool

	// MateReferenceRecognized is true if the record is paired, its mate
	// is mapped, and the mate's reference is in the header.
	MateReferenceRecognized bool

	// SupplementaryReferences holds the contigs of the record's SA
	// entries that name a header reference.
	SupplementaryReferences []string
}

// SupplementaryReferenceRecognized returns true if at least one
// supplementary alignment of the record lies on a known reference.
func (i RecordInfo) SupplementaryReferenceRecognized() bool {
	return len(i.SupplementaryReferences) > 0
}

// isPrimary returns true for mapped, non-secondary, non-supplementary records.
func (i RecordInfo) isPrimary() bool {
	return !i.IsSupplementary && !i.IsSecondary && !i.IsUnmapped
}

// ClassifyRecord extracts the RecordInfo of r.  SA entries naming an
// unknown contig are not counted; they are never reported as errors.
func ClassifyRecord(refs *References, r *sam.Record) RecordInfo {
	info := RecordInfo{
		TemplateID:      r.Name,
		FirstOfPair:     r.Flags&sam.Read1 != 0,
		IsSupplementary: r.Flags&sam.Supplementary != 0,
		IsSecondary:     r.Flags&sam.Secondary != 0,
		IsUnmapped:      r.Flags&sam.Unmapped != 0 || r.Ref == nil,
	}
	if !bam.HasNoMappedMate(r) && refs.recognized(r.MateRef) {
		info.MateReferenceRecognized = true
	}
	if aux, ok := r.Tag(saTag[:]); ok {
		if s, ok := aux.Value().(string); ok {
			for _, entry := range strings.Split(s, ";") {
				if entry == "" {
					continue
				}
				fields := strings.Split(entry, ",")
				if len(fields) < 6 {
					continue
				}
				if refs.recognizedName(fields[0]) {
					info.SupplementaryReferences = append(info.SupplementaryReferences, fields[0])
				}
			}
		}
	}
	return info
}

func getReadGroup(r *sam.Record) (string, bool) {
	aux := r.AuxFields.Get(rgTag)
	if aux == nil {
		return "", false
	}
	return aux.Value().(string), true
}

// GetLibrary returns the library for the given record's read group.
// If the library is not defined in readGroupLibrary, returns "Unknown
// Library".
func GetLibrary(readGroupLibrary map[string]string, record *sam.Record) string {
	const unknown = "Unknown Library"

	readGroup, found := getReadGroup(record)
	if !found {
		return unknown
	}

	library := readGroupLibrary[readGroup]
	if library == "" {
		return unknown
	}
	return library
}

func clearGroupTags(r *sam.Record) {
	r.Flags &^= sam.Duplicate
	bam.ClearAuxTags(r, []sam.Tag{diTag, drTag, dsTag, duTag, dxTag})
}
