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

	"github.com/grailbio/hts/sam"
)

var (
	chr1, _   = sam.NewReference("chr1", "", "", 1000, nil, nil)
	chr2, _   = sam.NewReference("chr2", "", "", 2000, nil, nil)
	header, _ = sam.NewHeader(nil, []*sam.Reference{chr1, chr2})
	refs      = NewReferences(header)

	// Read 1 forward, read 2 reverse.
	r1F = sam.Paired | sam.Read1 | sam.MateReverse
	r2R = sam.Paired | sam.Read2 | sam.Reverse
	// Read 1 reverse, read 2 forward.
	r1R = sam.Paired | sam.Read1 | sam.Reverse
	r2F = sam.Paired | sam.Read2 | sam.MateReverse

	s1F = sam.Paired | sam.Read1 | sam.MateUnmapped
	up1 = sam.Paired | sam.Read1 | sam.Unmapped | sam.MateUnmapped
	up2 = sam.Paired | sam.Read2 | sam.Unmapped | sam.MateUnmapped
	sec = sam.Paired | sam.Read1 | sam.Secondary | sam.MateReverse

	cigar10M = []sam.CigarOp{
		sam.NewCigarOp(sam.CigarMatch, 10),
	}
	cigarSoft2 = []sam.CigarOp{
		sam.NewCigarOp(sam.CigarSoftClipped, 2),
		sam.NewCigarOp(sam.CigarMatch, 8),
	}
)

func NewRecord(name string, ref *sam.Reference, pos int, flags sam.Flags, matePos int, mateRef *sam.Reference, cigar sam.Cigar) *sam.Record {
	r := sam.GetFromFreePool()
	r.Name = name
	r.Ref = ref
	r.Pos = pos
	r.MatePos = matePos
	r.MateRef = mateRef
	r.Flags = flags
	r.Cigar = cigar
	return r
}

func NewAux(name string, val interface{}) sam.Aux {
	aux, err := sam.NewAux(sam.NewTag(name), val)
	if err != nil {
		panic(fmt.Sprintf("error creating %s %v tag: %v", name, val, err))
	}
	return aux
}

// getAux returns the aux field of r named name, or nil.
func getAux(r *sam.Record, name string) sam.Aux {
	tag := sam.NewTag(name)
	for _, aux := range r.AuxFields {
		if aux.Tag() == tag {
			return aux
		}
	}
	return nil
}

// frPair returns a pair with read 1 forward at pos1 and read 2
// reverse at pos2.
func frPair(name string, pos1, pos2 int) (*sam.Record, *sam.Record) {
	return NewRecord(name, chr1, pos1, r1F, pos2, chr1, cigar10M),
		NewRecord(name, chr1, pos2, r2R, pos1, chr1, cigar10M)
}

// rfPair returns a pair over the same coordinates as frPair, read from
// the other strand: read 2 forward at pos1 and read 1 reverse at pos2.
func rfPair(name string, pos1, pos2 int) (*sam.Record, *sam.Record) {
	return NewRecord(name, chr1, pos2, r1R, pos1, chr1, cigar10M),
		NewRecord(name, chr1, pos1, r2F, pos2, chr1, cigar10M)
}

// newFragment returns a fragment holding records, with its key set.
func newFragment(name string, records ...*sam.Record) *Fragment {
	f := NewFragment(name)
	for _, r := range records {
		f.AddRecord(r, ClassifyRecord(refs, r))
	}
	f.ComputeKey()
	return f
}

func frFragment(name string, pos1, pos2 int) *Fragment {
	r1, r2 := frPair(name, pos1, pos2)
	return newFragment(name, r1, r2)
}

func rfFragment(name string, pos1, pos2 int) *Fragment {
	r1, r2 := rfPair(name, pos1, pos2)
	return newFragment(name, r1, r2)
}

// recordCollector collects emitted records.
type recordCollector struct {
	mu      sync.Mutex
	records []*sam.Record
}

func (c *recordCollector) emit(r *sam.Record) error {
	c.mu.Lock()
	c.records = append(c.records, r)
	c.mu.Unlock()
	return nil
}

// byName returns the collected records named name.
func (c *recordCollector) byName(name string) []*sam.Record {
	var out []*sam.Record
	for _, r := range c.records {
		if r.Name == name {
			out = append(out, r)
		}
	}
	return out
}

// consensus returns the collected records that carry a DI tag.
func (c *recordCollector) consensus() []*sam.Record {
	var out []*sam.Record
	for _, r := range c.records {
		if getAux(r, "DI") != nil {
			out = append(out, r)
		}
	}
	return out
}
