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

	"github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/hts/sam"
)

type Orientation uint8

const (
	f  = iota // Forward (single fragment)
	r  = iota // Reverse (single fragment)
	ff = iota // Forward, Forward
	fr = iota // Forward, Reverse
	rf = iota // Reverse, Forward
	rr = iota // Reverse, Reverse
)

// Strand is the strand of read 1 of a template: +1, -1, or 0 when
// both reads point in the same direction.
type Strand int8

// CoordinateKey identifies the alignment coordinates of a template.
// If both ends are populated, the left most unclipped 5' position will
// reside in Left.  If only one read is mapped (or the mate has not
// been seen yet), it resides in Left, RightRefID and RightPos are -1,
// and Incomplete() returns true.
//
// The two strands of one duplex molecule share every field except
// Strand, so Unoriented() is used to bucket templates, and Strand
// keeps the two orientations apart until they are reconciled.
type CoordinateKey struct {
	LeftRefID   int
	LeftPos     int
	RightRefID  int
	RightPos    int
	Orientation Orientation
	Strand      Strand
}

func (k CoordinateKey) String() string {
	return fmt.Sprintf("(%d,%d,%d,%d,0x%x,%d)", k.LeftRefID, k.LeftPos,
		k.RightRefID, k.RightPos, k.Orientation, k.Strand)
}

// Incomplete returns true for keys built from a single mapped read.
func (k CoordinateKey) Incomplete() bool {
	return k.Orientation == f || k.Orientation == r
}

// Unoriented returns k without its read 1 strand.
func (k CoordinateKey) Unoriented() CoordinateKey {
	k.Strand = 0
	return k
}

// end returns the right most end of k.
func (k CoordinateKey) end() Position {
	if k.Incomplete() {
		return Position{k.LeftRefID, k.LeftPos}
	}
	return Position{k.RightRefID, k.RightPos}
}

// bytes returns a compact encoding of k for hashing.
func (k CoordinateKey) bytes() []byte {
	var buf [26]byte
	putInt := func(off int, v int) {
		u := uint64(int64(v))
		for i := 0; i < 6; i++ {
			buf[off+i] = byte(u >> (8 * uint(i)))
		}
	}
	putInt(0, k.LeftRefID)
	putInt(6, k.LeftPos)
	putInt(12, k.RightRefID)
	putInt(18, k.RightPos)
	buf[24] = byte(k.Orientation)
	buf[25] = byte(k.Strand)
	return buf[:]
}

// Position is a point in the coordinate sorted input.
type Position struct {
	RefID int
	Pos   int
}

// Before returns true if p sorts strictly before other.
func (p Position) Before(other Position) bool {
	return p.RefID < other.RefID || (p.RefID == other.RefID && p.Pos < other.Pos)
}

func orientationByteSingle(reversed bool) Orientation {
	if reversed {
		return r
	}
	return f
}

func orientationBytePair(leftReversed, rightReversed bool) Orientation {
	if leftReversed {
		if rightReversed {
			return rr
		}
		return rf
	}
	if rightReversed {
		return fr
	}
	return ff
}

// readLess orders the two reads of a pair.  If the refid, pos, and
// orientation all match, then R1 is less than R2.
func readLess(a, b *sam.Record) bool {
	aPos := bam.UnclippedFivePrimePosition(a)
	bPos := bam.UnclippedFivePrimePosition(b)
	aOrientation := orientationByteSingle(bam.IsReversedRead(a))
	bOrientation := orientationByteSingle(bam.IsReversedRead(b))

	return a.Ref.ID() < b.Ref.ID() ||
		(a.Ref.ID() == b.Ref.ID() && aPos < bPos) ||
		(a.Ref.ID() == b.Ref.ID() && aPos == bPos && aOrientation < bOrientation) ||
		(a.Ref.ID() == b.Ref.ID() && aPos == bPos && aOrientation == bOrientation && bam.IsRead1(a))
}

// r1Strand returns +1 or -1 depending on the strand if the reads
// point in opposite directions. If the two reads point in the same
// direction, return 0. For singletons, return the strand for just the
// singleton, ignoring the mate's direction.
func r1Strand(r *sam.Record) Strand {
	if r.Flags&sam.MateUnmapped != sam.MateUnmapped && r.Flags&sam.Paired != 0 &&
		(r.Flags&sam.Reverse != 0) == (r.Flags&sam.MateReverse != 0) {
		return 0
	}
	if r.Flags&sam.Paired == 0 || bam.IsRead1(r) {
		return Strand(r.Strand())
	}
	return Strand(-r.Strand())
}

// orderPair returns the two reads of a pair as (left, right).
func orderPair(a, b *sam.Record) (left, right *sam.Record) {
	if readLess(a, b) {
		return a, b
	}
	return b, a
}

// KeyFor returns the coordinate key for the mapped primary records of
// one template, in any order.  A single record yields an incomplete
// key.  Returns false if records is empty.
func KeyFor(records ...*sam.Record) (CoordinateKey, bool) {
	switch len(records) {
	case 0:
		return CoordinateKey{}, false
	case 1:
		rec := records[0]
		return CoordinateKey{
			LeftRefID:   rec.Ref.ID(),
			LeftPos:     bam.UnclippedFivePrimePosition(rec),
			RightRefID:  -1,
			RightPos:    -1,
			Orientation: orientationByteSingle(bam.IsReversedRead(rec)),
			Strand:      r1Strand(rec),
		}, true
	case 2:
		left, right := orderPair(records[0], records[1])
		return CoordinateKey{
			LeftRefID:   left.Ref.ID(),
			LeftPos:     bam.UnclippedFivePrimePosition(left),
			RightRefID:  right.Ref.ID(),
			RightPos:    bam.UnclippedFivePrimePosition(right),
			Orientation: orientationBytePair(bam.IsReversedRead(left), bam.IsReversedRead(right)),
			Strand:      r1Strand(records[0]),
		}, true
	}
	panic(fmt.Sprintf("KeyFor: template %s has %d primary records", records[0].Name, len(records)))
}
