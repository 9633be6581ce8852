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
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bio/umi"
)

// BarcodeLookup maps an observed barcode to a defined barcode.
type BarcodeLookup interface {
	Lookup(barcode string) (canonical string, ok bool)
}

// SnapLookup is a BarcodeLookup that snap-corrects each
// delimiter-separated part of a barcode against a list of known UMIs.
type SnapLookup struct {
	corrector *umi.SnapCorrector
	delimiter string
}

// NewSnapLookup returns a lookup for the \n separated UMIs in knownUMIs.
func NewSnapLookup(knownUMIs []byte, delimiter string) *SnapLookup {
	return &SnapLookup{
		corrector: umi.NewSnapCorrector(knownUMIs),
		delimiter: delimiter,
	}
}

func validUMI(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case 'A', 'C', 'G', 'T', 'N':
		default:
			return false
		}
	}
	return true
}

// Lookup implements BarcodeLookup.
func (l *SnapLookup) Lookup(barcode string) (string, bool) {
	parts := []string{barcode}
	if l.delimiter != "" {
		parts = strings.Split(barcode, l.delimiter)
	}
	for i, part := range parts {
		if !validUMI(part) {
			return "", false
		}
		corrected, edits, _ := l.corrector.CorrectUMI(part)
		if edits < 0 {
			return "", false
		}
		parts[i] = corrected
	}
	return strings.Join(parts, l.delimiter), true
}

// Bag is either a group of duplicate fragments or a single fragment.
type Bag struct {
	Group  *DuplicateGroup
	Single *Fragment
}

// IsGroup returns true if the bag holds a group.
func (b Bag) IsGroup() bool {
	return b.Group != nil
}

type umiGroupKey struct {
	strand  Strand
	barcode string
}

// umiGroup is a barcode group under construction.
type umiGroup struct {
	umiGroupKey
	fragments  []*Fragment
	dualStrand bool
	removed    bool
}

func (g *umiGroup) absorb(other *umiGroup) {
	g.fragments = append(g.fragments, other.fragments...)
	g.dualStrand = g.dualStrand || other.dualStrand
	other.fragments = nil
	other.removed = true
}

func barcodeDistance(a, b string) int {
	if len(a) == len(b) {
		if d, err := matchr.Hamming(a, b); err == nil {
			return d
		}
	}
	return matchr.Levenshtein(a, b)
}

// sortGroups orders groups by decreasing size, then strand, then
// barcode, and drops merged groups.
func sortGroups(groups []*umiGroup) []*umiGroup {
	live := groups[:0]
	for _, g := range groups {
		if !g.removed {
			live = append(live, g)
		}
	}
	sort.SliceStable(live, func(i, j int) bool {
		a, b := live[i], live[j]
		if len(a.fragments) != len(b.fragments) {
			return len(a.fragments) > len(b.fragments)
		}
		if a.strand != b.strand {
			return a.strand > b.strand
		}
		return a.barcode < b.barcode
	})
	return live
}

// mergePass lets each group absorb every later group of the same
// strand that is no larger, within maxDist, and accepted by cond.  The
// inner scan restarts after each absorption because the grown group
// may now reach a group it skipped.
func mergePass(groups []*umiGroup, maxDist int, cond func(a, b *umiGroup) bool) []*umiGroup {
	groups = sortGroups(groups)
	for i := 0; i < len(groups); i++ {
		gi := groups[i]
		if gi.removed {
			continue
		}
		for j := i + 1; j < len(groups); j++ {
			gj := groups[j]
			if gj.removed || gj.strand != gi.strand || len(gj.fragments) > len(gi.fragments) {
				continue
			}
			if cond != nil && !cond(gi, gj) {
				continue
			}
			if barcodeDistance(gi.barcode, gj.barcode) <= maxDist {
				log.Debug.Printf("merging umi group %s (%d) into %s (%d)", gj.barcode, len(gj.fragments),
					gi.barcode, len(gi.fragments))
				gi.absorb(gj)
				j = i
			}
		}
	}
	return sortGroups(groups)
}

// duplexMatch returns true if b carries the halves of a in swapped
// order, each within tolerance.
func duplexMatch(a, b, delimiter string, tolerance int) bool {
	if delimiter == "" {
		return false
	}
	aParts := strings.Split(a, delimiter)
	bParts := strings.Split(b, delimiter)
	if len(aParts) != 2 || len(bParts) != 2 {
		return false
	}
	return barcodeDistance(aParts[0], bParts[1]) <= tolerance &&
		barcodeDistance(aParts[1], bParts[0]) <= tolerance
}

// pairDuplexes merges each forward strand group with the first
// unpaired reverse strand group whose barcode is its duplex
// complement.  A group is paired at most once.
func pairDuplexes(groups []*umiGroup, delimiter string, tolerance int) []*umiGroup {
	groups = sortGroups(groups)
	paired := make(map[*umiGroup]bool)
	for _, fg := range groups {
		if fg.strand != 1 || paired[fg] {
			continue
		}
		for _, rg := range groups {
			if rg.strand != -1 || rg.removed || paired[rg] {
				continue
			}
			if duplexMatch(fg.barcode, rg.barcode, delimiter, tolerance) {
				log.Debug.Printf("pairing duplex umi groups %s and %s", fg.barcode, rg.barcode)
				fg.absorb(rg)
				fg.dualStrand = true
				paired[fg] = true
				paired[rg] = true
				break
			}
		}
	}
	return sortGroups(groups)
}

// BuildUMIGroups splits fragments that share coordinates into groups
// of fragments with the same or similar barcodes.  Groups that end up
// with a single fragment are returned as single, non-duplicate
// fragments.  fellBack is true if lookup was given but some fragment
// did not match a defined barcode, in which case no fragment uses the
// defined barcodes.
func BuildUMIGroups(fragments []*Fragment, opts *Opts, lookup BarcodeLookup, refs *References) (bags []Bag, fellBack bool) {
	barcodes := make([]string, len(fragments))
	for i, f := range fragments {
		barcodes[i] = f.Barcode
	}
	defined := lookup != nil
	if defined {
		canonical := make([]string, len(fragments))
		for i, f := range fragments {
			c, ok := lookup.Lookup(f.Barcode)
			if !ok {
				log.Debug.Printf("%s: barcode %s is not defined, disabling defined barcodes", f.Name, f.Barcode)
				defined = false
				fellBack = true
				break
			}
			canonical[i] = c
		}
		if defined {
			barcodes = canonical
		}
	}

	var groups []*umiGroup
	byKey := make(map[umiGroupKey]*umiGroup)
	for i, f := range fragments {
		key := umiGroupKey{f.Key.Strand, barcodes[i]}
		g, ok := byKey[key]
		if !ok {
			g = &umiGroup{umiGroupKey: key}
			byKey[key] = g
			groups = append(groups, g)
		}
		g.fragments = append(g.fragments, f)
	}

	if !defined {
		tolerance := opts.UmiTolerance
		groups = mergePass(groups, tolerance, nil)
		groups = mergePass(groups, tolerance+1, nil)
		if threshold := opts.LargeGroupThreshold; threshold > 0 {
			large := false
			for _, g := range groups {
				if len(g.fragments) > threshold {
					large = true
					break
				}
			}
			if large {
				groups = mergePass(groups, opts.ImbalanceTolerance, func(a, b *umiGroup) bool {
					return float64(len(a.fragments))/float64(len(b.fragments)) > float64(threshold)
				})
			}
		}
	}
	groups = pairDuplexes(groups, opts.UmiDelimiter, opts.UmiTolerance)

	for _, g := range groups {
		if len(g.fragments) == 1 {
			f := g.fragments[0]
			f.Status = NotDuplicate
			f.GroupID = ""
			bags = append(bags, Bag{Single: f})
			continue
		}
		for _, f := range g.fragments {
			f.Status = Duplicate
			f.GroupID = g.barcode
		}
		dg := NewDuplicateGroup(g.barcode, g.fragments, refs)
		dg.Barcode = g.barcode
		dg.dualStrand = g.dualStrand
		bags = append(bags, Bag{Group: dg})
	}
	return bags, fellBack
}
