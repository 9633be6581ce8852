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

	"github.com/grailbio/base/log"
)

// CandidateBucket holds the fragments that share an unoriented
// coordinate key until all of them have their primary reads, then
// partitions them into duplicate clusters.
type CandidateBucket struct {
	Key       CoordinateKey
	fragments []*Fragment
	finalized bool
}

// NewCandidateBucket returns an empty bucket for key.
func NewCandidateBucket(key CoordinateKey) *CandidateBucket {
	return &CandidateBucket{Key: key}
}

// Add inserts f into the bucket.
func (b *CandidateBucket) Add(f *Fragment) {
	if b.finalized {
		panic(fmt.Sprintf("add %s to finalized bucket %v", f.Name, b.Key))
	}
	b.fragments = append(b.fragments, f)
}

// remove deletes f from the bucket, keeping the order of the other
// fragments.  Returns false if f is not in the bucket.
func (b *CandidateBucket) remove(f *Fragment) bool {
	for i, g := range b.fragments {
		if g == f {
			copy(b.fragments[i:], b.fragments[i+1:])
			b.fragments[len(b.fragments)-1] = nil
			b.fragments = b.fragments[:len(b.fragments)-1]
			return true
		}
	}
	return false
}

// Len returns the number of fragments in the bucket.
func (b *CandidateBucket) Len() int {
	return len(b.fragments)
}

// AllFragmentsReady returns true if every fragment has its primary reads.
func (b *CandidateBucket) AllFragmentsReady() bool {
	for _, f := range b.fragments {
		if !f.PrimaryReadsPresent() {
			return false
		}
	}
	return true
}

// Finalize partitions the fragments into duplicate clusters.  The
// first unassigned fragment anchors a cluster, and every later
// unassigned fragment that is a duplicate of the anchor joins it.
// Cluster members are marked Duplicate, fragments that match no other
// fragment are marked NotDuplicate.  Returns false if the bucket was
// already finalized, or if some fragment lacks its primary reads.
func (b *CandidateBucket) Finalize(requireOrientationMatch bool) ([][]*Fragment, bool) {
	if b.finalized || !b.AllFragmentsReady() {
		return nil, false
	}
	b.finalized = true

	var clusters [][]*Fragment
	assigned := make([]bool, len(b.fragments))
	for i, anchor := range b.fragments {
		if assigned[i] {
			continue
		}
		cluster := []*Fragment{anchor}
		for j := i + 1; j < len(b.fragments); j++ {
			if !assigned[j] && anchor.isDuplicateOf(b.fragments[j], requireOrientationMatch) {
				assigned[j] = true
				cluster = append(cluster, b.fragments[j])
			}
		}
		assigned[i] = true
		if len(cluster) == 1 {
			anchor.Status = NotDuplicate
			continue
		}
		for _, f := range cluster {
			f.Status = Duplicate
		}
		clusters = append(clusters, cluster)
	}
	log.Debug.Printf("bucket %v finalized: %d fragments, %d clusters", b.Key, len(b.fragments), len(clusters))
	return clusters, true
}

// Singletons returns the fragments marked NotDuplicate by Finalize.
func (b *CandidateBucket) Singletons() []*Fragment {
	var singles []*Fragment
	for _, f := range b.fragments {
		if f.Status == NotDuplicate {
			singles = append(singles, f)
		}
	}
	return singles
}
