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
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
)

// Metrics contains per-library grouping metrics.
type Metrics struct {
	// FragmentsExamined is the number of templates with a mapped
	// primary read that reached a candidate bucket.
	FragmentsExamined int

	// Singletons is the number of fragments that were not duplicates
	// of any other fragment.
	Singletons int

	// DuplicateGroups is the number of duplicate groups formed.
	DuplicateGroups int

	// GroupedFragments is the number of fragments absorbed into
	// duplicate groups.
	GroupedFragments int

	// DualStrandGroups is the number of groups holding both strands of
	// a molecule.
	DualStrandGroups int

	// DefinedBarcodeFallbacks is the number of clusters where a
	// barcode did not match the defined barcodes, and grouping fell
	// back to observed barcodes.
	DefinedBarcodeFallbacks int

	// SlotFailures is the number of slots whose consensus failed.
	SlotFailures int

	// ConsensusRecords is the number of consensus records emitted.
	ConsensusRecords int

	// OrphanedFragments is the number of fragments whose mate never
	// arrived.  They are emitted unchanged.
	OrphanedFragments int

	// DroppedRecords is the number of group records that had no open
	// slot.
	DroppedRecords int
}

// uniqueMolecules is the number of distinct source molecules observed.
func (m *Metrics) uniqueMolecules() int {
	return m.Singletons + m.DuplicateGroups
}

// String returns a string representation of the metrics contained in
// m. The string can be used as metrics file output.
func (m *Metrics) String() string {
	librarySizeStr := "0"
	librarySize, err := estimateLibrarySize(uint64(m.FragmentsExamined), uint64(m.uniqueMolecules()))
	if err == nil {
		librarySizeStr = fmt.Sprintf("%v", librarySize)
	} else {
		log.Debug.Printf("estimateLibrarySize(%v, %v): %v", m.FragmentsExamined, m.uniqueMolecules(), err)
	}
	percent := 0.0
	if m.FragmentsExamined > 0 {
		percent = 100 * float64(m.GroupedFragments-m.DuplicateGroups) / float64(m.FragmentsExamined)
	}
	return fmt.Sprintf("%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%0.6f\t%v",
		m.FragmentsExamined, m.Singletons, m.DuplicateGroups, m.GroupedFragments,
		m.DualStrandGroups, m.DefinedBarcodeFallbacks, m.SlotFailures, m.ConsensusRecords,
		m.OrphanedFragments, m.DroppedRecords, percent, librarySizeStr)
}

// Add adds the metrics in other to m.
func (m *Metrics) Add(other *Metrics) {
	m.FragmentsExamined += other.FragmentsExamined
	m.Singletons += other.Singletons
	m.DuplicateGroups += other.DuplicateGroups
	m.GroupedFragments += other.GroupedFragments
	m.DualStrandGroups += other.DualStrandGroups
	m.DefinedBarcodeFallbacks += other.DefinedBarcodeFallbacks
	m.SlotFailures += other.SlotFailures
	m.ConsensusRecords += other.ConsensusRecords
	m.OrphanedFragments += other.OrphanedFragments
	m.DroppedRecords += other.DroppedRecords
}

// MetricsCollection contains metrics computed by the Engine.
type MetricsCollection struct {
	// LibraryMetrics contains per-library metrics.
	LibraryMetrics map[string]*Metrics

	mutex sync.Mutex
}

func newMetricsCollection() *MetricsCollection {
	return &MetricsCollection{
		LibraryMetrics: make(map[string]*Metrics),
	}
}

// Get returns Metrics for the given library. If there is no Metrics
// for library yet, create one and return it.
func (mc *MetricsCollection) Get(library string) *Metrics {
	m, found := mc.LibraryMetrics[library]
	if found {
		return m
	}
	m = &Metrics{}
	mc.LibraryMetrics[library] = m
	return m
}

// Merge per-library metrics from other into mc.
func (mc *MetricsCollection) Merge(other *MetricsCollection) {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	for library, otherMetrics := range other.LibraryMetrics {
		existing, found := mc.LibraryMetrics[library]
		if found {
			existing.Add(otherMetrics)
		} else {
			// Make a copy to be owned by mc.
			new := *otherMetrics
			mc.LibraryMetrics[library] = &new
		}
	}
}

// Total returns the sum over all libraries.
func (mc *MetricsCollection) Total() Metrics {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	var total Metrics
	for _, m := range mc.LibraryMetrics {
		total.Add(m)
	}
	return total
}

const metricsHeader = "LIBRARY\tFRAGMENTS_EXAMINED\tSINGLETONS\tDUPLICATE_GROUPS\tGROUPED_FRAGMENTS\t" +
	"DUAL_STRAND_GROUPS\tDEFINED_BARCODE_FALLBACKS\tSLOT_FAILURES\tCONSENSUS_RECORDS\t" +
	"ORPHANED_FRAGMENTS\tDROPPED_RECORDS\tPERCENT_DUPLICATION\tESTIMATED_LIBRARY_SIZE\n"

// String returns the metrics file content for mc, one line per library.
func (mc *MetricsCollection) String() string {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()
	libraries := make([]string, 0, len(mc.LibraryMetrics))
	for library := range mc.LibraryMetrics {
		libraries = append(libraries, library)
	}
	sort.Strings(libraries)

	var s strings.Builder
	s.WriteString("# dupconsensus\n")
	s.WriteString(metricsHeader)
	for _, library := range libraries {
		s.WriteString(library + "\t" + mc.LibraryMetrics[library].String() + "\n")
	}
	return s.String()
}

func writeMetrics(ctx context.Context, path string, globalMetrics *MetricsCollection) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return errors.E(err, "Couldn't create metrics file:", path)
	}
	defer func() {
		if err2 := f.Close(ctx); err == nil && err2 != nil {
			err = errors.E(err2, "error closing metrics file:", path)
		}
	}()
	if _, err = f.Writer(ctx).Write([]byte(globalMetrics.String())); err != nil {
		return errors.E(err, "error writing to metrics file:", path)
	}
	return nil
}
