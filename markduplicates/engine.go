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
	"sort"
	"sync"
	"sync/atomic"

	farm "github.com/dgryski/go-farm"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/hts/sam"
)

// Opts configures the grouping engine and its driver.
type Opts struct {
	// Commandline options.
	BamFile             string
	IndexFile           string
	OutputPath          string
	MetricsFile         string
	Padding             int
	Parallelism         int
	ClearExisting       bool
	StrandSpecific      bool
	UseUmis             bool
	UmiTag              string
	UmiDelimiter        string
	UmiFile             string
	UmiTolerance        int
	LargeGroupThreshold int
	ImbalanceTolerance  int

	// Data derived from commandline options.
	KnownUmis []byte
}

const (
	numShards     = 64
	defaultUmiTag = "RX"
)

// templateState tracks one template between its first record and the
// end of the run.  Exactly one of fragment, group, and passthrough is
// in effect at a time.
type templateState struct {
	fragment *Fragment
	// bucketKey is the key of the bucket holding fragment, valid when
	// bucketed is true.
	bucketKey CoordinateKey
	bucketed  bool

	group       *DuplicateGroup
	passthrough bool
}

type nameShard struct {
	mu        sync.Mutex
	templates map[string]*templateState
}

type bucketShard struct {
	mu      sync.Mutex
	buckets map[CoordinateKey]*CandidateBucket
}

// Engine groups the records of a coordinate sorted stream into
// duplicate groups, and emits one consensus record per group slot.
// Records that do not belong to any group are emitted unchanged.
//
// Add may be called concurrently.  Flush must not run concurrently
// with Add calls for records before the flush position, and Close must
// be called after every Add has returned.
type Engine struct {
	opts             *Opts
	refs             *References
	readGroupLibrary map[string]string
	builder          ConsensusBuilder
	lookup           BarcodeLookup
	umiTag           sam.Tag
	// undefinedBarcode is set once a fragment misses the defined
	// barcodes; the rest of the run groups by observed barcodes.
	undefinedBarcode int32

	names   [numShards]nameShard
	buckets [numShards]bucketShard

	emitMu sync.Mutex
	emit   func(*sam.Record) error
	err    errors.Once

	// groups holds the groups that still have open slots.
	groupsMu sync.Mutex
	groups   map[*DuplicateGroup]struct{}

	metricsMu sync.Mutex
	metrics   *MetricsCollection
}

// NewEngine returns an engine for records described by header.  emit
// receives every output record; calls to emit are serialized.  If
// builder is nil, BestReadBuilder is used.  lookup may be nil.
func NewEngine(header *sam.Header, opts *Opts, builder ConsensusBuilder, lookup BarcodeLookup,
	emit func(*sam.Record) error) *Engine {
	if builder == nil {
		builder = BestReadBuilder{}
	}
	tag := opts.UmiTag
	if tag == "" {
		tag = defaultUmiTag
	}
	e := &Engine{
		opts:             opts,
		refs:             NewReferences(header),
		readGroupLibrary: make(map[string]string),
		builder:          builder,
		lookup:           lookup,
		umiTag:           sam.Tag{tag[0], tag[1]},
		emit:             emit,
		groups:           make(map[*DuplicateGroup]struct{}),
		metrics:          newMetricsCollection(),
	}
	if header != nil {
		for _, readGroup := range header.RGs() {
			e.readGroupLibrary[readGroup.Name()] = readGroup.Library()
		}
	}
	for i := range e.names {
		e.names[i].templates = make(map[string]*templateState)
		e.buckets[i].buckets = make(map[CoordinateKey]*CandidateBucket)
	}
	return e
}

func (e *Engine) nameShard(name string) *nameShard {
	h := farm.Hash64([]byte(name))
	return &e.names[h%numShards]
}

func (e *Engine) bucketShard(key CoordinateKey) *bucketShard {
	h := farm.Hash64(key.bytes())
	return &e.buckets[h%numShards]
}

func (e *Engine) count(library string, fn func(m *Metrics)) {
	e.metricsMu.Lock()
	fn(e.metrics.Get(library))
	e.metricsMu.Unlock()
}

func (e *Engine) output(r *sam.Record) {
	e.emitMu.Lock()
	err := e.emit(r)
	e.emitMu.Unlock()
	if err != nil {
		e.err.Set(errors.E(err, "emit", r.Name))
	}
}

// Add feeds one record to the engine.
func (e *Engine) Add(r *sam.Record) {
	if e.opts.ClearExisting {
		clearGroupTags(r)
	}
	info := ClassifyRecord(e.refs, r)
	if info.IsSecondary || (info.IsUnmapped && bam.HasNoMappedMate(r)) {
		e.output(r)
		return
	}

	ns := e.nameShard(info.TemplateID)
	ns.mu.Lock()
	ts, ok := ns.templates[info.TemplateID]
	if !ok {
		f := NewFragment(info.TemplateID)
		f.Library = GetLibrary(e.readGroupLibrary, r)
		ts = &templateState{fragment: f}
		ns.templates[info.TemplateID] = ts
	}
	switch {
	case ts.passthrough:
		ns.mu.Unlock()
		e.output(r)
		return
	case ts.group != nil:
		g := ts.group
		ns.mu.Unlock()
		g.AddRecord(r)
		e.pop(g, false)
		return
	}
	if !info.isPrimary() {
		ts.fragment.AddRecord(r, info)
		ns.mu.Unlock()
		return
	}
	e.addPrimaryLocked(ts, r, info)
	ns.mu.Unlock()
}

// addPrimaryLocked adds a mapped primary record to the template's
// fragment and moves the fragment to the bucket of its new key.  The
// caller holds the template's name shard lock.
func (e *Engine) addPrimaryLocked(ts *templateState, r *sam.Record, info RecordInfo) {
	f := ts.fragment
	if ts.bucketed {
		bs := e.bucketShard(ts.bucketKey)
		bs.mu.Lock()
		removed := false
		if b, ok := bs.buckets[ts.bucketKey]; ok {
			removed = b.remove(f)
			if b.Len() == 0 {
				delete(bs.buckets, ts.bucketKey)
			}
		}
		bs.mu.Unlock()
		if !removed {
			// The bucket is being finalized; its primaries are fixed.
			log.Debug.Printf("%s: primary record arrived after its bucket %v was finalized", f.Name, ts.bucketKey)
			f.addLate(r)
			return
		}
		ts.bucketed = false
	}
	if len(f.Primaries()) >= 2 {
		log.Error.Printf("%s: extra primary record with flags %d", f.Name, r.Flags)
		f.addLate(r)
	} else {
		f.AddRecord(r, info)
		if len(f.Primaries()) == 1 && e.opts.UseUmis {
			f.Barcode = extractBarcode(r, e.umiTag)
		}
	}
	if !f.ComputeKey() {
		panic(fmt.Sprintf("%s: no key after adding primary record", f.Name))
	}
	key := f.Key.Unoriented()
	bs := e.bucketShard(key)
	bs.mu.Lock()
	b, ok := bs.buckets[key]
	if !ok {
		b = NewCandidateBucket(key)
		bs.buckets[key] = b
	}
	b.Add(f)
	bs.mu.Unlock()
	ts.bucketKey = key
	ts.bucketed = true
}

// bucketReady returns true if no record that could join b can appear
// before pos.
func (e *Engine) bucketReady(b *CandidateBucket, pos Position) bool {
	end := b.Key.end()
	end.Pos += e.opts.Padding
	return end.Before(pos) && b.AllFragmentsReady()
}

// Flush finalizes every bucket that is complete before pos.  It
// returns the number of buckets finalized.
func (e *Engine) Flush(pos Position) int {
	return e.flush(func(b *CandidateBucket) bool { return e.bucketReady(b, pos) })
}

func keyLess(a, b CoordinateKey) bool {
	switch {
	case a.LeftRefID != b.LeftRefID:
		return a.LeftRefID < b.LeftRefID
	case a.LeftPos != b.LeftPos:
		return a.LeftPos < b.LeftPos
	case a.RightRefID != b.RightRefID:
		return a.RightRefID < b.RightRefID
	case a.RightPos != b.RightPos:
		return a.RightPos < b.RightPos
	}
	return a.Orientation < b.Orientation
}

func (e *Engine) flush(ready func(b *CandidateBucket) bool) int {
	var extracted []*CandidateBucket
	for i := range e.buckets {
		bs := &e.buckets[i]
		bs.mu.Lock()
		for key, b := range bs.buckets {
			if ready(b) {
				extracted = append(extracted, b)
				delete(bs.buckets, key)
			}
		}
		bs.mu.Unlock()
	}
	// Finalize in stream order.
	sort.Slice(extracted, func(i, j int) bool { return keyLess(extracted[i].Key, extracted[j].Key) })
	for _, b := range extracted {
		e.finalizeBucket(b)
	}
	return len(extracted)
}

func (e *Engine) finalizeBucket(b *CandidateBucket) {
	clusters, ok := b.Finalize(e.opts.StrandSpecific && !e.opts.UseUmis)
	if !ok {
		panic(fmt.Sprintf("bucket %v extracted before it was ready", b.Key))
	}
	for _, f := range b.fragments {
		e.count(f.Library, func(m *Metrics) { m.FragmentsExamined++ })
	}
	for _, f := range b.Singletons() {
		e.release(f)
		e.count(f.Library, func(m *Metrics) { m.Singletons++ })
	}
	for _, cluster := range clusters {
		if !e.opts.UseUmis {
			g := NewDuplicateGroup(cluster[0].Name, cluster, e.refs)
			for _, f := range cluster {
				f.GroupID = g.ID
			}
			e.startGroup(g)
			continue
		}
		lookup := e.lookup
		if atomic.LoadInt32(&e.undefinedBarcode) != 0 {
			lookup = nil
		}
		bags, fellBack := BuildUMIGroups(cluster, e.opts, lookup, e.refs)
		if fellBack && atomic.CompareAndSwapInt32(&e.undefinedBarcode, 0, 1) {
			log.Printf("bucket %v: barcode not in the defined set, grouping by observed barcodes for the rest of the run",
				b.Key)
			e.count(cluster[0].Library, func(m *Metrics) { m.DefinedBarcodeFallbacks++ })
		}
		for _, bag := range bags {
			if bag.IsGroup() {
				e.startGroup(bag.Group)
				continue
			}
			e.release(bag.Single)
			e.count(bag.Single.Library, func(m *Metrics) { m.Singletons++ })
		}
	}
}

// release emits the records of f unchanged, and lets later records of
// the template pass through.
func (e *Engine) release(f *Fragment) {
	ns := e.nameShard(f.Name)
	ns.mu.Lock()
	if ts, ok := ns.templates[f.Name]; ok {
		ts.passthrough = true
		ts.fragment = nil
		ts.bucketed = false
	}
	records := f.Records()
	f.clear()
	ns.mu.Unlock()
	for _, r := range records {
		e.output(r)
	}
}

// startGroup routes the members' later records to g, categorizes g,
// and pops any slot that is already complete.
func (e *Engine) startGroup(g *DuplicateGroup) {
	members := g.members
	g.Library = members[0].Library
	for _, f := range members {
		ns := e.nameShard(f.Name)
		ns.mu.Lock()
		if ts, ok := ns.templates[f.Name]; ok {
			ts.group = g
			ts.fragment = nil
			ts.bucketed = false
		}
		ns.mu.Unlock()
	}
	g.Categorize()
	e.groupsMu.Lock()
	e.groups[g] = struct{}{}
	e.groupsMu.Unlock()
	e.count(g.Library, func(m *Metrics) {
		m.DuplicateGroups++
		m.GroupedFragments += len(members)
		if g.DualStrand() {
			m.DualStrandGroups++
		}
	})
	e.pop(g, false)
}

// pop emits the consensus records of g's complete slots, and retires
// g once every slot has been popped.  Records that reach a retired
// group are still counted as dropped.
func (e *Engine) pop(g *DuplicateGroup, flushIncomplete bool) {
	records := g.PopCompletedSlots(e.builder, flushIncomplete)
	failures, dropped := g.takeCounts()
	if g.Done() {
		e.groupsMu.Lock()
		delete(e.groups, g)
		e.groupsMu.Unlock()
	}
	if len(dropped) > 0 {
		log.Debug.Printf("group %s: dropped %d records without a slot: %v", g.ID, len(dropped), dropped)
	}
	if len(records) > 0 || failures > 0 || len(dropped) > 0 {
		e.count(g.Library, func(m *Metrics) {
			m.ConsensusRecords += len(records)
			m.SlotFailures += failures
			m.DroppedRecords += len(dropped)
		})
	}
	for _, r := range records {
		e.output(r)
	}
}

// Close finalizes every remaining bucket, emits the records of
// templates whose mate never arrived, builds consensus records for
// incomplete slots, and returns the run's metrics.
func (e *Engine) Close() (*MetricsCollection, error) {
	var orphans, unbucketed []*Fragment
	for i := range e.names {
		ns := &e.names[i]
		ns.mu.Lock()
		for _, ts := range ns.templates {
			if ts.fragment == nil {
				continue
			}
			if !ts.bucketed {
				unbucketed = append(unbucketed, ts.fragment)
				continue
			}
			if ts.fragment.awaitingMate {
				bs := e.bucketShard(ts.bucketKey)
				bs.mu.Lock()
				if b, ok := bs.buckets[ts.bucketKey]; ok {
					b.remove(ts.fragment)
					if b.Len() == 0 {
						delete(bs.buckets, ts.bucketKey)
					}
				}
				bs.mu.Unlock()
				ts.bucketed = false
				orphans = append(orphans, ts.fragment)
			}
		}
		ns.mu.Unlock()
	}
	for _, f := range orphans {
		log.Debug.Printf("%s: mate never arrived, emitting unchanged", f.Name)
		f.Status = NotDuplicate
		e.release(f)
		e.count(f.Library, func(m *Metrics) { m.OrphanedFragments++ })
	}
	for _, f := range unbucketed {
		e.release(f)
	}

	e.flush(func(*CandidateBucket) bool { return true })

	e.groupsMu.Lock()
	groups := make([]*DuplicateGroup, 0, len(e.groups))
	for g := range e.groups {
		groups = append(groups, g)
	}
	e.groupsMu.Unlock()
	for _, g := range groups {
		e.pop(g, true)
	}
	return e.metrics, e.err.Err()
}
