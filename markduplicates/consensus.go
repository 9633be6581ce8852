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
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/simd"
	"github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/hts/sam"
)

// ConsensusResult is the output of a ConsensusBuilder.
type ConsensusResult struct {
	Record *sam.Record

	// SourceTemplateID names the template the record was derived from.
	SourceTemplateID string
}

// ConsensusBuilder synthesizes one representative record from 1..N
// records of the same slot.  Implementations must be safe for
// concurrent use and must not retain records after Build returns.
type ConsensusBuilder interface {
	Build(records []*sam.Record) (ConsensusResult, error)
}

// BestReadBuilder is a ConsensusBuilder that returns a copy of the
// record with the highest base quality score.  Ties are broken by
// template name.
type BestReadBuilder struct{}

func min(x, y int) int {
	if x < y {
		return x
	}
	return y
}

func baseQScore(r *sam.Record) int {
	s := simd.Accumulate8Greater(r.Qual, 14)
	s = min(s, 32767/2) // use the same clamping as picard
	if bam.IsQCFailed(r) {
		s -= (32768 / 2)
	}
	return s
}

// Build implements ConsensusBuilder.
func (BestReadBuilder) Build(records []*sam.Record) (ConsensusResult, error) {
	if len(records) == 0 {
		return ConsensusResult{}, errors.E(errors.Invalid, "consensus of zero records")
	}
	best := -1
	bestScore := 0
	for i, r := range records {
		score := baseQScore(r)
		if best < 0 || score > bestScore || (score == bestScore && r.Name < records[best].Name) {
			best = i
			bestScore = score
		}
	}
	return ConsensusResult{
		Record:           copyRecord(records[best]),
		SourceTemplateID: records[best].Name,
	}, nil
}

// copyRecord returns a copy of r that shares no aux storage with r.
func copyRecord(r *sam.Record) *sam.Record {
	c := *r
	c.AuxFields = make(sam.AuxFields, len(r.AuxFields))
	for i, aux := range r.AuxFields {
		c.AuxFields[i] = append(sam.Aux(nil), aux...)
	}
	return &c
}
