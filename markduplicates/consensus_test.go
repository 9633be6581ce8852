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
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/hts/sam"
	"github.com/stretchr/testify/assert"
)

func TestBestReadBuilder(t *testing.T) {
	low := NewRecord("A", chr1, 100, r1F, 300, chr1, cigar10M)
	low.Qual = []byte{10, 10, 10, 10, 10, 10, 10, 10, 10, 10}
	high := NewRecord("B", chr1, 100, r1F, 300, chr1, cigar10M)
	high.Qual = []byte{30, 30, 30, 30, 30, 30, 30, 30, 30, 30}
	high.AuxFields = append(high.AuxFields, NewAux("RG", "rg1"))
	failed := NewRecord("C", chr1, 100, r1F|sam.QCFail, 300, chr1, cigar10M)
	failed.Qual = []byte{40, 40, 40, 40, 40, 40, 40, 40, 40, 40}

	result, err := BestReadBuilder{}.Build([]*sam.Record{low, failed, high})
	assert.NoError(t, err)
	assert.Equal(t, "B", result.SourceTemplateID)
	assert.Equal(t, "B", result.Record.Name)

	// The result is a copy.
	assert.False(t, result.Record == high)
	result.Record.AuxFields[0][3] = 'x'
	assert.Equal(t, NewAux("RG", "rg1"), high.AuxFields[0])

	// Ties are broken by template name.
	tie := NewRecord("0", chr1, 100, r1F, 300, chr1, cigar10M)
	tie.Qual = high.Qual
	result, err = BestReadBuilder{}.Build([]*sam.Record{high, tie})
	assert.NoError(t, err)
	assert.Equal(t, "0", result.SourceTemplateID)

	_, err = BestReadBuilder{}.Build(nil)
	assert.True(t, errors.Is(errors.Invalid, err))
}
