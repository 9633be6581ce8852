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

	"github.com/stretchr/testify/assert"
)

func TestValidate(t *testing.T) {
	valid := func() Opts {
		return Opts{Padding: 10, Parallelism: 1, UmiTolerance: 1, UmiTag: "RX"}
	}
	tests := []struct {
		modify func(o *Opts)
		ok     bool
	}{
		{func(o *Opts) {}, true},
		{func(o *Opts) { o.UseUmis = true; o.UmiFile = "umis.txt" }, true},
		{func(o *Opts) { o.UmiTag = "" }, true},
		{func(o *Opts) { o.Padding = -1 }, false},
		{func(o *Opts) { o.Parallelism = 0 }, false},
		{func(o *Opts) { o.UmiTolerance = -1 }, false},
		{func(o *Opts) { o.ImbalanceTolerance = -1 }, false},
		{func(o *Opts) { o.LargeGroupThreshold = -1 }, false},
		{func(o *Opts) { o.UmiTag = "RXX" }, false},
		{func(o *Opts) { o.UmiFile = "umis.txt" }, false},
		{func(o *Opts) { o.KnownUmis = []byte("AAAA\n") }, false},
		{func(o *Opts) { o.UseUmis = true; o.StrandSpecific = true }, false},
	}
	for i, test := range tests {
		opts := valid()
		test.modify(&opts)
		err := validate(&opts)
		if test.ok {
			assert.NoError(t, err, "case %d", i)
		} else {
			assert.Error(t, err, "case %d", i)
		}
	}
}
