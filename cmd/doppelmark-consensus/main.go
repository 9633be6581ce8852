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
package main

/*
  doppelmark-consensus groups duplicate templates of a coordinate
  sorted BAM file, optionally by UMI, and replaces each group with one
  consensus record per read category.
*/

import (
	"flag"
	"runtime"
	"strings"

	"github.com/grailbio/base/grail"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/vcontext"
	"github.com/grailbio/bio/encoding/bamprovider"
	md "github.com/grailbio/dupconsensus/markduplicates"
)

var (
	bamFile             = flag.String("bam", "", "Input BAM filename")
	indexFile           = flag.String("index", "", "Input BAM index filename. By default, set to input BAM filename + .bai")
	outputPath          = flag.String("output", "", "Output filename, stdout if empty")
	metricsFile         = flag.String("metrics", "", "Output metrics file")
	parallelism         = flag.Int("parallelism", runtime.NumCPU(), "Number of goroutines feeding records to the grouping engine")
	padding             = flag.Int("clip-padding", 143, "padding in bp, this must be larger than the largest per-read clipping distance")
	clearExisting       = flag.Bool("clear-existing", false, "clear existing duplicate flag and group tags before grouping")
	strandSpecific      = flag.Bool("strand-specific", false, "group reads only if their r1 strands match")
	useUmis             = flag.Bool("use-umis", false, "split duplicate clusters by UMI")
	umiTag              = flag.String("umi-tag", "RX", "aux tag holding the UMI; the last ':' field of the read name is used when the tag is absent")
	umiDelimiter        = flag.String("umi-delimiter", "-", "separator between the two halves of a duplex UMI")
	umiFile             = flag.String("umi-file", "", "group by the known UMIs in this file, falling back to observed UMIs when one does not match")
	umiTolerance        = flag.Int("umi-tolerance", 1, "maximum number of differing bases for two UMIs to be merged")
	largeGroupThreshold = flag.Int("large-group-threshold", 0, "enable the imbalance merge when some UMI group has more than this many templates; 0 disables it")
	imbalanceTolerance  = flag.Int("imbalance-tolerance", 3, "maximum number of differing bases for the imbalance merge")
)

func main() {
	shutdown := grail.Init()
	defer shutdown()

	// Validate parameters.
	if flag.NArg() > 0 {
		a := flag.Args()
		log.Fatalf("unparsed flags, please check flag syntax: '%s'", strings.Join(a[len(a)-flag.NArg():], " "))
	}
	if *bamFile == "" {
		log.Fatalf("-bam is required")
	}

	opts := md.Opts{
		BamFile:             *bamFile,
		IndexFile:           *indexFile,
		OutputPath:          *outputPath,
		MetricsFile:         *metricsFile,
		Padding:             *padding,
		Parallelism:         *parallelism,
		ClearExisting:       *clearExisting,
		StrandSpecific:      *strandSpecific,
		UseUmis:             *useUmis,
		UmiTag:              *umiTag,
		UmiDelimiter:        *umiDelimiter,
		UmiFile:             *umiFile,
		UmiTolerance:        *umiTolerance,
		LargeGroupThreshold: *largeGroupThreshold,
		ImbalanceTolerance:  *imbalanceTolerance,
	}

	provider := bamprovider.NewProvider(opts.BamFile, bamprovider.ProviderOpts{Index: opts.IndexFile})
	defer func() {
		if err := provider.Close(); err != nil {
			log.Error.Printf("close %s: %v", opts.BamFile, err)
		}
	}()

	ctx := vcontext.Background()
	if err := md.SetupAndRun(ctx, provider, &opts, md.BestReadBuilder{}); err != nil {
		log.Fatalf(err.Error())
	}
	log.Debug.Printf("exiting")
}
