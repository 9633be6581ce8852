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
	"io"
	"io/ioutil"
	"os"
	"sync"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	gbam "github.com/grailbio/bio/encoding/bam"
	"github.com/grailbio/bio/encoding/bamprovider"
	"github.com/grailbio/hts/bam"
	"github.com/grailbio/hts/sam"
)

// flushInterval is the number of records fed to the engine between
// flushes.
const flushInterval = 10000

// addAll feeds records to e from opts.Parallelism workers, and returns
// once every record has been added.
func addAll(e *Engine, records []*sam.Record, parallelism int) {
	if len(records) == 0 {
		return
	}
	chunkSize := (len(records) + parallelism - 1) / parallelism
	chunks := make(chan []*sam.Record, parallelism)
	for start := 0; start < len(records); start += chunkSize {
		end := start + chunkSize
		if end > len(records) {
			end = len(records)
		}
		chunks <- records[start:end]
	}
	close(chunks)

	var wg sync.WaitGroup
	for i := 0; i < parallelism; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for chunk := range chunks {
				for _, r := range chunk {
					e.Add(r)
				}
			}
		}()
	}
	wg.Wait()
}

// Run reads every record of provider in order, groups duplicates, and
// passes each output record to emit.  Calls to emit are serialized.
// If builder is nil, BestReadBuilder is used.
func Run(ctx context.Context, provider bamprovider.Provider, opts *Opts, builder ConsensusBuilder,
	emit func(*sam.Record) error) (*MetricsCollection, error) {
	if err := validate(opts); err != nil {
		return nil, err
	}
	header, err := provider.GetHeader()
	if err != nil {
		return nil, errors.E(err, "read header")
	}
	var lookup BarcodeLookup
	if opts.KnownUmis != nil {
		lookup = NewSnapLookup(opts.KnownUmis, opts.UmiDelimiter)
	}
	engine := NewEngine(header, opts, builder, lookup, emit)

	iter := provider.NewIterator(gbam.UniversalShard(header))
	batch := make([]*sam.Record, 0, flushInterval)
	var (
		last   Position
		mapped bool
		n      int
	)
	for iter.Scan() {
		if err := ctx.Err(); err != nil {
			iter.Close() // nolint: errcheck
			return nil, err
		}
		r := iter.Record()
		if r.Ref != nil {
			last, mapped = Position{r.Ref.ID(), r.Pos}, true
		}
		batch = append(batch, r)
		if len(batch) == flushInterval {
			addAll(engine, batch, opts.Parallelism)
			n += len(batch)
			batch = batch[:0]
			if mapped {
				engine.Flush(last)
			}
		}
	}
	addAll(engine, batch, opts.Parallelism)
	n += len(batch)
	if err := iter.Close(); err != nil {
		return nil, errors.E(err, "read records")
	}
	log.Debug.Printf("read %d records", n)
	return engine.Close()
}

// SetupAndRun reads the known UMIs, groups the records of provider and
// writes the output BAM and metrics files named in opts.
func SetupAndRun(ctx context.Context, provider bamprovider.Provider, opts *Opts, builder ConsensusBuilder) (err error) {
	if err := validate(opts); err != nil {
		return err
	}

	// Prepare umi inputs.
	if len(opts.UmiFile) > 0 {
		umiReader, err := file.Open(ctx, opts.UmiFile)
		if err != nil {
			return errors.E(err, "could not open umi file", opts.UmiFile)
		}
		defer umiReader.Close(ctx) // nolint: errcheck
		opts.KnownUmis, err = ioutil.ReadAll(umiReader.Reader(ctx))
		if err != nil {
			return errors.E(err, "could not read umi file", opts.UmiFile)
		}
		if len(opts.KnownUmis) == 0 {
			return errors.E(errors.Invalid, "UMI list is empty:", opts.UmiFile)
		}
	}

	header, err := provider.GetHeader()
	if err != nil {
		return errors.E(err, "read header")
	}

	// Prepare outputs.
	var outputStream io.Writer
	if opts.OutputPath == "" {
		outputStream = os.Stdout
	} else {
		out, createErr := file.Create(ctx, opts.OutputPath)
		if createErr != nil {
			return errors.E(createErr, "couldn't create output file", opts.OutputPath)
		}
		defer func() {
			if closeErr := out.Close(ctx); err == nil && closeErr != nil {
				err = errors.E(closeErr, "close", opts.OutputPath)
			}
		}()
		outputStream = out.Writer(ctx)
	}
	writer, err := bam.NewWriter(outputStream, header, opts.Parallelism)
	if err != nil {
		return errors.E(err, "couldn't create bam writer for", opts.OutputPath)
	}

	globalMetrics, err := Run(ctx, provider, opts, builder, writer.Write)
	if closeErr := writer.Close(); err == nil && closeErr != nil {
		err = errors.E(closeErr, "close bam writer")
	}
	if err != nil {
		log.Debug.Printf("Error grouping duplicates: %v", err)
		return err
	}
	total := globalMetrics.Total()
	log.Printf("%d duplicate groups, %d defined barcode fallbacks, %d slot failures",
		total.DuplicateGroups, total.DefinedBarcodeFallbacks, total.SlotFailures)

	if opts.MetricsFile != "" {
		return writeMetrics(ctx, opts.MetricsFile, globalMetrics)
	}
	return nil
}
