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

import "fmt"

func validate(opts *Opts) error {
	if opts.Padding < 0 {
		return fmt.Errorf("padding must be non-negative")
	}
	if opts.Parallelism <= 0 {
		return fmt.Errorf("parallelism must be positive")
	}
	if opts.UmiTolerance < 0 {
		return fmt.Errorf("umi-tolerance must be non-negative")
	}
	if opts.ImbalanceTolerance < 0 {
		return fmt.Errorf("imbalance-tolerance must be non-negative")
	}
	if opts.LargeGroupThreshold < 0 {
		return fmt.Errorf("large-group-threshold must be non-negative")
	}
	if len(opts.UmiTag) != 0 && len(opts.UmiTag) != 2 {
		return fmt.Errorf("umi-tag must be two characters, got %q", opts.UmiTag)
	}
	if len(opts.UmiFile) > 0 && !opts.UseUmis {
		return fmt.Errorf("umi-file is set, but use-umis is false")
	}
	if opts.KnownUmis != nil && !opts.UseUmis {
		return fmt.Errorf("known umis are set, but use-umis is false")
	}
	if opts.UseUmis && opts.StrandSpecific {
		return fmt.Errorf("strand-specific cannot be combined with use-umis; umi groups are split by strand and paired as duplexes")
	}
	return nil
}
