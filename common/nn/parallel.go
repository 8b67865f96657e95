// Copyright 2026 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package nn

import (
	"sync/atomic"

	"github.com/gorse-io/hymenoptera/common/parallel"
)

var numJobs atomic.Int32

func init() {
	numJobs.Store(1)
}

// SetNumJobs sets the number of goroutines used by kernels. Results do not
// depend on this value since every job writes a disjoint region.
func SetNumJobs(n int) {
	if n < 1 {
		n = 1
	}
	numJobs.Store(int32(n))
}

// NumJobs returns the number of goroutines used by kernels.
func NumJobs() int {
	return int(numJobs.Load())
}

func parallelFor(n int, f func(int)) {
	jobs := NumJobs()
	if jobs > n {
		jobs = n
	}
	parallel.For(n, jobs, f)
}
