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

package version

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/klauspost/cpuid/v2"
)

// Default build-time variable.
// These values are overridden via ldflags
var (
	Version   = "unknown-version"
	GitCommit = "unknown-commit"
	BuildTime = "unknown-buildtime"
)

func BuildInfo() string {
	var buildInfo string
	buildInfo += fmt.Sprintln("Version:\t", Version)
	buildInfo += fmt.Sprintln("Go version:\t", runtime.Version())
	buildInfo += fmt.Sprintln("Git commit:\t", GitCommit)
	buildInfo += fmt.Sprintln("Built:\t\t", BuildTime)
	buildInfo += fmt.Sprintf("OS/Arch:\t %s/%s\n", runtime.GOOS, runtime.GOARCH)
	buildInfo += fmt.Sprintln("CPU:\t\t", CPUInfo())
	return buildInfo
}

// CPUInfo describes the processor the numerical kernels run on.
func CPUInfo() string {
	features := vectorExtensions(cpuid.CPU.FeatureSet())
	return fmt.Sprintf("%s (%d cores, %d threads, %s)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, features)
}

// vectorExtensions keeps the vector extensions relevant to float32 kernels.
func vectorExtensions(features []string) string {
	var kept []string
	for _, f := range features {
		if strings.HasPrefix(f, "SSE") || strings.HasPrefix(f, "AVX") || f == "FMA3" || f == "ASIMD" {
			kept = append(kept, f)
		}
	}
	if len(kept) == 0 {
		return "no vector extensions"
	}
	return strings.Join(kept, " ")
}
