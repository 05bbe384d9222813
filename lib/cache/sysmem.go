// Strata
// Copyright (C) 2024 StrataDB, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package cache

import (
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/gravitational/trace"
	"github.com/shirou/gopsutil/v4/mem"
)

// cgroup memory limit locations, v2 first. Containers report the
// orchestrator-imposed limit here rather than host memory.
var cgroupLimitPaths = []string{
	"/sys/fs/cgroup/memory.max",
	"/sys/fs/cgroup/memory/memory.limit_in_bytes",
}

// systemMemoryBytes resolves the memory amount percent-based caps are
// computed against: the cgroup limit when the process runs under one,
// otherwise total system memory.
func systemMemoryBytes() (uint64, error) {
	if limit, ok := cgroupMemoryLimit(); ok {
		return limit, nil
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, trace.Wrap(err)
	}
	return vm.Total, nil
}

func cgroupMemoryLimit() (uint64, bool) {
	for _, path := range cgroupLimitPaths {
		raw, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		text := strings.TrimSpace(string(raw))
		// cgroup v2 spells "no limit" as "max"; v1 reports a number
		// near MaxInt64.
		if text == "" || text == "max" {
			continue
		}
		limit, err := strconv.ParseUint(text, 10, 64)
		if err != nil || limit == 0 || limit >= math.MaxInt64/2 {
			continue
		}
		return limit, true
	}
	return 0, false
}
