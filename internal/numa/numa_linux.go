//go:build linux

package numa

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// discoverPlatform reads /sys/devices/system/node on Linux to enumerate
// NUMA nodes and the CPUs that belong to each. Hosts with no NUMA sysfs
// entries (single-node machines, containers without /sys mounted) report
// a synthetic single node spanning every online CPU.
func discoverPlatform() *Topology {
	entries, err := os.ReadDir("/sys/devices/system/node")
	if err != nil {
		return singleNodeFallback()
	}

	nodeCPUs := make(map[int][]int)
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		id, err := strconv.Atoi(strings.TrimPrefix(name, "node"))
		if err != nil {
			continue
		}
		cpus := readCPUList(filepath.Join("/sys/devices/system/node", name, "cpulist"))
		nodeCPUs[id] = cpus
	}

	if len(nodeCPUs) == 0 {
		return singleNodeFallback()
	}

	return &Topology{
		NumNodes:  len(nodeCPUs),
		NodeCPUs:  nodeCPUs,
		available: true,
	}
}

func singleNodeFallback() *Topology {
	return &Topology{
		NumNodes:  1,
		NodeCPUs:  map[int][]int{0: allOnlineCPUs()},
		available: false,
	}
}

func allOnlineCPUs() []int {
	data, err := os.ReadFile("/sys/devices/system/cpu/online")
	if err != nil {
		return nil
	}
	return parseCPUList(strings.TrimSpace(string(data)))
}

func readCPUList(path string) []int {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return parseCPUList(strings.TrimSpace(string(data)))
}

// parseCPUList parses Linux's "cpulist" range syntax, e.g. "0-3,8,10-11".
func parseCPUList(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if dash := strings.IndexByte(part, '-'); dash >= 0 {
			lo, err1 := strconv.Atoi(part[:dash])
			hi, err2 := strconv.Atoi(part[dash+1:])
			if err1 != nil || err2 != nil || hi < lo {
				continue
			}
			for c := lo; c <= hi; c++ {
				out = append(out, c)
			}
		} else if c, err := strconv.Atoi(part); err == nil {
			out = append(out, c)
		}
	}
	sort.Ints(out)
	return out
}

func bindPlatform(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, c := range cpus {
		set.Set(c)
	}
	return unix.SchedSetaffinity(0, &set)
}

func defaultPageSize() int {
	return unix.Getpagesize()
}
