// Package numa provides best-effort NUMA-node affinity for the disk I/O
// service and NUMA-tagged chunk allocation for the slab allocator. Go has
// no portable NUMA API, so the Linux implementation uses golang.org/x/sys
// to pin the calling OS thread's CPU affinity to the node's CPU set, and
// every other platform falls back to a no-op that still reports a single
// node so callers never need a build tag of their own.
package numa

import (
	"fmt"
	"sync"
)

// Topology describes the NUMA nodes visible to this process.
type Topology struct {
	NumNodes  int
	NodeCPUs  map[int][]int
	available bool
}

var (
	once     sync.Once
	topology *Topology
)

// Discover scans the host for NUMA topology. The result is cached for the
// lifetime of the process; rescans are never required because topology
// does not change while the process runs.
func Discover() *Topology {
	once.Do(func() {
		topology = discoverPlatform()
	})
	return topology
}

// Available reports whether real NUMA affinity pinning is supported on
// this platform. When false, BindCurrentThread and AllocOn still succeed
// but are no-ops beyond ordinary memory allocation.
func (t *Topology) Available() bool { return t.available }

// NodeFor maps a requested node id into range by wrapping it modulo
// NumNodes (negative ids wrap from the top, so -1 is the last node). It
// returns 0 when no nodes are known.
func (t *Topology) NodeFor(node int) int {
	if t.NumNodes <= 0 {
		return 0
	}
	if node < 0 || node >= t.NumNodes {
		node %= t.NumNodes
		if node < 0 {
			node += t.NumNodes
		}
	}
	return node
}

// BindCurrentThread pins the calling goroutine's OS thread (via
// runtime.LockOSThread, which the caller must already have invoked) to the
// CPU set of the given NUMA node. Callers that need the binding to persist
// must keep the goroutine parked on its locked OS thread for the duration
// the binding should hold.
func BindCurrentThread(node int) error {
	t := Discover()
	node = t.NodeFor(node)
	cpus, ok := t.NodeCPUs[node]
	if !ok || len(cpus) == 0 {
		return nil // fallback topology: nothing to pin to
	}
	return bindPlatform(cpus)
}

// AllocOn allocates an n-byte buffer intended to live on the given NUMA
// node. On every platform this is ordinary heap allocation; the node
// argument is only mapped into range with NodeFor and does not affect
// where the memory is placed.
func AllocOn(node int, n int) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("numa: negative allocation size %d", n)
	}
	_ = Discover().NodeFor(node)
	return make([]byte, n), nil
}

// PageSize returns the host's native memory page size. The slab allocator
// does not consult it.
func PageSize() int {
	return defaultPageSize()
}
