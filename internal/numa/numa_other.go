//go:build !linux

package numa

// discoverPlatform reports a single synthetic node on platforms without a
// NUMA sysfs interface. BindCurrentThread and AllocOn remain safe to call;
// they simply have nothing to pin to.
func discoverPlatform() *Topology {
	return &Topology{
		NumNodes:  1,
		NodeCPUs:  map[int][]int{0: nil},
		available: false,
	}
}

func bindPlatform(cpus []int) error {
	return nil
}

func defaultPageSize() int {
	return 4096
}
