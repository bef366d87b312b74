package numa

import "testing"

func TestTopology_NodeFor(t *testing.T) {
	top := &Topology{NumNodes: 4}

	cases := []struct {
		in, want int
	}{
		{0, 0},
		{3, 3},
		{4, 0},
		{5, 1},
		{-1, 3},
		{-5, 3},
	}
	for _, c := range cases {
		if got := top.NodeFor(c.in); got != c.want {
			t.Errorf("NodeFor(%d) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestTopology_NodeFor_NoNodes(t *testing.T) {
	top := &Topology{NumNodes: 0}
	if got := top.NodeFor(7); got != 0 {
		t.Fatalf("expected 0 with no discovered nodes, got %d", got)
	}
}

func TestDiscover_CachesResult(t *testing.T) {
	a := Discover()
	b := Discover()
	if a != b {
		t.Fatal("expected Discover to return the same cached topology")
	}
	if a.NumNodes < 1 {
		t.Fatalf("expected at least one node reported, got %d", a.NumNodes)
	}
}

func TestAllocOn(t *testing.T) {
	buf, err := AllocOn(0, 4096)
	if err != nil {
		t.Fatal(err)
	}
	if len(buf) != 4096 {
		t.Fatalf("expected 4096-byte buffer, got %d", len(buf))
	}

	if _, err := AllocOn(0, -1); err == nil {
		t.Fatal("expected an error for a negative allocation size")
	}
}

func TestPageSize(t *testing.T) {
	if PageSize() <= 0 {
		t.Fatal("expected a positive page size")
	}
}

func TestBindCurrentThread_NeverFailsOnFallbackTopology(t *testing.T) {
	if err := BindCurrentThread(0); err != nil {
		t.Fatalf("expected BindCurrentThread to tolerate a missing CPU set, got %v", err)
	}
}
