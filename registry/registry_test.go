package registry

import (
	"testing"
)

func TestForMemoizesPerNetworkName(t *testing.T) {
	reset()
	dir := t.TempDir()
	r1, err := For("net-a", dir, 0x10, 0xff00, nil)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := For("net-a", dir, 0x10, 0xff00, nil)
	if err != nil {
		t.Fatal(err)
	}
	if r1 != r2 {
		t.Fatal("expected the same Registry instance for the same network name")
	}
	if !r1.IsRoutingHost() {
		t.Fatal("expected first acquirer to be the routing host")
	}
	r1.Close()
}

func TestForDistinctNetworksGetDistinctLocks(t *testing.T) {
	reset()
	dir := t.TempDir()
	r1, err := For("net-b", dir, 0x10, 0xff00, nil)
	if err != nil {
		t.Fatal(err)
	}
	r2, err := For("net-c", dir, 0x10, 0xff00, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !r1.IsRoutingHost() || !r2.IsRoutingHost() {
		t.Fatal("expected both distinct-network registries to acquire their own lock")
	}
	r1.Close()
	r2.Close()
}

func TestRoutingLockSecondAcquirerFails(t *testing.T) {
	dir := t.TempDir()
	lock1, ok1, err := TryAcquire(dir, "net-d")
	if err != nil || !ok1 {
		t.Fatalf("expected first acquirer to succeed, ok=%v err=%v", ok1, err)
	}
	defer lock1.Release()

	_, ok2, err := TryAcquire(dir, "net-d")
	if err != nil {
		t.Fatal(err)
	}
	if ok2 {
		t.Fatal("expected second acquirer to fail while the first holds the lock")
	}
}
