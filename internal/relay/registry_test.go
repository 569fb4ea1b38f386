package relay

import (
	"sync"
	"testing"
)

type fakeChannel struct{}

func (fakeChannel) WriteFrame(f any) error { return nil }
func (fakeChannel) Close() error           { return nil }

func Test_registry_create_lookup_remove(t *testing.T) {
	r := NewRegistry(0)
	tun, err := r.Create(fakeChannel{})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if tun.Subdomain == "" {
		t.Fatal("expected non-empty subdomain")
	}

	found, ok := r.Lookup(tun.Subdomain)
	if !ok || found != tun {
		t.Fatalf("lookup failed: got (%v, %v)", found, ok)
	}

	r.Remove(tun.ID)
	if _, ok := r.Lookup(tun.Subdomain); ok {
		t.Fatal("expected tunnel to be gone after remove")
	}
}

func Test_registry_remove_is_idempotent(t *testing.T) {
	r := NewRegistry(0)
	tun, _ := r.Create(fakeChannel{})
	r.Remove(tun.ID)
	r.Remove(tun.ID) // must not panic
}

func Test_registry_enforces_max_tunnels(t *testing.T) {
	r := NewRegistry(1)
	if _, err := r.Create(fakeChannel{}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	if _, err := r.Create(fakeChannel{}); err != ErrTooManyTunnels {
		t.Fatalf("expected ErrTooManyTunnels, got %v", err)
	}
}

func Test_registry_subdomains_are_unique_under_concurrency(t *testing.T) {
	r := NewRegistry(0)
	const n = 200
	var wg sync.WaitGroup
	seen := make(chan string, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tun, err := r.Create(fakeChannel{})
			if err != nil {
				t.Errorf("create failed: %v", err)
				return
			}
			seen <- tun.Subdomain
		}()
	}
	wg.Wait()
	close(seen)

	subdomains := make(map[string]bool)
	for s := range seen {
		if subdomains[s] {
			t.Fatalf("duplicate subdomain observed: %s", s)
		}
		subdomains[s] = true
	}
	if len(subdomains) != n {
		t.Fatalf("expected %d unique subdomains, got %d", n, len(subdomains))
	}
}

func Test_registry_snapshot_reflects_request_count(t *testing.T) {
	r := NewRegistry(0)
	tun, _ := r.Create(fakeChannel{})
	tun.IncrementRequestCount()
	tun.IncrementRequestCount()

	snaps := r.Snapshot()
	if len(snaps) != 1 {
		t.Fatalf("expected 1 snapshot row, got %d", len(snaps))
	}
	if snaps[0].RequestCount != 2 {
		t.Errorf("expected request count 2, got %d", snaps[0].RequestCount)
	}
	if snaps[0].Subdomain != tun.Subdomain {
		t.Errorf("expected subdomain %q, got %q", tun.Subdomain, snaps[0].Subdomain)
	}
}

func Test_registry_remove_does_not_affect_other_tunnels(t *testing.T) {
	r := NewRegistry(0)
	a, _ := r.Create(fakeChannel{})
	b, _ := r.Create(fakeChannel{})

	r.Remove(a.ID)

	if _, ok := r.Lookup(b.Subdomain); !ok {
		t.Fatal("expected unrelated tunnel to remain after a sibling is removed")
	}
}
