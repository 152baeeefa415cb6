package discovery

import "testing"

func TestCandidateAddressesCount(t *testing.T) {
	addrs := CandidateAddresses()
	if len(addrs) != 301 {
		t.Fatalf("expected 301 candidates, got %d", len(addrs))
	}
	seen := make(map[string]bool, len(addrs))
	for _, a := range addrs {
		if seen[a] {
			t.Fatalf("duplicate candidate address %q", a)
		}
		seen[a] = true
	}
	if addrs[0] != "239.192.1.1" {
		t.Fatalf("expected first candidate 239.192.1.1, got %s", addrs[0])
	}
}
