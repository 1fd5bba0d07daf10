package crawler

import "testing"

func TestBlocklist(t *testing.T) {
	t.Run("exact match", func(t *testing.T) {
		bl := NewBlocklist([]string{"Example.org"})
		if bl == nil {
			t.Fatalf("expected blocklist to be created")
		}
		if !bl.Blocked("example.org") {
			t.Fatalf("expected example.org to be blocked")
		}
		if bl.Blocked("sub.example.org") {
			t.Fatalf("did not expect subdomains to match exact entry")
		}
	})

	t.Run("wildcard suffix", func(t *testing.T) {
		bl := NewBlocklist([]string{"*.ru", ".marketplace.com", "*.ru"})
		if bl == nil {
			t.Fatalf("expected blocklist to be created")
		}
		if len(bl.suffixes) != 2 {
			t.Fatalf("expected duplicate suffixes to collapse, got %v", bl.suffixes)
		}
		cases := []struct {
			domain  string
			blocked bool
		}{
			{"example.ru", true},
			{"sub.domain.ru", true},
			{"ru", true},
			{"seller.marketplace.com", true},
			{"example.com", false},
			{"", false},
		}
		for _, tc := range cases {
			if got := bl.Blocked(tc.domain); got != tc.blocked {
				t.Fatalf("domain %q blocked=%v, want %v", tc.domain, got, tc.blocked)
			}
		}
	})

	t.Run("empty patterns", func(t *testing.T) {
		if bl := NewBlocklist([]string{" ", "*."}); bl != nil {
			t.Fatalf("expected nil blocklist, got %+v", bl)
		}
		var bl *Blocklist
		if bl.Blocked("anything") {
			t.Fatalf("nil blocklist should never block")
		}
	})
}
