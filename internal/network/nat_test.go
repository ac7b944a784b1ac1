package network

import (
	"net"
	"strings"
	"testing"
)

func TestNATRules(t *testing.T) {
	_, subnet, _ := net.ParseCIDR("10.8.8.0/24")
	rules := natRules(subnet, "jail0")
	want := []string{
		"nat POSTROUTING -s 10.8.8.0/24 ! -o jail0 -m comment --comment jail rule -j MASQUERADE",
		"filter FORWARD -i jail0 -m comment --comment jail rule -j ACCEPT",
		"filter FORWARD -o jail0 -m comment --comment jail rule -j ACCEPT",
	}
	if len(rules) != len(want) {
		t.Fatalf("got %d rules", len(rules))
	}
	for i, r := range rules {
		got := r.table + " " + r.chain + " " + strings.Join(r.spec, " ")
		if got != want[i] {
			t.Errorf("rule %d = %q, want %q", i, got, want[i])
		}
	}
}
