package tunnel

import (
	"net/netip"
	"testing"
)

func TestReverseDNSNameAndParsePTRName_V4(t *testing.T) {
	t.Parallel()

	addr := netip.MustParseAddr("1.2.3.4")
	name := reverseDNSName(addr)
	const want = "4.3.2.1.in-addr.arpa."
	if name != want {
		t.Fatalf("reverseDNSName(%v) = %q, want %q", addr, name, want)
	}

	got, ok := parsePTRName(name)
	if !ok || got != addr {
		t.Fatalf("parsePTRName(%q) = %v, %v, want %v, true", name, got, ok, addr)
	}
}

func TestParsePTRName_V4Boundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want string // expected address string, "" for no match
	}{
		{"1.2.3.4.in-addr.arpa", "4.3.2.1"},
		{"0.1.2.3.4.in-addr.arpa", ""},
		{"1.2.3.4.in-addr.carpa", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parsePTRName(tt.name)
			if tt.want == "" {
				if ok {
					t.Errorf("parsePTRName(%q) = %v, true, want no match", tt.name, got)
				}
				return
			}
			want := netip.MustParseAddr(tt.want)
			if !ok || got != want {
				t.Errorf("parsePTRName(%q) = %v, %v, want %v, true", tt.name, got, ok, want)
			}
		})
	}
}

func TestParsePTRName_V6(t *testing.T) {
	t.Parallel()

	const name = "b.a.9.8.7.6.5.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.ip6.arpa"
	want := netip.MustParseAddr("2001:db8::567:89ab")

	got, ok := parsePTRName(name)
	if !ok || got != want {
		t.Fatalf("parsePTRName(%q) = %v, %v, want %v, true", name, got, ok, want)
	}

	// reverseDNSName must invert it (modulo the trailing dot).
	if reverseDNSName(want) != name+"." {
		t.Errorf("reverseDNSName(%v) = %q, want %q", want, reverseDNSName(want), name+".")
	}
}

func TestParsePTRName_V6WithV4Suffix(t *testing.T) {
	t.Parallel()

	const name = "b.a.9.8.7.6.5.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.in-addr.arpa"
	if _, ok := parsePTRName(name); ok {
		t.Errorf("parsePTRName(%q) unexpectedly succeeded", name)
	}
}
