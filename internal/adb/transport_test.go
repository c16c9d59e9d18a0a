package adb

import "testing"

// TestNeedsZLP covers scenario S6 of spec.md §8: a 64-byte payload against
// a 64-byte max packet size needs a trailing zero-length packet; a 63-byte
// payload against the same endpoint does not.
func TestNeedsZLP(t *testing.T) {
	cases := []struct {
		name      string
		dataLen   int
		maxPacket int
		want      bool
	}{
		{"exact multiple", 64, 64, true},
		{"one under", 63, 64, false},
		{"double the packet size", 128, 64, true},
		{"empty transfer", 0, 64, false},
		{"unknown max packet size", 64, 0, false},
	}
	for _, c := range cases {
		if got := needsZLP(c.dataLen, c.maxPacket); got != c.want {
			t.Errorf("%s: needsZLP(%d, %d) = %v, want %v", c.name, c.dataLen, c.maxPacket, got, c.want)
		}
	}
}
