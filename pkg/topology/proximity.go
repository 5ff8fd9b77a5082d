package topology

import (
	"net/netip"
	"slices"

	"github.com/ryandielhenn/zephyrbus/pkg/node"
)

// Proximity is the number of leading address bytes a and b share. Hosts that
// are not IP literals of the same family score 0.
func Proximity(a, b string) int {
	ia, err := netip.ParseAddr(a)
	if err != nil {
		return 0
	}
	ib, err := netip.ParseAddr(b)
	if err != nil || ia.Is4() != ib.Is4() {
		return 0
	}
	ba, bb := ia.AsSlice(), ib.AsSlice()
	n := 0
	for n < len(ba) && ba[n] == bb[n] {
		n++
	}
	return n
}

// SortByProximity orders ids closest to self first, keeping the given order on ties.
func SortByProximity(self node.Identity, ids []node.Identity) {
	slices.SortStableFunc(ids, func(a, b node.Identity) int {
		return Proximity(self.Host, b.Host) - Proximity(self.Host, a.Host)
	})
}
