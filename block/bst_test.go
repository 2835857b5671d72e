package block

import "testing"

// memBits is a small in-memory bit array used to exercise Bst in isolation,
// without going through a full Block/BitStore.
type memBits struct {
	bits []bool
}

func newMemBits(n uint) *memBits {
	return &memBits{bits: make([]bool, n)}
}

func (m *memBits) get(i uint) bool { return m.bits[i] }
func (m *memBits) set(i uint, v bool) {
	for uint(len(m.bits)) <= i {
		m.bits = append(m.bits, false)
	}
	m.bits[i] = v
}

func TestBstInsertNavigateRoundTrip(t *testing.T) {
	tails := []uint64{0b101, 0b010, 0b111}
	var byRank []uint64 // inserted tails in current slot-local rank order
	oracle := func(local int) uint64 { return byRank[local] }

	bst := CreateBST(func(uint) bool { return false }, 0, 0)
	var ranks []int
	for _, tail := range tails {
		r := bst.Insert(tail, oracle)
		ranks = append(ranks, r)
		byRank = append(byRank[:r], append([]uint64{tail}, byRank[r:]...)...)
	}
	if bst.Ten() != 3 {
		t.Fatalf("expected ten=3, got %d", bst.Ten())
	}

	// Every inserted tail must navigate back to a leaf whose oracle value
	// equals it -- ranks shift as siblings are inserted, so look up by
	// the oracle's current contents, not the rank recorded at insert time.
	for _, tail := range tails {
		local := bst.Navigate(tail)
		if oracle(local) != tail {
			t.Fatalf("navigate(%b) = rank %d, oracle there = %b, want %b", tail, local, oracle(local), tail)
		}
	}
	_ = ranks
}

func TestBstSerializeRoundTrip(t *testing.T) {
	tails := []uint64{0b1, 0b0, 0b11}
	var byRank []uint64 // inserted tails in current slot-local rank order
	oracle := func(local int) uint64 { return byRank[local] }

	bst := CreateBST(func(uint) bool { return false }, 0, 0)
	for _, tail := range tails {
		r := bst.Insert(tail, oracle)
		byRank = append(byRank[:r], append([]uint64{tail}, byRank[r:]...)...)
	}

	store := newMemBits(256)
	written := bst.Serialize(store.set)
	if written != widthOf(bst.Ten()) {
		t.Fatalf("serialize wrote %d bits, want %d", written, widthOf(bst.Ten()))
	}

	redecoded := CreateBST(store.get, 0, bst.Ten())
	if redecoded.FirstInvalidIndex() != written {
		t.Fatalf("round-tripped width mismatch: got %d want %d", redecoded.FirstInvalidIndex(), written)
	}
	for _, tail := range tails {
		local := redecoded.Navigate(tail)
		if oracle(local) != tail {
			t.Fatalf("round-tripped navigate(%b) landed on oracle value %b", tail, oracle(local))
		}
	}
}

func TestBstInsertThenRemoveRestoresSingleLeaf(t *testing.T) {
	tails := []uint64{0b001, 0b110}
	oracle := func(local int) uint64 { return tails[local] }

	bst := CreateBST(func(uint) bool { return false }, 0, 0)
	bst.Insert(tails[0], oracle)
	bst.Insert(tails[1], oracle)
	if bst.Ten() != 2 {
		t.Fatalf("expected ten=2 after two inserts, got %d", bst.Ten())
	}

	removeLocal := bst.Navigate(tails[1])
	bst.Remove(removeLocal)
	if bst.Ten() != 1 {
		t.Fatalf("expected ten=1 after remove, got %d", bst.Ten())
	}
	remaining := bst.Navigate(tails[0])
	if remaining != 0 {
		t.Fatalf("expected sole leaf at rank 0, got %d", remaining)
	}
}

func TestWidthOfMatchesNodeCount(t *testing.T) {
	cases := []uint{0, 1, 2, 5, 17}
	for _, ten := range cases {
		got := widthOf(ten)
		var want uint
		if ten > 0 {
			want = (2*ten - 1) + (ten-1)*skipBits
		}
		if got != want {
			t.Fatalf("widthOf(%d) = %d, want %d", ten, got, want)
		}
	}
}
