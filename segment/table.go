package segment

import "encoding/binary"

// hashed is an open-addressing table over one region of the mapping. Collisions probe
// linearly; deletion shifts the following cluster back so no tombstones are needed and
// every lookup stops at the first empty slot.
type hashed struct {
	data    region
	base    int
	slots   int
	usedOff int
	kind    RegionKind
	homeOf  func(slot region) int
}

func (h hashed) at(i int) region {
	return h.data.slot(h.base, i)
}

func (h hashed) used() int {
	return int(h.data.u32(h.usedOff))
}

func (h hashed) inUse(i int) bool {
	return h.at(i).u32(0) == slotUsed
}

// probe calls fn for every occupied slot of the cluster starting at home until fn
// returns false or an empty slot is reached.
func (h hashed) probe(home int, fn func(i int, slot region) bool) {
	for n, i := 0, home; n < h.slots; n, i = n+1, (i+1)%h.slots {
		slot := h.at(i)
		if slot.u32(0) != slotUsed {
			return
		}
		if !fn(i, slot) {
			return
		}
	}
}

// insert claims the first empty slot at or after home.
func (h hashed) insert(home int) (region, error) {
	if h.used() >= h.slots {
		return nil, &FullError{Kind: h.kind, Capacity: h.slots}
	}
	for n, i := 0, home; n < h.slots; n, i = n+1, (i+1)%h.slots {
		slot := h.at(i)
		if slot.u32(0) != slotUsed {
			slot.clear()
			slot.putU32(0, slotUsed)
			h.data.putU32(h.usedOff, uint32(h.used()+1))
			bumpGeneration(h.data)
			return slot, nil
		}
	}
	return nil, &FullError{Kind: h.kind, Capacity: h.slots}
}

// remove empties slot i and shifts back any follower whose home does not lie
// cyclically in (hole, follower].
func (h hashed) remove(i int) {
	h.at(i).clear()
	h.data.putU32(h.usedOff, uint32(h.used()-1))
	bumpGeneration(h.data)

	hole := i
	for j := (i + 1) % h.slots; j != i; j = (j + 1) % h.slots {
		slot := h.at(j)
		if slot.u32(0) != slotUsed {
			return
		}
		home := h.homeOf(slot)
		if cyclicBetween(hole, home, j) {
			continue
		}
		copy(h.at(hole), slot)
		slot.clear()
		hole = j
	}
}

// cyclicBetween reports whether k lies in the half-open cyclic interval (lo, hi].
func cyclicBetween(lo, k, hi int) bool {
	if lo <= hi {
		return lo < k && k <= hi
	}
	return lo < k || k <= hi
}

// scan calls fn for every occupied slot. After fn removes slot i the same index is
// revisited because a follower may have shifted into it.
func (h hashed) scan(fn func(i int, slot region) (removed bool)) {
	for i := 0; i < h.slots; {
		if h.inUse(i) && fn(i, h.at(i)) {
			continue
		}
		i++
	}
}

func bumpGeneration(data region) {
	data.putU64(offGeneration, data.u64(offGeneration)+1)
}

func rowHome(tableID uint64, rowKey int64, slots int) int {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:], tableID)
	binary.LittleEndian.PutUint64(buf[8:], uint64(rowKey))
	return int(hashKey(buf[:]) % uint64(slots))
}

func tableHome(tableID uint64, slots int) int {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], tableID)
	return int(hashKey(buf[:]) % uint64(slots))
}
