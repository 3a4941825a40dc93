// Package bridge carries serialized messages between units that share the
// process address space. A buffer travels as three 32-bit scalar signals
// (address low half, address high half, byte length) so that it can ride the
// ordinary signal wiring.
package bridge

// Pointer is the scalar triple a message buffer is exchanged as.
type Pointer struct {
	Lo   int32
	Hi   int32
	Size int32
}

// SplitAddress splits a 64-bit address into its low and high 32-bit halves,
// reinterpreted as signed integers.
func SplitAddress(addr uint64) (lo, hi int32) {
	return int32(uint32(addr)), int32(uint32(addr >> 32))
}

// JoinAddress is the inverse of SplitAddress.
func JoinAddress(lo, hi int32) uint64 {
	return uint64(uint32(hi))<<32 | uint64(uint32(lo))
}

// Encode packs an address and length into a Pointer.
func Encode(addr uint64, size int32) Pointer {
	lo, hi := SplitAddress(addr)
	return Pointer{Lo: lo, Hi: hi, Size: size}
}

// Decode unpacks a Pointer.
func Decode(p Pointer) (addr uint64, size int32) {
	return JoinAddress(p.Lo, p.Hi), p.Size
}

// Addr returns the reassembled 64-bit address.
func (p Pointer) Addr() uint64 { return JoinAddress(p.Lo, p.Hi) }

// Empty reports whether the pointer carries no payload.
func (p Pointer) Empty() bool { return p.Size <= 0 }
