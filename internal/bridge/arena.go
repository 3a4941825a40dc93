package bridge

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrExpired is returned when a buffer is borrowed after its producer's
	// lifetime window has closed.
	ErrExpired = errors.New("bridge: buffer expired")
	// ErrEmpty is returned for zero-length pointers.
	ErrEmpty = errors.New("bridge: empty buffer")
	// ErrUnknownAddress is returned when no buffer was published at an address.
	ErrUnknownAddress = errors.New("bridge: unknown address")
)

// Handle is a typed borrowed span: the address and length of a published
// buffer plus who produced it and at which macro-step.
type Handle struct {
	Addr     uint64
	Size     int32
	Producer string
	Step     int64
}

// Pointer converts the handle to its wire triple.
func (h Handle) Pointer() Pointer { return Encode(h.Addr, h.Size) }

// Memory is the shared address space message buffers live in.
type Memory interface {
	Publish(producer string, buf []byte) Handle
	Borrow(addr uint64, size int32) ([]byte, error)
}

const (
	// arenaBase places synthetic addresses above 4 GiB so that both halves
	// of the pointer triple are exercised.
	arenaBase  uint64 = 0x00007f3a_80000000
	arenaAlign uint64 = 16
)

type slot struct {
	data     []byte
	producer string
	step     int64
}

// Arena is the in-process Memory. A buffer published during macro-step k may
// be borrowed during k and k+1; Begin(k+2) retires it.
type Arena struct {
	mu sync.Mutex

	step  int64
	next  uint64
	floor uint64 // lowest address still live
	slots map[uint64]*slot
	order []uint64
}

// NewArena returns an empty arena at generation 0.
func NewArena() *Arena {
	return &Arena{
		next:  arenaBase,
		floor: arenaBase,
		slots: make(map[uint64]*slot),
	}
}

// Begin opens generation step and retires every buffer produced before
// step-1.
func (a *Arena) Begin(step int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.step = step
	keep := a.order[:0]
	for _, addr := range a.order {
		s := a.slots[addr]
		if s.step < step-1 {
			delete(a.slots, addr)
			continue
		}
		keep = append(keep, addr)
	}
	a.order = keep
	if len(a.order) > 0 {
		a.floor = a.order[0]
	} else {
		a.floor = a.next
	}
}

// Step returns the current generation.
func (a *Arena) Step() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.step
}

// Live returns the number of buffers that can still be borrowed.
func (a *Arena) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

// Publish stores a private copy of buf and returns its handle. An empty buf
// yields the zero pointer.
func (a *Arena) Publish(producer string, buf []byte) Handle {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(buf) == 0 {
		return Handle{Producer: producer, Step: a.step}
	}

	addr := a.next
	a.next += (uint64(len(buf)) + arenaAlign) &^ (arenaAlign - 1)

	data := make([]byte, len(buf))
	copy(data, buf)
	a.slots[addr] = &slot{data: data, producer: producer, step: a.step}
	a.order = append(a.order, addr)

	return Handle{Addr: addr, Size: int32(len(buf)), Producer: producer, Step: a.step}
}

// Borrow returns the first size bytes of the buffer at addr. Callers must not
// modify the returned slice.
func (a *Arena) Borrow(addr uint64, size int32) ([]byte, error) {
	if size <= 0 {
		return nil, ErrEmpty
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	s, ok := a.slots[addr]
	if !ok {
		if addr >= arenaBase && addr < a.floor {
			return nil, fmt.Errorf("%w: address %#x", ErrExpired, addr)
		}
		return nil, fmt.Errorf("%w: %#x", ErrUnknownAddress, addr)
	}
	if int(size) > len(s.data) {
		return nil, fmt.Errorf("%w: %#x holds %d bytes, %d requested", ErrUnknownAddress, addr, len(s.data), size)
	}
	return s.data[:size], nil
}

// BorrowHandle is Borrow with an explicit expiry check against the handle's
// production step.
func (a *Arena) BorrowHandle(h Handle) ([]byte, error) {
	if h.Size <= 0 {
		return nil, ErrEmpty
	}
	if cur := a.Step(); h.Step < cur-1 {
		return nil, fmt.Errorf("%w: produced by %s at step %d, now %d", ErrExpired, h.Producer, h.Step, cur)
	}
	return a.Borrow(h.Addr, h.Size)
}

// BorrowPointer resolves a wire triple.
func (a *Arena) BorrowPointer(p Pointer) ([]byte, error) {
	addr, size := Decode(p)
	return a.Borrow(addr, size)
}
