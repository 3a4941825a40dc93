package bridge

import (
	"errors"
	"math"
	"testing"
)

func TestPointerRoundTrip(t *testing.T) {
	addrs := []uint64{
		0,
		1,
		0xFFFFFFFF,
		0x1_00000000,
		0x1_FFFFFFFF,
		0x7FFFFFFF_80000000,
		0x80000000_00000001,
		0xDEADBEEF_CAFEF00D,
		math.MaxUint64,
	}
	sizes := []int32{0, 1, 4096, math.MaxInt32}

	for _, addr := range addrs {
		for _, size := range sizes {
			p := Encode(addr, size)
			gotAddr, gotSize := Decode(p)
			if gotAddr != addr || gotSize != size {
				t.Fatalf("Decode(Encode(%#x, %d)) = (%#x, %d)", addr, size, gotAddr, gotSize)
			}
		}
	}
}

func TestSplitAddressHalves(t *testing.T) {
	lo, hi := SplitAddress(0xFFFFFFFF)
	if lo != -1 || hi != 0 {
		t.Fatalf("SplitAddress(0xFFFFFFFF) = (%d, %d), want (-1, 0)", lo, hi)
	}
	lo, hi = SplitAddress(0x00000002_00000003)
	if lo != 3 || hi != 2 {
		t.Fatalf("SplitAddress = (%d, %d), want (3, 2)", lo, hi)
	}
	if got := JoinAddress(-1, -1); got != math.MaxUint64 {
		t.Fatalf("JoinAddress(-1, -1) = %#x", got)
	}
}

func TestArenaPublishUsesBothHalves(t *testing.T) {
	a := NewArena()
	h := a.Publish("scenario", []byte("hello"))
	p := h.Pointer()
	if p.Lo == 0 || p.Hi == 0 {
		t.Fatalf("expected both address halves populated, got %+v", p)
	}
	if p.Size != 5 {
		t.Fatalf("size = %d, want 5", p.Size)
	}

	data, err := a.BorrowPointer(p)
	if err != nil {
		t.Fatalf("BorrowPointer: %v", err)
	}
	if string(data) != "hello" {
		t.Fatalf("borrowed %q", data)
	}
}

func TestArenaPublishCopiesInput(t *testing.T) {
	a := NewArena()
	buf := []byte{1, 2, 3}
	h := a.Publish("u", buf)
	buf[0] = 9

	data, err := a.BorrowHandle(h)
	if err != nil {
		t.Fatalf("BorrowHandle: %v", err)
	}
	if data[0] != 1 {
		t.Fatalf("arena buffer aliased caller slice")
	}
}

func TestArenaAddressesDoNotOverlap(t *testing.T) {
	a := NewArena()
	h1 := a.Publish("u", make([]byte, 33))
	h2 := a.Publish("u", make([]byte, 1))
	if h2.Addr < h1.Addr+uint64(h1.Size) {
		t.Fatalf("second buffer at %#x overlaps first [%#x,+%d)", h2.Addr, h1.Addr, h1.Size)
	}
}

func TestArenaLifetime(t *testing.T) {
	a := NewArena()
	a.Begin(1)
	h := a.Publish("drivecontroller", []byte("view"))

	a.Begin(2)
	if _, err := a.BorrowHandle(h); err != nil {
		t.Fatalf("buffer should survive into the next step: %v", err)
	}

	a.Begin(3)
	if _, err := a.BorrowHandle(h); !errors.Is(err, ErrExpired) {
		t.Fatalf("BorrowHandle after retirement = %v, want ErrExpired", err)
	}
	if _, err := a.Borrow(h.Addr, h.Size); !errors.Is(err, ErrExpired) {
		t.Fatalf("Borrow after retirement = %v, want ErrExpired", err)
	}
	if a.Live() != 0 {
		t.Fatalf("Live() = %d, want 0", a.Live())
	}
}

func TestArenaBorrowErrors(t *testing.T) {
	a := NewArena()
	h := a.Publish("u", []byte("abc"))

	tests := []struct {
		name string
		addr uint64
		size int32
		want error
	}{
		{"zero size", h.Addr, 0, ErrEmpty},
		{"negative size", h.Addr, -4, ErrEmpty},
		{"null address", 0, 3, ErrUnknownAddress},
		{"interior address", h.Addr + 1, 1, ErrUnknownAddress},
		{"oversized", h.Addr, 4, ErrUnknownAddress},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := a.Borrow(tt.addr, tt.size); !errors.Is(err, tt.want) {
				t.Fatalf("Borrow = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestArenaPublishEmpty(t *testing.T) {
	a := NewArena()
	h := a.Publish("u", nil)
	if !h.Pointer().Empty() || h.Addr != 0 {
		t.Fatalf("empty publish = %+v, want zero pointer", h)
	}
	if a.Live() != 0 {
		t.Fatalf("empty publish should not allocate")
	}
}
