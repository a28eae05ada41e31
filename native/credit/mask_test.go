package credit

import (
	"errors"
	"testing"

	"github.com/holiman/uint256"
)

func TestMaskEnableDisable(t *testing.T) {
	m := TokenMask{}
	m = m.Enable(MaskAt(0)).Enable(MaskAt(3)).Enable(MaskAt(200))
	if got := m.Count(); got != 3 {
		t.Fatalf("unexpected count: got %d want 3", got)
	}
	if !m.Intersects(MaskAt(200)) {
		t.Fatalf("expected bit 200 set")
	}
	m = m.Disable(MaskAt(3))
	if m.Intersects(MaskAt(3)) {
		t.Fatalf("bit 3 should be cleared")
	}
	if got := m.Count(); got != 2 {
		t.Fatalf("unexpected count after disable: got %d want 2", got)
	}
}

func TestMaskEnableDisableConflict(t *testing.T) {
	m := TokenMask{}
	m = m.EnableDisable(MaskAt(5), MaskAt(5))
	if m.Intersects(MaskAt(5)) {
		t.Fatalf("disable must win when a bit appears on both sides")
	}
}

func TestMaskIndex(t *testing.T) {
	for _, slot := range []uint8{0, 1, 63, 64, 128, 255} {
		got, err := MaskAt(slot).Index()
		if err != nil {
			t.Fatalf("index of slot %d: %v", slot, err)
		}
		if got != slot {
			t.Fatalf("unexpected index: got %d want %d", got, slot)
		}
	}
	if _, err := (TokenMask{}).Index(); !errors.Is(err, ErrNotSingleToken) {
		t.Fatalf("expected ErrNotSingleToken for empty mask, got %v", err)
	}
	multi := MaskAt(1).Enable(MaskAt(2))
	if _, err := multi.Index(); !errors.Is(err, ErrNotSingleToken) {
		t.Fatalf("expected ErrNotSingleToken for multi-bit mask, got %v", err)
	}
}

func TestMaskBitsAscending(t *testing.T) {
	m := MaskAt(200).Enable(MaskAt(0)).Enable(MaskAt(65))
	bits := m.Bits()
	want := []uint8{0, 65, 200}
	if len(bits) != len(want) {
		t.Fatalf("unexpected bits length: got %d want %d", len(bits), len(want))
	}
	for i := range want {
		if bits[i] != want[i] {
			t.Fatalf("unexpected bit at %d: got %d want %d", i, bits[i], want[i])
		}
	}
}

func TestMaskUint256RoundTrip(t *testing.T) {
	raw := uint256.NewInt(0)
	raw.Lsh(uint256.NewInt(1), 77)
	m := MaskFromUint256(raw)
	if got := m.Uint256(); !got.Eq(raw) {
		t.Fatalf("round trip mismatch: got %s want %s", got.Hex(), raw.Hex())
	}
	if m := MaskFromUint256(nil); !m.IsZero() {
		t.Fatalf("nil word must map to the empty mask")
	}
}

func TestMaskWithout(t *testing.T) {
	a := MaskAt(1).Enable(MaskAt(2)).Enable(MaskAt(3))
	b := MaskAt(2)
	rest := a.Without(b)
	if rest.Intersects(b) {
		t.Fatalf("without must drop shared bits")
	}
	if rest.Count() != 2 {
		t.Fatalf("unexpected remainder count: got %d want 2", rest.Count())
	}
}
