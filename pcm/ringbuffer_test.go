package pcm

import "testing"

func TestFrameOffsetByteAligned(t *testing.T) {
	r := RingView{FirstBit: 0, StepBits: 32, BufferSize: 16}
	for i, want := range []int{0, 4, 8, 12} {
		if got := r.FrameOffset(i); got != want {
			t.Errorf("FrameOffset(%d) = %d, want %d", i, got, want)
		}
	}
}

func TestFrameOffsetWithFirstBitOffset(t *testing.T) {
	r := RingView{FirstBit: 16, StepBits: 32, BufferSize: 16}
	if got := r.FrameOffset(0); got != 2 {
		t.Errorf("FrameOffset(0) = %d, want 2", got)
	}
	if got := r.FrameOffset(1); got != 6 {
		t.Errorf("FrameOffset(1) = %d, want 6", got)
	}
}

func TestSliceHappyPath(t *testing.T) {
	base := make([]byte, 64)
	r := RingView{Base: base, FirstBit: 0, StepBits: 32, BufferSize: 16}
	s, err := r.Slice(2, 3, 4)
	if err != nil {
		t.Fatalf("Slice: %v", err)
	}
	if len(s) != 12 {
		t.Errorf("expected slice of 12 bytes, got %d", len(s))
	}
}

func TestSliceRejectsOutOfRangeStart(t *testing.T) {
	base := make([]byte, 64)
	r := RingView{Base: base, FirstBit: 0, StepBits: 32, BufferSize: 16}
	if _, err := r.Slice(16, 1, 4); err == nil {
		t.Error("expected error for start beyond BufferSize")
	}
	if _, err := r.Slice(-1, 1, 4); err == nil {
		t.Error("expected error for negative start")
	}
}

func TestSliceRejectsFramesPastEnd(t *testing.T) {
	base := make([]byte, 64)
	r := RingView{Base: base, FirstBit: 0, StepBits: 32, BufferSize: 16}
	if _, err := r.Slice(15, 2, 4); err == nil {
		t.Error("expected error when frames run past BufferSize")
	}
}

func TestSliceRejectsUndersizedBase(t *testing.T) {
	base := make([]byte, 8)
	r := RingView{Base: base, FirstBit: 0, StepBits: 32, BufferSize: 16}
	if _, err := r.Slice(0, 4, 4); err == nil {
		t.Error("expected error when Base is smaller than the computed byte range")
	}
}
