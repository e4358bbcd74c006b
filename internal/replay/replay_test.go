package replay

import (
	"testing"

	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/memmap"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/tracelog"
)

func seedStream() *tracelog.Stream {
	return &tracelog.Stream{
		Harts: map[int][]tracelog.Entry{
			0: {
				{PC: 0x1000, Symbol: "f"},
				{PC: 0x1002, Symbol: "f"},
				{PC: 0x1006, Symbol: "f"},
			},
		},
	}
}

func seedMemMap() *memmap.Map {
	m := memmap.New()
	// 0x1000: compressed (2-byte, low bits 00), 0x1002: compressed,
	// 0x1006: ordinary 4-byte instruction (low bits != 00).
	m.Add(0x1000, []byte{
		0x00, 0x00, // 0x1000 compressed
		0x00, 0x00, // 0x1002 compressed
		0x01, 0x00, // 0x1004 padding (unused)
		0x13, 0x05, 0x00, 0x00, // 0x1006 ordinary
	})
	return m
}

// TestStepInverse covers P3: stepping forward then back returns the cursor
// to where it started.
func TestStepInverse(t *testing.T) {
	h := newHart(0, seedStream().Harts[0])

	if err := h.Step(false); err != nil {
		t.Fatalf("step forward: %v", err)
	}
	if err := h.Step(false); err != nil {
		t.Fatalf("step forward: %v", err)
	}
	if got := h.Cursor(); got != 2 {
		t.Fatalf("cursor = %d, want 2", got)
	}

	if err := h.Step(true); err != nil {
		t.Fatalf("step back: %v", err)
	}
	if err := h.Step(true); err != nil {
		t.Fatalf("step back: %v", err)
	}
	if got := h.Cursor(); got != 0 {
		t.Fatalf("cursor = %d, want 0", got)
	}
}

func TestStepStartOfStream(t *testing.T) {
	h := newHart(0, seedStream().Harts[0])
	if err := h.Step(true); err != ErrStartOfStream {
		t.Fatalf("expected ErrStartOfStream, got %v", err)
	}
}

func TestStepEndOfStream(t *testing.T) {
	h := newHart(0, seedStream().Harts[0])
	for i := 0; i < 3; i++ {
		if err := h.Step(false); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	if err := h.Step(false); err != ErrEndOfStream {
		t.Fatalf("expected ErrEndOfStream, got %v", err)
	}
}

// TestCurrentPCPastEnd covers the synthetic "after end" PC: last entry's PC
// plus its inferred instruction length.
func TestCurrentPCPastEnd(t *testing.T) {
	h := newHart(0, seedStream().Harts[0])
	mm := seedMemMap()

	for i := 0; i < 3; i++ {
		_ = h.Step(false)
	}
	got := h.CurrentPC(mm, nil)
	want := uint64(0x1006 + 4) // last entry is 0x1006, a 4-byte instruction
	if got != want {
		t.Fatalf("CurrentPC past end = 0x%x, want 0x%x", got, want)
	}
}

// TestInstrLen covers P6: low two bits clear means a 2-byte instruction,
// anything else 4 bytes, and an unmapped probe defaults to 4 without error.
func TestInstrLen(t *testing.T) {
	mm := seedMemMap()

	if got := InstrLen(mm, 0x1000, nil); got != 2 {
		t.Errorf("InstrLen(0x1000) = %d, want 2", got)
	}
	if got := InstrLen(mm, 0x1006, nil); got != 4 {
		t.Errorf("InstrLen(0x1006) = %d, want 4", got)
	}
	if got := InstrLen(mm, 0xDEAD, nil); got != 4 {
		t.Errorf("InstrLen(unmapped) = %d, want 4 (default)", got)
	}
}

// TestBreakpointIdentity covers P5: a range is identified by its exact
// (addr, len) pair; duplicates and missing removals are rejected.
func TestBreakpointIdentity(t *testing.T) {
	h := newHart(0, seedStream().Harts[0])

	if err := h.AddBreak(0x1006, 4); err != nil {
		t.Fatalf("AddBreak: %v", err)
	}
	if err := h.AddBreak(0x1006, 4); err != ErrDuplicateBreak {
		t.Fatalf("expected ErrDuplicateBreak, got %v", err)
	}
	// Same address, different length is a distinct range.
	if err := h.AddBreak(0x1006, 8); err != nil {
		t.Fatalf("AddBreak distinct length: %v", err)
	}
	if err := h.RemoveBreak(0x1006, 4); err != nil {
		t.Fatalf("RemoveBreak: %v", err)
	}
	if err := h.RemoveBreak(0x1006, 4); err != ErrMissingBreak {
		t.Fatalf("expected ErrMissingBreak, got %v", err)
	}
}

// TestContinueHitsBreakpoint covers P4: continuing monotonically advances
// (or retreats) the cursor until an active breakpoint range is hit.
func TestContinueHitsBreakpoint(t *testing.T) {
	h := newHart(0, seedStream().Harts[0])
	mm := seedMemMap()

	if err := h.AddBreak(0x1006, 4); err != nil {
		t.Fatalf("AddBreak: %v", err)
	}

	hit := h.Continue(mm, nil, false, nil)
	if !hit {
		t.Fatal("expected Continue to report a breakpoint hit")
	}
	if got := h.Cursor(); got != 2 {
		t.Fatalf("cursor after hit = %d, want 2 (the 0x1006 entry)", got)
	}
}

func TestContinueRunsOffEndWithoutBreakpoint(t *testing.T) {
	h := newHart(0, seedStream().Harts[0])
	mm := seedMemMap()

	hit := h.Continue(mm, nil, false, nil)
	if hit {
		t.Fatal("expected Continue to run off the end without a hit")
	}
	if got := h.Cursor(); got != 3 {
		t.Fatalf("cursor at end = %d, want 3 (len of trace)", got)
	}
}

func TestContinueBackward(t *testing.T) {
	h := newHart(0, seedStream().Harts[0])
	mm := seedMemMap()
	for i := 0; i < 3; i++ {
		_ = h.Step(false)
	}

	if err := h.AddBreak(0x1000, 2); err != nil {
		t.Fatalf("AddBreak: %v", err)
	}

	hit := h.Continue(mm, nil, true, nil)
	if !hit {
		t.Fatal("expected reverse Continue to report a breakpoint hit")
	}
	if got := h.Cursor(); got != 0 {
		t.Fatalf("cursor after reverse hit = %d, want 0", got)
	}
}

// TestContinueResumeFromRepositions covers resume_from: the cursor jumps to
// the nearest matching PC in the travel direction before resuming the walk.
func TestContinueResumeFromRepositions(t *testing.T) {
	h := newHart(0, seedStream().Harts[0])
	mm := seedMemMap()

	resumeFrom := uint64(0x1002)
	hit := h.Continue(mm, nil, false, &resumeFrom)
	if hit {
		t.Fatal("expected no breakpoint, cursor should run off the end")
	}
	if got := h.Cursor(); got != 3 {
		t.Fatalf("cursor = %d, want 3", got)
	}
}

func TestContinueResumeFromMissForcesEnd(t *testing.T) {
	h := newHart(0, seedStream().Harts[0])
	mm := seedMemMap()

	resumeFrom := uint64(0xBEEF)
	hit := h.Continue(mm, nil, false, &resumeFrom)
	if hit {
		t.Fatal("expected soft failure (no hit) on resume_from miss")
	}
	if got := h.Cursor(); got != 3 {
		t.Fatalf("cursor after missed resume_from = %d, want 3 (forced end)", got)
	}
}

func TestSessionSelection(t *testing.T) {
	mm := seedMemMap()
	stream := seedStream()
	stream.Harts[1] = []tracelog.Entry{{PC: 0x2000, Symbol: "g"}}

	s, err := NewSession(mm, stream, 4)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	if got := s.SelectedHartID(); got != 0 {
		t.Fatalf("initial selected hart = %d, want 0", got)
	}
	if err := s.SetSelectedHart(1); err != nil {
		t.Fatalf("SetSelectedHart: %v", err)
	}
	if got := s.SelectedHartID(); got != 1 {
		t.Fatalf("selected hart = %d, want 1", got)
	}
	if err := s.SetSelectedHart(99); err == nil {
		t.Fatal("expected error selecting nonexistent hart")
	}

	s.SetSelectedThreadForCmd(-1)
	if got := s.SelectedThreadForCmd(); got != -1 {
		t.Fatalf("selected thread = %d, want -1", got)
	}

	if s.NoAck() {
		t.Fatal("expected NoAck to default false")
	}
	s.SetNoAck(true)
	if !s.NoAck() {
		t.Fatal("expected NoAck to be true after SetNoAck(true)")
	}
}

func TestSessionResetAll(t *testing.T) {
	mm := seedMemMap()
	s, err := NewSession(mm, seedStream(), 4)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}

	h, err := s.Hart(0)
	if err != nil {
		t.Fatalf("Hart(0): %v", err)
	}
	_ = h.Step(false)
	_ = h.Step(false)

	s.ResetAll()
	if got := h.Cursor(); got != 0 {
		t.Fatalf("cursor after ResetAll = %d, want 0", got)
	}
}

func TestSessionRejectsBadXLen(t *testing.T) {
	mm := seedMemMap()
	if _, err := NewSession(mm, seedStream(), 3); err == nil {
		t.Fatal("expected error for invalid xlen")
	}
}
