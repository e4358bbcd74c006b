// Package replay implements the indexed, bidirectional replay engine: a
// per-hart cursor over a previously captured trace, hardware breakpoint
// matching, and instruction-length inference used both by the synthetic
// "after end" PC and by continue's mapped-memory validation pass.
package replay

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/memmap"
	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/tracelog"
)

var (
	// ErrEndOfStream is returned by Step(false) when the cursor is already
	// at the virtual end-of-trace position.
	ErrEndOfStream = errors.New("replay: end of stream")
	// ErrStartOfStream is returned by Step(true) when the cursor is at 0.
	ErrStartOfStream = errors.New("replay: start of stream")
	// ErrDuplicateBreak is returned when adding a range identical to one
	// already present.
	ErrDuplicateBreak = errors.New("replay: duplicate breakpoint range")
	// ErrMissingBreak is returned when removing a range that isn't set.
	ErrMissingBreak = errors.New("replay: no such breakpoint range")
	// ErrNoSuchHart is returned when a hart id has no replay state.
	ErrNoSuchHart = errors.New("replay: no such hart")
)

// BreakRange is a half-open hardware breakpoint range [Addr, Addr+Len).
type BreakRange struct {
	Addr uint64
	Len  uint64
}

func (r BreakRange) contains(pc uint64) bool {
	return pc >= r.Addr && pc < r.Addr+r.Len
}

// Register is one slot of the fixed-length register view: either unset
// (encoded on the wire as "xx" bytes) or a concrete value.
type Register struct {
	Set   bool
	Value uint64
}

// registerCount matches the spec's fixed 33-word vector: 32 general-purpose
// slots (always unset; this engine does not track them) plus the PC.
const registerCount = 33
const pcRegisterIndex = 32

// Hart is one hardware thread's replay state: its immutable trace sequence,
// current cursor position, and the hardware breakpoints active against it.
type Hart struct {
	id  int
	seq []tracelog.Entry

	mu      sync.Mutex
	cursor  int
	breaks  []BreakRange // insertion order; Continue checks them first to last
}

func newHart(id int, seq []tracelog.Entry) *Hart {
	return &Hart{id: id, seq: seq}
}

// ID returns the hart identifier.
func (h *Hart) ID() int { return h.id }

// Len returns the number of entries in the hart's trace.
func (h *Hart) Len() int { return len(h.seq) }

// Cursor returns the current cursor position (0 <= cursor <= Len()).
func (h *Hart) Cursor() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cursor
}

// Step advances (back=false) or retreats (back=true) the cursor by one
// position.
func (h *Hart) Step(back bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stepLocked(back)
}

func (h *Hart) stepLocked(back bool) error {
	if back {
		if h.cursor == 0 {
			return ErrStartOfStream
		}
		h.cursor--
		return nil
	}
	if h.cursor >= len(h.seq) {
		return ErrEndOfStream
	}
	h.cursor++
	return nil
}

// CurrentPC returns the PC at the cursor, or the synthetic "after end" PC
// (the last entry's PC plus its inferred instruction length) once the
// cursor has walked off the trace.
func (h *Hart) CurrentPC(mm *memmap.Map, logger *log.Logger) uint64 {
	h.mu.Lock()
	cursor := h.cursor
	seq := h.seq
	h.mu.Unlock()

	if cursor < len(seq) {
		return seq[cursor].PC
	}
	if len(seq) == 0 {
		return 0
	}
	last := seq[len(seq)-1]
	return last.PC + uint64(InstrLen(mm, last.PC, logger))
}

// InstrLen probes the memory map at pc for the instruction-length encoding
// bit: a compressed (2-byte) instruction has its low two bits clear,
// anything else is assumed to be a 4-byte instruction. An unmapped address
// defaults to 4 and is logged, never raised as an error — this probe must
// never abort a replay session.
func InstrLen(mm *memmap.Map, pc uint64, logger *log.Logger) int {
	b, err := mm.Read(pc, 4)
	if err != nil || len(b) == 0 {
		if logger != nil {
			logger.Printf("instr_len: address 0x%x not mapped, defaulting to 4", pc)
		}
		return 4
	}
	if b[0]&0x3 == 0 {
		return 2
	}
	return 4
}

// AddBreak inserts a hardware breakpoint range. Adding a range identical to
// one already present fails with ErrDuplicateBreak.
func (h *Hart) AddBreak(addr, length uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, r := range h.breaks {
		if r.Addr == addr && r.Len == length {
			return ErrDuplicateBreak
		}
	}
	h.breaks = append(h.breaks, BreakRange{Addr: addr, Len: length})
	return nil
}

// RemoveBreak removes a hardware breakpoint range. Removing one that isn't
// present fails with ErrMissingBreak.
func (h *Hart) RemoveBreak(addr, length uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, r := range h.breaks {
		if r.Addr == addr && r.Len == length {
			h.breaks = append(h.breaks[:i], h.breaks[i+1:]...)
			return nil
		}
	}
	return ErrMissingBreak
}

// Reset sets the cursor back to 0. Breakpoints are left untouched.
func (h *Hart) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cursor = 0
}

// resumeTo repositions the cursor to the nearest index in the travel
// direction whose PC equals target. If none is found the cursor is forced
// to the end-of-stream position (a soft failure, not an error) and false
// is returned.
func (h *Hart) resumeTo(target uint64, back bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	start := h.cursor
	if start > len(h.seq) {
		start = len(h.seq)
	}

	if back {
		from := start
		if from >= len(h.seq) {
			from = len(h.seq) - 1
		}
		for i := from; i >= 0; i-- {
			if h.seq[i].PC == target {
				h.cursor = i
				return true
			}
		}
	} else {
		for i := start; i < len(h.seq); i++ {
			if h.seq[i].PC == target {
				h.cursor = i
				return true
			}
		}
	}

	h.cursor = len(h.seq)
	return false
}

// Continue repeatedly steps the cursor in the given direction until it
// either hits an active breakpoint range (returns true) or exhausts the
// trace (returns false). If resumeFrom is non-nil the cursor is first
// repositioned to the nearest matching PC in the travel direction; a miss
// forces an immediate end-of-stream (handled inside resumeTo) rather than
// an error.
//
// Duplicate consecutive PCs (legitimate at trace boundaries) are stepped
// past without a breakpoint check, matching a single logical position
// hitting a breakpoint only once.
func (h *Hart) Continue(mm *memmap.Map, logger *log.Logger, back bool, resumeFrom *uint64) bool {
	if resumeFrom != nil {
		h.resumeTo(*resumeFrom, back)
	}

	var lastPC uint64
	havePC := false

	for {
		if err := h.Step(back); err != nil {
			return false
		}

		pc := h.CurrentPC(mm, logger)
		if havePC && pc == lastPC {
			continue
		}
		lastPC = pc
		havePC = true

		// Validates mapped memory along the way; result unused here.
		InstrLen(mm, pc, logger)

		h.mu.Lock()
		breaks := h.breaks
		h.mu.Unlock()
		for _, r := range breaks {
			if r.contains(pc) {
				return true
			}
		}
	}
}

// Registers returns the fixed 33-slot register view: every slot unset
// except the final PC slot.
func (h *Hart) Registers(mm *memmap.Map, logger *log.Logger) [registerCount]Register {
	var regs [registerCount]Register
	regs[pcRegisterIndex] = Register{Set: true, Value: h.CurrentPC(mm, logger)}
	return regs
}

// Session is the full replay state for a connected debugger: every hart's
// state plus the thread-selection bookkeeping the wire protocol's H and q
// commands manipulate.
type Session struct {
	mm     *memmap.Map
	Logger *log.Logger

	mu                   sync.Mutex
	harts                map[int]*Hart
	hartIDs              []int // sorted ascending, fixed at load
	selectedHart         int
	selectedThreadForCmd int64 // <=0 means "any"
	xlenBytes            int
	noAck                bool
}

// NewSession builds replay state for every hart present in stream, wiring
// mm as the memory map instr_len and memory reads consult. xlenBytes should
// be 4 or 8; it comes from the loaded object file, defaulting to 4.
func NewSession(mm *memmap.Map, stream *tracelog.Stream, xlenBytes int) (*Session, error) {
	if xlenBytes != 4 && xlenBytes != 8 {
		return nil, fmt.Errorf("replay: invalid address width %d bytes", xlenBytes)
	}

	ids := stream.HartIDs()
	if len(ids) == 0 {
		return nil, errors.New("replay: trace stream has no harts")
	}

	harts := make(map[int]*Hart, len(ids))
	for _, id := range ids {
		harts[id] = newHart(id, stream.Harts[id])
	}

	return &Session{
		mm:           mm,
		harts:        harts,
		hartIDs:      ids,
		selectedHart: ids[0],
		xlenBytes:    xlenBytes,
	}, nil
}

// MemMap returns the session's memory map.
func (s *Session) MemMap() *memmap.Map { return s.mm }

// XLenBytes returns the address width in bytes (4 or 8).
func (s *Session) XLenBytes() int { return s.xlenBytes }

// HartIDs returns every hart id, sorted ascending.
func (s *Session) HartIDs() []int {
	ids := make([]int, len(s.hartIDs))
	copy(ids, s.hartIDs)
	return ids
}

// Hart returns the hart with the given id.
func (s *Session) Hart(id int) (*Hart, error) {
	h, ok := s.harts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoSuchHart, id)
	}
	return h, nil
}

// SmallestHartID returns the lowest hart id in the session.
func (s *Session) SmallestHartID() int {
	return s.hartIDs[0]
}

// SelectedHart returns the currently selected hart for operations that
// target "the" hart rather than one named explicitly.
func (s *Session) SelectedHart() *Hart {
	s.mu.Lock()
	id := s.selectedHart
	s.mu.Unlock()
	h, _ := s.Hart(id)
	return h
}

// SelectedHartID returns the id of the currently selected hart.
func (s *Session) SelectedHartID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedHart
}

// SetSelectedHart changes the selected hart. Fails if id names no hart.
func (s *Session) SetSelectedHart(id int) error {
	if _, err := s.Hart(id); err != nil {
		return err
	}
	s.mu.Lock()
	s.selectedHart = id
	s.mu.Unlock()
	return nil
}

// SelectedThreadForCmd returns the last thread selector the debugger sent
// via H; values <= 0 mean "any".
func (s *Session) SelectedThreadForCmd() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selectedThreadForCmd
}

// SetSelectedThreadForCmd records the selector from an H command.
func (s *Session) SetSelectedThreadForCmd(tid int64) {
	s.mu.Lock()
	s.selectedThreadForCmd = tid
	s.mu.Unlock()
}

// NoAck reports whether the client has negotiated out of ack mode.
func (s *Session) NoAck() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.noAck
}

// SetNoAck records whether ack mode is off. The wire protocol only ever
// turns it off (QStartNoAckMode); nothing turns it back on.
func (s *Session) SetNoAck(v bool) {
	s.mu.Lock()
	s.noAck = v
	s.mu.Unlock()
}

// ResetAll resets every hart's cursor to 0, as the debugger's kill command
// requires. Breakpoints are untouched.
func (s *Session) ResetAll() {
	for _, id := range s.hartIDs {
		s.harts[id].Reset()
	}
}
