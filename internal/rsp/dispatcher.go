package rsp

import (
	"encoding/hex"
	"fmt"
	"log"
	"strconv"
	"strings"

	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/replay"
)

// pcRegIndexHex is the fixed index of the PC inside the 33-slot register
// vector (see internal/replay); 0x20 in the wire's two-hex-digit encoding.
const pcRegIndexHex = "20"

// Result is what a dispatched command produces: either a framed reply or,
// for 'k', no reply at all plus an instruction to close the connection.
type Result struct {
	Reply    string
	HasReply bool
	Close    bool
}

func reply(s string) Result      { return Result{Reply: s, HasReply: true} }
func replyEmpty() Result         { return Result{Reply: "", HasReply: true} }
func replyClose() Result         { return Result{HasReply: false, Close: true} }

// Dispatcher maps decoded command payloads onto a replay.Session, grounded
// on the teacher's letter-keyed command table generalized into a static
// prefix lookup (no reflection, per the design notes).
type Dispatcher struct {
	Session       *replay.Session
	Logger        *log.Logger
	MaxPacketSize int
}

// NewDispatcher returns a Dispatcher wired to session.
func NewDispatcher(session *replay.Session, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		Session:       session,
		Logger:        logger,
		MaxPacketSize: DefaultMaxPacketSize,
	}
}

// Handle decodes one frame payload and returns its reply. Every path is
// total: an unrecognized command, a malformed argument, or an internal
// replay error never panics or returns an error — it yields an empty or
// E-coded reply, per the error handling design.
func (d *Dispatcher) Handle(payload string) Result {
	switch {
	case payload == "?":
		return reply("S00")
	case payload == "bs":
		return d.handleStep(true)
	case payload == "bc":
		return d.handleContinue(true, "")
	case payload == "":
		return replyEmpty()
	}

	switch payload[0] {
	case 'g':
		if payload == "g" {
			return d.handleReadRegisters()
		}
		return replyEmpty()
	case 'm':
		return d.handleReadMemory(payload[1:])
	case 's':
		if payload == "s" {
			return d.handleStep(false)
		}
		return reply("E01")
	case 'c':
		return d.handleContinue(false, payload[1:])
	case 'k':
		d.Session.ResetAll()
		return replyClose()
	case 'H':
		return d.handleSelectThread(payload[1:])
	case 'Z':
		return d.handleBreak(payload[1:], true)
	case 'z':
		return d.handleBreak(payload[1:], false)
	case 'q':
		return d.handleQuery(payload[1:])
	case 'Q':
		return d.handleBigQuery(payload[1:])
	default:
		return replyEmpty()
	}
}

func (d *Dispatcher) hart() *replay.Hart {
	return d.Session.SelectedHart()
}

func (d *Dispatcher) handleReadRegisters() Result {
	h := d.hart()
	regs := h.Registers(d.Session.MemMap(), d.Logger)
	xlen := d.Session.XLenBytes()

	var b strings.Builder
	for _, r := range regs {
		if r.Set {
			b.WriteString(encodeLEHex(r.Value, xlen))
		} else {
			b.WriteString(strings.Repeat("xx", xlen))
		}
	}
	return reply(b.String())
}

func (d *Dispatcher) handleReadMemory(args string) Result {
	addrStr, lenStr, ok := strings.Cut(args, ",")
	if !ok {
		return reply("E01")
	}
	addr, err1 := strconv.ParseUint(addrStr, 16, 64)
	length, err2 := strconv.ParseUint(lenStr, 16, 64)
	if err1 != nil || err2 != nil {
		return reply("E01")
	}

	b, err := d.Session.MemMap().Read(addr, length)
	if err != nil {
		return reply("E01")
	}
	return reply(hex.EncodeToString(b))
}

func (d *Dispatcher) handleStep(back bool) Result {
	h := d.hart()
	// Hitting a stream boundary is not an error here: the synthetic
	// boundary PC is reported exactly as a normal step would be.
	_ = h.Step(back)
	pc := h.CurrentPC(d.Session.MemMap(), d.Logger)
	return reply(fmt.Sprintf("T05%s:%s;", pcRegIndexHex, encodeLEHex(pc, d.Session.XLenBytes())))
}

func (d *Dispatcher) handleContinue(back bool, addrArg string) Result {
	h := d.hart()

	var resumeFrom *uint64
	if addrArg != "" {
		if v, err := strconv.ParseUint(addrArg, 16, 64); err == nil {
			resumeFrom = &v
		}
		// A malformed resume address is ignored rather than rejected;
		// the continue proceeds from the current cursor.
	}

	hit := h.Continue(d.Session.MemMap(), d.Logger, back, resumeFrom)
	if hit {
		pc := h.CurrentPC(d.Session.MemMap(), d.Logger)
		return reply(fmt.Sprintf("T05%s:%s;hwbreak:;", pcRegIndexHex, encodeLEHex(pc, d.Session.XLenBytes())))
	}
	if back {
		return reply("S00")
	}
	return reply("S03")
}

func (d *Dispatcher) handleSelectThread(args string) Result {
	if len(args) < 1 {
		return reply("E02")
	}
	op := args[0]
	switch op {
	case 'c', 'g', 'G', 'm', 'M':
	default:
		return reply("E03")
	}

	tid, err := strconv.ParseInt(args[1:], 16, 64)
	if err != nil {
		return reply("E02")
	}

	if tid <= 0 {
		d.Session.SetSelectedThreadForCmd(tid)
		_ = d.Session.SetSelectedHart(d.Session.SmallestHartID())
		return reply("OK")
	}

	if err := d.Session.SetSelectedHart(int(tid)); err != nil {
		return reply("E02")
	}
	d.Session.SetSelectedThreadForCmd(tid)
	return reply("OK")
}

func (d *Dispatcher) handleBreak(args string, insert bool) Result {
	parts := strings.Split(args, ",")
	if len(parts) < 3 {
		return replyEmpty()
	}
	kind, addrStr, rest := parts[0], parts[1], parts[2]
	if kind != "1" {
		return replyEmpty() // only hardware breakpoints are supported
	}
	if strings.Contains(rest, ";") {
		return replyEmpty() // conditional breakpoints are unsupported
	}

	addr, err1 := strconv.ParseUint(addrStr, 16, 64)
	length, err2 := strconv.ParseUint(rest, 16, 64)
	if err1 != nil || err2 != nil {
		return replyEmpty()
	}

	h := d.hart()
	var err error
	if insert {
		err = h.AddBreak(addr, length)
	} else {
		err = h.RemoveBreak(addr, length)
	}
	if err != nil {
		return reply("E02")
	}
	return reply("OK")
}

func (d *Dispatcher) handleQuery(args string) Result {
	name, arg, hasArg := strings.Cut(args, ":")

	switch strings.ToLower(name) {
	case "c":
		return reply(fmt.Sprintf("QC%x", d.Session.SelectedHartID()))
	case "supported":
		return d.handleQSupported(arg)
	case "symbol":
		return reply("OK")
	case "tstatus":
		return reply("T0;tnotrun:0")
	case "fthreadinfo":
		ids := d.Session.HartIDs()
		parts := make([]string, len(ids))
		for i, id := range ids {
			parts[i] = fmt.Sprintf("%x", id)
		}
		return reply("m" + strings.Join(parts, ";"))
	case "sthreadinfo":
		return reply("l")
	case "attached":
		return reply("0")
	default:
		_ = hasArg
		return replyEmpty()
	}
}

func (d *Dispatcher) handleQSupported(arg string) Result {
	out := fmt.Sprintf("PacketSize=%x;ReverseStep+;ReverseContinue+", d.MaxPacketSize)
	for _, c := range strings.Split(arg, ";") {
		if c == "hwbreak+" {
			out += ";hwbreak+"
		}
	}
	return reply(out)
}

// handleBigQuery handles the 'Q' (set, as opposed to 'q' query) namespace.
// QStartNoAckMode is the one RSP client debuggers commonly send to
// negotiate ack mode off; it is not itself listed among the spec's q
// queries but the no_ack session field exists to back exactly this.
func (d *Dispatcher) handleBigQuery(args string) Result {
	name, _, _ := strings.Cut(args, ":")
	if strings.EqualFold(name, "StartNoAckMode") {
		d.Session.SetNoAck(true)
		return reply("OK")
	}
	return replyEmpty()
}

func encodeLEHex(value uint64, width int) string {
	b := make([]byte, width)
	for i := 0; i < width; i++ {
		b[i] = byte(value >> (8 * i))
	}
	return hex.EncodeToString(b)
}
