// Package rsp implements the wire protocol a remote debugger speaks against
// this server: the "$payload#checksum" frame format (Framer) and the
// command-letter dispatch table that turns decoded payloads into replay
// operations (Dispatcher).
package rsp

import (
	"encoding/hex"
	"fmt"
)

// Status reports what Framer.Next found in the accumulated buffer.
type Status int

const (
	// StatusNone means no complete frame is available yet; more bytes are
	// needed.
	StatusNone Status = iota
	// StatusOK means a well-formed, checksum-valid frame was extracted.
	StatusOK
	// StatusBadChecksum means a complete frame was found but its checksum
	// didn't match; the caller must emit a '-' ack. The frame (including
	// its closing checksum) has already been discarded from the buffer.
	StatusBadChecksum
)

// DefaultMaxPacketSize is the PacketSize this server advertises via
// qSupported; packets larger than this need not be handled correctly.
const DefaultMaxPacketSize = 4096

// Framer reassembles the byte stream from a debugger connection into
// discrete "$payload#cc" frames. It holds no connection state of its own —
// callers feed it bytes as they arrive and drain complete frames with Next.
type Framer struct {
	buf []byte
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Push appends newly received bytes to the internal buffer.
func (f *Framer) Push(data []byte) {
	f.buf = append(f.buf, data...)
}

// Next extracts the next complete frame from the buffer, if any. Bytes
// preceding the first '$' are discarded (they are not part of any frame).
// On StatusOK, payload holds the frame's payload bytes. On
// StatusBadChecksum, payload is nil; the bad frame has already been
// dropped so the next call starts clean. On StatusNone, the buffer is left
// untouched (other than discarding leading garbage) for more data to
// arrive.
func (f *Framer) Next() (payload []byte, status Status) {
	start := -1
	for i, b := range f.buf {
		if b == '$' {
			start = i
			break
		}
	}
	if start == -1 {
		// Nothing recognizable at all; the whole buffer is noise.
		f.buf = f.buf[:0]
		return nil, StatusNone
	}
	if start > 0 {
		f.buf = f.buf[start:]
	}

	hashIdx := -1
	for i := 1; i < len(f.buf); i++ {
		if f.buf[i] == '#' {
			hashIdx = i
			break
		}
	}
	if hashIdx == -1 {
		return nil, StatusNone
	}
	if len(f.buf) < hashIdx+3 {
		return nil, StatusNone
	}

	framePayload := f.buf[1:hashIdx]
	checksumBytes := f.buf[hashIdx+1 : hashIdx+3]
	frameLen := hashIdx + 3

	want, err := hex.DecodeString(string(checksumBytes))
	got := checksum(framePayload)
	badChecksum := err != nil || len(want) != 1 || want[0] != got

	out := make([]byte, len(framePayload))
	copy(out, framePayload)
	f.buf = f.buf[frameLen:]

	if badChecksum {
		return nil, StatusBadChecksum
	}
	return out, StatusOK
}

// checksum computes sum(payload) mod 256.
func checksum(payload []byte) byte {
	var sum byte
	for _, b := range payload {
		sum += b
	}
	return sum
}

// Encode wraps payload in the "$payload#cc" frame format.
func Encode(payload string) []byte {
	return []byte(fmt.Sprintf("$%s#%02x", payload, checksum([]byte(payload))))
}
