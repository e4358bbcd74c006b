// Package server runs the single-client TCP accept loop that feeds bytes
// from a connected debugger through internal/rsp, grounded on the
// teacher's api/server.go Server shape (holds its listener/config, exposes
// Start/Shutdown(ctx)) but narrowed from net/http.Server to a raw
// net.Listener since the wire format here is a custom frame, not HTTP.
package server

import (
	"errors"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/lookbusy1344/riscv-replay-gdbstub/internal/rsp"
)

// pollTimeout bounds each blocking read. A timeout is not an error: serve
// simply polls again. It does not check for Shutdown, so a connection
// being served keeps running until the client disconnects or sends 'k'.
const pollTimeout = 100 * time.Millisecond

// readBufferSize is generously larger than the advertised PacketSize so a
// single read rarely needs more than one pass through the framer.
const readBufferSize = 8192

// Server accepts one debugger connection at a time and serves it with
// internal/rsp's framer and dispatcher.
type Server struct {
	Addr       string
	Dispatcher *rsp.Dispatcher
	Logger     *log.Logger

	listener net.Listener
}

// New returns a Server bound to addr (not yet listening).
func New(addr string, dispatcher *rsp.Dispatcher, logger *log.Logger) *Server {
	return &Server{Addr: addr, Dispatcher: dispatcher, Logger: logger}
}

// ListenAndServe binds the listening socket (unless one is already
// assigned to the server) and serves connections, one at a time, until
// Shutdown closes the listener.
func (s *Server) ListenAndServe() error {
	l := s.listener
	if l == nil {
		var err error
		l, err = net.Listen("tcp", s.Addr)
		if err != nil {
			return fmt.Errorf("server: listen %s: %w", s.Addr, err)
		}
		s.listener = l
	}

	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.serve(conn)
	}
}

// Shutdown closes the listening socket, causing ListenAndServe's Accept
// loop to return cleanly. It does not interrupt a connection already being
// served; that connection runs to completion (disconnect or 'k').
func (s *Server) Shutdown() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
	}
}

// serve runs the framer+dispatcher loop for one connection until the
// client disconnects, the transport errors, or 'k' closes it.
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	s.logf("server: client connected from %s", conn.RemoteAddr())

	framer := rsp.NewFramer()
	buf := make([]byte, readBufferSize)

	for {
		if err := conn.SetReadDeadline(time.Now().Add(pollTimeout)); err != nil {
			s.logf("server: set read deadline: %v", err)
			return
		}

		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.logf("server: connection closed: %v", err)
			return
		}
		framer.Push(buf[:n])

		for {
			payload, status := framer.Next()
			switch status {
			case rsp.StatusNone:
			case rsp.StatusBadChecksum:
				if !s.Dispatcher.Session.NoAck() {
					if _, err := conn.Write([]byte{'-'}); err != nil {
						s.logf("server: write ack: %v", err)
						return
					}
				}
				continue
			case rsp.StatusOK:
				if !s.Dispatcher.Session.NoAck() {
					if _, err := conn.Write([]byte{'+'}); err != nil {
						s.logf("server: write ack: %v", err)
						return
					}
				}

				result := s.Dispatcher.Handle(string(payload))
				if result.HasReply {
					if _, err := conn.Write(rsp.Encode(result.Reply)); err != nil {
						s.logf("server: write reply: %v", err)
						return
					}
				}
				if result.Close {
					s.logf("server: client sent kill, closing connection")
					return
				}
				continue
			}
			break
		}
	}
}
