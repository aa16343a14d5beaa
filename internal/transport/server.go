package transport

import (
	"errors"
	"fmt"
	"net"

	"github.com/sirupsen/logrus"
)

// Handler answers one request frame on an already-accepted connection. It
// returns the frame to send back; handlers that don't need a reply return
// a zero Frame (Opcode 0), and nothing is sent.
type Handler func(conn *Conn, req Frame) (Frame, error)

// Server accepts reliable-channel connections and dispatches each inbound
// frame to the handler registered for its opcode, mirroring the teacher's
// one-goroutine-per-accepted-connection loop generalized from HTTP's
// net/http server to a hand-rolled frame protocol.
type Server struct {
	ln       net.Listener
	handlers map[Opcode]Handler
	log      *logrus.Entry
}

// Listen opens a TCP listener on addr for the reliable channel.
func Listen(addr string, log *logrus.Entry) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	return &Server{ln: ln, handlers: make(map[Opcode]Handler), log: log}, nil
}

// Addr returns the listener's bound address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Handle registers the handler invoked for frames with the given opcode.
func (s *Server) Handle(op Opcode, h Handler) {
	s.handlers[op] = h
}

// Serve accepts connections until the listener is closed. Each connection
// is served by its own goroutine and kept open across multiple requests,
// since peers reuse connections where possible (§4.1).
func (s *Server) Serve() error {
	for {
		c, err := s.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		go s.serveConn(&Conn{Conn: c})
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	return s.ln.Close()
}

func (s *Server) serveConn(conn *Conn) {
	defer conn.Close()
	peer := conn.RemoteAddr().String()
	for {
		req, err := conn.Receive()
		if err != nil {
			if s.log != nil {
				s.log.WithField("peer", peer).Debug("connection closed")
			}
			return
		}
		h, ok := s.handlers[req.Opcode]
		if !ok {
			if s.log != nil {
				s.log.WithFields(logrus.Fields{"peer": peer, "opcode": req.Opcode}).Warn("protocol_error: unexpected opcode")
			}
			return
		}
		resp, err := h(conn, req)
		if err != nil {
			if s.log != nil {
				s.log.WithError(err).WithFields(logrus.Fields{"peer": peer, "opcode": req.Opcode}).Warn("handler failed")
			}
			return
		}
		if resp.Opcode == 0 {
			continue
		}
		resp.CorrelationID = req.CorrelationID
		if err := conn.Send(resp); err != nil {
			if s.log != nil {
				s.log.WithError(err).WithField("peer", peer).Warn("failed to write reply")
			}
			return
		}
	}
}
