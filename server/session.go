package server

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"microftpd/internal/netio"
)

// maxCommandLength is the longest accepted command line. Anything larger is
// discarded and answered with a 500.
const maxCommandLength = 512

// replyTimeout bounds control-connection writes so a wedged client cannot
// stall the engine.
const replyTimeout = 5 * time.Second

// session is the context of the one active control connection. It is
// created on accept and destroyed on disconnect, QUIT or Stop. The engine
// serves a single session at a time; a second connection attempt is refused.
type session struct {
	srv  *Server
	conn net.Conn

	raw     []byte // unparsed bytes read from the control socket
	scratch [256]byte

	loggedIn   bool
	user       string
	cwd        string // current virtual directory
	renameFrom string // resolved source path pending RNTO
	ttype      byte   // 'I' or 'A'; binary unless TYPE A was issued

	data dataChannel
	xfer *transferContext

	quitting bool
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{srv: srv, conn: conn, cwd: "/", ttype: 'I'}
}

// readLine polls the control socket once and returns at most one complete
// command line, CRLF stripped. The second result is false when no full line
// is available yet. The returned error indicates the control connection is
// gone.
func (s *session) readLine() (string, bool, error) {
	if line, ok := s.takeLine(); ok {
		return line, true, nil
	}

	n, err := netio.PollRead(s.conn, s.scratch[:], s.srv.pollInterval)
	if n > 0 {
		s.raw = append(s.raw, s.scratch[:n]...)
	}
	if line, ok := s.takeLine(); ok {
		return line, true, nil
	}
	if err != nil {
		return "", false, err
	}
	if len(s.raw) > maxCommandLength {
		s.raw = s.raw[:0]
		s.reply(500, "Command line too long.")
	}
	return "", false, nil
}

// takeLine extracts the first complete line from the raw buffer.
func (s *session) takeLine() (string, bool) {
	idx := bytes.IndexByte(s.raw, '\n')
	if idx < 0 {
		return "", false
	}
	line := stripTelnet(s.raw[:idx])
	line = bytes.TrimRight(line, "\r")
	rest := len(s.raw) - idx - 1
	copy(s.raw, s.raw[idx+1:])
	s.raw = s.raw[:rest]
	return string(line), true
}

// reply sends one status line on the control connection.
func (s *session) reply(code int, message string) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	fmt.Fprintf(s.conn, "%d %s\r\n", code, message)
}

// replyError maps a filesystem or resolution error to the matching FTP
// status code.
func (s *session) replyError(err error) {
	switch {
	case errors.Is(err, errOutsideRoot), errors.Is(err, errIsMount),
		errors.Is(err, errCrossMount), errors.Is(err, os.ErrPermission):
		s.reply(550, "Permission denied.")
	case errors.Is(err, os.ErrNotExist):
		s.reply(550, "File not found.")
	case errors.Is(err, os.ErrExist):
		s.reply(550, "File already exists.")
	default:
		s.reply(550, "Action failed.")
	}
}

// close releases everything the session owns. Unconditional on all exit
// paths: QUIT, control-socket error, Stop.
func (s *session) close() {
	if s.xfer != nil {
		s.xfer.close()
		s.xfer = nil
	}
	s.data.closeAll()
	netio.CloseQuietly(s.conn)
}

// Telnet IAC filtering for the control stream. Clients commonly precede
// ABOR with IAC IP and IAC DM bytes.
const (
	telnetIAC  = 0xFF
	telnetWILL = 0xFB
	telnetWONT = 0xFC
	telnetDO   = 0xFD
	telnetDONT = 0xFE
)

// stripTelnet removes telnet command sequences from a complete command
// line. An escaped 0xFF (IAC IAC) is kept as a literal byte.
func stripTelnet(line []byte) []byte {
	if bytes.IndexByte(line, telnetIAC) < 0 {
		return line
	}
	out := make([]byte, 0, len(line))
	for i := 0; i < len(line); i++ {
		b := line[i]
		if b != telnetIAC {
			out = append(out, b)
			continue
		}
		if i+1 >= len(line) {
			break
		}
		i++
		next := line[i]
		switch next {
		case telnetIAC:
			out = append(out, telnetIAC)
		case telnetWILL, telnetWONT, telnetDO, telnetDONT:
			i++ // three-byte sequence, skip the option byte too
		default:
			// two-byte command, already consumed
		}
	}
	return out
}
