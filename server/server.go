package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"microftpd/internal/netio"
)

// Server is a single-session FTP engine driven by a cooperative tick loop.
//
// The owning task calls Step repeatedly at a coarse cadence; each call
// performs at most one bounded unit of work (accept one control connection,
// read and dispatch one command line, or advance one transfer chunk) and
// never sleeps. Every socket operation is a short bounded poll, so a Step
// completes within a few poll intervals plus one chunk of I/O.
//
// Exactly one client is served at a time. State is observable from other
// goroutines through State; everything else is owned by the ticking task.
//
// Lifecycle:
//  1. Create with NewServer()
//  2. Start() opens the mounts and the control listener
//  3. Call Step() from one goroutine until Stop()
//  4. Stop() closes every socket and file handle; Start() may follow
type Server struct {
	controlAddr string
	passivePort int
	creds       credentials
	credsSet    bool
	mounts      []Mount
	welcome     string

	logger  *slog.Logger
	logSink func(string)

	chunkSize      int
	pollInterval   time.Duration
	writeWait      time.Duration
	acceptTimeout  time.Duration
	maxUploadBytes int64

	fs         *vfs
	ln         *net.TCPListener
	sess       *session
	refuseTurn bool

	enabled bool
	state   atomic.Int32
}

// NewServer creates an engine with the given options. Credentials and
// exactly two mounts are required.
func NewServer(options ...Option) (*Server, error) {
	s := &Server{
		controlAddr:   ":21",
		passivePort:   55555,
		welcome:       "220 FTP Server Ready",
		logger:        slog.Default(),
		chunkSize:     4096,
		pollInterval:  2 * time.Millisecond,
		writeWait:     25 * time.Millisecond,
		acceptTimeout: 5 * time.Second,
	}
	for _, opt := range options {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if !s.credsSet {
		return nil, errors.New("credentials are required (use WithCredentials)")
	}
	if len(s.mounts) != 2 {
		return nil, errors.New("exactly two mounts are required (use WithMounts)")
	}
	if s.mounts[0].Name == s.mounts[1].Name {
		return nil, errors.New("mount names must differ")
	}
	for _, m := range s.mounts {
		if m.Name == "" || strings.Contains(m.Name, "/") {
			return nil, fmt.Errorf("invalid mount name %q", m.Name)
		}
	}
	return s, nil
}

// Start opens the virtual filesystem and the control listener and moves the
// engine to Ready. Idempotent; calling Start on a running server is a no-op.
func (s *Server) Start() error {
	if s.enabled {
		return nil
	}

	fs, err := openVFS(s.mounts)
	if err != nil {
		return fmt.Errorf("open mounts: %w", err)
	}

	ln, err := net.Listen("tcp", s.controlAddr)
	if err != nil {
		fs.close()
		return fmt.Errorf("listen on %s: %w", s.controlAddr, err)
	}
	tln, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		fs.close()
		return errors.New("control listener is not TCP")
	}

	s.fs = fs
	s.ln = tln
	s.enabled = true
	s.setState(StateReady)
	s.logger.Info("ftp server started", "addr", ln.Addr().String())
	s.sink("FTP server started")
	return nil
}

// Stop forcibly closes any open sockets and file handles and moves the
// engine to Disabled. Idempotent, and Start may be called again immediately
// afterwards without leaking descriptors.
func (s *Server) Stop() {
	if !s.enabled {
		return
	}
	if s.sess != nil {
		s.sess.close()
		s.sess = nil
	}
	if s.ln != nil {
		_ = s.ln.Close()
		s.ln = nil
	}
	if s.fs != nil {
		s.fs.close()
		s.fs = nil
	}
	s.enabled = false
	s.setState(StateDisabled)
	s.logger.Info("ftp server stopped")
	s.sink("FTP server stopped")
}

// IsEnabled reports whether the server is between Start and Stop.
func (s *Server) IsEnabled() bool {
	return s.enabled
}

// State returns the current engine state. Safe to call from a polling
// goroutine while another goroutine ticks the engine.
func (s *Server) State() State {
	return State(s.state.Load())
}

// Addr returns the control listener's address, or "" when stopped. Useful
// when the configured address requested an ephemeral port.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) setState(st State) {
	s.state.Store(int32(st))
}

// sink forwards a formatted milestone line to the registered log sink.
// Fire and forget: the engine does not consult any result.
func (s *Server) sink(format string, args ...any) {
	if s.logSink != nil {
		s.logSink(fmt.Sprintf(format, args...))
	}
}

// Step performs one iteration of the engine. It must be called from a
// single goroutine, typically the owner's scheduling loop.
func (s *Server) Step() {
	switch s.State() {
	case StateDisabled:
	case StateReady:
		s.stepAccept()
	case StateConnected:
		s.stepCommand()
	case StateFileTx, StateFileRx:
		s.stepTransfer()
	case StateEndTransfer:
		s.stepEndTransfer()
	}
}

// stepAccept polls the control listener for a new client.
func (s *Server) stepAccept() {
	conn, err := netio.PollAccept(s.ln, s.pollInterval)
	if err != nil {
		// Resource exhaustion or a closed listener: no reply is
		// possible, the attempt is dropped and the server stays Ready.
		s.logger.Error("control accept failed", "error", err)
		return
	}
	if conn == nil {
		return
	}

	s.sess = newSession(s, conn)
	s.sess.reply(220, strings.TrimPrefix(s.welcome, "220 "))
	s.setState(StateConnected)
	s.logger.Info("session_started", "remote", conn.RemoteAddr().String())
	s.sink("Client connected (%s)", conn.RemoteAddr().String())
}

// stepCommand alternates between refusing a second connection attempt and
// reading one command line, so each step performs a single bounded poll.
func (s *Server) stepCommand() {
	s.refuseTurn = !s.refuseTurn
	if s.refuseTurn {
		// The one active session keeps the engine; anyone else is
		// turned away.
		if extra, err := netio.PollAccept(s.ln, s.pollInterval); err == nil && extra != nil {
			_ = extra.SetWriteDeadline(time.Now().Add(replyTimeout))
			fmt.Fprintf(extra, "421 Only one connection allowed.\r\n")
			_ = extra.Close()
		}
		return
	}

	line, ok, err := s.sess.readLine()
	if err != nil {
		s.endSession("Client disconnected")
		return
	}
	if !ok {
		return
	}
	s.sess.handleCommand(line)
	if s.sess.quitting {
		s.endSession("Client disconnected")
	}
}

// stepTransfer advances the active transfer by one bounded chunk. The
// control socket is polled only to detect an ABOR; any other command is
// rejected until the transfer ends.
func (s *Server) stepTransfer() {
	sess := s.sess
	line, ok, err := sess.readLine()
	if err != nil {
		s.endSession("Client disconnected")
		return
	}
	if ok {
		cmd, _, _ := strings.Cut(line, " ")
		if strings.ToUpper(cmd) == "ABOR" {
			s.abortTransfer()
		} else if line != "" {
			sess.reply(503, "Transfer in progress.")
		}
		return
	}

	switch sess.xfer.tick(s.chunkSize, s.pollInterval, s.writeWait) {
	case tickInProgress:
	default:
		// Completed and Failed both drain through EndTransfer so a
		// poller observes the same state progression either way.
		s.setState(StateEndTransfer)
	}
}

// abortTransfer is the client-initiated cancellation path: the transfer
// context and data socket close within this same step.
func (s *Server) abortTransfer() {
	sess := s.sess
	op := sess.xfer.op
	sess.xfer.close()
	sess.xfer = nil
	sess.data.closeAll()
	sess.reply(226, "Abort successful.")
	s.setState(StateConnected)
	s.logger.Info("transfer_aborted", "op", op)
	s.sink("Transfer aborted")
}

// stepEndTransfer emits the transfer's final reply, releases the data
// socket and returns to Connected.
func (s *Server) stepEndTransfer() {
	sess := s.sess
	x := sess.xfer
	sess.xfer = nil
	x.close()
	sess.data.closeAll()

	switch {
	case x.failure == nil:
		sess.reply(226, "Transfer complete.")
		s.logger.Info("transfer_complete", "op", x.op, "bytes", x.transferred)
		s.sink("Transfer complete (%d bytes)", x.transferred)
	case errors.Is(x.failure, ErrMediumFailure):
		sess.reply(451, "Local error: storage failure.")
		s.logger.Error("transfer_failed", "op", x.op, "error", x.failure)
		s.sink("Transfer failed: storage I/O error")
	default:
		sess.reply(426, "Connection closed; transfer aborted.")
		s.logger.Error("transfer_failed", "op", x.op, "error", x.failure)
		s.sink("Transfer failed: data connection lost")
	}
	s.setState(StateConnected)
}

// endSession tears down the active session and returns to Ready.
func (s *Server) endSession(reason string) {
	if s.sess != nil {
		s.sess.close()
		s.sess = nil
	}
	s.setState(StateReady)
	s.logger.Info("session_closed")
	s.sink("%s", reason)
}
