package server

import (
	"fmt"
	"strings"
	"time"
)

// commandHandlers maps command tokens to their handlers. All handlers have
// the signature func(s *session, arg string). The X-prefixed aliases are
// the RFC 775 spellings some legacy clients still send.
var commandHandlers = map[string]func(*session, string){
	// Access control
	"USER": (*session).handleUSER,
	"PASS": (*session).handlePASS,
	"QUIT": (*session).handleQUIT,

	// Navigation
	"PWD":  (*session).handlePWD,
	"XPWD": (*session).handlePWD,
	"CWD":  (*session).handleCWD,
	"XCWD": (*session).handleCWD,
	"CDUP": (*session).handleCDUP,
	"XCUP": (*session).handleCDUP,

	// File management
	"MKD":  (*session).handleMKD,
	"XMKD": (*session).handleMKD,
	"RMD":  (*session).handleRMD,
	"XRMD": (*session).handleRMD,
	"DELE": (*session).handleDELE,
	"RNFR": (*session).handleRNFR,
	"RNTO": (*session).handleRNTO,

	// Information
	"SYST": (*session).handleSYST,
	"FEAT": (*session).handleFEAT,
	"OPTS": (*session).handleOPTS,
	"NOOP": (*session).handleNOOP,
	"SIZE": (*session).handleSIZE,
	"MDTM": (*session).handleMDTM,

	// Transfer parameters
	"TYPE": (*session).handleTYPE,
	"PASV": (*session).handlePASV,
	"PORT": (*session).handlePORT,

	// Transfers
	"LIST": (*session).handleLIST,
	"NLST": (*session).handleNLST,
	"RETR": (*session).handleRETR,
	"STOR": (*session).handleSTOR,

	"ABOR": (*session).handleABOR,
}

// preLogin lists the commands usable before authentication.
var preLogin = map[string]bool{
	"USER": true,
	"PASS": true,
	"QUIT": true,
	"SYST": true,
	"FEAT": true,
	"NOOP": true,
}

// handleCommand parses one command line and dispatches it.
func (s *session) handleCommand(line string) {
	if line == "" {
		return
	}
	cmd, arg, _ := strings.Cut(line, " ")
	cmd = strings.ToUpper(cmd)

	logArg := arg
	if cmd == "PASS" {
		logArg = "***"
	}
	s.srv.logger.Debug("command received", "cmd", cmd, "arg", logArg, "user", s.user)

	handler, known := commandHandlers[cmd]
	if !known {
		s.reply(500, "Unknown command.")
		return
	}
	if !s.loggedIn && !preLogin[cmd] {
		s.reply(530, "Not logged in.")
		return
	}
	handler(s, arg)
}

func (s *session) handleUSER(arg string) {
	s.user = arg
	s.loggedIn = false
	s.reply(331, "Password required.")
}

func (s *session) handlePASS(arg string) {
	if !s.srv.creds.verify(s.user, arg) {
		s.srv.logger.Warn("authentication_failed", "user", s.user)
		s.srv.sink("Login failed for %q", s.user)
		s.reply(530, "Login incorrect.")
		return
	}
	s.loggedIn = true
	s.srv.logger.Info("authentication_success", "user", s.user)
	s.srv.sink("Login OK: %s", s.user)
	s.reply(230, "Logged in.")
}

func (s *session) handleQUIT(_ string) {
	s.quitting = true
	s.reply(221, "Goodbye.")
}

func (s *session) handleSYST(_ string) {
	s.reply(215, "UNIX Type: L8")
}

func (s *session) handleFEAT(_ string) {
	_ = s.conn.SetWriteDeadline(time.Now().Add(replyTimeout))
	fmt.Fprintf(s.conn, "211-Features:\r\n SIZE\r\n MDTM\r\n PASV\r\n UTF8\r\n211 End\r\n")
}

func (s *session) handleOPTS(arg string) {
	if strings.HasPrefix(strings.ToUpper(arg), "UTF8") {
		s.reply(200, "Always in UTF8 mode.")
		return
	}
	s.reply(501, "Option not understood.")
}

func (s *session) handleNOOP(_ string) {
	s.reply(200, "OK.")
}

func (s *session) handlePWD(_ string) {
	s.reply(257, fmt.Sprintf("%q is the current directory.", s.cwd))
}

func (s *session) handleCWD(arg string) {
	vpath := virtualJoin(s.cwd, arg)
	entry, err := s.srv.fs.stat(vpath)
	if err != nil {
		s.replyError(err)
		return
	}
	if !entry.dir {
		s.reply(550, "Not a directory.")
		return
	}
	s.cwd = vpath
	s.reply(250, "Directory changed.")
}

func (s *session) handleCDUP(_ string) {
	s.handleCWD("..")
}

func (s *session) handleMKD(arg string) {
	vpath := virtualJoin(s.cwd, arg)
	if err := s.srv.fs.mkdir(vpath); err != nil {
		s.replyError(err)
		return
	}
	s.srv.logger.Info("directory_created", "path", vpath, "user", s.user)
	s.reply(257, fmt.Sprintf("%q created.", vpath))
}

func (s *session) handleRMD(arg string) {
	vpath := virtualJoin(s.cwd, arg)
	if err := s.srv.fs.remove(vpath); err != nil {
		s.replyError(err)
		return
	}
	s.srv.logger.Info("directory_removed", "path", vpath, "user", s.user)
	s.reply(250, "Directory removed.")
}

func (s *session) handleDELE(arg string) {
	vpath := virtualJoin(s.cwd, arg)
	if err := s.srv.fs.remove(vpath); err != nil {
		s.replyError(err)
		return
	}
	s.srv.logger.Info("file_deleted", "path", vpath, "user", s.user)
	s.reply(250, "File deleted.")
}

func (s *session) handleRNFR(arg string) {
	vpath := virtualJoin(s.cwd, arg)
	if _, err := s.srv.fs.stat(vpath); err != nil {
		s.replyError(err)
		return
	}
	s.renameFrom = vpath
	s.reply(350, "Ready for RNTO.")
}

func (s *session) handleRNTO(arg string) {
	if s.renameFrom == "" {
		s.reply(503, "Bad sequence.")
		return
	}
	from := s.renameFrom
	s.renameFrom = ""
	to := virtualJoin(s.cwd, arg)
	if err := s.srv.fs.rename(from, to); err != nil {
		s.replyError(err)
		return
	}
	s.srv.logger.Info("file_renamed", "from", from, "to", to, "user", s.user)
	s.reply(250, "File renamed.")
}

func (s *session) handleSIZE(arg string) {
	vpath := virtualJoin(s.cwd, arg)
	entry, err := s.srv.fs.stat(vpath)
	if err != nil || entry.dir {
		s.reply(550, "Could not get file size.")
		return
	}
	s.reply(213, fmt.Sprintf("%d", entry.size))
}

func (s *session) handleMDTM(arg string) {
	vpath := virtualJoin(s.cwd, arg)
	entry, err := s.srv.fs.stat(vpath)
	if err != nil {
		s.reply(550, "Could not get file modification time.")
		return
	}
	s.reply(213, entry.modTime.UTC().Format("20060102150405"))
}
