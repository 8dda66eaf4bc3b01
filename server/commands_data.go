package server

import (
	"net"
	"os"
	"strconv"
	"strings"
)

func (s *session) handleTYPE(arg string) {
	switch strings.ToUpper(arg) {
	case "A", "A N":
		s.ttype = 'A'
		s.reply(200, "Type set to A.")
	case "I", "L 8":
		s.ttype = 'I'
		s.reply(200, "Type set to I.")
	default:
		s.reply(504, "Type not supported.")
	}
}

func (s *session) handlePASV(_ string) {
	port, err := s.data.openPassive(s.srv.passivePort)
	if err != nil {
		s.srv.logger.Warn("passive_listen_failed", "port", s.srv.passivePort, "error", err)
		s.reply(425, "Can't open passive connection.")
		return
	}

	host, _, _ := net.SplitHostPort(s.conn.LocalAddr().String())
	ip := net.ParseIP(host)
	if ip == nil {
		ip = net.IPv4zero
	}
	s.reply(227, "Entering Passive Mode ("+encodePasvAddr(ip, port)+").")
}

// handlePORT accepts the active-mode h1,h2,h3,h4,p1,p2 tuple. The target
// must match the control connection's peer to prevent FTP bounce attacks.
func (s *session) handlePORT(arg string) {
	parts := strings.Split(arg, ",")
	if len(parts) != 6 {
		s.reply(501, "Syntax error in parameters.")
		return
	}
	p1, err1 := strconv.Atoi(parts[4])
	p2, err2 := strconv.Atoi(parts[5])
	if err1 != nil || err2 != nil || p1 < 0 || p1 > 255 || p2 < 0 || p2 > 255 {
		s.reply(501, "Invalid port number.")
		return
	}
	ip := net.ParseIP(strings.Join(parts[0:4], "."))
	if ip == nil {
		s.reply(501, "Invalid IP address.")
		return
	}
	host, _, _ := net.SplitHostPort(s.conn.RemoteAddr().String())
	if peer := net.ParseIP(host); peer == nil || !ip.Equal(peer) {
		s.reply(500, "Illegal PORT command.")
		return
	}
	s.data.setActive(ip.String(), p1*256+p2)
	s.reply(200, "PORT command successful.")
}

func (s *session) handleRETR(arg string) {
	if !s.data.configured() {
		s.reply(425, "Use PASV first.")
		return
	}
	vpath := virtualJoin(s.cwd, arg)
	entry, err := s.srv.fs.stat(vpath)
	if err != nil {
		s.data.closeAll()
		s.replyError(err)
		return
	}
	if entry.dir {
		s.data.closeAll()
		s.reply(550, "Not a plain file.")
		return
	}
	file, err := s.srv.fs.open(vpath, os.O_RDONLY)
	if err != nil {
		s.data.closeAll()
		s.replyError(err)
		return
	}

	conn, err := s.data.open(s.srv.acceptTimeout)
	if err != nil {
		_ = file.Close()
		s.reply(425, "Cannot open data connection.")
		return
	}

	s.reply(150, "Opening data connection for RETR.")
	s.xfer = &transferContext{
		op:        "RETR",
		dir:       dirDownload,
		src:       file,
		srcCloser: file,
		conn:      conn,
		ascii:     s.ttype == 'A',
		size:      entry.size,
	}
	s.srv.setState(StateFileTx)
	s.srv.logger.Info("transfer_started", "op", "RETR", "path", vpath, "bytes", entry.size)
	s.srv.sink("Sending file %s", vpath)
}

func (s *session) handleSTOR(arg string) {
	if !s.data.configured() {
		s.reply(425, "Use PASV first.")
		return
	}
	vpath := virtualJoin(s.cwd, arg)
	file, err := s.srv.fs.open(vpath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		s.data.closeAll()
		s.replyError(err)
		return
	}

	conn, err := s.data.open(s.srv.acceptTimeout)
	if err != nil {
		_ = file.Close()
		s.reply(425, "Cannot open data connection.")
		return
	}

	s.reply(150, "Opening data connection for STOR.")
	s.xfer = &transferContext{
		op:          "STOR",
		dir:         dirUpload,
		dst:         file,
		conn:        conn,
		ascii:       s.ttype == 'A',
		uploadLimit: s.srv.maxUploadBytes,
	}
	s.srv.setState(StateFileRx)
	s.srv.logger.Info("transfer_started", "op", "STOR", "path", vpath)
	s.srv.sink("Receiving file %s", vpath)
}

func (s *session) handleLIST(arg string) {
	s.startListing("LIST", arg, false)
}

func (s *session) handleNLST(arg string) {
	s.startListing("NLST", arg, true)
}

// startListing begins a listing transfer. Listings ride the same download
// sub-state as RETR: the lister produces entries lazily and the engine
// streams them one bounded chunk per tick.
func (s *session) startListing(op, arg string, namesOnly bool) {
	if !s.data.configured() {
		s.reply(425, "Use PASV first.")
		return
	}
	// Some clients pass ls flags; listing the current directory is the
	// sane interpretation.
	if strings.HasPrefix(arg, "-") {
		arg = ""
	}
	vpath := virtualJoin(s.cwd, arg)
	l, err := s.srv.fs.list(vpath)
	if err != nil {
		s.data.closeAll()
		s.replyError(err)
		return
	}

	conn, err := s.data.open(s.srv.acceptTimeout)
	if err != nil {
		_ = l.Close()
		s.reply(425, "Cannot open data connection.")
		return
	}

	s.reply(150, "Here comes the directory listing.")
	lr := &listingReader{l: l, namesOnly: namesOnly}
	s.xfer = &transferContext{
		op:        op,
		dir:       dirDownload,
		src:       lr,
		srcCloser: lr,
		conn:      conn,
	}
	s.srv.setState(StateFileTx)
	s.srv.logger.Info("transfer_started", "op", op, "path", vpath)
}

// handleABOR outside a transfer sub-state: nothing to abort. During a
// transfer the engine intercepts ABOR in its transfer step instead.
func (s *session) handleABOR(_ string) {
	s.data.closeAll()
	s.reply(226, "Abort successful.")
}
