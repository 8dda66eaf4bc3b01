package server

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"microftpd/internal/netio"
)

// errNoDataChannel is returned when a transfer command arrives before a
// successful PASV or PORT.
var errNoDataChannel = errors.New("no data connection configured")

// dataChannel owns the lifecycle of the passive listening socket and the
// single data socket. One listener and one accepted socket exist at most;
// closeAll is idempotent and is called on every exit path.
type dataChannel struct {
	ln   *net.TCPListener
	conn net.Conn

	// Active mode (PORT) target. Set instead of ln when the client asked
	// the server to dial out.
	activeIP   string
	activePort int
}

// openPassive binds a fresh listening socket and returns the bound port.
// Any stale listener from an aborted prior transfer is closed first, so the
// configured port can be reused. Port 0 asks the OS for an ephemeral port.
func (d *dataChannel) openPassive(port int) (int, error) {
	d.closeAll()

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return 0, err
	}
	tln, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return 0, errors.New("passive listener is not TCP")
	}
	d.ln = tln

	_, portStr, err := net.SplitHostPort(ln.Addr().String())
	if err != nil {
		d.closeAll()
		return 0, err
	}
	bound, err := strconv.Atoi(portStr)
	if err != nil {
		d.closeAll()
		return 0, err
	}
	return bound, nil
}

// setActive records the client endpoint for a PORT-mode transfer, replacing
// any pending passive listener.
func (d *dataChannel) setActive(ip string, port int) {
	d.closeAll()
	d.activeIP = ip
	d.activePort = port
}

// configured reports whether a PASV or PORT has prepared a data channel.
func (d *dataChannel) configured() bool {
	return d.ln != nil || d.activeIP != ""
}

// open produces the data socket for one transfer: a bounded accept in
// passive mode, a bounded dial in active mode. This wait is the only
// sanctioned blocking window in the engine and is capped by timeout.
func (d *dataChannel) open(timeout time.Duration) (net.Conn, error) {
	switch {
	case d.ln != nil:
		conn, err := netio.PollAccept(d.ln, timeout)
		if err == nil && conn == nil {
			err = errors.New("timed out waiting for data connection")
		}
		if err != nil {
			d.closeAll()
			return nil, err
		}
		// One accepted socket at a time; the listener's job is done.
		_ = d.ln.Close()
		d.ln = nil
		d.conn = conn
		return conn, nil

	case d.activeIP != "":
		addr := net.JoinHostPort(d.activeIP, strconv.Itoa(d.activePort))
		conn, err := net.DialTimeout("tcp", addr, timeout)
		d.activeIP = ""
		d.activePort = 0
		if err != nil {
			return nil, err
		}
		d.conn = conn
		return conn, nil
	}
	return nil, errNoDataChannel
}

// closeAll releases the listener and data socket. Safe to call repeatedly.
func (d *dataChannel) closeAll() {
	if d.ln != nil {
		_ = d.ln.Close()
		d.ln = nil
	}
	if d.conn != nil {
		_ = d.conn.Close()
		d.conn = nil
	}
	d.activeIP = ""
	d.activePort = 0
}

// encodePasvAddr renders the PASV reply tuple (h1,h2,h3,h4,p1,p2).
func encodePasvAddr(ip net.IP, port int) string {
	parts := []string{"0", "0", "0", "0"}
	if v4 := ip.To4(); v4 != nil {
		parts = strings.Split(v4.String(), ".")
	}
	return fmt.Sprintf("%s,%s,%s,%s,%d,%d",
		parts[0], parts[1], parts[2], parts[3], port/256, port%256)
}
