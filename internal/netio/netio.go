// Package netio provides bounded-poll socket primitives.
//
// The FTP engine is driven by a cooperative tick loop and must never block
// for longer than one short poll. These helpers express every socket
// operation as a deadline-bounded attempt: a poll that finds nothing ready
// returns cleanly instead of surfacing a timeout error to the caller.
package netio

import (
	"errors"
	"io"
	"net"
	"time"
)

// IsTimeout reports whether err is a deadline expiry rather than a real
// connection failure.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// PollAccept waits at most d for a pending connection on ln.
// It returns (nil, nil) when no connection arrived within the bound.
func PollAccept(ln *net.TCPListener, d time.Duration) (net.Conn, error) {
	if err := ln.SetDeadline(time.Now().Add(d)); err != nil {
		return nil, err
	}
	conn, err := ln.Accept()
	if err != nil {
		if IsTimeout(err) {
			return nil, nil
		}
		return nil, err
	}
	return conn, nil
}

// PollRead reads whatever is available on c within d into p.
// A poll that finds no data returns (0, nil). EOF is reported as io.EOF
// once any buffered bytes have been drained by earlier calls.
func PollRead(c net.Conn, p []byte, d time.Duration) (int, error) {
	if err := c.SetReadDeadline(time.Now().Add(d)); err != nil {
		return 0, err
	}
	n, err := c.Read(p)
	if err != nil && IsTimeout(err) {
		return n, nil
	}
	return n, err
}

// WriteAll writes as much of p as the socket accepts within d, retrying
// short writes until the deadline. It returns the number of bytes written;
// hitting the deadline with bytes still pending is not an error, the caller
// keeps the remainder for the next tick.
func WriteAll(c net.Conn, p []byte, d time.Duration) (int, error) {
	if err := c.SetWriteDeadline(time.Now().Add(d)); err != nil {
		return 0, err
	}
	total := 0
	for total < len(p) {
		n, err := c.Write(p[total:])
		total += n
		if err != nil {
			if IsTimeout(err) {
				return total, nil
			}
			return total, err
		}
	}
	return total, nil
}

// CloseQuietly closes c if non-nil, discarding the error. Used on cleanup
// paths that must be unconditional.
func CloseQuietly(c io.Closer) {
	if c != nil {
		_ = c.Close()
	}
}
