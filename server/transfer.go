package server

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"microftpd/internal/netio"
)

// Transfer failure reasons. The engine distinguishes them in the log sink so
// an operator can tell a yanked SD card from a dropped network peer.
var (
	// ErrMediumFailure marks an I/O error on the backing filesystem, such
	// as the SD card disappearing mid-transfer.
	ErrMediumFailure = errors.New("storage I/O failure")
	// ErrConnectionLost marks an unexpected reset or close of the data
	// socket.
	ErrConnectionLost = errors.New("data connection lost")
)

// tickResult is the outcome of one bounded transfer chunk.
type tickResult int

const (
	tickInProgress tickResult = iota
	tickCompleted
	tickFailed
)

type transferDirection int

const (
	dirDownload transferDirection = iota // RETR, LIST, NLST
	dirUpload                           // STOR
)

// transferContext is the per-transfer bookkeeping driven one bounded chunk
// at a time. At most one exists per session. It owns its file handle and
// data socket: on completion or any failure it closes both itself, so no
// caller ever needs a second cleanup pass.
type transferContext struct {
	op  string // command that started the transfer, for replies and logs
	dir transferDirection

	src       io.Reader // download source (file or directory listing)
	srcCloser io.Closer
	dst       io.WriteCloser // upload destination
	conn      net.Conn

	ascii bool
	enc   asciiEncoder
	dec   asciiDecoder

	size        int64 // known size for file downloads, 0 otherwise
	transferred int64
	uploadLimit int64 // 0 means unlimited

	buf     []byte // chunk scratch, sized to the tick budget
	pending []byte // translated bytes not yet accepted by the socket
	srcEOF  bool

	closed  bool
	failure error
}

// tick advances the transfer by at most one bounded chunk of I/O.
// maxBytes caps the chunk so a tick never monopolizes the owner's loop;
// readPoll bounds the data-socket poll and writeWait bounds socket write
// retries within the tick.
func (t *transferContext) tick(maxBytes int, readPoll, writeWait time.Duration) tickResult {
	if t.buf == nil || cap(t.buf) < maxBytes {
		t.buf = make([]byte, maxBytes)
	}
	switch t.dir {
	case dirDownload:
		return t.tickDownload(maxBytes, writeWait)
	default:
		return t.tickUpload(maxBytes, readPoll)
	}
}

func (t *transferContext) tickDownload(maxBytes int, writeWait time.Duration) tickResult {
	if len(t.pending) == 0 && !t.srcEOF {
		n, err := t.src.Read(t.buf[:maxBytes])
		if n > 0 {
			t.transferred += int64(n)
			if t.ascii {
				t.pending = t.enc.encode(t.pending[:0], t.buf[:n])
			} else {
				t.pending = append(t.pending[:0], t.buf[:n]...)
			}
		}
		if err == io.EOF || (err == nil && n == 0) {
			t.srcEOF = true
		} else if err != nil {
			return t.fail(ErrMediumFailure, err)
		}
	}

	if len(t.pending) > 0 {
		n, err := netio.WriteAll(t.conn, t.pending, writeWait)
		t.pending = t.pending[n:]
		if err != nil {
			return t.fail(ErrConnectionLost, err)
		}
	}

	if t.srcEOF && len(t.pending) == 0 {
		t.close()
		return tickCompleted
	}
	return tickInProgress
}

func (t *transferContext) tickUpload(maxBytes int, readPoll time.Duration) tickResult {
	n, err := netio.PollRead(t.conn, t.buf[:maxBytes], readPoll)
	if n > 0 {
		chunk := t.buf[:n]
		if t.ascii {
			t.pending = t.dec.decode(t.pending[:0], chunk)
			chunk = t.pending
		}
		limitHit := false
		if t.uploadLimit > 0 && t.transferred+int64(len(chunk)) >= t.uploadLimit {
			chunk = chunk[:t.uploadLimit-t.transferred]
			limitHit = true
		}
		if len(chunk) > 0 {
			if _, werr := t.dst.Write(chunk); werr != nil {
				return t.fail(ErrMediumFailure, werr)
			}
			t.transferred += int64(len(chunk))
		}
		if limitHit {
			t.close()
			return tickCompleted
		}
	}
	if err != nil {
		if err == io.EOF {
			// Peer closed the data socket: the upload is complete.
			if t.ascii {
				if tail := t.dec.flush(nil); len(tail) > 0 {
					if _, werr := t.dst.Write(tail); werr != nil {
						return t.fail(ErrMediumFailure, werr)
					}
					t.transferred += int64(len(tail))
				}
			}
			t.close()
			return tickCompleted
		}
		return t.fail(ErrConnectionLost, err)
	}
	// Zero bytes available is not an error, just no progress this tick.
	return tickInProgress
}

// fail records the failure reason and releases the file handle and data
// socket before returning, per the single-cleanup contract.
func (t *transferContext) fail(reason error, cause error) tickResult {
	t.failure = fmt.Errorf("%w: %v", reason, cause)
	t.close()
	return tickFailed
}

// close releases the transfer's resources. Idempotent: it is reached from
// completion, failure, ABOR and Stop paths alike.
func (t *transferContext) close() {
	if t.closed {
		return
	}
	t.closed = true
	netio.CloseQuietly(t.srcCloser)
	netio.CloseQuietly(t.dst)
	netio.CloseQuietly(t.conn)
}

// listingReader adapts a lazy directory lister to io.Reader, producing one
// formatted line per entry. LIST uses a Unix-style long format, NLST bare
// names.
type listingReader struct {
	l         lister
	namesOnly bool
	buf       []byte
}

func (r *listingReader) Read(p []byte) (int, error) {
	for len(r.buf) == 0 {
		e, ok, err := r.l.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, io.EOF
		}
		if r.namesOnly {
			r.buf = append(r.buf, e.name...)
			r.buf = append(r.buf, '\r', '\n')
		} else {
			r.buf = appendListLine(r.buf, e)
		}
	}
	n := copy(p, r.buf)
	r.buf = r.buf[n:]
	return n, nil
}

func (r *listingReader) Close() error { return r.l.Close() }

// appendListLine renders one LIST row in the simplified Unix format that
// common clients parse.
func appendListLine(dst []byte, e dirEntry) []byte {
	mode := "-rw-r--r--"
	if e.dir {
		mode = "drwxr-xr-x"
	}
	line := fmt.Sprintf("%s 1 owner group %13d %s %s\r\n",
		mode, e.size, e.modTime.Format("Jan 02 15:04"), e.name)
	return append(dst, line...)
}
