package server

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/jlaffaye/ftp"
)

func dialClient(t *testing.T, ts *testServer) *ftp.ServerConn {
	t.Helper()
	c, err := ftp.Dial(ts.srv.Addr(), ftp.DialWithTimeout(5*time.Second))
	fatalIfErr(t, err, "ftp.Dial")
	return c
}

func login(t *testing.T, ts *testServer) *ftp.ServerConn {
	t.Helper()
	c := dialClient(t, ts)
	fatalIfErr(t, c.Login("alice", "secret"), "Login")
	t.Cleanup(func() { _ = c.Quit() })
	return c
}

func TestLogin(t *testing.T) {
	ts := startTestServer(t)

	c := dialClient(t, ts)
	if err := c.Login("alice", "wrong"); err == nil {
		t.Fatal("login with wrong password succeeded")
	}
	_ = c.Quit()

	c2 := dialClient(t, ts)
	fatalIfErr(t, c2.Login("alice", "secret"), "Login")
	pwd, err := c2.CurrentDir()
	fatalIfErr(t, err, "CurrentDir")
	if pwd != "/" {
		t.Errorf("CurrentDir = %q, want /", pwd)
	}
	fatalIfErr(t, c2.Quit(), "Quit")
}

func TestListRoot(t *testing.T) {
	ts := startTestServer(t)
	c := login(t, ts)

	entries, err := c.List("/")
	fatalIfErr(t, err, "List /")
	if len(entries) != 2 {
		t.Fatalf("root listing has %d entries, want 2: %+v", len(entries), entries)
	}
	for i, want := range []string{"data", "sdcard"} {
		e := entries[i]
		if e.Name != want {
			t.Errorf("entry %d = %q, want %q", i, e.Name, want)
		}
		if e.Type != ftp.EntryTypeFolder {
			t.Errorf("entry %q is not a directory", e.Name)
		}
		if e.Size != 0 {
			t.Errorf("entry %q size = %d, want 0", e.Name, e.Size)
		}
	}

	names, err := c.NameList("/")
	fatalIfErr(t, err, "NameList /")
	if len(names) != 2 || names[0] != "data" || names[1] != "sdcard" {
		t.Errorf("NameList = %v", names)
	}
}

// chunkedReader yields at most chunk bytes per Read so an upload arrives in
// many small pieces.
type chunkedReader struct {
	data  []byte
	chunk int
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := r.chunk
	if n > len(p) {
		n = len(p)
	}
	if n > len(r.data) {
		n = len(r.data)
	}
	copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestStorRetrRoundTrip(t *testing.T) {
	ts := startTestServer(t)
	c := login(t, ts)

	payload := make([]byte, 10000)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	err := c.Stor("/data/upload.bin", &chunkedReader{data: append([]byte(nil), payload...), chunk: 37})
	fatalIfErr(t, err, "Stor")

	onDisk, err := os.ReadFile(filepath.Join(ts.dataDir, "upload.bin"))
	fatalIfErr(t, err, "read stored file")
	if !bytes.Equal(onDisk, payload) {
		t.Fatalf("stored file differs: %d bytes, want %d", len(onDisk), len(payload))
	}

	size, err := c.FileSize("/data/upload.bin")
	fatalIfErr(t, err, "FileSize")
	if size != int64(len(payload)) {
		t.Errorf("FileSize = %d, want %d", size, len(payload))
	}

	r, err := c.Retr("/data/upload.bin")
	fatalIfErr(t, err, "Retr")
	back, err := io.ReadAll(r)
	fatalIfErr(t, err, "read Retr body")
	fatalIfErr(t, r.Close(), "close Retr")
	if !bytes.Equal(back, payload) {
		t.Errorf("round trip differs: got %d bytes, want %d", len(back), len(payload))
	}
}

func TestRetrMissingFile(t *testing.T) {
	ts := startTestServer(t)
	c := login(t, ts)
	if _, err := c.Retr("/data/absent.bin"); err == nil {
		t.Fatal("Retr of a missing file succeeded")
	}
	// The session must survive the refused transfer.
	fatalIfErr(t, c.NoOp(), "NoOp after failed Retr")
}

func TestDeleteEscapeRefused(t *testing.T) {
	ts := startTestServer(t)
	c := login(t, ts)

	sentinel := filepath.Join(ts.baseDir, "sentinel.txt")
	fatalIfErr(t, os.WriteFile(sentinel, []byte("keep"), 0o644), "write sentinel")

	for _, p := range []string{"../sentinel.txt", "/sentinel.txt", "/data/../sentinel.txt"} {
		if err := c.Delete(p); err == nil {
			t.Errorf("Delete(%q) succeeded", p)
		}
	}
	if err := c.Delete("/data"); err == nil {
		t.Error("Delete of a mount root succeeded")
	}

	if got, err := os.ReadFile(sentinel); err != nil || string(got) != "keep" {
		t.Fatalf("sentinel damaged: %q, %v", got, err)
	}
}

func TestRename(t *testing.T) {
	ts := startTestServer(t)
	c := login(t, ts)

	fatalIfErr(t, os.WriteFile(filepath.Join(ts.dataDir, "a.txt"), []byte("x"), 0o644), "seed")

	fatalIfErr(t, c.Rename("/data/a.txt", "/data/b.txt"), "Rename")
	if _, err := os.Stat(filepath.Join(ts.dataDir, "b.txt")); err != nil {
		t.Fatalf("renamed file missing: %v", err)
	}

	if err := c.Rename("/data/b.txt", "/sdcard/b.txt"); err == nil {
		t.Error("cross-mount rename succeeded")
	}
	if err := c.Rename("/data/nope.txt", "/data/x.txt"); err == nil {
		t.Error("rename of missing file succeeded")
	}
}

func TestMkdirRmdir(t *testing.T) {
	ts := startTestServer(t)
	c := login(t, ts)

	fatalIfErr(t, c.MakeDir("/sdcard/logs"), "MakeDir")
	if fi, err := os.Stat(filepath.Join(ts.sdDir, "logs")); err != nil || !fi.IsDir() {
		t.Fatalf("physical dir missing: %v", err)
	}
	fatalIfErr(t, c.ChangeDir("/sdcard/logs"), "ChangeDir")
	pwd, err := c.CurrentDir()
	fatalIfErr(t, err, "CurrentDir")
	if pwd != "/sdcard/logs" {
		t.Errorf("CurrentDir = %q", pwd)
	}
	fatalIfErr(t, c.ChangeDir("/"), "ChangeDir /")
	fatalIfErr(t, c.RemoveDir("/sdcard/logs"), "RemoveDir")
	if err := c.ChangeDir("/sdcard/logs"); err == nil {
		t.Error("ChangeDir into removed dir succeeded")
	}
}

func TestUploadCap(t *testing.T) {
	ts := startTestServer(t, WithMaxUploadBytes(1000))
	c := login(t, ts)

	err := c.Stor("/data/capped.bin", bytes.NewReader(make([]byte, 5000)))
	// The server truncates at the cap and reports success; some client
	// versions surface the early close as an error instead. Either way
	// the stored file must hold exactly the cap.
	_ = err

	deadline := time.Now().Add(2 * time.Second)
	for {
		if fi, err := os.Stat(filepath.Join(ts.dataDir, "capped.bin")); err == nil && fi.Size() == 1000 {
			return
		}
		if time.Now().After(deadline) {
			fi, err := os.Stat(filepath.Join(ts.dataDir, "capped.bin"))
			t.Fatalf("capped upload: stat=%v err=%v, want 1000 bytes", fi, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTransferStateObservable(t *testing.T) {
	ts := startTestServer(t)
	c := login(t, ts)

	// Larger than any plausible kernel socket buffering, so the download
	// stays in progress while the client reads.
	big := bytes.Repeat([]byte("0123456789abcdef"), 4*1024*1024) // 64 MiB
	fatalIfErr(t, os.WriteFile(filepath.Join(ts.dataDir, "big.bin"), big, 0o644), "seed big")

	r, err := c.Retr("/data/big.bin")
	fatalIfErr(t, err, "Retr")

	seen := map[State]bool{}
	buf := make([]byte, 64*1024)
	for {
		seen[ts.srv.State()] = true
		_, err := r.Read(buf)
		if err == io.EOF {
			break
		}
		fatalIfErr(t, err, "read")
	}
	fatalIfErr(t, r.Close(), "close Retr")

	if !seen[StateFileTx] {
		t.Errorf("never observed %v during download, saw %v", StateFileTx, seen)
	}

	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("state after transfer = %v, want %v", ts.srv.State(), StateConnected)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var completed bool
	for _, line := range ts.sinkLines() {
		if strings.HasPrefix(line, "Transfer complete") {
			completed = true
		}
	}
	if !completed {
		t.Errorf("log sink missing transfer completion, got %v", ts.sinkLines())
	}
}

func TestSecondConnectionRefused(t *testing.T) {
	ts := startTestServer(t)
	c := login(t, ts)

	extra, err := net.Dial("tcp", ts.srv.Addr())
	fatalIfErr(t, err, "second dial")
	defer extra.Close()

	line, err := bufio.NewReader(extra).ReadString('\n')
	fatalIfErr(t, err, "read refusal")
	if !strings.HasPrefix(line, "421") {
		t.Errorf("second connection got %q, want 421", line)
	}

	// The established session is unaffected.
	fatalIfErr(t, c.NoOp(), "NoOp on first connection")
}

func TestStopStartRestart(t *testing.T) {
	ts := startTestServer(t)

	c := login(t, ts)
	fatalIfErr(t, c.NoOp(), "NoOp")
	fatalIfErr(t, c.Quit(), "Quit")

	ts.stopPump()
	ts.srv.Stop()
	if ts.srv.State() != StateDisabled {
		t.Fatalf("state after Stop = %v", ts.srv.State())
	}
	if ts.srv.IsEnabled() {
		t.Fatal("IsEnabled after Stop")
	}

	fatalIfErr(t, ts.srv.Start(), "restart")
	ts.startPump()
	if ts.srv.State() != StateReady {
		t.Fatalf("state after restart = %v", ts.srv.State())
	}

	c2 := dialClient(t, ts)
	fatalIfErr(t, c2.Login("alice", "secret"), "login after restart")
	fatalIfErr(t, c2.Quit(), "Quit")
}

// rawClient speaks the control protocol directly for sequences the high
// level client cannot produce.
type rawClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialRaw(t *testing.T, ts *testServer) *rawClient {
	t.Helper()
	conn, err := net.Dial("tcp", ts.srv.Addr())
	fatalIfErr(t, err, "raw dial")
	t.Cleanup(func() { conn.Close() })
	c := &rawClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.expectReply("220")
	return c
}

func (c *rawClient) send(line string) {
	c.t.Helper()
	_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err := fmt.Fprintf(c.conn, "%s\r\n", line)
	fatalIfErr(c.t, err, "send %q", line)
}

func (c *rawClient) readReply() string {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := c.r.ReadString('\n')
	fatalIfErr(c.t, err, "read reply")
	return strings.TrimRight(line, "\r\n")
}

func (c *rawClient) expectReply(prefix string) string {
	c.t.Helper()
	line := c.readReply()
	if !strings.HasPrefix(line, prefix) {
		c.t.Fatalf("reply %q, want prefix %q", line, prefix)
	}
	return line
}

func (c *rawClient) cmd(line, wantPrefix string) string {
	c.t.Helper()
	c.send(line)
	return c.expectReply(wantPrefix)
}

func (c *rawClient) loginRaw() {
	c.t.Helper()
	c.cmd("USER alice", "331")
	c.cmd("PASS secret", "230")
}

func TestProtocolSequences(t *testing.T) {
	ts := startTestServer(t)
	c := dialRaw(t, ts)

	// Before login only a handful of commands work.
	c.cmd("PWD", "530")
	c.cmd("SYST", "215")
	c.cmd("NOOP", "200")
	c.cmd("USER alice", "331")
	c.cmd("PASS nope", "530")
	c.loginRaw()

	c.cmd("FOO", "500")
	c.cmd("RNTO x", "503")
	c.cmd("TYPE A", "200")
	c.cmd("TYPE I", "200")
	c.cmd("TYPE Q", "504")
	c.cmd("RETR data/x", "425")
	c.cmd("XPWD", "257")
	c.cmd("CWD data", "250")
	if line := c.cmd("PWD", "257"); !strings.Contains(line, `"/data"`) {
		t.Errorf("PWD reply %q missing /data", line)
	}
	c.cmd("CDUP", "250")
	c.cmd("CWD nosuch", "550")
	c.cmd("MDTM data", "213")
	c.cmd("SIZE data", "550")
	c.cmd("QUIT", "221")
}

func TestCommandTooLong(t *testing.T) {
	ts := startTestServer(t)
	c := dialRaw(t, ts)

	_, err := c.conn.Write(bytes.Repeat([]byte("A"), 700))
	fatalIfErr(t, err, "write long line")
	c.expectReply("500")

	c.send("")
	c.cmd("NOOP", "200")
}

func TestPortBounceRefused(t *testing.T) {
	ts := startTestServer(t)
	c := dialRaw(t, ts)
	c.loginRaw()

	// A target that is not the control peer is an FTP bounce attempt.
	c.cmd("PORT 10,0,0,1,0,80", "500")
	c.cmd("PORT 127,0,0,1", "501")
	c.cmd("PORT 127,0,0,1,999,0", "501")
	c.cmd("QUIT", "221")
}

var pasvRE = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

func pasvPort(t *testing.T, reply string) int {
	t.Helper()
	m := pasvRE.FindStringSubmatch(reply)
	if m == nil {
		t.Fatalf("PASV reply %q has no address tuple", reply)
	}
	var p1, p2 int
	fmt.Sscanf(m[5], "%d", &p1)
	fmt.Sscanf(m[6], "%d", &p2)
	return p1*256 + p2
}

func TestActiveModeTransfer(t *testing.T) {
	ts := startTestServer(t)
	// Contains bare LFs: the default binary type must deliver the bytes
	// verbatim, with no CRLF translation.
	payload := "line one\nline two\nline three\n"
	fatalIfErr(t, os.WriteFile(filepath.Join(ts.dataDir, "small.txt"), []byte(payload), 0o644), "seed")

	c := dialRaw(t, ts)
	c.loginRaw()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	fatalIfErr(t, err, "data listen")
	defer ln.Close()
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	var port int
	fmt.Sscanf(portStr, "%d", &port)

	accepted := make(chan net.Conn, 1)
	go func() {
		if conn, err := ln.Accept(); err == nil {
			accepted <- conn
		}
	}()

	c.cmd(fmt.Sprintf("PORT 127,0,0,1,%d,%d", port/256, port%256), "200")
	c.cmd("RETR data/small.txt", "150")

	select {
	case conn := <-accepted:
		got, _ := io.ReadAll(conn)
		conn.Close()
		if string(got) != payload {
			t.Errorf("active transfer delivered %q, want %q", got, payload)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("server never dialed the PORT target")
	}
	c.expectReply("226")
	c.cmd("QUIT", "221")
}

func TestAbortDuringTransfer(t *testing.T) {
	ts := startTestServer(t)

	// Large enough that the unread data socket is guaranteed to stall the
	// transfer while ABOR travels on the control connection.
	huge := bytes.Repeat([]byte("Z"), 32<<20)
	fatalIfErr(t, os.WriteFile(filepath.Join(ts.dataDir, "huge.bin"), huge, 0o644), "seed huge")

	c := dialRaw(t, ts)
	c.loginRaw()

	port := pasvPort(t, c.cmd("PASV", "227"))
	data, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	fatalIfErr(t, err, "data dial")
	defer data.Close()

	c.cmd("RETR data/huge.bin", "150")

	// Never read the data socket; once the kernel buffers fill the
	// transfer can only sit in progress.
	time.Sleep(200 * time.Millisecond)
	c.cmd("ABOR", "226")

	// The session survives the abort.
	c.cmd("NOOP", "200")
	c.cmd("QUIT", "221")
}

func TestConnectionLostMidRetr(t *testing.T) {
	ts := startTestServer(t)

	// Large enough that the download is still in progress when the data
	// socket goes away.
	huge := bytes.Repeat([]byte("Q"), 32<<20)
	fatalIfErr(t, os.WriteFile(filepath.Join(ts.dataDir, "doomed.bin"), huge, 0o644), "seed")

	c := dialRaw(t, ts)
	c.loginRaw()

	port := pasvPort(t, c.cmd("PASV", "227"))
	data, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	fatalIfErr(t, err, "data dial")

	c.cmd("RETR data/doomed.bin", "150")

	// Read a little to let the transfer get going, then reset the socket
	// so the server's next write fails hard instead of draining cleanly.
	buf := make([]byte, 32*1024)
	_, err = io.ReadFull(data, buf)
	fatalIfErr(t, err, "read leading bytes")
	tcp := data.(*net.TCPConn)
	fatalIfErr(t, tcp.SetLinger(0), "SetLinger")
	fatalIfErr(t, tcp.Close(), "reset data socket")

	c.expectReply("426")

	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.State() != StateConnected {
		if time.Now().After(deadline) {
			t.Fatalf("state after lost connection = %v, want %v", ts.srv.State(), StateConnected)
		}
		time.Sleep(5 * time.Millisecond)
	}

	var lost bool
	for _, line := range ts.sinkLines() {
		if strings.Contains(line, "data connection lost") {
			lost = true
		}
	}
	if !lost {
		t.Errorf("log sink missing connection-loss message, got %v", ts.sinkLines())
	}

	// The session is back in command mode and fully usable.
	c.cmd("NOOP", "200")
	c.cmd("QUIT", "221")
}

func TestConnectedStepSingleBoundedPoll(t *testing.T) {
	base := t.TempDir()
	dataDir := filepath.Join(base, "data")
	sdDir := filepath.Join(base, "sdcard")
	fatalIfErr(t, os.Mkdir(dataDir, 0o755), "mkdir data")
	fatalIfErr(t, os.Mkdir(sdDir, 0o755), "mkdir sdcard")

	// A long poll interval makes the per-step poll count measurable: one
	// poll per step stays near the interval, two would double it.
	const interval = 150 * time.Millisecond
	srv, err := NewServer(
		WithControlAddr("127.0.0.1:0"),
		WithPassivePort(0),
		WithCredentials("alice", "secret"),
		WithMounts(Mount{Name: "data", Path: dataDir}, Mount{Name: "sdcard", Path: sdDir}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPollInterval(interval),
	)
	fatalIfErr(t, err, "NewServer")
	fatalIfErr(t, srv.Start(), "Start")
	defer srv.Stop()

	conn, err := net.Dial("tcp", srv.Addr())
	fatalIfErr(t, err, "dial")
	defer conn.Close()

	deadline := time.Now().Add(5 * time.Second)
	for srv.State() != StateConnected {
		srv.Step()
		if time.Now().After(deadline) {
			t.Fatalf("never reached %v", StateConnected)
		}
	}

	// With nothing arriving, every Connected step must spend at most one
	// full poll interval.
	for i := 0; i < 6; i++ {
		start := time.Now()
		srv.Step()
		if elapsed := time.Since(start); elapsed > interval+interval/2 {
			t.Fatalf("step %d took %v, want at most one %v poll", i, elapsed, interval)
		}
	}
}

func TestSecondConnectionDeferredDuringTransfer(t *testing.T) {
	ts := startTestServer(t)

	c := dialRaw(t, ts)
	c.loginRaw()

	// Hold an upload open so the engine sits in a transfer sub-state.
	port := pasvPort(t, c.cmd("PASV", "227"))
	data, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	fatalIfErr(t, err, "data dial")
	defer data.Close()
	c.cmd("STOR data/held.bin", "150")

	extra, err := net.Dial("tcp", ts.srv.Addr())
	fatalIfErr(t, err, "second dial")
	defer extra.Close()

	// While the transfer is active the extra connection waits in the
	// backlog; no refusal arrives yet.
	_ = extra.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	if _, err := extra.Read(make([]byte, 1)); err == nil {
		t.Fatal("second connection answered during an active transfer")
	}

	c.cmd("ABOR", "226")

	// Back in command mode, the queued attempt is refused.
	_ = extra.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(extra).ReadString('\n')
	fatalIfErr(t, err, "read refusal")
	if !strings.HasPrefix(line, "421") {
		t.Errorf("queued connection got %q, want 421", line)
	}

	c.cmd("NOOP", "200")
	c.cmd("QUIT", "221")
}

func TestAbortedStorThenRetry(t *testing.T) {
	ts := startTestServer(t)

	c := dialRaw(t, ts)
	c.loginRaw()

	// An upload only completes on data-socket EOF, so holding the socket
	// open keeps the transfer in progress for as long as the test needs.
	port := pasvPort(t, c.cmd("PASV", "227"))
	data, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	fatalIfErr(t, err, "data dial")
	defer data.Close()

	c.cmd("STOR data/partial.bin", "150")
	_, err = data.Write([]byte("first few bytes"))
	fatalIfErr(t, err, "write partial upload")
	time.Sleep(100 * time.Millisecond)
	c.cmd("ABOR", "226")

	// The abort left no stale listener or handle behind; a fresh
	// PASV+STOR on the same session completes normally.
	port = pasvPort(t, c.cmd("PASV", "227"))
	data2, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	fatalIfErr(t, err, "second data dial")

	c.cmd("STOR data/complete.bin", "150")
	_, err = data2.Write([]byte("whole payload"))
	fatalIfErr(t, err, "write upload")
	fatalIfErr(t, data2.Close(), "close data")
	c.expectReply("226")

	got, err := os.ReadFile(filepath.Join(ts.dataDir, "complete.bin"))
	fatalIfErr(t, err, "read stored file")
	if string(got) != "whole payload" {
		t.Errorf("stored %q", got)
	}
	c.cmd("QUIT", "221")
}

func TestPasvListing(t *testing.T) {
	ts := startTestServer(t)
	fatalIfErr(t, os.WriteFile(filepath.Join(ts.sdDir, "note.txt"), []byte("hi"), 0o644), "seed")

	c := dialRaw(t, ts)
	c.loginRaw()

	port := pasvPort(t, c.cmd("PASV", "227"))
	data, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	fatalIfErr(t, err, "data dial")

	c.cmd("LIST sdcard", "150")
	listing, _ := io.ReadAll(data)
	data.Close()
	c.expectReply("226")

	if !strings.Contains(string(listing), "note.txt") {
		t.Errorf("listing %q missing note.txt", listing)
	}
	if !strings.HasPrefix(string(listing), "-rw-r--r--") {
		t.Errorf("listing %q not in long format", listing)
	}
	c.cmd("QUIT", "221")
}
