package server

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func fatalIfErr(t *testing.T, err error, format string, args ...interface{}) {
	t.Helper()
	if err != nil {
		t.Fatalf(format+": %v", append(args, err)...)
	}
}

// testServer wraps a started Server with a goroutine that pumps Step, plus
// the temp directories backing the two mounts.
type testServer struct {
	srv     *Server
	baseDir string
	dataDir string
	sdDir   string

	mu    sync.Mutex
	sinks []string

	stop    chan struct{}
	done    chan struct{}
	pumping bool
}

func startTestServer(t *testing.T, extra ...Option) *testServer {
	t.Helper()
	base := t.TempDir()
	dataDir := filepath.Join(base, "data")
	sdDir := filepath.Join(base, "sdcard")
	fatalIfErr(t, os.Mkdir(dataDir, 0o755), "mkdir data")
	fatalIfErr(t, os.Mkdir(sdDir, 0o755), "mkdir sdcard")

	ts := &testServer{baseDir: base, dataDir: dataDir, sdDir: sdDir}
	opts := []Option{
		WithControlAddr("127.0.0.1:0"),
		WithPassivePort(0),
		WithCredentials("alice", "secret"),
		WithMounts(Mount{Name: "data", Path: dataDir}, Mount{Name: "sdcard", Path: sdDir}),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithLogSink(ts.recordSink),
	}
	opts = append(opts, extra...)

	srv, err := NewServer(opts...)
	fatalIfErr(t, err, "NewServer")
	fatalIfErr(t, srv.Start(), "Start")
	ts.srv = srv
	ts.startPump()
	t.Cleanup(func() {
		ts.stopPump()
		srv.Stop()
	})
	return ts
}

func (ts *testServer) recordSink(line string) {
	ts.mu.Lock()
	ts.sinks = append(ts.sinks, line)
	ts.mu.Unlock()
}

func (ts *testServer) sinkLines() []string {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return append([]string(nil), ts.sinks...)
}

func (ts *testServer) startPump() {
	ts.stop = make(chan struct{})
	ts.done = make(chan struct{})
	ts.pumping = true
	go func() {
		defer close(ts.done)
		for {
			select {
			case <-ts.stop:
				return
			default:
				ts.srv.Step()
			}
		}
	}()
}

// stopPump halts the ticking goroutine so the test may call Stop or Start
// without racing Step.
func (ts *testServer) stopPump() {
	if !ts.pumping {
		return
	}
	ts.pumping = false
	close(ts.stop)
	<-ts.done
}
