package server

import (
	"fmt"
	"log/slog"
	"time"
)

// Option is a functional option for configuring the engine.
type Option func(*Server) error

// WithControlAddr sets the control listener address. Defaults to ":21".
// Tests typically pass "127.0.0.1:0" and read the bound address back with
// Server.Addr.
func WithControlAddr(addr string) Option {
	return func(s *Server) error {
		s.controlAddr = addr
		return nil
	}
}

// WithPassivePort sets the fixed port for passive data connections.
// Defaults to 55555; 0 lets the OS pick an ephemeral port per PASV.
func WithPassivePort(port int) Option {
	return func(s *Server) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("invalid passive port %d", port)
		}
		s.passivePort = port
		return nil
	}
}

// WithCredentials sets the username and password checked at login.
// Required.
func WithCredentials(user, pass string) Option {
	return func(s *Server) error {
		if user == "" {
			return fmt.Errorf("username must not be empty")
		}
		s.creds = newCredentials(user, pass)
		s.credsSet = true
		return nil
	}
}

// WithMounts sets the two physical directories exposed under the virtual
// root. Exactly two mounts are required.
func WithMounts(mounts ...Mount) Option {
	return func(s *Server) error {
		s.mounts = mounts
		return nil
	}
}

// WithLogger sets a structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) error {
		s.logger = logger
		return nil
	}
}

// WithLogSink registers a callback receiving short human-readable milestone
// lines (login, transfer start/end, errors). The callback must not block;
// the engine calls it inline and never consults a result.
func WithLogSink(sink func(line string)) Option {
	return func(s *Server) error {
		s.logSink = sink
		return nil
	}
}

// WithChunkSize bounds the bytes moved per transfer tick. Defaults to 4096.
// Smaller values reduce the engine's share of the owner's loop at the cost
// of slower transfers.
func WithChunkSize(n int) Option {
	return func(s *Server) error {
		if n <= 0 {
			return fmt.Errorf("chunk size must be positive, got %d", n)
		}
		s.chunkSize = n
		return nil
	}
}

// WithAcceptTimeout bounds the wait for the client's data connection after
// a transfer command. Defaults to 5 seconds. This is the engine's only
// blocking window longer than a poll.
func WithAcceptTimeout(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("accept timeout must be positive")
		}
		s.acceptTimeout = d
		return nil
	}
}

// WithPollInterval bounds each non-blocking socket poll inside Step.
// Defaults to 2ms. Raising it trades latency in the owner's loop for fewer
// empty polls.
func WithPollInterval(d time.Duration) Option {
	return func(s *Server) error {
		if d <= 0 {
			return fmt.Errorf("poll interval must be positive")
		}
		s.pollInterval = d
		return nil
	}
}

// WithMaxUploadBytes caps STOR sizes. Reaching the cap completes the
// transfer with the bytes received so far. 0 (the default) means unlimited.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) error {
		if n < 0 {
			return fmt.Errorf("upload limit must not be negative")
		}
		s.maxUploadBytes = n
		return nil
	}
}
