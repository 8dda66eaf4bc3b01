// Package server implements an embedded single-session FTP server driven by
// a cooperative, non-blocking tick loop.
//
// The engine was built for a memory-constrained device where one task
// interleaves the FTP server with other work: the owner calls Step at a
// fixed cadence and each call does at most one bounded unit of work. File
// transfers are resumable sub-states advanced one chunk per tick, so a
// multi-kilobyte transfer spreads across many scheduler iterations without
// ever stalling the loop.
//
// Two physical directories are exposed as subdirectories of a synthetic
// virtual root; all paths a client supplies resolve into one of the two
// mounts or fail, never outside.
//
//	srv, err := server.NewServer(
//	    server.WithControlAddr(":21"),
//	    server.WithCredentials("ftpuser", "secret"),
//	    server.WithMounts(
//	        server.Mount{Name: "data", Path: "/var/lib/ftpd/data"},
//	        server.Mount{Name: "sdcard", Path: "/media/sdcard"},
//	    ),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//	for srv.IsEnabled() {
//	    srv.Step()
//	    time.Sleep(20 * time.Millisecond)
//	}
//
// Supported commands: USER, PASS, QUIT, SYST, FEAT, NOOP, OPTS, TYPE, PWD,
// CWD, CDUP, PASV, PORT, LIST, NLST, RETR, STOR, DELE, RNFR, RNTO, MKD,
// RMD, SIZE, MDTM, ABOR. Passive mode is the primary data path; PORT is
// honored with the same data-connection lifecycle. TLS is not supported.
package server
