// Command microftpd runs the embedded-style FTP server as a standalone
// daemon. It drives the engine with a fixed tick loop and prints color-coded
// state changes and milestone lines to the console.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"microftpd/config"
	"microftpd/server"
)

var (
	stateColors = map[server.State]*color.Color{
		server.StateDisabled:    color.New(color.FgRed),
		server.StateReady:       color.New(color.FgGreen),
		server.StateConnected:   color.New(color.FgCyan),
		server.StateFileTx:      color.New(color.FgYellow),
		server.StateFileRx:      color.New(color.FgYellow),
		server.StateEndTransfer: color.New(color.FgMagenta),
	}
	eventColor = color.New(color.FgWhite, color.Bold)
)

func main() {
	var cfgPath string
	var verbose bool

	root := &cobra.Command{
		Use:          "microftpd",
		Short:        "Single-client FTP server with a cooperative tick engine",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cfgPath, verbose)
		},
	}
	root.Flags().StringVarP(&cfgPath, "config", "c", "microftpd.toml", "path to TOML configuration file")
	root.Flags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cfgPath string, verbose bool) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	mounts := make([]server.Mount, 0, len(cfg.Mounts))
	for _, m := range cfg.Mounts {
		mounts = append(mounts, server.Mount{Name: m.Name, Path: m.Path})
	}

	srv, err := server.NewServer(
		server.WithControlAddr(cfg.ControlAddr),
		server.WithPassivePort(cfg.PassivePort),
		server.WithCredentials(cfg.User, cfg.Password),
		server.WithMounts(mounts...),
		server.WithLogger(logger),
		server.WithChunkSize(cfg.ChunkSize),
		server.WithAcceptTimeout(time.Duration(cfg.AcceptTimeoutMS)*time.Millisecond),
		server.WithMaxUploadBytes(cfg.MaxUploadBytes),
		server.WithLogSink(func(line string) {
			eventColor.Fprintf(os.Stdout, "FTP: %s\n", line)
		}),
	)
	if err != nil {
		return err
	}

	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Stop()
	logger.Info("listening", "addr", srv.Addr())

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	tick := time.NewTicker(time.Duration(cfg.TickIntervalMS) * time.Millisecond)
	defer tick.Stop()
	status := time.NewTicker(time.Second)
	defer status.Stop()

	last := srv.State()
	printState(last)
	for {
		select {
		case <-sigs:
			fmt.Println()
			logger.Info("shutting down")
			return nil
		case <-tick.C:
			srv.Step()
		case <-status.C:
			if st := srv.State(); st != last {
				printState(st)
				last = st
			}
		}
	}
}

func printState(st server.State) {
	c, ok := stateColors[st]
	if !ok {
		c = color.New(color.FgWhite)
	}
	c.Printf("FTP state: %s\n", st)
}
