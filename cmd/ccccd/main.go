// ccccd is the CCCC message kernel daemon. It owns the per-group event ledgers,
// actor sessions, delivery and automation, and serves the local IPC surface.
package main

import (
	"context"
	"flag"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cccc-dev/cccc/pkg/config"
	"github.com/cccc-dev/cccc/pkg/daemon"
	"github.com/cccc-dev/cccc/pkg/home"
	"github.com/cccc-dev/cccc/pkg/ipc"
	"github.com/cccc-dev/cccc/pkg/version"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	homeFlag := flag.String("home",
		getEnv(home.EnvHome, ""),
		"Runtime home directory (default ~/.cccc)")
	socketFlag := flag.String("socket", "",
		"IPC socket path (default <home>/daemon/ccccd.sock)")
	logStderr := flag.Bool("log-stderr", false,
		"Also log to stderr in addition to the rotated daemon log")
	flag.Parse()

	// 1. Resolve the runtime home
	h, err := home.Resolve(*homeFlag)
	if err != nil {
		slog.Error("Failed to resolve runtime home", "error", err)
		os.Exit(1)
	}

	// Load .env from the runtime home
	envPath := filepath.Join(h.Root(), ".env")
	if err := godotenv.Load(envPath); err == nil {
		slog.Info("Loaded environment", "path", envPath)
	}

	// 2. Initialize logging: rotated file in the daemon dir
	if err := os.MkdirAll(h.DaemonDir(), 0o755); err != nil {
		slog.Error("Failed to create daemon dir", "error", err)
		os.Exit(1)
	}
	var logOut io.Writer = &lumberjack.Logger{
		Filename:   h.LogFile(),
		MaxSize:    20, // MB
		MaxBackups: 3,
		MaxAge:     14, // days
		Compress:   true,
	}
	if *logStderr {
		logOut = io.MultiWriter(logOut, os.Stderr)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(logOut, nil)))

	ver := version.AppName + "/" + version.GitCommit
	slog.Info("Starting ccccd", "home", h.Root(), "version", ver)

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Start the daemon: registry, group recovery, compaction
	d := daemon.New(h, ver)
	if err := d.Start(ctx); err != nil {
		slog.Error("Failed to start daemon", "error", err)
		os.Exit(1)
	}

	// 4. Bind the IPC endpoint and install the op catalog
	socketPath := *socketFlag
	if socketPath == "" {
		socketPath = h.SocketFile()
	}
	server := ipc.NewServer(ipc.Options{
		SocketPath:     socketPath,
		AddrFile:       h.AddrFile(),
		Version:        ver,
		RequestTimeout: config.IPCRequestTimeout,
	})
	d.RegisterOps(server)
	if err := server.Listen(); err != nil {
		slog.Error("Failed to bind IPC endpoint", "error", err)
		d.Stop()
		os.Exit(1)
	}

	// 5. Serve until a signal or a shutdown request
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-d.ShutdownRequested():
			slog.Info("Shutdown requested over IPC")
		}
		server.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		slog.Error("Server error", "error", err)
	}

	// 6. Graceful shutdown: actors, loops, ledgers
	d.Stop()
	slog.Info("ccccd exited")
}
