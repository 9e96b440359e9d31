// Syncron is a supervisor and archive for externally-triggered command runs.
// Copyright (C) 2026  David Caldwell
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"os/user"
	"strings"
	"syscall"
	"time"

	"github.com/caldwell/syncron/internal/api"
	"github.com/caldwell/syncron/internal/broker"
	"github.com/caldwell/syncron/internal/config"
	"github.com/caldwell/syncron/internal/logstore"
	"github.com/caldwell/syncron/internal/progress"
	"github.com/caldwell/syncron/internal/prune"
	"github.com/caldwell/syncron/internal/registry"
	"github.com/caldwell/syncron/internal/store"
	"github.com/caldwell/syncron/internal/supervisor"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "serve":
		serveMain(os.Args[2:])
	case "exec":
		execMain(os.Args[2:])
	case "-h", "--help", "help":
		usage()
	default:
		// Bare `syncron -c <cmd>` or `syncron <cmd...>` is shorthand for exec,
		// matching the source's fallback-to-fork-exec ergonomics.
		execMain(os.Args[1:])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  syncron serve [--db=<path>] [--port=<port>]
  syncron exec [-n name] [-i id] [--timeout=<duration>] [--server=<url>] <cmd>
  syncron -c <cmd>   (shorthand for exec)`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// serveMain implements the `serve` subcommand: it wires store, registry,
// logstore, broker, progress estimator and prune engine together behind
// the HTTP API, per §4.10, then blocks for either an OS signal or a
// loopback-triggered /shutdown request.
func serveMain(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	envCfg := config.ServerFromEnv()
	db := fs.String("db", envCfg.DB, "database root directory (SYNCRON_DB)")
	port := fs.Int("port", envCfg.Port, "HTTP listen port (SYNCRON_PORT)")
	logLevel := fs.String("log-level", envCfg.LogLevel, "log level (debug, info, warn, error) (SYNCRON_LOG_LEVEL)")
	fs.Parse(args)

	cfg := config.Server{DB: *db, Port: *port, LogLevel: *logLevel}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx := context.Background()

	st, err := store.Open(ctx, cfg.DB)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	logs := logstore.New(st.JobsDir())
	br := broker.New()

	reg := registry.New(st, func(run *registry.Run) (int64, error) {
		return logs.Len(run.Log)
	})
	estimator := progress.NewEstimator(logs, reg)
	pruneEngine := prune.New(reg, logs, br)

	reg.SetProgressCompactor(estimator)
	reg.SetPruneTrigger(pruneEngine)
	reg.SetPublisher(br)

	srv := api.New(reg, logs, br, pruneEngine)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      srv.Router(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		slog.Info("starting syncron server", "port", cfg.Port, "db", cfg.DB)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		slog.Info("received signal, shutting down")
	case <-api.Shutdown():
		slog.Info("received /shutdown request, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	slog.Info("server exited")
}

// execMain implements the `exec` subcommand (and its `-c` shorthand): run
// one command under the supervisor, archiving it to a syncron server if
// one is reachable, per §4.8.
func execMain(args []string) {
	fs := flag.NewFlagSet("exec", flag.ExitOnError)
	envCfg := config.ClientFromEnv()
	name := fs.String("n", envCfg.Name, "job name (SYNCRON_NAME)")
	id := fs.String("i", "", "explicit job id; slugified name if omitted")
	server := fs.String("server", envCfg.Server, "syncron server URL (SYNCRON_SERVER)")
	timeout := fs.Duration("timeout", envCfg.Timeout, "wall-clock limit on the command; it is killed when exceeded (0 = no limit)")
	cCmd := fs.String("c", "", "command to run (shorthand form)")
	fs.Parse(args)

	cliCfg := config.Client{Server: *server, Name: *name, Shell: envCfg.Shell, Timeout: *timeout}

	cmd := *cCmd
	if cmd == "" {
		cmd = strings.Join(fs.Args(), " ")
	}
	if cmd == "" {
		usage()
		os.Exit(2)
	}

	u, err := user.Current()
	if err != nil {
		slog.Error("failed to resolve current user", "error", err)
		os.Exit(1)
	}

	shell := supervisor.ResolveShell(cliCfg.Shell, os.Getenv("SHELL"), os.Args[0])

	cfg := supervisor.Config{
		ServerURL: cliCfg.Server,
		User:      u.Username,
		Name:      cliCfg.Name,
		ID:        *id,
		Cmd:       cmd,
		Shell:     shell,
		Timeout:   *timeout,
		Logger:    slog.Default(),
	}

	code, err := supervisor.Run(context.Background(), cfg)
	if err != nil {
		slog.Error("supervisor failed", "error", err)
	}
	os.Exit(code)
}
