// Command 6relayd is an IPv6 edge-network relay daemon for
// customer-premises routers: Router Discovery relay/server, DHCPv6
// relay/broken-mode/mini-server, and an NDP proxy, all driven by one
// single-threaded epoll event loop.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AdguardTeam/golibs/logutil/slogutil"

	"github.com/fgggid/6relayd/internal/config"
	"github.com/fgggid/6relayd/internal/relayd"
)

// Exit codes, spec.md §6.
const (
	exitSuccess          = 0
	exitUsage            = 1
	exitInit             = 2
	exitInterfaceOpen    = 3
	exitEngineInit       = 4
	exitNoRelaysEnabled  = 5
	exitDaemonizeFailure = 6
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.ParseArgs(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSuccess
		}

		if errors.Is(err, config.ErrNoRelaysEnabled) {
			fmt.Fprintln(os.Stderr, err)

			return exitNoRelaysEnabled
		}

		fmt.Fprintln(os.Stderr, err)

		return exitUsage
	}

	if cfg.Daemonize {
		if err = relayd.Daemonize(); err != nil {
			fmt.Fprintln(os.Stderr, err)

			return exitDaemonizeFailure
		}
	}

	logger := newLogger(cfg.Verbosity)

	if err = relayd.WritePIDFile(cfg.PIDFile); err != nil {
		logger.Error("writing pidfile", slogutil.KeyError, err)

		return exitInit
	}
	defer func() { _ = relayd.RemovePIDFile(cfg.PIDFile) }()

	d, err := relayd.New(cfg, logger)
	if err != nil {
		logger.Error("starting up", slogutil.KeyError, err)

		var startupErr *relayd.StartupError
		if errors.As(err, &startupErr) {
			switch startupErr.Phase {
			case relayd.PhaseInit:
				return exitInit
			case relayd.PhaseInterfaces, relayd.PhaseSockets:
				return exitInterfaceOpen
			case relayd.PhaseEngines:
				return exitEngineInit
			}
		}

		return exitInit
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	handleSignals(d, logger, cancel)

	if err = d.Run(ctx); err != nil {
		logger.Error("event loop exited", slogutil.KeyError, err)
		d.Shutdown()

		return exitInit
	}

	d.Shutdown()

	return exitSuccess
}

// handleSignals wires the process's signal-driven behavior (spec.md §7
// "Signal-driven"): SIGTERM/SIGINT perform an orderly shutdown, SIGHUP
// logs and continues (SPEC_FULL.md §7 "Config reload on SIGHUP"), and
// SIGUSR1 fires every server-mode RA timer immediately.
func handleSignals(d *relayd.Daemon, logger *slog.Logger, cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGUSR1)

	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, nothing to reload")
			case syscall.SIGUSR1:
				logger.Info("received SIGUSR1, refreshing router advertisements")
				d.RefreshRAs()
			default:
				logger.Info("received signal, shutting down", "signal", sig)
				d.Stop()
				cancel()

				return
			}
		}
	}()
}

// newLogger maps the "-v" repeat count to a slog level (SPEC_FULL.md §7
// "-v verbosity repeat count": 0 warn, 1 info, 2+ debug).
func newLogger(verbosity int) *slog.Logger {
	level := slog.LevelWarn

	switch {
	case verbosity == 1:
		level = slog.LevelInfo
	case verbosity >= 2:
		level = slog.LevelDebug
	}

	return slogutil.New(&slogutil.Config{
		Format:       slogutil.FormatDefault,
		Level:        level,
		AddTimestamp: true,
	})
}
