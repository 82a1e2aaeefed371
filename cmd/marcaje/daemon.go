package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/marcaje/marcaje/internal/remote"
	"github.com/marcaje/marcaje/internal/spool"
	"github.com/marcaje/marcaje/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the background sync daemon",
	Long: `Run the sync engine in the foreground until interrupted:

  1. Adaptive sync scheduling (30s while records are pending, 1h idle)
  2. Evidence spool watching (attach dropped photos to records)
  3. Periodic reconciliation pulls for every known cedula
  4. Realtime change feed nudging pulls when the server reports changes

Logs rotate via the configured log file.`,
	Run: func(cmd *cobra.Command, args []string) {
		runDaemon(cmd.Context())
	},
}

func runDaemon(ctx context.Context) {
	a, err := openAppForDaemon(ctx)
	if err != nil {
		fatalf("%v", err)
	}
	defer a.Close()

	logger := a.logger

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.app.service.Start(ctx)
	defer a.app.service.Stop()

	// Evidence spool: capture providers drop <recordID>.jpg files here.
	watcher, err := spool.New(a.app.store, a.app.cfg.SpoolDir, a.app.service.Scheduler(), logger)
	if err != nil {
		fatalf("%v", err)
	}
	if err := watcher.Start(ctx); err != nil {
		fatalf("%v", err)
	}
	defer watcher.Stop()

	// Realtime nudges: server-side changes trigger a targeted pull.
	var feed *remote.Feed
	if a.app.cfg.RealtimeEnabled {
		feed = a.app.remote.NewFeed(func(ev remote.ChangeEvent) {
			logger.Printf("remote change for cedula %s (%s)", ev.Cedula, ev.Kind)
			go func() {
				if _, err := a.app.service.Pull(context.Background(), ev.Cedula); err != nil {
					logger.Printf("change-triggered pull failed: %v", err)
				}
			}()
		}, logger)
		if err := feed.Start(ctx); err != nil {
			logger.Printf("realtime feed unavailable: %v", err)
		} else {
			defer feed.Stop()
		}
	}

	if err := writeStatusFile(a.app.cfg.StatusPath()); err != nil {
		logger.Printf("cannot write status file: %v", err)
	}
	defer func() { _ = os.Remove(a.app.cfg.StatusPath()) }()

	fmt.Printf("%s Daemon running (db: %s)\n", ui.RenderPass("✓"), a.app.cfg.DBPath())
	logger.Printf("daemon started")

	// Periodic reconciliation, independent of the push scheduler.
	ticker := time.NewTicker(a.app.cfg.PullInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Printf("daemon stopping")
			return
		case <-ticker.C:
			if _, err := a.app.service.Puller().PullAll(ctx); err != nil {
				logger.Printf("periodic pull failed: %v", err)
			}
		}
	}
}

// daemonApp wraps app with the rotating logger the daemon uses.
type daemonApp struct {
	app    *app
	logger *log.Logger
}

func (d *daemonApp) Close() { d.app.Close() }

func openAppForDaemon(ctx context.Context) (*daemonApp, error) {
	// The log file location comes from config, so bootstrap once to read
	// it, then rebuild with the rotating logger.
	a, err := openApp(ctx, nil)
	if err != nil {
		return nil, err
	}

	rotated := &lumberjack.Logger{
		Filename:   a.cfg.LogFile,
		MaxSize:    10, // megabytes
		MaxBackups: 3,
		MaxAge:     28, // days
		Compress:   true,
	}
	logger := log.New(io.MultiWriter(os.Stderr, rotated), "[marcaje] ", log.LstdFlags)

	// Rebuild the app so every component logs through the rotated writer.
	a.Close()
	a, err = openApp(ctx, logger)
	if err != nil {
		return nil, err
	}
	return &daemonApp{app: a, logger: logger}, nil
}

// statusFile is what `marcaje status` and monitoring read while the
// daemon runs.
type statusFile struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

func writeStatusFile(path string) error {
	data, err := json.MarshalIndent(statusFile{
		PID:       os.Getpid(),
		StartedAt: time.Now(),
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
