// Command marcaje is the offline-first attendance client: it records
// clock events locally, syncs them to the shared remote store, reconciles
// state written by other devices, and audits sync integrity.
package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/marcaje/marcaje/internal/config"
	"github.com/marcaje/marcaje/internal/engine"
	"github.com/marcaje/marcaje/internal/remote"
	"github.com/marcaje/marcaje/internal/store"
	"github.com/marcaje/marcaje/internal/timeguard"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "marcaje",
	Short: "Offline-first attendance tracking",
	Long: `marcaje records employee clock-in/clock-out events on a device that
may be offline and reconciles them with a shared remote store.

Records are kept in a local SQLite database and pushed by an idempotent
natural-key upsert, so retries and concurrent devices never duplicate an
event.`,
	SilenceUsage: true,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $HOME/.marcaje/config.yaml)")

	rootCmd.AddCommand(clockInCmd)
	rootCmd.AddCommand(clockOutCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(pullCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(reportCmd)
}

// app bundles everything a command needs.
type app struct {
	cfg     *config.Config
	store   *store.Store
	remote  *remote.Client
	service *engine.Service
}

func (a *app) Close() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

// openApp loads config and wires the store, remote client, time guard and
// engine service. logger may be nil for stderr defaults.
func openApp(ctx context.Context, logger *log.Logger) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(cfg.DBPath())
	if err != nil {
		return nil, err
	}
	if err := st.InitSchema(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	var token remote.TokenFunc
	if cfg.SessionToken != "" {
		sessionToken := cfg.SessionToken
		token = func(context.Context) (string, error) { return sessionToken, nil }
	}

	client, err := remote.NewClient(remote.Config{
		BaseURL: cfg.ServerURL,
		APIKey:  cfg.APIKey,
		Token:   token,
		Logger:  logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	guard := timeguard.New(client, logger, timeguard.WithTolerance(cfg.DriftTolerance))

	svc, err := engine.NewService(engine.ServiceConfig{
		Store:  st,
		Remote: client,
		Guard:  guard,
		Scheduler: engine.SchedulerConfig{
			BusyInterval: cfg.BusyInterval,
			IdleInterval: cfg.IdleInterval,
			Logger:       logger,
		},
		Logger: logger,
	})
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	return &app{cfg: cfg, store: st, remote: client, service: svc}, nil
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}
