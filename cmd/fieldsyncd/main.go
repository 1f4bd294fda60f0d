// Command fieldsyncd runs the offline capture and sync engine as a local
// daemon for the field app, and offers one-shot maintenance commands.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/solarcrm/fieldsync/cmd/fieldsyncd/handlers"
	"github.com/solarcrm/fieldsync/internal/config"
	"github.com/solarcrm/fieldsync/internal/logging"
	"github.com/solarcrm/fieldsync/internal/models"
	"github.com/solarcrm/fieldsync/internal/sync/conflict"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fieldsyncd",
		Short:         "Offline capture and sync engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cobra.OnInitialize(initEnv)

	root.PersistentFlags().StringP("config", "c", "", "path to YAML config")
	root.PersistentFlags().String("owner", "", "owner id (overrides app.owner_id)")
	root.PersistentFlags().String("data-dir", "", "local store directory (overrides store.data_dir)")
	root.PersistentFlags().Bool("json", false, "output JSON")
	root.PersistentFlags().Bool("verbose", false, "log at the configured level in one-shot commands")
	for _, name := range []string{"config", "owner", "data-dir", "json", "verbose"} {
		_ = viper.BindPFlag(name, root.PersistentFlags().Lookup(name))
	}

	root.AddCommand(
		serveCmd(),
		statusCmd(),
		recordsCmd(),
		syncCmd(),
		retryCmd(),
		clearFailedCmd(),
		purgeCmd(),
		duplicatesCmd(),
		versionCmd(),
	)
	return root
}

func initEnv() {
	viper.SetEnvPrefix("FIELDSYNC")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

// loadConfig reads the config file and applies flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(viper.GetString("config"))
	if err != nil {
		return config.Config{}, err
	}
	if owner := viper.GetString("owner"); owner != "" {
		cfg.App.OwnerID = owner
	}
	if dir := viper.GetString("data-dir"); dir != "" {
		cfg.Store.DataDir = dir
	}
	return cfg, nil
}

func configureLogging(cfg config.LogConfig, quiet bool) error {
	opts := logging.Options{
		Level:      cfg.Level,
		Encoding:   cfg.Encoding,
		File:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   cfg.Compress,
	}
	if quiet && !viper.GetBool("verbose") {
		opts.Level = "error"
	}
	_, err := logging.Configure(opts)
	return err
}

// withApp builds the app for a one-shot command and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := configureLogging(cfg.Log, true); err != nil {
		return err
	}
	a, err := buildApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(context.Background(), a)
}

func newRouter(a *app, hub *WSHub) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Route("/api", handlers.New(a.service).Routes)
	r.Get("/ws", HandleWebSocket(hub, a.service))
	return r
}

func serveCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync daemon with its local HTTP and WebSocket API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.HTTPAddr = addr
			}
			if err := configureLogging(cfg.Log, false); err != nil {
				return err
			}

			a, err := buildApp(cfg)
			if err != nil {
				return err
			}
			defer a.close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			hub := NewWSHub()
			defer hub.Close()
			relay(hub, a.service, a.orch)

			if err := a.start(ctx); err != nil {
				return err
			}

			srv := &http.Server{
				Addr:              cfg.Server.HTTPAddr,
				Handler:           newRouter(a, hub),
				ReadHeaderTimeout: 10 * time.Second,
			}
			errCh := make(chan error, 1)
			go func() {
				errCh <- srv.ListenAndServe()
			}()
			logging.Info("fieldsyncd listening", map[string]interface{}{
				"addr":     cfg.Server.HTTPAddr,
				"owner_id": cfg.App.OwnerID,
				"remote":   cfg.Remote.Driver,
				"version":  Version,
			})

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides server.http_addr)")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the sync state of the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				a.probeOnce(ctx)
				st, err := a.service.State()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(os.Stdout, st)
				}
				recs, err := a.service.Records(models.SyncStatusPending, models.SyncStatusSyncing, models.SyncStatusError)
				if err != nil {
					return err
				}
				var queued int64
				for _, rec := range recs {
					atts, err := a.service.Attachments(rec)
					if err != nil {
						return err
					}
					for _, att := range atts {
						if att.SyncStatus != models.SyncStatusSynced {
							queued += int64(att.Size())
						}
					}
				}
				renderState(os.Stdout, st, queued, a.checkBlobStore(ctx))
				return nil
			})
		},
	}
}

func recordsCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "records",
		Short: "List captured records",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := make([]models.SyncStatus, 0, len(statuses))
			for _, s := range statuses {
				st := models.SyncStatus(s)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter = append(filter, st)
			}
			return withApp(func(ctx context.Context, a *app) error {
				recs, err := a.service.Records(filter...)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(os.Stdout, recs)
				}
				rows := make([]recordRow, 0, len(recs))
				for _, rec := range recs {
					atts, err := a.service.Attachments(rec)
					if err != nil {
						return err
					}
					rows = append(rows, newRecordRow(rec, atts))
				}
				renderRecords(os.Stdout, rows, time.Now())
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "status filter (pending, syncing, synced, error)")
	return cmd
}

func syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				a.probeOnce(ctx)
				summary, err := a.service.ManualSync(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(os.Stdout, summary)
				}
				renderSummary(os.Stdout, summary)
				return nil
			})
		},
	}
}

func retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry",
		Short: "Give failed records another attempt",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				n, err := a.service.RetryFailed(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("requeued %d record(s)\n", n)
				return nil
			})
		},
	}
}

func clearFailedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear-failed",
		Short: "Delete records that exhausted their retries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				n, err := a.service.ClearFailedItems(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("deleted %d failed record(s)\n", n)
				return nil
			})
		},
	}
}

func purgeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete synced records from the local store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				n, err := a.service.PurgeSynced()
				if err != nil {
					return err
				}
				fmt.Printf("purged %d synced record(s)\n", n)
				return nil
			})
		},
	}
}

func duplicatesCmd() *cobra.Command {
	dup := &cobra.Command{Use: "duplicates", Short: "Review duplicate candidates"}
	dup.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List open duplicate candidates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				dups, err := a.service.Duplicates()
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(os.Stdout, dups)
				}
				renderDuplicates(os.Stdout, dups, time.Now())
				return nil
			})
		},
	})

	var resolution, keepID, discardID string
	resolve := &cobra.Command{
		Use:   "resolve <candidate-id>",
		Short: "Resolve a duplicate candidate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				id := models.UUID(args[0])
				if err := a.service.ResolveDuplicate(ctx, id, conflict.Resolution(resolution), keepID, discardID); err != nil {
					return err
				}
				fmt.Printf("candidate %s resolved: %s\n", id, resolution)
				return nil
			})
		},
	}
	resolve.Flags().StringVar(&resolution, "resolution", string(conflict.ResolutionKeepBoth), "keep_both, discard or merge")
	resolve.Flags().StringVar(&keepID, "keep", "", "remote id kept by merge")
	resolve.Flags().StringVar(&discardID, "discard", "", "remote id removed by discard or merge")
	dup.AddCommand(resolve)
	return dup
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "fieldsyncd v%s\n", Version)
		},
	}
}
