package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"rootcellar/internal/cachestore"
	"rootcellar/internal/config"
	"rootcellar/internal/gateway"
	"rootcellar/internal/logging"
	"rootcellar/internal/syncqueue"
)

func main() {
	root := &cobra.Command{
		Use:           "rootcellar",
		Short:         "Offline-resilient request gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config",
		getenvDefault("ROOTCELLAR_CONFIG", "rootcellar.yaml"), "path to the config file")

	root.AddCommand(serveCmd(), purgeCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log, err := logging.New(logging.Options{
				Level:     cfg.Logging.Level,
				File:      cfg.Logging.File,
				MaxSizeMB: cfg.Logging.MaxSizeMB,
			})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			return serve(cfg, log)
		},
	}
}

func serve(cfg *config.Config, log *zap.Logger) error {
	agent, err := gateway.New(cfg, log)
	if err != nil {
		return err
	}
	defer agent.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := agent.Start(ctx); err != nil {
		return err
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           agent.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("gateway listening",
			zap.String("addr", addr), zap.String("origin", cfg.Server.Origin))
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func purgeCmd() *cobra.Command {
	var (
		namespace    string
		expiredQueue bool
		sweepExpired bool
	)
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Purge cache namespaces or expired queue entries offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			log, err := logging.New(logging.Options{Level: cfg.Logging.Level})
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			if namespace == "" && !expiredQueue && !sweepExpired {
				return errors.New("nothing to purge: pass --namespace, --expired-cache or --expired-queue")
			}

			if namespace != "" || sweepExpired {
				store, err := cachestore.Open(filepath.Join(cfg.Storage.Dir, "cache"), log)
				if err != nil {
					return err
				}
				defer func() { _ = store.Close() }()
				// SweepExpired needs the configured max ages; a freshly opened
				// store has no policies.
				for _, ns := range cfg.Namespaces {
					if err := store.EnsureNamespace(ns.Name, cachestore.Policy{
						MaxEntries:       ns.MaxEntries,
						MaxAge:           ns.MaxAgeDur,
						AcceptedStatuses: ns.AcceptedStatuses,
					}); err != nil {
						return err
					}
				}
				if namespace != "" {
					if err := store.PurgeNamespace(namespace); err != nil {
						return err
					}
					fmt.Printf("purged namespace %s\n", namespace)
				}
				if sweepExpired {
					n := store.SweepExpired()
					fmt.Printf("swept %d expired cache entries\n", n)
				}
			}

			if expiredQueue {
				q, err := syncqueue.Open(filepath.Join(cfg.Storage.Dir, "queue"), cfg.Queue.RetentionDur, log)
				if err != nil {
					return err
				}
				defer func() { _ = q.Close() }()
				n := q.PurgeExpired()
				fmt.Printf("dropped %d expired queue entries\n", n)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&namespace, "namespace", "", "cache namespace to purge")
	cmd.Flags().BoolVar(&expiredQueue, "expired-queue", false, "drop queue entries past retention")
	cmd.Flags().BoolVar(&sweepExpired, "expired-cache", false, "sweep cache entries past max age")
	return cmd
}

func getenvDefault(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}
