package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"subscription-reconciler/internal/server"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:           "billing",
	Short:         "Subscription billing reconciliation service",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and webhook receiver",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Refresh every open subscription from the processor",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.subscriptionService.ReconcileAll(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("checked=%d updated=%d failed=%d\n", report.Checked, report.Updated, report.Failed)
		if report.Failed > 0 {
			return fmt.Errorf("%d subscriptions could not be reconciled", report.Failed)
		}
		return nil
	},
}

var pruneCmd = &cobra.Command{
	Use:   "prune-events",
	Short: "Forget processed webhook event ids older than LEDGER_RETENTION",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		n, err := a.webhookService.PruneProcessedEvents(cmd.Context(), a.cfg.Ledger.Retention)
		if err != nil {
			return err
		}
		fmt.Printf("pruned=%d\n", n)
		return nil
	},
}

var (
	tokenUserID string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue a bearer token for local testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.close()

		token, err := a.tokens.Issue(tokenUserID, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("billing %s\n", Version)
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUserID, "user", "", "user id to put in the token")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "token lifetime")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(serveCmd, reconcileCmd, pruneCmd, tokenCmd, versionCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer(ctx context.Context) error {
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	srv := server.NewServer(a.subscriptionService, a.webhookService, server.Options{
		Tokens:              a.tokens,
		WebhookMaxBodyBytes: a.cfg.Webhook.MaxBodyBytes,
	})

	serverAddr := a.cfg.HTTP.Addr()
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", serverAddr).Str("version", Version).Msg("starting HTTP server")
		if err := srv.Start(serverAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if interval := a.cfg.Reconcile.Interval; interval > 0 {
		go runMaintenance(ctx, a, interval)
	}

	select {
	case <-ctx.Done():
		log.Info().Msg("signal received, starting graceful shutdown")
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	log.Info().Msg("server stopped")
	return nil
}

// runMaintenance periodically sweeps open subscriptions and prunes the event ledger.
func runMaintenance(ctx context.Context, a *app, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Dur("interval", interval).Msg("periodic reconciliation enabled")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := a.subscriptionService.ReconcileAll(ctx); err != nil {
			log.Error().Err(err).Msg("periodic reconcile failed")
		}
		if _, err := a.webhookService.PruneProcessedEvents(ctx, a.cfg.Ledger.Retention); err != nil {
			log.Error().Err(err).Msg("periodic ledger prune failed")
		}
	}
}
