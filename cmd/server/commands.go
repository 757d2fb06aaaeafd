package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/brandon/mailhub/internal/api"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and background indexing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.WithField("version", version).Info("Starting mailhub")

			if err := a.manager.ConnectPending(ctx); err != nil {
				a.logger.WithError(err).Warn("Initial sync of pending accounts failed")
			}
			if a.indexer != nil {
				if err := a.indexer.Start(a.cfg.Embedding.Schedule); err != nil {
					return err
				}
			}

			srv := api.NewServer(api.Options{
				Addr:        a.cfg.HTTPAddr,
				SearchLimit: a.cfg.SearchResultLimit,
			}, a.store, a.manager, a.engine, a.summaries, a.logger)

			errChan := make(chan error, 1)
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errChan <- err
				}
			}()

			select {
			case <-ctx.Done():
				a.logger.Info("Received shutdown signal")
			case err := <-errChan:
				a.logger.WithError(err).Error("Server error")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.WithError(err).Warn("Graceful shutdown failed")
			}
			a.logger.Info("Shutting down mailhub")
			return nil
		},
	}
}

func newSyncCmd() *cobra.Command {
	var (
		full     bool
		mailbox  string
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "sync [account...]",
		Short: "Refresh cached messages from the remote backends",
		Long: `Refresh the newest page of a mailbox for each account, or every account
when none are named. --full replaces the account's cache with the newest
messages of its inbox.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			accounts, err := a.accounts(ctx, args)
			if err != nil {
				return err
			}
			var failed int
			for _, acc := range accounts {
				log := a.logger.WithField("account", acc.Name)
				if full {
					n, err := a.manager.InitialSync(ctx, acc.ID)
					if err != nil {
						log.WithError(err).Error("Full sync failed")
						failed++
						continue
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s: cached %d messages\n", acc.Name, n)
					continue
				}
				page, err := a.manager.SyncMailbox(ctx, acc.ID, mailbox, pageSize)
				if err != nil {
					log.WithError(err).Error("Sync failed")
					failed++
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: fetched %d messages from %s\n", acc.Name, len(page.Messages), mailbox)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d accounts failed to sync", failed, len(accounts))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "Replace the cache with the newest inbox messages")
	cmd.Flags().StringVar(&mailbox, "mailbox", "INBOX", "Mailbox to refresh")
	cmd.Flags().IntVar(&pageSize, "page-size", 50, "Messages to fetch per account")
	return cmd
}

func newSearchCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <account> <query>",
		Short: "Search an account's cached messages",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			acc, err := a.account(ctx, args[0])
			if err != nil {
				return err
			}
			if limit <= 0 {
				limit = a.cfg.SearchResultLimit
			}
			results, err := a.engine.Search(ctx, acc.ID, strings.Join(args[1:], " "), limit)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(results)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum results (default SEARCH_RESULT_LIMIT)")
	return cmd
}

func newIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Embed cached messages that have no embedding yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			if a.indexer == nil {
				return errors.New("EMBEDDING_URL is not set")
			}
			n, err := a.indexer.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "embedded %d messages\n", n)
			return nil
		},
	}
}
