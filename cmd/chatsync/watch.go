package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prismer-ai/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var (
	watchJSON        bool
	watchMetricsAddr string
	watchWebhookAddr string
)

func init() {
	watchCmd.Flags().BoolVar(&watchJSON, "json", false, "Print each list as one JSON line")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook-addr", "", "Also accept signed event webhooks on this address (needs auth.webhook_secret)")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the conversation list on every change",
	Long:  "Connect to the server, keep the conversation list in sync and print it whenever it changes. Stop with Ctrl-C.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		log := newLogger()

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var metrics *chatsync.Metrics
		if watchMetricsAddr != "" {
			reg := prometheus.NewRegistry()
			metrics = chatsync.NewMetrics(reg)
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Str("addr", watchMetricsAddr).Msg("Metrics server stopped")
				}
			}()
			defer srv.Close()
			log.Info().Str("addr", watchMetricsAddr).Msg("Serving metrics")
		}

		s, err := openSession(ctx, cfg, log, metrics)
		if err != nil {
			return err
		}
		defer s.Close()

		if watchWebhookAddr != "" {
			wh, err := chatsync.NewEventWebhook(cfg.Auth.WebhookSecret, s.engine, log)
			if err != nil {
				return fmt.Errorf("webhook: %w", err)
			}
			mux := http.NewServeMux()
			mux.Handle("/webhook", wh.HTTPHandler())
			srv := &http.Server{Addr: watchWebhookAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error().Err(err).Str("addr", watchWebhookAddr).Msg("Webhook server stopped")
				}
			}()
			defer srv.Close()
			log.Info().Str("addr", watchWebhookAddr).Msg("Accepting webhooks on /webhook")
		}

		changes := make(chan struct{}, 1)
		unsubscribe := s.engine.Subscribe(func(uint64) {
			select {
			case changes <- struct{}{}:
			default:
			}
		})
		defer unsubscribe()

		out := cmd.OutOrStdout()
		if err := printViews(out, s.engine.VisibleConversations(), watchJSON); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-changes:
				if err := printViews(out, s.engine.VisibleConversations(), watchJSON); err != nil {
					return err
				}
			}
		}
	},
}

// printViews writes the visible list, one conversation per line, or a single
// JSON array line when asJSON is set.
func printViews(w io.Writer, views []chatsync.ConversationView, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(w).Encode(views)
	}
	if len(views) == 0 {
		_, err := fmt.Fprintln(w, "No conversations.")
		return err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- %d conversations ---\n", len(views))
	for _, v := range views {
		var flags []string
		if v.Pinned {
			flags = append(flags, "pinned")
		}
		if v.Muted {
			flags = append(flags, "muted")
		}
		tag := ""
		if len(flags) > 0 {
			tag = " [" + strings.Join(flags, ",") + "]"
		}
		last := ""
		if v.LastMessage != nil {
			last = " - " + v.LastMessage.Content
		}
		fmt.Fprintf(&b, "  %s: %s%s%s\n", v.ID, v.Title, tag, last)
	}
	_, err := io.WriteString(w, b.String())
	return err
}
