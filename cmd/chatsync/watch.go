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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Prismer-AI/chatsync"
)

var (
	watchMetricsAddr   string
	watchWebhookAddr   string
	watchWebhookSecret string
	watchOpen          string
)

func init() {
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	watchCmd.Flags().StringVar(&watchWebhookAddr, "webhook-addr", "", "Accept webhook deliveries on this address (e.g. :8080)")
	watchCmd.Flags().StringVar(&watchWebhookSecret, "webhook-secret", "", "Webhook signing secret (defaults to webhook.secret)")
	watchCmd.Flags().StringVar(&watchOpen, "open", "", "Open the conversation with this partner and mark its messages read")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Stay connected and print incoming messages",
	Long: "Run a live session: seed from local history, connect the push transport, " +
		"and print conversation updates until interrupted.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := requireAuth()
		if err != nil {
			return err
		}
		log := newLogger()

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		transport, credential, err := newTransport(cfg, log)
		if err != nil {
			return err
		}

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		metrics := chatsync.NewMetrics(reg)

		mgr, err := chatsync.NewManager(chatsync.Config{
			Transport: transport,
			Logger:    log,
			Metrics:   metrics,
		})
		if err != nil {
			return err
		}
		defer mgr.Close()

		session, err := chatsync.NewSession(chatsync.SessionConfig{
			SelfID:     cfg.Auth.UserID,
			Credential: credential,
			API:        newClient(cfg, log),
			Storage:    store,
			Channels:   cfg.Channels,
			Logger:     log,
			Metrics:    metrics,
		}, mgr)
		if err != nil {
			return err
		}

		mgr.OnConnected(func() { fmt.Fprintln(os.Stderr, "connected") })
		mgr.OnDisconnected(func(err error) {
			if err != nil {
				fmt.Fprintf(os.Stderr, "disconnected: %v\n", err)
			}
		})
		mgr.OnReconnecting(func(attempt int, delay time.Duration) {
			fmt.Fprintf(os.Stderr, "reconnecting (attempt %d in %s)\n", attempt, delay)
		})
		mgr.OnError(func(err error) {
			if errors.Is(err, chatsync.ErrReconnectExhausted) {
				fmt.Fprintln(os.Stderr, "giving up for now; will retry on the next liveness check")
			}
		})
		session.OnUpdate(func(u chatsync.Update) {
			if u.Kind != chatsync.UpdateConversations || u.PartnerID == "" {
				return
			}
			for _, c := range session.Conversations() {
				if c.PartnerID == u.PartnerID {
					fmt.Printf("%s  %-12s (%d unread) %s\n", formatTime(c.LastMessageTime), c.PartnerID, c.UnreadCount, truncate(c.LastMessage, 60))
				}
			}
		})

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error { return session.Run(gctx) })

		if watchMetricsAddr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
			g.Go(func() error { return serveHTTP(gctx, watchMetricsAddr, mux) })
			fmt.Fprintf(os.Stderr, "metrics on %s/metrics\n", watchMetricsAddr)
		}

		if watchWebhookAddr != "" {
			secret := valueOrDefault(watchWebhookSecret, cfg.Webhook.Secret)
			wh, err := chatsync.NewWebhook(secret, cfg.Auth.UserID, session, log)
			if err != nil {
				return err
			}
			mux := http.NewServeMux()
			mux.Handle("/webhook", wh.HTTPHandler())
			g.Go(func() error { return serveHTTP(gctx, watchWebhookAddr, mux) })
			fmt.Fprintf(os.Stderr, "webhook on %s/webhook\n", watchWebhookAddr)
		}

		if watchOpen != "" {
			g.Go(func() error {
				openCtx, cancel := context.WithTimeout(gctx, requestTimeout)
				defer cancel()
				if err := session.Open(openCtx, watchOpen); err != nil {
					log.Warn().Err(err).Msg("open conversation")
					return nil
				}
				printMessages(session.Messages())
				return nil
			})
		}

		return g.Wait()
	},
}

// serveHTTP runs an HTTP server until ctx is done.
func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve %s: %w", addr, err)
	}
	return nil
}
