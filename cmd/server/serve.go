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
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/presence/internal/api"
	"github.com/manpreetbhatti/presence/internal/db"
	"github.com/manpreetbhatti/presence/internal/janitor"
	"github.com/manpreetbhatti/presence/internal/metrics"
	"github.com/manpreetbhatti/presence/internal/room"
	"github.com/manpreetbhatti/presence/internal/ws"
)

const shutdownTimeout = 5 * time.Second

func serveCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the presence server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, flags, map[string]string{
				"addr":     "server.addr",
				"token":    "server.token",
				"db":       "db.path",
				"outbound": "protocol.outbound",
				"inbound":  "protocol.inbound",
			})
			if err != nil {
				return err
			}

			reg := prometheus.NewRegistry()
			reg.MustRegister(
				collectors.NewGoCollector(),
				collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			)
			m := metrics.New(reg)

			database, err := db.New(cfg.DB.Path, logger.Named("db"))
			if err != nil {
				return fmt.Errorf("initialize database: %w", err)
			}
			defer database.Close()

			hub := ws.NewHub(ws.Config{
				Room: room.Config{
					Interval:    cfg.Room.Interval,
					Outbound:    cfg.OutboundFormat(),
					Inbound:     cfg.InboundFormat(),
					OnViolation: cfg.ViolationPolicy(),
				},
				DefaultRoom:       cfg.Room.Default,
				Token:             cfg.Server.Token,
				AllowedOrigins:    cfg.Server.AllowedOrigins,
				MessagesPerSecond: cfg.RateLimit.MessagesPerSecond,
				MessageBurst:      cfg.RateLimit.Burst,
				UpgradesPerSecond: cfg.RateLimit.UpgradesPerSecond,
				UpgradeBurst:      cfg.RateLimit.UpgradeBurst,
				Logger:            logger,
				Metrics:           m,
				OnJoin: func(roomID string, connections int) {
					if err := database.RecordJoin(roomID, connections); err != nil {
						logger.Warn("failed to record join", "room", roomID, "error", err)
					}
				},
			})
			defer hub.Shutdown()

			jan := janitor.New(database, hub, janitor.Config{
				Interval:  cfg.Janitor.Interval,
				Retention: cfg.Janitor.Retention,
			}, logger.Named("janitor"))
			jan.Start()
			defer jan.Stop()

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           api.New(hub, database, reg, logger.Named("api")).Router(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("presence server starting",
					"addr", cfg.Server.Addr,
					"db", cfg.DB.Path,
					"outbound", cfg.OutboundFormat(),
					"inbound", cfg.InboundFormat(),
					"interval", cfg.Room.Interval,
				)
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("listen: %w", err)
				}
				return nil
			case <-ctx.Done():
			}

			logger.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Warn("graceful shutdown failed", "error", err)
			}
			return nil
		},
	}

	cmd.Flags().String("addr", ":8080", "listen address")
	cmd.Flags().String("token", "cc", "handshake token expected in the from query parameter")
	cmd.Flags().String("db", "./data/presence.db", "path to the sqlite room registry")
	cmd.Flags().String("outbound", "compact", "broadcast format (compact, json, msgpack)")
	cmd.Flags().String("inbound", "compact", "client update format (compact, json, msgpack)")

	return cmd
}
