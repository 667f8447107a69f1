package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/manpreetbhatti/presence/internal/client"
	"github.com/manpreetbhatti/presence/internal/presence"
)

func botCmd(flags *globalFlags) *cobra.Command {
	var (
		url      string
		radius   float64
		period   time.Duration
		duration time.Duration
	)

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Join a room and trace a circle with the cursor",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig(cmd, flags, map[string]string{
				"token":    "server.token",
				"outbound": "protocol.inbound",
				"inbound":  "protocol.outbound",
			})
			if err != nil {
				return err
			}
			log := logger.Named("bot").With("instance", uuid.NewString()[:8])

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, duration)
				defer cancel()
			}

			dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()

			center := presence.Cursor{X: radius, Y: radius, Pointer: presence.PointerMouse}
			session, err := client.Dial(dialCtx, client.SessionConfig{
				URL:      url,
				Token:    cfg.Server.Token,
				Inbound:  cfg.OutboundFormat(),
				Outbound: cfg.InboundFormat(),
				Logger:   log,
				Store: client.StoreConfig{
					Debounce: cfg.Client.Debounce,
					Initial:  presence.Presence{Cursor: &center},
				},
			})
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer session.Close()

			store := session.Store()
			var peers atomic.Int64
			peers.Store(-1)
			unsubscribe := store.Subscribe(func(v client.View) {
				n := int64(len(v.Others))
				if peers.Swap(n) != n {
					log.Info("peers changed", "me", v.MyID, "peers", n)
				}
			})
			defer unsubscribe()

			log.Info("bot connected", "url", url)

			ticker := time.NewTicker(cfg.Room.Interval)
			defer ticker.Stop()
			start := time.Now()

			for {
				select {
				case <-ctx.Done():
					log.Info("bot stopping")
					return nil
				case <-session.Done():
					return fmt.Errorf("session ended: %w", session.Err())
				case now := <-ticker.C:
					angle := 2 * math.Pi * float64(now.Sub(start)) / float64(period)
					store.UpdatePresence(presence.SetCursor(presence.Cursor{
						X:       center.X + radius*math.Cos(angle),
						Y:       center.Y + radius*math.Sin(angle),
						Pointer: presence.PointerMouse,
					}))
				}
			}
		},
	}

	cmd.Flags().StringVar(&url, "url", "ws://localhost:8080/parties/default", "websocket endpoint of the room")
	cmd.Flags().String("token", "cc", "handshake token")
	cmd.Flags().String("outbound", "compact", "format of updates the bot sends")
	cmd.Flags().String("inbound", "compact", "format of broadcasts the bot receives")
	cmd.Flags().Float64Var(&radius, "radius", 200, "circle radius")
	cmd.Flags().DurationVar(&period, "period", 4*time.Second, "time for one full circle")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 runs until interrupted)")

	return cmd
}
