package cmd

import (
	"context"
	"math/rand"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luma/reveille/client"
	"github.com/luma/reveille/internal/env"
	"github.com/luma/reveille/protocol"
)

var (
	server   string
	wakePort int
	clients  int
	maxWait  int
	message  string
)

func init() {
	flags := WakeCmd.PersistentFlags()

	flags.StringVarP(&server, "server", "s", "127.0.0.1", "The address of the timer server")
	flags.IntVarP(&wakePort, "port", "p", 8088, "The port the timer server is listening on")
	flags.IntVarP(&clients, "clients", "c", 10, "The number of concurrent clients, each on its own connection")
	flags.IntVar(&maxWait, "max-wait", 10, "Each client asks to be woken between 1 and max-wait seconds from now")
	flags.StringVarP(&message, "message", "m", "Wake up", "The payload every client sends")
}

var WakeCmd = &cobra.Command{
	Use:   "wake",
	Short: "Run many clients against a Reveille server",
	Long: `Opens one connection per client, each asking to be woken at a random
time up to --max-wait seconds from now, and waits for every response.

Usage
	reveille wake --server 127.0.0.1 --port 8088 --clients 10

`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		log, err := env.MakeLogger("info")
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		if maxWait < 1 {
			maxWait = 1
		}

		addr := net.JoinHostPort(server, strconv.Itoa(wakePort))
		log.Info("Connecting to server", zap.String("addr", addr), zap.Int("clients", clients))

		rnd := rand.New(rand.NewSource(time.Now().UnixNano()))
		g, ctx := errgroup.WithContext(ctx)

		for i := 0; i < clients; i++ {
			id := protocol.RequestID(i)
			wait := time.Duration(rnd.Intn(maxWait)+1) * time.Second

			g.Go(func() error {
				return wakeOnce(ctx, log, addr, id, wait)
			})
		}

		if err := g.Wait(); err != nil {
			return err
		}

		log.Info("Every client was woken", zap.Int("clients", clients))
		return nil
	},
}

func wakeOnce(ctx context.Context, log *zap.Logger, addr string, id protocol.RequestID, wait time.Duration) error {
	log = log.With(zap.Uint32("requestID", uint32(id)), zap.Duration("wait", wait))

	conn := client.New(log)
	if err := conn.Connect(ctx, addr); err != nil {
		return err
	}
	defer conn.Disconnect()

	req := protocol.NewRequest(id, time.Now().Add(wait), []byte(message))
	sentAt := time.Now()

	resp, err := conn.SetTimer(ctx, req)
	if err != nil {
		log.Error("Timer failed", zap.Error(err))
		return err
	}

	log.Info("Timer up",
		zap.Duration("after", time.Since(sentAt)),
		zap.Int("cookieSize", len(resp.Cookie)),
		zap.ByteString("cookie", resp.Cookie))

	return nil
}
