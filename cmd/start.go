package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/reveille/cookie"
	"github.com/luma/reveille/internal/admin"
	"github.com/luma/reveille/internal/env"
	"github.com/luma/reveille/internal/meta"
	"github.com/luma/reveille/scheduler"
	"github.com/luma/reveille/storage"
	"github.com/luma/reveille/transport"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string

	// The port to listen for tcp clients on
	port int

	// The number of SO_REUSEPORT listeners, 0 means one per CPU
	numListeners int
)

func init() {
	flags := StartCmd.PersistentFlags()

	flags.IntVarP(&port, "port", "p", 8088, "The port to listen client connections on")
	flags.StringVar(&httpPort, "http-port", "8087", "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
	flags.IntVar(&numListeners, "listeners", 0, "The number of TCP listeners, defaults to one per CPU")
}

var StartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start up the Reveille timer service",
	Long: `Start up the Reveille timer service

Usage
	reveille start --port 8088

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		conf, err := env.LoadConfig(ctx)
		if err != nil {
			return err
		}

		log, err := env.MakeLogger(conf.LogLevel)
		if err != nil {
			return err
		}
		defer log.Sync() //nolint:errcheck

		// Every pending timer holds a connection open.
		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		cookies, err := cookie.ByName(conf.Cookie)
		if err != nil {
			return err
		}

		// An oversized cookie falls back to an empty one rather than closing
		// the session.
		cookies = cookie.Limit(cookies, conf.MaxPayloadSize)

		sched := scheduler.New(scheduler.Options{
			Cookies: cookies,
			Log:     log.Named("scheduler"),
		})

		schedCtx, stopScheduler := context.WithCancel(context.Background())
		schedDone := make(chan struct{})

		go func() {
			defer close(schedDone)

			if err := sched.Run(schedCtx); err != nil {
				log.Error("Scheduler stopped", zap.Error(err))
			}
		}()

		store := storage.NewInmemoryStore()

		tcp := transport.NewTCP(transport.Options{
			Host:           host,
			Port:           port,
			Reuseport:      true,
			NumListeners:   numListeners,
			MaxConnections: conf.MaxConnections,
			MaxPayloadSize: conf.MaxPayloadSize,
			WriteTimeout:   conf.WriteTimeout,
			Trace:          conf.Trace,
			Scheduler:      sched,
			Store:          store,
			Log:            log.Named("transport"),
		})

		if err := tcp.Start(ctx); err != nil {
			stopScheduler()
			return err
		}

		s := &http.Server{
			Addr: net.JoinHostPort(host, httpPort),
			Handler: admin.NewRouter(admin.Options{
				Debug:     conf.DebugHTTP,
				Scheduler: sched,
				Sessions:  tcp,
				Store:     store,
				Log:       log.Named("http"),
			}),
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		log.Info("Listening",
			zap.Any("build", meta.GetInfo()),
			zap.Any("config", conf),
			zap.Stringer("addr", tcp.Addr()),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if serr := s.Shutdown(shutdownCtx); serr != nil {
			err = multierr.Append(err, serr)
		}

		// Closing the sessions cancels their timers, the scheduler goes last.
		err = multierr.Append(err, tcp.Close())

		stopScheduler()
		<-schedDone

		err = multierr.Append(err, store.Close())

		if err != nil {
			log.Error("Shutdown was not clean", zap.Error(err))
		}

		log.Info("Exiting")
		return err
	},
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
