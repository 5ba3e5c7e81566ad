package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	flags "github.com/jessevdk/go-flags"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/keel-cm/keel/pkg/agent"
)

type options struct {
	ListenAddr  string        `long:"listen-addr" env:"KEELD_LISTEN_ADDR" default:"0.0.0.0:8335" description:"Address to listen on"`
	ExecTimeout time.Duration `long:"exec-timeout" env:"KEELD_EXEC_TIMEOUT" default:"60s" description:"Upper bound for a single command execution"`
	LogLevel    string        `long:"log-level" env:"KEELD_LOG_LEVEL" default:"info" description:"Log level (trace, debug, info, warn, error)"`
	Pretty      bool          `long:"pretty" description:"Human-friendly console logging"`
}

func main() {
	var opts options
	if _, err := flags.Parse(&opts); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			return
		}
		os.Exit(2)
	}

	setupLogging(opts)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a := agent.New(
		agent.WithListenAddr(opts.ListenAddr),
		agent.WithExecTimeout(opts.ExecTimeout),
		agent.WithGracefulTimeout(10*time.Second),
		agent.WithReadTimeout(30*time.Second),
		agent.WithWriteTimeout(5*time.Minute),
		agent.WithIdleTimeout(2*time.Minute),
	)
	if err := a.Initialize(); err != nil {
		log.Error().Err(err).Msg("Failed to initialize agent")
		return
	}

	log.Info().Str("addr", opts.ListenAddr).Msg("Serving agent...")
	go func() {
		if err := a.Serve(); err != nil {
			if errors.Is(err, http.ErrServerClosed) {
				return
			}
			log.Error().Err(err).Msg("Failed to serve agent")
			cancel()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Stopping agent...")
	if err := a.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop agent")
	}

	log.Info().Msg("Done")
}

func setupLogging(opts options) {
	level, err := zerolog.ParseLevel(opts.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if opts.Pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
